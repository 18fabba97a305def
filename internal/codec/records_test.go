package codec

import (
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAVCDecoderConfigurationRecord(t *testing.T) {
	record, err := NewAVCDecoderConfigurationRecord(testSPS, testPPS)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x42), record.AVCProfileIndication)
	assert.Equal(t, uint8(0x28), record.AVCLevelIndication)

	data := record.Marshal()
	assert.Equal(t, byte(0x01), data[0])
	assert.Equal(t, byte(0xFF), data[4], "reserved bits set, 4-byte NAL lengths")
	assert.Equal(t, byte(0xE1), data[5], "reserved bits set, one SPS")

	parsed, err := ParseAVCDecoderConfigurationRecord(data)
	require.NoError(t, err)
	assert.Equal(t, record, parsed)

	_, err = ParseAVCDecoderConfigurationRecord(data[:len(data)-2])
	assert.Error(t, err, "truncated PPS")

	_, err = NewAVCDecoderConfigurationRecord([]byte{0x67}, testPPS)
	assert.Error(t, err)
}

func TestHEVCDecoderConfigurationRecord(t *testing.T) {
	vps := []byte{0x40, 0x01, 0x0c, 0x01}
	sps := []byte{0x42, 0x01, 0x01, 0x01, 0x60}
	pps := []byte{0x44, 0x01, 0xc1}

	record := &HEVCDecoderConfigurationRecord{
		ConfigurationVersion: 1,
		ProfileTierLevel:     make([]byte, 21),
		LengthSizeMinusOne:   3,
		Arrays: []HEVCNALArray{
			{Completeness: true, NALUnitType: HEVCNALUnitTypeVPS, NALUnits: [][]byte{vps}},
			{Completeness: true, NALUnitType: HEVCNALUnitTypeSPS, NALUnits: [][]byte{sps}},
			{Completeness: true, NALUnitType: HEVCNALUnitTypePPS, NALUnits: [][]byte{pps}},
		},
	}
	record.ProfileTierLevel[0] = 0x01

	parsed, err := ParseHEVCDecoderConfigurationRecord(record.Marshal())
	require.NoError(t, err)
	assert.Equal(t, uint8(3), parsed.LengthSizeMinusOne)
	assert.Equal(t, [][]byte{vps}, parsed.NALUnits(HEVCNALUnitTypeVPS))
	assert.Equal(t, [][]byte{sps}, parsed.NALUnits(HEVCNALUnitTypeSPS))
	assert.Equal(t, [][]byte{pps}, parsed.NALUnits(HEVCNALUnitTypePPS))
	assert.Nil(t, parsed.NALUnits(39))
	assert.Equal(t, record.Marshal(), parsed.Marshal())

	_, err = ParseHEVCDecoderConfigurationRecord([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestADTSHeader(t *testing.T) {
	config := &mpeg4audio.AudioSpecificConfig{Type: 2, SampleRate: 44100, ChannelCount: 2}
	encoded, err := config.Marshal()
	require.NoError(t, err)

	parsed, err := ParseAudioSpecificConfig(encoded)
	require.NoError(t, err)
	assert.Equal(t, 44100, parsed.SampleRate)
	assert.Equal(t, 2, parsed.ChannelCount)

	header, err := ADTSHeader(parsed, 100)
	require.NoError(t, err)
	require.Len(t, header, ADTSHeaderSize)

	assert.Equal(t, byte(0xFF), header[0])
	assert.Equal(t, byte(0xF1), header[1])
	// AAC LC (profile 1), 44.1 kHz (index 4), 2 channels
	assert.Equal(t, byte(0x50), header[2])
	frameLength := int(header[3]&0x03)<<11 | int(header[4])<<3 | int(header[5]>>5)
	assert.Equal(t, 107, frameLength)
	assert.Equal(t, byte(0x80), header[3]&0xC0)

	_, err = ADTSHeader(&mpeg4audio.AudioSpecificConfig{Type: 2, SampleRate: 12345, ChannelCount: 2}, 10)
	assert.Error(t, err)

	_, err = ADTSHeader(parsed, 9000)
	assert.Error(t, err)
}
