package flv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAVCFrameRoundTrip(t *testing.T) {
	payload := []byte{0, 0, 0, 2, 0x65, 0x88}

	tag := AVCFrame(payload, true, 40)
	assert.Equal(t, []byte{0x17, 0x01, 0x00, 0x00, 0x28}, tag[:5])

	p, err := ParseVideoPacket(tag)
	require.NoError(t, err)
	assert.Equal(t, "h264", p.Codec)
	assert.True(t, p.IsKeyFrame)
	assert.False(t, p.IsSequenceHeader)
	assert.Equal(t, int32(40), p.CompositionTime)
	assert.Equal(t, payload, p.Data)

	p, err = ParseVideoPacket(AVCFrame(payload, false, -33))
	require.NoError(t, err)
	assert.False(t, p.IsKeyFrame)
	assert.Equal(t, int32(-33), p.CompositionTime)
}

func TestAVCSequenceHeader(t *testing.T) {
	record := []byte{0x01, 0x64, 0x00, 0x1f}
	tag := AVCSequenceHeader(record)
	assert.Equal(t, []byte{0x17, 0x00, 0x00, 0x00, 0x00}, tag[:5])

	p, err := ParseVideoPacket(tag)
	require.NoError(t, err)
	assert.True(t, p.IsSequenceHeader)
	assert.Equal(t, record, p.Data)
}

func TestHEVCTags(t *testing.T) {
	record := []byte{0x01, 0x02}
	seq := HEVCSequenceHeader(record)
	assert.Equal(t, byte(0x90), seq[0])
	assert.Equal(t, []byte("hvc1"), seq[1:5])

	p, err := ParseVideoPacket(seq)
	require.NoError(t, err)
	assert.Equal(t, "h265", p.Codec)
	assert.True(t, p.IsSequenceHeader)
	assert.Equal(t, record, p.Data)

	frame := HEVCFrame([]byte{0xAA}, false, 66)
	assert.Equal(t, byte(0xA1), frame[0])

	p, err = ParseVideoPacket(frame)
	require.NoError(t, err)
	assert.False(t, p.IsKeyFrame)
	assert.Equal(t, int32(66), p.CompositionTime)
	assert.Equal(t, []byte{0xAA}, p.Data)
}

func TestParseVideoPacketErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short avc", []byte{0x17, 0x01}},
		{"wrong codec", []byte{0x12, 0x01, 0, 0, 0}},
		{"unknown fourcc", []byte{0x91, 'a', 'v', '0', '1', 0, 0, 0}},
		{"short coded frames", []byte{0x91, 'h', 'v', 'c', '1', 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseVideoPacket(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestAudioTags(t *testing.T) {
	asc := []byte{0x12, 0x10}
	seq := AudioSequenceHeader(asc)
	assert.Equal(t, []byte{0xAF, 0x00, 0x12, 0x10}, seq)

	p, err := ParseAudioPacket(seq)
	require.NoError(t, err)
	assert.True(t, p.IsSequenceHeader)
	assert.Equal(t, asc, p.Data)

	p, err = ParseAudioPacket(AudioFrame([]byte{0x21, 0x00}))
	require.NoError(t, err)
	assert.False(t, p.IsSequenceHeader)
	assert.Equal(t, []byte{0x21, 0x00}, p.Data)

	_, err = ParseAudioPacket([]byte{0x2F, 0x01})
	assert.Error(t, err)
}

func TestFourCCValue(t *testing.T) {
	assert.Equal(t, float64(0x68766331), FourCCValue(FourCCHEVC))
}
