package mpegts

import (
	"bytes"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rapidmux/internal/codec"
)

var (
	testSPS = []byte{0x67, 0x42, 0xC0, 0x28, 0xDA, 0x01, 0xE0, 0x08}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
	testASC = &mpeg4audio.AudioSpecificConfig{
		Type:         2, // AAC LC
		SampleRate:   44100,
		ChannelCount: 2,
	}
)

// reassemble concatenates packet payloads, dropping adaptation fields
func reassemble(t *testing.T, packets []*Packet) []byte {
	t.Helper()
	var out []byte
	for _, p := range packets {
		buf := p.Marshal()
		require.Len(t, buf, PacketSize)
		parsed, err := ParsePacket(buf)
		require.NoError(t, err)
		out = append(out, parsed.Payload...)
	}
	return out
}

func pesWithSerializedSize(t *testing.T, size int) *PES {
	t.Helper()
	pes := &PES{StreamID: StreamIDVideo, OptionalHeader: newOptionalHeader()}
	pes.OptionalHeader.SetTimestamp(0, 0, 0, false)
	pes.Data = bytes.Repeat([]byte{0x5A}, size-pesPrefixSize-pes.OptionalHeader.Size())
	require.Len(t, pes.Marshal(), size)
	return pes
}

func TestOptionalHeaderLayout(t *testing.T) {
	h := newOptionalHeader()
	h.DataAlignmentIndicator = true
	h.SetTimestamp(time.Second, 2*time.Second, 1900*time.Millisecond, true)

	b := h.Marshal()
	assert.Equal(t, byte(0x84), b[0], "marker bits 10 and alignment flag")
	assert.Equal(t, byte(0xC0), b[1], "PTS and DTS present")
	assert.Equal(t, byte(10), b[2])
	assert.Equal(t, byte(0x30), b[3]&0xF0)
	assert.Equal(t, byte(0x10), b[8]&0xF0)
	assert.Equal(t, int(h.HeaderLength), len(h.OptionalFields))

	pts, ok := h.PTS()
	require.True(t, ok)
	assert.Equal(t, uint64(90000), pts)
	dts, ok := h.DTS()
	require.True(t, ok)
	assert.Equal(t, uint64(81000), dts)
}

func TestOptionalHeaderPTSOnly(t *testing.T) {
	h := newOptionalHeader()
	h.SetTimestamp(0, 40*time.Millisecond, 0, false)
	assert.Equal(t, PTSDTSOnlyPTS, h.PTSDTSIndicator)
	assert.Equal(t, uint8(TimestampSize), h.HeaderLength)
	assert.Equal(t, byte(0x20), h.OptionalFields[0]&0xF0)

	_, ok := h.DTS()
	assert.False(t, ok)
}

func TestAudioPES(t *testing.T) {
	frame := bytes.Repeat([]byte{0x21}, 100)
	pes, err := NewAudioPES(frame, 23*time.Millisecond, 0, testASC, StreamIDAudio)
	require.NoError(t, err)

	assert.True(t, pes.OptionalHeader.DataAlignmentIndicator)
	assert.Equal(t, PTSDTSOnlyPTS, pes.OptionalHeader.PTSDTSIndicator)
	assert.Equal(t, uint16(codec.ADTSHeaderSize+100+8), pes.PacketLength)
	assert.Equal(t, []byte{0xFF, 0xF1}, pes.Data[:2])
	assert.Equal(t, frame, pes.Data[codec.ADTSHeaderSize:])

	_, err = NewAudioPES(make([]byte, 70000), 0, 0, testASC, StreamIDAudio)
	assert.ErrorIs(t, err, ErrPacketTooLarge)

	_, err = NewAudioPES(make([]byte, 0xFFFF-codec.ADTSHeaderSize-8), 0, 0, testASC, StreamIDAudio)
	assert.ErrorIs(t, err, ErrPacketTooLarge, "length 65535 does not fit")
}

func TestAVCPES(t *testing.T) {
	record, err := codec.NewAVCDecoderConfigurationRecord(testSPS, testPPS)
	require.NoError(t, err)
	idr := []byte{0x65, 0x88, 0x84, 0x00}
	frame := codec.JoinLengthPrefixed([][]byte{idr})

	pes := NewAVCPES(frame, 0, 0, 0, record, StreamIDVideo)
	var want []byte
	want = append(want, 0x00, 0x00, 0x00, 0x01, 0x09, 0x10)
	want = append(want, codec.StartCode...)
	want = append(want, testSPS...)
	want = append(want, codec.StartCode...)
	want = append(want, testPPS...)
	want = append(want, codec.StartCode...)
	want = append(want, idr...)
	assert.Equal(t, want, pes.Data)
	assert.Equal(t, PTSDTSOnlyPTS, pes.OptionalHeader.PTSDTSIndicator, "DTS equal to PTS is omitted")

	pes = NewAVCPES(frame, 66*time.Millisecond, 33*time.Millisecond, 0, nil, StreamIDVideo)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0x30}, pes.Data[:6])
	assert.Equal(t, PTSDTSBoth, pes.OptionalHeader.PTSDTSIndicator)

	big := NewAVCPES(codec.JoinLengthPrefixed([][]byte{make([]byte, 70000)}), 0, 0, 0, nil, StreamIDVideo)
	assert.Equal(t, uint16(0), big.PacketLength, "oversized video keeps an unbounded length")
}

func TestHEVCPES(t *testing.T) {
	vps := []byte{0x40, 0x01}
	pps := []byte{0x44, 0x01}
	record := &codec.HEVCDecoderConfigurationRecord{
		Arrays: []codec.HEVCNALArray{
			{NALUnitType: codec.HEVCNALUnitTypePPS, NALUnits: [][]byte{pps}},
			{NALUnitType: codec.HEVCNALUnitTypeVPS, NALUnits: [][]byte{vps}},
		},
	}
	frame := codec.JoinLengthPrefixed([][]byte{{0x26, 0x01, 0xAF}})

	pes := NewHEVCPES(frame, 0, 0, 0, record, StreamIDVideo)
	var want []byte
	want = append(want, codec.StartCode...)
	want = append(want, vps...)
	want = append(want, codec.StartCode...)
	want = append(want, pps...)
	want = append(want, codec.StartCode...)
	want = append(want, 0x26, 0x01, 0xAF)
	assert.Equal(t, want, pes.Data, "VPS before PPS, missing SPS skipped, no delimiter")
}

func TestParsePES(t *testing.T) {
	frame := codec.JoinLengthPrefixed([][]byte{{0x41, 0x9A, 0x00}})
	pes := NewAVCPES(frame, 100*time.Millisecond, 50*time.Millisecond, 0, nil, StreamIDVideo)

	parsed, err := ParsePES(pes.Marshal())
	require.NoError(t, err)
	assert.Equal(t, pes, parsed)

	_, err = ParsePES([]byte{0x00, 0x00, 0x02, 0xE0, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrInvalidStartCode)

	_, err = ParsePES([]byte{0x00, 0x00, 0x01, 0xE0})
	assert.Error(t, err)
}

func TestPESAppend(t *testing.T) {
	pes := pesWithSerializedSize(t, 600)
	serialized := pes.Marshal()

	// reassemble from the first 188 bytes and the rest
	parsed, err := ParsePES(serialized[:188])
	require.NoError(t, err)
	assert.Equal(t, 412, parsed.Append(serialized[188:]))
	assert.Equal(t, pes.Data, parsed.Data)
}

func TestPacketsWithPCR(t *testing.T) {
	pes, err := NewAudioPES(make([]byte, 600-codec.ADTSHeaderSize), 0, 0, testASC, StreamIDAudio)
	require.NoError(t, err)
	serialized := pes.Marshal()
	require.Len(t, serialized, 614)

	pcr := ClockReference{Base: 1234}
	packets := pes.Packets(PIDAudio, &pcr)
	require.Len(t, packets, 4)

	assert.True(t, packets[0].PayloadUnitStart)
	cr, ok := packets[0].ClockReference()
	require.True(t, ok)
	assert.Equal(t, pcr, cr)
	for _, p := range packets[1:] {
		assert.False(t, p.PayloadUnitStart)
		_, ok := p.ClockReference()
		assert.False(t, ok)
	}
	assert.Equal(t, serialized, reassemble(t, packets))
}

func TestPacketsRemainder(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		packets   int
		lastBytes int
	}{
		// first packet takes 182 bytes when no PCR is given
		{"single packet", 100, 1, 100},
		{"no remainder", 182 + 184, 2, 184},
		{"remainder 183", 182 + 183, 3, 1},
		{"remainder 183 after middle", 182 + 184 + 183, 4, 1},
		{"remainder 182", 182 + 182, 2, 182},
		{"remainder 1", 182 + 184 + 1, 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pes := pesWithSerializedSize(t, tt.size)
			packets := pes.Packets(PIDVideo, nil)
			require.Len(t, packets, tt.packets)
			assert.Len(t, packets[len(packets)-1].Payload, tt.lastBytes)
			assert.Equal(t, pes.Marshal(), reassemble(t, packets))
		})
	}
}

func TestPacketsRemainder183SplitsAt182(t *testing.T) {
	pes := pesWithSerializedSize(t, 182+183)
	packets := pes.Packets(PIDVideo, nil)
	require.Len(t, packets, 3)
	assert.Len(t, packets[1].Payload, 182)
	assert.Len(t, packets[2].Payload, 1)
	require.NotNil(t, packets[2].AdaptationField)
	assert.Equal(t, 183, packets[2].AdaptationField.Size())
}
