package mpegts

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketMarshalParse(t *testing.T) {
	p := NewPacket(0x1FFF)
	p.PayloadUnitStart = true
	p.ContinuityCounter = 17
	p.AdaptationField = &AdaptationField{PCR: ClockReference{Base: 9000}.Encode(), RandomAccess: true}
	n := p.Fill(bytes.Repeat([]byte{0xAB}, 50))
	assert.Equal(t, 50, n)

	buf := p.Marshal()
	require.Len(t, buf, PacketSize)
	assert.Equal(t, byte(SyncByte), buf[0])
	assert.Equal(t, byte(0x5F), buf[1], "PUSI and PID high bits")
	assert.Equal(t, byte(0xFF), buf[2])
	assert.Equal(t, byte(0x31), buf[3], "AF and payload flags, CC wraps to 1")

	parsed, err := ParsePacket(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1FFF), parsed.PID)
	assert.True(t, parsed.PayloadUnitStart)
	assert.Equal(t, uint8(1), parsed.ContinuityCounter)
	require.NotNil(t, parsed.AdaptationField)
	assert.True(t, parsed.AdaptationField.RandomAccess)
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, 50), parsed.Payload)

	cr, ok := parsed.ClockReference()
	require.True(t, ok)
	assert.Equal(t, uint64(9000), cr.Base)
}

func TestPacketFill(t *testing.T) {
	tests := []struct {
		name     string
		af       *AdaptationField
		dataLen  int
		consumed int
		afSize   int
	}{
		{"short with stuffing", nil, 10, 10, 174},
		{"capped at 182", nil, 300, 182, 2},
		{"exactly 182", nil, 182, 182, 2},
		{"one byte", nil, 1, 1, 183},
		{"existing PCR field", &AdaptationField{PCR: ClockReference{Base: 1}.Encode()}, 300, 176, 8},
		{"existing PCR field stuffed", &AdaptationField{PCR: ClockReference{Base: 1}.Encode()}, 20, 20, 164},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPacket(PIDVideo)
			p.AdaptationField = tt.af
			data := bytes.Repeat([]byte{0x5A}, tt.dataLen)
			n := p.Fill(data)
			assert.Equal(t, tt.consumed, n)
			assert.Equal(t, data[:n], p.Payload)
			require.NotNil(t, p.AdaptationField)
			assert.Equal(t, tt.afSize, p.AdaptationField.Size())
			assert.Equal(t, uint8(tt.afSize-1), p.AdaptationField.Length)

			buf := p.Marshal()
			require.Len(t, buf, PacketSize)
			parsed, err := ParsePacket(buf)
			require.NoError(t, err)
			assert.Equal(t, data[:n], parsed.Payload, "payload region carries only data")
		})
	}
}

func TestParsePacketErrors(t *testing.T) {
	_, err := ParsePacket(make([]byte, 100))
	assert.Error(t, err)

	buf := make([]byte, PacketSize)
	_, err = ParsePacket(buf)
	assert.ErrorIs(t, err, ErrInvalidSyncByte)

	buf[0] = SyncByte
	buf[3] = 0x30
	buf[4] = 200
	_, err = ParsePacket(buf)
	assert.Error(t, err, "adaptation field overruns packet")
}

func TestPSIRoundTrip(t *testing.T) {
	streams := []ElementaryStream{
		{StreamType: StreamTypeH264, PID: PIDVideo},
		{StreamType: StreamTypeADTSAAC, PID: PIDAudio},
	}
	p := psiPacket(PIDPMT, PMT(PIDVideo, streams))
	buf := p.Marshal()

	parsed, err := ParsePacket(buf)
	require.NoError(t, err)
	pcr, got, err := ParsePMT(parsed.Payload)
	require.NoError(t, err)
	assert.Equal(t, PIDVideo, pcr)
	assert.Equal(t, streams, got)

	pat := PAT(PIDPMT)
	assert.Equal(t, []byte{0x00, 0xB0, 0x0D, 0x00, 0x01, 0xC1, 0x00, 0x00, 0x00, 0x01, 0xEF, 0xFF}, pat[:12])
	assert.Equal(t, uint32(0), crc32MPEG2(pat), "CRC over section including CRC is zero")

	corrupt := append([]byte(nil), parsed.Payload...)
	corrupt[5] ^= 0xFF
	_, _, err = ParsePMT(corrupt)
	assert.Error(t, err)
}
