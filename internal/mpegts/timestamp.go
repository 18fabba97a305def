package mpegts

import (
	"fmt"
	"time"
)

const (
	// TimestampResolution is the 90 kHz PTS/DTS clock
	TimestampResolution = 90000
	// TimestampSize is the encoded size of a PTS or DTS
	TimestampSize = 5
	// PCRSize is the encoded size of a program clock reference
	PCRSize = 6

	timestampMask = 1<<33 - 1
)

// EncodeTimestamp packs a 33-bit 90 kHz value into 5 bytes with marker bits.
// The high nibble of the first byte carries prefix (0x20 PTS only, 0x30 PTS
// of a PTS+DTS pair, 0x10 DTS).
func EncodeTimestamp(v uint64, prefix byte) []byte {
	v &= timestampMask
	return []byte{
		prefix&0xF0 | byte(v>>29)&0x0E | 0x01,
		byte(v >> 22),
		byte(v>>14)&0xFE | 0x01,
		byte(v >> 7),
		byte(v<<1)&0xFE | 0x01,
	}
}

// DecodeTimestamp extracts the 33-bit value at offset
func DecodeTimestamp(b []byte, offset int) (uint64, error) {
	if offset < 0 || len(b) < offset+TimestampSize {
		return 0, fmt.Errorf("mpegts: timestamp at %d needs %d bytes, have %d", offset, TimestampSize, len(b))
	}
	b = b[offset:]
	return uint64(b[0]>>1&0x07)<<30 |
		uint64(b[1])<<22 |
		uint64(b[2]>>1&0x7F)<<15 |
		uint64(b[3])<<7 |
		uint64(b[4]>>1&0x7F), nil
}

// Ticks converts t-base to 90 kHz ticks
func Ticks(t, base time.Duration) uint64 {
	d := t - base
	return uint64(d/time.Second*TimestampResolution + d%time.Second*TimestampResolution/time.Second)
}

// ClockReference is a program clock reference: a 33-bit 90 kHz base and a
// 9-bit 27 MHz extension.
type ClockReference struct {
	Base      uint64
	Extension uint16
}

// NewClockReference converts t-base to a PCR with a zero extension
func NewClockReference(t, base time.Duration) ClockReference {
	return ClockReference{Base: Ticks(t, base) & timestampMask}
}

// Encode returns the 6-byte adaptation field form
func (c ClockReference) Encode() []byte {
	b := c.Base & timestampMask
	return []byte{
		byte(b >> 25),
		byte(b >> 17),
		byte(b >> 9),
		byte(b >> 1),
		byte(b<<7)&0x80 | 0x7E | byte(c.Extension>>8)&0x01,
		byte(c.Extension),
	}
}

// DecodeClockReference parses the 6-byte adaptation field form
func DecodeClockReference(b []byte) (ClockReference, error) {
	if len(b) < PCRSize {
		return ClockReference{}, fmt.Errorf("mpegts: PCR needs %d bytes, have %d", PCRSize, len(b))
	}
	return ClockReference{
		Base: uint64(b[0])<<25 |
			uint64(b[1])<<17 |
			uint64(b[2])<<9 |
			uint64(b[3])<<1 |
			uint64(b[4]>>7),
		Extension: uint16(b[4]&0x01)<<8 | uint16(b[5]),
	}, nil
}
