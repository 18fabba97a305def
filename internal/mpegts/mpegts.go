// Package mpegts builds MPEG-TS output: PES packets with PTS/DTS, 188-byte
// transport packets with adaptation fields and PCR, PAT/PMT tables and a
// Writer that turns encoded samples into an aligned packet stream.
package mpegts

import "errors"

const (
	// PacketSize is the size of every transport packet
	PacketSize = 188
	// SyncByte starts every transport packet
	SyncByte = 0x47

	headerSize = 4
	// maxPayloadSize is what remains after the 4-byte header
	maxPayloadSize = PacketSize - headerSize
	// maxFillSize leaves room for a two-byte adaptation field
	maxFillSize = maxPayloadSize - 2
)

// Well-known PIDs used by the Writer
const (
	PIDPAT   uint16 = 0x0000
	PIDPMT   uint16 = 0x0FFF
	PIDVideo uint16 = 0x0100
	PIDAudio uint16 = 0x0101
)

// PES stream IDs
const (
	StreamIDAudio uint8 = 0xC0
	StreamIDVideo uint8 = 0xE0
)

// PMT stream types
const (
	StreamTypeADTSAAC uint8 = 0x0F
	StreamTypeH264    uint8 = 0x1B
	StreamTypeH265    uint8 = 0x24
)

var (
	ErrInvalidStartCode = errors.New("mpegts: invalid PES start code")
	ErrPacketTooLarge   = errors.New("mpegts: PES packet length exceeds 16 bits")
	ErrInvalidSyncByte  = errors.New("mpegts: invalid sync byte")
)
