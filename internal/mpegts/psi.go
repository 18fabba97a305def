package mpegts

import (
	"bytes"
	"fmt"

	"rapidmux/internal/bytefield"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02

	programNumber = 1
	// version 0, current_next_indicator set
	versionByte = 0xC1
)

// ElementaryStream is one entry of a program map table
type ElementaryStream struct {
	StreamType uint8
	PID        uint16
}

// PAT returns the program association section for a single program
func PAT(pmtPID uint16) []byte {
	body := bytefield.NewBuffer(nil).
		WriteUint16(1). // transport_stream_id
		WriteUint8(versionByte).
		WriteUint8(0). // section_number
		WriteUint8(0). // last_section_number
		WriteUint16(programNumber).
		WriteUint16(0xE000 | pmtPID&0x1FFF).
		Bytes()
	return section(tableIDPAT, body)
}

// PMT returns the program map section for a single program
func PMT(pcrPID uint16, streams []ElementaryStream) []byte {
	b := bytefield.NewBuffer(nil).
		WriteUint16(programNumber).
		WriteUint8(versionByte).
		WriteUint8(0).
		WriteUint8(0).
		WriteUint16(0xE000 | pcrPID&0x1FFF).
		WriteUint16(0xF000) // program_info_length 0
	for _, es := range streams {
		b.WriteUint8(es.StreamType).
			WriteUint16(0xE000 | es.PID&0x1FFF).
			WriteUint16(0xF000) // ES_info_length 0
	}
	return section(tableIDPMT, b.Bytes())
}

// section prefixes body with table_id and section_length and appends the CRC
func section(tableID uint8, body []byte) []byte {
	length := len(body) + 4
	b := bytefield.NewBuffer(nil).
		WriteUint8(tableID).
		WriteUint16(0xB000 | uint16(length)&0x0FFF). // section_syntax_indicator, '0', reserved
		WriteBytes(body)
	return b.WriteUint32(crc32MPEG2(b.Bytes())).Bytes()
}

// psiPacket wraps one section into a single packet with a pointer field and
// 0xFF padding
func psiPacket(pid uint16, sec []byte) *Packet {
	p := NewPacket(pid)
	p.PayloadUnitStart = true
	p.Payload = make([]byte, 0, maxPayloadSize)
	p.Payload = append(p.Payload, 0x00)
	p.Payload = append(p.Payload, sec...)
	p.Payload = append(p.Payload, bytes.Repeat([]byte{0xFF}, maxPayloadSize-len(p.Payload))...)
	return p
}

// ParsePMT returns the elementary streams of a PMT section that starts at the
// pointer field of payload
func ParsePMT(payload []byte) (pcrPID uint16, streams []ElementaryStream, err error) {
	sec, err := sectionBody(payload, tableIDPMT)
	if err != nil {
		return 0, nil, err
	}
	b := bytefield.NewBuffer(sec)
	if err := b.Skip(5); err != nil {
		return 0, nil, fmt.Errorf("mpegts: pmt: %w", err)
	}
	pcr, err := b.ReadUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("mpegts: pmt pcr pid: %w", err)
	}
	infoLen, err := b.ReadUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("mpegts: pmt program info: %w", err)
	}
	if err := b.Skip(int(infoLen & 0x0FFF)); err != nil {
		return 0, nil, fmt.Errorf("mpegts: pmt program info: %w", err)
	}
	for b.Available() >= 5 {
		st, _ := b.ReadUint8()
		pid, _ := b.ReadUint16()
		esLen, _ := b.ReadUint16()
		if err := b.Skip(int(esLen & 0x0FFF)); err != nil {
			return 0, nil, fmt.Errorf("mpegts: pmt es info: %w", err)
		}
		streams = append(streams, ElementaryStream{StreamType: st, PID: pid & 0x1FFF})
	}
	return pcr & 0x1FFF, streams, nil
}

// sectionBody validates table id and CRC and returns the bytes between
// section_length and the CRC
func sectionBody(payload []byte, tableID uint8) ([]byte, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: empty psi payload")
	}
	start := 1 + int(payload[0])
	if len(payload) < start+3 {
		return nil, fmt.Errorf("mpegts: psi section truncated")
	}
	sec := payload[start:]
	if sec[0] != tableID {
		return nil, fmt.Errorf("mpegts: table id 0x%02X, expected 0x%02X", sec[0], tableID)
	}
	length := int(sec[1]&0x0F)<<8 | int(sec[2])
	if length < 4 || len(sec) < 3+length {
		return nil, fmt.Errorf("mpegts: psi section length %d invalid", length)
	}
	if crc32MPEG2(sec[:3+length]) != 0 {
		return nil, fmt.Errorf("mpegts: psi crc mismatch")
	}
	return sec[3 : 3+length-4], nil
}
