package mpegts

import (
	"bytes"
	"fmt"
)

// Adaptation field flags
const (
	afDiscontinuity = 0x80
	afRandomAccess  = 0x40
	afESPriority    = 0x20
	afPCR           = 0x10
)

// AdaptationField carries the PCR, random access marking and stuffing
type AdaptationField struct {
	Length           uint8
	Discontinuity    bool
	RandomAccess     bool
	ElementaryStream bool // elementary stream priority
	PCR              []byte
	Stuffing         []byte
}

// Compute recalculates Length from the flags, PCR and stuffing
func (af *AdaptationField) Compute() {
	af.Length = uint8(1 + len(af.PCR) + len(af.Stuffing))
}

// Size is the number of bytes the field occupies, length byte included
func (af *AdaptationField) Size() int {
	return 1 + 1 + len(af.PCR) + len(af.Stuffing)
}

// Stuff appends n 0xFF stuffing bytes
func (af *AdaptationField) Stuff(n int) {
	if n <= 0 {
		return
	}
	af.Stuffing = append(af.Stuffing, bytes.Repeat([]byte{0xFF}, n)...)
	af.Compute()
}

func (af *AdaptationField) marshal() []byte {
	af.Compute()
	var flags byte
	if af.Discontinuity {
		flags |= afDiscontinuity
	}
	if af.RandomAccess {
		flags |= afRandomAccess
	}
	if af.ElementaryStream {
		flags |= afESPriority
	}
	if len(af.PCR) > 0 {
		flags |= afPCR
	}
	out := make([]byte, 0, af.Size())
	out = append(out, af.Length, flags)
	out = append(out, af.PCR...)
	return append(out, af.Stuffing...)
}

// Packet is one 188-byte transport packet
type Packet struct {
	TransportError    bool
	PayloadUnitStart  bool
	Priority          bool
	PID               uint16
	ScramblingControl uint8
	ContinuityCounter uint8
	AdaptationField   *AdaptationField
	Payload           []byte
}

// NewPacket returns an empty packet for pid
func NewPacket(pid uint16) *Packet {
	return &Packet{PID: pid & 0x1FFF}
}

func (p *Packet) remain() int {
	n := maxPayloadSize - len(p.Payload)
	if p.AdaptationField != nil {
		n -= p.AdaptationField.Size()
	}
	return n
}

// Fill copies as much of data as fits and stuffs the remainder of the
// packet through the adaptation field, adding one when needed. The payload
// holds only data bytes. It returns the number of bytes consumed.
func (p *Packet) Fill(data []byte) int {
	n := min(len(data), p.remain(), maxFillSize)
	p.Payload = append(p.Payload, data[:n]...)

	remain := p.remain()
	if remain <= 0 {
		return n
	}
	if p.AdaptationField == nil {
		p.AdaptationField = &AdaptationField{}
		p.AdaptationField.Compute()
		remain = p.remain()
	}
	p.AdaptationField.Stuff(remain)
	return n
}

// Marshal serializes the packet. Any space the header, adaptation field and
// payload leave free is padded with 0xFF.
func (p *Packet) Marshal() []byte {
	out := make([]byte, headerSize, PacketSize)
	out[0] = SyncByte
	out[1] = byte(p.PID>>8) & 0x1F
	if p.TransportError {
		out[1] |= 0x80
	}
	if p.PayloadUnitStart {
		out[1] |= 0x40
	}
	if p.Priority {
		out[1] |= 0x20
	}
	out[2] = byte(p.PID)
	out[3] = p.ScramblingControl<<6 | p.ContinuityCounter&0x0F
	if p.AdaptationField != nil {
		out[3] |= 0x20
		out = append(out, p.AdaptationField.marshal()...)
	}
	if len(p.Payload) > 0 {
		out[3] |= 0x10
		out = append(out, p.Payload...)
	}
	if len(out) > PacketSize {
		return out[:PacketSize]
	}
	for len(out) < PacketSize {
		out = append(out, 0xFF)
	}
	return out
}

// ParsePacket decodes one 188-byte transport packet
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != SyncByte {
		return nil, fmt.Errorf("%w: 0x%02X", ErrInvalidSyncByte, buf[0])
	}

	p := &Packet{
		TransportError:    buf[1]&0x80 != 0,
		PayloadUnitStart:  buf[1]&0x40 != 0,
		Priority:          buf[1]&0x20 != 0,
		PID:               uint16(buf[1]&0x1F)<<8 | uint16(buf[2]),
		ScramblingControl: buf[3] >> 6 & 0x03,
		ContinuityCounter: buf[3] & 0x0F,
	}
	hasAF := buf[3]&0x20 != 0
	hasPayload := buf[3]&0x10 != 0

	offset := headerSize
	if hasAF {
		afLen := int(buf[offset])
		if offset+1+afLen > PacketSize {
			return nil, fmt.Errorf("mpegts: adaptation field length %d overruns packet", afLen)
		}
		af, err := parseAdaptationField(buf[offset+1 : offset+1+afLen])
		if err != nil {
			return nil, err
		}
		p.AdaptationField = af
		offset += 1 + afLen
	}

	if hasPayload && offset < PacketSize {
		p.Payload = make([]byte, PacketSize-offset)
		copy(p.Payload, buf[offset:])
	}
	return p, nil
}

func parseAdaptationField(body []byte) (*AdaptationField, error) {
	af := &AdaptationField{Length: uint8(len(body))}
	if len(body) == 0 {
		return af, nil
	}
	flags := body[0]
	af.Discontinuity = flags&afDiscontinuity != 0
	af.RandomAccess = flags&afRandomAccess != 0
	af.ElementaryStream = flags&afESPriority != 0

	rest := body[1:]
	if flags&afPCR != 0 {
		if len(rest) < PCRSize {
			return nil, fmt.Errorf("mpegts: adaptation field too short for PCR")
		}
		af.PCR = append([]byte(nil), rest[:PCRSize]...)
		rest = rest[PCRSize:]
	}
	// OPCR, splice countdown and extensions are not produced here; keep them as stuffing
	af.Stuffing = append([]byte(nil), rest...)
	return af, nil
}

// ClockReference decodes the PCR carried in the adaptation field, if any
func (p *Packet) ClockReference() (ClockReference, bool) {
	if p.AdaptationField == nil || len(p.AdaptationField.PCR) != PCRSize {
		return ClockReference{}, false
	}
	cr, err := DecodeClockReference(p.AdaptationField.PCR)
	return cr, err == nil
}
