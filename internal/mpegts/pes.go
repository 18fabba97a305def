package mpegts

import (
	"fmt"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"rapidmux/internal/bytefield"
	"rapidmux/internal/codec"
)

// PTS/DTS indicator values
const (
	PTSDTSNone      uint8 = 0
	PTSDTSForbidden uint8 = 1
	PTSDTSOnlyPTS   uint8 = 2
	PTSDTSBoth      uint8 = 3
)

const (
	optionalHeaderFixedSize = 3
	defaultMarkerBits       = 2
	// bytes before the optional header: start code, stream id, packet length
	pesPrefixSize = 6
)

var pesStartCode = []byte{0x00, 0x00, 0x01}

// Access unit delimiters, primary_pic_type 0 (I) with config and 1 (I/P) without
var (
	audWithConfig    = []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0x10}
	audWithoutConfig = []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0x30}
)

// OptionalHeader is the PES optional header
type OptionalHeader struct {
	MarkerBits             uint8
	ScramblingControl      uint8
	Priority               bool
	DataAlignmentIndicator bool
	Copyright              bool
	OriginalOrCopy         bool
	PTSDTSIndicator        uint8
	ESCRFlag               bool
	ESRateFlag             bool
	DSMTrickModeFlag       bool
	AdditionalCopyInfoFlag bool
	CRCFlag                bool
	ExtensionFlag          bool
	HeaderLength           uint8
	OptionalFields         []byte
	StuffingBytes          []byte
}

func newOptionalHeader() OptionalHeader {
	return OptionalHeader{MarkerBits: defaultMarkerBits}
}

// SetTimestamp encodes pts, and dts when hasDTS, relative to base
func (h *OptionalHeader) SetTimestamp(base, pts, dts time.Duration, hasDTS bool) {
	h.PTSDTSIndicator |= PTSDTSOnlyPTS
	if hasDTS {
		h.PTSDTSIndicator |= 0x01
	}
	h.OptionalFields = append(h.OptionalFields, EncodeTimestamp(Ticks(pts, base), h.PTSDTSIndicator<<4)...)
	if hasDTS {
		h.OptionalFields = append(h.OptionalFields, EncodeTimestamp(Ticks(dts, base), 0x01<<4)...)
	}
	h.HeaderLength = uint8(len(h.OptionalFields))
}

// PTS returns the decoded presentation timestamp in 90 kHz ticks
func (h *OptionalHeader) PTS() (uint64, bool) {
	if h.PTSDTSIndicator&PTSDTSOnlyPTS == 0 {
		return 0, false
	}
	v, err := DecodeTimestamp(h.OptionalFields, 0)
	return v, err == nil
}

// DTS returns the decoded decode timestamp in 90 kHz ticks
func (h *OptionalHeader) DTS() (uint64, bool) {
	if h.PTSDTSIndicator&0x01 == 0 {
		return 0, false
	}
	v, err := DecodeTimestamp(h.OptionalFields, TimestampSize)
	return v, err == nil
}

// Marshal serializes the optional header
func (h *OptionalHeader) Marshal() []byte {
	var b0, b1 byte
	b0 |= h.MarkerBits << 6
	b0 |= h.ScramblingControl & 0x03 << 4
	b0 |= bit(h.Priority) << 3
	b0 |= bit(h.DataAlignmentIndicator) << 2
	b0 |= bit(h.Copyright) << 1
	b0 |= bit(h.OriginalOrCopy)
	b1 |= h.PTSDTSIndicator << 6
	b1 |= bit(h.ESCRFlag) << 5
	b1 |= bit(h.ESRateFlag) << 4
	b1 |= bit(h.DSMTrickModeFlag) << 3
	b1 |= bit(h.AdditionalCopyInfoFlag) << 2
	b1 |= bit(h.CRCFlag) << 1
	b1 |= bit(h.ExtensionFlag)

	return bytefield.NewBuffer(nil).
		WriteUint8(b0).
		WriteUint8(b1).
		WriteUint8(h.HeaderLength).
		WriteBytes(h.OptionalFields).
		WriteBytes(h.StuffingBytes).
		Bytes()
}

// Size is the serialized size of the optional header
func (h *OptionalHeader) Size() int {
	return optionalHeaderFixedSize + len(h.OptionalFields) + len(h.StuffingBytes)
}

func parseOptionalHeader(b *bytefield.Buffer) (OptionalHeader, error) {
	var h OptionalHeader
	fixed, err := b.ReadBytes(optionalHeaderFixedSize)
	if err != nil {
		return h, fmt.Errorf("optional header: %w", err)
	}
	h.MarkerBits = fixed[0] >> 6 & 0x03
	h.ScramblingControl = fixed[0] >> 4 & 0x03
	h.Priority = fixed[0]&0x08 != 0
	h.DataAlignmentIndicator = fixed[0]&0x04 != 0
	h.Copyright = fixed[0]&0x02 != 0
	h.OriginalOrCopy = fixed[0]&0x01 != 0
	h.PTSDTSIndicator = fixed[1] >> 6 & 0x03
	h.ESCRFlag = fixed[1]&0x20 != 0
	h.ESRateFlag = fixed[1]&0x10 != 0
	h.DSMTrickModeFlag = fixed[1]&0x08 != 0
	h.AdditionalCopyInfoFlag = fixed[1]&0x04 != 0
	h.CRCFlag = fixed[1]&0x02 != 0
	h.ExtensionFlag = fixed[1]&0x01 != 0
	h.HeaderLength = fixed[2]
	if h.OptionalFields, err = b.ReadBytes(int(h.HeaderLength)); err != nil {
		return h, fmt.Errorf("optional fields: %w", err)
	}
	return h, nil
}

func bit(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// PES is a packetized elementary stream packet
type PES struct {
	StreamID       uint8
	PacketLength   uint16
	OptionalHeader OptionalHeader
	Data           []byte
}

// NewAudioPES wraps one raw AAC frame in an ADTS header. It fails with
// ErrPacketTooLarge when the packet length does not fit 16 bits.
func NewAudioPES(frame []byte, pts, base time.Duration, config *mpeg4audio.AudioSpecificConfig, streamID uint8) (*PES, error) {
	pes := &PES{StreamID: streamID, OptionalHeader: newOptionalHeader()}
	pes.OptionalHeader.DataAlignmentIndicator = true
	pes.OptionalHeader.SetTimestamp(base, pts, 0, false)

	length := codec.ADTSHeaderSize + len(frame) + pes.OptionalHeader.Size()
	if length >= 0xFFFF {
		return nil, fmt.Errorf("%w: %d", ErrPacketTooLarge, length)
	}

	header, err := codec.ADTSHeader(config, len(frame))
	if err != nil {
		return nil, fmt.Errorf("adts header: %w", err)
	}
	pes.Data = make([]byte, 0, len(header)+len(frame))
	pes.Data = append(pes.Data, header...)
	pes.Data = append(pes.Data, frame...)
	pes.PacketLength = uint16(length)
	return pes, nil
}

// NewAVCPES builds a video PES from length-prefixed NAL units. With a config
// the access unit delimiter is followed by the first SPS and PPS.
func NewAVCPES(data []byte, pts, dts, base time.Duration, config *codec.AVCDecoderConfigurationRecord, streamID uint8) *PES {
	pes := &PES{StreamID: streamID, OptionalHeader: newOptionalHeader()}
	if config != nil && len(config.SequenceParameterSets) > 0 && len(config.PictureParameterSets) > 0 {
		pes.Data = append(pes.Data, audWithConfig...)
		pes.Data = append(pes.Data, codec.StartCode...)
		pes.Data = append(pes.Data, config.SequenceParameterSets[0]...)
		pes.Data = append(pes.Data, codec.StartCode...)
		pes.Data = append(pes.Data, config.PictureParameterSets[0]...)
	} else {
		pes.Data = append(pes.Data, audWithoutConfig...)
	}
	pes.Data = append(pes.Data, codec.ToAnnexB(data)...)
	pes.finishVideo(base, pts, dts)
	return pes
}

// NewHEVCPES builds a video PES from length-prefixed NAL units. With a config
// the first VPS, SPS and PPS are prepended, each only when present.
func NewHEVCPES(data []byte, pts, dts, base time.Duration, config *codec.HEVCDecoderConfigurationRecord, streamID uint8) *PES {
	pes := &PES{StreamID: streamID, OptionalHeader: newOptionalHeader()}
	if config != nil {
		for _, t := range []uint8{codec.HEVCNALUnitTypeVPS, codec.HEVCNALUnitTypeSPS, codec.HEVCNALUnitTypePPS} {
			if units := config.NALUnits(t); len(units) > 0 {
				pes.Data = append(pes.Data, codec.StartCode...)
				pes.Data = append(pes.Data, units[0]...)
			}
		}
	}
	pes.Data = append(pes.Data, codec.ToAnnexB(data)...)
	pes.finishVideo(base, pts, dts)
	return pes
}

// finishVideo sets timestamps and the packet length, which stays 0
// (unbounded) when it would overflow
func (p *PES) finishVideo(base, pts, dts time.Duration) {
	p.OptionalHeader.DataAlignmentIndicator = true
	p.OptionalHeader.SetTimestamp(base, pts, dts, dts != pts)
	if length := len(p.Data) + p.OptionalHeader.Size(); length < 0xFFFF {
		p.PacketLength = uint16(length)
	}
}

// ParsePES decodes a PES packet from the start of payload
func ParsePES(payload []byte) (*PES, error) {
	b := bytefield.NewBuffer(payload)
	start, err := b.ReadBytes(len(pesStartCode))
	if err != nil {
		return nil, fmt.Errorf("mpegts: pes: %w", err)
	}
	if start[0] != 0 || start[1] != 0 || start[2] != 1 {
		return nil, ErrInvalidStartCode
	}

	p := &PES{}
	if p.StreamID, err = b.ReadUint8(); err != nil {
		return nil, fmt.Errorf("mpegts: pes stream id: %w", err)
	}
	if p.PacketLength, err = b.ReadUint16(); err != nil {
		return nil, fmt.Errorf("mpegts: pes packet length: %w", err)
	}
	if p.OptionalHeader, err = parseOptionalHeader(b); err != nil {
		return nil, fmt.Errorf("mpegts: pes %w", err)
	}
	if err := b.SetPosition(pesPrefixSize + optionalHeaderFixedSize + int(p.OptionalHeader.HeaderLength)); err != nil {
		return nil, fmt.Errorf("mpegts: pes data: %w", err)
	}
	p.Data, _ = b.ReadBytes(b.Available())
	return p, nil
}

// Marshal serializes the whole packet
func (p *PES) Marshal() []byte {
	return bytefield.NewBuffer(make([]byte, 0, pesPrefixSize+p.OptionalHeader.Size()+len(p.Data))).
		WriteBytes(pesStartCode).
		WriteUint8(p.StreamID).
		WriteUint16(p.PacketLength).
		WriteBytes(p.OptionalHeader.Marshal()).
		WriteBytes(p.Data).
		Bytes()
}

// Append adds payload bytes from a continuation packet and returns how many
// were added
func (p *PES) Append(data []byte) int {
	p.Data = append(p.Data, data...)
	return len(data)
}

// Packets splits the serialized PES into transport packets on pid. The first
// packet starts the payload unit and carries pcr when one is given.
func (p *PES) Packets(pid uint16, pcr *ClockReference) []*Packet {
	payload := p.Marshal()
	var packets []*Packet

	first := NewPacket(pid)
	first.PayloadUnitStart = true
	if pcr != nil {
		first.AdaptationField = &AdaptationField{PCR: pcr.Encode()}
		first.AdaptationField.Compute()
	}
	position := first.Fill(payload)
	packets = append(packets, first)

	for position+maxPayloadSize <= len(payload) {
		packet := NewPacket(pid)
		packet.Payload = append([]byte(nil), payload[position:position+maxPayloadSize]...)
		packets = append(packets, packet)
		position += maxPayloadSize
	}

	rest := len(payload) - position
	switch rest {
	case 0:
	case maxPayloadSize - 1:
		// Fill takes at most 182 bytes, the last byte needs its own packet
		packet := newStuffedPacket(pid)
		packet.Fill(payload[position:len(payload)-1])
		packets = append(packets, packet)

		packet = newStuffedPacket(pid)
		packet.Fill(payload[len(payload)-1:])
		packets = append(packets, packet)
	default:
		packet := newStuffedPacket(pid)
		packet.Fill(payload[position:])
		packets = append(packets, packet)
	}
	return packets
}

func newStuffedPacket(pid uint16) *Packet {
	packet := NewPacket(pid)
	packet.AdaptationField = &AdaptationField{}
	packet.AdaptationField.Compute()
	return packet
}
