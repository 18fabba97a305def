package codec

import (
	"fmt"

	"rapidmux/internal/bytefield"
)

// H.265 parameter set NAL unit types
const (
	HEVCNALUnitTypeVPS = 32
	HEVCNALUnitTypeSPS = 33
	HEVCNALUnitTypePPS = 34
)

const hevcFixedHeaderSize = 23

// HEVCNALArray is one parameter-set array of an hvcC record
type HEVCNALArray struct {
	Completeness bool
	NALUnitType  uint8
	NALUnits     [][]byte
}

// HEVCDecoderConfigurationRecord is the hvcC box. The 22-byte profile/tier/level
// block is kept verbatim so the record can be re-emitted unchanged.
type HEVCDecoderConfigurationRecord struct {
	ConfigurationVersion uint8
	ProfileTierLevel     []byte
	LengthSizeMinusOne   uint8
	Arrays               []HEVCNALArray
}

// ParseHEVCDecoderConfigurationRecord parses an hvcC record
func ParseHEVCDecoderConfigurationRecord(data []byte) (*HEVCDecoderConfigurationRecord, error) {
	if len(data) < hevcFixedHeaderSize {
		return nil, fmt.Errorf("data too short for HEVCDecoderConfigurationRecord: %d bytes", len(data))
	}

	b := bytefield.NewBuffer(data)
	record := &HEVCDecoderConfigurationRecord{}

	version, err := b.ReadUint8()
	if err != nil {
		return nil, err
	}
	record.ConfigurationVersion = version

	// profile space .. avgFrameRate
	if record.ProfileTierLevel, err = b.ReadBytes(20); err != nil {
		return nil, err
	}

	// constantFrameRate (2) numTemporalLayers (3) temporalIdNested (1) lengthSizeMinusOne (2)
	flags, err := b.ReadUint8()
	if err != nil {
		return nil, err
	}
	record.LengthSizeMinusOne = flags & 0x03
	record.ProfileTierLevel = append(record.ProfileTierLevel, flags&0xFC)

	numOfArrays, err := b.ReadUint8()
	if err != nil {
		return nil, err
	}

	for i := 0; i < int(numOfArrays); i++ {
		head, err := b.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("failed to read NAL array %d: %w", i, err)
		}
		numNalus, err := b.ReadUint16()
		if err != nil {
			return nil, fmt.Errorf("failed to read NAL array %d: %w", i, err)
		}
		units, err := readParameterSets(b, int(numNalus))
		if err != nil {
			return nil, fmt.Errorf("failed to read NAL array %d: %w", i, err)
		}
		record.Arrays = append(record.Arrays, HEVCNALArray{
			Completeness: head&0x80 != 0,
			NALUnitType:  head & 0x3F,
			NALUnits:     units,
		})
	}

	return record, nil
}

// NALUnits returns the units of the given parameter-set type, or nil
func (r *HEVCDecoderConfigurationRecord) NALUnits(nalUnitType uint8) [][]byte {
	for _, a := range r.Arrays {
		if a.NALUnitType == nalUnitType {
			return a.NALUnits
		}
	}
	return nil
}

// Marshal serializes the record in hvcC layout
func (r *HEVCDecoderConfigurationRecord) Marshal() []byte {
	ptl := make([]byte, 21)
	copy(ptl, r.ProfileTierLevel)

	b := bytefield.NewBuffer(nil)
	b.WriteUint8(r.ConfigurationVersion).
		WriteBytes(ptl[:20]).
		WriteUint8(ptl[20]&0xFC | r.LengthSizeMinusOne&0x03).
		WriteUint8(uint8(len(r.Arrays)))
	for _, a := range r.Arrays {
		head := a.NALUnitType & 0x3F
		if a.Completeness {
			head |= 0x80
		}
		b.WriteUint8(head).WriteUint16(uint16(len(a.NALUnits)))
		for _, u := range a.NALUnits {
			b.WriteUint16(uint16(len(u))).WriteBytes(u)
		}
	}
	return b.Bytes()
}
