package codec

import (
	"fmt"

	"rapidmux/internal/bytefield"
)

// AVCDecoderConfigurationRecord is the avcC box carried in the FLV sequence
// header and attached to the first video sample of a stream
type AVCDecoderConfigurationRecord struct {
	ConfigurationVersion  uint8
	AVCProfileIndication  uint8
	ProfileCompatibility  uint8
	AVCLevelIndication    uint8
	LengthSizeMinusOne    uint8
	SequenceParameterSets [][]byte
	PictureParameterSets  [][]byte
}

// NewAVCDecoderConfigurationRecord builds a record from one SPS and one PPS
func NewAVCDecoderConfigurationRecord(sps, pps []byte) (*AVCDecoderConfigurationRecord, error) {
	if len(sps) < 4 {
		return nil, fmt.Errorf("SPS too short: %d bytes", len(sps))
	}
	if len(pps) == 0 {
		return nil, fmt.Errorf("empty PPS")
	}

	return &AVCDecoderConfigurationRecord{
		ConfigurationVersion:  1,
		AVCProfileIndication:  sps[1],
		ProfileCompatibility:  sps[2],
		AVCLevelIndication:    sps[3],
		LengthSizeMinusOne:    3,
		SequenceParameterSets: [][]byte{sps},
		PictureParameterSets:  [][]byte{pps},
	}, nil
}

// ParseAVCDecoderConfigurationRecord parses the avcC structure from an FLV
// sequence header or an encoder format description
func ParseAVCDecoderConfigurationRecord(data []byte) (*AVCDecoderConfigurationRecord, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("data too short for AVCDecoderConfigurationRecord: %d bytes", len(data))
	}

	record := &AVCDecoderConfigurationRecord{}
	b := bytefield.NewBuffer(data)

	fixed, err := b.ReadBytes(6)
	if err != nil {
		return nil, err
	}
	record.ConfigurationVersion = fixed[0]
	record.AVCProfileIndication = fixed[1]
	record.ProfileCompatibility = fixed[2]
	record.AVCLevelIndication = fixed[3]
	// reserved (6 bits) + length size minus one (2 bits)
	record.LengthSizeMinusOne = fixed[4] & 0x03
	// reserved (3 bits) + number of SPS (5 bits)
	numOfSPS := int(fixed[5] & 0x1F)

	record.SequenceParameterSets, err = readParameterSets(b, numOfSPS)
	if err != nil {
		return nil, fmt.Errorf("failed to read SPS: %w", err)
	}

	numOfPPS, err := b.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("failed to read PPS count: %w", err)
	}
	record.PictureParameterSets, err = readParameterSets(b, int(numOfPPS))
	if err != nil {
		return nil, fmt.Errorf("failed to read PPS: %w", err)
	}

	return record, nil
}

func readParameterSets(b *bytefield.Buffer, count int) ([][]byte, error) {
	sets := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		length, err := b.ReadUint16()
		if err != nil {
			return nil, err
		}
		set, err := b.ReadBytes(int(length))
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

// Marshal serializes the record in avcC layout
func (r *AVCDecoderConfigurationRecord) Marshal() []byte {
	b := bytefield.NewBuffer(nil)
	b.WriteUint8(r.ConfigurationVersion).
		WriteUint8(r.AVCProfileIndication).
		WriteUint8(r.ProfileCompatibility).
		WriteUint8(r.AVCLevelIndication).
		WriteUint8(0xFC | r.LengthSizeMinusOne&0x03).
		WriteUint8(0xE0 | uint8(len(r.SequenceParameterSets))&0x1F)
	for _, sps := range r.SequenceParameterSets {
		b.WriteUint16(uint16(len(sps))).WriteBytes(sps)
	}
	b.WriteUint8(uint8(len(r.PictureParameterSets)))
	for _, pps := range r.PictureParameterSets {
		b.WriteUint16(uint16(len(pps))).WriteBytes(pps)
	}
	return b.Bytes()
}
