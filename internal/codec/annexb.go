package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// StartCode is the 4-byte Annex-B start code written before every NAL unit
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// H.264 NAL unit types used by the muxers
const (
	NALUnitTypeSlice = 1
	NALUnitTypeIDR   = 5
	NALUnitTypeSEI   = 6
	NALUnitTypeSPS   = 7
	NALUnitTypePPS   = 8
	NALUnitTypeAUD   = 9
)

// ToAnnexB converts length-prefixed NAL units to an Annex-B byte stream.
//
// Length-prefixed format (encoder output, RTMP/FLV/MP4):
//
//	[4-byte length][NAL unit][4-byte length][NAL unit]...
//
// Annex-B format (MPEG-TS):
//
//	[0x00 0x00 0x00 0x01][NAL unit][0x00 0x00 0x00 0x01][NAL unit]...
//
// Each 4-byte length is replaced by a 4-byte start code, so the output has the
// same size as the input. Conversion stops at the first truncated unit and
// returns what was converted up to that point.
func ToAnnexB(data []byte) []byte {
	out := make([]byte, 0, len(data))
	offset := 0

	for offset+4 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		offset += 4

		if size > len(data)-offset {
			break
		}
		if size == 0 {
			continue
		}

		out = append(out, StartCode...)
		out = append(out, data[offset:offset+size]...)
		offset += size
	}

	return out
}

// ToLengthPrefixed converts an Annex-B byte stream (3 or 4 byte start codes)
// back to 4-byte length-prefixed NAL units.
func ToLengthPrefixed(data []byte) ([]byte, error) {
	var units h264.AnnexB
	if err := units.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to split Annex-B stream: %w", err)
	}
	return JoinLengthPrefixed(units), nil
}

// JoinLengthPrefixed writes NAL units with 4-byte big-endian length prefixes
func JoinLengthPrefixed(units [][]byte) []byte {
	size := 0
	for _, u := range units {
		size += 4 + len(u)
	}

	out := make([]byte, 0, size)
	for _, u := range units {
		out = binary.BigEndian.AppendUint32(out, uint32(len(u)))
		out = append(out, u...)
	}
	return out
}

// SplitLengthPrefixed returns the NAL units of a length-prefixed buffer.
// Units are sub-slices of data.
func SplitLengthPrefixed(data []byte) ([][]byte, error) {
	var units [][]byte
	offset := 0

	for offset < len(data) {
		if offset+4 > len(data) {
			return units, fmt.Errorf("truncated NAL length at offset %d", offset)
		}
		size := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		offset += 4

		if size > len(data)-offset {
			return units, fmt.Errorf("invalid NAL size %d at offset %d (exceeds buffer)", size, offset-4)
		}
		units = append(units, data[offset:offset+size])
		offset += size
	}

	return units, nil
}

// ContainsIDR reports whether a length-prefixed H.264 access unit holds an IDR slice
func ContainsIDR(data []byte) bool {
	units, _ := SplitLengthPrefixed(data)
	for _, u := range units {
		if len(u) > 0 && u[0]&0x1F == NALUnitTypeIDR {
			return true
		}
	}
	return false
}
