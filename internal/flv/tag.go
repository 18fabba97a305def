package flv

import (
	"encoding/binary"
	"fmt"
)

// Tag types, also used as RTMP message type IDs
const (
	TagTypeAudio  = 8
	TagTypeVideo  = 9
	TagTypeScript = 18
)

// Codec IDs carried in the first byte of audio/video tags
const (
	AudioCodecAAC = 10
	VideoCodecAVC = 7
)

// Video frame types
const (
	FrameTypeKey   = 1
	FrameTypeInter = 2
)

// AVC/AAC packet types
const (
	PacketTypeSequenceHeader = 0
	PacketTypeNALU           = 1
	PacketTypeEndOfSequence  = 2
)

// Enhanced RTMP packet types for FourCC video
const (
	ExPacketTypeSequenceStart = 0
	ExPacketTypeCodedFrames   = 1
	ExPacketTypeSequenceEnd   = 2
	ExPacketTypeCodedFramesX  = 3
)

const exHeaderFlag = 0x80

// FourCCHEVC identifies H.265 in enhanced RTMP video tags
var FourCCHEVC = [4]byte{'h', 'v', 'c', '1'}

// aacHeader: sound format AAC, 44 kHz, 16 bit, stereo. Fixed for AAC.
const aacHeader = AudioCodecAAC<<4 | 0x0F

// AudioSequenceHeader wraps an AudioSpecificConfig
func AudioSequenceHeader(config []byte) []byte {
	return append([]byte{aacHeader, PacketTypeSequenceHeader}, config...)
}

// AudioFrame wraps one raw AAC frame
func AudioFrame(data []byte) []byte {
	return append([]byte{aacHeader, PacketTypeNALU}, data...)
}

// AVCSequenceHeader wraps an avcC record
func AVCSequenceHeader(record []byte) []byte {
	return append([]byte{FrameTypeKey<<4 | VideoCodecAVC, PacketTypeSequenceHeader, 0, 0, 0}, record...)
}

// AVCFrame wraps a length-prefixed access unit with its composition time offset
func AVCFrame(data []byte, keyFrame bool, compositionTime int32) []byte {
	frameType := byte(FrameTypeInter)
	if keyFrame {
		frameType = FrameTypeKey
	}
	out := make([]byte, 5, 5+len(data))
	out[0] = frameType<<4 | VideoCodecAVC
	out[1] = PacketTypeNALU
	putInt24(out[2:5], compositionTime)
	return append(out, data...)
}

// HEVCSequenceHeader wraps an hvcC record as an enhanced RTMP SequenceStart
func HEVCSequenceHeader(record []byte) []byte {
	out := []byte{exHeaderFlag | FrameTypeKey<<4 | ExPacketTypeSequenceStart}
	out = append(out, FourCCHEVC[:]...)
	return append(out, record...)
}

// HEVCFrame wraps a length-prefixed access unit as enhanced RTMP CodedFrames
func HEVCFrame(data []byte, keyFrame bool, compositionTime int32) []byte {
	frameType := byte(FrameTypeInter)
	if keyFrame {
		frameType = FrameTypeKey
	}
	out := make([]byte, 8, 8+len(data))
	out[0] = exHeaderFlag | frameType<<4 | ExPacketTypeCodedFrames
	copy(out[1:5], FourCCHEVC[:])
	putInt24(out[5:8], compositionTime)
	return append(out, data...)
}

func putInt24(b []byte, v int32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func int24(b []byte) int32 {
	v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
	// sign-extend
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return v
}

// VideoPacket is a parsed FLV video tag body
type VideoPacket struct {
	Codec            string // "h264" or "h265"
	IsSequenceHeader bool
	IsKeyFrame       bool
	CompositionTime  int32
	Data             []byte
}

// ParseVideoPacket extracts codec data and frame type from a video tag body.
// Both the legacy AVC layout and the enhanced RTMP hvc1 layout are accepted.
func ParseVideoPacket(data []byte) (*VideoPacket, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("video packet too short: %d bytes", len(data))
	}

	// Byte 0: Frame type (4 bits) + Codec ID (4 bits), or the ex-header form
	if data[0]&exHeaderFlag != 0 {
		return parseExVideoPacket(data)
	}

	if len(data) < 5 {
		return nil, fmt.Errorf("video packet too short: %d bytes", len(data))
	}

	frameType := (data[0] >> 4) & 0x07
	codecID := data[0] & 0x0F
	if codecID != VideoCodecAVC {
		return nil, fmt.Errorf("not H.264/AVC codec: %d", codecID)
	}

	return &VideoPacket{
		Codec:            "h264",
		IsSequenceHeader: data[1] == PacketTypeSequenceHeader,
		IsKeyFrame:       frameType == FrameTypeKey,
		CompositionTime:  int24(data[2:5]),
		Data:             data[5:],
	}, nil
}

func parseExVideoPacket(data []byte) (*VideoPacket, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("enhanced video packet too short: %d bytes", len(data))
	}

	frameType := (data[0] >> 4) & 0x07
	packetType := data[0] & 0x0F
	if [4]byte(data[1:5]) != FourCCHEVC {
		return nil, fmt.Errorf("unsupported video FourCC %q", data[1:5])
	}

	p := &VideoPacket{
		Codec:      "h265",
		IsKeyFrame: frameType == FrameTypeKey,
	}

	switch packetType {
	case ExPacketTypeSequenceStart:
		p.IsSequenceHeader = true
		p.Data = data[5:]
	case ExPacketTypeCodedFrames:
		if len(data) < 8 {
			return nil, fmt.Errorf("coded frames packet too short: %d bytes", len(data))
		}
		p.CompositionTime = int24(data[5:8])
		p.Data = data[8:]
	case ExPacketTypeCodedFramesX:
		p.Data = data[5:]
	default:
		return nil, fmt.Errorf("unsupported enhanced packet type %d", packetType)
	}

	return p, nil
}

// AudioPacket is a parsed FLV AAC audio tag body
type AudioPacket struct {
	IsSequenceHeader bool
	Data             []byte
}

// ParseAudioPacket extracts the AAC payload of an audio tag body
func ParseAudioPacket(data []byte) (*AudioPacket, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("audio packet too short: %d bytes", len(data))
	}
	if format := data[0] >> 4; format != AudioCodecAAC {
		return nil, fmt.Errorf("not AAC audio: sound format %d", format)
	}
	return &AudioPacket{
		IsSequenceHeader: data[1] == PacketTypeSequenceHeader,
		Data:             data[2:],
	}, nil
}

// FourCCValue returns the fourcc as the big-endian number AMF0 metadata uses
func FourCCValue(fourCC [4]byte) float64 {
	return float64(binary.BigEndian.Uint32(fourCC[:]))
}
