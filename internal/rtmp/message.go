package rtmp

import (
	"encoding/binary"
	"fmt"
)

// MessageType is the RTMP message type ID
type MessageType uint8

const (
	MessageTypeSetChunkSize     MessageType = 1
	MessageTypeAbort            MessageType = 2
	MessageTypeAck              MessageType = 3
	MessageTypeUserControl      MessageType = 4
	MessageTypeWindowAckSize    MessageType = 5
	MessageTypeSetPeerBandwidth MessageType = 6
	MessageTypeAudio            MessageType = 8
	MessageTypeVideo            MessageType = 9
	MessageTypeDataAMF3         MessageType = 15
	MessageTypeCommandAMF3      MessageType = 17
	MessageTypeDataAMF0         MessageType = 18
	MessageTypeCommandAMF0      MessageType = 20
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeSetChunkSize:
		return "SetChunkSize"
	case MessageTypeAbort:
		return "Abort"
	case MessageTypeAck:
		return "Acknowledgement"
	case MessageTypeUserControl:
		return "UserControl"
	case MessageTypeWindowAckSize:
		return "WindowAcknowledgementSize"
	case MessageTypeSetPeerBandwidth:
		return "SetPeerBandwidth"
	case MessageTypeAudio:
		return "Audio"
	case MessageTypeVideo:
		return "Video"
	case MessageTypeDataAMF0, MessageTypeDataAMF3:
		return "Data"
	case MessageTypeCommandAMF0, MessageTypeCommandAMF3:
		return "Command"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Chunk stream IDs, one per message channel
const (
	ChunkStreamControl uint32 = 2
	ChunkStreamCommand uint32 = 3
	ChunkStreamAudio   uint32 = 4
	ChunkStreamVideo   uint32 = 5
	ChunkStreamData    uint32 = 4
)

// User control event types
const (
	userControlStreamBegin  uint16 = 0
	userControlStreamEOF    uint16 = 1
	userControlPingRequest  uint16 = 6
	userControlPingResponse uint16 = 7
)

// Message is one RTMP message. For messages written with chunk type 1 or 2
// Timestamp holds the delta to the previous message on the chunk stream; the
// reader always reports absolute timestamps.
type Message struct {
	ChunkType     ChunkType // type of the first chunk, set when reading
	ChunkStreamID uint32    // set when reading
	StreamID      uint32
	Timestamp     uint32
	TypeID        MessageType
	Payload       []byte
}

func uint32Payload(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func setChunkSizeMessage(size uint32) *Message {
	return &Message{TypeID: MessageTypeSetChunkSize, Payload: uint32Payload(size & 0x7FFFFFFF)}
}

func windowAckSizeMessage(size uint32) *Message {
	return &Message{TypeID: MessageTypeWindowAckSize, Payload: uint32Payload(size)}
}

func ackMessage(sequence uint32) *Message {
	return &Message{TypeID: MessageTypeAck, Payload: uint32Payload(sequence)}
}

func userControlMessage(event uint16, data uint32) *Message {
	payload := make([]byte, 6)
	binary.BigEndian.PutUint16(payload, event)
	binary.BigEndian.PutUint32(payload[2:], data)
	return &Message{TypeID: MessageTypeUserControl, Payload: payload}
}

func readUint32Payload(msg *Message) (uint32, error) {
	if len(msg.Payload) < 4 {
		return 0, fmt.Errorf("%s payload too short: %d bytes", msg.TypeID, len(msg.Payload))
	}
	return binary.BigEndian.Uint32(msg.Payload), nil
}
