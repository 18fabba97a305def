package rtmp

import (
	"fmt"
	"io"

	"rapidmux/internal/bytefield"
)

// ChunkType selects the message header format of a chunk
type ChunkType uint8

const (
	ChunkType0 ChunkType = iota // 11-byte header, absolute timestamp
	ChunkType1                  // 7 bytes, timestamp delta, no stream ID
	ChunkType2                  // 3 bytes, timestamp delta only
	ChunkType3                  // no header, continuation
)

const (
	// DefaultChunkSize is the chunk size both peers start with
	DefaultChunkSize = 128
	// MaxChunkSize is the largest size a Set Chunk Size message may carry
	MaxChunkSize = 0xFFFFFF

	extendedTimestamp = 0xFFFFFF
)

var messageHeaderSize = [4]int{11, 7, 3, 0}

// ChunkWriter splits messages into chunks. Each message is written with a
// single Write call so chunks of different messages never interleave.
type ChunkWriter struct {
	w         io.Writer
	chunkSize int
}

// NewChunkWriter returns a writer using DefaultChunkSize
func NewChunkWriter(w io.Writer) *ChunkWriter {
	return &ChunkWriter{w: w, chunkSize: DefaultChunkSize}
}

// ChunkSize returns the outgoing chunk size
func (cw *ChunkWriter) ChunkSize() int {
	return cw.chunkSize
}

// SetChunkSize changes the outgoing chunk size. The caller must have sent
// the matching Set Chunk Size message first.
func (cw *ChunkWriter) SetChunkSize(size int) {
	if size < 1 {
		size = 1
	}
	if size > MaxChunkSize {
		size = MaxChunkSize
	}
	cw.chunkSize = size
}

// WriteMessage writes msg on chunk stream csid using chunkType for the first
// chunk and returns the number of bytes written
func (cw *ChunkWriter) WriteMessage(chunkType ChunkType, csid uint32, msg *Message) (int, error) {
	buf, err := cw.encode(chunkType, csid, msg)
	if err != nil {
		return 0, err
	}
	return cw.w.Write(buf)
}

func (cw *ChunkWriter) encode(chunkType ChunkType, csid uint32, msg *Message) ([]byte, error) {
	if chunkType > ChunkType3 {
		return nil, fmt.Errorf("invalid chunk type %d", chunkType)
	}
	if len(msg.Payload) > MaxChunkSize {
		return nil, fmt.Errorf("message too large: %d bytes", len(msg.Payload))
	}

	chunks := (len(msg.Payload) + cw.chunkSize - 1) / cw.chunkSize
	extended := msg.Timestamp >= extendedTimestamp
	size := 3 + messageHeaderSize[chunkType] + len(msg.Payload) + chunks*3
	if extended {
		size += 4 * (chunks + 1)
	}

	b := bytefield.NewBuffer(make([]byte, 0, size))
	if err := writeBasicHeader(b, chunkType, csid); err != nil {
		return nil, err
	}

	ts := msg.Timestamp
	if extended {
		ts = extendedTimestamp
	}
	switch chunkType {
	case ChunkType0:
		b.WriteUint24(ts).
			WriteUint24(uint32(len(msg.Payload))).
			WriteUint8(uint8(msg.TypeID)).
			WriteUint32LE(msg.StreamID)
	case ChunkType1:
		b.WriteUint24(ts).
			WriteUint24(uint32(len(msg.Payload))).
			WriteUint8(uint8(msg.TypeID))
	case ChunkType2:
		b.WriteUint24(ts)
	}
	if extended {
		b.WriteUint32(msg.Timestamp)
	}

	for pos := 0; pos < len(msg.Payload); pos += cw.chunkSize {
		if pos > 0 {
			if err := writeBasicHeader(b, ChunkType3, csid); err != nil {
				return nil, err
			}
			if extended {
				b.WriteUint32(msg.Timestamp)
			}
		}
		end := min(pos+cw.chunkSize, len(msg.Payload))
		b.WriteBytes(msg.Payload[pos:end])
	}
	return b.Bytes(), nil
}

// writeBasicHeader writes the 1 to 3 byte basic header
func writeBasicHeader(b *bytefield.Buffer, chunkType ChunkType, csid uint32) error {
	fmtBits := uint8(chunkType) << 6
	switch {
	case csid < 2:
		return fmt.Errorf("chunk stream id %d is reserved", csid)
	case csid < 64:
		b.WriteUint8(fmtBits | uint8(csid))
	case csid < 320:
		b.WriteUint8(fmtBits).WriteUint8(uint8(csid - 64))
	case csid < 65600:
		v := csid - 64
		b.WriteUint8(fmtBits | 1).WriteUint8(uint8(v)).WriteUint8(uint8(v >> 8))
	default:
		return fmt.Errorf("chunk stream id %d out of range", csid)
	}
	return nil
}
