package rtmp

import (
	"bufio"
	"fmt"
	"io"
	"sync/atomic"

	"rapidmux/internal/bytefield"
)

// chunkStream keeps the previous header of one chunk stream and the message
// being reassembled on it
type chunkStream struct {
	timestamp uint32
	delta     uint32
	length    uint32
	typeID    MessageType
	streamID  uint32
	extended  bool

	chunkType ChunkType
	payload   []byte
	started   bool
}

func (cs *chunkStream) inProgress() bool {
	return cs.started && uint32(len(cs.payload)) < cs.length
}

type countingReader struct {
	r io.Reader
	n atomic.Uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(uint64(n))
	return n, err
}

// ChunkReader reassembles messages from chunks. ReadMessage must be called
// from one goroutine; BytesRead is safe to call from any.
type ChunkReader struct {
	counter   *countingReader
	r         *bufio.Reader
	chunkSize int
	streams   map[uint32]*chunkStream
}

// NewChunkReader returns a reader using DefaultChunkSize
func NewChunkReader(r io.Reader) *ChunkReader {
	counter := &countingReader{r: r}
	return &ChunkReader{
		counter:   counter,
		r:         bufio.NewReader(counter),
		chunkSize: DefaultChunkSize,
		streams:   make(map[uint32]*chunkStream),
	}
}

// SetChunkSize changes the incoming chunk size
func (cr *ChunkReader) SetChunkSize(size int) {
	if size < 1 {
		size = 1
	}
	cr.chunkSize = size
}

// BytesRead returns the number of bytes consumed from the underlying reader
func (cr *ChunkReader) BytesRead() uint64 {
	return cr.counter.n.Load()
}

// Abort drops the partially received message on csid
func (cr *ChunkReader) Abort(csid uint32) {
	if cs, ok := cr.streams[csid]; ok {
		cs.payload = nil
		cs.started = false
	}
}

// ReadMessage reads chunks until one message is complete
func (cr *ChunkReader) ReadMessage() (*Message, error) {
	for {
		msg, err := cr.readChunk()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

func (cr *ChunkReader) readChunk() (*Message, error) {
	chunkType, csid, err := cr.readBasicHeader()
	if err != nil {
		return nil, err
	}

	cs, ok := cr.streams[csid]
	if !ok {
		if chunkType != ChunkType0 {
			return nil, fmt.Errorf("chunk stream %d: type %d chunk without previous header", csid, chunkType)
		}
		cs = &chunkStream{}
		cr.streams[csid] = cs
	}

	if err := cr.readMessageHeader(chunkType, cs); err != nil {
		return nil, fmt.Errorf("chunk stream %d: %w", csid, err)
	}

	n := min(int(cs.length)-len(cs.payload), cr.chunkSize)
	if n > 0 {
		start := len(cs.payload)
		cs.payload = append(cs.payload, make([]byte, n)...)
		if _, err := io.ReadFull(cr.r, cs.payload[start:]); err != nil {
			return nil, fmt.Errorf("chunk stream %d: payload: %w", csid, err)
		}
	}

	if uint32(len(cs.payload)) < cs.length {
		return nil, nil
	}

	msg := &Message{
		ChunkType:     cs.chunkType,
		ChunkStreamID: csid,
		StreamID:      cs.streamID,
		Timestamp:     cs.timestamp,
		TypeID:        cs.typeID,
		Payload:       cs.payload,
	}
	cs.payload = nil
	cs.started = false
	return msg, nil
}

func (cr *ChunkReader) readBasicHeader() (ChunkType, uint32, error) {
	b0, err := cr.r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	chunkType := ChunkType(b0 >> 6)
	switch csid := uint32(b0 & 0x3F); csid {
	case 0:
		b1, err := cr.r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		return chunkType, uint32(b1) + 64, nil
	case 1:
		var b [2]byte
		if _, err := io.ReadFull(cr.r, b[:]); err != nil {
			return 0, 0, err
		}
		return chunkType, uint32(b[1])<<8 + uint32(b[0]) + 64, nil
	default:
		return chunkType, csid, nil
	}
}

func (cr *ChunkReader) readMessageHeader(chunkType ChunkType, cs *chunkStream) error {
	if chunkType == ChunkType3 {
		if cs.extended {
			// repeated extended timestamp
			if _, err := cr.read(4); err != nil {
				return err
			}
		}
		if !cs.inProgress() {
			cs.timestamp += cs.delta
			cs.chunkType = ChunkType3
			cs.started = true
		}
		return nil
	}

	if cs.inProgress() {
		return fmt.Errorf("type %d chunk while a message is incomplete", chunkType)
	}

	header, err := cr.read(messageHeaderSize[chunkType])
	if err != nil {
		return err
	}
	b := bytefield.NewBuffer(header)
	ts, _ := b.ReadUint24()
	if chunkType <= ChunkType1 {
		length, _ := b.ReadUint24()
		typeID, _ := b.ReadUint8()
		cs.length = length
		cs.typeID = MessageType(typeID)
	}
	if chunkType == ChunkType0 {
		cs.streamID, _ = b.ReadUint32LE()
	}

	cs.extended = ts == extendedTimestamp
	if cs.extended {
		ext, err := cr.read(4)
		if err != nil {
			return err
		}
		ts, _ = bytefield.NewBuffer(ext).ReadUint32()
	}

	if chunkType == ChunkType0 {
		cs.timestamp = ts
		cs.delta = 0
	} else {
		cs.delta = ts
		cs.timestamp += ts
	}
	cs.chunkType = chunkType
	cs.started = true
	return nil
}

func (cr *ChunkReader) read(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(cr.r, b); err != nil {
		return nil, err
	}
	return b, nil
}
