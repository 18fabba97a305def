package rtmp

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rapidmux/internal/bytefield"
)

// readAll decodes every message in data, following Set Chunk Size messages
func readAll(t *testing.T, data []byte) []*Message {
	t.Helper()
	r := NewChunkReader(bytes.NewReader(data))
	var msgs []*Message
	for {
		msg, err := r.ReadMessage()
		if errors.Is(err, io.EOF) {
			return msgs
		}
		require.NoError(t, err)
		if msg.TypeID == MessageTypeSetChunkSize {
			size, err := readUint32Payload(msg)
			require.NoError(t, err)
			r.SetChunkSize(int(size))
		}
		msgs = append(msgs, msg)
	}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestWriteBasicHeader(t *testing.T) {
	tests := []struct {
		csid    uint32
		want    []byte
		wantErr bool
	}{
		{csid: 2, want: []byte{0x02}},
		{csid: 63, want: []byte{0x3F}},
		{csid: 64, want: []byte{0x00, 0x00}},
		{csid: 319, want: []byte{0x00, 0xFF}},
		{csid: 320, want: []byte{0x01, 0x00, 0x01}},
		{csid: 65599, want: []byte{0x01, 0xFF, 0xFF}},
		{csid: 1, wantErr: true},
		{csid: 65600, wantErr: true},
	}

	for _, tt := range tests {
		b := bytefield.NewBuffer(nil)
		err := writeBasicHeader(b, ChunkType0, tt.csid)
		if tt.wantErr {
			assert.Error(t, err, "csid %d", tt.csid)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, b.Bytes(), "csid %d", tt.csid)

		// the reader must map it back
		r := NewChunkReader(bytes.NewReader(b.Bytes()))
		_, csid, err := r.readBasicHeader()
		require.NoError(t, err)
		assert.Equal(t, tt.csid, csid)
	}
}

func TestWriteMessageChunksPayload(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)

	msg := &Message{StreamID: 1, Timestamp: 1000, TypeID: MessageTypeVideo, Payload: payload(300)}
	n, err := w.WriteMessage(ChunkType0, ChunkStreamVideo, msg)
	require.NoError(t, err)

	// 1+11 header, 300 payload, two type-3 continuation headers
	assert.Equal(t, 314, n)
	assert.Equal(t, 314, buf.Len())
	assert.Equal(t, byte(0xC0|ChunkStreamVideo), buf.Bytes()[12+128])
	assert.Equal(t, byte(0xC0|ChunkStreamVideo), buf.Bytes()[12+128+1+128])

	msgs := readAll(t, buf.Bytes())
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.Payload, msgs[0].Payload)
	assert.Equal(t, uint32(1000), msgs[0].Timestamp)
	assert.Equal(t, uint32(1), msgs[0].StreamID)
	assert.Equal(t, MessageTypeVideo, msgs[0].TypeID)
	assert.Equal(t, ChunkType0, msgs[0].ChunkType)
	assert.Equal(t, ChunkStreamVideo, msgs[0].ChunkStreamID)
}

func TestWriteMessageExtendedTimestamp(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)

	msg := &Message{Timestamp: 0x01000000, TypeID: MessageTypeAudio, Payload: payload(200)}
	n, err := w.WriteMessage(ChunkType0, ChunkStreamAudio, msg)
	require.NoError(t, err)

	// header with extended field, then a continuation that repeats it
	assert.Equal(t, 1+11+4+128+1+4+72, n)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF}, buf.Bytes()[1:4])
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, buf.Bytes()[12:16])
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, buf.Bytes()[16+128+1:16+128+5])

	msgs := readAll(t, buf.Bytes())
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(0x01000000), msgs[0].Timestamp)
	assert.Equal(t, msg.Payload, msgs[0].Payload)
}

func TestChunkTypeDeltas(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)

	writes := []struct {
		chunkType ChunkType
		timestamp uint32
	}{
		{ChunkType0, 1000},
		{ChunkType1, 40},
		{ChunkType2, 40},
		{ChunkType3, 0},
	}
	for _, wr := range writes {
		_, err := w.WriteMessage(wr.chunkType, ChunkStreamAudio, &Message{
			StreamID:  1,
			Timestamp: wr.timestamp,
			TypeID:    MessageTypeAudio,
			Payload:   payload(10),
		})
		require.NoError(t, err)
	}

	msgs := readAll(t, buf.Bytes())
	require.Len(t, msgs, 4)

	var got []uint32
	for i, m := range msgs {
		got = append(got, m.Timestamp)
		assert.Equal(t, writes[i].chunkType, m.ChunkType)
		assert.Equal(t, uint32(1), m.StreamID)
		assert.Equal(t, MessageTypeAudio, m.TypeID)
	}
	assert.Equal(t, []uint32{1000, 1040, 1080, 1120}, got)
}

func TestChunkWriterSetChunkSize(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)
	assert.Equal(t, DefaultChunkSize, w.ChunkSize())

	w.SetChunkSize(0)
	assert.Equal(t, 1, w.ChunkSize())
	w.SetChunkSize(MaxChunkSize + 1)
	assert.Equal(t, MaxChunkSize, w.ChunkSize())

	w.SetChunkSize(4096)
	_, err := w.WriteMessage(ChunkType0, ChunkStreamControl, setChunkSizeMessage(4096))
	require.NoError(t, err)
	_, err = w.WriteMessage(ChunkType0, ChunkStreamVideo, &Message{TypeID: MessageTypeVideo, Payload: payload(3000)})
	require.NoError(t, err)

	msgs := readAll(t, buf.Bytes())
	require.Len(t, msgs, 2)
	assert.Len(t, msgs[1].Payload, 3000)
}

func TestChunkWriterInvalidChunkType(t *testing.T) {
	w := NewChunkWriter(io.Discard)
	_, err := w.WriteMessage(ChunkType(4), ChunkStreamCommand, &Message{})
	assert.Error(t, err)
}

func TestChunkReaderErrors(t *testing.T) {
	t.Run("continuation without header", func(t *testing.T) {
		r := NewChunkReader(bytes.NewReader([]byte{0xC3}))
		_, err := r.ReadMessage()
		assert.Error(t, err)
	})

	t.Run("truncated payload", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := NewChunkWriter(&buf).WriteMessage(ChunkType0, ChunkStreamCommand, &Message{
			TypeID:  MessageTypeCommandAMF0,
			Payload: payload(50),
		})
		require.NoError(t, err)

		r := NewChunkReader(bytes.NewReader(buf.Bytes()[:30]))
		_, err = r.ReadMessage()
		assert.Error(t, err)
	})
}

func TestChunkReaderAbortAndBytesRead(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)
	_, err := w.WriteMessage(ChunkType0, ChunkStreamVideo, &Message{TypeID: MessageTypeVideo, Payload: payload(200)})
	require.NoError(t, err)

	// drop the continuation chunk and start a fresh message
	buf.Truncate(1 + 11 + 128)
	_, err = w.WriteMessage(ChunkType0, ChunkStreamVideo, &Message{Timestamp: 7, TypeID: MessageTypeVideo, Payload: payload(20)})
	require.NoError(t, err)

	r := NewChunkReader(bytes.NewReader(buf.Bytes()))
	msg, err := r.readChunk()
	require.NoError(t, err)
	assert.Nil(t, msg)
	r.Abort(ChunkStreamVideo)

	msg, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), msg.Timestamp)
	assert.Len(t, msg.Payload, 20)
	assert.Equal(t, uint64(buf.Len()), r.BytesRead())
}
