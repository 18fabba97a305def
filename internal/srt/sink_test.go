package srt

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type datagramConn struct {
	writes [][]byte
	closed bool
	err    error
}

func (c *datagramConn) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *datagramConn) Close() error {
	c.closed = true
	return nil
}

func quiet() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		url      string
		addr     string
		streamID string
		wantErr  bool
	}{
		{url: "srt://127.0.0.1:6000", addr: "127.0.0.1:6000"},
		{url: "srt://example.com:9000?streamid=live/cam1", addr: "example.com:9000", streamID: "live/cam1"},
		{url: "srt://example.com", wantErr: true},
		{url: "rtmp://example.com:1935/live", wantErr: true},
		{url: "::", wantErr: true},
	}
	for _, tt := range tests {
		addr, streamID, err := ParseURL(tt.url)
		if tt.wantErr {
			assert.Error(t, err, tt.url)
			continue
		}
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.addr, addr)
		assert.Equal(t, tt.streamID, streamID)
	}
}

func TestSinkBatchesDatagrams(t *testing.T) {
	conn := &datagramConn{}
	sink := NewSink(conn, quiet())

	data := bytes.Repeat([]byte{0x47}, 10*188)
	n, err := sink.Write(data[:4*188])
	require.NoError(t, err)
	assert.Equal(t, 4*188, n)
	assert.Empty(t, conn.writes)

	n, err = sink.Write(data[4*188:])
	require.NoError(t, err)
	assert.Equal(t, 6*188, n)
	require.Len(t, conn.writes, 1)
	assert.Len(t, conn.writes[0], PayloadSize)

	require.NoError(t, sink.Close())
	require.Len(t, conn.writes, 2)
	assert.Len(t, conn.writes[1], 3*188)
	assert.True(t, conn.closed)
	assert.Equal(t, uint64(10*188), sink.BytesSent())

	require.NoError(t, sink.Close(), "close is idempotent")
	_, err = sink.Write(data)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestSinkWriteError(t *testing.T) {
	conn := &datagramConn{err: errors.New("connection lost")}
	sink := NewSink(conn, quiet())

	n, err := sink.Write(make([]byte, PayloadSize+188))
	assert.Error(t, err)
	assert.Equal(t, PayloadSize, n)
	// the failed datagram is not retried
	assert.NoError(t, sink.Flush())
	assert.Zero(t, sink.BytesSent())
}

func TestSinkCountsDeliveredBytes(t *testing.T) {
	conn := &datagramConn{}
	sink := NewSink(conn, quiet())

	_, err := sink.Write(make([]byte, PayloadSize+2*188))
	require.NoError(t, err)
	assert.Equal(t, uint64(PayloadSize), sink.BytesSent())

	require.NoError(t, sink.Flush())
	require.Len(t, conn.writes, 2)
	assert.Len(t, conn.writes[1], 2*188)
	assert.Equal(t, uint64(PayloadSize+2*188), sink.BytesSent())

	conn.err = errors.New("connection lost")
	_, err = sink.Write(make([]byte, 188))
	require.NoError(t, err)
	assert.Error(t, sink.Flush())
	assert.Equal(t, uint64(PayloadSize+2*188), sink.BytesSent())
}
