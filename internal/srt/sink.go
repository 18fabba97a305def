// Package srt sends transport streams to an SRT listener in caller mode.
package srt

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	srtgo "github.com/zsiec/srtgo"
)

// PayloadSize is the SRT payload of one datagram: 7 MPEG-TS packets
const PayloadSize = 7 * 188

// DefaultLatency is the receiver buffer latency requested when none is configured
const DefaultLatency = 120 * time.Millisecond

const dialTimeout = 10 * time.Second

// ParseURL splits "srt://host:port?streamid=live/cam1" into the dial address
// and stream ID
func ParseURL(rawURL string) (addr, streamID string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid SRT URL: %w", err)
	}
	if u.Scheme != "srt" {
		return "", "", fmt.Errorf("invalid SRT URL %q: scheme must be srt", rawURL)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return "", "", fmt.Errorf("invalid SRT URL %q: host and port are required", rawURL)
	}
	return u.Host, u.Query().Get("streamid"), nil
}

// Sink batches transport packets into PayloadSize datagrams. Packets that do
// not fill a datagram wait for the next Write or for Flush; callers flush at
// the end of each access unit.
type Sink struct {
	conn io.WriteCloser
	log  logrus.FieldLogger

	mu      sync.Mutex
	pending []byte
	sent    uint64
	closed  bool
}

// NewSink wraps an established connection
func NewSink(conn io.WriteCloser, logger logrus.FieldLogger) *Sink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Sink{
		conn:    conn,
		log:     logger.WithField("component", "srt"),
		pending: make([]byte, 0, PayloadSize),
	}
}

// Dial connects to an SRT listener. The stream ID is passed in the
// handshake; an empty latency selects DefaultLatency.
func Dial(ctx context.Context, addr, streamID string, latency time.Duration, logger logrus.FieldLogger) (*Sink, error) {
	cfg := srtgo.DefaultConfig()
	if latency <= 0 {
		latency = DefaultLatency
	}
	cfg.Latency = latency
	cfg.StreamID = streamID

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial %s failed: %w", addr, res.err)
		}
		sink := NewSink(res.conn, logger)
		sink.log.WithFields(logrus.Fields{"addr": addr, "stream_id": streamID}).Info("SRT connected")
		return sink, nil
	case <-timer.C:
		go closeLate(ch)
		return nil, fmt.Errorf("SRT dial %s timed out after %s", addr, dialTimeout)
	case <-ctx.Done():
		go closeLate(ch)
		return nil, ctx.Err()
	}
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// closeLate closes a connection whose dial finished after the caller gave up
func closeLate(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}

// Write queues p and sends every complete datagram
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.ErrClosedPipe
	}

	n := len(p)
	for len(p) > 0 {
		take := PayloadSize - len(s.pending)
		if take > len(p) {
			take = len(p)
		}
		s.pending = append(s.pending, p[:take]...)
		p = p[take:]

		if len(s.pending) == PayloadSize {
			if err := s.send(); err != nil {
				return n - len(p), err
			}
		}
	}
	return n, nil
}

// Flush sends a partially filled datagram
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.pending) == 0 {
		return nil
	}
	return s.send()
}

func (s *Sink) send() error {
	_, err := s.conn.Write(s.pending)
	n := len(s.pending)
	s.pending = s.pending[:0]
	if err != nil {
		return fmt.Errorf("SRT write: %w", err)
	}
	s.sent += uint64(n)
	return nil
}

// BytesSent returns the bytes the connection accepted
func (s *Sink) BytesSent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Close flushes pending packets and closes the connection
func (s *Sink) Close() error {
	flushErr := s.Flush()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.conn.Close(); err != nil {
		return err
	}
	return flushErr
}
