package publisher

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"rapidmux/internal/mpegts"
	"rapidmux/internal/rtmp"
	"rapidmux/internal/srt"
	"rapidmux/pkg/models"
)

// Output is one running or finished output session
type Output struct {
	id        string
	streamKey string
	req       models.OutputRequest
	startedAt time.Time
	log       logrus.FieldLogger
	cancel    context.CancelFunc
	done      chan struct{}

	mu    sync.Mutex
	state string
	err   error
	bytes func() uint64
	final uint64
}

// ID returns the output's identifier
func (o *Output) ID() string {
	return o.id
}

// Done is closed when the session has ended
func (o *Output) Done() <-chan struct{} {
	return o.done
}

// Err returns why the session failed, nil if it ended normally
func (o *Output) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Stop ends the session and waits for it to finish
func (o *Output) Stop() {
	o.cancel()
	<-o.done
}

// Info returns the API view of the session
func (o *Output) Info() models.OutputInfo {
	o.mu.Lock()

	info := models.OutputInfo{
		ID:        o.id,
		StreamKey: o.streamKey,
		Kind:      o.req.Kind,
		URL:       o.req.URL,
		State:     o.state,
		Bytes:     o.final,
		StartedAt: o.startedAt.Format(time.RFC3339),
	}
	if o.err != nil {
		info.Error = o.err.Error()
	}
	bytes := o.bytes
	if o.finishedLocked() {
		bytes = nil
	}
	o.mu.Unlock()

	// the byte counter may wait on the connection executor
	if bytes != nil {
		info.Bytes = bytes()
	}
	return info
}

func (o *Output) setRunning(bytes func() uint64) {
	o.mu.Lock()
	o.state = StateRunning
	o.bytes = bytes
	o.mu.Unlock()
	o.log.Info("output running")
}

func (o *Output) finish(err error) {
	o.mu.Lock()
	bytes := o.bytes
	o.mu.Unlock()
	var final uint64
	if bytes != nil {
		final = bytes()
	}

	o.mu.Lock()
	o.final = final
	o.err = err
	o.state = StateStopped
	if err != nil {
		o.state = StateFailed
	}
	o.mu.Unlock()
	close(o.done)

	entry := o.log.WithField("bytes", o.final)
	if err != nil {
		entry.WithError(err).Warn("output failed")
	} else {
		entry.Info("output stopped")
	}
}

func (o *Output) finished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finishedLocked()
}

func (o *Output) finishedLocked() bool {
	return o.state == StateStopped || o.state == StateFailed
}

// splitRTMPURL turns rtmp://host/app/name into the connect URL and the
// publishing name
func splitRTMPURL(rawURL string) (connectURL, name string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid RTMP URL: %w", err)
	}
	if u.Scheme != "rtmp" {
		return "", "", fmt.Errorf("invalid RTMP URL %q: scheme must be rtmp", rawURL)
	}
	p := strings.Trim(u.Path, "/")
	app, name := path.Split(p)
	app = strings.Trim(app, "/")
	if app == "" || name == "" {
		return "", "", fmt.Errorf("invalid RTMP URL %q: want rtmp://host/app/name", rawURL)
	}
	if u.RawQuery != "" {
		name += "?" + u.RawQuery
	}
	u.Path = "/" + app
	u.RawQuery = ""
	return u.String(), name, nil
}

// statusWatcher turns error statuses into a session failure
type statusWatcher struct {
	once   sync.Once
	failed chan rtmp.Status
}

func newStatusWatcher() *statusWatcher {
	return &statusWatcher{failed: make(chan rtmp.Status, 1)}
}

func (w *statusWatcher) OnStatus(st rtmp.Status) {
	if st.IsError() {
		w.once.Do(func() { w.failed <- st })
	}
}

func (m *Manager) runRTMP(ctx context.Context, o *Output) error {
	connectURL, name, err := splitRTMPURL(o.req.URL)
	if err != nil {
		return err
	}

	conn := rtmp.NewConnection(rtmp.Config{
		FlashVer:  m.cfg.FlashVer,
		ChunkSize: m.cfg.ChunkSize,
		Timeout:   m.cfg.Timeout,
		Logger:    o.log,
	})
	defer conn.Close()

	watcher := newStatusWatcher()
	conn.AddStatusHandler(watcher)

	enc := newSubscriptionEncoder(o.streamKey, m.streamManager, m.cfg.BufferSize, o.log)
	stream := rtmp.NewStream(conn, enc)
	stream.AddStatusHandler(watcher)
	// Info reads zero once the connection is gone, so keep the last count
	var sent atomic.Uint64
	byteCount := func() uint64 {
		if n := stream.Info().ByteCount; n > 0 {
			sent.Store(uint64(n))
		}
		return sent.Load()
	}
	stream.AddStatusHandler(rtmp.StatusHandlerFunc(func(st rtmp.Status) {
		if st.Code == rtmp.CodeStreamPublishStart {
			o.setRunning(byteCount)
		}
	}))

	if err := conn.Connect(ctx, connectURL); err != nil {
		return err
	}
	stream.Publish(name)

	select {
	case <-ctx.Done():
	case <-enc.ended:
	case st := <-watcher.failed:
		return fmt.Errorf("%s: %s", st.Code, st.Description)
	case <-conn.Done():
		return rtmp.ErrClosed
	}

	byteCount()
	stream.Close()
	// Info runs on the connection executor after the queued close
	stream.Info()
	enc.StopEncoding()
	return nil
}

func (m *Manager) runSRT(ctx context.Context, o *Output) error {
	addr, streamID, err := srt.ParseURL(o.req.URL)
	if err != nil {
		return err
	}
	if o.req.StreamID != "" {
		streamID = o.req.StreamID
	}

	sink, err := m.dialSRT(ctx, addr, streamID)
	if err != nil {
		return err
	}
	defer sink.Close()

	stream, ok := m.streamManager.GetStream(o.streamKey)
	if !ok {
		return fmt.Errorf("stream %s not found", o.streamKey)
	}
	samples, cleanup, err := m.streamManager.Subscribe(o.streamKey, m.cfg.BufferSize)
	if err != nil {
		return err
	}
	defer cleanup()

	transport := &stickyWriter{w: sink}
	writer := mpegts.NewStreamWriter(transport, o.log)
	writer.HasAudio = func() bool {
		_, audio := stream.Codecs()
		return audio != nil
	}

	var written sync.Mutex
	var bytes uint64
	o.setRunning(func() uint64 {
		written.Lock()
		defer written.Unlock()
		return bytes
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case sample, ok := <-samples:
			if !ok {
				return nil
			}
			if _, err := writer.WriteSample(sample); err != nil {
				if transport.err != nil {
					return transport.err
				}
				o.log.WithError(err).Warn("dropping sample")
				continue
			}
			// send the tail of the access unit now instead of with the next one
			if f, ok := sink.(flusher); ok {
				if err := f.Flush(); err != nil {
					return err
				}
			}
			written.Lock()
			if n := writer.BytesWritten(); n != bytes {
				if m.metrics != nil {
					m.metrics.RecordTSPackets(int(n-bytes) / mpegts.PacketSize)
				}
				bytes = n
			}
			written.Unlock()
		}
	}
}

type flusher interface {
	Flush() error
}

// stickyWriter remembers the first transport error so it can be told apart
// from muxing errors
type stickyWriter struct {
	w   io.Writer
	err error
}

func (s *stickyWriter) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.err = err
	}
	return n, err
}
