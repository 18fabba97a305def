// Package publisher runs output sessions that re-publish a live source:
// RTMP through the rtmp client and TS over SRT.
package publisher

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rapidmux/internal/metrics"
	"rapidmux/internal/srt"
	"rapidmux/internal/streammanager"
	"rapidmux/pkg/models"
)

// Output states
const (
	StateConnecting = "connecting"
	StateRunning    = "running"
	StateStopped    = "stopped"
	StateFailed     = "failed"
)

// Config holds the client settings of output sessions
type Config struct {
	FlashVer    string
	ChunkSize   int
	Timeout     time.Duration
	SRTLatency  time.Duration
	BufferSize  int // subscription buffer in samples
	KeepHistory int // finished outputs kept for listing
}

// srtDialer opens the transport of an SRT output
type srtDialer func(ctx context.Context, addr, streamID string) (io.WriteCloser, error)

// Manager starts and tracks output sessions
type Manager struct {
	streamManager *streammanager.Manager
	metrics       *metrics.Metrics
	log           logrus.FieldLogger
	cfg           Config
	dialSRT       srtDialer

	mu      sync.Mutex
	outputs map[string]*Output
	order   []string
}

// NewManager creates an output manager. m may be nil.
func NewManager(sm *streammanager.Manager, cfg Config, m *metrics.Metrics, logger logrus.FieldLogger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 512
	}
	if cfg.KeepHistory <= 0 {
		cfg.KeepHistory = 50
	}
	pm := &Manager{
		streamManager: sm,
		metrics:       m,
		log:           logger.WithField("component", "publisher"),
		cfg:           cfg,
		outputs:       make(map[string]*Output),
	}
	pm.dialSRT = func(ctx context.Context, addr, streamID string) (io.WriteCloser, error) {
		return srt.Dial(ctx, addr, streamID, cfg.SRTLatency, pm.log)
	}
	return pm
}

// Start begins an output session for a live stream. The session runs until
// Stop, until the source stops, or until the transport fails.
func (m *Manager) Start(streamKey string, req models.OutputRequest) (*Output, error) {
	stream, ok := m.streamManager.GetStream(streamKey)
	if !ok {
		return nil, fmt.Errorf("stream %s not found", streamKey)
	}
	if stream.GetState() != models.StreamStateLive {
		return nil, fmt.Errorf("stream %s is not live", streamKey)
	}

	var run func(ctx context.Context, o *Output) error
	switch req.Kind {
	case models.OutputRTMP:
		if _, _, err := splitRTMPURL(req.URL); err != nil {
			return nil, err
		}
		run = m.runRTMP
	case models.OutputSRT:
		if _, _, err := srt.ParseURL(req.URL); err != nil {
			return nil, err
		}
		run = m.runSRT
	default:
		return nil, fmt.Errorf("unsupported output kind %q", req.Kind)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Output{
		id:        uuid.NewString(),
		streamKey: streamKey,
		req:       req,
		state:     StateConnecting,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	o.log = m.log.WithFields(logrus.Fields{"output_id": o.id, "stream_key": streamKey, "kind": req.Kind})

	m.mu.Lock()
	m.outputs[o.id] = o
	m.order = append(m.order, o.id)
	m.prune()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordOutputStart(string(req.Kind))
	}
	o.log.WithField("url", req.URL).Info("output starting")

	go func() {
		err := run(ctx, o)
		o.finish(err)
		if m.metrics != nil {
			m.metrics.RecordOutputStop(string(req.Kind), err != nil)
			m.metrics.RecordOutputBytes(string(req.Kind), int(o.Info().Bytes))
		}
	}()
	return o, nil
}

// prune forgets the oldest finished outputs beyond the history limit
func (m *Manager) prune() {
	excess := len(m.order) - m.cfg.KeepHistory
	if excess <= 0 {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if excess > 0 && m.outputs[id].finished() {
			delete(m.outputs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// Get returns an output by ID
func (m *Manager) Get(id string) (*Output, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outputs[id]
	return o, ok
}

// List returns every tracked output, oldest first
func (m *Manager) List() []models.OutputInfo {
	m.mu.Lock()
	outputs := make([]*Output, 0, len(m.order))
	for _, id := range m.order {
		outputs = append(outputs, m.outputs[id])
	}
	m.mu.Unlock()

	infos := make([]models.OutputInfo, 0, len(outputs))
	for _, o := range outputs {
		infos = append(infos, o.Info())
	}
	return infos
}

// Stop ends an output session and waits for it to finish
func (m *Manager) Stop(id string) error {
	o, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("output %s not found", id)
	}
	o.Stop()
	return nil
}

// Close stops every running output
func (m *Manager) Close() {
	m.mu.Lock()
	outputs := make([]*Output, 0, len(m.outputs))
	for _, o := range m.outputs {
		outputs = append(outputs, o)
	}
	m.mu.Unlock()

	for _, o := range outputs {
		o.Stop()
	}
}
