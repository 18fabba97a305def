package segmenter

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rapidmux/internal/metrics"
	"rapidmux/internal/mpegts"
	"rapidmux/internal/storage"
	"rapidmux/internal/streammanager"
	"rapidmux/pkg/models"
)

// PlaylistName is the media playlist written next to the segments
const PlaylistName = "index.m3u8"

const (
	subscriptionBuffer = 1000
	storageTimeout     = 10 * time.Second
)

// Config controls segment length and the playlist window
type Config struct {
	SegmentDuration time.Duration
	MaxSegments     int
}

// Segmenter records live streams as MPEG-TS segments plus a sliding-window
// playlist in storage
type Segmenter struct {
	storage       storage.Storage
	streamManager *streammanager.Manager
	metrics       *metrics.Metrics
	log           logrus.FieldLogger

	segmentDuration time.Duration
	maxSegments     int

	recorders map[string]*recorder
	mu        sync.Mutex
}

// New creates a new segmenter. m may be nil.
func New(store storage.Storage, streamManager *streammanager.Manager, cfg Config, m *metrics.Metrics, logger logrus.FieldLogger) *Segmenter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = 2 * time.Second
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = 10
	}
	return &Segmenter{
		storage:         store,
		streamManager:   streamManager,
		metrics:         m,
		log:             logger.WithField("component", "segmenter"),
		segmentDuration: cfg.SegmentDuration,
		maxSegments:     cfg.MaxSegments,
		recorders:       make(map[string]*recorder),
	}
}

// StartSegmenting subscribes to a live stream and starts recording it
func (s *Segmenter) StartSegmenting(streamKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, exists := s.recorders[streamKey]; exists && !r.finished() {
		return fmt.Errorf("already segmenting stream %s", streamKey)
	}

	stream, exists := s.streamManager.GetStream(streamKey)
	if !exists {
		return fmt.Errorf("stream %s not found", streamKey)
	}
	samples, cleanup, err := s.streamManager.Subscribe(streamKey, subscriptionBuffer)
	if err != nil {
		return err
	}

	r := &recorder{
		segmenter: s,
		streamKey: streamKey,
		log:       s.log.WithField("stream_key", streamKey),
		cleanup:   cleanup,
		done:      make(chan struct{}),
		playlist: &models.Playlist{
			StreamKey:      streamKey,
			TargetDuration: int(s.segmentDuration.Seconds() + 0.5),
			MaxSegments:    s.maxSegments,
		},
	}
	r.writer = mpegts.NewStreamWriter(&r.buf, r.log)
	r.writer.HasAudio = func() bool {
		_, audio := stream.Codecs()
		return audio != nil
	}
	s.recorders[streamKey] = r

	go r.run(samples)

	r.log.Info("started segmenting")
	return nil
}

// StopSegmenting stops recording a stream and waits for the last segment
// to be stored
func (s *Segmenter) StopSegmenting(streamKey string) {
	s.mu.Lock()
	r, exists := s.recorders[streamKey]
	delete(s.recorders, streamKey)
	s.mu.Unlock()

	if !exists {
		return
	}
	r.cleanup()
	<-r.done
	r.log.Info("stopped segmenting")
}

// IsSegmenting reports whether a stream is being recorded
func (s *Segmenter) IsSegmenting(streamKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, exists := s.recorders[streamKey]
	return exists && !r.finished()
}

// GetPlaylist returns the stored playlist of a stream
func (s *Segmenter) GetPlaylist(ctx context.Context, streamKey string) ([]byte, error) {
	return s.storage.Read(ctx, path.Join(streamKey, PlaylistName))
}

// GetSegment returns a stored segment by file name
func (s *Segmenter) GetSegment(ctx context.Context, streamKey, name string) ([]byte, error) {
	if path.Ext(name) != ".ts" {
		return nil, fmt.Errorf("invalid segment name %q", name)
	}
	return s.storage.Read(ctx, path.Join(streamKey, name))
}

// recorder cuts one stream into segments. Only its goroutine touches the
// buffer, writer and playlist.
type recorder struct {
	segmenter *Segmenter
	streamKey string
	log       logrus.FieldLogger
	cleanup   func()
	done      chan struct{}

	buf      bytes.Buffer
	writer   *mpegts.StreamWriter
	playlist *models.Playlist

	sequence     uint64
	segmentStart time.Duration
	lastDTS      time.Duration
	hasSamples   bool
}

func (r *recorder) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// run consumes samples until the subscription closes, then stores the
// final partial segment
func (r *recorder) run(samples <-chan *models.EncodedSample) {
	defer close(r.done)

	for sample := range samples {
		r.write(sample)
	}
	r.cut(r.lastDTS)
}

func (r *recorder) write(sample *models.EncodedSample) {
	if sample.IsVideo() && sample.IsKeyFrame && r.hasSamples &&
		sample.DTS-r.segmentStart >= r.segmenter.segmentDuration {
		r.cut(sample.DTS)
	}

	wrote, err := r.writer.WriteSample(sample)
	if err != nil {
		r.log.WithError(err).Warn("dropping sample")
		return
	}
	if !wrote {
		return
	}
	if !r.hasSamples {
		r.segmentStart = sample.DTS
		r.hasSamples = true
	}
	if sample.DTS > r.lastDTS {
		r.lastDTS = sample.DTS
	}
}

// cut stores the buffered segment, ending at end, and updates the playlist
func (r *recorder) cut(end time.Duration) {
	if !r.hasSamples || r.buf.Len() == 0 {
		return
	}

	data := append([]byte(nil), r.buf.Bytes()...)
	r.buf.Reset()
	r.writer.SetOutput(&r.buf)
	r.hasSamples = false

	seg := &models.Segment{
		StreamKey:   r.streamKey,
		SequenceNum: r.sequence,
		Duration:    (end - r.segmentStart).Seconds(),
		FileSize:    int64(len(data)),
		CreatedAt:   time.Now(),
	}
	seg.FilePath = path.Join(r.streamKey, seg.FileName())
	r.sequence++

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	store := r.segmenter.storage
	if err := store.Write(ctx, seg.FilePath, data); err != nil {
		r.log.WithError(err).WithField("segment", seg.SequenceNum).Error("failed to write segment")
		return
	}
	if m := r.segmenter.metrics; m != nil {
		m.RecordSegment(seg.Duration, seg.FileSize)
	}

	if removed := r.playlist.AddSegment(seg); removed != nil {
		if err := store.Delete(ctx, removed.FilePath); err != nil {
			r.log.WithError(err).WithField("segment", removed.SequenceNum).Warn("failed to delete segment")
		} else if m := r.segmenter.metrics; m != nil {
			m.RecordSegmentDeleted()
		}
	}

	playlist := []byte(r.playlist.GetM3U8Content())
	if err := store.Write(ctx, path.Join(r.streamKey, PlaylistName), playlist); err != nil {
		r.log.WithError(err).Error("failed to write playlist")
	}

	r.log.WithFields(logrus.Fields{
		"segment":  seg.SequenceNum,
		"duration": seg.Duration,
		"size":     seg.FileSize,
	}).Debug("segment stored")
}
