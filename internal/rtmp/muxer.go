package rtmp

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rapidmux/internal/flv"
	"rapidmux/pkg/models"
)

// MuxerDelegate receives FLV-wrapped media with the delta in milliseconds
// since the previous buffer of the same kind
type MuxerDelegate interface {
	OutputAudio(buf []byte, timestamp float64)
	OutputVideo(buf []byte, timestamp float64)
}

// SampleSink consumes encoded samples
type SampleSink interface {
	WriteSample(sample *models.EncodedSample) error
}

// Muxer wraps encoded samples in FLV audio/video tag bodies. Sequence headers
// are emitted whenever a sample carries a new configuration record.
type Muxer struct {
	mu       sync.Mutex
	delegate MuxerDelegate
	log      logrus.FieldLogger

	audioConfig []byte
	videoConfig []byte

	audioStarted   bool
	audioTimestamp time.Duration
	videoStarted   bool
	videoTimestamp time.Duration
}

// NewMuxer returns a muxer without a delegate
func NewMuxer(logger logrus.FieldLogger) *Muxer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Muxer{log: logger.WithField("component", "rtmp_muxer")}
}

// SetDelegate replaces the receiver of muxed buffers
func (m *Muxer) SetDelegate(d MuxerDelegate) {
	m.mu.Lock()
	m.delegate = d
	m.mu.Unlock()
}

// Dispose drops the delegate and forgets format descriptors and timestamps
func (m *Muxer) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.delegate = nil
	m.audioConfig = nil
	m.videoConfig = nil
	m.audioStarted = false
	m.audioTimestamp = 0
	m.videoStarted = false
	m.videoTimestamp = 0
}

type muxed struct {
	buf       []byte
	timestamp float64
}

// WriteSample muxes one sample and hands it to the delegate. The delegate is
// called without the muxer lock held.
func (m *Muxer) WriteSample(s *models.EncodedSample) error {
	m.mu.Lock()
	delegate := m.delegate
	if delegate == nil {
		m.mu.Unlock()
		return nil
	}

	var out []muxed
	var err error
	if s.IsVideo() {
		out, err = m.muxVideo(s)
	} else {
		out, err = m.muxAudio(s)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	for _, o := range out {
		if s.IsVideo() {
			delegate.OutputVideo(o.buf, o.timestamp)
		} else {
			delegate.OutputAudio(o.buf, o.timestamp)
		}
	}
	return nil
}

func (m *Muxer) muxAudio(s *models.EncodedSample) ([]muxed, error) {
	if s.Codec != models.CodecAAC {
		return nil, fmt.Errorf("unsupported audio codec %q", s.Codec)
	}

	var out []muxed
	if len(s.Config) > 0 && !bytes.Equal(s.Config, m.audioConfig) {
		m.audioConfig = append([]byte(nil), s.Config...)
		out = append(out, muxed{buf: flv.AudioSequenceHeader(m.audioConfig)})
	}

	var delta float64
	if m.audioStarted {
		delta = milliseconds(s.PTS - m.audioTimestamp)
	}
	m.audioStarted = true
	m.audioTimestamp = s.PTS

	return append(out, muxed{buf: flv.AudioFrame(s.Data), timestamp: delta}), nil
}

func (m *Muxer) muxVideo(s *models.EncodedSample) ([]muxed, error) {
	var sequenceHeader func([]byte) []byte
	var frame func([]byte, bool, int32) []byte

	switch s.Codec {
	case models.CodecH264:
		sequenceHeader, frame = flv.AVCSequenceHeader, flv.AVCFrame
	case models.CodecH265:
		sequenceHeader, frame = flv.HEVCSequenceHeader, flv.HEVCFrame
	default:
		return nil, fmt.Errorf("unsupported video codec %q", s.Codec)
	}

	var out []muxed
	if len(s.Config) > 0 && !bytes.Equal(s.Config, m.videoConfig) {
		m.videoConfig = append([]byte(nil), s.Config...)
		out = append(out, muxed{buf: sequenceHeader(m.videoConfig)})
		m.log.WithFields(logrus.Fields{"codec": s.Codec, "size": len(s.Config)}).Debug("video sequence header")
	}

	var delta float64
	if m.videoStarted {
		delta = milliseconds(s.DTS - m.videoTimestamp)
	}
	m.videoStarted = true
	m.videoTimestamp = s.DTS

	cts := int32(s.CompositionTime() / time.Millisecond)
	return append(out, muxed{buf: frame(s.Data, s.IsKeyFrame, cts), timestamp: delta}), nil
}

func milliseconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
