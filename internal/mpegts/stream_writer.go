package mpegts

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"rapidmux/pkg/models"
)

// StreamWriter feeds a Writer from a subscription that may start mid-stream.
// The program is laid out at the first video keyframe: its codec picks the
// video stream type, and audio is included when an AudioSpecificConfig was
// seen or HasAudio reports one. Samples before that keyframe are skipped.
type StreamWriter struct {
	// HasAudio is consulted once, when the program is laid out. Optional.
	HasAudio func() bool

	out    io.Writer
	logger logrus.FieldLogger
	tw     *Writer

	audio       bool
	audioConfig []byte
	audioPrimed bool
	start       time.Duration
}

// NewStreamWriter creates a StreamWriter writing packets to out
func NewStreamWriter(out io.Writer, logger logrus.FieldLogger) *StreamWriter {
	return &StreamWriter{out: out, logger: logger}
}

// Started reports whether the program has been laid out
func (sw *StreamWriter) Started() bool {
	return sw.tw != nil
}

// SetOutput redirects the underlying Writer
func (sw *StreamWriter) SetOutput(w io.Writer) {
	sw.out = w
	if sw.tw != nil {
		sw.tw.SetOutput(w)
	}
}

// BytesWritten returns the bytes written by the underlying Writer
func (sw *StreamWriter) BytesWritten() uint64 {
	if sw.tw == nil {
		return 0
	}
	return sw.tw.BytesWritten()
}

// WriteSample writes s and reports whether it was written or skipped
func (sw *StreamWriter) WriteSample(s *models.EncodedSample) (bool, error) {
	if !s.IsVideo() && len(s.Config) > 0 {
		sw.audioConfig = s.Config
	}

	if sw.tw == nil {
		if !s.IsVideo() || !s.IsKeyFrame {
			return false, nil
		}
		sw.audio = sw.audioConfig != nil || (sw.HasAudio != nil && sw.HasAudio())
		sw.start = s.DTS
		sw.tw = NewWriter(sw.out, WriterConfig{
			VideoCodec: s.Codec,
			Audio:      sw.audio,
			Logger:     sw.logger,
		})
	}

	if !s.IsVideo() {
		if !sw.audio || sw.audioConfig == nil || s.PTS < sw.start {
			return false, nil
		}
		if !sw.audioPrimed && len(s.Config) == 0 {
			primed := *s
			primed.Config = sw.audioConfig
			s = &primed
		}
		sw.audioPrimed = true
	}

	if err := sw.tw.WriteSample(s); err != nil {
		return false, err
	}
	return true, nil
}
