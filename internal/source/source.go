// Package source paces H.264 access units from an Annex-B file into the
// stream manager, standing in for a live encoder.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/sirupsen/logrus"

	"rapidmux/internal/codec"
	"rapidmux/internal/streammanager"
	"rapidmux/pkg/models"
)

// DefaultFrameRate is used when neither the config nor the SPS gives one
const DefaultFrameRate = 30.0

// Config controls pacing
type Config struct {
	FrameRate float64 // frames per second, 0 reads it from the SPS
	Loop      bool    // restart at the beginning of the file on EOF
}

// FileSource publishes an Annex-B H.264 file as a live stream
type FileSource struct {
	path          string
	streamKey     string
	streamManager *streammanager.Manager
	cfg           Config
	log           logrus.FieldLogger

	stream   *models.Stream
	sps, pps []byte
	record   []byte
	sent     []byte // record attached to the last keyframe
	interval time.Duration
	frames   int64
}

// New creates a file source for streamKey
func New(path, streamKey string, sm *streammanager.Manager, cfg Config, logger logrus.FieldLogger) *FileSource {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FileSource{
		path:          path,
		streamKey:     streamKey,
		streamManager: sm,
		cfg:           cfg,
		log:           logger.WithFields(logrus.Fields{"component": "source", "stream_key": streamKey}),
	}
}

// Start checks the file and registers the live stream so outputs can
// subscribe before Run sends the first frame
func (s *FileSource) Start() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("source %s is a directory", s.path)
	}

	stream, err := s.streamManager.CreateStream(s.streamKey, models.SourceFile, "")
	if err != nil {
		return err
	}
	s.stream = stream
	s.log.WithField("path", s.path).Info("file source live")
	return nil
}

// Run paces the file into the stream manager until EOF (unless looping) or
// until ctx is done, then stops the stream
func (s *FileSource) Run(ctx context.Context) error {
	if s.stream == nil {
		if err := s.Start(); err != nil {
			return err
		}
	}
	defer func() {
		if err := s.streamManager.StopStream(s.streamKey); err != nil {
			s.log.WithError(err).Debug("stop stream")
		}
		s.log.WithField("frames", s.frames).Info("file source stopped")
	}()

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer f.Close()

	start := time.Now()
	for {
		err := s.playOnce(ctx, f, start)
		if err == nil {
			return nil
		}
		if !errors.Is(err, io.EOF) {
			return err
		}
		if !s.cfg.Loop {
			return nil
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("failed to rewind source: %w", err)
		}
		// each pass must open on a keyframe carrying its configuration
		s.sent = nil
	}
}

// playOnce sends one pass over the file. It returns io.EOF at the end of
// the file and nil when ctx is done.
func (s *FileSource) playOnce(ctx context.Context, r io.Reader, start time.Time) error {
	reader := newAUReader(r)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		au, err := reader.next()
		if err != nil {
			return err
		}

		sample := s.sample(au)
		if sample == nil {
			continue
		}

		if wait := time.Until(start.Add(sample.DTS)); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		if err := s.streamManager.PublishSample(sample); err != nil {
			return err
		}
		s.frames++
	}
}

// sample turns an access unit into an EncodedSample. Access units before
// the first keyframe with known parameter sets are dropped.
func (s *FileSource) sample(au accessUnit) *models.EncodedSample {
	var units [][]byte
	for _, u := range au.units {
		switch u[0] & 0x1F {
		case codec.NALUnitTypeSPS:
			s.setParameterSets(u, s.pps)
		case codec.NALUnitTypePPS:
			s.setParameterSets(s.sps, u)
		case codec.NALUnitTypeAUD:
		default:
			units = append(units, u)
		}
	}

	if s.sent == nil && (!au.keyFrame || s.record == nil) {
		s.log.Debug("skipping access unit before first keyframe")
		return nil
	}

	pts := time.Duration(s.frames) * s.interval
	sample := &models.EncodedSample{
		StreamKey:  s.streamKey,
		Kind:       models.KindVideo,
		Codec:      models.CodecH264,
		Data:       codec.JoinLengthPrefixed(units),
		PTS:        pts,
		DTS:        pts,
		IsKeyFrame: au.keyFrame,
	}
	if au.keyFrame && !bytes.Equal(s.record, s.sent) {
		sample.Config = s.record
		s.sent = s.record
	}
	return sample
}

func (s *FileSource) setParameterSets(sps, pps []byte) {
	if bytes.Equal(sps, s.sps) && bytes.Equal(pps, s.pps) {
		return
	}
	s.sps, s.pps = sps, pps
	if s.sps == nil || s.pps == nil {
		return
	}

	record, err := codec.NewAVCDecoderConfigurationRecord(s.sps, s.pps)
	if err != nil {
		s.log.WithError(err).Warn("invalid parameter sets")
		return
	}
	s.record = record.Marshal()

	info := &models.CodecInfo{Codec: models.CodecH264}
	var parsed h264.SPS
	if err := parsed.Unmarshal(s.sps); err == nil {
		info.Width = parsed.Width()
		info.Height = parsed.Height()
		info.FrameRate = parsed.FPS()
	} else {
		s.log.WithError(err).Debug("failed to parse SPS")
	}

	if s.interval == 0 {
		fps := s.cfg.FrameRate
		if fps <= 0 {
			fps = info.FrameRate
		}
		if fps <= 0 {
			fps = DefaultFrameRate
		}
		s.interval = time.Duration(float64(time.Second) / fps)
		s.log.WithField("fps", fps).Debug("pacing")
	}
	if s.cfg.FrameRate > 0 {
		info.FrameRate = s.cfg.FrameRate
	}
	if s.stream != nil {
		s.stream.SetCodec(models.KindVideo, info)
	}
}
