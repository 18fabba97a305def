package mpegts

import (
	"fmt"
	"io"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/sirupsen/logrus"

	"rapidmux/internal/codec"
	"rapidmux/pkg/models"
)

// pcrInterval is the minimum spacing of PCR-bearing packets
const pcrInterval = 20 * time.Millisecond

// WriterConfig selects the elementary streams of the program
type WriterConfig struct {
	VideoCodec string // models.CodecH264, models.CodecH265 or "" for no video
	Audio      bool   // AAC audio present
	Logger     logrus.FieldLogger
}

// Writer turns encoded samples into a transport stream. It is not safe for
// concurrent use.
type Writer struct {
	w      io.Writer
	cfg    WriterConfig
	logger logrus.FieldLogger

	pcrPID  uint16
	streams []ElementaryStream
	cc      map[uint16]uint8

	base    time.Duration
	baseSet bool
	lastPCR time.Duration
	pcrSent bool
	tables  bool
	written uint64

	avcConfig   *codec.AVCDecoderConfigurationRecord
	hevcConfig  *codec.HEVCDecoderConfigurationRecord
	audioConfig *mpeg4audio.AudioSpecificConfig
}

// NewWriter creates a writer for the program described by cfg
func NewWriter(w io.Writer, cfg WriterConfig) *Writer {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	tw := &Writer{
		w:      w,
		cfg:    cfg,
		logger: logger.WithField("component", "mpegts"),
		cc:     make(map[uint16]uint8),
	}
	switch cfg.VideoCodec {
	case models.CodecH264:
		tw.streams = append(tw.streams, ElementaryStream{StreamType: StreamTypeH264, PID: PIDVideo})
	case models.CodecH265:
		tw.streams = append(tw.streams, ElementaryStream{StreamType: StreamTypeH265, PID: PIDVideo})
	}
	if cfg.Audio {
		tw.streams = append(tw.streams, ElementaryStream{StreamType: StreamTypeADTSAAC, PID: PIDAudio})
	}
	tw.pcrPID = PIDAudio
	if cfg.VideoCodec != "" {
		tw.pcrPID = PIDVideo
	}
	return tw
}

// SetOutput redirects subsequent packets to w. Continuity counters and the
// time base are kept; tables are written again before the next sample.
func (tw *Writer) SetOutput(w io.Writer) {
	tw.w = w
	tw.tables = false
}

// BytesWritten returns the number of bytes written so far
func (tw *Writer) BytesWritten() uint64 {
	return tw.written
}

// WriteSample muxes one access unit. Samples must arrive in decode order.
func (tw *Writer) WriteSample(s *models.EncodedSample) error {
	if err := tw.updateConfig(s); err != nil {
		return err
	}
	if !tw.baseSet {
		tw.base = s.DTS
		tw.baseSet = true
	}

	pes, err := tw.buildPES(s)
	if err != nil {
		return err
	}

	var packets []*Packet
	if !tw.tables || (s.IsVideo() && s.IsKeyFrame) {
		packets = append(packets, tw.tablePackets()...)
		tw.tables = true
	}

	var pcr *ClockReference
	pid := PIDAudio
	if s.IsVideo() {
		pid = PIDVideo
	}
	if pid == tw.pcrPID && (!tw.pcrSent || s.DTS-tw.lastPCR >= pcrInterval) {
		cr := NewClockReference(s.DTS, tw.base)
		pcr = &cr
		tw.lastPCR = s.DTS
		tw.pcrSent = true
	}

	es := pes.Packets(pid, pcr)
	if s.IsVideo() && s.IsKeyFrame && es[0].AdaptationField != nil {
		es[0].AdaptationField.RandomAccess = true
	}
	packets = append(packets, es...)

	buf := make([]byte, 0, len(packets)*PacketSize)
	for _, p := range packets {
		p.ContinuityCounter = tw.cc[p.PID]
		tw.cc[p.PID] = (tw.cc[p.PID] + 1) & 0x0F
		buf = append(buf, p.Marshal()...)
	}
	n, err := tw.w.Write(buf)
	tw.written += uint64(n)
	if err != nil {
		return fmt.Errorf("write ts packets: %w", err)
	}
	return nil
}

func (tw *Writer) tablePackets() []*Packet {
	return []*Packet{
		psiPacket(PIDPAT, PAT(PIDPMT)),
		psiPacket(PIDPMT, PMT(tw.pcrPID, tw.streams)),
	}
}

func (tw *Writer) updateConfig(s *models.EncodedSample) error {
	if len(s.Config) == 0 {
		return nil
	}
	switch s.Codec {
	case models.CodecH264:
		rec, err := codec.ParseAVCDecoderConfigurationRecord(s.Config)
		if err != nil {
			return fmt.Errorf("avc config: %w", err)
		}
		tw.avcConfig = rec
	case models.CodecH265:
		rec, err := codec.ParseHEVCDecoderConfigurationRecord(s.Config)
		if err != nil {
			return fmt.Errorf("hevc config: %w", err)
		}
		tw.hevcConfig = rec
	case models.CodecAAC:
		asc, err := codec.ParseAudioSpecificConfig(s.Config)
		if err != nil {
			return fmt.Errorf("aac config: %w", err)
		}
		tw.audioConfig = asc
	default:
		return fmt.Errorf("unsupported codec %q", s.Codec)
	}
	tw.logger.WithField("codec", s.Codec).Debug("Codec configuration updated")
	return nil
}

func (tw *Writer) buildPES(s *models.EncodedSample) (*PES, error) {
	switch s.Codec {
	case models.CodecH264:
		var cfg *codec.AVCDecoderConfigurationRecord
		if s.IsKeyFrame {
			cfg = tw.avcConfig
		}
		return NewAVCPES(s.Data, s.PTS, s.DTS, tw.base, cfg, StreamIDVideo), nil
	case models.CodecH265:
		var cfg *codec.HEVCDecoderConfigurationRecord
		if s.IsKeyFrame {
			cfg = tw.hevcConfig
		}
		return NewHEVCPES(s.Data, s.PTS, s.DTS, tw.base, cfg, StreamIDVideo), nil
	case models.CodecAAC:
		if tw.audioConfig == nil {
			return nil, fmt.Errorf("aac sample before audio specific config")
		}
		return NewAudioPES(s.Data, s.PTS, tw.base, tw.audioConfig, StreamIDAudio)
	default:
		return nil, fmt.Errorf("unsupported codec %q", s.Codec)
	}
}
