package ingest

import (
	"bytes"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-amf0"

	"rapidmux/internal/codec"
	"rapidmux/internal/flv"
	"rapidmux/internal/metrics"
	"rapidmux/internal/streammanager"
	"rapidmux/pkg/models"
)

// session turns the FLV tags of one publish into encoded samples.
// go-rtmp invokes the handler from the connection goroutine only.
type session struct {
	streamKey     string
	stream        *models.Stream
	streamManager *streammanager.Manager
	metrics       *metrics.Metrics
	log           logrus.FieldLogger

	videoCodec   string
	videoConfig  []byte
	audioConfig  []byte
	videoPending bool // attach videoConfig to the next frame
	audioPending bool
}

func newSession(streamKey string, stream *models.Stream, sm *streammanager.Manager, m *metrics.Metrics, logger logrus.FieldLogger) *session {
	return &session{
		streamKey:     streamKey,
		stream:        stream,
		streamManager: sm,
		metrics:       m,
		log:           logger.WithField("stream_key", streamKey),
	}
}

func (s *session) video(timestamp uint32, data []byte) {
	s.received(len(data))

	packet, err := flv.ParseVideoPacket(data)
	if err != nil {
		s.malformed("video", err)
		return
	}

	if packet.IsSequenceHeader {
		s.videoCodec = packet.Codec
		s.videoConfig = append([]byte(nil), packet.Data...)
		s.videoPending = true
		s.stream.SetCodec(models.KindVideo, videoCodecInfo(packet.Codec, s.videoConfig))
		s.log.WithFields(logrus.Fields{"codec": packet.Codec, "size": len(s.videoConfig)}).Debug("video sequence header")
		return
	}
	if s.videoConfig == nil {
		s.log.Debug("dropping video frame before sequence header")
		return
	}
	if len(packet.Data) == 0 {
		return
	}

	dts := time.Duration(timestamp) * time.Millisecond
	sample := &models.EncodedSample{
		StreamKey:  s.streamKey,
		Kind:       models.KindVideo,
		Codec:      s.videoCodec,
		Data:       append([]byte(nil), packet.Data...),
		DTS:        dts,
		PTS:        dts + time.Duration(packet.CompositionTime)*time.Millisecond,
		IsKeyFrame: packet.IsKeyFrame,
	}
	if s.videoPending {
		sample.Config = s.videoConfig
		s.videoPending = false
	}
	s.publish(sample)
}

func (s *session) audio(timestamp uint32, data []byte) {
	s.received(len(data))

	packet, err := flv.ParseAudioPacket(data)
	if err != nil {
		s.malformed("audio", err)
		return
	}

	if packet.IsSequenceHeader {
		config, err := codec.ParseAudioSpecificConfig(packet.Data)
		if err != nil {
			s.malformed("audio", err)
			return
		}
		s.audioConfig = append([]byte(nil), packet.Data...)
		s.audioPending = true
		s.stream.SetCodec(models.KindAudio, &models.CodecInfo{
			Codec:      models.CodecAAC,
			SampleRate: config.SampleRate,
			Channels:   config.ChannelCount,
		})
		return
	}
	if s.audioConfig == nil || len(packet.Data) == 0 {
		return
	}

	ts := time.Duration(timestamp) * time.Millisecond
	sample := &models.EncodedSample{
		StreamKey: s.streamKey,
		Kind:      models.KindAudio,
		Codec:     models.CodecAAC,
		Data:      append([]byte(nil), packet.Data...),
		PTS:       ts,
		DTS:       ts,
	}
	if s.audioPending {
		sample.Config = s.audioConfig
		s.audioPending = false
	}
	s.publish(sample)
}

// setMetadata stores the onMetaData values that follow @setDataFrame
func (s *session) setMetadata(payload []byte) {
	r := bytes.NewReader(payload)
	dec := amf0.NewDecoder(r)
	for r.Len() > 0 {
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			s.malformed("metadata", err)
			return
		}
		switch md := v.(type) {
		case amf0.ECMAArray:
			s.stream.SetMetadata(map[string]interface{}(md))
			return
		case map[string]interface{}:
			s.stream.SetMetadata(md)
			return
		}
	}
}

func (s *session) publish(sample *models.EncodedSample) {
	if err := s.streamManager.PublishSample(sample); err != nil {
		s.log.WithError(err).Warn("failed to publish sample")
	}
}

func (s *session) received(n int) {
	if s.metrics != nil {
		s.metrics.RecordRTMPBytes(n)
	}
}

func (s *session) malformed(kind string, err error) {
	s.log.WithError(err).WithField("kind", kind).Warn("dropping malformed tag")
	if s.metrics != nil {
		s.metrics.RecordRTMPError()
	}
}

// videoCodecInfo describes the stream from its configuration record.
// Dimensions are only read from H.264 parameter sets.
func videoCodecInfo(codecName string, record []byte) *models.CodecInfo {
	info := &models.CodecInfo{Codec: codecName}
	if codecName != models.CodecH264 {
		return info
	}

	avcC, err := codec.ParseAVCDecoderConfigurationRecord(record)
	if err != nil || len(avcC.SequenceParameterSets) == 0 {
		return info
	}
	var sps h264.SPS
	if err := sps.Unmarshal(avcC.SequenceParameterSets[0]); err != nil {
		return info
	}
	info.Width = sps.Width()
	info.Height = sps.Height()
	info.FrameRate = sps.FPS()
	return info
}
