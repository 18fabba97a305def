package rtmp

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-amf0"

	"rapidmux/internal/flv"
	"rapidmux/pkg/models"
)

// ReadyState is the lifecycle state of a Stream
type ReadyState int32

const (
	StateInitialized ReadyState = iota
	StateOpen
	StatePlay
	StatePlaying
	StatePublish
	StatePublishing
)

func (s ReadyState) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateOpen:
		return "open"
	case StatePlay:
		return "play"
	case StatePlaying:
		return "playing"
	case StatePublish:
		return "publish"
	case StatePublishing:
		return "publishing"
	default:
		return "unknown"
	}
}

// Encoder produces samples for a publishing stream
type Encoder interface {
	// StartRunning prepares the pipeline when a publish begins
	StartRunning()
	// StartEncoding starts delivering samples to sink
	StartEncoding(sink SampleSink)
	// StopEncoding stops delivery
	StopEncoding()
	// Metadata describes the encoded tracks; either may be nil
	Metadata() (video, audio *models.CodecInfo)
}

// queuedCommand is a command waiting for the stream to be created on the server
type queuedCommand struct {
	name string
	args []interface{}
}

// Stream is a NetStream on a Connection. Its state is owned by the
// connection's executor; methods may be called from any goroutine.
type Stream struct {
	conn    *Connection
	encoder Encoder
	muxer   *Muxer
	log     logrus.FieldLogger

	state atomic.Int32

	mu       sync.Mutex
	handlers []StatusHandler

	// executor state
	id             uint32
	info           StreamInfo
	messages       []queuedCommand
	startedAt      time.Time
	audioWasSent   bool
	audioTimestamp float64
	videoWasSent   bool
	videoTimestamp float64
	dataTimestamps map[string]time.Time
}

// NewStream attaches a stream to conn. If conn is already connected the
// stream is created on the server right away.
func NewStream(conn *Connection, encoder Encoder) *Stream {
	s := &Stream{
		conn:           conn,
		encoder:        encoder,
		muxer:          NewMuxer(conn.cfg.Logger),
		log:            conn.log.WithField("component", "rtmp_stream"),
		dataTimestamps: make(map[string]time.Time),
	}
	conn.sync(func() { conn.register(s) })
	return s
}

// ReadyState returns the current state
func (s *Stream) ReadyState() ReadyState {
	return ReadyState(s.state.Load())
}

// Info returns a snapshot of the stream counters
func (s *Stream) Info() StreamInfo {
	var info StreamInfo
	if !s.conn.sync(func() { info = s.info }) {
		return StreamInfo{}
	}
	return info
}

// AddStatusHandler registers h for NetStream status events
func (s *Stream) AddStatusHandler(h StatusHandler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

func (s *Stream) dispatch(st Status) {
	s.mu.Lock()
	handlers := append([]StatusHandler(nil), s.handlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		h.OnStatus(st)
	}
}

// Publish starts publishing under name. An empty name closes a stream that
// is publishing.
func (s *Stream) Publish(name string) {
	s.conn.async(func() { s.publish(name) })
}

// Close stops publishing and deletes the stream on the server
func (s *Stream) Close() {
	s.conn.async(s.close)
}

// Send sends a data message to the server while publishing
func (s *Stream) Send(handler string, args ...interface{}) {
	s.conn.async(func() { s.send(handler, args...) })
}

// OnTimeout rolls the throughput counters
func (s *Stream) OnTimeout() {
	s.conn.async(s.onTimeout)
}

// OutputAudio implements MuxerDelegate
func (s *Stream) OutputAudio(buf []byte, timestamp float64) {
	s.conn.async(func() { s.outputAudio(buf, timestamp) })
}

// OutputVideo implements MuxerDelegate
func (s *Stream) OutputVideo(buf []byte, timestamp float64) {
	s.conn.async(func() { s.outputVideo(buf, timestamp) })
}

func (s *Stream) onTimeout() {
	s.info.onTimeout()
}

func (s *Stream) publish(name string) {
	state := s.ReadyState()
	if name == "" {
		if state == StatePublish || state == StatePublishing {
			s.close()
		}
		return
	}
	if s.info.ResourceName == name && state == StatePublishing {
		return
	}
	s.info.ResourceName = name

	cmd := queuedCommand{name: "publish", args: []interface{}{name, "live"}}
	if state == StateInitialized {
		s.messages = append(s.messages, cmd)
		return
	}
	s.setReadyState(StatePublish)
	s.sendCommand(cmd, 0)
}

func (s *Stream) close() {
	if s.ReadyState() <= StateOpen {
		return
	}
	s.setReadyState(StateOpen)

	payload, err := encodeCommand("closeStream", 0, nil, s.id)
	if err != nil {
		s.log.WithError(err).Warn("failed to encode closeStream")
		return
	}
	s.conn.output(ChunkType0, ChunkStreamCommand, &Message{
		TypeID:  MessageTypeCommandAMF0,
		Payload: payload,
	})
}

func (s *Stream) sendCommand(cmd queuedCommand, transactionID int) {
	payload, err := encodeCommand(cmd.name, transactionID, nil, cmd.args...)
	if err != nil {
		s.log.WithError(err).WithField("command", cmd.name).Warn("failed to encode command")
		return
	}
	s.conn.output(ChunkType0, ChunkStreamCommand, &Message{
		StreamID: s.id,
		TypeID:   MessageTypeCommandAMF0,
		Payload:  payload,
	})
}

func (s *Stream) send(handler string, args ...interface{}) {
	if s.ReadyState() != StatePublishing {
		return
	}

	now := time.Now()
	chunkType := ChunkType0
	timestamp := uint32(now.Sub(s.startedAt).Milliseconds())
	if last, ok := s.dataTimestamps[handler]; ok {
		chunkType = ChunkType1
		timestamp = uint32(now.Sub(last).Milliseconds())
	}

	payload, err := encodeData(handler, args...)
	if err != nil {
		s.log.WithError(err).WithField("handler", handler).Warn("failed to encode data message")
		return
	}
	n := s.conn.output(chunkType, ChunkStreamData, &Message{
		StreamID:  s.id,
		Timestamp: timestamp,
		TypeID:    MessageTypeDataAMF0,
		Payload:   payload,
	})
	s.dataTimestamps[handler] = now
	s.info.ByteCount += int64(n)
}

func (s *Stream) outputAudio(buf []byte, delta float64) {
	if s.ReadyState() != StatePublishing {
		return
	}
	chunkType := ChunkType0
	if s.audioWasSent {
		chunkType = ChunkType1
	}
	s.audioTimestamp = advance(s.audioTimestamp, delta)
	n := s.conn.output(chunkType, ChunkStreamAudio, &Message{
		StreamID:  s.id,
		Timestamp: uint32(s.audioTimestamp),
		TypeID:    MessageTypeAudio,
		Payload:   buf,
	})
	s.audioWasSent = true
	s.info.ByteCount += int64(n)
}

func (s *Stream) outputVideo(buf []byte, delta float64) {
	if s.ReadyState() != StatePublishing {
		return
	}
	chunkType := ChunkType0
	if s.videoWasSent {
		chunkType = ChunkType1
	}
	s.videoTimestamp = advance(s.videoTimestamp, delta)
	n := s.conn.output(chunkType, ChunkStreamVideo, &Message{
		StreamID:  s.id,
		Timestamp: uint32(s.videoTimestamp),
		TypeID:    MessageTypeVideo,
		Payload:   buf,
	})
	if !s.videoWasSent {
		s.log.WithField("stream_id", s.id).Debug("first video frame sent")
	}
	s.videoWasSent = true
	s.info.ByteCount += int64(n)
}

// advance replaces the running delta with the next one while keeping the
// fractional millisecond left over from truncation
func advance(running, delta float64) float64 {
	return delta + (running - math.Floor(running))
}

func (s *Stream) setReadyState(state ReadyState) {
	old := s.ReadyState()
	if old == state {
		return
	}
	s.log.WithFields(logrus.Fields{"from": old, "to": state, "stream_id": s.id}).Debug("ready state")

	if old == StatePublishing {
		s.fcUnpublish()
		s.encoder.StopEncoding()
	}
	s.state.Store(int32(state))

	switch state {
	case StateOpen:
		s.info.clear()
		for _, cmd := range s.messages {
			transactionID := s.conn.nextTransactionID()
			if cmd.name == "publish" {
				s.setReadyState(StatePublish)
			}
			s.sendCommand(cmd, transactionID)
		}
		s.messages = nil
	case StatePublish:
		s.startedAt = time.Now()
		s.muxer.Dispose()
		s.muxer.SetDelegate(s)
		s.encoder.StartRunning()
		s.videoWasSent = false
		s.audioWasSent = false
		s.videoTimestamp = 0
		s.audioTimestamp = 0
		s.dataTimestamps = make(map[string]time.Time)
		s.fcPublish()
	case StatePublishing:
		s.send("@setDataFrame", "onMetaData", s.metadata())
		s.encoder.StartEncoding(s.muxer)
	}
}

func (s *Stream) onConnectionStatus(st Status) {
	if st.Code == CodeConnectSuccess {
		s.setReadyState(StateInitialized)
		s.conn.createStream(s)
	}
}

func (s *Stream) onStatus(st Status) {
	switch {
	case st.Code == CodeStreamPublishStart:
		s.setReadyState(StatePublishing)
	case st.IsError() && s.ReadyState() > StateOpen:
		s.setReadyState(StateOpen)
	}
	s.dispatch(st)
}

func (s *Stream) fcPublish() {
	if s.info.ResourceName == "" || !strings.Contains(s.conn.cfg.FlashVer, "FMLE/") {
		return
	}
	s.conn.call("FCPublish", s.conn.nextTransactionID(), nil, nil, s.info.ResourceName)
}

func (s *Stream) fcUnpublish() {
	if s.info.ResourceName == "" || !strings.Contains(s.conn.cfg.FlashVer, "FMLE/") {
		return
	}
	s.conn.call("FCUnpublish", s.conn.nextTransactionID(), nil, nil, s.info.ResourceName)
}

// metadata builds the onMetaData array from the encoder's track descriptions
func (s *Stream) metadata() amf0.ECMAArray {
	meta := amf0.ECMAArray{}
	video, audio := s.encoder.Metadata()
	if video != nil {
		meta["width"] = video.Width
		meta["height"] = video.Height
		meta["framerate"] = video.FrameRate
		if video.Codec == models.CodecH265 {
			meta["videocodecid"] = flv.FourCCValue(flv.FourCCHEVC)
		} else {
			meta["videocodecid"] = flv.VideoCodecAVC
		}
		meta["videodatarate"] = video.Bitrate / 1000
	}
	if audio != nil {
		meta["audiocodecid"] = flv.AudioCodecAAC
		meta["audiodatarate"] = audio.Bitrate / 1000
		if audio.SampleRate > 0 {
			meta["audiosamplerate"] = audio.SampleRate
		}
	}
	return meta
}
