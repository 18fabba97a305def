package ingest

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"rapidmux/internal/metrics"
	"rapidmux/internal/streammanager"
	"rapidmux/pkg/models"
)

// DefaultBandwidthWindowSize is announced to publishers with Set Peer Bandwidth
const DefaultBandwidthWindowSize = 6 * 1024 * 1024 // 6MB

// Recorder records published streams. *segmenter.Segmenter satisfies it.
type Recorder interface {
	StartSegmenting(streamKey string) error
	StopSegmenting(streamKey string)
}

// Authorizer checks publish tokens. *auth.Manager satisfies it.
type Authorizer interface {
	Authorize(token, streamKey, publisherIP string) error
	Consume(token, streamKey, publisherIP string) error
}

// Server accepts RTMP publishers and feeds their media into the stream manager
type Server struct {
	addr          string
	streamManager *streammanager.Manager
	recorder      Recorder
	authorizer    Authorizer
	metrics       *metrics.Metrics
	log           logrus.FieldLogger
	server        *rtmp.Server
}

// New creates a new RTMP ingest server. rec and m may be nil.
func New(addr string, streamManager *streammanager.Manager, rec Recorder, m *metrics.Metrics, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		addr:          addr,
		streamManager: streamManager,
		recorder:      rec,
		metrics:       m,
		log:           logger.WithField("component", "ingest"),
	}

	s.server = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: s.onConnect,
	})

	return s
}

// RequireTokens makes every publish present a token accepted by a.
// Call it before serving.
func (s *Server) RequireTokens(a Authorizer) {
	s.authorizer = a
}

// ListenAndServe starts the RTMP server
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts publishers on an existing listener
func (s *Server) Serve(listener net.Listener) error {
	s.log.WithField("addr", listener.Addr().String()).Info("RTMP ingest listening")
	return s.server.Serve(listener)
}

// onConnect handles new RTMP connections
func (s *Server) onConnect(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
	remote := conn.RemoteAddr().String()
	s.log.WithField("remote", remote).Info("new RTMP connection")
	if s.metrics != nil {
		s.metrics.RecordRTMPConnection()
	}

	handler := &ConnHandler{
		streamManager: s.streamManager,
		recorder:      s.recorder,
		authorizer:    s.authorizer,
		metrics:       s.metrics,
		remoteAddr:    remote,
		log:           s.log.WithField("remote", remote),
	}

	return conn, &rtmp.ConnConfig{
		Handler: handler,

		ControlState: rtmp.StreamControlStateConfig{
			DefaultBandwidthWindowSize: DefaultBandwidthWindowSize,
		},

		Logger: s.log,
	}
}

// Close gracefully shuts down the RTMP server
func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// ConnHandler handles RTMP connection events
type ConnHandler struct {
	rtmp.DefaultHandler

	streamManager *streammanager.Manager
	recorder      Recorder
	authorizer    Authorizer
	metrics       *metrics.Metrics
	remoteAddr    string
	log           logrus.FieldLogger

	mu      sync.Mutex
	session *session
}

// OnConnect is called when RTMP connect command is received
func (h *ConnHandler) OnConnect(timestamp uint32, cmd *rtmpmsg.NetConnectionConnect) error {
	h.log.WithFields(logrus.Fields{
		"app":      cmd.Command.App,
		"tc_url":   cmd.Command.TCURL,
		"flashver": cmd.Command.FlashVer,
	}).Debug("connect")
	return nil
}

// OnPublish is called when a client wants to publish a stream
func (h *ConnHandler) OnPublish(ctx *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPublish) error {
	streamKey, token := parseStreamKeyAndToken(cmd.PublishingName)
	if streamKey == "" {
		return fmt.Errorf("empty stream key")
	}
	host, _, err := net.SplitHostPort(h.remoteAddr)
	if err != nil {
		host = h.remoteAddr
	}
	if h.authorizer != nil {
		if err := h.authorizer.Authorize(token, streamKey, host); err != nil {
			return h.unauthorized(streamKey, err)
		}
	} else if token != "" {
		h.log.WithField("stream_key", streamKey).Debug("ignoring publish token")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.session != nil {
		return fmt.Errorf("connection is already publishing %s", h.session.streamKey)
	}

	stream, err := h.streamManager.CreateStream(streamKey, models.SourceRTMP, h.remoteAddr)
	if err != nil {
		h.log.WithError(err).WithField("stream_key", streamKey).Warn("publish rejected")
		return err
	}
	// the token is used up only by a publish that was accepted
	if h.authorizer != nil {
		if err := h.authorizer.Consume(token, streamKey, host); err != nil {
			if stopErr := h.streamManager.StopStream(streamKey); stopErr != nil {
				h.log.WithError(stopErr).WithField("stream_key", streamKey).Warn("failed to stop stream")
			}
			return h.unauthorized(streamKey, err)
		}
	}

	h.session = newSession(streamKey, stream, h.streamManager, h.metrics, h.log)

	if h.recorder != nil {
		if err := h.recorder.StartSegmenting(streamKey); err != nil {
			h.log.WithError(err).WithField("stream_key", streamKey).Warn("failed to start recording")
		}
	}
	h.log.WithFields(logrus.Fields{
		"stream_key": streamKey,
		"type":       cmd.PublishingType,
	}).Info("publish started")
	return nil
}

func (h *ConnHandler) unauthorized(streamKey string, err error) error {
	h.log.WithError(err).WithField("stream_key", streamKey).Warn("publish unauthorized")
	if h.metrics != nil {
		h.metrics.RecordRTMPError()
	}
	return fmt.Errorf("publish %s: %w", streamKey, err)
}

// OnSetDataFrame is called when metadata is received
func (h *ConnHandler) OnSetDataFrame(timestamp uint32, data *rtmpmsg.NetStreamSetDataFrame) error {
	if p := h.current(); p != nil {
		p.setMetadata(data.Payload)
	}
	return nil
}

// OnAudio is called when audio data is received
func (h *ConnHandler) OnAudio(timestamp uint32, payload io.Reader) error {
	p := h.current()
	if p == nil {
		return nil // Ignore audio before publish
	}

	data, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	p.audio(timestamp, data)
	return nil
}

// OnVideo is called when video data is received
func (h *ConnHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	p := h.current()
	if p == nil {
		return nil // Ignore video before publish
	}

	data, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	p.video(timestamp, data)
	return nil
}

// OnClose is called when the connection is closed
func (h *ConnHandler) OnClose() {
	h.log.Info("connection closed")
	if h.metrics != nil {
		h.metrics.RecordRTMPDisconnect()
	}

	h.mu.Lock()
	p := h.session
	h.session = nil
	h.mu.Unlock()

	if p != nil {
		if err := h.streamManager.StopStream(p.streamKey); err != nil {
			h.log.WithError(err).WithField("stream_key", p.streamKey).Warn("failed to stop stream")
		}
		if h.recorder != nil {
			h.recorder.StopSegmenting(p.streamKey)
		}
	}
}

func (h *ConnHandler) current() *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// parseStreamKeyAndToken splits "streamkey?token=xxx" into its parts
func parseStreamKeyAndToken(publishingName string) (streamKey, token string) {
	streamKey, query, found := strings.Cut(publishingName, "?")
	if !found {
		return publishingName, ""
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return streamKey, ""
	}
	return streamKey, values.Get("token")
}
