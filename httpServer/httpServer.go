package httpServer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"rapidmux/internal/auth"
	"rapidmux/internal/metrics"
	"rapidmux/internal/publisher"
	"rapidmux/internal/segmenter"
	"rapidmux/internal/storage"
	"rapidmux/internal/streammanager"
	"rapidmux/pkg/models"
)

// signedURLTTL bounds redirects to segments in object storage
const signedURLTTL = 5 * time.Minute

// urlSigner is implemented by storage backends that can hand out direct links
type urlSigner interface {
	SignedURL(p string, expiration time.Duration) (string, error)
}

// Server wraps the HTTP server with dependencies
type Server struct {
	router        *gin.Engine
	httpServer    *http.Server
	streamManager *streammanager.Manager
	outputs       *publisher.Manager
	segmenter     *segmenter.Segmenter
	signer        urlSigner
	authManager   *auth.Manager
	ingestURL     string // e.g., "rtmp://localhost:1935/live"
	metrics       *metrics.Metrics
	log           logrus.FieldLogger
}

// New creates a new HTTP server. store is used only to redirect segment
// requests when the backend can sign URLs. authManager is nil when publish
// tokens are disabled; m may be nil.
func New(streamManager *streammanager.Manager, outputs *publisher.Manager, seg *segmenter.Segmenter, store storage.Storage, authManager *auth.Manager, ingestURL string, m *metrics.Metrics, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		streamManager: streamManager,
		outputs:       outputs,
		segmenter:     seg,
		authManager:   authManager,
		ingestURL:     ingestURL,
		metrics:       m,
		log:           logger.WithField("component", "http"),
	}
	if signer, ok := store.(urlSigner); ok {
		s.signer = signer
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), s.observe)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.POST("/v1/publish", s.handlePublish)
		api.GET("/v1/streams", s.handleListStreams)
		api.GET("/v1/streams/:streamKey", s.handleGetStream)
		api.POST("/v1/streams/:streamKey/stop", s.handleStopStream)
		api.POST("/v1/streams/:streamKey/outputs", s.handleStartOutput)
		api.GET("/v1/outputs", s.handleListOutputs)
		api.DELETE("/v1/outputs/:id", s.handleStopOutput)
	}

	router.GET("/live/:streamKey/:file", s.handleLive)

	s.router = router
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server and blocks until Shutdown
func (s *Server) Run(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.log.WithField("addr", listener.Addr().String()).Info("HTTP server listening")
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// observe logs and measures each request
func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()

	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), elapsed.Seconds())
	}
	s.log.WithFields(logrus.Fields{
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
		"status":  c.Writer.Status(),
		"latency": elapsed,
	}).Debug("request")
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handlePublish(c *gin.Context) {
	if s.authManager == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "publish tokens are not enabled"})
		return
	}

	var req models.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := s.authManager.GeneratePublishToken(req.StreamKey, time.Duration(req.ExpiresIn)*time.Second, c.ClientIP())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, models.PublishResponse{
		PublishURL: fmt.Sprintf("%s/%s?token=%s", s.ingestURL, req.StreamKey, token.Token),
		StreamKey:  req.StreamKey,
		Token:      token.Token,
		ExpiresAt:  token.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleListStreams(c *gin.Context) {
	streams := s.streamManager.GetLiveStreams()

	streamInfos := make([]models.StreamInfo, len(streams))
	for i, stream := range streams {
		streamInfos[i] = stream.Info()
	}

	c.JSON(http.StatusOK, models.StreamListResponse{
		Streams: streamInfos,
		Total:   len(streamInfos),
	})
}

func (s *Server) handleGetStream(c *gin.Context) {
	stream, exists := s.streamManager.GetStream(c.Param("streamKey"))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}

	c.JSON(http.StatusOK, stream.Info())
}

func (s *Server) handleStopStream(c *gin.Context) {
	streamKey := c.Param("streamKey")

	if err := s.streamManager.StopStream(streamKey); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "stream stopped",
		"streamKey": streamKey,
	})
}

func (s *Server) handleStartOutput(c *gin.Context) {
	streamKey := c.Param("streamKey")

	var req models.OutputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, exists := s.streamManager.GetStream(streamKey); !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}

	out, err := s.outputs.Start(streamKey, req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, out.Info())
}

func (s *Server) handleListOutputs(c *gin.Context) {
	outputs := s.outputs.List()
	c.JSON(http.StatusOK, models.OutputListResponse{
		Outputs: outputs,
		Total:   len(outputs),
	})
}

func (s *Server) handleStopOutput(c *gin.Context) {
	id := c.Param("id")

	out, exists := s.outputs.Get(id)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "output not found"})
		return
	}
	out.Stop()

	c.JSON(http.StatusOK, out.Info())
}

func (s *Server) handleLive(c *gin.Context) {
	streamKey := c.Param("streamKey")
	file := c.Param("file")
	ctx := c.Request.Context()

	if file == segmenter.PlaylistName {
		playlist, err := s.segmenter.GetPlaylist(ctx, streamKey)
		if err != nil {
			s.storageError(c, err, "playlist not available")
			return
		}
		s.serveFile(c, file, playlist)
		return
	}

	if path.Ext(file) != ".ts" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid segment name"})
		return
	}

	if s.signer != nil {
		url, err := s.signer.SignedURL(path.Join(streamKey, file), signedURLTTL)
		if err == nil {
			c.Redirect(http.StatusTemporaryRedirect, url)
			return
		}
		s.log.WithError(err).Warn("failed to sign segment URL, serving directly")
	}

	segment, err := s.segmenter.GetSegment(ctx, streamKey, file)
	if err != nil {
		s.storageError(c, err, "segment not found")
		return
	}
	s.serveFile(c, file, segment)
}

// Helper functions

func (s *Server) serveFile(c *gin.Context, name string, data []byte) {
	c.Header("Cache-Control", storage.CacheControl(name))
	c.Header("Access-Control-Allow-Origin", "*")
	c.Data(http.StatusOK, storage.ContentType(name), data)
}

func (s *Server) storageError(c *gin.Context, err error, msg string) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": msg})
		return
	}
	s.log.WithError(err).Warn("storage read failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
