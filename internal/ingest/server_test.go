package ingest

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"rapidmux/internal/auth"
	"rapidmux/internal/metrics"
	rtmpclient "rapidmux/internal/rtmp"
	"rapidmux/internal/streammanager"
	"rapidmux/pkg/models"
)

func TestParseStreamKeyAndToken(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		token string
	}{
		{name: "cam1", key: "cam1"},
		{name: "cam1?token=abc", key: "cam1", token: "abc"},
		{name: "cam1?foo=1&token=abc", key: "cam1", token: "abc"},
		{name: "cam1?", key: "cam1"},
		{name: "", key: ""},
	}
	for _, tt := range tests {
		key, token := parseStreamKeyAndToken(tt.name)
		assert.Equal(t, tt.key, key, tt.name)
		assert.Equal(t, tt.token, token, tt.name)
	}
}

// sinkEncoder hands the muxer sink to the test once the stream is publishing
type sinkEncoder struct {
	sinks chan rtmpclient.SampleSink
	video *models.CodecInfo
	audio *models.CodecInfo
}

func (e *sinkEncoder) StartRunning() {}

func (e *sinkEncoder) StartEncoding(sink rtmpclient.SampleSink) { e.sinks <- sink }

func (e *sinkEncoder) StopEncoding() {}

func (e *sinkEncoder) Metadata() (*models.CodecInfo, *models.CodecInfo) { return e.video, e.audio }

type fakeRecorder struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (r *fakeRecorder) StartSegmenting(streamKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, streamKey)
	return nil
}

func (r *fakeRecorder) StopSegmenting(streamKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, streamKey)
}

func (r *fakeRecorder) calls() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...), append([]string(nil), r.stopped...)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestIngestFromRTMPClient(t *testing.T) {
	logger := quietLogger()
	sm := streammanager.New(logger, nil)
	rec := &fakeRecorder{}
	srv := New("127.0.0.1:0", sm, rec, metrics.New(prometheus.NewRegistry()), logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	defer srv.Close()

	conn := rtmpclient.NewConnection(rtmpclient.Config{FlashVer: "LNX 9,0,124,2", Logger: logger})
	defer conn.Close()

	enc := &sinkEncoder{
		sinks: make(chan rtmpclient.SampleSink, 1),
		video: &models.CodecInfo{Codec: models.CodecH264, Width: 1280, Height: 720, FrameRate: 30},
		audio: &models.CodecInfo{Codec: models.CodecAAC, SampleRate: 44100, Channels: 2},
	}
	stream := rtmpclient.NewStream(conn, enc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Connect(ctx, "rtmp://"+ln.Addr().String()+"/live"))
	stream.Publish("cam1?token=secret")

	var sink rtmpclient.SampleSink
	select {
	case sink = <-enc.sinks:
	case <-ctx.Done():
		t.Fatal("stream never reached publishing")
	}
	assert.Equal(t, rtmpclient.StatePublishing, stream.ReadyState())

	src, ok := sm.GetStream("cam1")
	require.True(t, ok)
	assert.Equal(t, models.SourceRTMP, src.Source)

	samples, cleanup, err := sm.Subscribe("cam1", 16)
	require.NoError(t, err)
	defer cleanup()

	asc := []byte{0x12, 0x10}
	avcC := []byte{0x01, 0x42, 0x00, 0x28, 0xFF, 0xE0, 0x00}
	key := []byte{0, 0, 0, 2, 0x65, 0x88}
	inter := []byte{0, 0, 0, 2, 0x41, 0x9A}

	require.NoError(t, sink.WriteSample(&models.EncodedSample{
		Kind: models.KindAudio, Codec: models.CodecAAC, Data: []byte{0x21, 0x00}, Config: asc,
	}))
	require.NoError(t, sink.WriteSample(&models.EncodedSample{
		Kind: models.KindVideo, Codec: models.CodecH264, Data: key, IsKeyFrame: true, Config: avcC,
		PTS: 66 * time.Millisecond,
	}))
	require.NoError(t, sink.WriteSample(&models.EncodedSample{
		Kind: models.KindVideo, Codec: models.CodecH264, Data: inter,
		PTS: 33 * time.Millisecond, DTS: 33 * time.Millisecond,
	}))

	next := func() *models.EncodedSample {
		select {
		case s := <-samples:
			require.NotNil(t, s)
			return s
		case <-ctx.Done():
			t.Fatal("no sample reached the subscriber")
			return nil
		}
	}

	audio := next()
	assert.Equal(t, models.KindAudio, audio.Kind)
	assert.Equal(t, asc, audio.Config)
	assert.Equal(t, []byte{0x21, 0x00}, audio.Data)

	video := next()
	assert.Equal(t, models.KindVideo, video.Kind)
	assert.True(t, video.IsKeyFrame)
	assert.Equal(t, avcC, video.Config)
	assert.Equal(t, key, video.Data)
	assert.Equal(t, time.Duration(0), video.DTS)
	assert.Equal(t, 66*time.Millisecond, video.PTS)

	video = next()
	assert.False(t, video.IsKeyFrame)
	assert.Nil(t, video.Config)
	assert.Equal(t, inter, video.Data)
	assert.Equal(t, 33*time.Millisecond, video.DTS)

	_, audioInfo := src.Codecs()
	require.NotNil(t, audioInfo)
	assert.Equal(t, 44100, audioInfo.SampleRate)
	assert.Equal(t, 2, audioInfo.Channels)

	require.Eventually(t, func() bool {
		return src.GetMetadata()["width"] == float64(1280)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return src.GetState() == models.StreamStateStopped
	}, 2*time.Second, 10*time.Millisecond)
	_, open := <-samples
	assert.False(t, open)

	require.Eventually(t, func() bool {
		_, stopped := rec.calls()
		return len(stopped) == 1
	}, 2*time.Second, 10*time.Millisecond)
	started, stopped := rec.calls()
	assert.Equal(t, []string{"cam1"}, started)
	assert.Equal(t, []string{"cam1"}, stopped)
}

func TestIngestRequiresToken(t *testing.T) {
	logger := quietLogger()
	sm := streammanager.New(logger, nil)
	tokens := auth.New(0, 0, logger)
	srv := New("", sm, nil, nil, logger)
	srv.RequireTokens(tokens)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	defer srv.Close()

	publish := func(name string) (*sinkEncoder, *rtmpclient.Connection) {
		conn := rtmpclient.NewConnection(rtmpclient.Config{FlashVer: "LNX 9,0,124,2", Logger: logger})
		enc := &sinkEncoder{sinks: make(chan rtmpclient.SampleSink, 1)}
		stream := rtmpclient.NewStream(conn, enc)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, conn.Connect(ctx, "rtmp://"+ln.Addr().String()+"/live"))
		stream.Publish(name)
		return enc, conn
	}

	_, rejected := publish("cam1?token=forged")
	defer rejected.Close()
	time.Sleep(300 * time.Millisecond)
	_, ok := sm.GetStream("cam1")
	assert.False(t, ok)

	token, err := tokens.GeneratePublishToken("cam1", time.Minute, "127.0.0.1")
	require.NoError(t, err)

	enc, accepted := publish("cam1?token=" + token.Token)
	defer accepted.Close()
	select {
	case <-enc.sinks:
	case <-time.After(5 * time.Second):
		t.Fatal("publish with a valid token was not accepted")
	}
	stream, ok := sm.GetStream("cam1")
	require.True(t, ok)
	assert.Equal(t, models.StreamStateLive, stream.GetState())

	// tokens are single use
	assert.ErrorIs(t, tokens.Authorize(token.Token, "cam1", ""), auth.ErrTokenExpired)
}

func TestRejectedPublishKeepsToken(t *testing.T) {
	logger := quietLogger()
	sm := streammanager.New(logger, nil)
	tokens := auth.New(0, 0, logger)

	token, err := tokens.GeneratePublishToken("cam1", time.Minute, "")
	require.NoError(t, err)
	name := "cam1?token=" + token.Token

	_, err = sm.CreateStream("cam1", models.SourceFile, "")
	require.NoError(t, err)

	newHandler := func() *ConnHandler {
		return &ConnHandler{
			streamManager: sm,
			authorizer:    tokens,
			remoteAddr:    "127.0.0.1:50000",
			log:           logger,
		}
	}

	busy := newHandler()
	err = busy.OnPublish(nil, 0, &rtmpmsg.NetStreamPublish{PublishingName: name, PublishingType: "live"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already live")
	require.NoError(t, tokens.Authorize(token.Token, "cam1", ""))

	require.NoError(t, sm.StopStream("cam1"))

	retry := newHandler()
	require.NoError(t, retry.OnPublish(nil, 0, &rtmpmsg.NetStreamPublish{PublishingName: name, PublishingType: "live"}))
	stream, ok := sm.GetStream("cam1")
	require.True(t, ok)
	assert.Equal(t, models.SourceRTMP, stream.Source)
	assert.Equal(t, models.StreamStateLive, stream.GetState())
	assert.ErrorIs(t, tokens.Authorize(token.Token, "cam1", ""), auth.ErrTokenExpired)

	// a second connection cannot reuse the consumed token
	require.NoError(t, sm.StopStream("cam1"))
	again := newHandler()
	err = again.OnPublish(nil, 0, &rtmpmsg.NetStreamPublish{PublishingName: name, PublishingType: "live"})
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
}
