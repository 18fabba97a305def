package streammanager

import (
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rapidmux/internal/metrics"
	"rapidmux/pkg/models"
)

func newTestManager() *Manager {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logger, metrics.New(prometheus.NewRegistry()))
}

func video(key bool, pts time.Duration, config []byte) *models.EncodedSample {
	return &models.EncodedSample{
		StreamKey:  "cam1",
		Kind:       models.KindVideo,
		Codec:      models.CodecH264,
		Data:       []byte{0, 0, 0, 1, 0x65},
		PTS:        pts,
		DTS:        pts,
		IsKeyFrame: key,
		Config:     config,
	}
}

func audio(pts time.Duration, config []byte) *models.EncodedSample {
	return &models.EncodedSample{
		StreamKey: "cam1",
		Kind:      models.KindAudio,
		Codec:     models.CodecAAC,
		Data:      []byte{0x21},
		PTS:       pts,
		DTS:       pts,
		Config:    config,
	}
}

func drain(ch <-chan *models.EncodedSample) []*models.EncodedSample {
	var out []*models.EncodedSample
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, s)
		default:
			return out
		}
	}
}

func TestCreateStreamRejectsLiveKey(t *testing.T) {
	m := newTestManager()

	stream, err := m.CreateStream("cam1", models.SourceRTMP, "10.0.0.1:5000")
	require.NoError(t, err)
	assert.Equal(t, models.StreamStateLive, stream.GetState())
	assert.False(t, stream.StartedAt.IsZero())

	_, err = m.CreateStream("cam1", models.SourceRTMP, "10.0.0.2:5000")
	assert.Error(t, err)

	require.NoError(t, m.StopStream("cam1"))
	require.NoError(t, m.StopStream("cam1"), "stopping twice is fine")
	_, err = m.CreateStream("cam1", models.SourceFile, "")
	assert.NoError(t, err)

	assert.Error(t, m.StopStream("missing"))
	assert.Equal(t, 1, m.GetStreamCount())
	assert.Equal(t, 1, m.GetLiveStreamCount())
}

func TestLateSubscriberStartsAtKeyframeWithConfig(t *testing.T) {
	m := newTestManager()
	_, err := m.CreateStream("cam1", models.SourceRTMP, "")
	require.NoError(t, err)

	avcC := []byte{0x01, 0x64}
	asc := []byte{0x12, 0x10}
	require.NoError(t, m.PublishSample(video(true, 0, avcC)))
	require.NoError(t, m.PublishSample(audio(0, asc)))

	ch, cleanup, err := m.Subscribe("cam1", 16)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, m.PublishSample(video(false, 33*time.Millisecond, nil)))
	require.NoError(t, m.PublishSample(audio(21*time.Millisecond, nil)))
	require.NoError(t, m.PublishSample(video(true, 66*time.Millisecond, nil)))
	require.NoError(t, m.PublishSample(video(false, 99*time.Millisecond, nil)))

	got := drain(ch)
	require.Len(t, got, 3)

	assert.Equal(t, models.KindAudio, got[0].Kind)
	assert.Equal(t, asc, got[0].Config)

	assert.True(t, got[1].IsKeyFrame)
	assert.Equal(t, avcC, got[1].Config)
	assert.Equal(t, 66*time.Millisecond, got[1].PTS)

	assert.Nil(t, got[2].Config)
}

func TestFullSubscriberDropsSamples(t *testing.T) {
	m := newTestManager()
	stream, err := m.CreateStream("cam1", models.SourceRTMP, "")
	require.NoError(t, err)

	ch, cleanup, err := m.Subscribe("cam1", 1)
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, 1, stream.Info().Subscribers)

	require.NoError(t, m.PublishSample(video(true, 0, []byte{1})))
	require.NoError(t, m.PublishSample(video(false, time.Millisecond, nil)))

	assert.Len(t, drain(ch), 1)
	info := stream.Info()
	assert.Equal(t, uint64(1), info.Dropped)
	assert.Equal(t, uint64(2), info.Samples)
}

func TestStopClosesSubscriptions(t *testing.T) {
	m := newTestManager()
	_, err := m.CreateStream("cam1", models.SourceRTMP, "")
	require.NoError(t, err)

	ch, cleanup, err := m.Subscribe("cam1", 4)
	require.NoError(t, err)

	require.NoError(t, m.StopStream("cam1"))
	_, open := <-ch
	assert.False(t, open)

	// cleanup after stop must not close twice
	assert.NotPanics(t, cleanup)

	assert.Error(t, m.PublishSample(video(true, 0, nil)))
	_, _, err = m.Subscribe("cam1", 4)
	assert.Error(t, err)
	_, _, err = m.Subscribe("missing", 4)
	assert.Error(t, err)
}

func TestUnsubscribe(t *testing.T) {
	m := newTestManager()
	stream, err := m.CreateStream("cam1", models.SourceRTMP, "")
	require.NoError(t, err)

	ch, cleanup, err := m.Subscribe("cam1", 4)
	require.NoError(t, err)
	cleanup()
	cleanup()

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, stream.Info().Subscribers)
	require.NoError(t, m.PublishSample(video(true, 0, []byte{1})))
}
