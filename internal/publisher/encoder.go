package publisher

import (
	"sync"

	"github.com/sirupsen/logrus"

	"rapidmux/internal/rtmp"
	"rapidmux/internal/streammanager"
	"rapidmux/pkg/models"
)

// subscriptionEncoder plays the encoder role for an RTMP stream: while the
// stream is publishing it forwards a stream manager subscription into the
// muxer.
type subscriptionEncoder struct {
	streamKey     string
	streamManager *streammanager.Manager
	bufferSize    int
	log           logrus.FieldLogger

	mu     sync.Mutex
	sub    *subscription
	pumpWG sync.WaitGroup

	// ended is closed when the source stream stops
	ended     chan struct{}
	endedOnce sync.Once
}

type subscription struct {
	cleanup func()
	stopped bool
}

func newSubscriptionEncoder(streamKey string, sm *streammanager.Manager, bufferSize int, logger logrus.FieldLogger) *subscriptionEncoder {
	return &subscriptionEncoder{
		streamKey:     streamKey,
		streamManager: sm,
		bufferSize:    bufferSize,
		log:           logger,
		ended:         make(chan struct{}),
	}
}

func (e *subscriptionEncoder) StartRunning() {
	e.log.Debug("encoder running")
}

// StartEncoding subscribes and pumps samples into sink until StopEncoding
// or until the source stops
func (e *subscriptionEncoder) StartEncoding(sink rtmp.SampleSink) {
	samples, cleanup, err := e.streamManager.Subscribe(e.streamKey, e.bufferSize)
	if err != nil {
		e.log.WithError(err).Warn("cannot subscribe to source")
		e.end()
		return
	}

	sub := &subscription{cleanup: cleanup}
	e.StopEncoding()
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()

	e.pumpWG.Add(1)
	go func() {
		defer e.pumpWG.Done()
		for sample := range samples {
			if err := sink.WriteSample(sample); err != nil {
				e.log.WithError(err).Warn("dropping sample")
			}
		}

		e.mu.Lock()
		stopped := sub.stopped
		e.mu.Unlock()
		if !stopped {
			e.log.Debug("source ended")
			e.end()
		}
	}()
}

// StopEncoding ends the subscription. The source keeps running.
func (e *subscriptionEncoder) StopEncoding() {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	if sub != nil {
		sub.stopped = true
	}
	e.mu.Unlock()

	if sub != nil {
		sub.cleanup()
	}
}

func (e *subscriptionEncoder) Metadata() (*models.CodecInfo, *models.CodecInfo) {
	stream, ok := e.streamManager.GetStream(e.streamKey)
	if !ok {
		return nil, nil
	}
	return stream.Codecs()
}

func (e *subscriptionEncoder) end() {
	e.endedOnce.Do(func() { close(e.ended) })
}

// wait blocks until the pump goroutines have drained
func (e *subscriptionEncoder) wait() {
	e.pumpWG.Wait()
}
