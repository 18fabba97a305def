package streammanager

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"rapidmux/internal/metrics"
	"rapidmux/pkg/models"
)

// subscriber is one output's view of a stream. A new subscriber starts at
// the next video keyframe and gets the cached configuration records
// attached to its first sample of each kind.
type subscriber struct {
	ch          chan *models.EncodedSample
	videoPrimed bool
	audioPrimed bool
}

// Manager handles source lifecycle and fans samples out to subscribers
type Manager struct {
	streams map[string]*models.Stream // streamKey -> Stream
	mu      sync.RWMutex

	subscribers map[string][]*subscriber // streamKey -> subscribers
	configs     map[string]*configSet    // streamKey -> last configuration records
	subMu       sync.Mutex

	metrics *metrics.Metrics
	log     logrus.FieldLogger
}

type configSet struct {
	video []byte
	audio []byte
}

// New creates a new stream manager. m may be nil.
func New(logger logrus.FieldLogger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		streams:     make(map[string]*models.Stream),
		subscribers: make(map[string][]*subscriber),
		configs:     make(map[string]*configSet),
		metrics:     m,
		log:         logger.WithField("component", "streammanager"),
	}
}

// CreateStream registers a live source. A key that is already live is rejected.
func (m *Manager) CreateStream(streamKey string, source models.SourceKind, publisherIP string) (*models.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stream, exists := m.streams[streamKey]; exists {
		if stream.GetState() == models.StreamStateLive {
			return nil, fmt.Errorf("stream %s is already live", streamKey)
		}
	}

	stream := &models.Stream{
		Key:         streamKey,
		Source:      source,
		State:       models.StreamStateIdle,
		PublisherIP: publisherIP,
		Metadata:    make(map[string]interface{}),
	}
	stream.SetState(models.StreamStateLive)
	m.streams[streamKey] = stream

	m.subMu.Lock()
	m.configs[streamKey] = &configSet{}
	m.subMu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordStreamStart()
	}
	m.log.WithFields(logrus.Fields{"stream_key": streamKey, "source": source}).Info("stream is live")
	return stream, nil
}

// GetStream retrieves a stream by key
func (m *Manager) GetStream(streamKey string) (*models.Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream, exists := m.streams[streamKey]
	return stream, exists
}

// GetAllStreams returns all streams
func (m *Manager) GetAllStreams() []*models.Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams := make([]*models.Stream, 0, len(m.streams))
	for _, stream := range m.streams {
		streams = append(streams, stream)
	}
	return streams
}

// GetLiveStreams returns only live streams
func (m *Manager) GetLiveStreams() []*models.Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams := make([]*models.Stream, 0)
	for _, stream := range m.streams {
		if stream.GetState() == models.StreamStateLive {
			streams = append(streams, stream)
		}
	}
	return streams
}

// StopStream marks a stream stopped and closes its subscriptions
func (m *Manager) StopStream(streamKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, exists := m.streams[streamKey]
	if !exists {
		return fmt.Errorf("stream %s not found", streamKey)
	}
	if stream.GetState() == models.StreamStateStopped {
		return nil
	}

	stream.SetState(models.StreamStateStopped)
	m.closeSubscribers(streamKey)

	if m.metrics != nil {
		m.metrics.RecordStreamStop(stream.Uptime().Seconds())
	}
	m.log.WithField("stream_key", streamKey).Info("stream stopped")
	return nil
}

// DeleteStream removes a stream from the registry
func (m *Manager) DeleteStream(streamKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeSubscribers(streamKey)
	delete(m.streams, streamKey)
}

// PublishSample records the sample and hands it to every subscriber.
// Subscribers that are full lose the sample.
func (m *Manager) PublishSample(sample *models.EncodedSample) error {
	stream, exists := m.GetStream(sample.StreamKey)
	if !exists {
		return fmt.Errorf("stream %s not found", sample.StreamKey)
	}
	if stream.GetState() != models.StreamStateLive {
		return fmt.Errorf("stream %s is not live", sample.StreamKey)
	}

	stream.UpdateStats(sample)
	if m.metrics != nil {
		m.metrics.RecordSample(sample.StreamKey, sample.Kind.String(), len(sample.Data), sample.IsKeyFrame)
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()

	configs := m.configs[sample.StreamKey]
	if configs != nil && len(sample.Config) > 0 {
		if sample.IsVideo() {
			configs.video = sample.Config
		} else {
			configs.audio = sample.Config
		}
	}

	for _, sub := range m.subscribers[sample.StreamKey] {
		out, ok := sub.prime(sample, configs)
		if !ok {
			continue
		}
		select {
		case sub.ch <- out:
		default:
			stream.IncrementDroppedSamples()
			if m.metrics != nil {
				m.metrics.RecordSampleDropped(sample.StreamKey, "subscriber_full")
			}
		}
	}
	return nil
}

// prime decides whether the subscriber can take the sample yet and attaches
// the cached configuration to its first sample of each kind
func (s *subscriber) prime(sample *models.EncodedSample, configs *configSet) (*models.EncodedSample, bool) {
	if sample.IsVideo() {
		if s.videoPrimed {
			return sample, true
		}
		if !sample.IsKeyFrame || configs == nil || configs.video == nil {
			return nil, false
		}
		s.videoPrimed = true
		return withConfig(sample, configs.video), true
	}

	if s.audioPrimed {
		return sample, true
	}
	if configs == nil || configs.audio == nil {
		return nil, false
	}
	s.audioPrimed = true
	return withConfig(sample, configs.audio), true
}

func withConfig(sample *models.EncodedSample, config []byte) *models.EncodedSample {
	if len(sample.Config) > 0 {
		return sample
	}
	cp := *sample
	cp.Config = config
	return &cp
}

// Subscribe creates a subscription to a stream's samples.
// Returns a channel that will receive samples and a cleanup function.
func (m *Manager) Subscribe(streamKey string, bufferSize int) (<-chan *models.EncodedSample, func(), error) {
	stream, exists := m.GetStream(streamKey)
	if !exists {
		return nil, nil, fmt.Errorf("stream %s not found", streamKey)
	}
	if stream.GetState() != models.StreamStateLive {
		return nil, nil, fmt.Errorf("stream %s is not live", streamKey)
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()

	sub := &subscriber{ch: make(chan *models.EncodedSample, bufferSize)}
	m.subscribers[streamKey] = append(m.subscribers[streamKey], sub)
	stream.IncrementSubscribers()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { m.unsubscribe(streamKey, sub) })
	}
	return sub.ch, cleanup, nil
}

// unsubscribe removes a subscriber
func (m *Manager) unsubscribe(streamKey string, sub *subscriber) {
	stream, _ := m.GetStream(streamKey)

	m.subMu.Lock()
	defer m.subMu.Unlock()

	subscribers := m.subscribers[streamKey]
	for i, s := range subscribers {
		if s == sub {
			m.subscribers[streamKey] = append(subscribers[:i], subscribers[i+1:]...)
			close(sub.ch)
			if stream != nil {
				stream.DecrementSubscribers()
			}
			break
		}
	}

	if len(m.subscribers[streamKey]) == 0 {
		delete(m.subscribers, streamKey)
	}
}

// closeSubscribers closes all subscriber channels for a stream
func (m *Manager) closeSubscribers(streamKey string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, sub := range m.subscribers[streamKey] {
		close(sub.ch)
	}
	delete(m.subscribers, streamKey)
	delete(m.configs, streamKey)
}

// GetStreamCount returns the total number of streams
func (m *Manager) GetStreamCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// GetLiveStreamCount returns the number of live streams
func (m *Manager) GetLiveStreamCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, stream := range m.streams {
		if stream.GetState() == models.StreamStateLive {
			count++
		}
	}
	return count
}
