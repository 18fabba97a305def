package models

import (
	"sync"
	"time"
)

// StreamState represents the current state of a source stream
type StreamState string

const (
	StreamStateIdle     StreamState = "idle"
	StreamStateLive     StreamState = "live"
	StreamStateStopping StreamState = "stopping"
	StreamStateStopped  StreamState = "stopped"
)

// SourceKind tells how samples enter the stream manager
type SourceKind string

const (
	SourceRTMP SourceKind = "rtmp" // published by an RTMP client to the ingest server
	SourceFile SourceKind = "file" // paced from an Annex-B file
)

// Stream represents a live source that outputs subscribe to
type Stream struct {
	Key         string      // Unique stream key
	Source      SourceKind  // Where samples come from
	State       StreamState // Current state
	StartedAt   time.Time   // When stream went live
	StoppedAt   *time.Time  // When stream stopped (if stopped)
	PublisherIP string      // Remote address of the publisher, empty for file sources
	Subscribers int         // Current number of subscribed outputs
	VideoCodec  *CodecInfo  // Video codec information
	AudioCodec  *CodecInfo  // Audio codec information
	Metadata    map[string]interface{}

	// Stats
	Stats StreamStats

	mu sync.RWMutex
}

// StreamStats tracks stream statistics
type StreamStats struct {
	BytesReceived     uint64    // Total sample bytes received
	SamplesReceived   uint64    // Total access units received
	KeyFramesReceived uint64    // Total video keyframes received
	DroppedSamples    uint64    // Samples dropped because a subscriber fell behind
	LastSampleTime    time.Time // Wall clock time of the last sample
}

// UpdateStats accounts one received sample
func (s *Stream) UpdateStats(sample *EncodedSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Stats.SamplesReceived++
	s.Stats.BytesReceived += uint64(len(sample.Data))
	s.Stats.LastSampleTime = time.Now()

	if sample.IsKeyFrame {
		s.Stats.KeyFramesReceived++
	}
}

// SetCodec records the codec description for the sample kind
func (s *Stream) SetCodec(kind MediaKind, info *CodecInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == KindAudio {
		s.AudioCodec = info
	} else {
		s.VideoCodec = info
	}
}

// Codecs returns the current video and audio descriptions
func (s *Stream) Codecs() (video, audio *CodecInfo) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.VideoCodec, s.AudioCodec
}

// IncrementSubscribers increments the subscriber count
func (s *Stream) IncrementSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscribers++
}

// DecrementSubscribers decrements the subscriber count
func (s *Stream) DecrementSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Subscribers > 0 {
		s.Subscribers--
	}
}

// SetState safely updates the stream state
func (s *Stream) SetState(state StreamState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state

	if state == StreamStateLive && s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	} else if state == StreamStateStopped {
		now := time.Now()
		s.StoppedAt = &now
	}
}

// GetState safely returns the current stream state
func (s *Stream) GetState() StreamState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// Uptime returns how long the stream has been live, up to when it stopped
func (s *Stream) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.StartedAt.IsZero() {
		return 0
	}
	if s.StoppedAt != nil {
		return s.StoppedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// IncrementDroppedSamples counts a sample a subscriber could not take
func (s *Stream) IncrementDroppedSamples() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stats.DroppedSamples++
}

// Info returns the API view of the stream
func (s *Stream) Info() StreamInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := StreamInfo{
		StreamKey:   s.Key,
		Source:      string(s.Source),
		Active:      s.State == StreamStateLive,
		State:       string(s.State),
		Subscribers: s.Subscribers,
		Samples:     s.Stats.SamplesReceived,
		Bytes:       s.Stats.BytesReceived,
		Dropped:     s.Stats.DroppedSamples,
	}
	if !s.StartedAt.IsZero() {
		info.StartedAt = s.StartedAt.Format(time.RFC3339)
		info.Duration = int(time.Since(s.StartedAt).Seconds())
	}
	if s.VideoCodec != nil {
		info.VideoCodec = s.VideoCodec.Codec
		if s.VideoCodec.Width > 0 {
			info.Resolution = formatResolution(s.VideoCodec.Width, s.VideoCodec.Height)
		}
	}
	if s.AudioCodec != nil {
		info.AudioCodec = s.AudioCodec.Codec
	}
	return info
}

// SetMetadata replaces the publisher-supplied onMetaData values
func (s *Stream) SetMetadata(md map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metadata = md
}

// GetMetadata returns the publisher-supplied onMetaData values
func (s *Stream) GetMetadata() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Metadata
}
