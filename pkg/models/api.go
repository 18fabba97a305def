package models

import "strconv"

// StreamInfo represents stream metadata returned by the API
type StreamInfo struct {
	StreamKey   string `json:"streamKey"`
	Source      string `json:"source"`
	Active      bool   `json:"active"`
	State       string `json:"state"`
	Subscribers int    `json:"subscribers"`
	StartedAt   string `json:"startedAt,omitempty"`
	Duration    int    `json:"duration,omitempty"` // seconds
	VideoCodec  string `json:"videoCodec,omitempty"`
	AudioCodec  string `json:"audioCodec,omitempty"`
	Resolution  string `json:"resolution,omitempty"` // e.g., "1920x1080"
	Samples     uint64 `json:"samples"`
	Bytes       uint64 `json:"bytes"`
	Dropped     uint64 `json:"dropped"`
}

// StreamListResponse represents a list of streams
type StreamListResponse struct {
	Streams []StreamInfo `json:"streams"`
	Total   int          `json:"total"`
}

// OutputKind selects the wire protocol of an output session
type OutputKind string

const (
	OutputRTMP OutputKind = "rtmp"
	OutputSRT  OutputKind = "srt"
)

// OutputRequest starts an output session for a stream
type OutputRequest struct {
	Kind OutputKind `json:"kind" binding:"required,oneof=rtmp srt"`
	URL  string     `json:"url" binding:"required"` // rtmp://host/app/name or srt://host:port
	// StreamID is passed to the SRT listener; unused for RTMP
	StreamID string `json:"streamId,omitempty"`
}

// OutputInfo describes a running or finished output session
type OutputInfo struct {
	ID        string     `json:"id"`
	StreamKey string     `json:"streamKey"`
	Kind      OutputKind `json:"kind"`
	URL       string     `json:"url"`
	State     string     `json:"state"`
	Bytes     uint64     `json:"bytes"`
	StartedAt string     `json:"startedAt"`
	Error     string     `json:"error,omitempty"`
}

// OutputListResponse represents a list of output sessions
type OutputListResponse struct {
	Outputs []OutputInfo `json:"outputs"`
	Total   int          `json:"total"`
}

func formatResolution(width, height int) string {
	return strconv.Itoa(width) + "x" + strconv.Itoa(height)
}

// PublishRequest asks for a publish token when token publishing is enabled
type PublishRequest struct {
	StreamKey string `json:"streamKey" binding:"required"`
	ExpiresIn int    `json:"expiresIn,omitempty"` // seconds, 0 uses the server default
}

// PublishResponse carries the RTMP URL a publisher should use
type PublishResponse struct {
	PublishURL string `json:"publishUrl"`
	StreamKey  string `json:"streamKey"`
	Token      string `json:"token"`
	ExpiresAt  string `json:"expiresAt"`
}
