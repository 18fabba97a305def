package models

import "time"

// MediaKind separates audio and video samples
type MediaKind int

const (
	KindVideo MediaKind = iota
	KindAudio
)

func (k MediaKind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// Codec names carried by samples and reported by the API
const (
	CodecH264 = "h264"
	CodecH265 = "h265"
	CodecAAC  = "aac"
)

// EncodedSample is one compressed access unit produced by an encoder or an ingest session
type EncodedSample struct {
	StreamKey  string        // Source this sample belongs to
	Kind       MediaKind     // Audio or video
	Codec      string        // "h264", "h265" or "aac"
	Data       []byte        // 4-byte length-prefixed NAL units (video) or one raw AAC frame (audio)
	PTS        time.Duration // Presentation timestamp
	DTS        time.Duration // Decode timestamp, equal to PTS for audio and for streams without B-frames
	IsKeyFrame bool          // true if the access unit contains an IDR (video only)
	Config     []byte        // avcC/hvcC record or AudioSpecificConfig, set on the first sample and on format change
}

// IsVideo reports whether the sample carries video
func (s *EncodedSample) IsVideo() bool {
	return s.Kind == KindVideo
}

// CompositionTime returns PTS-DTS, the offset FLV carries next to each video frame
func (s *EncodedSample) CompositionTime() time.Duration {
	return s.PTS - s.DTS
}

// CodecInfo contains the format description used for onMetaData and the API
type CodecInfo struct {
	Codec      string  // "h264", "h265", "aac"
	Width      int     // Video width
	Height     int     // Video height
	FrameRate  float64 // Video frame rate
	SampleRate int     // Audio sample rate
	Channels   int     // Audio channels
	Bitrate    int     // Bitrate in bps
}
