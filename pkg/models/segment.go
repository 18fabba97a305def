package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Segment represents one recorded MPEG-TS segment
type Segment struct {
	StreamKey   string    // Stream this segment belongs to
	SequenceNum uint64    // Segment sequence number
	Duration    float64   // Duration in seconds
	FilePath    string    // Storage path of the .ts file
	FileSize    int64     // Size in bytes
	CreatedAt   time.Time // When segment was closed
}

// FileName returns the segment's name inside its stream directory
func (s *Segment) FileName() string {
	return fmt.Sprintf("segment_%d.ts", s.SequenceNum)
}

// Playlist represents the sliding-window media playlist of one stream
type Playlist struct {
	StreamKey      string     // Stream this playlist belongs to
	TargetDuration int        // EXT-X-TARGETDURATION
	MediaSequence  uint64     // EXT-X-MEDIA-SEQUENCE
	Segments       []*Segment // Segments currently in the window
	MaxSegments    int        // Max segments to keep in playlist (sliding window)
	LastUpdated    time.Time  // Last time playlist was updated
}

// AddSegment adds a new segment and returns the one that fell out of the window, if any
func (p *Playlist) AddSegment(seg *Segment) *Segment {
	p.Segments = append(p.Segments, seg)
	p.LastUpdated = time.Now()

	if d := int(math.Ceil(seg.Duration)); d > p.TargetDuration {
		p.TargetDuration = d
	}

	if p.MaxSegments > 0 && len(p.Segments) > p.MaxSegments {
		removed := p.Segments[0]
		p.Segments = p.Segments[1:]
		p.MediaSequence++
		return removed
	}
	return nil
}

// GetM3U8Content renders the playlist
func (p *Playlist) GetM3U8Content() string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", p.TargetDuration)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.MediaSequence)
	for _, seg := range p.Segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		b.WriteString(seg.FileName())
		b.WriteString("\n")
	}
	return b.String()
}
