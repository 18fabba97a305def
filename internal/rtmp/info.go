package rtmp

// StreamInfo is a snapshot of a publishing stream's counters
type StreamInfo struct {
	ResourceName          string
	ByteCount             int64
	CurrentBytesPerSecond int32

	previousByteCount int64
}

// onTimeout rolls the one-second throughput window
func (i *StreamInfo) onTimeout() {
	i.CurrentBytesPerSecond = int32(i.ByteCount - i.previousByteCount)
	i.previousByteCount = i.ByteCount
}

// clear resets the counters; the resource name is kept for a republish
func (i *StreamInfo) clear() {
	i.ByteCount = 0
	i.CurrentBytesPerSecond = 0
	i.previousByteCount = 0
}
