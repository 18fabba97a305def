package rtmp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rapidmux/internal/flv"
	"rapidmux/pkg/models"
)

type output struct {
	video     bool
	buf       []byte
	timestamp float64
}

type recordingDelegate struct {
	outputs []output
}

func (d *recordingDelegate) OutputAudio(buf []byte, ts float64) {
	d.outputs = append(d.outputs, output{buf: buf, timestamp: ts})
}

func (d *recordingDelegate) OutputVideo(buf []byte, ts float64) {
	d.outputs = append(d.outputs, output{video: true, buf: buf, timestamp: ts})
}

func TestMuxerAudio(t *testing.T) {
	d := &recordingDelegate{}
	m := NewMuxer(testLogger())
	m.SetDelegate(d)

	asc := []byte{0x12, 0x10}
	samples := []*models.EncodedSample{
		{Kind: models.KindAudio, Codec: models.CodecAAC, Data: []byte{1}, PTS: 0, Config: asc},
		{Kind: models.KindAudio, Codec: models.CodecAAC, Data: []byte{2}, PTS: 21333 * time.Microsecond, Config: asc},
		{Kind: models.KindAudio, Codec: models.CodecAAC, Data: []byte{3}, PTS: 42666 * time.Microsecond},
	}
	for _, s := range samples {
		require.NoError(t, m.WriteSample(s))
	}

	require.Len(t, d.outputs, 4)
	assert.Equal(t, flv.AudioSequenceHeader(asc), d.outputs[0].buf)
	assert.Zero(t, d.outputs[0].timestamp)
	assert.Equal(t, []byte{0xAF, 0x01, 1}, d.outputs[1].buf)
	assert.Zero(t, d.outputs[1].timestamp)
	assert.InDelta(t, 21.333, d.outputs[2].timestamp, 1e-9)
	assert.InDelta(t, 21.333, d.outputs[3].timestamp, 1e-9)
}

func TestMuxerVideo(t *testing.T) {
	d := &recordingDelegate{}
	m := NewMuxer(testLogger())
	m.SetDelegate(d)

	record := []byte{0x01, 0x64, 0x00, 0x1F, 0xFF}
	frame := []byte{0, 0, 0, 1, 0x65}
	require.NoError(t, m.WriteSample(&models.EncodedSample{
		Kind: models.KindVideo, Codec: models.CodecH264, Data: frame,
		PTS: 66 * time.Millisecond, DTS: 0, IsKeyFrame: true, Config: record,
	}))
	require.NoError(t, m.WriteSample(&models.EncodedSample{
		Kind: models.KindVideo, Codec: models.CodecH264, Data: frame,
		PTS: 33 * time.Millisecond, DTS: 33 * time.Millisecond,
	}))

	require.Len(t, d.outputs, 3)
	assert.True(t, d.outputs[0].video)
	assert.Equal(t, flv.AVCSequenceHeader(record), d.outputs[0].buf)
	assert.Equal(t, flv.AVCFrame(frame, true, 66), d.outputs[1].buf)
	assert.Equal(t, flv.AVCFrame(frame, false, 0), d.outputs[2].buf)
	assert.InDelta(t, 33.0, d.outputs[2].timestamp, 1e-9)

	pkt, err := flv.ParseVideoPacket(d.outputs[1].buf)
	require.NoError(t, err)
	assert.Equal(t, int32(66), pkt.CompositionTime)
	assert.True(t, pkt.IsKeyFrame)
}

func TestMuxerHEVC(t *testing.T) {
	d := &recordingDelegate{}
	m := NewMuxer(testLogger())
	m.SetDelegate(d)

	require.NoError(t, m.WriteSample(&models.EncodedSample{
		Kind: models.KindVideo, Codec: models.CodecH265, Data: []byte{0, 0, 0, 1, 0x26},
		IsKeyFrame: true, Config: []byte{0x01},
	}))
	require.Len(t, d.outputs, 2)

	header, err := flv.ParseVideoPacket(d.outputs[0].buf)
	require.NoError(t, err)
	assert.True(t, header.IsSequenceHeader)
	assert.Equal(t, models.CodecH265, header.Codec)
}

func TestMuxerErrorsAndDispose(t *testing.T) {
	d := &recordingDelegate{}
	m := NewMuxer(testLogger())

	// no delegate, nothing happens
	require.NoError(t, m.WriteSample(&models.EncodedSample{Kind: models.KindAudio, Codec: models.CodecAAC}))

	m.SetDelegate(d)
	assert.Error(t, m.WriteSample(&models.EncodedSample{Kind: models.KindVideo, Codec: "vp9"}))
	assert.Error(t, m.WriteSample(&models.EncodedSample{Kind: models.KindAudio, Codec: "opus"}))
	assert.Empty(t, d.outputs)

	asc := []byte{0x12, 0x10}
	require.NoError(t, m.WriteSample(&models.EncodedSample{Kind: models.KindAudio, Codec: models.CodecAAC, Config: asc}))
	require.Len(t, d.outputs, 2)

	m.Dispose()
	require.NoError(t, m.WriteSample(&models.EncodedSample{Kind: models.KindAudio, Codec: models.CodecAAC, Config: asc}))
	require.Len(t, d.outputs, 2)

	// after a new delegate the sequence header is sent again
	m.SetDelegate(d)
	require.NoError(t, m.WriteSample(&models.EncodedSample{Kind: models.KindAudio, Codec: models.CodecAAC, Config: asc}))
	require.Len(t, d.outputs, 4)
	assert.Equal(t, flv.AudioSequenceHeader(asc), d.outputs[2].buf)
}
