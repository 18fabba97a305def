package mpegts

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rapidmux/internal/codec"
	"rapidmux/pkg/models"
)

type demuxed struct {
	packets []*Packet
	pes     map[uint16][]*PES
}

// demux splits a written stream back into packets and reassembled PES packets
func demux(t *testing.T, data []byte) demuxed {
	t.Helper()
	require.Zero(t, len(data)%PacketSize)

	d := demuxed{pes: make(map[uint16][]*PES)}
	pending := make(map[uint16][]byte)
	flush := func(pid uint16) {
		if buf, ok := pending[pid]; ok {
			pes, err := ParsePES(buf)
			require.NoError(t, err)
			d.pes[pid] = append(d.pes[pid], pes)
			delete(pending, pid)
		}
	}

	for off := 0; off < len(data); off += PacketSize {
		p, err := ParsePacket(data[off : off+PacketSize])
		require.NoError(t, err)
		d.packets = append(d.packets, p)
		if p.PID != PIDVideo && p.PID != PIDAudio {
			continue
		}
		if p.PayloadUnitStart {
			flush(p.PID)
			pending[p.PID] = nil
		}
		pending[p.PID] = append(pending[p.PID], p.Payload...)
	}
	flush(PIDVideo)
	flush(PIDAudio)
	return d
}

func videoSamples(t *testing.T) []*models.EncodedSample {
	t.Helper()
	record, err := codec.NewAVCDecoderConfigurationRecord(testSPS, testPPS)
	require.NoError(t, err)

	frames := [][]byte{
		{0x65, 0x88, 0x84, 0x00, 0x33},
		{0x41, 0x9A, 0x02},
		{0x41, 0x9A, 0x04},
	}
	var samples []*models.EncodedSample
	for i, nalu := range frames {
		ts := time.Duration(i) * 33 * time.Millisecond
		s := &models.EncodedSample{
			StreamKey:  "cam",
			Kind:       models.KindVideo,
			Codec:      models.CodecH264,
			Data:       codec.JoinLengthPrefixed([][]byte{nalu}),
			PTS:        ts,
			DTS:        ts,
			IsKeyFrame: i == 0,
		}
		if i == 0 {
			s.Config = record.Marshal()
		}
		samples = append(samples, s)
	}
	return samples
}

func TestWriterVideoScenario(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out, WriterConfig{VideoCodec: models.CodecH264})
	for _, s := range videoSamples(t) {
		require.NoError(t, w.WriteSample(s))
	}
	assert.Equal(t, uint64(out.Len()), w.BytesWritten())

	d := demux(t, out.Bytes())
	require.GreaterOrEqual(t, len(d.packets), 5)
	assert.Equal(t, PIDPAT, d.packets[0].PID)
	assert.Equal(t, PIDPMT, d.packets[1].PID)

	_, streams, err := ParsePMT(d.packets[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, []ElementaryStream{{StreamType: StreamTypeH264, PID: PIDVideo}}, streams)

	first := d.packets[2]
	assert.Equal(t, PIDVideo, first.PID)
	assert.True(t, first.PayloadUnitStart)
	require.NotNil(t, first.AdaptationField)
	assert.True(t, first.AdaptationField.RandomAccess)
	cr, ok := first.ClockReference()
	require.True(t, ok)
	assert.Equal(t, uint64(0), cr.Base)

	pes := d.pes[PIDVideo]
	require.Len(t, pes, 3)

	var want []byte
	want = append(want, 0x00, 0x00, 0x00, 0x01, 0x09, 0x10)
	want = append(want, codec.StartCode...)
	want = append(want, testSPS...)
	want = append(want, codec.StartCode...)
	want = append(want, testPPS...)
	want = append(want, codec.StartCode...)
	want = append(want, 0x65, 0x88, 0x84, 0x00, 0x33)
	assert.Equal(t, want, pes[0].Data)

	pts, ok := pes[0].OptionalHeader.PTS()
	require.True(t, ok)
	assert.Equal(t, uint64(0), pts)

	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0x30}, pes[1].Data[:6])

	pts, ok = pes[2].OptionalHeader.PTS()
	require.True(t, ok)
	assert.Equal(t, uint64(66*90), pts)
}

func TestWriterContinuityAndPCR(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out, WriterConfig{VideoCodec: models.CodecH264})
	for _, s := range videoSamples(t) {
		require.NoError(t, w.WriteSample(s))
	}

	d := demux(t, out.Bytes())
	last := make(map[uint16]int)
	pcrs := 0
	for _, p := range d.packets {
		if prev, ok := last[p.PID]; ok {
			assert.Equal(t, uint8((prev+1)&0x0F), p.ContinuityCounter, "pid %d", p.PID)
		}
		last[p.PID] = int(p.ContinuityCounter)
		if _, ok := p.ClockReference(); ok {
			pcrs++
		}
	}
	// 0, 33 and 66 ms are all at least 20 ms apart
	assert.Equal(t, 3, pcrs)
}

func TestWriterTablesBeforeKeyFrames(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out, WriterConfig{VideoCodec: models.CodecH264})
	samples := videoSamples(t)
	require.NoError(t, w.WriteSample(samples[0]))
	require.NoError(t, w.WriteSample(samples[1]))

	key := *samples[0]
	key.Config = nil
	key.PTS, key.DTS = 2*time.Second, 2*time.Second
	require.NoError(t, w.WriteSample(&key))

	d := demux(t, out.Bytes())
	pats := 0
	for _, p := range d.packets {
		if p.PID == PIDPAT {
			pats++
		}
	}
	assert.Equal(t, 2, pats)

	pes := d.pes[PIDVideo]
	require.Len(t, pes, 3)
	assert.Equal(t, byte(0x10), pes[2].Data[5], "keyframe repeats SPS/PPS")
}

func TestWriterSetOutput(t *testing.T) {
	var first, second bytes.Buffer
	w := NewWriter(&first, WriterConfig{VideoCodec: models.CodecH264})
	samples := videoSamples(t)
	require.NoError(t, w.WriteSample(samples[0]))

	w.SetOutput(&second)
	require.NoError(t, w.WriteSample(samples[1]))

	d := demux(t, second.Bytes())
	assert.Equal(t, PIDPAT, d.packets[0].PID, "new output starts with tables")
}

func TestWriterAudio(t *testing.T) {
	asc, err := testASC.Marshal()
	require.NoError(t, err)

	var out bytes.Buffer
	w := NewWriter(&out, WriterConfig{Audio: true})

	err = w.WriteSample(&models.EncodedSample{Kind: models.KindAudio, Codec: models.CodecAAC, Data: []byte{1, 2, 3}})
	require.Error(t, err, "no config yet")

	for i := 0; i < 2; i++ {
		s := &models.EncodedSample{
			Kind:  models.KindAudio,
			Codec: models.CodecAAC,
			Data:  bytes.Repeat([]byte{0x21}, 200),
			PTS:   time.Duration(i) * 23 * time.Millisecond,
			DTS:   time.Duration(i) * 23 * time.Millisecond,
		}
		if i == 0 {
			s.Config = asc
		}
		require.NoError(t, w.WriteSample(s))
	}

	d := demux(t, out.Bytes())
	_, streams, err := ParsePMT(d.packets[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, []ElementaryStream{{StreamType: StreamTypeADTSAAC, PID: PIDAudio}}, streams)

	pes := d.pes[PIDAudio]
	require.Len(t, pes, 2)
	assert.Equal(t, []byte{0xFF, 0xF1}, pes[0].Data[:2])
	assert.Equal(t, int(pes[0].PacketLength), len(pes[0].Data)+pes[0].OptionalHeader.Size())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestWriterPropagatesWriteError(t *testing.T) {
	w := NewWriter(failingWriter{}, WriterConfig{VideoCodec: models.CodecH264})
	err := w.WriteSample(videoSamples(t)[0])
	assert.Error(t, err)
}
