package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
	"unicode/utf8"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	mockPerRune   = 60 * time.Millisecond
	mockMaxLength = 10 * time.Second
	mockToneHz    = 440
)

type mockSynth struct {
	sampleRate int
}

// NewMockSynth returns a synthesizer that renders a WAV tone whose length
// follows the length of the text.
func NewMockSynth(sampleRate int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	runes := utf8.RuneCountInString(req.Text)
	if runes == 0 {
		return Audio{}, errors.New("tts: empty text")
	}
	length := min(time.Duration(runes)*mockPerRune, mockMaxLength)
	samples := make([]int, int(int64(length)*int64(m.sampleRate)/int64(time.Second)))
	for i := range samples {
		v := 0.3 * math.Sin(2*math.Pi*mockToneHz*float64(i)/float64(m.sampleRate))
		samples[i] = int(v * math.MaxInt16)
	}
	data, err := EncodeWAV(samples, m.sampleRate, 1)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Data: data, Container: ContainerWAV, SampleRate: m.sampleRate, Channels: 1}, nil
}

// EncodeWAV renders 16-bit samples as a WAV file.
func EncodeWAV(samples []int, sampleRate, channels int) ([]byte, error) {
	buf := &seekBuffer{}
	enc := wav.NewEncoder(buf, sampleRate, 16, channels, 1)
	ib := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(ib); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return buf.data, nil
}

// seekBuffer is the in-memory io.WriteSeeker the wav encoder needs to patch
// its header sizes.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if end := b.pos + len(p); end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	n := copy(b.data[b.pos:], p)
	b.pos += n
	return n, nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.data)) + offset
	default:
		return 0, errors.New("seek: invalid whence")
	}
	if next < 0 {
		return 0, errors.New("seek: negative position")
	}
	b.pos = int(next)
	return next, nil
}
