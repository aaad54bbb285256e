package transcode

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-relay/internal/tts"
)

type wavDecoder struct{}

// NewWAV decodes WAV input natively, downmixing and resampling to the target.
// Only 16-bit output is supported.
func NewWAV() Transcoder { return wavDecoder{} }

func (wavDecoder) Transcode(ctx context.Context, in tts.Audio, target Format) ([]byte, error) {
	if in.Container != tts.ContainerWAV {
		return nil, fmt.Errorf("%w: wav decoder got %q", ErrUnsupportedContainer, in.Container)
	}
	if target.BitDepth != 16 || target.Channels != 1 {
		return nil, fmt.Errorf("transcode: wav decoder cannot produce %s", target)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dec := wav.NewDecoder(bytes.NewReader(in.Data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, errors.New("decode wav: missing format")
	}
	channels := buf.Format.NumChannels
	if channels <= 0 {
		return nil, errors.New("decode wav: invalid channel count")
	}

	samples := downmix(buf.Data, channels)
	samples = rescale(samples, int(dec.BitDepth))
	samples = resample(samples, buf.Format.SampleRate, target.SampleRate)

	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out, nil
}

// downmix averages interleaved channels into one.
func downmix(data []int, channels int) []int {
	if channels == 1 {
		return data
	}
	frames := len(data) / channels
	out := make([]int, frames)
	for i := range frames {
		sum := 0
		for c := range channels {
			sum += data[i*channels+c]
		}
		out[i] = sum / channels
	}
	return out
}

// rescale converts samples of the given bit depth to the 16-bit range.
func rescale(data []int, depth int) []int {
	switch {
	case depth == 16 || depth == 0:
		return clamp16(data)
	case depth == 8:
		// 8-bit WAV is unsigned.
		out := make([]int, len(data))
		for i, s := range data {
			out[i] = (s - 128) << 8
		}
		return out
	case depth > 16:
		shift := depth - 16
		out := make([]int, len(data))
		for i, s := range data {
			out[i] = s >> shift
		}
		return clamp16(out)
	default:
		shift := 16 - depth
		out := make([]int, len(data))
		for i, s := range data {
			out[i] = s << shift
		}
		return clamp16(out)
	}
}

func clamp16(data []int) []int {
	for i, s := range data {
		if s > math.MaxInt16 {
			data[i] = math.MaxInt16
		} else if s < math.MinInt16 {
			data[i] = math.MinInt16
		}
	}
	return data
}

// resample converts mono samples between rates by linear interpolation.
func resample(data []int, srcRate, dstRate int) []int {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(data) == 0 {
		return data
	}
	dstLen := int(int64(len(data)) * int64(dstRate) / int64(srcRate))
	out := make([]int, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := data[idx]
		s1 := s0
		if idx+1 < len(data) {
			s1 = data[idx+1]
		}
		out[i] = int(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
