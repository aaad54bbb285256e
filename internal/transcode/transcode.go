// Package transcode converts synthesizer output into the raw PCM format
// relayed to clients.
package transcode

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-relay/internal/media"
	"github.com/loqalabs/loqa-relay/internal/tts"
)

// Format describes little-endian signed PCM.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Target is the only format the relay emits.
var Target = Format{SampleRate: media.SampleRate, Channels: media.Channels, BitDepth: media.BitDepth}

func (f Format) String() string {
	return fmt.Sprintf("s%dle %dHz %dch", f.BitDepth, f.SampleRate, f.Channels)
}

// Transcoder turns synthesizer audio into raw PCM in the requested format.
type Transcoder interface {
	Transcode(ctx context.Context, in tts.Audio, target Format) ([]byte, error)
}

// ErrUnsupportedContainer is returned when a transcoder cannot read the input.
var ErrUnsupportedContainer = errors.New("transcode: unsupported container")

type passthrough struct{}

// NewPassthrough accepts raw PCM that is already in the target format.
func NewPassthrough() Transcoder { return passthrough{} }

func (passthrough) Transcode(_ context.Context, in tts.Audio, target Format) ([]byte, error) {
	if in.Container != tts.ContainerRaw {
		return nil, fmt.Errorf("%w: passthrough needs raw pcm, got %q", ErrUnsupportedContainer, in.Container)
	}
	if in.SampleRate != 0 && in.SampleRate != target.SampleRate {
		return nil, fmt.Errorf("transcode: passthrough sample rate %d does not match %s", in.SampleRate, target)
	}
	if in.Channels != 0 && in.Channels != target.Channels {
		return nil, fmt.Errorf("transcode: passthrough channel count %d does not match %s", in.Channels, target)
	}
	if len(in.Data)%(target.BitDepth/8*target.Channels) != 0 {
		return nil, errors.New("transcode: pcm payload not aligned")
	}
	return in.Data, nil
}
