package tts

import (
	"context"
	"fmt"
)

// Containers reported in Audio.Container.
const (
	ContainerMP3 = "mp3"
	ContainerWAV = "wav"
	ContainerRaw = "raw"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
}

// Audio is the compressed or container-wrapped output of a synthesizer.
type Audio struct {
	Data       []byte
	Container  string
	SampleRate int
	Channels   int
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (Audio, error)
}

// StatusError is returned when a vendor answers with a non-success status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tts: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("tts: unexpected status %d: %s", e.Code, e.Body)
}
