// Package speech turns reply text into relay-ready PCM by composing a
// synthesizer with a transcoder.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-relay/internal/transcode"
	"github.com/loqalabs/loqa-relay/internal/tts"
)

// SynthesisError reports a failed or rejected synthesizer call.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string { return fmt.Sprintf("synthesis failed: %v", e.Err) }
func (e *SynthesisError) Unwrap() error { return e.Err }

// TranscodeError reports a failed conversion to the target PCM format.
type TranscodeError struct {
	Err error
}

func (e *TranscodeError) Error() string { return fmt.Sprintf("transcode failed: %v", e.Err) }
func (e *TranscodeError) Unwrap() error { return e.Err }

// Producer is stateless and safe for concurrent use.
type Producer struct {
	synth  tts.Synthesizer
	conv   transcode.Transcoder
	target transcode.Format
	voice  string
}

func NewProducer(synth tts.Synthesizer, conv transcode.Transcoder, voice string) *Producer {
	return &Producer{synth: synth, conv: conv, target: transcode.Target, voice: voice}
}

// Produce synthesizes text and returns s16le 8 kHz mono PCM. There are no
// retries; the first failure is returned.
func (p *Producer) Produce(ctx context.Context, sessionID, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &SynthesisError{Err: errors.New("empty text")}
	}
	audio, err := p.synth.Synthesize(ctx, tts.SynthRequest{SessionID: sessionID, Text: text, Voice: p.voice})
	if err != nil {
		return nil, &SynthesisError{Err: err}
	}
	if len(audio.Data) == 0 {
		return nil, &SynthesisError{Err: errors.New("synthesizer returned no audio")}
	}
	pcm, err := p.conv.Transcode(ctx, audio, p.target)
	if err != nil {
		return nil, &TranscodeError{Err: err}
	}
	if len(pcm) == 0 {
		return nil, &TranscodeError{Err: errors.New("transcoder returned no pcm")}
	}
	return pcm, nil
}
