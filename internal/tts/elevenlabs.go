package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	elevenLabsStreamPath = "/v1/text-to-speech/%s/stream"
	maxErrorBody         = 512
)

// ElevenLabsOption configures the ElevenLabs synthesizer.
type ElevenLabsOption func(*ElevenLabs)

func WithEndpoint(endpoint string) ElevenLabsOption {
	return func(e *ElevenLabs) { e.endpoint = strings.TrimRight(endpoint, "/") }
}

func WithModel(model string) ElevenLabsOption {
	return func(e *ElevenLabs) { e.model = model }
}

func WithVoiceSettings(stability, similarityBoost float64) ElevenLabsOption {
	return func(e *ElevenLabs) {
		e.settings = voiceSettings{Stability: stability, SimilarityBoost: similarityBoost}
	}
}

func WithHTTPClient(c *http.Client) ElevenLabsOption {
	return func(e *ElevenLabs) { e.client = c }
}

// ElevenLabs synthesizes MP3 audio through the ElevenLabs streaming HTTP API.
type ElevenLabs struct {
	apiKey   string
	voice    string
	model    string
	endpoint string
	settings voiceSettings
	client   *http.Client
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type elevenLabsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// NewElevenLabs creates a synthesizer for voice. apiKey and voice must be set.
func NewElevenLabs(apiKey, voice string, opts ...ElevenLabsOption) (*ElevenLabs, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key must not be empty")
	}
	if voice == "" {
		return nil, errors.New("elevenlabs: voice must not be empty")
	}
	e := &ElevenLabs{
		apiKey:   apiKey,
		voice:    voice,
		model:    "eleven_multilingual_v2",
		endpoint: "https://api.elevenlabs.io",
		settings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

func (e *ElevenLabs) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	voice := e.voice
	if req.Voice != "" {
		voice = req.Voice
	}
	body, err := json.Marshal(elevenLabsRequest{Text: req.Text, ModelID: e.model, VoiceSettings: e.settings})
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs: encode request: %w", err)
	}

	endpoint := e.endpoint + fmt.Sprintf(elevenLabsStreamPath, url.PathEscape(voice))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", e.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Audio{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, errors.New("elevenlabs: empty audio response")
	}
	return Audio{Data: data, Container: ContainerMP3}, nil
}
