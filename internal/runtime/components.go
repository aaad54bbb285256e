package runtime

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/relay"
	"github.com/loqalabs/loqa-relay/internal/speech"
	"github.com/loqalabs/loqa-relay/internal/transcode"
	"github.com/loqalabs/loqa-relay/internal/tts"
)

func newSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return tts.NewMockSynth(cfg.SampleRate), nil
	case "exec":
		return tts.NewExecSynth(cfg.Command, cfg.Container, cfg.SampleRate)
	case "elevenlabs":
		return tts.NewElevenLabs(cfg.APIKey, cfg.Voice,
			tts.WithEndpoint(cfg.Endpoint),
			tts.WithModel(cfg.Model),
			tts.WithVoiceSettings(cfg.Stability, cfg.SimilarityBoost),
		)
	}
	return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
}

func newTranscoder(cfg config.TranscodeConfig) (transcode.Transcoder, error) {
	switch cfg.Mode {
	case "ffmpeg":
		return transcode.NewFFmpeg(cfg.Command)
	case "wav":
		return transcode.NewWAV(), nil
	case "passthrough":
		return transcode.NewPassthrough(), nil
	}
	return nil, fmt.Errorf("unknown transcode mode %q", cfg.Mode)
}

func newProducer(synth tts.Synthesizer, conv transcode.Transcoder, cfg config.TTSConfig) *speech.Producer {
	return speech.NewProducer(synth, conv, cfg.Voice)
}

// newSink always logs; the store and bus are added when configured.
func newSink(logger *slog.Logger, store *eventstore.Store, busClient *bus.Client) relay.Sink {
	sinks := relay.MultiSink{relay.LogSink{Logger: logger.With(slog.String("component", "relay"))}}
	if store != nil && store.Enabled() {
		sinks = append(sinks, relay.StoreSink{Store: store, Logger: logger})
	}
	if busClient != nil {
		sinks = append(sinks, relay.BusSink{Client: busClient, Logger: logger})
	}
	return sinks
}

// ParseLevel maps a configured log level onto slog. Unknown values fall back
// to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
