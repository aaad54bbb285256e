package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Relay.FrameBytes != 320 {
		t.Fatalf("expected 320 byte frames, got %d", cfg.Relay.FrameBytes)
	}
	if cfg.Relay.FrameIntervalMS != 20 {
		t.Fatalf("expected 20ms interval, got %d", cfg.Relay.FrameIntervalMS)
	}
	if cfg.Relay.TriggerPolicy != TriggerPolicyReject {
		t.Fatalf("expected reject policy, got %s", cfg.Relay.TriggerPolicy)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	body := []byte(`
http:
  port: 6001
relay:
  trigger_policy: preempt
  reply_text: "hello caller"
tts:
  mode: exec
  command: "say-pcm --raw"
  container: raw
transcode:
  mode: passthrough
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 6001 {
		t.Fatalf("expected port 6001, got %d", cfg.HTTP.Port)
	}
	if cfg.Relay.TriggerPolicy != TriggerPolicyPreempt {
		t.Fatalf("expected preempt, got %s", cfg.Relay.TriggerPolicy)
	}
	if cfg.Relay.ReplyText != "hello caller" {
		t.Fatalf("unexpected reply text %q", cfg.Relay.ReplyText)
	}
	if cfg.Relay.FrameBytes != 320 {
		t.Fatalf("expected default frame size retained, got %d", cfg.Relay.FrameBytes)
	}
	if cfg.TTS.Container != "raw" || cfg.Relay.WriteTimeoutMS != 200 {
		t.Fatalf("unexpected container %q / write timeout %d", cfg.TTS.Container, cfg.Relay.WriteTimeoutMS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_RELAY_FRAME_BYTES", "640")
	t.Setenv("LOQA_RELAY_FRAME_INTERVAL_MS", "40")
	t.Setenv("LOQA_RELAY_TRIGGER_POLICY", "preempt")
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Relay.FrameBytes != 640 || cfg.Relay.FrameIntervalMS != 40 {
		t.Fatalf("expected frame overrides, got %d/%d", cfg.Relay.FrameBytes, cfg.Relay.FrameIntervalMS)
	}
	if cfg.Relay.TriggerPolicy != TriggerPolicyPreempt {
		t.Fatalf("expected policy override")
	}
	if !cfg.Bus.Enabled || len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
}

func TestElevenLabsCredentialFallback(t *testing.T) {
	t.Setenv("LOQA_TTS_MODE", "elevenlabs")
	t.Setenv("LOQA_TRANSCODE_MODE", "ffmpeg")
	t.Setenv("ELEVENLABS_API_KEY", "xi-key")
	t.Setenv("ELEVENLABS_VOICE_ID", "voice-1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TTS.APIKey != "xi-key" || cfg.TTS.Voice != "voice-1" {
		t.Fatalf("expected vendor credentials, got key=%q voice=%q", cfg.TTS.APIKey, cfg.TTS.Voice)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"odd frame size":    func(c *Config) { c.Relay.FrameBytes = 321 },
		"zero interval":     func(c *Config) { c.Relay.FrameIntervalMS = 0 },
		"unknown policy":    func(c *Config) { c.Relay.TriggerPolicy = "queue" },
		"empty reply":       func(c *Config) { c.Relay.ReplyText = "  " },
		"exec without cmd":  func(c *Config) { c.TTS.Mode = "exec"; c.TTS.Command = "" },
		"elevenlabs no key": func(c *Config) { c.TTS.Mode = "elevenlabs"; c.TTS.Voice = "v" },
		"bad transcode":     func(c *Config) { c.Transcode.Mode = "sox" },
		"zero write timeout": func(c *Config) { c.Relay.WriteTimeoutMS = 0 },
		"exec wav passthrough": func(c *Config) {
			c.TTS.Mode, c.TTS.Command, c.Transcode.Mode = "exec", "say-wav", "passthrough"
		},
		"exec raw wav": func(c *Config) {
			c.TTS.Mode, c.TTS.Command, c.TTS.Container = "exec", "say-pcm", "raw"
		},
		"exec bad container": func(c *Config) {
			c.TTS.Mode, c.TTS.Command, c.TTS.Container = "exec", "say", "ogg"
		},
		"mock passthrough": func(c *Config) { c.Transcode.Mode = "passthrough" },
		"mp3 without ffmpeg": func(c *Config) {
			c.TTS.Mode, c.TTS.APIKey, c.TTS.Voice = "elevenlabs", "k", "v"
		},
		"bad retention":     func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"bad log level":     func(c *Config) { c.Telemetry.LogLevel = "verbose" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
