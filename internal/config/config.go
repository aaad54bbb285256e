package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Relay       RelayConfig      `yaml:"relay"`
	TTS         TTSConfig        `yaml:"tts"`
	Transcode   TranscodeConfig  `yaml:"transcode"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

// Trigger policies applied when an audio trigger arrives while a turn is
// still being paced on the same session.
const (
	TriggerPolicyReject  = "reject"
	TriggerPolicyPreempt = "preempt"
)

type RelayConfig struct {
	Path            string `yaml:"path"`
	FrameBytes      int    `yaml:"frame_bytes"`
	FrameIntervalMS int    `yaml:"frame_interval_ms"`
	TriggerPolicy   string `yaml:"trigger_policy"`
	ReplyText       string `yaml:"reply_text"`
	ReadLimitBytes  int64  `yaml:"read_limit_bytes"`
	TurnTimeoutMS   int    `yaml:"turn_timeout_ms"`
	WriteTimeoutMS  int    `yaml:"write_timeout_ms"`
}

type TTSConfig struct {
	Mode            string  `yaml:"mode"` // mock, exec, elevenlabs
	Command         string  `yaml:"command"`
	Container       string  `yaml:"container"` // exec output: wav or raw
	Voice           string  `yaml:"voice"`
	APIKey          string  `yaml:"api_key"`
	Model           string  `yaml:"model"`
	Endpoint        string  `yaml:"endpoint"`
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
	SampleRate      int     `yaml:"sample_rate"`
}

type TranscodeConfig struct {
	Mode    string `yaml:"mode"` // ffmpeg, wav, passthrough
	Command string `yaml:"command"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-relay",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 5001,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Relay: RelayConfig{
			Path:            "/",
			FrameBytes:      320,
			FrameIntervalMS: 20,
			TriggerPolicy:   TriggerPolicyReject,
			ReplyText:       "Hi, how can I assist you today?",
			ReadLimitBytes:  1 << 20,
			TurnTimeoutMS:   60000,
			WriteTimeoutMS:  200,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			Container:       "wav",
			Model:           "eleven_multilingual_v2",
			Endpoint:        "https://api.elevenlabs.io",
			Stability:       0.5,
			SimilarityBoost: 0.75,
			SampleRate:      8000,
		},
		Transcode: TranscodeConfig{
			Mode:    "wav",
			Command: "ffmpeg -hide_banner -loglevel error -y",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "relay",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-relay.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	applyCredentialFallbacks(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Relay.Path, "LOQA_RELAY_PATH")
	overrideInt(&cfg.Relay.FrameBytes, "LOQA_RELAY_FRAME_BYTES")
	overrideInt(&cfg.Relay.FrameIntervalMS, "LOQA_RELAY_FRAME_INTERVAL_MS")
	overrideString(&cfg.Relay.TriggerPolicy, "LOQA_RELAY_TRIGGER_POLICY")
	overrideString(&cfg.Relay.ReplyText, "LOQA_RELAY_REPLY_TEXT")
	overrideInt64(&cfg.Relay.ReadLimitBytes, "LOQA_RELAY_READ_LIMIT_BYTES")
	overrideInt(&cfg.Relay.TurnTimeoutMS, "LOQA_RELAY_TURN_TIMEOUT_MS")
	overrideInt(&cfg.Relay.WriteTimeoutMS, "LOQA_RELAY_WRITE_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Container, "LOQA_TTS_CONTAINER")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideFloat(&cfg.TTS.Stability, "LOQA_TTS_STABILITY")
	overrideFloat(&cfg.TTS.SimilarityBoost, "LOQA_TTS_SIMILARITY_BOOST")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideString(&cfg.Transcode.Mode, "LOQA_TRANSCODE_MODE")
	overrideString(&cfg.Transcode.Command, "LOQA_TRANSCODE_COMMAND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
}

// applyCredentialFallbacks honours the vendor variable names used by existing
// deployments when the LOQA_* keys are absent.
func applyCredentialFallbacks(cfg *Config) {
	if cfg.TTS.APIKey == "" {
		overrideString(&cfg.TTS.APIKey, "ELEVENLABS_API_KEY")
	}
	if cfg.TTS.Voice == "" {
		overrideString(&cfg.TTS.Voice, "ELEVENLABS_VOICE_ID")
	}
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if !strings.HasPrefix(cfg.Relay.Path, "/") {
		return errors.New("relay.path must start with /")
	}
	if cfg.Relay.FrameBytes <= 0 || cfg.Relay.FrameBytes%2 != 0 {
		return errors.New("relay.frame_bytes must be a positive even number")
	}
	if cfg.Relay.FrameIntervalMS <= 0 {
		return errors.New("relay.frame_interval_ms must be positive")
	}
	switch cfg.Relay.TriggerPolicy {
	case TriggerPolicyReject, TriggerPolicyPreempt:
	default:
		return errors.New("relay.trigger_policy must be one of reject|preempt")
	}
	if strings.TrimSpace(cfg.Relay.ReplyText) == "" {
		return errors.New("relay.reply_text must not be empty")
	}
	if cfg.Relay.ReadLimitBytes <= 0 {
		return errors.New("relay.read_limit_bytes must be positive")
	}
	if cfg.Relay.TurnTimeoutMS <= 0 {
		return errors.New("relay.turn_timeout_ms must be positive")
	}
	if cfg.Relay.WriteTimeoutMS <= 0 {
		return errors.New("relay.write_timeout_ms must be positive")
	}
	switch cfg.TTS.Mode {
	case "mock":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	case "elevenlabs":
		if cfg.TTS.APIKey == "" {
			return errors.New("tts.api_key must be set when mode=elevenlabs")
		}
		if cfg.TTS.Voice == "" {
			return errors.New("tts.voice must be set when mode=elevenlabs")
		}
		if cfg.TTS.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=elevenlabs")
		}
	default:
		return errors.New("tts.mode must be one of mock|exec|elevenlabs")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	switch cfg.Transcode.Mode {
	case "wav", "passthrough":
	case "ffmpeg":
		if cfg.Transcode.Command == "" {
			return errors.New("transcode.command must be set when mode=ffmpeg")
		}
	default:
		return errors.New("transcode.mode must be one of ffmpeg|wav|passthrough")
	}
	if cfg.TTS.Mode == "elevenlabs" && cfg.Transcode.Mode != "ffmpeg" {
		return errors.New("transcode.mode must be ffmpeg when tts.mode=elevenlabs")
	}
	if cfg.TTS.Mode == "exec" {
		switch cfg.TTS.Container {
		case "wav", "raw":
		default:
			return errors.New("tts.container must be one of wav|raw when mode=exec")
		}
	}
	// Only an exec synthesizer emitting raw pcm can skip decoding.
	rawSynth := cfg.TTS.Mode == "exec" && cfg.TTS.Container == "raw"
	if cfg.Transcode.Mode == "passthrough" && !rawSynth {
		return errors.New("transcode.mode=passthrough requires tts.mode=exec with tts.container=raw")
	}
	if cfg.Transcode.Mode == "wav" && rawSynth {
		return errors.New("transcode.mode=wav cannot decode tts.container=raw; use passthrough or ffmpeg")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
