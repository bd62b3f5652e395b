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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Store       StoreConfig       `yaml:"store"`
	Audio       AudioConfig       `yaml:"audio"`
	Devices     DevicesConfig     `yaml:"devices"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Cleaner     CleanerConfig     `yaml:"cleaner"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Session     SessionConfig     `yaml:"session"`
	Prompts     PromptsConfig     `yaml:"prompts"`
	Notes       NotesConfig       `yaml:"notes"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig selects the capture backend and the PCM format every clip is
// recorded in.
type AudioConfig struct {
	Backend         string `yaml:"backend"` // mock, portaudio, exec
	Device          string `yaml:"device"`
	Command         string `yaml:"command"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	QueueFrames     int    `yaml:"queue_frames"`
}

type DevicesConfig struct {
	Announce         bool `yaml:"announce"`
	RescanIntervalMS int  `yaml:"rescan_interval_ms"`
}

type TranscriberConfig struct {
	Mode           string `yaml:"mode"` // mock, openai
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MinClipMS      int    `yaml:"min_clip_ms"`
	MaxUploadBytes int    `yaml:"max_upload_bytes"`
	ChunkSeconds   int    `yaml:"chunk_seconds"`
}

type CleanerConfig struct {
	Mode           string  `yaml:"mode"` // mock, openai, exec
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	Command        string  `yaml:"command"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

type CredentialsConfig struct {
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// Key resolves the remote-service credential: the configured value wins,
// otherwise the fallback environment variable is consulted at call time.
func (c CredentialsConfig) Key() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

type SessionConfig struct {
	Retry RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int     `yaml:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier"`
}

type PromptsConfig struct {
	Directory string `yaml:"directory"`
	Default   string `yaml:"default"`
}

type NotesConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

func Default() Config {
	return Config{
		RuntimeName: "voxpad-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:          "./data/voxpad-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			Backend:         "mock",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			QueueFrames:     32,
		},
		Devices: DevicesConfig{
			Announce:         true,
			RescanIntervalMS: 30000,
		},
		Transcriber: TranscriberConfig{
			Mode:           "mock",
			BaseURL:        "https://api.openai.com/v1",
			Model:          "whisper-1",
			TimeoutSeconds: 60,
			MinClipMS:      500,
			MaxUploadBytes: 25 * 1024 * 1024,
			ChunkSeconds:   300,
		},
		Cleaner: CleanerConfig{
			Mode:           "mock",
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-3.5-turbo",
			Temperature:    0.3,
			TimeoutSeconds: 60,
		},
		Credentials: CredentialsConfig{
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Session: SessionConfig{
			Retry: RetryConfig{
				MaxAttempts:      3,
				InitialBackoffMS: 500,
				MaxBackoffMS:     8000,
				Multiplier:       2.0,
			},
		},
		Prompts: PromptsConfig{
			Directory: "",
			Default:   "",
		},
		Notes: NotesConfig{
			Enabled:   false,
			Directory: "./notes",
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOXPAD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOXPAD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOXPAD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOXPAD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOXPAD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOXPAD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOXPAD_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOXPAD_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOXPAD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOXPAD_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOXPAD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOXPAD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOXPAD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOXPAD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOXPAD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOXPAD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "VOXPAD_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "VOXPAD_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "VOXPAD_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "VOXPAD_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "VOXPAD_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Backend, "VOXPAD_AUDIO_BACKEND")
	overrideString(&cfg.Audio.Device, "VOXPAD_AUDIO_DEVICE")
	overrideString(&cfg.Audio.Command, "VOXPAD_AUDIO_COMMAND")
	overrideInt(&cfg.Audio.SampleRate, "VOXPAD_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "VOXPAD_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "VOXPAD_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.Audio.QueueFrames, "VOXPAD_AUDIO_QUEUE_FRAMES")
	overrideBool(&cfg.Devices.Announce, "VOXPAD_DEVICES_ANNOUNCE")
	overrideInt(&cfg.Devices.RescanIntervalMS, "VOXPAD_DEVICES_RESCAN_INTERVAL_MS")
	overrideString(&cfg.Transcriber.Mode, "VOXPAD_TRANSCRIBER_MODE")
	overrideString(&cfg.Transcriber.BaseURL, "VOXPAD_TRANSCRIBER_BASE_URL")
	overrideString(&cfg.Transcriber.Model, "VOXPAD_TRANSCRIBER_MODEL")
	overrideString(&cfg.Transcriber.Language, "VOXPAD_TRANSCRIBER_LANGUAGE")
	overrideInt(&cfg.Transcriber.TimeoutSeconds, "VOXPAD_TRANSCRIBER_TIMEOUT_SECONDS")
	overrideInt(&cfg.Transcriber.MinClipMS, "VOXPAD_TRANSCRIBER_MIN_CLIP_MS")
	overrideInt(&cfg.Transcriber.MaxUploadBytes, "VOXPAD_TRANSCRIBER_MAX_UPLOAD_BYTES")
	overrideInt(&cfg.Transcriber.ChunkSeconds, "VOXPAD_TRANSCRIBER_CHUNK_SECONDS")
	overrideString(&cfg.Cleaner.Mode, "VOXPAD_CLEANER_MODE")
	overrideString(&cfg.Cleaner.BaseURL, "VOXPAD_CLEANER_BASE_URL")
	overrideString(&cfg.Cleaner.Model, "VOXPAD_CLEANER_MODEL")
	overrideString(&cfg.Cleaner.Command, "VOXPAD_CLEANER_COMMAND")
	overrideFloat(&cfg.Cleaner.Temperature, "VOXPAD_CLEANER_TEMPERATURE")
	overrideInt(&cfg.Cleaner.MaxTokens, "VOXPAD_CLEANER_MAX_TOKENS")
	overrideInt(&cfg.Cleaner.TimeoutSeconds, "VOXPAD_CLEANER_TIMEOUT_SECONDS")
	overrideString(&cfg.Credentials.APIKey, "VOXPAD_API_KEY")
	overrideString(&cfg.Credentials.APIKeyEnv, "VOXPAD_API_KEY_ENV")
	overrideInt(&cfg.Session.Retry.MaxAttempts, "VOXPAD_SESSION_RETRY_MAX_ATTEMPTS")
	overrideInt(&cfg.Session.Retry.InitialBackoffMS, "VOXPAD_SESSION_RETRY_INITIAL_BACKOFF_MS")
	overrideInt(&cfg.Session.Retry.MaxBackoffMS, "VOXPAD_SESSION_RETRY_MAX_BACKOFF_MS")
	overrideFloat(&cfg.Session.Retry.Multiplier, "VOXPAD_SESSION_RETRY_MULTIPLIER")
	overrideString(&cfg.Prompts.Directory, "VOXPAD_PROMPTS_DIRECTORY")
	overrideString(&cfg.Prompts.Default, "VOXPAD_PROMPTS_DEFAULT")
	overrideBool(&cfg.Notes.Enabled, "VOXPAD_NOTES_ENABLED")
	overrideString(&cfg.Notes.Directory, "VOXPAD_NOTES_DIRECTORY")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	switch cfg.Audio.Backend {
	case "mock", "portaudio", "exec":
	default:
		return errors.New("audio.backend must be one of mock|portaudio|exec")
	}
	if cfg.Audio.Backend == "exec" && cfg.Audio.Command == "" {
		return errors.New("audio.command must be set when backend=exec")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if cfg.Devices.Announce && cfg.Devices.RescanIntervalMS <= 0 {
		return errors.New("devices.rescan_interval_ms must be positive when announcements are enabled")
	}
	switch cfg.Transcriber.Mode {
	case "mock", "openai":
	default:
		return errors.New("transcriber.mode must be one of mock|openai")
	}
	if cfg.Transcriber.Mode == "openai" {
		if cfg.Transcriber.BaseURL == "" {
			return errors.New("transcriber.base_url must be set when mode=openai")
		}
		if cfg.Transcriber.Model == "" {
			return errors.New("transcriber.model must be set when mode=openai")
		}
	}
	if cfg.Transcriber.TimeoutSeconds <= 0 {
		return errors.New("transcriber.timeout_seconds must be positive")
	}
	if cfg.Transcriber.MinClipMS < 0 {
		return errors.New("transcriber.min_clip_ms must be >= 0")
	}
	if cfg.Transcriber.MaxUploadBytes > 0 && cfg.Transcriber.ChunkSeconds <= 0 {
		return errors.New("transcriber.chunk_seconds must be positive when max_upload_bytes is set")
	}
	switch cfg.Cleaner.Mode {
	case "mock", "openai", "exec":
	default:
		return errors.New("cleaner.mode must be one of mock|openai|exec")
	}
	if cfg.Cleaner.Mode == "openai" {
		if cfg.Cleaner.BaseURL == "" {
			return errors.New("cleaner.base_url must be set when mode=openai")
		}
		if cfg.Cleaner.Model == "" {
			return errors.New("cleaner.model must be set when mode=openai")
		}
	}
	if cfg.Cleaner.Mode == "exec" && cfg.Cleaner.Command == "" {
		return errors.New("cleaner.command must be set when mode=exec")
	}
	if cfg.Cleaner.TimeoutSeconds <= 0 {
		return errors.New("cleaner.timeout_seconds must be positive")
	}
	if cfg.Cleaner.MaxTokens < 0 {
		return errors.New("cleaner.max_tokens must be >= 0")
	}
	if cfg.Session.Retry.MaxAttempts < 1 {
		return errors.New("session.retry.max_attempts must be >= 1")
	}
	if cfg.Session.Retry.InitialBackoffMS <= 0 {
		return errors.New("session.retry.initial_backoff_ms must be positive")
	}
	if cfg.Session.Retry.MaxBackoffMS < cfg.Session.Retry.InitialBackoffMS {
		return errors.New("session.retry.max_backoff_ms must be >= initial_backoff_ms")
	}
	if cfg.Session.Retry.Multiplier < 1 {
		return errors.New("session.retry.multiplier must be >= 1")
	}
	if cfg.Notes.Enabled && cfg.Notes.Directory == "" {
		return errors.New("notes.directory must not be empty when notes are enabled")
	}
	return nil
}
