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
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Transcriber.Model != "whisper-1" {
		t.Fatalf("expected default transcriber model, got %q", cfg.Transcriber.Model)
	}
	if cfg.Cleaner.Model != "gpt-3.5-turbo" {
		t.Fatalf("expected default cleaner model, got %q", cfg.Cleaner.Model)
	}
	if cfg.Session.Retry.MaxAttempts != 3 {
		t.Fatalf("expected 3 retry attempts, got %d", cfg.Session.Retry.MaxAttempts)
	}
	if cfg.Audio.Backend != "mock" {
		t.Fatalf("expected mock audio backend by default, got %q", cfg.Audio.Backend)
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxpad.yaml")
	body := []byte(`
runtime_name: voxpad-test
audio:
  backend: exec
  command: "arecord -D {device} -r {rate} -c {channels} -f S16_LE -t raw -"
  sample_rate: 48000
transcriber:
  mode: openai
  base_url: https://stt.example.test/v1
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("VOXPAD_AUDIO_SAMPLE_RATE", "44100")
	t.Setenv("VOXPAD_TRANSCRIBER_MODE", "mock")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "voxpad-test" {
		t.Fatalf("expected file runtime_name, got %q", cfg.RuntimeName)
	}
	if cfg.Audio.Backend != "exec" {
		t.Fatalf("expected file audio backend, got %q", cfg.Audio.Backend)
	}
	if cfg.Audio.SampleRate != 44100 {
		t.Fatalf("env override lost: sample_rate = %d", cfg.Audio.SampleRate)
	}
	if cfg.Transcriber.Mode != "mock" {
		t.Fatalf("env override lost: transcriber.mode = %q", cfg.Transcriber.Mode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOXPAD_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOXPAD_BUS_USERNAME", "alice")
	t.Setenv("VOXPAD_BUS_PASSWORD", "secret")
	t.Setenv("VOXPAD_BUS_TLS_INSECURE", "true")
	t.Setenv("VOXPAD_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("VOXPAD_STORE_PATH", "./tmp.db")
	t.Setenv("VOXPAD_STORE_RETENTION_MODE", "persistent")
	t.Setenv("VOXPAD_STORE_RETENTION_DAYS", "7")
	t.Setenv("VOXPAD_STORE_MAX_SESSIONS", "123")
	t.Setenv("VOXPAD_API_KEY", "sk-test-override")
	t.Setenv("VOXPAD_SESSION_RETRY_MAX_ATTEMPTS", "5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Store.Path != "./tmp.db" {
		t.Fatalf("expected store path override")
	}
	if cfg.Store.RetentionMode != "persistent" {
		t.Fatalf("expected store retention mode override")
	}
	if cfg.Store.RetentionDays != 7 {
		t.Fatalf("expected store retention days override")
	}
	if cfg.Store.MaxSessions != 123 {
		t.Fatalf("expected store max sessions override")
	}
	if cfg.Credentials.APIKey != "sk-test-override" {
		t.Fatalf("expected api key override")
	}
	if cfg.Session.Retry.MaxAttempts != 5 {
		t.Fatalf("expected retry attempts override, got %d", cfg.Session.Retry.MaxAttempts)
	}
}

func TestCredentialsKeyFallsBackToEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	creds := CredentialsConfig{APIKeyEnv: "OPENAI_API_KEY"}
	if got := creds.Key(); got != "sk-from-env" {
		t.Fatalf("Key() = %q, want env fallback", got)
	}

	creds.APIKey = "sk-configured"
	if got := creds.Key(); got != "sk-configured" {
		t.Fatalf("Key() = %q, want configured value to win", got)
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	cfg := Default()
	cfg.Transcriber.Mode = "telepathy"
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for unknown transcriber mode")
	}

	cfg = Default()
	cfg.Audio.Backend = "exec"
	cfg.Audio.Command = ""
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for exec backend without command")
	}

	cfg = Default()
	cfg.Session.Retry.MaxAttempts = 0
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for zero retry attempts")
	}

	cfg = Default()
	cfg.Store.RetentionMode = "forever"
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for unknown retention mode")
	}
}
