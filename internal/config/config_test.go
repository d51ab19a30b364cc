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
	if cfg.Capture.TapFrames != 1024 {
		t.Fatalf("expected 1024 tap frames, got %d", cfg.Capture.TapFrames)
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral journal by default, got %s", cfg.EventStore.RetentionMode)
	}
	if len(cfg.TTS.Languages) != 2 || cfg.TTS.Languages[1].Code != "id" {
		t.Fatalf("unexpected default languages %v", cfg.TTS.Languages)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SPEECHPAD_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SPEECHPAD_BUS_USERNAME", "alice")
	t.Setenv("SPEECHPAD_BUS_PASSWORD", "secret")
	t.Setenv("SPEECHPAD_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SPEECHPAD_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SPEECHPAD_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("SPEECHPAD_CAPTURE_DEVICE_ID", "kitchen")
	t.Setenv("SPEECHPAD_CAPTURE_TAP_FRAMES", "512")
	t.Setenv("SPEECHPAD_STT_AUTHORIZATION", "denied")
	t.Setenv("SPEECHPAD_STT_PARTIAL_EVERY_MS", "250")
	t.Setenv("SPEECHPAD_TTS_TARGET", "speaker-2")
	t.Setenv("SPEECHPAD_NODE_ID", "kitchen-pad")
	t.Setenv("SPEECHPAD_TELEMETRY_TRACE_EXPORTER", "none")
	t.Setenv("SPEECHPAD_TELEMETRY_TRACE_SAMPLE_RATIO", "0.25")

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
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store override")
	}
	if cfg.Telemetry.TraceExporter != "none" || cfg.Telemetry.TraceSampleRatio != 0.25 {
		t.Fatalf("expected telemetry override, got %+v", cfg.Telemetry)
	}
	if cfg.Capture.DeviceID != "kitchen" || cfg.Capture.TapFrames != 512 {
		t.Fatalf("expected capture override, got %+v", cfg.Capture)
	}
	if cfg.STT.Authorization != "denied" {
		t.Fatalf("expected authorization override")
	}
	if cfg.STT.PartialEveryMS != 250 {
		t.Fatalf("expected partial interval override")
	}
	if cfg.TTS.Target != "speaker-2" {
		t.Fatalf("expected tts target override")
	}
	if cfg.Node.ID != "kitchen-pad" {
		t.Fatalf("expected node id override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speechpad.yaml")
	data := []byte(`runtime_name: pad-test
tts:
  languages:
    - name: German
      code: de-DE
capture:
  mode: wav
  file: ./hello.wav
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "pad-test" {
		t.Fatalf("expected runtime name from file, got %s", cfg.RuntimeName)
	}
	if len(cfg.TTS.Languages) != 1 || cfg.TTS.Languages[0].Code != "de-DE" {
		t.Fatalf("expected language list replaced, got %v", cfg.TTS.Languages)
	}
	if cfg.Capture.Mode != "wav" || cfg.Capture.SampleRate != 16000 {
		t.Fatalf("expected capture mode from file with default rate, got %+v", cfg.Capture)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"wav without file":   func(c *Config) { c.Capture.Mode = "wav" },
		"unknown capture":    func(c *Config) { c.Capture.Mode = "alsa" },
		"exec stt":           func(c *Config) { c.STT.Mode = "exec" },
		"zero tap frames":    func(c *Config) { c.Capture.TapFrames = 0 },
		"no languages":       func(c *Config) { c.TTS.Languages = nil },
		"duplicate language": func(c *Config) { c.TTS.Languages = append(c.TTS.Languages, LanguageConfig{Name: "US", Code: "en-US"}) },
		"bad retention":      func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"bad http port":      func(c *Config) { c.HTTP.Port = 0 },
		"empty node id":      func(c *Config) { c.Node.ID = "" },
		"short heartbeat":    func(c *Config) { c.Node.HeartbeatTimeoutMS = c.Node.HeartbeatIntervalMS },
		"otlp no endpoint":   func(c *Config) { c.Telemetry.TraceExporter = "otlp" },
		"unknown exporter":   func(c *Config) { c.Telemetry.TraceExporter = "jaeger" },
		"sample ratio":       func(c *Config) { c.Telemetry.TraceSampleRatio = 1.5 },
		"zero max payload":   func(c *Config) { c.Bus.MaxPayload = 0 },
		"zero partial pace":  func(c *Config) { c.STT.PartialEveryMS = 0 },
		"negative prune":     func(c *Config) { c.EventStore.PruneIntervalMin = -1 },
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
