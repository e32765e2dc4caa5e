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
	if cfg.Capture.DebounceMS != 1000 {
		t.Fatalf("expected 1000ms debounce, got %d", cfg.Capture.DebounceMS)
	}
	if cfg.Capture.RetryDelayMS != 100 {
		t.Fatalf("expected 100ms retry delay, got %d", cfg.Capture.RetryDelayMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_CAPTURE_SOURCE_LANGUAGE", "fr-FR")
	t.Setenv("LOQA_CAPTURE_CONVERSATION_LANGUAGES", "de-DE,ja-JP")
	t.Setenv("LOQA_CAPTURE_DEBOUNCE_MS", "1500")
	t.Setenv("LOQA_TRANSLATOR_TEMPERATURE", "0.5")
	t.Setenv("LOQA_TTS_AUTO_PLAY", "false")
	t.Setenv("LOQA_LOG_LEVEL", "debug")
	t.Setenv("LOQA_STT_ENABLED", "true")
	t.Setenv("LOQA_STT_PARTIAL_EVERY_MS", "250")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" {
		t.Fatalf("expected username override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Capture.SourceLanguage != "fr-FR" {
		t.Fatalf("expected source language override, got %q", cfg.Capture.SourceLanguage)
	}
	if len(cfg.Capture.ConversationLanguages) != 2 || cfg.Capture.ConversationLanguages[1] != "ja-JP" {
		t.Fatalf("unexpected conversation languages %v", cfg.Capture.ConversationLanguages)
	}
	if cfg.Capture.DebounceMS != 1500 {
		t.Fatalf("expected debounce override")
	}
	if cfg.Translator.Temperature != 0.5 {
		t.Fatalf("expected temperature override")
	}
	if cfg.TTS.AutoPlay {
		t.Fatalf("expected auto play disabled")
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected log level override")
	}
	if !cfg.STT.Enabled || cfg.STT.PartialEveryMS != 250 {
		t.Fatalf("unexpected stt config %+v", cfg.STT)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-translate.yaml")
	data := []byte(`
capture:
  engine: none
  source_language: es-ES
  target_language: en-US
translator:
  mode: exec
  command: "translate --json"
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Capture.Engine != "none" || cfg.Capture.SourceLanguage != "es-ES" {
		t.Fatalf("unexpected capture config %+v", cfg.Capture)
	}
	if cfg.Capture.DebounceMS != 1000 {
		t.Fatalf("expected defaults to survive partial file, got %d", cfg.Capture.DebounceMS)
	}
	if cfg.Translator.Command != "translate --json" {
		t.Fatalf("unexpected translator command %q", cfg.Translator.Command)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero debounce", func(c *Config) { c.Capture.DebounceMS = 0 }},
		{"unknown engine", func(c *Config) { c.Capture.Engine = "browser" }},
		{"bus engine without bus", func(c *Config) { c.Capture.Engine = "bus"; c.Bus.Enabled = false }},
		{"exec translator without command", func(c *Config) { c.Translator.Mode = "exec" }},
		{"bad retention", func(c *Config) { c.EventStore.RetentionMode = "forever" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"stt without bus", func(c *Config) { c.STT.Enabled = true; c.Bus.Enabled = false }},
		{"exec stt without command", func(c *Config) { c.STT.Enabled = true; c.STT.Mode = "exec" }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
