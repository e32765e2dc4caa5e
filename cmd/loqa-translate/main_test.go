package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-translate/internal/capture"
	"github.com/loqalabs/loqa-translate/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCleanCommand(t *testing.T) {
	out, err := execute(t, "clean", "hello", "hello", "evryone")
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if strings.TrimSpace(out) != "hello everyone" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestDefineAndExplainCommands(t *testing.T) {
	out, err := execute(t, "define", "--language", "fr-FR", "good", "morning")
	if err != nil {
		t.Fatalf("define: %v", err)
	}
	for _, want := range []string{"good morning (sentence)", "[fr-FR] good morning", "- morning [word]: [fr-FR] morning"} {
		if !strings.Contains(out, want) {
			t.Fatalf("define output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "explain", "the", "cat")
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if !strings.Contains(out, "- cat: word") {
		t.Fatalf("unexpected explain output %q", out)
	}
}

func TestCorrectionsValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("corrections:\n  - from: teh\n    to: the\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := execute(t, "corrections", "validate", good)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "1 entries") {
		t.Fatalf("unexpected output %q", out)
	}

	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("[[corrections]]\nfrom = \"a\"\nto = \"aa\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := execute(t, "corrections", "validate", bad); err == nil {
		t.Fatal("expected validation error for expanding rule")
	}
	if _, err := execute(t, "corrections", "validate", filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != version {
		t.Fatalf("unexpected version %q", out)
	}
}

func listenConfig() config.Config {
	cfg := config.Default()
	cfg.TTS.Enabled = false
	cfg.Capture.DebounceMS = 20
	cfg.Capture.ConversationLanguages = []string{"fr-FR"}
	return cfg
}

func TestListenTranslatesStdin(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var out bytes.Buffer
	err := runListen(context.Background(), listenConfig(), "", strings.NewReader("hello hello world\n"), &out, logger)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	got := out.String()
	for _, want := range []string{"en-US: hello world", "hi-IN: [hi-IN] hello world", "  fr-FR: [fr-FR] hello world"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output %q missing %q", got, want)
		}
	}
}

func TestListenStopsOnDenial(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var out bytes.Buffer
	err := runListen(context.Background(), listenConfig(), "", strings.NewReader(capture.DenyCommand+"\nnever said\n"), &out, logger)
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if strings.Contains(out.String(), "never said") {
		t.Fatalf("nothing after a denial should be translated: %q", out.String())
	}
}
