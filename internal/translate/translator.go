package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-translate/internal/config"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// FallbackTranslation is returned in place of an empty backend answer.
const FallbackTranslation = "Translation Error"

// Request describes one translation job.
type Request struct {
	SessionID      string
	Text           string
	SourceLanguage string
	TargetLanguage string
	GrammarCheck   bool
}

// Result carries the translation and, when grammar checking ran, the
// corrected input.
type Result struct {
	Original     string `json:"original"`
	Corrected    string `json:"corrected,omitempty"`
	Translation  string `json:"translation"`
	WasCorrected bool   `json:"was_corrected"`
}

// Translator defines a pluggable translation backend.
type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

// New selects a backend from config.
func New(cfg config.TranslatorConfig) (Translator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockTranslator(), nil
	case "ollama":
		return NewOllamaTranslator(cfg.Endpoint, cfg.Model, cfg.Temperature), nil
	case "exec":
		return NewExecTranslator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown translator mode %q", cfg.Mode)
	}
}

// LanguageName renders a BCP 47 tag as an English language name for prompts,
// falling back to the tag itself.
func LanguageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	base, _ := tag.Base()
	if name := display.English.Languages().Name(base); name != "" {
		return name
	}
	return code
}

// finish normalises a raw backend answer.
func finish(original, corrected, translation string) Result {
	corrected = strings.TrimSpace(corrected)
	translation = strings.TrimSpace(translation)
	if translation == "" {
		translation = FallbackTranslation
	}
	return Result{
		Original:     original,
		Corrected:    corrected,
		Translation:  translation,
		WasCorrected: corrected != "" && corrected != original,
	}
}
