package stt

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that reads the audio payload back
// as UTF-8 text, so tests and demos can "speak" by publishing text frames.
// Binary audio is reported by size.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, req Request) (Result, error) {
	if len(req.PCM) == 0 {
		return Result{}, nil
	}
	if text, ok := printable(req.PCM); ok {
		return Result{Text: text, Confidence: 1}, nil
	}
	return Result{Text: fmt.Sprintf("[%d bytes of audio]", len(req.PCM))}, nil
}

func printable(data []byte) (string, bool) {
	if !utf8.Valid(data) {
		return "", false
	}
	text := string(data)
	for _, r := range text {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return "", false
		}
	}
	return strings.Join(strings.Fields(text), " "), true
}
