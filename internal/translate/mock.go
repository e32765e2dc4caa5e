package translate

import (
	"context"
	"strings"
	"time"
)

type mockTranslator struct{}

func NewMockTranslator() Translator { return &mockTranslator{} }

func (m *mockTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	text := strings.TrimSpace(req.Text)
	return finish(req.Text, "", "["+req.TargetLanguage+"] "+text), nil
}

func (m *mockTranslator) Lookup(ctx context.Context, req LookupRequest) (Entry, error) {
	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	text := strings.TrimSpace(req.Text)
	prefix := "[" + req.TargetLanguage + "] "
	if entryType(text) == EntryWord {
		return finishEntry(text, Entry{Type: EntryWord, Definition: prefix + text}), nil
	}
	e := Entry{Type: EntrySentence, Translation: prefix + text}
	for _, w := range strings.Fields(text) {
		e.Breakdown = append(e.Breakdown, Token{Word: w, POS: "word", Meaning: prefix + w})
	}
	return finishEntry(text, e), nil
}

func (m *mockTranslator) Explain(ctx context.Context, req ExplainRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	var b strings.Builder
	for _, w := range strings.Fields(req.Text) {
		b.WriteString("- " + w + ": word\n")
	}
	return finishExplanation(b.String()), nil
}
