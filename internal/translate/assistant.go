package translate

import (
	"context"
	"strings"
)

const (
	EntryWord     = "word"
	EntrySentence = "sentence"

	// FallbackDefinition and FallbackExplanation replace empty backend answers.
	FallbackDefinition  = "Could not retrieve dictionary data."
	FallbackExplanation = "Could not analyze grammar."
)

// LookupRequest asks for a dictionary entry for Text, explained in
// TargetLanguage.
type LookupRequest struct {
	SessionID      string
	Text           string
	TargetLanguage string
}

// Token is one word of a phrase breakdown.
type Token struct {
	Word    string `json:"word"`
	POS     string `json:"pos"`
	Meaning string `json:"meaning"`
}

// Entry is a dictionary answer. Words carry a definition, phrases a
// translation and a per-word breakdown.
type Entry struct {
	Type        string   `json:"type"`
	Source      string   `json:"source"`
	Phonetic    string   `json:"phonetic,omitempty"`
	Definition  string   `json:"definition,omitempty"`
	Translation string   `json:"translation,omitempty"`
	Synonyms    []string `json:"synonyms,omitempty"`
	Examples    []string `json:"examples,omitempty"`
	Breakdown   []Token  `json:"breakdown,omitempty"`
}

// ExplainRequest asks for a part-of-speech breakdown of Text.
type ExplainRequest struct {
	SessionID string
	Text      string
}

// Assistant is implemented by backends that can also act as a dictionary
// and grammar tutor.
type Assistant interface {
	Lookup(ctx context.Context, req LookupRequest) (Entry, error)
	Explain(ctx context.Context, req ExplainRequest) (string, error)
}

func entryType(text string) string {
	if len(strings.Fields(text)) > 1 {
		return EntrySentence
	}
	return EntryWord
}

// finishEntry fills what the backend left out and caps list lengths.
func finishEntry(text string, e Entry) Entry {
	e.Source = text
	if e.Type != EntryWord && e.Type != EntrySentence {
		e.Type = entryType(text)
	}
	if e.Type == EntryWord && strings.TrimSpace(e.Definition) == "" {
		e.Definition = FallbackDefinition
	}
	if e.Type == EntrySentence && strings.TrimSpace(e.Translation) == "" {
		e.Translation = FallbackTranslation
	}
	if len(e.Synonyms) > 3 {
		e.Synonyms = e.Synonyms[:3]
	}
	return e
}

func finishExplanation(text string) string {
	if text = strings.TrimSpace(text); text == "" {
		return FallbackExplanation
	}
	return text
}

var (
	_ Assistant = (*mockTranslator)(nil)
	_ Assistant = (*ollamaTranslator)(nil)
	_ Assistant = (*execTranslator)(nil)
)
