package capture

import (
	"regexp"
	"strings"
	"unicode"
)

// maxCleanPasses bounds the dedupe/corrections loop for hostile tables.
const maxCleanPasses = 8

// Cleaner post-processes recognizer text before it is displayed or committed.
type Cleaner interface {
	Clean(text string) string
}

// TranscriptCleaner removes stuttered duplicate words and applies a table of
// literal corrections. For a validated table the result is a fixed point:
// Clean(Clean(s)) == Clean(s).
type TranscriptCleaner struct {
	rules []compiledCorrection
}

type compiledCorrection struct {
	pattern *regexp.Regexp
	to      string
}

// NewTranscriptCleaner builds a cleaner for the given table. A nil table
// disables corrections; pass DefaultCorrections() for the stock behaviour.
// Rules whose replacement contains any pattern of the table are skipped.
func NewTranscriptCleaner(table []Correction) *TranscriptCleaner {
	c := &TranscriptCleaner{}
	for _, corr := range table {
		if corr.From == "" {
			continue
		}
		if _, ok := feeds(table, corr); ok {
			continue
		}
		c.rules = append(c.rules, compiledCorrection{
			pattern: regexp.MustCompile("(?i)" + regexp.QuoteMeta(corr.From)),
			to:      corr.To,
		})
	}
	return c
}

func (c *TranscriptCleaner) Clean(text string) string {
	in := strings.TrimSpace(text)
	out := in
	for i := 0; i < maxCleanPasses; i++ {
		next := strings.TrimSpace(c.correct(dedupe(out)))
		if next == out {
			return out
		}
		out = next
	}
	// Corrections that chain across word boundaries never settled; keep
	// only the stutter removal so output never grows past the input.
	return strings.TrimSpace(dedupe(in))
}

func (c *TranscriptCleaner) correct(text string) string {
	for _, rule := range c.rules {
		text = rule.pattern.ReplaceAllLiteralString(text, rule.to)
	}
	return text
}

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenSpace
	tokenPunct
)

type token struct {
	kind tokenKind
	text string
}

func isSentencePunct(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ';':
		return true
	}
	return false
}

func tokenize(text string) []token {
	var tokens []token
	runes := []rune(text)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case isSentencePunct(r):
			tokens = append(tokens, token{kind: tokenPunct, text: string(r)})
			i++
		case unicode.IsSpace(r):
			j := i
			for j < len(runes) && unicode.IsSpace(runes[j]) {
				j++
			}
			tokens = append(tokens, token{kind: tokenSpace, text: string(runes[i:j])})
			i = j
		default:
			j := i
			for j < len(runes) && !unicode.IsSpace(runes[j]) && !isSentencePunct(runes[j]) {
				j++
			}
			tokens = append(tokens, token{kind: tokenWord, text: string(runes[i:j])})
			i = j
		}
	}
	return tokens
}

// dedupe drops a word equal to the word immediately before it, together with
// the whitespace separating them. Punctuation breaks the run.
func dedupe(text string) string {
	tokens := tokenize(text)
	kept := make([]token, 0, len(tokens))
	prev := ""
	for _, tok := range tokens {
		switch tok.kind {
		case tokenPunct:
			prev = ""
			kept = append(kept, tok)
		case tokenSpace:
			kept = append(kept, tok)
		case tokenWord:
			if prev != "" && strings.EqualFold(prev, tok.text) {
				for len(kept) > 0 && kept[len(kept)-1].kind == tokenSpace {
					kept = kept[:len(kept)-1]
				}
				continue
			}
			prev = tok.text
			kept = append(kept, tok)
		}
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, tok := range kept {
		b.WriteString(tok.text)
	}
	return b.String()
}
