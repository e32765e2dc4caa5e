package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execTranslator struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Op             string `json:"op,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	TargetName     string `json:"target_name"`
	GrammarCheck   bool   `json:"grammar_check"`
}

type execResponse struct {
	Translation string `json:"translation"`
	Corrected   string `json:"corrected,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}

func NewExecTranslator(command string) (Translator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse translator command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("translator command empty")
	}
	return &execTranslator{cmd: args}, nil
}

func (t *execTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	output, err := t.run(ctx, execRequest{
		SessionID:      req.SessionID,
		Text:           req.Text,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		TargetName:     LanguageName(req.TargetLanguage),
		GrammarCheck:   req.GrammarCheck,
	})
	if err != nil {
		return Result{}, err
	}
	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return Result{}, fmt.Errorf("decode translator exec response: %w", err)
	}
	corrected := resp.Corrected
	if !req.GrammarCheck {
		corrected = ""
	}
	return finish(req.Text, corrected, resp.Translation), nil
}

// Lookup sends op "lookup" and expects a dictionary entry on stdout.
func (t *execTranslator) Lookup(ctx context.Context, req LookupRequest) (Entry, error) {
	output, err := t.run(ctx, execRequest{
		Op:             "lookup",
		SessionID:      req.SessionID,
		Text:           req.Text,
		TargetLanguage: req.TargetLanguage,
		TargetName:     LanguageName(req.TargetLanguage),
	})
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(output, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode translator exec lookup: %w", err)
	}
	return finishEntry(strings.TrimSpace(req.Text), entry), nil
}

// Explain sends op "explain" and expects {"explanation": ...} on stdout.
func (t *execTranslator) Explain(ctx context.Context, req ExplainRequest) (string, error) {
	output, err := t.run(ctx, execRequest{Op: "explain", SessionID: req.SessionID, Text: req.Text})
	if err != nil {
		return "", err
	}
	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode translator exec explanation: %w", err)
	}
	return finishExplanation(resp.Explanation), nil
}

func (t *execTranslator) run(ctx context.Context, req execRequest) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	input, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, t.cmd[0], t.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("translator exec command failed: %w", err)
	}
	return output, nil
}
