package translate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type ollamaTranslator struct {
	endpoint    string
	model       string
	temperature float64
	client      *http.Client
}

func NewOllamaTranslator(endpoint, model string, temperature float64) Translator {
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaTranslator{
		endpoint:    strings.TrimRight(endpoint, "/"),
		model:       model,
		temperature: temperature,
		client:      http.DefaultClient,
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Format  string        `json:"format,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type ollamaStreamResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

type modelAnswer struct {
	Translation string  `json:"translation"`
	Corrected   *string `json:"corrected"`
}

func systemPrompt(req Request) string {
	return fmt.Sprintf(`You are a real-time translator.
Target Language: %s.
Grammar Check: %t.

Return JSON:
{
  "translation": "String (The translated text)",
  "corrected": "String | null" (Only if grammar check is ON and input had errors, provide corrected version. Else null)
}`, LanguageName(req.TargetLanguage), req.GrammarCheck)
}

func dictionaryPrompt(req LookupRequest) string {
	lang := LanguageName(req.TargetLanguage)
	return fmt.Sprintf(`You are a dictionary and language learning assistant.
Explain in: %[1]s.

If the input is a single word: give its definition in %[1]s, a phonetic
pronunciation if known, up to 3 synonyms and 2 example sentences, and set
"type" to "word".
If the input is a phrase: translate it to %[1]s, break down the key words
with part of speech and meaning in context, and set "type" to "sentence".

Return JSON:
{
  "type": "word" | "sentence",
  "phonetic": "String (optional)",
  "definition": "String (for words)",
  "translation": "String (for sentences)",
  "synonyms": ["String"],
  "examples": ["String"],
  "breakdown": [{"word": "String", "pos": "String", "meaning": "String"}]
}`, lang)
}

func explainPrompt(text string) string {
	return fmt.Sprintf(`Analyze the grammatical structure of: %q.
Give a concise part-of-speech breakdown of the key words and briefly explain
the sentence structure, as a simple bulleted list.`, text)
}

func (t *ollamaTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	raw, err := t.generate(ctx, systemPrompt(req), req.Text, "json")
	if err != nil {
		return Result{}, err
	}
	var answer modelAnswer
	if err := json.Unmarshal([]byte(raw), &answer); err != nil {
		return Result{}, fmt.Errorf("decode model answer: %w", err)
	}
	var corrected string
	if answer.Corrected != nil && req.GrammarCheck {
		corrected = *answer.Corrected
	}
	return finish(req.Text, corrected, answer.Translation), nil
}

func (t *ollamaTranslator) Lookup(ctx context.Context, req LookupRequest) (Entry, error) {
	raw, err := t.generate(ctx, dictionaryPrompt(req), req.Text, "json")
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, fmt.Errorf("decode dictionary answer: %w", err)
	}
	return finishEntry(strings.TrimSpace(req.Text), entry), nil
}

func (t *ollamaTranslator) Explain(ctx context.Context, req ExplainRequest) (string, error) {
	raw, err := t.generate(ctx, "", explainPrompt(req.Text), "")
	if err != nil {
		return "", err
	}
	return finishExplanation(raw), nil
}

// generate runs one streamed completion and returns the accumulated answer.
func (t *ollamaTranslator) generate(ctx context.Context, system, prompt, format string) (string, error) {
	payload := ollamaRequest{
		Model:   t.model,
		Prompt:  prompt,
		System:  system,
		Format:  format,
		Stream:  true,
		Options: ollamaOptions{Temperature: t.temperature},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("ollama returned status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	var accumulated strings.Builder
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", fmt.Errorf("decode ollama chunk: %w", err)
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama: %s", chunk.Error)
		}
		accumulated.WriteString(chunk.Response)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	raw := strings.TrimSpace(accumulated.String())
	if raw == "" {
		return "", fmt.Errorf("empty response from model")
	}
	return raw, nil
}
