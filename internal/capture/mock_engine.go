package capture

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockEngine replays scripted phrases. Each session speaks the next phrase
// word by word as interim results, then marks it final.
type MockEngine struct {
	phrases   []string
	wordDelay time.Duration

	mu         sync.Mutex
	handlers   Handlers
	next       int
	cancel     context.CancelFunc
	failStarts int
}

func NewMockEngine(phrases []string, wordDelay time.Duration) *MockEngine {
	if wordDelay <= 0 {
		wordDelay = 150 * time.Millisecond
	}
	return &MockEngine{
		phrases:   append([]string(nil), phrases...),
		wordDelay: wordDelay,
	}
}

func (e *MockEngine) SetHandlers(h Handlers) {
	e.mu.Lock()
	e.handlers = h
	e.mu.Unlock()
}

// FailStarts makes the next n Start calls return ErrEngineBusy.
func (e *MockEngine) FailStarts(n int) {
	e.mu.Lock()
	e.failStarts = n
	e.mu.Unlock()
}

// Fail delivers an engine error code asynchronously.
func (e *MockEngine) Fail(code string) {
	e.mu.Lock()
	h := e.handlers
	e.mu.Unlock()
	if h.OnError != nil {
		go h.OnError(code)
	}
}

func (e *MockEngine) Start(_ EngineOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failStarts > 0 {
		e.failStarts--
		return ErrEngineBusy
	}
	if e.cancel != nil {
		return ErrEngineBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	if e.next >= len(e.phrases) {
		return nil
	}
	phrase := e.phrases[e.next]
	e.next++
	go e.speak(ctx, phrase)
	return nil
}

func (e *MockEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	return nil
}

func (e *MockEngine) speak(ctx context.Context, phrase string) {
	words := strings.Fields(phrase)
	for i := range words {
		if !e.wait(ctx) {
			return
		}
		e.emit(ctx, []Result{{Text: strings.Join(words[:i+1], " ")}})
	}
	if !e.wait(ctx) {
		return
	}
	e.emit(ctx, []Result{{Text: phrase, Final: true}})
}

func (e *MockEngine) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(e.wordDelay):
		return true
	}
}

func (e *MockEngine) emit(ctx context.Context, results []Result) {
	e.mu.Lock()
	h := e.handlers
	e.mu.Unlock()
	if ctx.Err() != nil || h.OnResult == nil {
		return
	}
	h.OnResult(results)
}
