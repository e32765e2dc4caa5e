package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/capture"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/natsserver"
	"github.com/loqalabs/loqa-translate/internal/protocol"
	"github.com/loqalabs/loqa-translate/internal/translate"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTranslator struct {
	mu       sync.Mutex
	requests []translate.Request
	failFor  map[string]bool
}

func (f *fakeTranslator) Translate(_ context.Context, req translate.Request) (translate.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fail := f.failFor[req.TargetLanguage]
	f.mu.Unlock()
	if fail {
		return translate.Result{}, errors.New("backend unavailable")
	}
	res := translate.Result{Original: req.Text, Translation: "[" + req.TargetLanguage + "] " + req.Text}
	if req.GrammarCheck {
		res.Corrected = req.Text + "."
		res.WasCorrected = true
	}
	return res, nil
}

func (f *fakeTranslator) snapshot() []translate.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]translate.Request(nil), f.requests...)
}

type memoryRecorder struct {
	mu           sync.Mutex
	utterances   []protocol.Utterance
	translations []protocol.Translation
	failures     []protocol.TranslationError
}

func (m *memoryRecorder) RecordUtterance(_ context.Context, u protocol.Utterance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utterances = append(m.utterances, u)
	return nil
}

func (m *memoryRecorder) RecordTranslation(_ context.Context, tr protocol.Translation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.translations = append(m.translations, tr)
	return nil
}

func (m *memoryRecorder) RecordFailure(_ context.Context, te protocol.TranslationError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, te)
	return nil
}

type memoryPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *memoryPublisher) PublishJSON(subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *memoryPublisher) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

type recordingSpeaker struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingSpeaker) Speak(_ context.Context, _ string, text, language string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, language+":"+text)
	return "", nil
}

type harness struct {
	svc        *Service
	translator *fakeTranslator
	store      *memoryRecorder
	bus        *memoryPublisher
	speaker    *recordingSpeaker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Capture.SessionID = "test-session"
	h := &harness{
		translator: &fakeTranslator{failFor: map[string]bool{}},
		store:      &memoryRecorder{},
		bus:        &memoryPublisher{},
		speaker:    &recordingSpeaker{},
	}
	h.svc = NewService(context.Background(), cfg, Deps{
		Translator: h.translator,
		Store:      h.store,
		Bus:        h.bus,
		Speaker:    h.speaker,
	}, newLogger())
	t.Cleanup(h.svc.Close)
	return h
}

func submitAndWait(t *testing.T, svc *Service, u capture.Utterance) {
	t.Helper()
	resumed := make(chan struct{}, 2)
	svc.Submit(u, func() { resumed <- struct{}{} })
	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("resume was not called")
	}
	select {
	case <-resumed:
		t.Fatal("resume called twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubmitTranslatesAndResumes(t *testing.T) {
	h := newHarness(t)
	submitAndWait(t, h.svc, capture.Utterance{
		ID:          "u-1",
		Text:        "hello world",
		Language:    "en-US",
		Voice:       true,
		CommittedAt: time.Now(),
	})

	reqs := h.translator.snapshot()
	if len(reqs) != 3 {
		t.Fatalf("expected primary plus two extra translations, got %d", len(reqs))
	}
	if reqs[0].TargetLanguage != "hi-IN" || !reqs[0].GrammarCheck {
		t.Fatalf("unexpected primary request %+v", reqs[0])
	}
	for _, r := range reqs[1:] {
		if r.GrammarCheck {
			t.Fatalf("extra translations must not request grammar check: %+v", r)
		}
	}

	if len(h.store.translations) != 1 {
		t.Fatalf("expected one recorded translation, got %d", len(h.store.translations))
	}
	tr := h.store.translations[0]
	if tr.SessionID != "test-session" || tr.TargetLanguage != "hi-IN" || tr.Reverse {
		t.Fatalf("unexpected translation %+v", tr)
	}
	if !tr.WasCorrected || tr.Corrected != "hello world." {
		t.Fatalf("expected correction, got %+v", tr)
	}
	if tr.Extra["es-ES"] != "[es-ES] hello world" || tr.Extra["fr-FR"] != "[fr-FR] hello world" {
		t.Fatalf("unexpected extras %+v", tr.Extra)
	}
	if _, ok := tr.Extra["hi-IN"]; ok {
		t.Fatal("primary language must not repeat in extras")
	}

	subjects := h.bus.snapshot()
	if len(subjects) != 2 || subjects[0] != protocol.SubjectUtterance || subjects[1] != protocol.SubjectTranslation {
		t.Fatalf("unexpected publications %v", subjects)
	}
	if len(h.speaker.calls) != 1 || h.speaker.calls[0] != "hi-IN:[hi-IN] hello world" {
		t.Fatalf("unexpected playback %v", h.speaker.calls)
	}
}

func TestSubmitReverseTranslatesBackToSource(t *testing.T) {
	h := newHarness(t)
	submitAndWait(t, h.svc, capture.Utterance{
		ID:       "u-2",
		Text:     "namaste",
		Language: "hi-IN",
		Reverse:  true,
		Voice:    true,
	})

	reqs := h.translator.snapshot()
	if len(reqs) != 1 {
		t.Fatalf("reverse turns translate once, got %d", len(reqs))
	}
	if reqs[0].TargetLanguage != "en-US" || reqs[0].SourceLanguage != "hi-IN" || reqs[0].GrammarCheck {
		t.Fatalf("unexpected reverse request %+v", reqs[0])
	}
	tr := h.store.translations[0]
	if !tr.Reverse || tr.WasCorrected || tr.Extra != nil {
		t.Fatalf("unexpected reverse translation %+v", tr)
	}
}

func TestSubmitResumesOnFailure(t *testing.T) {
	h := newHarness(t)
	h.translator.failFor["hi-IN"] = true
	submitAndWait(t, h.svc, capture.Utterance{ID: "u-3", Text: "hello", Language: "en-US", Voice: true})

	if len(h.store.failures) != 1 || h.store.failures[0].UtteranceID != "u-3" {
		t.Fatalf("expected recorded failure, got %+v", h.store.failures)
	}
	if len(h.store.translations) != 0 {
		t.Fatal("failed translation must not be recorded as completed")
	}
	subjects := h.bus.snapshot()
	if subjects[len(subjects)-1] != protocol.SubjectTranslationError {
		t.Fatalf("expected error publication, got %v", subjects)
	}
	if len(h.speaker.calls) != 0 {
		t.Fatal("nothing should be spoken after a failure")
	}
}

func TestExtraTranslationFailuresAreDropped(t *testing.T) {
	h := newHarness(t)
	h.translator.failFor["es-ES"] = true
	tr, err := h.svc.Translate(context.Background(), "", "good morning", false)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if _, ok := tr.Extra["es-ES"]; ok {
		t.Fatal("failed extra translation should be dropped")
	}
	if tr.Extra["fr-FR"] == "" {
		t.Fatalf("expected fr-FR extra, got %+v", tr.Extra)
	}
	if tr.SessionID != "test-session" {
		t.Fatalf("expected default session, got %q", tr.SessionID)
	}
}

func TestTranslateRejectsEmptyText(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Translate(context.Background(), "s", "   ", false); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

func TestTextInputOverBus(t *testing.T) {
	logger := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	results, err := client.Conn().SubscribeSync(protocol.SubjectTranslation)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cfg := config.Default()
	cfg.Capture.ConversationLanguages = nil
	svc := NewService(context.Background(), cfg, Deps{
		Translator: translate.NewMockTranslator(),
		Bus:        client,
		Conn:       client.Conn(),
	}, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}

	if err := client.PublishJSON(protocol.SubjectTextInput, protocol.TextInput{SessionID: "desk", Text: "bonjour", Reverse: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := results.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var tr protocol.Translation
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.SessionID != "desk" || tr.TargetLanguage != "en-US" || tr.Translation != "[en-US] bonjour" {
		t.Fatalf("unexpected translation %+v", tr)
	}
}

type slowTranslator struct {
	fakeTranslator
	delay time.Duration
}

func (s *slowTranslator) Translate(ctx context.Context, req translate.Request) (translate.Result, error) {
	select {
	case <-ctx.Done():
		return translate.Result{}, ctx.Err()
	case <-time.After(s.delay):
	}
	return s.fakeTranslator.Translate(ctx, req)
}

func TestCloseWaitsForInFlightTranslation(t *testing.T) {
	cfg := config.Default()
	cfg.Capture.ConversationLanguages = nil
	store := &memoryRecorder{}
	var notified []protocol.Translation
	var mu sync.Mutex
	svc := NewService(context.Background(), cfg, Deps{
		Translator: &slowTranslator{fakeTranslator: fakeTranslator{failFor: map[string]bool{}}, delay: 100 * time.Millisecond},
		Store:      store,
		Notify: func(tr protocol.Translation) {
			mu.Lock()
			notified = append(notified, tr)
			mu.Unlock()
		},
	}, newLogger())

	resumed := 0
	svc.Submit(capture.Utterance{ID: "u-close", Text: "last words", Language: "en-US", Voice: true}, func() { resumed++ })
	svc.Close()

	if resumed != 1 {
		t.Fatalf("expected one resume after close, got %d", resumed)
	}
	if len(store.failures) != 0 {
		t.Fatalf("in-flight translation was cancelled: %+v", store.failures)
	}
	if len(store.translations) != 1 || store.translations[0].Translation != "[hi-IN] last words" {
		t.Fatalf("expected recorded translation, got %+v", store.translations)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 1 {
		t.Fatalf("expected one notification, got %d", len(notified))
	}
}

func TestLookupAndExplainNeedAssistant(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Lookup(context.Background(), "", "chat", ""); !errors.Is(err, ErrNoAssistant) {
		t.Fatalf("expected ErrNoAssistant, got %v", err)
	}
	if _, err := h.svc.Explain(context.Background(), "", "le chat"); !errors.Is(err, ErrNoAssistant) {
		t.Fatalf("expected ErrNoAssistant, got %v", err)
	}

	cfg := config.Default()
	svc := NewService(context.Background(), cfg, Deps{Translator: translate.NewMockTranslator()}, newLogger())
	defer svc.Close()
	entry, err := svc.Lookup(context.Background(), "", "chat", "")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry.Definition != "[en-US] chat" {
		t.Fatalf("lookup should default to the source language, got %+v", entry)
	}
	if _, err := svc.Explain(context.Background(), "", "  "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}
