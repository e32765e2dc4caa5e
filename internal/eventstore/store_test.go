package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.RecordUtterance(ctx, protocol.Utterance{SessionID: "s", Text: "hi"}); err != nil {
		t.Fatalf("ephemeral record should be a no-op: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %v %v", events, err)
	}
}

func TestRecordConversation(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	sessionID := "kitchen"
	if err := es.AppendSession(ctx, sessionID, "en-US", "fr-FR"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	u := protocol.Utterance{ID: "u-1", SessionID: sessionID, Text: "hello world", Language: "en-US", Voice: true, CommittedAt: at}
	if err := es.RecordUtterance(ctx, u); err != nil {
		t.Fatalf("record utterance: %v", err)
	}
	tr := protocol.Translation{
		UtteranceID:    "u-1",
		SessionID:      sessionID,
		Original:       "hello world",
		Translation:    "bonjour le monde",
		SourceLanguage: "en-US",
		TargetLanguage: "fr-FR",
		Timestamp:      at.Add(time.Second),
	}
	if err := es.RecordTranslation(ctx, tr); err != nil {
		t.Fatalf("record translation: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventUtteranceCommitted || events[1].Type != EventTranslationCompleted {
		t.Fatalf("unexpected order %s, %s", events[0].Type, events[1].Type)
	}
	if events[0].UtteranceID != "u-1" || events[1].Language != "fr-FR" {
		t.Fatalf("unexpected events %+v", events)
	}
	if !events[0].CreatedAt.Equal(at) {
		t.Fatalf("unexpected timestamp %v", events[0].CreatedAt)
	}
	var decoded protocol.Translation
	if err := json.Unmarshal(events[1].Payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Translation != "bonjour le monde" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "old-session", "en-US", "hi-IN"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: EventUtteranceCommitted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "new-session", "en-US", "hi-IN"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
