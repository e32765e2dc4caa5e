package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/eventstore"
	"github.com/loqalabs/loqa-translate/internal/protocol"
	"github.com/loqalabs/loqa-translate/internal/translate"
	"go.opentelemetry.io/otel"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.TTS.Enabled = false
	cfg.Capture.DebounceMS = 50
	cfg.Capture.RetryDelayMS = 10
	cfg.Capture.MockPhrases = []string{"hello hello world"}
	cfg.Capture.ConversationLanguages = []string{"hi-IN", "fr-FR"}
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(cfg, logger)
	if err := r.setup(context.Background()); err != nil {
		r.shutdown()
		t.Fatalf("setup: %v", err)
	}
	srv := httptest.NewServer(r.routes())
	t.Cleanup(func() {
		srv.Close()
		r.shutdown()
	})
	return r, srv
}

func post(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestHealthAndReadiness(t *testing.T) {
	r, srv := newTestServer(t, testConfig(t))

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start, got %d", resp.StatusCode)
	}

	r.ready.Store(true)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}
}

func TestCaptureLifecycleCommitsToEventStore(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t))

	resp, body := post(t, srv.URL+"/v1/capture/start", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", resp.StatusCode, body)
	}
	var snap captureResponse
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !snap.State.Active || snap.State.Language != "en-US" || snap.Phase != "listening" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	resp, _ = post(t, srv.URL+"/v1/capture/start", `{"language":"fr-FR"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict while active, got %d", resp.StatusCode)
	}

	var events []eventstore.Event
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		events = fetchEvents(t, srv.URL, "default")
		if len(events) >= 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(events) < 2 {
		t.Fatalf("expected committed utterance and translation, got %d events", len(events))
	}
	if events[0].Type != eventstore.EventUtteranceCommitted || events[1].Type != eventstore.EventTranslationCompleted {
		t.Fatalf("unexpected event types %s, %s", events[0].Type, events[1].Type)
	}
	var u protocol.Utterance
	if err := json.Unmarshal(events[0].Payload, &u); err != nil {
		t.Fatalf("decode utterance: %v", err)
	}
	if u.Text != "hello world" || u.Reverse || !u.Voice {
		t.Fatalf("unexpected utterance %+v", u)
	}
	var tr protocol.Translation
	if err := json.Unmarshal(events[1].Payload, &tr); err != nil {
		t.Fatalf("decode translation: %v", err)
	}
	if tr.Translation != "[hi-IN] hello world" || tr.Extra["fr-FR"] != "[fr-FR] hello world" {
		t.Fatalf("unexpected translation %+v", tr)
	}

	resp, body = post(t, srv.URL+"/v1/capture/stop", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: %d %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.State.Active || snap.Phase != "idle" {
		t.Fatalf("expected idle after stop, got %+v", snap)
	}
}

func fetchEvents(t *testing.T, base, session string) []eventstore.Event {
	t.Helper()
	resp, err := http.Get(base + "/v1/sessions/" + session + "/events?limit=10")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Events []eventstore.Event `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	return out.Events
}

func TestToggleAndUnsupportedEngine(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.Engine = "none"
	_, srv := newTestServer(t, cfg)

	resp, body := post(t, srv.URL+"/v1/capture/toggle", `{"language":"hi-IN"}`)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501 without an engine, got %d %s", resp.StatusCode, body)
	}
	resp, _ = post(t, srv.URL+"/v1/capture/start", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", resp.StatusCode)
	}
}

func TestTranslateEndpoint(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t))

	resp, body := post(t, srv.URL+"/v1/translate", `{"text":"namaste","reverse":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("translate: %d %s", resp.StatusCode, body)
	}
	var tr protocol.Translation
	if err := json.Unmarshal(body, &tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.Translation != "[en-US] namaste" || !tr.Reverse || tr.SourceLanguage != "hi-IN" {
		t.Fatalf("unexpected translation %+v", tr)
	}

	resp, _ = post(t, srv.URL+"/v1/translate", `{"text":"   "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty text, got %d", resp.StatusCode)
	}
}

func TestDictionaryAndExplainEndpoints(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t))

	resp, body := post(t, srv.URL+"/v1/dictionary", `{"text":"bonjour","language":"hi-IN"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dictionary: %d %s", resp.StatusCode, body)
	}
	var entry translate.Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Type != translate.EntryWord || entry.Definition != "[hi-IN] bonjour" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	resp, body = post(t, srv.URL+"/v1/explain", `{"text":"the cat sleeps"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("explain: %d %s", resp.StatusCode, body)
	}
	var out struct {
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(out.Explanation, "- sleeps") {
		t.Fatalf("unexpected explanation %q", out.Explanation)
	}

	resp, _ = post(t, srv.URL+"/v1/dictionary", `{"text":""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty lookup, got %d", resp.StatusCode)
	}
}

func TestCaptureStreamPushesStateAndDisplay(t *testing.T) {
	r, srv := newTestServer(t, testConfig(t))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/capture/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() streamEvent {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var evt streamEvent
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read: %v", err)
		}
		return evt
	}

	first := read()
	if first.Type != "state" || first.State == nil || first.State.Active {
		t.Fatalf("expected idle state snapshot, got %+v", first)
	}
	if second := read(); second.Type != "display" {
		t.Fatalf("expected display snapshot, got %+v", second)
	}

	if err := r.manager.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	for {
		evt := read()
		if evt.Type == "display" && evt.Text != "" {
			if !strings.HasPrefix(evt.Text, "hello") {
				t.Fatalf("unexpected display %q", evt.Text)
			}
			break
		}
	}
	if r.hub.count() != 1 {
		t.Fatalf("expected one stream client, got %d", r.hub.count())
	}
}

func TestBusCaptureThroughRecognizer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = ""
	cfg.Capture.Engine = "bus"
	cfg.STT.Enabled = true
	cfg.STT.Mode = "mock"
	r, srv := newTestServer(t, cfg)

	resp, body := post(t, srv.URL+"/v1/capture/start", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", resp.StatusCode, body)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !r.stt.Active(cfg.Capture.SessionID) {
		if time.Now().After(deadline) {
			t.Fatal("recognizer never saw the start control")
		}
		time.Sleep(5 * time.Millisecond)
	}

	frame := protocol.AudioFrame{SessionID: cfg.Capture.SessionID, PCM: []byte("good morning everyone"), Final: true}
	if err := r.bus.PublishJSON(protocol.SubjectAudioFramePrefix+"."+cfg.Capture.SessionID, frame); err != nil {
		t.Fatalf("publish frame: %v", err)
	}

	var events []eventstore.Event
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		events = fetchEvents(t, srv.URL, cfg.Capture.SessionID)
		if len(events) >= 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(events) < 2 {
		t.Fatalf("expected committed utterance and translation, got %d events", len(events))
	}
	var u protocol.Utterance
	if err := json.Unmarshal(events[0].Payload, &u); err != nil {
		t.Fatalf("decode utterance: %v", err)
	}
	if u.Text != "good morning everyone" || u.Language != "en-US" {
		t.Fatalf("unexpected utterance %+v", u)
	}
}

func TestTelemetryServesMetrics(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tel, err := setupTelemetry(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	defer tel.shutdown(context.Background())

	counter, err := otel.Meter("runtime-test").Int64Counter("loqa.test.hits")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	tel.metrics.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "loqa_test_hits") {
		t.Fatalf("counter missing from scrape:\n%s", rec.Body.String())
	}
}
