package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusEngine drives a remote recognizer over NATS. It asks the edge device to
// open its microphone on capture.control and consumes the transcripts it
// publishes for the session.
type BusEngine struct {
	bus       *bus.Client
	sessionID string
	log       *slog.Logger

	mu       sync.Mutex
	handlers Handlers
	subs     []*nats.Subscription
	epoch    uint64
	finals   []Result
	interim  string
	options  EngineOptions
}

func NewBusEngine(busClient *bus.Client, sessionID string) *BusEngine {
	return &BusEngine{
		bus:       busClient,
		sessionID: sessionID,
		log:       busClient.Logger().With(slog.String("component", "bus-engine"), slog.String("session_id", sessionID)),
	}
}

func (e *BusEngine) SetHandlers(h Handlers) {
	e.mu.Lock()
	e.handlers = h
	e.mu.Unlock()
}

func (e *BusEngine) Start(opts EngineOptions) error {
	if !e.bus.Healthy() {
		return errors.New("bus not connected")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs != nil {
		return ErrEngineBusy
	}
	e.epoch++
	epoch := e.epoch
	e.finals = nil
	e.interim = ""
	e.options = opts

	// One subscription for both transcript subjects keeps partials and
	// finals in publish order.
	conn := e.bus.Conn()
	transcripts, err := conn.Subscribe(protocol.SubjectTranscriptAll, func(msg *nats.Msg) { e.handleTranscript(epoch, msg) })
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectTranscriptAll, err)
	}
	errs, err := conn.Subscribe(protocol.SubjectCaptureError, func(msg *nats.Msg) { e.handleError(epoch, msg) })
	if err != nil {
		_ = transcripts.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectCaptureError, err)
	}
	subs := []*nats.Subscription{transcripts, errs}

	if err := e.publishControl("start", opts); err != nil {
		unsubscribeAll(subs)
		return err
	}
	e.subs = subs
	return nil
}

func (e *BusEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		return nil
	}
	unsubscribeAll(e.subs)
	e.subs = nil
	e.epoch++
	return e.publishControl("stop", e.options)
}

func (e *BusEngine) publishControl(action string, opts EngineOptions) error {
	msg := protocol.CaptureControl{
		SessionID:      e.sessionID,
		Action:         action,
		Language:       opts.Language,
		Continuous:     opts.Continuous,
		InterimResults: opts.InterimResults,
		Timestamp:      time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal capture control: %w", err)
	}
	if err := e.bus.Conn().Publish(protocol.SubjectCaptureControl, data); err != nil {
		return fmt.Errorf("publish capture control: %w", err)
	}
	return nil
}

func (e *BusEngine) handleTranscript(epoch uint64, msg *nats.Msg) {
	var tr protocol.Transcript
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		e.log.Warn("failed to decode transcript", slogError(err))
		return
	}
	if tr.SessionID != e.sessionID {
		return
	}

	e.mu.Lock()
	if epoch != e.epoch {
		e.mu.Unlock()
		return
	}
	if tr.Partial {
		e.interim = tr.Text
	} else {
		e.finals = append(e.finals, Result{Text: tr.Text, Final: true})
		e.interim = ""
	}
	results := append([]Result(nil), e.finals...)
	if e.interim != "" {
		results = append(results, Result{Text: e.interim})
	}
	h := e.handlers
	e.mu.Unlock()

	if h.OnResult != nil {
		h.OnResult(results)
	}
}

func (e *BusEngine) handleError(epoch uint64, msg *nats.Msg) {
	var ce protocol.CaptureError
	if err := json.Unmarshal(msg.Data, &ce); err != nil {
		e.log.Warn("failed to decode capture error", slogError(err))
		return
	}
	if ce.SessionID != e.sessionID {
		return
	}

	e.mu.Lock()
	stale := epoch != e.epoch
	h := e.handlers
	e.mu.Unlock()
	if stale || h.OnError == nil {
		return
	}
	h.OnError(ce.Code)
}

func unsubscribeAll(subs []*nats.Subscription) {
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}
