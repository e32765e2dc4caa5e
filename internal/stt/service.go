package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/protocol"
	"github.com/nats-io/nats.go"
)

const transcribeTimeout = 45 * time.Second

// Service is the recognizer side of capture.engine=bus. It opens a session
// when capture.control says start, turns the audio frames of open sessions
// into stt.text.partial and stt.text.final transcripts, and closes the
// session on stop.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  bool
}

type sessionState struct {
	language     string
	interim      bool
	buffer       []byte
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     busClient.Logger().With(slog.String("component", "stt")),
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()
	control, err := conn.Subscribe(protocol.SubjectCaptureControl, s.handleControl)
	if err != nil {
		return fmt.Errorf("subscribe capture control: %w", err)
	}
	frames, err := conn.Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		_ = control.Unsubscribe()
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = []*nats.Subscription{control, frames}
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

// Active reports whether a capture session is open.
func (s *Service) Active(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok
}

func (s *Service) handleControl(msg *nats.Msg) {
	var ctrl protocol.CaptureControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.logger.Warn("failed to decode capture control", slogError(err))
		return
	}
	if ctrl.SessionID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch ctrl.Action {
	case "start":
		// A restart replaces the session. Results still in flight for the
		// old one are discarded when they land.
		s.sessions[ctrl.SessionID] = &sessionState{
			language: ctrl.Language,
			interim:  ctrl.InterimResults,
		}
		s.logger.Debug("recognition session opened", slog.String("session_id", ctrl.SessionID), slog.String("language", ctrl.Language))
	case "stop":
		delete(s.sessions, ctrl.SessionID)
		s.logger.Debug("recognition session closed", slog.String("session_id", ctrl.SessionID))
	default:
		s.logger.Warn("unknown capture control action", slog.String("action", ctrl.Action))
	}
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+".")
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	state.buffer = append(state.buffer, frame.PCM...)
	partial := !frame.Final && s.cfg.PublishInterim && state.interim && s.partialDueLocked(state)
	s.mu.Unlock()

	switch {
	case frame.Final:
		s.scheduleTranscription(frame.SessionID, true)
	case partial:
		s.scheduleTranscription(frame.SessionID, false)
	}
}

func (s *Service) partialDueLocked(state *sessionState) bool {
	if state.inflight {
		return false
	}
	if state.lastPartial.IsZero() {
		state.lastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.lastPartial) >= interval {
		state.lastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.inflight {
		if final {
			state.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	req := Request{
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Language:   state.language,
		Final:      final,
	}
	if final {
		// The utterance ends here. Audio arriving from now on starts the next one.
		req.PCM = state.buffer
		state.buffer = nil
		state.lastPartial = time.Time{}
	} else {
		req.PCM = append([]byte(nil), state.buffer...)
	}
	state.inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, req)
		// Publish before clearing inflight so a partial never lands after
		// the final that follows it.
		if s.current(sessionID, state) {
			if err != nil {
				s.logger.Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(err))
				s.publishError(sessionID, err)
			} else {
				s.publishTranscript(sessionID, req.Language, result, final)
			}
		}

		s.mu.Lock()
		state.inflight = false
		pendingFinal := state.pendingFinal && s.sessions[sessionID] == state
		state.pendingFinal = false
		s.mu.Unlock()

		if pendingFinal {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

func (s *Service) current(sessionID string, state *sessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID] == state
}

func (s *Service) publishTranscript(sessionID, language string, result Result, final bool) {
	if strings.TrimSpace(result.Text) == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       result.Text,
		Partial:    !final,
		Language:   language,
		Timestamp:  time.Now().UTC(),
		Confidence: result.Confidence,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) publishError(sessionID string, err error) {
	msg := protocol.CaptureError{
		SessionID: sessionID,
		Code:      "network",
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	}
	if pubErr := s.bus.PublishJSON(protocol.SubjectCaptureError, msg); pubErr != nil {
		s.logger.Warn("failed to publish capture error", slogError(pubErr))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
