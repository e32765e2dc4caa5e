package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultDebounce   = 1000 * time.Millisecond
	DefaultRetryDelay = 100 * time.Millisecond
)

// Phase is the manager's lifecycle position.
type Phase int

const (
	PhaseIdle Phase = iota
	// PhaseStarting means the first engine start failed and a retry is pending.
	PhaseStarting
	PhaseListening
	// PhaseCommitting means an utterance is with the pipeline and the engine is paused.
	PhaseCommitting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseListening:
		return "listening"
	case PhaseCommitting:
		return "committing"
	default:
		return "unknown"
	}
}

// ListeningState is the externally visible session state. Language is empty
// when no session exists.
type ListeningState struct {
	Active   bool   `json:"active"`
	Language string `json:"language,omitempty"`
	Phase    Phase  `json:"-"`
}

// Utterance is one committed unit of speech.
type Utterance struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Language    string    `json:"language"`
	Reverse     bool      `json:"reverse"`
	Voice       bool      `json:"voice"`
	CommittedAt time.Time `json:"committed_at"`
}

// Pipeline consumes committed utterances. Implementations call resume
// exactly once when they are done with u, including after failures.
type Pipeline interface {
	Submit(u Utterance, resume func())
}

// PipelineFunc adapts a function to Pipeline.
type PipelineFunc func(u Utterance, resume func())

func (f PipelineFunc) Submit(u Utterance, resume func()) { f(u, resume) }

// Listener observes the manager. Notifications are delivered in order and
// without internal locks held, so a listener may call back into the Manager.
// Notifications raised by such a nested call are delivered after the current
// one returns.
type Listener interface {
	OnDisplay(text string)
	OnState(state ListeningState)
	OnError(err error)
}

type noopListener struct{}

func (noopListener) OnDisplay(string)       {}
func (noopListener) OnState(ListeningState) {}
func (noopListener) OnError(error)          {}

type Options struct {
	SourceLanguage string
	TargetLanguage string
	Debounce       time.Duration
	RetryDelay     time.Duration
	Cleaner        Cleaner
	Clock          Clock
	Listener       Listener
	Logger         *slog.Logger
}

// Manager owns a single recognition session and decides when buffered speech
// becomes an utterance.
type Manager struct {
	engine   SpeechEngine
	pipeline Pipeline
	listener Listener
	cleaner  Cleaner
	clock    Clock
	log      *slog.Logger
	opts     Options
	metrics  managerMetrics

	// op serializes Start, Stop and timer-driven transitions so that a new
	// session never overlaps the teardown and flush of the previous one.
	op sync.Mutex

	mu            sync.Mutex
	phase         Phase
	language      string
	buffer        string
	display       string
	engineRunning bool
	session       uint64
	commitTimer   Timer
	commitSeq     uint64
	retryTimer    Timer

	// seen counts results accepted from the current engine run. Finals that
	// arrive past it while committing are carried into the next run.
	seen   int
	carry  []Result
	prefix string

	events      []func()
	dispatching bool
	inOp        bool
}

// NewManager wires an engine to a pipeline. A nil engine is allowed and makes
// every Start fail with ErrUnsupported.
func NewManager(engine SpeechEngine, pipeline Pipeline, opts Options) *Manager {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Cleaner == nil {
		opts.Cleaner = NewTranscriptCleaner(DefaultCorrections())
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Listener == nil {
		opts.Listener = noopListener{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if pipeline == nil {
		pipeline = PipelineFunc(func(_ Utterance, resume func()) { resume() })
	}

	m := &Manager{
		engine:   engine,
		pipeline: pipeline,
		listener: opts.Listener,
		cleaner:  opts.Cleaner,
		clock:    opts.Clock,
		log:      opts.Logger.With(slog.String("component", "capture")),
		opts:     opts,
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slogError(err))
	}
	if engine != nil {
		engine.SetHandlers(Handlers{
			OnResult: m.handleResults,
			OnError:  m.handleError,
		})
	}
	return m
}

// State returns a snapshot of the listening state.
func (m *Manager) State() ListeningState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// Display returns the current cleaned live transcript.
func (m *Manager) Display() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.display
}

func (m *Manager) stateLocked() ListeningState {
	return ListeningState{
		Active:   m.phase != PhaseIdle,
		Language: m.language,
		Phase:    m.phase,
	}
}

// Start opens a session in language, or the source language when empty.
// A failed engine start is retried once after the retry delay; a second
// failure is logged and leaves the manager idle.
func (m *Manager) Start(language string) error {
	defer m.dispatch()
	m.lockOp()
	defer m.unlockOp()

	if language == "" {
		language = m.opts.SourceLanguage
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseIdle {
		return ErrBusy
	}
	if m.engine == nil {
		m.notifyErrorLocked(ErrUnsupported)
		return ErrUnsupported
	}

	m.session++
	m.language = language
	if err := m.engine.Start(m.engineOptions(language)); err != nil {
		m.log.Warn("speech engine start failed, retrying",
			slog.String("language", language),
			slog.Duration("delay", m.opts.RetryDelay),
			slogError(err))
		m.phase = PhaseStarting
		session := m.session
		m.retryTimer = m.clock.AfterFunc(m.opts.RetryDelay, func() { m.retryStart(session) })
	} else {
		m.phase = PhaseListening
		m.engineRunning = true
		m.log.Info("capture started", slog.String("language", language))
	}
	m.notifyStateLocked()
	return nil
}

func (m *Manager) retryStart(session uint64) {
	defer m.dispatch()
	m.lockOp()
	defer m.unlockOp()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != session || m.phase != PhaseStarting {
		return
	}
	m.retryTimer = nil
	addCounter(m.metrics.retries, m.language)
	if err := m.engine.Start(m.engineOptions(m.language)); err != nil {
		m.log.Error("speech engine start retry failed",
			slog.String("language", m.language),
			slogError(err))
		addCounter(m.metrics.startFailed, m.language)
		m.teardownLocked()
	} else {
		m.phase = PhaseListening
		m.engineRunning = true
		m.log.Info("capture started after retry", slog.String("language", m.language))
	}
	m.notifyStateLocked()
}

// Stop ends the session. Buffered speech, including finals that arrived
// while a commit was in flight, is committed synchronously before Stop
// returns and capture does not resume afterwards.
func (m *Manager) Stop() error {
	defer m.dispatch()
	m.lockOp()
	defer m.unlockOp()

	m.mu.Lock()
	if m.phase == PhaseIdle {
		m.mu.Unlock()
		return nil
	}
	carried, _ := Accumulate(m.carry)
	text := m.cleaner.Clean(joinPieces(m.buffer, carried))
	u := m.utteranceLocked(text)
	m.teardownLocked()
	m.notifyDisplayLocked("")
	m.notifyStateLocked()
	m.mu.Unlock()

	m.log.Info("capture stopped", slog.Bool("flushed", text != ""))
	if text != "" {
		m.submit(u, func() {})
	}
	return nil
}

// Toggle stops an active session or starts a new one.
func (m *Manager) Toggle(language string) error {
	if m.State().Active {
		return m.Stop()
	}
	return m.Start(language)
}

func (m *Manager) handleResults(results []Result) {
	defer m.dispatch()
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseListening:
	case PhaseCommitting:
		// The engine was paused after these were captured.
		if len(results) > m.seen {
			m.carry = finalsOnly(results[m.seen:])
		}
		return
	default:
		return
	}

	m.seen = len(results)
	final, interim := Accumulate(results)
	m.buffer = joinPieces(m.prefix, final)
	m.display = DisplayText(m.cleaner, m.buffer, interim)
	if len(results) > 0 && results[len(results)-1].Final {
		m.scheduleCommitLocked()
	}
	m.notifyDisplayLocked(m.display)
}

func (m *Manager) handleError(code string) {
	if code != ErrorNotAllowed {
		m.log.Warn("speech engine error", slog.String("code", code))
		return
	}

	defer m.dispatch()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseIdle {
		return
	}
	language := m.language
	m.teardownLocked()

	addCounter(m.metrics.denials, language)
	m.log.Warn("microphone permission denied", slog.String("language", language))
	m.notifyDisplayLocked("")
	m.notifyStateLocked()
	m.notifyErrorLocked(ErrPermissionDenied)
}

// scheduleCommitLocked replaces any pending commit timer.
func (m *Manager) scheduleCommitLocked() {
	if m.commitTimer != nil {
		m.commitTimer.Stop()
	}
	m.commitSeq++
	seq := m.commitSeq
	m.commitTimer = m.clock.AfterFunc(m.opts.Debounce, func() { m.commitExpired(seq) })
}

func (m *Manager) commitExpired(seq uint64) {
	defer m.dispatch()
	m.lockOp()
	defer m.unlockOp()

	m.mu.Lock()
	if seq != m.commitSeq || m.phase != PhaseListening {
		m.mu.Unlock()
		return
	}
	m.commitTimer = nil
	text := m.cleaner.Clean(m.buffer)
	m.buffer = ""
	m.display = ""
	m.prefix = ""
	m.notifyDisplayLocked("")
	if text == "" {
		m.mu.Unlock()
		return
	}

	u := m.utteranceLocked(text)
	m.stopEngineLocked()
	m.phase = PhaseCommitting
	session := m.session
	m.notifyStateLocked()
	m.mu.Unlock()

	m.submit(u, func() { m.resume(session) })
}

// resume restarts the engine in the committed language once the pipeline
// is finished. It is a no-op if the session was stopped in the meantime.
// Finals captured during the commit seed the new run and are committed on
// the usual debounce.
func (m *Manager) resume(session uint64) {
	defer m.dispatch()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != session || m.phase != PhaseCommitting {
		return
	}
	language := m.language
	if err := m.engine.Start(m.engineOptions(language)); err != nil {
		m.log.Warn("speech engine restart failed", slog.String("language", language), slogError(err))
		addCounter(m.metrics.startFailed, language)
		m.teardownLocked()
		m.notifyStateLocked()
		return
	}
	m.phase = PhaseListening
	m.engineRunning = true
	m.seen = 0
	addCounter(m.metrics.restarts, language)
	m.notifyStateLocked()

	carried, _ := Accumulate(m.carry)
	m.carry = nil
	if carried == "" {
		return
	}
	m.prefix = carried
	m.buffer = carried
	m.display = m.cleaner.Clean(carried)
	m.notifyDisplayLocked(m.display)
	m.scheduleCommitLocked()
}

func finalsOnly(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Final {
			out = append(out, r)
		}
	}
	return out
}

func (m *Manager) notifyStateLocked() {
	state := m.stateLocked()
	m.events = append(m.events, func() { m.listener.OnState(state) })
}

func (m *Manager) notifyDisplayLocked(text string) {
	m.events = append(m.events, func() { m.listener.OnDisplay(text) })
}

func (m *Manager) notifyErrorLocked(err error) {
	m.events = append(m.events, func() { m.listener.OnError(err) })
}

func (m *Manager) lockOp() {
	m.op.Lock()
	m.mu.Lock()
	m.inOp = true
	m.mu.Unlock()
}

func (m *Manager) unlockOp() {
	m.mu.Lock()
	m.inOp = false
	m.mu.Unlock()
	m.op.Unlock()
}

// dispatch delivers queued listener notifications. Only one goroutine drains
// the queue at a time, and never while op is held: whoever holds op drains
// after releasing it.
func (m *Manager) dispatch() {
	m.mu.Lock()
	if m.dispatching || m.inOp {
		m.mu.Unlock()
		return
	}
	m.dispatching = true
	for len(m.events) > 0 {
		ev := m.events[0]
		m.events = m.events[1:]
		m.mu.Unlock()
		ev()
		m.mu.Lock()
	}
	m.dispatching = false
	m.mu.Unlock()
}

func (m *Manager) submit(u Utterance, resume func()) {
	_, span := otel.Tracer(instrumentationName).Start(context.Background(), "capture.commit")
	span.SetAttributes(
		attribute.String("utterance.id", u.ID),
		attribute.String("utterance.language", u.Language),
		attribute.Bool("utterance.reverse", u.Reverse),
	)
	defer span.End()

	addCounter(m.metrics.commits, u.Language)
	m.log.Info("utterance committed",
		slog.String("id", u.ID),
		slog.String("language", u.Language),
		slog.Bool("reverse", u.Reverse))
	m.pipeline.Submit(u, resume)
}

func (m *Manager) utteranceLocked(text string) Utterance {
	return Utterance{
		ID:          uuid.NewString(),
		Text:        text,
		Language:    m.language,
		Reverse:     m.opts.TargetLanguage != "" && m.language == m.opts.TargetLanguage,
		Voice:       true,
		CommittedAt: m.clock.Now().UTC(),
	}
}

// teardownLocked returns the manager to idle and invalidates every pending
// timer and resume callback of the current session.
func (m *Manager) teardownLocked() {
	if m.commitTimer != nil {
		m.commitTimer.Stop()
		m.commitTimer = nil
	}
	m.commitSeq++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.stopEngineLocked()
	m.session++
	m.phase = PhaseIdle
	m.language = ""
	m.buffer = ""
	m.display = ""
	m.seen = 0
	m.carry = nil
	m.prefix = ""
}

func (m *Manager) stopEngineLocked() {
	if !m.engineRunning {
		return
	}
	m.engineRunning = false
	if err := m.engine.Stop(); err != nil && !errors.Is(err, ErrEngineBusy) {
		m.log.Warn("speech engine stop failed", slogError(err))
	}
}

func (m *Manager) engineOptions(language string) EngineOptions {
	return EngineOptions{
		Language:       language,
		Continuous:     true,
		InterimResults: true,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
