package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-translate/internal/capture"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/protocol"
	"github.com/loqalabs/loqa-translate/internal/translate"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const (
	instrumentationName = "github.com/loqalabs/loqa-translate/pipeline"
	defaultTimeout      = 60 * time.Second
	maxParallelExtras   = 4
)

var (
	// ErrEmptyText is returned for typed input that is blank after trimming.
	ErrEmptyText = errors.New("pipeline: empty text")
	// ErrNoAssistant is returned by Lookup and Explain when the translator
	// backend offers no dictionary.
	ErrNoAssistant = errors.New("pipeline: translator has no dictionary support")
)

// Recorder persists the conversation timeline.
type Recorder interface {
	RecordUtterance(ctx context.Context, u protocol.Utterance) error
	RecordTranslation(ctx context.Context, tr protocol.Translation) error
	RecordFailure(ctx context.Context, te protocol.TranslationError) error
}

// Publisher broadcasts pipeline events.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Speaker plays a translation and returns once playback is over.
type Speaker interface {
	Speak(ctx context.Context, sessionID, text, language string) (string, error)
}

// Deps are the collaborators of a Service. Everything except Translator is
// optional. Notify is called with each completed translation before playback.
// Assistant defaults to the Translator when it implements translate.Assistant.
type Deps struct {
	Translator translate.Translator
	Assistant  translate.Assistant
	Store      Recorder
	Bus        Publisher
	Speaker    Speaker
	Conn       *nats.Conn
	Notify     func(protocol.Translation)
}

// Service turns committed utterances into translations. It implements
// capture.Pipeline and also accepts typed text from the bus.
type Service struct {
	cfg     config.Config
	deps    Deps
	timeout time.Duration
	logger  *slog.Logger
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	metrics pipelineMetrics
}

func NewService(parent context.Context, cfg config.Config, deps Deps, logger *slog.Logger) *Service {
	if deps.Assistant == nil {
		if a, ok := deps.Translator.(translate.Assistant); ok {
			deps.Assistant = a
		}
	}
	ctx, cancel := context.WithCancel(parent)
	timeout := time.Duration(cfg.Translator.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	s := &Service{
		cfg:     cfg,
		deps:    deps,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "pipeline")),
		ctx:     ctx,
		cancel:  cancel,
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("pipeline metrics unavailable", slogError(err))
	}
	return s
}

// Start subscribes to typed text input when a bus connection is present.
func (s *Service) Start() error {
	if s.deps.Conn == nil {
		return nil
	}
	sub, err := s.deps.Conn.Subscribe(protocol.SubjectTextInput, s.handleTextInput)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// Close stops taking bus input and waits for in-flight turns before
// cancelling, so a turn flushed by a capture stop still completes.
func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
	s.cancel()
}

func (s *Service) Healthy() bool {
	return s.deps.Conn == nil || s.sub != nil
}

// Submit processes u in the background and calls resume exactly once when
// done, whatever the outcome.
func (s *Service) Submit(u capture.Utterance, resume func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer resume()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		if _, err := s.Process(ctx, s.fromCapture(u)); err != nil {
			s.logger.Warn("utterance translation failed", slog.String("utterance_id", u.ID), slogError(err))
		}
	}()
}

// Translate runs typed text through the pipeline synchronously. When
// reverse is set the text is in the target language and is translated back
// to the source language.
func (s *Service) Translate(ctx context.Context, sessionID, text string, reverse bool) (protocol.Translation, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return protocol.Translation{}, ErrEmptyText
	}
	if sessionID == "" {
		sessionID = s.cfg.Capture.SessionID
	}
	lang := s.cfg.Capture.SourceLanguage
	if reverse {
		lang = s.cfg.Capture.TargetLanguage
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.Process(ctx, protocol.Utterance{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Text:        text,
		Language:    lang,
		Reverse:     reverse,
		CommittedAt: time.Now().UTC(),
	})
}

// Lookup returns a dictionary entry for text explained in language, or the
// source language when empty.
func (s *Service) Lookup(ctx context.Context, sessionID, text, language string) (translate.Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return translate.Entry{}, ErrEmptyText
	}
	if s.deps.Assistant == nil {
		return translate.Entry{}, ErrNoAssistant
	}
	if language == "" {
		language = s.cfg.Capture.SourceLanguage
	}
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "pipeline.lookup")
	span.SetAttributes(attribute.String("lookup.language", language))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entry, err := s.deps.Assistant.Lookup(ctx, translate.LookupRequest{
		SessionID:      s.sessionOrDefault(sessionID),
		Text:           text,
		TargetLanguage: language,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return translate.Entry{}, fmt.Errorf("lookup in %s: %w", language, err)
	}
	s.logger.Debug("dictionary lookup", slog.String("language", language), slog.String("type", entry.Type))
	return entry, nil
}

// Explain returns a part-of-speech breakdown of text.
func (s *Service) Explain(ctx context.Context, sessionID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if s.deps.Assistant == nil {
		return "", ErrNoAssistant
	}
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "pipeline.explain")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	explanation, err := s.deps.Assistant.Explain(ctx, translate.ExplainRequest{
		SessionID: s.sessionOrDefault(sessionID),
		Text:      text,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("explain grammar: %w", err)
	}
	return explanation, nil
}

func (s *Service) sessionOrDefault(sessionID string) string {
	if sessionID == "" {
		return s.cfg.Capture.SessionID
	}
	return sessionID
}

// Process records, translates, publishes and optionally speaks one utterance.
func (s *Service) Process(ctx context.Context, u protocol.Utterance) (protocol.Translation, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "pipeline.process")
	span.SetAttributes(
		attribute.String("utterance.id", u.ID),
		attribute.String("utterance.language", u.Language),
		attribute.Bool("utterance.reverse", u.Reverse),
		attribute.Bool("utterance.voice", u.Voice),
	)
	defer span.End()
	started := time.Now()

	if s.deps.Store != nil {
		if err := s.deps.Store.RecordUtterance(ctx, u); err != nil {
			s.logger.Warn("failed to record utterance", slogError(err))
		}
	}
	s.publish(protocol.SubjectUtterance, u)

	output := s.outputLanguage(u)
	res, err := s.deps.Translator.Translate(ctx, translate.Request{
		SessionID:      u.SessionID,
		Text:           u.Text,
		SourceLanguage: u.Language,
		TargetLanguage: output,
		GrammarCheck:   s.cfg.Translator.GrammarCheck && !u.Reverse,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(ctx, u, err)
		return protocol.Translation{}, fmt.Errorf("translate to %s: %w", output, err)
	}

	tr := protocol.Translation{
		UtteranceID:    u.ID,
		SessionID:      u.SessionID,
		Original:       u.Text,
		Translation:    res.Translation,
		SourceLanguage: u.Language,
		TargetLanguage: output,
		Reverse:        u.Reverse,
		Timestamp:      time.Now().UTC(),
	}
	if res.WasCorrected && !u.Reverse {
		tr.Corrected = res.Corrected
		tr.WasCorrected = true
	}
	if !u.Reverse {
		tr.Extra = s.extraTranslations(ctx, u, output)
	}

	if s.deps.Store != nil {
		if err := s.deps.Store.RecordTranslation(ctx, tr); err != nil {
			s.logger.Warn("failed to record translation", slogError(err))
		}
	}
	s.publish(protocol.SubjectTranslation, tr)
	if s.deps.Notify != nil {
		s.deps.Notify(tr)
	}
	s.metrics.recordSuccess(ctx, output, time.Since(started))
	s.logger.Info("utterance translated",
		slog.String("utterance_id", u.ID),
		slog.String("source_language", u.Language),
		slog.String("target_language", output),
		slog.Bool("corrected", tr.WasCorrected),
		slog.Int("extra", len(tr.Extra)))

	if s.deps.Speaker != nil && (s.cfg.TTS.AutoPlay || u.Voice) {
		if _, err := s.deps.Speaker.Speak(ctx, u.SessionID, tr.Translation, output); err != nil {
			s.logger.Warn("translation playback failed", slogError(err))
		}
	}
	return tr, nil
}

func (s *Service) outputLanguage(u protocol.Utterance) string {
	if u.Reverse {
		return s.cfg.Capture.SourceLanguage
	}
	return s.cfg.Capture.TargetLanguage
}

// extraTranslations renders the original text into the other conversation
// languages. Failures are dropped.
func (s *Service) extraTranslations(ctx context.Context, u protocol.Utterance, primary string) map[string]string {
	var langs []string
	seen := map[string]bool{primary: true}
	for _, lang := range s.cfg.Capture.ConversationLanguages {
		if lang == "" || seen[lang] {
			continue
		}
		seen[lang] = true
		langs = append(langs, lang)
	}
	if len(langs) == 0 {
		return nil
	}

	results := make([]string, len(langs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelExtras)
	for i, lang := range langs {
		g.Go(func() error {
			res, err := s.deps.Translator.Translate(gctx, translate.Request{
				SessionID:      u.SessionID,
				Text:           u.Text,
				SourceLanguage: u.Language,
				TargetLanguage: lang,
			})
			if err != nil {
				s.logger.Debug("extra translation dropped", slog.String("language", lang), slogError(err))
				return nil
			}
			results[i] = res.Translation
			return nil
		})
	}
	_ = g.Wait()

	extra := make(map[string]string, len(langs))
	for i, lang := range langs {
		if results[i] != "" {
			extra[lang] = results[i]
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

func (s *Service) fail(ctx context.Context, u protocol.Utterance, err error) {
	s.metrics.recordFailure(ctx, u.Language)
	te := protocol.TranslationError{
		UtteranceID: u.ID,
		SessionID:   u.SessionID,
		Error:       err.Error(),
		Timestamp:   time.Now().UTC(),
	}
	if s.deps.Store != nil {
		if recErr := s.deps.Store.RecordFailure(context.WithoutCancel(ctx), te); recErr != nil {
			s.logger.Warn("failed to record translation failure", slogError(recErr))
		}
	}
	s.publish(protocol.SubjectTranslationError, te)
}

func (s *Service) publish(subject string, v any) {
	if s.deps.Bus == nil {
		return
	}
	if err := s.deps.Bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) fromCapture(u capture.Utterance) protocol.Utterance {
	return protocol.Utterance{
		ID:          u.ID,
		SessionID:   s.cfg.Capture.SessionID,
		Text:        u.Text,
		Language:    u.Language,
		Reverse:     u.Reverse,
		Voice:       u.Voice,
		CommittedAt: u.CommittedAt,
	}
}

func (s *Service) handleTextInput(msg *nats.Msg) {
	var in protocol.TextInput
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		s.logger.Warn("pipeline failed to decode text input", slogError(err))
		return
	}
	if strings.TrimSpace(in.Text) == "" {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Translate(s.ctx, in.SessionID, in.Text, in.Reverse); err != nil {
			s.logger.Warn("text input translation failed", slog.String("session_id", in.SessionID), slogError(err))
		}
	}()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
