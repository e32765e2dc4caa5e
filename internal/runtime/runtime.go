package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/capture"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/eventstore"
	"github.com/loqalabs/loqa-translate/internal/natsserver"
	"github.com/loqalabs/loqa-translate/internal/pipeline"
	"github.com/loqalabs/loqa-translate/internal/stt"
	"github.com/loqalabs/loqa-translate/internal/translate"
	"github.com/loqalabs/loqa-translate/internal/tts"
)

// mockWordDelay paces the mock engine so a phrase reads like live speech.
const mockWordDelay = 150 * time.Millisecond

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	stt      *stt.Service
	speaker  *tts.Speaker
	tts      *tts.Service
	pipeline *pipeline.Service
	manager  *capture.Manager
	hub      *streamHub
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves HTTP and blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.setup(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && bind != addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.metrics)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.Capture.Engine),
		slog.String("source_language", r.cfg.Capture.SourceLanguage),
		slog.String("target_language", r.cfg.Capture.TargetLanguage))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()
	r.shutdown()

	if err := r.telemetry.shutdown(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slogError(err))
		}
	}()
}

// setup builds the component graph. On error the caller runs shutdown to
// release whatever was already started.
func (r *Runtime) setup(ctx context.Context) error {
	if err := r.setupBus(ctx); err != nil {
		return err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	if err := store.AppendSession(ctx, r.cfg.Capture.SessionID, r.cfg.Capture.SourceLanguage, r.cfg.Capture.TargetLanguage); err != nil {
		r.logger.Warn("failed to record session", slogError(err))
	}

	// Workers outlive ctx so the final flush during shutdown still completes.
	base := context.WithoutCancel(ctx)

	translator, err := translate.New(r.cfg.Translator)
	if err != nil {
		return fmt.Errorf("translator: %w", err)
	}

	if r.cfg.STT.Enabled && r.bus != nil {
		recognizer, err := stt.New(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("stt: %w", err)
		}
		r.stt = stt.NewService(base, r.cfg.STT, r.bus, recognizer)
		if err := r.stt.Start(); err != nil {
			return fmt.Errorf("start stt service: %w", err)
		}
	}

	if r.cfg.TTS.Enabled {
		synth, err := tts.New(r.cfg.TTS)
		if err != nil {
			return fmt.Errorf("tts: %w", err)
		}
		speaker, err := tts.NewSpeaker(r.cfg.TTS, synth, r.bus, r.logger)
		if err != nil {
			return fmt.Errorf("tts speaker: %w", err)
		}
		r.speaker = speaker
		if r.bus != nil {
			r.tts = tts.NewService(base, r.cfg.TTS, r.bus, speaker, r.logger)
			if err := r.tts.Start(); err != nil {
				return fmt.Errorf("start tts service: %w", err)
			}
		}
	}

	r.hub = newStreamHub(r.logger)
	deps := pipeline.Deps{Translator: translator, Store: store, Notify: r.hub.OnTranslation}
	if r.bus != nil {
		deps.Bus = r.bus
		deps.Conn = r.bus.Conn()
	}
	if r.speaker != nil {
		deps.Speaker = r.speaker
	}
	r.pipeline = pipeline.NewService(base, r.cfg, deps, r.logger)
	if err := r.pipeline.Start(); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	corrections, err := capture.LoadCorrections(r.cfg.Capture.CorrectionsPath)
	if err != nil {
		return err
	}
	if err := capture.ValidateCorrections(corrections); err != nil {
		return err
	}

	engine, err := r.newEngine()
	if err != nil {
		return err
	}

	r.manager = capture.NewManager(engine, r.pipeline, capture.Options{
		SourceLanguage: r.cfg.Capture.SourceLanguage,
		TargetLanguage: r.cfg.Capture.TargetLanguage,
		Debounce:       time.Duration(r.cfg.Capture.DebounceMS) * time.Millisecond,
		RetryDelay:     time.Duration(r.cfg.Capture.RetryDelayMS) * time.Millisecond,
		Cleaner:        capture.NewTranscriptCleaner(corrections),
		Listener:       r.hub,
		Logger:         r.logger,
	})
	r.hub.snapshot = func() (capture.ListeningState, string) {
		return r.manager.State(), r.manager.Display()
	}
	return nil
}

func (r *Runtime) setupBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) newEngine() (capture.SpeechEngine, error) {
	switch r.cfg.Capture.Engine {
	case "mock":
		return capture.NewMockEngine(r.cfg.Capture.MockPhrases, mockWordDelay), nil
	case "bus":
		if r.bus == nil {
			return nil, errors.New("capture.engine=bus requires a bus connection")
		}
		return capture.NewBusEngine(r.bus, r.cfg.Capture.SessionID), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown capture engine %q", r.cfg.Capture.Engine)
	}
}

// shutdown releases components in reverse dependency order. Capture stops
// first so its final flush still reaches a live pipeline.
func (r *Runtime) shutdown() {
	if r.manager != nil {
		_ = r.manager.Stop()
	}
	if r.pipeline != nil {
		r.pipeline.Close()
	}
	if r.tts != nil {
		r.tts.Close()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.hub != nil {
		r.hub.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slogError(err))
		}
	}
}

func (r *Runtime) healthy() bool {
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.pipeline != nil && !r.pipeline.Healthy() {
		return false
	}
	if r.tts != nil && !r.tts.Healthy() {
		return false
	}
	if r.stt != nil && !r.stt.Healthy() {
		return false
	}
	return true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
