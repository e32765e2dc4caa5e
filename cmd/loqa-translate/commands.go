package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-translate/internal/capture"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/logging"
	"github.com/loqalabs/loqa-translate/internal/pipeline"
	"github.com/loqalabs/loqa-translate/internal/protocol"
	"github.com/loqalabs/loqa-translate/internal/runtime"
	"github.com/loqalabs/loqa-translate/internal/translate"
	"github.com/loqalabs/loqa-translate/internal/tts"
	"github.com/spf13/cobra"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the translation runtime",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := runtime.New(cfg, logger).Start(ctx); err != nil {
				logger.Error("runtime exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

func newListenCmd(cfgPath *string) *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Translate lines typed on stdin as if they were speech",
		Long: `Each line read from stdin is treated as a final recognition result. A turn is
committed after capture.debounce_ms without new input and its translation is
printed. A line containing only "!deny" simulates a refused microphone.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger := slog.New(logging.NewHandler(cmd.ErrOrStderr(), cfg.Logging))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runListen(ctx, cfg, language, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "Spoken language (defaults to capture.source_language)")
	return cmd
}

func runListen(ctx context.Context, cfg config.Config, language string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	translator, err := translate.New(cfg.Translator)
	if err != nil {
		return err
	}
	corrections, err := capture.LoadCorrections(cfg.Capture.CorrectionsPath)
	if err != nil {
		return err
	}

	printer := newConsole(out)
	deps := pipeline.Deps{Translator: translator, Notify: printer.translation}
	if cfg.TTS.Enabled {
		synth, err := tts.New(cfg.TTS)
		if err != nil {
			return err
		}
		speaker, err := tts.NewSpeaker(cfg.TTS, synth, nil, logger)
		if err != nil {
			return err
		}
		deps.Speaker = speaker
	}
	svc := pipeline.NewService(context.WithoutCancel(ctx), cfg, deps, logger)
	defer svc.Close()

	engine := capture.NewLineEngine(in)
	manager := capture.NewManager(engine, svc, capture.Options{
		SourceLanguage: cfg.Capture.SourceLanguage,
		TargetLanguage: cfg.Capture.TargetLanguage,
		Debounce:       time.Duration(cfg.Capture.DebounceMS) * time.Millisecond,
		RetryDelay:     time.Duration(cfg.Capture.RetryDelayMS) * time.Millisecond,
		Cleaner:        capture.NewTranscriptCleaner(corrections),
		Listener:       printer,
		Logger:         logger,
	})
	if err := manager.Start(language); err != nil {
		return err
	}

	var result error
	select {
	case <-engine.Done():
		result = engine.Err()
	case <-printer.denied:
		result = capture.ErrPermissionDenied
	case <-ctx.Done():
	}
	_ = manager.Stop()
	return result
}

// console prints translations and capture errors for the listen command.
type console struct {
	mu         sync.Mutex
	out        io.Writer
	denied     chan struct{}
	deniedOnce sync.Once
}

func newConsole(out io.Writer) *console {
	return &console{out: out, denied: make(chan struct{})}
}

func (c *console) OnDisplay(string)               {}
func (c *console) OnState(capture.ListeningState) {}

func (c *console) OnError(err error) {
	c.mu.Lock()
	fmt.Fprintf(c.out, "! %v\n", err)
	c.mu.Unlock()
	if errors.Is(err, capture.ErrPermissionDenied) {
		c.deniedOnce.Do(func() { close(c.denied) })
	}
}

func (c *console) translation(tr protocol.Translation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	original := tr.Original
	if tr.WasCorrected {
		original = tr.Corrected
	}
	fmt.Fprintf(c.out, "%s: %s\n", tr.SourceLanguage, original)
	fmt.Fprintf(c.out, "%s: %s\n", tr.TargetLanguage, tr.Translation)
	for _, lang := range slices.Sorted(maps.Keys(tr.Extra)) {
		fmt.Fprintf(c.out, "  %s: %s\n", lang, tr.Extra[lang])
	}
}

func newCleanCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clean <text>",
		Short: "Run text through the transcript cleaner",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			table, err := capture.LoadCorrections(cfg.Capture.CorrectionsPath)
			if err != nil {
				return err
			}
			cleaner := capture.NewTranscriptCleaner(table)
			fmt.Fprintln(cmd.OutOrStdout(), cleaner.Clean(strings.Join(args, " ")))
			return nil
		},
	}
}

func newDefineCmd(cfgPath *string) *cobra.Command {
	var lang string
	cmd := &cobra.Command{
		Use:   "define <text>",
		Short: "Look up a word or phrase in the translator's dictionary",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newAssistantService(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer svc.Close()
			entry, err := svc.Lookup(cmd.Context(), "", strings.Join(args, " "), lang)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", entry.Source, entry.Type)
			if entry.Phonetic != "" {
				fmt.Fprintf(out, "  %s\n", entry.Phonetic)
			}
			if entry.Definition != "" {
				fmt.Fprintf(out, "  %s\n", entry.Definition)
			}
			if entry.Translation != "" {
				fmt.Fprintf(out, "  %s\n", entry.Translation)
			}
			for _, tok := range entry.Breakdown {
				fmt.Fprintf(out, "  - %s [%s]: %s\n", tok.Word, tok.POS, tok.Meaning)
			}
			if len(entry.Synonyms) > 0 {
				fmt.Fprintf(out, "  synonyms: %s\n", strings.Join(entry.Synonyms, ", "))
			}
			for _, ex := range entry.Examples {
				fmt.Fprintf(out, "  e.g. %s\n", ex)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&lang, "language", "l", "", "Language of the explanation (defaults to the source language)")
	return cmd
}

func newExplainCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "explain <text>",
		Short: "Explain the grammar of a sentence",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newAssistantService(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer svc.Close()
			explanation, err := svc.Explain(cmd.Context(), "", strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), explanation)
			return nil
		},
	}
}

func newAssistantService(ctx context.Context, cfgPath string) (*pipeline.Service, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	translator, err := translate.New(cfg.Translator)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return pipeline.NewService(ctx, cfg, pipeline.Deps{Translator: translator}, logger), nil
}

func newCorrectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corrections",
		Short: "Manage transcript correction tables",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a YAML or TOML corrections table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return err
			}
			table, err := capture.LoadCorrections(args[0])
			if err != nil {
				return err
			}
			if err := capture.ValidateCorrections(table); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "corrections valid (%d entries)\n", len(table))
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
