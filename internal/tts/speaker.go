package tts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/protocol"
)

// Speaker turns text into a WAV file and optionally plays it. Speak blocks
// until playback has finished, so callers can use its return as the
// completion signal. Calls are serialized.
type Speaker struct {
	mu     sync.Mutex
	cfg    config.TTSConfig
	synth  Synthesizer
	bus    *bus.Client
	play   []string
	logger *slog.Logger
}

// NewSpeaker builds a Speaker. busClient may be nil.
func NewSpeaker(cfg config.TTSConfig, synth Synthesizer, busClient *bus.Client, log *slog.Logger) (*Speaker, error) {
	s := &Speaker{
		cfg:    cfg,
		synth:  synth,
		bus:    busClient,
		logger: log.With(slog.String("component", "tts-speaker")),
	}
	if cfg.PlayCommand != "" {
		args, err := parseCommand(cfg.PlayCommand)
		if err != nil {
			return nil, fmt.Errorf("parse play command: %w", err)
		}
		s.play = args
	}
	return s, nil
}

// Speak synthesizes text in language and returns the path of the written WAV.
func (s *Speaker) Speak(ctx context.Context, sessionID, text, language string) (string, error) {
	s.mu.Lock()
	path, err := s.speak(ctx, sessionID, text, language)
	status := protocol.TTSStatus{
		SessionID: sessionID,
		Language:  language,
		Status:    "completed",
		Path:      path,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		status.Status = "failed"
		status.Error = err.Error()
	}
	s.mu.Unlock()
	if s.bus != nil {
		if pubErr := s.bus.PublishJSON(protocol.SubjectTTSDone, status); pubErr != nil {
			s.logger.Warn("failed to publish tts status", slogError(pubErr))
		}
	}
	return path, err
}

func (s *Speaker) speak(ctx context.Context, sessionID, text, language string) (string, error) {
	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{
		SessionID: sessionID,
		Text:      text,
		Language:  language,
		Voice:     s.cfg.Voice,
	})

	var pcm []byte
	sampleRate, channels := s.cfg.SampleRate, s.cfg.Channels
	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			pcm = append(pcm, chunk.PCM...)
			if chunk.SampleRate > 0 {
				sampleRate = chunk.SampleRate
			}
			if chunk.Channels > 0 {
				channels = chunk.Channels
			}
		case err, ok := <-errs:
			if ok && err != nil && synthErr == nil {
				synthErr = err
			}
			if !ok {
				errs = nil
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if synthErr != nil {
		return "", fmt.Errorf("synthesize: %w", synthErr)
	}

	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create audio directory: %w", err)
	}
	path := filepath.Join(s.cfg.OutputDir, fmt.Sprintf("%s-%s.wav", safeName(sessionID), uuid.NewString()))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create wav file: %w", err)
	}
	if err := EncodeWAV(file, pcm, sampleRate, channels); err != nil {
		file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close wav file: %w", err)
	}

	if len(s.play) > 0 {
		args := append(append([]string{}, s.play[1:]...), path)
		cmd := exec.CommandContext(ctx, s.play[0], args...)
		if out, err := cmd.CombinedOutput(); err != nil {
			s.logger.Warn("playback failed", slog.String("output", string(out)), slogError(err))
			return path, fmt.Errorf("play audio: %w", err)
		}
	}
	s.logger.Debug("speech written", slog.String("path", path), slog.String("language", language))
	return path, nil
}

func safeName(s string) string {
	if s == "" {
		return "session"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
