package tts

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"time"
)

const (
	mockToneHz     = 440
	mockAmplitude  = 0.2
	mockChunkDelay = 5 * time.Millisecond
)

// mockSynth streams one 100ms beep per word so playback length tracks the
// translation without a real voice.
type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	words := strings.Fields(req.Text)
	chunks := make(chan SynthChunk, len(words))
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		beep := m.beep()
		for i := range words {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(mockChunkDelay):
			}
			chunks <- SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   i,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        beep,
				Final:      i == len(words)-1,
			}
		}
	}()
	return chunks, errs
}

func (m *mockSynth) beep() []byte {
	frames := m.sampleRate / 10
	pcm := make([]byte, frames*m.channels*2)
	for i := 0; i < frames; i++ {
		v := int16(mockAmplitude * math.MaxInt16 * math.Sin(2*math.Pi*mockToneHz*float64(i)/float64(m.sampleRate)))
		for c := 0; c < m.channels; c++ {
			binary.LittleEndian.PutUint16(pcm[(i*m.channels+c)*2:], uint16(v))
		}
	}
	return pcm
}
