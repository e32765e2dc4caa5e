package capture

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// DenyCommand typed on its own line simulates a refused microphone.
const DenyCommand = "!deny"

// LineEngine treats each line read from r as a final recognition result.
// Lines typed while the engine is stopped are held until the next Start.
type LineEngine struct {
	r    io.Reader
	once sync.Once
	done chan struct{}

	mu       sync.Mutex
	handlers Handlers
	running  bool
	started  chan struct{}
	results  []Result
	err      error
}

func NewLineEngine(r io.Reader) *LineEngine {
	return &LineEngine{
		r:       r,
		done:    make(chan struct{}),
		started: make(chan struct{}),
	}
}

func (e *LineEngine) SetHandlers(h Handlers) {
	e.mu.Lock()
	e.handlers = h
	e.mu.Unlock()
}

// Done is closed when the reader is exhausted.
func (e *LineEngine) Done() <-chan struct{} {
	return e.done
}

// Err returns the read error that ended input, if any.
func (e *LineEngine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *LineEngine) Start(_ EngineOptions) error {
	e.once.Do(func() { go e.readLoop() })

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrEngineBusy
	}
	e.running = true
	e.results = nil
	close(e.started)
	return nil
}

func (e *LineEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	e.started = make(chan struct{})
	return nil
}

func (e *LineEngine) readLoop() {
	defer close(e.done)
	scanner := bufio.NewScanner(e.r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		e.deliver(line)
	}
	if err := scanner.Err(); err != nil {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
	}
}

func (e *LineEngine) deliver(line string) {
	for {
		e.mu.Lock()
		if !e.running {
			started := e.started
			e.mu.Unlock()
			<-started
			continue
		}
		h := e.handlers
		if line == DenyCommand {
			e.mu.Unlock()
			if h.OnError != nil {
				h.OnError(ErrorNotAllowed)
			}
			return
		}
		e.results = append(e.results, Result{Text: line, Final: true})
		results := append([]Result(nil), e.results...)
		e.mu.Unlock()
		if h.OnResult != nil {
			h.OnResult(results)
		}
		return
	}
}
