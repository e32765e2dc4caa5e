package capture

import "errors"

// ErrorNotAllowed is the engine error code for denied microphone access.
const ErrorNotAllowed = "not-allowed"

var (
	// ErrUnsupported means the host has no speech recognition capability.
	ErrUnsupported = errors.New("speech recognition not supported")
	// ErrPermissionDenied means the engine reported that microphone access was refused.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrBusy is returned by Start while a session is already live or committing.
	ErrBusy = errors.New("capture session already active")
	// ErrEngineBusy is returned by engines asked to start while already running.
	ErrEngineBusy = errors.New("speech engine already started")
)

// EngineOptions configures one recognition session.
type EngineOptions struct {
	Language       string
	Continuous     bool
	InterimResults bool
}

// Result is a single recognition hypothesis.
type Result struct {
	Text  string
	Final bool
}

// Handlers receive engine output. OnResult is given the cumulative result
// list of the current engine session, in emission order.
type Handlers struct {
	OnResult func([]Result)
	OnError  func(code string)
}

// SpeechEngine abstracts a continuous recognizer.
//
// Implementations deliver handler calls from their own goroutines and never
// synchronously from Start or Stop. Stop must not wait for an in-flight
// handler call to return.
type SpeechEngine interface {
	Start(opts EngineOptions) error
	Stop() error
	SetHandlers(h Handlers)
}
