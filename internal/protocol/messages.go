package protocol

import "time"

// AudioFrame carries 16-bit PCM from an edge microphone.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents recognizer output broadcast by an edge device.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Language   string    `json:"language,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// CaptureControl asks an edge device to open or close its microphone.
type CaptureControl struct {
	SessionID      string    `json:"session_id"`
	Action         string    `json:"action"` // start, stop
	Language       string    `json:"language,omitempty"`
	Continuous     bool      `json:"continuous"`
	InterimResults bool      `json:"interim_results"`
	Timestamp      time.Time `json:"timestamp"`
}

// CaptureError is reported by an edge device when recognition fails.
type CaptureError struct {
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Utterance is a committed turn handed to translation.
type Utterance struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Text        string    `json:"text"`
	Language    string    `json:"language"`
	Reverse     bool      `json:"reverse"`
	Voice       bool      `json:"voice"`
	CommittedAt time.Time `json:"committed_at"`
}

// Translation is the pipeline result for one utterance.
type Translation struct {
	UtteranceID    string            `json:"utterance_id"`
	SessionID      string            `json:"session_id"`
	Original       string            `json:"original"`
	Corrected      string            `json:"corrected,omitempty"`
	WasCorrected   bool              `json:"was_corrected"`
	Translation    string            `json:"translation"`
	SourceLanguage string            `json:"source_language"`
	TargetLanguage string            `json:"target_language"`
	Reverse        bool              `json:"reverse"`
	Extra          map[string]string `json:"extra,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// TranslationError is published when the pipeline gives up on an utterance.
type TranslationError struct {
	UtteranceID string    `json:"utterance_id"`
	SessionID   string    `json:"session_id"`
	Error       string    `json:"error"`
	Timestamp   time.Time `json:"timestamp"`
}

// TextInput is typed text submitted for translation outside voice capture.
type TextInput struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Reverse   bool   `json:"reverse"`
}

// TTSRequest asks the runtime to speak text.
type TTSRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Language  string `json:"language"`
}

// TTSStatus reports speech playback progress.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Language  string    `json:"language,omitempty"`
	Status    string    `json:"status"`
	Path      string    `json:"path,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectTranscriptAll     = "stt.text.*"
	SubjectCaptureControl    = "capture.control"
	SubjectCaptureError      = "capture.error"
	SubjectTextInput         = "translate.text"
	SubjectUtterance         = "translate.utterance"
	SubjectTranslation       = "translate.result"
	SubjectTranslationError  = "translate.error"
	SubjectTTSRequest        = "tts.request"
	SubjectTTSDone           = "tts.done"
)
