package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-translate/internal/capture"
	"github.com/loqalabs/loqa-translate/internal/pipeline"
)

type captureRequest struct {
	Language string `json:"language"`
}

type captureResponse struct {
	State   capture.ListeningState `json:"state"`
	Phase   string                 `json:"phase"`
	Display string                 `json:"display"`
}

type translateRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Reverse   bool   `json:"reverse"`
}

type lookupRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Language  string `json:"language"`
}

type explainResponse struct {
	Explanation string `json:"explanation"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.telemetry != nil {
		mux.Handle("GET /metrics", r.telemetry.metrics)
	}
	mux.HandleFunc("GET /v1/capture", r.handleCaptureState)
	mux.HandleFunc("POST /v1/capture/start", r.handleCaptureStart)
	mux.HandleFunc("POST /v1/capture/stop", r.handleCaptureStop)
	mux.HandleFunc("POST /v1/capture/toggle", r.handleCaptureToggle)
	mux.Handle("GET /v1/capture/stream", r.hub)
	mux.HandleFunc("POST /v1/translate", r.handleTranslate)
	mux.HandleFunc("POST /v1/dictionary", r.handleDictionary)
	mux.HandleFunc("POST /v1/explain", r.handleExplain)
	mux.HandleFunc("GET /v1/sessions/{id}/events", r.handleSessionEvents)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleCaptureState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.captureSnapshot())
}

func (r *Runtime) handleCaptureStart(w http.ResponseWriter, req *http.Request) {
	body, err := decodeCaptureRequest(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := r.manager.Start(body.Language); err != nil {
		writeCaptureError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.captureSnapshot())
}

func (r *Runtime) handleCaptureStop(w http.ResponseWriter, _ *http.Request) {
	if err := r.manager.Stop(); err != nil {
		writeCaptureError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.captureSnapshot())
}

func (r *Runtime) handleCaptureToggle(w http.ResponseWriter, req *http.Request) {
	body, err := decodeCaptureRequest(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := r.manager.Toggle(body.Language); err != nil {
		writeCaptureError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.captureSnapshot())
}

func (r *Runtime) handleTranslate(w http.ResponseWriter, req *http.Request) {
	var body translateRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	tr, err := r.pipeline.Translate(req.Context(), body.SessionID, body.Text, body.Reverse)
	switch {
	case errors.Is(err, pipeline.ErrEmptyText):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, tr)
	}
}

func (r *Runtime) handleDictionary(w http.ResponseWriter, req *http.Request) {
	var body lookupRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	entry, err := r.pipeline.Lookup(req.Context(), body.SessionID, body.Text, body.Language)
	if err != nil {
		writeAssistantError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (r *Runtime) handleExplain(w http.ResponseWriter, req *http.Request) {
	var body lookupRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	explanation, err := r.pipeline.Explain(req.Context(), body.SessionID, body.Text)
	if err != nil {
		writeAssistantError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, explainResponse{Explanation: explanation})
}

func writeAssistantError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, pipeline.ErrEmptyText):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNoAssistant):
		status = http.StatusNotImplemented
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := r.store.ListSessionEvents(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.logger.Warn("failed to list session events", slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list events"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (r *Runtime) captureSnapshot() captureResponse {
	state := r.manager.State()
	return captureResponse{
		State:   state,
		Phase:   state.Phase.String(),
		Display: r.manager.Display(),
	}
}

// decodeCaptureRequest accepts an empty body as "use the source language".
func decodeCaptureRequest(req *http.Request) (captureRequest, error) {
	var body captureRequest
	if req.Body == nil {
		return body, nil
	}
	err := json.NewDecoder(req.Body).Decode(&body)
	if err != nil && !errors.Is(err, io.EOF) {
		return body, errors.New("invalid json body")
	}
	return body, nil
}

func writeCaptureError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, capture.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, capture.ErrUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, capture.ErrPermissionDenied):
		status = http.StatusForbidden
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
