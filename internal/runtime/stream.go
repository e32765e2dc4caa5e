package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-translate/internal/capture"
	"github.com/loqalabs/loqa-translate/internal/protocol"
)

const (
	streamSendBuffer = 64
	streamWriteWait  = 5 * time.Second
	streamPingPeriod = 30 * time.Second
)

// streamEvent is one frame pushed to live capture clients.
type streamEvent struct {
	Type        string                  `json:"type"` // display, state, error, translation
	Text        string                  `json:"text,omitempty"`
	State       *capture.ListeningState `json:"state,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Translation *protocol.Translation   `json:"translation,omitempty"`
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// streamHub fans manager updates out to websocket clients. It implements
// capture.Listener.
type streamHub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger
	snapshot func() (capture.ListeningState, string)

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

func newStreamHub(logger *slog.Logger) *streamHub {
	return &streamHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger.With(slog.String("component", "capture-stream")),
		clients: make(map[*streamClient]struct{}),
	}
}

func (h *streamHub) OnDisplay(text string) {
	h.broadcast(streamEvent{Type: "display", Text: text})
}

func (h *streamHub) OnState(state capture.ListeningState) {
	h.broadcast(streamEvent{Type: "state", State: &state})
}

func (h *streamHub) OnError(err error) {
	h.broadcast(streamEvent{Type: "error", Error: err.Error()})
}

func (h *streamHub) OnTranslation(tr protocol.Translation) {
	h.broadcast(streamEvent{Type: "translation", Translation: &tr})
}

func (h *streamHub) broadcast(evt streamEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Warn("failed to encode stream event", slogError(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow client; drop it rather than stall the manager.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *streamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	c := &streamClient{conn: conn, send: make(chan []byte, streamSendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	if h.snapshot != nil {
		state, display := h.snapshot()
		h.sendTo(c, streamEvent{Type: "state", State: &state})
		h.sendTo(c, streamEvent{Type: "display", Text: display})
	}

	go h.writePump(c)
	h.readPump(c)
}

func (h *streamHub) sendTo(c *streamClient, evt streamEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *streamHub) readPump(c *streamClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *streamHub) writePump(c *streamClient) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *streamHub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *streamHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *streamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
