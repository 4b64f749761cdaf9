package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/casecall/internal/metrics"
	"github.com/hubenschmidt/casecall/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeTimeout = 5 * time.Second

// Controller is the part of session.Controller the stream drives.
type Controller interface {
	Snapshot() session.State
	Subscribe(fn func(session.State)) (unsubscribe func())
	Send(ctx context.Context, text string) error
	SetMuted(muted bool)
	Stop()
	ClearTranscript()
}

// Handler streams session snapshots to UI clients with admission control.
type Handler struct {
	ctrl Controller
	sem  chan struct{}
}

// NewHandler creates a stream handler allowing at most maxClients
// connections.
func NewHandler(ctrl Controller, maxClients int) *Handler {
	if maxClients <= 0 {
		maxClients = 100
	}
	return &Handler{
		ctrl: ctrl,
		sem:  make(chan struct{}, maxClients),
	}
}

// command is a client frame.
type command struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Muted bool   `json:"muted"`
}

// outFrame is a server frame: a snapshot, or the result of a failed command.
type outFrame struct {
	Type  string         `json:"type"`
	State *session.State `json:"state,omitempty"`
	Error string         `json:"error,omitempty"`
}

// ServeHTTP upgrades the connection and streams until the client leaves.
// Returns 503 if at max client capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.StreamClients.Inc()
	defer metrics.StreamClients.Dec()

	h.stream(conn)
}

func (h *Handler) stream(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	send := newFrameSender(conn)
	updates := make(chan session.State, 1)
	unsubscribe := h.ctrl.Subscribe(func(st session.State) {
		latest(updates, st)
	})
	defer unsubscribe()

	initial := h.ctrl.Snapshot()
	if err := send(outFrame{Type: "state", State: &initial}); err != nil {
		return
	}

	go h.readCommands(ctx, cancel, conn, send)

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-updates:
			if err := send(outFrame{Type: "state", State: &st}); err != nil {
				slog.Info("stream closed", "error", err)
				return
			}
		}
	}
}

// latest replaces any undelivered state with st. Only the newest state
// matters to the UI.
func latest(ch chan session.State, st session.State) {
	for {
		select {
		case ch <- st:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (h *Handler) readCommands(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, send func(outFrame) error) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Debug("stream client gone", "error", err)
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			send(outFrame{Type: "error", Error: "bad command"})
			continue
		}
		if err := h.apply(ctx, cmd); err != nil {
			send(outFrame{Type: "error", Error: err.Error()})
		}
	}
}

func (h *Handler) apply(ctx context.Context, cmd command) error {
	switch cmd.Type {
	case "send":
		return h.ctrl.Send(ctx, cmd.Text)
	case "mute":
		h.ctrl.SetMuted(cmd.Muted)
	case "stop":
		h.ctrl.Stop()
	case "clear":
		h.ctrl.ClearTranscript()
	default:
		return fmt.Errorf("unknown command %q", cmd.Type)
	}
	return nil
}

func newFrameSender(conn *websocket.Conn) func(outFrame) error {
	var mu sync.Mutex
	return func(f outFrame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Error("write frame", "error", err)
		}
		return err
	}
}
