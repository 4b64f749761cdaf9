package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/casecall/internal/transcript"
)

// WSEngine talks to a remote voice engine over one WebSocket per call.
type WSEngine struct {
	Emitter

	url    string
	apiKey string
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	writeMu sync.Mutex
	muted   atomic.Bool

	// closing is set by Disconnect. Read errors seen while it is set are not
	// call errors.
	closing atomic.Bool
}

// NewWSEngine creates an engine that dials url for each call. apiKey, when
// set, is sent as a bearer token.
func NewWSEngine(url, apiKey string) *WSEngine {
	return &WSEngine{
		url:    url,
		apiKey: apiKey,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   16384,
			WriteBufferSize:  16384,
		},
	}
}

// clientFrame is every frame the engine sends.
type clientFrame struct {
	Type      string          `json:"type"`
	Assistant *assistantFrame `json:"assistant,omitempty"`
	Message   *chatMessage    `json:"message,omitempty"`
	Control   string          `json:"control,omitempty"`
}

type assistantFrame struct {
	Model        modelFrame `json:"model"`
	Voice        voiceFrame `json:"voice"`
	FirstMessage string     `json:"firstMessage,omitempty"`
}

type modelFrame struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type voiceFrame struct {
	Provider string `json:"provider"`
	VoiceID  string `json:"voiceId"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// serverFrame is every frame the remote engine sends.
type serverFrame struct {
	Type           string          `json:"type"`
	Role           string          `json:"role"`
	TranscriptType string          `json:"transcriptType"`
	Transcript     string          `json:"transcript"`
	Error          json.RawMessage `json:"error"`
}

// Connect dials the remote engine and sends the start frame. Lifecycle events
// arrive from the reader goroutine.
func (e *WSEngine) Connect(ctx context.Context, cfg CallConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return ErrAlreadyConnected
	}

	header := http.Header{}
	if e.apiKey != "" {
		header.Set("Authorization", "Bearer "+e.apiKey)
	}
	conn, _, err := e.dialer.DialContext(ctx, e.url, header)
	if err != nil {
		return fmt.Errorf("dial voice engine: %w", err)
	}

	start := clientFrame{
		Type: "start",
		Assistant: &assistantFrame{
			Model: modelFrame{
				Provider: cfg.ModelProvider,
				Model:    cfg.ModelName,
				Messages: []chatMessage{{Role: "system", Content: cfg.SystemPrompt}},
			},
			Voice:        voiceFrame{Provider: cfg.VoiceProvider, VoiceID: cfg.VoiceID},
			FirstMessage: cfg.FirstMessage,
		},
	}
	if err := writeFrame(conn, &e.writeMu, start); err != nil {
		conn.Close()
		return fmt.Errorf("send start: %w", err)
	}

	e.conn = conn
	e.done = make(chan struct{})
	e.muted.Store(false)
	e.closing.Store(false)
	go e.readLoop(conn, e.done)
	return nil
}

// Disconnect asks the remote engine to stop, closes the socket, and waits for
// the reader to finish. It is a no-op when no call is connected.
func (e *WSEngine) Disconnect() error {
	e.mu.Lock()
	conn, done := e.conn, e.done
	e.mu.Unlock()
	if conn == nil {
		return nil
	}
	e.closing.Store(true)

	if err := writeFrame(conn, &e.writeMu, clientFrame{Type: "stop"}); err != nil {
		slog.Debug("voice engine stop", "error", err)
	}
	e.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	e.writeMu.Unlock()
	conn.Close()
	<-done
	return nil
}

// SetMuted toggles the microphone on the remote engine.
func (e *WSEngine) SetMuted(muted bool) {
	e.muted.Store(muted)
	conn := e.current()
	if conn == nil {
		return
	}
	control := "unmute"
	if muted {
		control = "mute"
	}
	if err := writeFrame(conn, &e.writeMu, clientFrame{Type: "control", Control: control}); err != nil {
		slog.Warn("voice engine mute", "error", err)
	}
}

func (e *WSEngine) IsMuted() bool { return e.muted.Load() }

// Send adds a typed user message to the live call.
func (e *WSEngine) Send(_ context.Context, text string) error {
	conn := e.current()
	if conn == nil {
		return ErrNotConnected
	}
	return writeFrame(conn, &e.writeMu, clientFrame{
		Type:    "add-message",
		Message: &chatMessage{Role: "user", Content: text},
	})
}

func (e *WSEngine) current() *websocket.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

func (e *WSEngine) readLoop(conn *websocket.Conn, done chan struct{}) {
	var started, ended bool
	defer func() {
		e.mu.Lock()
		if e.conn == conn {
			e.conn = nil
		}
		e.mu.Unlock()
		conn.Close()
		if started && !ended {
			e.Emit(Event{Kind: EventCallEnd})
		}
		close(done)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !started && !e.closing.Load() {
				e.Emit(Event{Kind: EventError, Payload: err})
			}
			slog.Debug("voice engine read", "error", err)
			return
		}

		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("voice engine frame", "error", err)
			continue
		}

		switch EventKind(f.Type) {
		case EventCallStart:
			started = true
			e.Emit(Event{Kind: EventCallStart})
		case EventCallEnd:
			ended = true
			e.Emit(Event{Kind: EventCallEnd})
			return
		case EventSpeechStart, EventSpeechEnd:
			e.Emit(Event{Kind: EventKind(f.Type)})
		case EventError:
			e.Emit(Event{Kind: EventError, Payload: f.Error})
		default:
			e.Emit(Event{Kind: EventMessage, Message: transcript.Message{
				Role:           transcript.Role(f.Role),
				Kind:           transcript.Kind(f.Type),
				TranscriptType: transcript.Type(f.TranscriptType),
				Text:           f.Transcript,
				At:             time.Now(),
			}})
		}
	}
}

func writeFrame(conn *websocket.Conn, mu *sync.Mutex, f clientFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}
