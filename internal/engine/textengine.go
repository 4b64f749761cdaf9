package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hubenschmidt/casecall/internal/transcript"
)

// Turn is one typed exchange handed to a Responder.
type Turn struct {
	SystemPrompt string
	Model        string
	History      []transcript.Message
	Text         string
}

// Responder produces the assistant reply for a turn.
type Responder interface {
	Respond(ctx context.Context, turn Turn) (string, error)
}

// TextEngine runs a call over typed messages only. Replies come from a
// Responder and are delivered as final assistant transcripts after Send
// returns.
type TextEngine struct {
	Emitter

	responder Responder

	mu      sync.Mutex
	active  bool
	cfg     CallConfig
	history []transcript.Message
	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup
	muted   atomic.Bool
}

// NewTextEngine creates a text engine backed by r.
func NewTextEngine(r Responder) *TextEngine {
	return &TextEngine{responder: r}
}

// Connect starts the call, then speaks the opening message if one is set.
func (e *TextEngine) Connect(_ context.Context, cfg CallConfig) error {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return ErrAlreadyConnected
	}
	e.active = true
	e.cfg = cfg
	e.history = nil
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.muted.Store(false)

	var opening *transcript.Message
	if cfg.FirstMessage != "" {
		m := assistantMessage(cfg.FirstMessage)
		e.history = append(e.history, m)
		opening = &m
	}
	e.mu.Unlock()

	e.Emit(Event{Kind: EventCallStart})
	if opening != nil {
		e.Emit(Event{Kind: EventSpeechStart})
		e.Emit(Event{Kind: EventMessage, Message: *opening})
		e.Emit(Event{Kind: EventSpeechEnd})
	}
	return nil
}

// Disconnect cancels any reply in flight, waits for it, and ends the call.
func (e *TextEngine) Disconnect() error {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return nil
	}
	e.active = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	e.Emit(Event{Kind: EventCallEnd})
	return nil
}

// SetMuted has no effect on typed input but is tracked for callers.
func (e *TextEngine) SetMuted(muted bool) { e.muted.Store(muted) }

func (e *TextEngine) IsMuted() bool { return e.muted.Load() }

// Send records the user text and starts generating the reply.
func (e *TextEngine) Send(_ context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return ErrNotConnected
	}

	turn := Turn{
		SystemPrompt: e.cfg.SystemPrompt,
		Model:        e.cfg.ModelName,
		History:      append([]transcript.Message(nil), e.history...),
		Text:         text,
	}
	e.history = append(e.history, transcript.Message{
		Role:           transcript.RoleUser,
		Kind:           transcript.KindTranscript,
		TranscriptType: transcript.TypeFinal,
		Text:           text,
		At:             time.Now(),
	})

	ctx := e.ctx
	e.wg.Add(1)
	go e.reply(ctx, turn)
	return nil
}

func (e *TextEngine) reply(ctx context.Context, turn Turn) {
	defer e.wg.Done()

	e.Emit(Event{Kind: EventSpeechStart})
	defer e.Emit(Event{Kind: EventSpeechEnd})

	text, err := e.responder.Respond(ctx, turn)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Error("text engine reply", "error", err)
		e.Emit(Event{Kind: EventError, Payload: err})
		return
	}

	m := assistantMessage(text)
	e.mu.Lock()
	e.history = append(e.history, m)
	e.mu.Unlock()
	e.Emit(Event{Kind: EventMessage, Message: m})
}

func assistantMessage(text string) transcript.Message {
	return transcript.Message{
		Role:           transcript.RoleAssistant,
		Kind:           transcript.KindTranscript,
		TranscriptType: transcript.TypeFinal,
		Text:           text,
		At:             time.Now(),
	}
}
