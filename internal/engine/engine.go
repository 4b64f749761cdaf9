// Package engine abstracts the real-time voice engine a call runs on. An
// Engine connects one call at a time and reports what happens during it as
// events delivered to registered handlers.
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/hubenschmidt/casecall/internal/transcript"
)

// EventKind names an engine event.
type EventKind string

const (
	EventCallStart   EventKind = "call-start"
	EventCallEnd     EventKind = "call-end"
	EventMessage     EventKind = "message"
	EventError       EventKind = "error"
	EventSpeechStart EventKind = "speech-start"
	EventSpeechEnd   EventKind = "speech-end"
)

var (
	ErrNotConnected     = errors.New("engine: not connected")
	ErrAlreadyConnected = errors.New("engine: call already connected")
)

// Event is delivered to handlers. Message is set for EventMessage; Payload
// carries the raw error value for EventError and may be any shape.
type Event struct {
	Kind    EventKind
	Message transcript.Message
	Payload any
}

// Handler receives events. Handlers run on the engine's delivery goroutine
// and must not block.
type Handler func(Event)

// Subscription identifies one registered handler. Pass it to Off to remove
// exactly that handler.
type Subscription struct {
	kind EventKind
	id   uint64
}

// Kind returns the event kind the subscription listens for.
func (s Subscription) Kind() EventKind { return s.kind }

// CallConfig is the resolved configuration for one call.
type CallConfig struct {
	ModelProvider string
	ModelName     string
	SystemPrompt  string
	VoiceProvider string
	VoiceID       string
	FirstMessage  string
}

// Engine is a voice engine. Send returns once the engine accepts the text and
// must not deliver events before it returns.
type Engine interface {
	Connect(ctx context.Context, cfg CallConfig) error
	Disconnect() error
	SetMuted(muted bool)
	IsMuted() bool
	Send(ctx context.Context, text string) error
	On(kind EventKind, h Handler) Subscription
	Off(sub Subscription)
}

type entry struct {
	id uint64
	h  Handler
}

// Emitter implements On, Off and Emit. Engines embed it.
type Emitter struct {
	mu       sync.Mutex
	next     uint64
	handlers map[EventKind][]entry
}

// On registers h for kind and returns its token.
func (e *Emitter) On(kind EventKind, h Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[EventKind][]entry)
	}
	e.next++
	e.handlers[kind] = append(e.handlers[kind], entry{id: e.next, h: h})
	return Subscription{kind: kind, id: e.next}
}

// Off removes the handler registered under sub. Unknown tokens are ignored.
func (e *Emitter) Off(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.handlers[sub.kind]
	for i, en := range list {
		if en.id == sub.id {
			e.handlers[sub.kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit calls every handler for ev.Kind in registration order, outside the
// lock.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	list := append([]entry(nil), e.handlers[ev.Kind]...)
	e.mu.Unlock()
	for _, en := range list {
		en.h(ev)
	}
}

// Count returns how many handlers are registered for kind.
func (e *Emitter) Count(kind EventKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[kind])
}
