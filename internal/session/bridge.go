package session

import (
	"log/slog"

	"github.com/hubenschmidt/casecall/internal/engine"
	"github.com/hubenschmidt/casecall/internal/metrics"
)

// bridge holds the engine subscriptions made for one controller. Handlers
// look up the current session on every event.
type bridge struct {
	eng  engine.Engine
	subs []engine.Subscription
}

func attach(c *Controller) *bridge {
	b := &bridge{eng: c.eng}
	b.on(engine.EventCallStart, c.onCallStart)
	b.on(engine.EventCallEnd, c.onCallEnd)
	b.on(engine.EventMessage, c.onMessage)
	b.on(engine.EventError, c.onError)
	b.on(engine.EventSpeechStart, func(engine.Event) { c.setSpeaking(true) })
	b.on(engine.EventSpeechEnd, func(engine.Event) { c.setSpeaking(false) })
	return b
}

func (b *bridge) on(kind engine.EventKind, h engine.Handler) {
	b.subs = append(b.subs, b.eng.On(kind, h))
}

func (b *bridge) detach() {
	for _, s := range b.subs {
		b.eng.Off(s)
	}
	b.subs = nil
}

func (c *Controller) onCallStart(engine.Event) {
	c.mu.Lock()
	sess := c.current
	if sess == nil || sess.ended {
		c.mu.Unlock()
		return
	}
	c.status = StatusActive
	first := sess.activeAt.IsZero()
	if first {
		sess.activeAt = c.now()
	}
	c.mu.Unlock()

	if first {
		metrics.CallsActive.Inc()
		metrics.CallsTotal.WithLabelValues("connected").Inc()
		c.tracer.Event(sess.id, "call-start", sess.activeAt, 0, "", "ok", "")
	}
	slog.Info("call active", "session_id", sess.id)
	c.notify()
}

func (c *Controller) onCallEnd(engine.Event) {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil {
		return
	}
	c.endSession(sess)
}

// onMessage keeps final transcript segments. Segments that land after
// call-end still go to the ending session's buffer, which the end-of-call
// procedure reads after its grace period. A session stopped before it went
// active takes no messages.
func (c *Controller) onMessage(ev engine.Event) {
	if !ev.Message.IsFinal() {
		return
	}

	c.appendMu.Lock()
	c.mu.Lock()
	sess := c.current
	dropped := sess != nil && sess.ended && sess.activeAt.IsZero()
	c.mu.Unlock()
	if sess == nil || dropped {
		c.appendMu.Unlock()
		return
	}
	msg := ev.Message
	if msg.At.IsZero() {
		msg.At = c.now()
	}
	sess.buffer.Append(msg)
	c.appendMu.Unlock()

	metrics.TranscriptMessages.WithLabelValues(string(msg.Role)).Inc()
	c.notify()
}

func (c *Controller) onError(ev engine.Event) {
	msg := engine.ErrorMessage(ev.Payload)

	c.mu.Lock()
	sess := c.current
	if sess != nil && !sess.ended {
		c.status = StatusInactive
	}
	c.speaking = false
	c.lastError = msg
	c.mu.Unlock()

	id := ""
	if sess != nil {
		id = sess.id
		c.tracer.Event(id, "error", c.now(), 0, "", "error", msg)
	}
	slog.Error("call error", "session_id", id, "error", msg)
	metrics.Errors.WithLabelValues("engine", "event").Inc()
	c.notify()
}

func (c *Controller) setSpeaking(v bool) {
	c.mu.Lock()
	c.speaking = v
	c.mu.Unlock()
	c.notify()
}
