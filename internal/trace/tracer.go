package trace

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	maxIOLen   = 500
	queueDepth = 256
)

// Recorder is the write side of Store.
type Recorder interface {
	CreateCall(id, patient, caller string, startedAt time.Time) error
	EndCall(id, status, summary string, endedAt time.Time) error
	CreateEvent(ev Event) error
}

type traceMsg struct {
	kind string // "call_create", "call_end", "event"
	call Call
	ev   Event
}

// Tracer writes the call log asynchronously via a buffered channel. Writes
// are dropped when the queue is full. All methods are nil-safe.
type Tracer struct {
	rec  Recorder
	ch   chan traceMsg
	done chan struct{}
}

// NewTracer starts a tracer writing to rec. Must call Close when done.
func NewTracer(rec Recorder) *Tracer {
	t := &Tracer{
		rec:  rec,
		ch:   make(chan traceMsg, queueDepth),
		done: make(chan struct{}),
	}
	go t.drain()
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	handlers := map[string]func() error{
		"call_create": func() error { return t.rec.CreateCall(m.call.ID, m.call.Patient, m.call.Caller, m.call.StartedAt) },
		"call_end":    func() error { return t.rec.EndCall(m.call.ID, m.call.Status, m.call.Summary, *m.call.EndedAt) },
		"event":       func() error { return t.rec.CreateEvent(m.ev) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		slog.Warn("trace write failed", "kind", m.kind, "error", err)
	}
}

func (t *Tracer) enqueue(m traceMsg) {
	select {
	case t.ch <- m:
	default:
		slog.Warn("trace queue full", "kind", m.kind)
	}
}

// StartCall records a new call.
func (t *Tracer) StartCall(id, patient, caller string) {
	if t == nil {
		return
	}
	t.enqueue(traceMsg{kind: "call_create", call: Call{ID: id, Patient: patient, Caller: caller, StartedAt: time.Now()}})
}

// EndCall records the call's final status and summary.
func (t *Tracer) EndCall(id, status, summary string) {
	if t == nil {
		return
	}
	now := time.Now()
	t.enqueue(traceMsg{kind: "call_end", call: Call{ID: id, Status: status, Summary: truncate(summary, maxIOLen), EndedAt: &now}})
}

// Event records one step of a call.
func (t *Tracer) Event(callID, name string, startedAt time.Time, d time.Duration, detail, status, errMsg string) {
	if t == nil {
		return
	}
	t.enqueue(traceMsg{
		kind: "event",
		ev: Event{
			ID:         uuid.NewString(),
			CallID:     callID,
			Name:       name,
			StartedAt:  startedAt,
			DurationMs: float64(d.Microseconds()) / 1000,
			Detail:     truncate(detail, maxIOLen),
			Status:     status,
			Error:      truncate(errMsg, maxIOLen),
		},
	})
}

// Close drains pending writes and shuts down the background goroutine.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	close(t.ch)
	<-t.done
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
