// Package transcript accumulates finalized speech segments for one call.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Role identifies who spoke a segment.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind is the engine's message category. Only KindTranscript is kept.
type Kind string

const (
	KindTranscript   Kind = "transcript"
	KindFunctionCall Kind = "function-call"
	KindStatusUpdate Kind = "status-update"
)

// Type distinguishes interim recognition results from final ones.
type Type string

const (
	TypePartial Type = "partial"
	TypeFinal   Type = "final"
)

// Message is one segment delivered by the voice engine.
type Message struct {
	Role           Role      `json:"role"`
	Kind           Kind      `json:"type"`
	TranscriptType Type      `json:"transcriptType"`
	Text           string    `json:"transcript"`
	At             time.Time `json:"at"`
}

// IsFinal reports whether m is a finalized transcript segment.
func (m Message) IsFinal() bool {
	return m.Kind == KindTranscript && m.TranscriptType == TypeFinal
}

// Label is the speaker prefix used in rendered transcripts.
func (m Message) Label() string {
	if m.Role == RoleUser {
		return "Doctor"
	}
	return "Assistant"
}

// Buffer is an append-only, arrival-ordered list of messages.
// It is safe for concurrent use.
type Buffer struct {
	mu   sync.Mutex
	msgs []Message
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds m to the end of the buffer.
func (b *Buffer) Append(m Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
}

// Snapshot returns a copy of the buffered messages in arrival order.
func (b *Buffer) Snapshot() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}

// Len returns the number of buffered messages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.msgs = nil
	b.mu.Unlock()
}

// Render flattens the final transcript segments into "Role: text" lines.
func (b *Buffer) Render() string {
	return Render(b.Snapshot())
}

// Render flattens msgs into "Doctor: ..." / "Assistant: ..." lines, skipping
// anything that is not a final transcript segment.
func Render(msgs []Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		if !m.IsFinal() {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(m.Label())
		sb.WriteString(": ")
		sb.WriteString(m.Text)
	}
	return sb.String()
}
