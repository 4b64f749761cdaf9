// Package session drives one clinician call at a time: it starts the voice
// engine with the case's prompts, collects the transcript from engine events,
// and when the call ends summarizes it once and saves the summary against the
// patient.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/casecall/internal/engine"
	"github.com/hubenschmidt/casecall/internal/metrics"
	"github.com/hubenschmidt/casecall/internal/patients"
	"github.com/hubenschmidt/casecall/internal/prompts"
	"github.com/hubenschmidt/casecall/internal/settings"
	"github.com/hubenschmidt/casecall/internal/summarizer"
	"github.com/hubenschmidt/casecall/internal/trace"
	"github.com/hubenschmidt/casecall/internal/transcript"
)

// DefaultGracePeriod is how long the end-of-call procedure waits for a last
// transcript message that may trail the call-end event.
const DefaultGracePeriod = 200 * time.Millisecond

// Status is the call status shown to the clinician.
type Status string

const (
	StatusInactive   Status = "INACTIVE"
	StatusConnecting Status = "CONNECTING"
	StatusActive     Status = "ACTIVE"
	StatusFinished   Status = "FINISHED"
)

var (
	ErrStartInProgress = errors.New("session: start already in progress")
	ErrEmptyMessage    = errors.New("session: empty message")
	ErrStopped         = errors.New("session: call stopped while connecting")
)

// ConfigError reports call settings that are missing or blank.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return "call settings incomplete: missing " + strings.Join(e.Missing, ", ")
}

// Summarizer turns a rendered transcript into summary text.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string, cc patients.CaseContext) (string, error)
}

// OverrideWriter persists a summary patch for a patient.
type OverrideWriter interface {
	Merge(ctx context.Context, key string, patch patients.Override) error
}

// Options configures a Controller. Engine and Settings are required.
type Options struct {
	Engine     engine.Engine
	Settings   settings.Source
	Summarizer Summarizer
	Overrides  OverrideWriter
	Tracer     *trace.Tracer

	// GracePeriod may be zero.
	GracePeriod time.Duration

	// BaseContext bounds end-of-call work. It outlives any request.
	BaseContext context.Context

	Now func() time.Time
}

// StartOptions tunes a single call.
type StartOptions struct {
	FirstMessageOverride string `json:"firstMessageOverride,omitempty"`
}

// State is a point-in-time view of the controller.
type State struct {
	Status       Status                `json:"status"`
	IsSpeaking   bool                  `json:"isSpeaking"`
	IsMuted      bool                  `json:"isMuted"`
	LastError    string                `json:"lastError,omitempty"`
	FinalSummary string                `json:"finalSummary,omitempty"`
	SessionID    string                `json:"sessionId,omitempty"`
	CaseContext  *patients.CaseContext `json:"caseContext,omitempty"`
	Messages     []transcript.Message  `json:"messages"`
}

// callSession is one call attempt. cc is a copy taken at start.
type callSession struct {
	id        string
	cc        patients.CaseContext
	buffer    *transcript.Buffer
	startedAt time.Time
	activeAt  time.Time
	ended     bool
	// captured is set once the end-of-call work has read the buffer.
	captured bool
}

// Controller owns the call state machine. All methods are safe for
// concurrent use.
type Controller struct {
	eng        engine.Engine
	settings   settings.Source
	summarizer Summarizer
	overrides  OverrideWriter
	tracer     *trace.Tracer
	grace      time.Duration
	base       context.Context
	now        func() time.Time

	starting atomic.Bool

	mu           sync.Mutex
	status       Status
	speaking     bool
	lastError    string
	finalSummary string
	current      *callSession

	// appendMu orders a sent user message before any reply to it.
	appendMu sync.Mutex

	obsMu     sync.Mutex
	observers map[uint64]func(State)
	nextObs   uint64

	bridge *bridge
	wg     sync.WaitGroup
}

// New creates a controller and registers its handlers on opts.Engine.
func New(opts Options) *Controller {
	c := &Controller{
		eng:        opts.Engine,
		settings:   opts.Settings,
		summarizer: opts.Summarizer,
		overrides:  opts.Overrides,
		tracer:     opts.Tracer,
		grace:      max(opts.GracePeriod, 0),
		base:       opts.BaseContext,
		now:        opts.Now,
		status:     StatusInactive,
		observers:  make(map[uint64]func(State)),
	}
	if c.base == nil {
		c.base = context.Background()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.settings == nil {
		c.settings = settings.Static(settings.Defaults())
	}
	c.bridge = attach(c)
	return c
}

// StartCall begins a call for cc. A call that has not ended is stopped first.
// Returns ErrStartInProgress if another start has not returned yet, a
// *ConfigError if the settings are incomplete, ErrStopped if Stop ran while
// the engine was connecting, or the wrapped engine error.
func (c *Controller) StartCall(ctx context.Context, cc patients.CaseContext, opts StartOptions) error {
	if !c.starting.CompareAndSwap(false, true) {
		return ErrStartInProgress
	}
	defer c.starting.Store(false)

	if c.Live() {
		slog.Info("stopping live call before new start")
		c.Stop()
	}

	sess := &callSession{
		id:        uuid.NewString(),
		cc:        cc,
		buffer:    transcript.NewBuffer(),
		startedAt: c.now(),
	}
	c.mu.Lock()
	c.current = sess
	c.status = StatusConnecting
	c.speaking = false
	c.lastError = ""
	c.finalSummary = ""
	c.mu.Unlock()
	c.notify()

	c.tracer.StartCall(sess.id, cc.PatientName, cc.CallerName)

	st, err := c.settings.Load(ctx)
	if err != nil {
		slog.Warn("load call settings, using defaults", "error", err)
		st = settings.Defaults()
	}
	if missing := st.Missing(); len(missing) > 0 {
		cerr := &ConfigError{Missing: missing}
		c.fail(sess, cerr.Error(), "config_error")
		return cerr
	}

	cfg := engine.CallConfig{
		ModelProvider: st.ModelProvider,
		ModelName:     st.ModelName,
		SystemPrompt:  prompts.Fill(st.SystemPrompt, &sess.cc),
		VoiceProvider: st.VoiceProvider,
		VoiceID:       st.VoiceID,
		FirstMessage:  prompts.FirstMessage(opts.FirstMessageOverride, st.FirstMessage, &sess.cc),
	}

	slog.Info("call connecting", "session_id", sess.id, "patient", cc.PatientName,
		"model_provider", cfg.ModelProvider, "model", cfg.ModelName, "voice_provider", cfg.VoiceProvider)

	start := time.Now()
	if err := c.eng.Connect(ctx, cfg); err != nil {
		msg := engine.ErrorMessage(err)
		c.tracer.Event(sess.id, "connect", start, time.Since(start), cfg.ModelName, "error", msg)
		c.fail(sess, msg, "connect_error")
		return fmt.Errorf("connect: %w", err)
	}
	c.tracer.Event(sess.id, "connect", start, time.Since(start), cfg.ModelName, "ok", "")

	c.mu.Lock()
	stopped := sess.ended
	c.mu.Unlock()
	if stopped {
		slog.Info("call stopped while connecting", "session_id", sess.id)
		if err := c.eng.Disconnect(); err != nil {
			slog.Warn("engine disconnect", "error", err)
		}
		return ErrStopped
	}
	return nil
}

// fail moves sess to INACTIVE with msg as the visible error. The session
// never connected, so there is nothing to summarize.
func (c *Controller) fail(sess *callSession, msg, outcome string) {
	c.mu.Lock()
	sess.ended = true
	if c.current == sess {
		c.status = StatusInactive
		c.lastError = msg
	}
	c.mu.Unlock()

	slog.Error("call start failed", "session_id", sess.id, "outcome", outcome, "error", msg)
	metrics.CallsTotal.WithLabelValues(outcome).Inc()
	c.tracer.EndCall(sess.id, outcome, "")
	c.notify()
}

// Live reports whether the current call has not ended. A call that is
// connecting, or that hit an engine error mid-call, is still live.
func (c *Controller) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && !c.current.ended
}

// Stop ends the current call and forces FINISHED. The end-of-call procedure
// runs if it has not already. Safe in any state.
func (c *Controller) Stop() {
	if err := c.eng.Disconnect(); err != nil {
		slog.Warn("engine disconnect", "error", err)
	}

	c.mu.Lock()
	sess := c.current
	c.status = StatusFinished
	c.speaking = false
	c.mu.Unlock()

	if sess == nil {
		c.notify()
		return
	}
	c.endSession(sess)
	c.notify()
}

// endSession marks sess FINISHED and starts its end-of-call work, once.
func (c *Controller) endSession(sess *callSession) {
	c.mu.Lock()
	if sess.ended {
		c.mu.Unlock()
		return
	}
	sess.ended = true
	if c.current == sess {
		c.status = StatusFinished
		c.speaking = false
	}
	wasActive := !sess.activeAt.IsZero()
	c.mu.Unlock()

	if wasActive {
		metrics.CallsActive.Dec()
		metrics.CallDuration.Observe(c.now().Sub(sess.activeAt).Seconds())
	}
	slog.Info("call ended", "session_id", sess.id, "patient", sess.cc.PatientName)
	c.tracer.Event(sess.id, "call-end", c.now(), 0, "", "ok", "")
	c.notify()

	c.wg.Add(1)
	go c.finish(sess)
}

// finish summarizes the session's transcript and saves the result.
func (c *Controller) finish(sess *callSession) {
	defer c.wg.Done()

	if c.grace > 0 {
		select {
		case <-time.After(c.grace):
		case <-c.base.Done():
			return
		}
	}

	c.mu.Lock()
	text := sess.buffer.Render()
	sess.captured = true
	c.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		slog.Info("empty transcript, skipping summary", "session_id", sess.id)
		metrics.Summaries.WithLabelValues("skipped").Inc()
		c.tracer.EndCall(sess.id, "empty", "")
		return
	}
	if c.summarizer == nil {
		slog.Warn("no summarizer configured", "session_id", sess.id)
		c.tracer.EndCall(sess.id, "no_summary", "")
		return
	}

	start := time.Now()
	summary, err := c.summarizer.Summarize(c.base, text, sess.cc)
	if err != nil {
		slog.Error("summarize", "session_id", sess.id, "error", err)
		metrics.Summaries.WithLabelValues("error").Inc()
		metrics.Errors.WithLabelValues("summarize", errorType(err)).Inc()
		c.tracer.Event(sess.id, "summarize", start, time.Since(start), "", "error", err.Error())
		c.tracer.EndCall(sess.id, "no_summary", "")
		return
	}
	metrics.Summaries.WithLabelValues("ok").Inc()
	c.tracer.Event(sess.id, "summarize", start, time.Since(start), "", "ok", "")

	c.mu.Lock()
	if c.current == sess {
		c.finalSummary = summary
	}
	c.mu.Unlock()
	c.notify()
	slog.Info("call summarized", "session_id", sess.id, "patient", sess.cc.PatientName)

	c.saveSummary(sess, summary)
	c.tracer.EndCall(sess.id, "summarized", summary)
}

func (c *Controller) saveSummary(sess *callSession, summary string) {
	key := sess.cc.Key()
	if key == "" {
		slog.Warn("no patient key, summary not saved", "session_id", sess.id)
		metrics.OverrideWrites.WithLabelValues("skipped").Inc()
		return
	}
	if c.overrides == nil {
		return
	}

	start := time.Now()
	patch := patients.Override{
		FinalSummary: summary,
		DateModified: c.now().UTC().Format(time.RFC3339),
	}
	if err := c.overrides.Merge(c.base, key, patch); err != nil {
		slog.Error("save summary", "session_id", sess.id, "patient", key, "error", err)
		metrics.OverrideWrites.WithLabelValues("error").Inc()
		c.tracer.Event(sess.id, "override", start, time.Since(start), key, "error", err.Error())
		return
	}
	metrics.OverrideWrites.WithLabelValues("ok").Inc()
	c.tracer.Event(sess.id, "override", start, time.Since(start), key, "ok", "")
}

func errorType(err error) string {
	var se *summarizer.Error
	if errors.As(err, &se) {
		return se.Stage
	}
	return "other"
}

// Send forwards a typed message to the live call and records it in the
// transcript once the engine accepts it.
func (c *Controller) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	if err := c.eng.Send(ctx, text); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess != nil {
		sess.buffer.Append(transcript.Message{
			Role:           transcript.RoleUser,
			Kind:           transcript.KindTranscript,
			TranscriptType: transcript.TypeFinal,
			Text:           text,
			At:             c.now(),
		})
		metrics.TranscriptMessages.WithLabelValues(string(transcript.RoleUser)).Inc()
	}
	c.notify()
	return nil
}

// SetMuted mutes or unmutes the clinician's microphone.
func (c *Controller) SetMuted(muted bool) {
	c.eng.SetMuted(muted)
	c.notify()
}

// IsMuted reports the engine's mute state.
func (c *Controller) IsMuted() bool {
	return c.eng.IsMuted()
}

// ClearTranscript empties the current session's transcript. An ended call
// keeps its transcript until the end-of-call work has read it.
func (c *Controller) ClearTranscript() {
	c.mu.Lock()
	sess := c.current
	if sess != nil {
		if sess.ended && !sess.captured {
			c.mu.Unlock()
			slog.Debug("transcript pending summary, not cleared", "session_id", sess.id)
			return
		}
		sess.buffer.Clear()
	}
	c.mu.Unlock()
	c.notify()
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	muted := c.eng.IsMuted()

	c.mu.Lock()
	st := State{
		Status:       c.status,
		IsSpeaking:   c.speaking,
		IsMuted:      muted,
		LastError:    c.lastError,
		FinalSummary: c.finalSummary,
	}
	sess := c.current
	c.mu.Unlock()

	st.Messages = []transcript.Message{}
	if sess != nil {
		cc := sess.cc
		st.SessionID = sess.id
		st.CaseContext = &cc
		st.Messages = sess.buffer.Snapshot()
	}
	return st
}

// Subscribe registers fn to receive a snapshot after every state change.
// fn runs on the goroutine that made the change and must not block.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.obsMu.Lock()
	c.nextObs++
	id := c.nextObs
	c.observers[id] = fn
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

func (c *Controller) notify() {
	c.obsMu.Lock()
	if len(c.observers) == 0 {
		c.obsMu.Unlock()
		return
	}
	fns := make([]func(State), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()

	st := c.Snapshot()
	for _, fn := range fns {
		fn(st)
	}
}

// Close removes the controller's engine handlers and waits for pending
// end-of-call work.
func (c *Controller) Close() {
	c.bridge.detach()
	c.wg.Wait()
}
