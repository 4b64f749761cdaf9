package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/casecall/internal/engine"
	"github.com/hubenschmidt/casecall/internal/patients"
	"github.com/hubenschmidt/casecall/internal/session"
	"github.com/hubenschmidt/casecall/internal/settings"
	"github.com/hubenschmidt/casecall/internal/trace"
)

// defaultTraceCallLimit is how many traced calls are returned when the
// caller omits the ?limit= query parameter.
const defaultTraceCallLimit = 20

type deps struct {
	ctrl       *session.Controller
	patients   []patients.Patient
	overrides  *patients.OverrideStore
	settings   *settings.Loader
	traceStore *trace.Store
	wsHandler  http.Handler
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/session", d.wsHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/patients", d.handlePatients)
	mux.HandleFunc("GET /api/call", d.handleCall)
	mux.HandleFunc("POST /api/call/start", d.handleStart)
	mux.HandleFunc("POST /api/call/stop", d.handleStop)
	mux.HandleFunc("POST /api/call/send", d.handleSend)
	mux.HandleFunc("POST /api/call/mute", d.handleMute)
	mux.HandleFunc("POST /api/call/clear", d.handleClear)
	mux.HandleFunc("GET /api/settings", d.handleSettings)
	mux.HandleFunc("PUT /api/settings", d.handleSaveSettings)
	mux.HandleFunc("DELETE /api/settings", d.handleResetSettings)
	registerTraceRoutes(mux, d.traceStore)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (d deps) handlePatients(w http.ResponseWriter, r *http.Request) {
	list, err := d.overrides.LoadMerged(r.Context(), d.patients)
	if err != nil {
		slog.Error("load patient overrides", "error", err)
		list = d.patients
	}
	writeJSON(w, map[string]any{"patients": list})
}

func (d deps) handleCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.ctrl.Snapshot())
}

type startRequest struct {
	CaseContext          *patients.CaseContext `json:"caseContext"`
	FirstMessageOverride string                `json:"firstMessageOverride"`
	PatientName          string                `json:"patientName"`
	CallerName           string                `json:"callerName"`
}

func (d deps) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var cc patients.CaseContext
	switch {
	case req.CaseContext != nil:
		cc = *req.CaseContext
	case req.PatientName != "":
		p, ok := patients.FindByName(d.patients, req.PatientName)
		if !ok {
			http.Error(w, "unknown patient", http.StatusNotFound)
			return
		}
		cc = p.CaseContext(req.CallerName)
	default:
		http.Error(w, "caseContext or patientName required", http.StatusBadRequest)
		return
	}

	err := d.ctrl.StartCall(r.Context(), cc, session.StartOptions{FirstMessageOverride: req.FirstMessageOverride})
	if err != nil {
		http.Error(w, err.Error(), startStatus(err))
		return
	}
	writeJSON(w, d.ctrl.Snapshot())
}

func startStatus(err error) int {
	var cerr *session.ConfigError
	switch {
	case errors.Is(err, session.ErrStartInProgress), errors.Is(err, session.ErrStopped):
		return http.StatusConflict
	case errors.As(err, &cerr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (d deps) handleStop(w http.ResponseWriter, r *http.Request) {
	d.ctrl.Stop()
	writeJSON(w, d.ctrl.Snapshot())
}

func (d deps) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := d.ctrl.Send(r.Context(), req.Text); err != nil {
		http.Error(w, err.Error(), sendStatus(err))
		return
	}
	writeJSON(w, d.ctrl.Snapshot())
}

func sendStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotConnected):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (d deps) handleMute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted bool `json:"muted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	d.ctrl.SetMuted(req.Muted)
	writeJSON(w, d.ctrl.Snapshot())
}

func (d deps) handleClear(w http.ResponseWriter, r *http.Request) {
	d.ctrl.ClearTranscript()
	writeJSON(w, d.ctrl.Snapshot())
}

func (d deps) handleSettings(w http.ResponseWriter, r *http.Request) {
	s, err := d.settings.Load(r.Context())
	if err != nil {
		slog.Warn("load call settings", "error", err)
	}
	writeJSON(w, map[string]any{"settings": s, "missing": s.Missing()})
}

func (d deps) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var s settings.CallSettings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := d.settings.Save(r.Context(), s); err != nil {
		slog.Error("save call settings", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	d.handleSettings(w, r)
}

func (d deps) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	if err := d.settings.Reset(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	d.handleSettings(w, r)
}

func registerTraceRoutes(mux *http.ServeMux, store *trace.Store) {
	mux.HandleFunc("GET /api/traces/calls", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultTraceCallLimit)
		offset := queryInt(r, "offset", 0)
		calls, total, err := store.ListCalls(r.Context(), limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"calls": calls, "total": total})
	})

	mux.HandleFunc("GET /api/traces/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		call, events, err := store.GetCall(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"call": call, "events": events})
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
