package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hubenschmidt/casecall/internal/engine"
	"github.com/hubenschmidt/casecall/internal/kv"
	"github.com/hubenschmidt/casecall/internal/patients"
	"github.com/hubenschmidt/casecall/internal/session"
	"github.com/hubenschmidt/casecall/internal/settings"
	"github.com/hubenschmidt/casecall/internal/summarizer"
)

type echoResponder struct{}

func (echoResponder) Respond(_ context.Context, turn engine.Turn) (string, error) {
	return "You said: " + turn.Text, nil
}

type testServer struct {
	srv       *httptest.Server
	ctrl      *session.Controller
	overrides *patients.OverrideStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	summ := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"pretty_text":"Patient reports chest pain."}`)
	}))
	t.Cleanup(summ.Close)

	store, err := kv.OpenBadger("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	base, err := patients.LoadSeed("")
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}

	overrides := patients.NewOverrideStore(store)
	loader := settings.NewLoader("", store)
	ctrl := session.New(session.Options{
		Engine:      engine.NewTextEngine(echoResponder{}),
		Settings:    loader,
		Summarizer:  summarizer.NewClient(summ.URL, 2, 5*time.Second),
		Overrides:   overrides,
		GracePeriod: 10 * time.Millisecond,
	})
	t.Cleanup(ctrl.Close)

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		ctrl:      ctrl,
		patients:  base,
		overrides: overrides,
		settings:  loader,
		wsHandler: http.NotFoundHandler(),
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, ctrl: ctrl, overrides: overrides}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func decodeState(t *testing.T, data []byte) session.State {
	t.Helper()
	var st session.State
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("decode state %s: %v", data, err)
	}
	return st
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.do(t, http.MethodGet, "/health", "")
	if code != http.StatusOK || string(body) != "ok" {
		t.Errorf("got %d %q, want 200 ok", code, body)
	}
}

func TestPatientsMerged(t *testing.T) {
	ts := newTestServer(t)
	err := ts.overrides.Merge(context.Background(), "Jane Doe", patients.Override{
		FinalSummary: "earlier summary",
		DateModified: "2025-08-01T09:00:00Z",
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	code, body := ts.do(t, http.MethodGet, "/api/patients", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var resp struct {
		Patients []patients.Patient `json:"patients"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	p, ok := patients.FindByName(resp.Patients, "Jane Doe")
	if !ok {
		t.Fatal("Jane Doe missing")
	}
	if p.FinalSummary != "earlier summary" {
		t.Errorf("final_summary = %q", p.FinalSummary)
	}
}

func TestCallLifecycle(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/api/call/start", `{"patientName":"Jane Doe","callerName":"Dr. Who"}`)
	if code != http.StatusOK {
		t.Fatalf("start = %d %s", code, body)
	}
	st := decodeState(t, body)
	if st.Status != session.StatusActive {
		t.Errorf("status = %s, want ACTIVE", st.Status)
	}
	if st.CaseContext == nil || st.CaseContext.CallerName != "Dr. Who" {
		t.Errorf("case context = %+v", st.CaseContext)
	}

	if code, body := ts.do(t, http.MethodPost, "/api/call/send", `{"text":"where does it hurt?"}`); code != http.StatusOK {
		t.Fatalf("send = %d %s", code, body)
	}
	eventually(t, "assistant reply", func() bool {
		for _, m := range ts.ctrl.Snapshot().Messages {
			if m.Text == "You said: where does it hurt?" {
				return true
			}
		}
		return false
	})

	if code, body := ts.do(t, http.MethodPost, "/api/call/mute", `{"muted":true}`); code != http.StatusOK || !decodeState(t, body).IsMuted {
		t.Errorf("mute = %d %s", code, body)
	}

	code, body = ts.do(t, http.MethodPost, "/api/call/stop", "")
	if code != http.StatusOK || decodeState(t, body).Status != session.StatusFinished {
		t.Fatalf("stop = %d %s", code, body)
	}

	eventually(t, "summary saved", func() bool {
		saved, err := ts.overrides.Load(context.Background())
		return err == nil && saved["Jane Doe"].FinalSummary == "Patient reports chest pain."
	})
	if got := ts.ctrl.Snapshot().FinalSummary; got != "Patient reports chest pain." {
		t.Errorf("finalSummary = %q", got)
	}

	code, body = ts.do(t, http.MethodPost, "/api/call/clear", "")
	if code != http.StatusOK || len(decodeState(t, body).Messages) != 0 {
		t.Errorf("clear = %d %s", code, body)
	}
}

func TestStartRequestErrors(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"no patient", `{}`, http.StatusBadRequest},
		{"unknown patient", `{"patientName":"Nobody"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, body := ts.do(t, http.MethodPost, "/api/call/start", tt.body); code != tt.want {
				t.Errorf("got %d %s, want %d", code, body, tt.want)
			}
		})
	}
}

func TestStartIncompleteSettings(t *testing.T) {
	ts := newTestServer(t)

	saved := settings.Defaults()
	saved.VoiceID = ""
	data, _ := json.Marshal(saved)
	if code, body := ts.do(t, http.MethodPut, "/api/settings", string(data)); code != http.StatusOK {
		t.Fatalf("save settings = %d %s", code, body)
	}

	code, body := ts.do(t, http.MethodPost, "/api/call/start", `{"caseContext":{"patientName":"Jane Doe"}}`)
	if code != http.StatusUnprocessableEntity || !strings.Contains(string(body), "voiceId") {
		t.Errorf("start = %d %s, want 422 naming voiceId", code, body)
	}
	if st := ts.ctrl.Snapshot(); st.Status != session.StatusInactive || st.LastError == "" {
		t.Errorf("state = %+v", st)
	}

	if code, _ := ts.do(t, http.MethodDelete, "/api/settings", ""); code != http.StatusOK {
		t.Fatalf("reset = %d", code)
	}
	if code, body := ts.do(t, http.MethodPost, "/api/call/start", `{"caseContext":{"patientName":"Jane Doe"}}`); code != http.StatusOK {
		t.Errorf("start after reset = %d %s", code, body)
	}
}

func TestSendErrors(t *testing.T) {
	ts := newTestServer(t)
	if code, _ := ts.do(t, http.MethodPost, "/api/call/send", `{"text":"  "}`); code != http.StatusBadRequest {
		t.Errorf("empty text = %d, want 400", code)
	}
	if code, _ := ts.do(t, http.MethodPost, "/api/call/send", `{"text":"hello"}`); code != http.StatusConflict {
		t.Errorf("no call = %d, want 409", code)
	}
}

func TestTracesDisabled(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/traces/calls", "/api/traces/calls/abc"} {
		if code, _ := ts.do(t, http.MethodGet, path, ""); code != http.StatusNotFound {
			t.Errorf("%s = %d, want 404", path, code)
		}
	}
}

func TestStartStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrStartInProgress, http.StatusConflict},
		{session.ErrStopped, http.StatusConflict},
		{&session.ConfigError{Missing: []string{"modelName"}}, http.StatusUnprocessableEntity},
		{fmt.Errorf("connect: %w", errors.New("dial refused")), http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := startStatus(tt.err); got != tt.want {
			t.Errorf("startStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?limit=5&offset=bad", nil)
	if got := queryInt(r, "limit", 20); got != 5 {
		t.Errorf("limit = %d", got)
	}
	if got := queryInt(r, "offset", 0); got != 0 {
		t.Errorf("offset = %d", got)
	}
	if got := queryInt(r, "missing", 7); got != 7 {
		t.Errorf("missing = %d", got)
	}
}
