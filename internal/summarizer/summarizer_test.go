package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hubenschmidt/casecall/internal/patients"
)

func newTestServer(t *testing.T, status int, body string, seen *summarizeRequest) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/summarize" {
			t.Errorf("got %s %s, want POST /summarize", r.Method, r.URL.Path)
		}
		if seen != nil {
			if err := json.NewDecoder(r.Body).Decode(seen); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", 2, 5*time.Second)
}

func TestSummarizeSuccess(t *testing.T) {
	var seen summarizeRequest
	c := newTestServer(t, http.StatusOK,
		`{"ok":true,"summary_json":{"dx":"viral"},"pretty_text":"Fever case, no red flags."}`, &seen)

	cc := patients.CaseContext{PatientName: "Jane Doe", Age: "40", Sex: "Female", Summary: "fever", CallerName: "Dr. Hart"}
	transcript := "Doctor: patient has fever\nAssistant: noted"

	got, err := c.Summarize(context.Background(), transcript, cc)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "Fever case, no red flags." {
		t.Errorf("got %q, want %q", got, "Fever case, no red flags.")
	}
	if seen.Transcript != transcript {
		t.Errorf("request transcript = %q, want %q", seen.Transcript, transcript)
	}
	if seen.CaseContext != cc {
		t.Errorf("request caseContext = %+v, want %+v", seen.CaseContext, cc)
	}
}

func TestSummarizeFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantStage string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, StageStatus},
		{"not found", http.StatusNotFound, ``, StageStatus},
		{"bad json", http.StatusOK, `{"ok":tru`, StageDecode},
		{"ok false", http.StatusOK, `{"ok":false,"error":"model overloaded"}`, StageResponse},
		{"ok missing", http.StatusOK, `{"pretty_text":"x"}`, StageResponse},
		{"blank text", http.StatusOK, `{"ok":true,"pretty_text":"   "}`, StageResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, tt.status, tt.body, nil)
			got, err := c.Summarize(context.Background(), "Doctor: hi", patients.CaseContext{})
			if got != "" {
				t.Errorf("got summary %q on failure", got)
			}
			var se *Error
			if !errors.As(err, &se) {
				t.Fatalf("error = %v, want *Error", err)
			}
			if se.Stage != tt.wantStage {
				t.Errorf("stage = %q, want %q", se.Stage, tt.wantStage)
			}
		})
	}
}

func TestSummarizeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, 1, time.Second)
	_, err := c.Summarize(context.Background(), "Doctor: hi", patients.CaseContext{})
	var se *Error
	if !errors.As(err, &se) || se.Stage != StageHTTP {
		t.Fatalf("error = %v, want http stage *Error", err)
	}
}
