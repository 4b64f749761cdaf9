// Package summarizer posts a finished call transcript to the summarization
// service and returns the human-readable summary.
package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hubenschmidt/casecall/internal/metrics"
	"github.com/hubenschmidt/casecall/internal/patients"
)

// Failure stages reported in Error.Stage.
const (
	StageHTTP     = "http"
	StageStatus   = "status"
	StageDecode   = "decode"
	StageResponse = "response"
)

// Error is returned for every failed summarization.
type Error struct {
	Stage  string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("summarize %s (status %d): %v", e.Stage, e.Status, e.Err)
	}
	return fmt.Sprintf("summarize %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client calls POST {baseURL}/summarize.
type Client struct {
	url    string
	client *http.Client
}

// NewClient creates a summarization client with a pooled transport.
func NewClient(baseURL string, poolSize int, timeout time.Duration) *Client {
	return &Client{
		url:    strings.TrimRight(baseURL, "/"),
		client: NewPooledHTTPClient(poolSize, timeout),
	}
}

type summarizeRequest struct {
	Transcript  string               `json:"transcript"`
	CaseContext patients.CaseContext `json:"caseContext"`
}

type summarizeResponse struct {
	OK          bool            `json:"ok"`
	PrettyText  string          `json:"pretty_text"`
	SummaryJSON json.RawMessage `json:"summary_json,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Summarize returns the pretty summary text for transcript. Any transport
// failure, non-2xx status, unparseable body, ok=false, or blank pretty_text is
// an *Error.
func (c *Client) Summarize(ctx context.Context, transcript string, cc patients.CaseContext) (string, error) {
	start := time.Now()
	defer func() { metrics.SummaryDuration.Observe(time.Since(start).Seconds()) }()

	body, err := json.Marshal(summarizeRequest{Transcript: transcript, CaseContext: cc})
	if err != nil {
		return "", &Error{Stage: StageHTTP, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/summarize", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Stage: StageHTTP, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &Error{Stage: StageHTTP, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &Error{Stage: StageStatus, Status: resp.StatusCode, Err: fmt.Errorf("%s", bytes.TrimSpace(snippet))}
	}

	var result summarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &Error{Stage: StageDecode, Status: resp.StatusCode, Err: err}
	}
	if !result.OK {
		msg := result.Error
		if msg == "" {
			msg = "ok flag not set"
		}
		return "", &Error{Stage: StageResponse, Status: resp.StatusCode, Err: fmt.Errorf("%s", msg)}
	}
	text := strings.TrimSpace(result.PrettyText)
	if text == "" {
		return "", &Error{Stage: StageResponse, Status: resp.StatusCode, Err: fmt.Errorf("empty pretty_text")}
	}
	return text, nil
}
