package summarizer

import (
	"net/http"
	"time"
)

// NewPooledHTTPClient builds the client behind Client. timeout bounds a whole
// summarize round trip, and also how long the service may take to send
// headers, since it answers only after the summary is generated.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: timeout,
			ForceAttemptHTTP2:     true,
		},
	}
}
