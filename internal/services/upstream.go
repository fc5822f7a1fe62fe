package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxUpstreamBody = 4 << 20

var ErrNotConfigured = errors.New("upstream not configured")

// Response is an upstream reply passed back to the caller unchanged.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Upstream forwards JSON requests to one external collaborator (the compiler
// or the chat assistant). Requests are sent once; there are no retries.
type Upstream struct {
	name   string
	url    string
	client *http.Client
}

func NewUpstream(name, url string, timeout time.Duration) *Upstream {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Upstream{name: name, url: url, client: &http.Client{Timeout: timeout}}
}

func (u *Upstream) Name() string     { return u.name }
func (u *Upstream) Configured() bool { return u != nil && u.url != "" }

// Forward posts body to the upstream and returns its status and body verbatim.
// Only transport failures are reported as errors.
func (u *Upstream) Forward(ctx context.Context, body []byte) (*Response, error) {
	if !u.Configured() {
		return nil, ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", u.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: call upstream: %w", u.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", u.name, err)
	}
	return &Response{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: data}, nil
}
