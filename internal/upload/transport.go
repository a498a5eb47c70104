// Package upload drains the durable pending queue to the backend,
// oldest first, deleting local bytes only after the server confirms
// receipt.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is one upload attempt. OnProgress reports bytes sent out of
// the total body size as the body streams out.
type Request struct {
	URL        string
	Body       []byte
	Headers    map[string]string
	OnProgress func(sent, total int64)
}

// Response is the server's answer to an upload.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport sends one recording to the backend.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// HTTPTransport posts recordings over HTTP.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport with a generous timeout; large
// recordings over slow links take a while.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	body := &progressReader{
		r:     bytes.NewReader(req.Body),
		total: int64(len(req.Body)),
		fn:    req.OnProgress,
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	httpReq.ContentLength = int64(len(req.Body))
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload response: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// progressReader reports cumulative bytes read from the request body.
type progressReader struct {
	r     *bytes.Reader
	total int64
	sent  int64
	fn    func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}
