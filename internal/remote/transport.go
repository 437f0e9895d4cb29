package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseBody = 1 << 20
)

type Response struct {
	StatusCode int
	Body       []byte
}

// Transport sends a prepared request. Non-2xx responses and network
// failures are returned as *TransportError.
type Transport interface {
	Send(ctx context.Context, req RemoteRequest) (Response, error)
}

type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPTransport{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (t *HTTPTransport) Send(ctx context.Context, rr RemoteRequest) (Response, error) {
	data, err := rr.Body()
	if err != nil {
		return Response{}, fmt.Errorf("encode payload: %w", err)
	}
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, rr.Method, rr.URL, body)
	if err != nil {
		return Response{}, InvalidRequestError{Index: -1, Reason: err.Error()}
	}
	for k, v := range rr.Headers {
		req.Header.Set(k, v)
	}
	res, err := t.client.Do(req)
	if err != nil {
		// Timeouts, resets and DNS failures all look the same to a caller.
		return Response{}, &TransportError{Transient: true, Err: err}
	}
	defer res.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return Response{}, &TransportError{StatusCode: res.StatusCode, Transient: true, Err: fmt.Errorf("read response: %w", err)}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Response{StatusCode: res.StatusCode, Body: respBody}, classifyStatus(res.StatusCode, truncate(respBody, 512))
	}
	return Response{StatusCode: res.StatusCode, Body: respBody}, nil
}

// truncate cuts b to at most n bytes without splitting a UTF-8 sequence.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return string(b[:cut])
}
