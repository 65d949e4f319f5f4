package reqpipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RawResponse is what a Transport hands back to the network stage for one
// HTTP exchange: status, headers, and a body reader the stage is
// responsible for draining.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Transport executes one HTTP exchange for a request. It is the only
// piece of the pipeline that touches a real socket; concrete
// implementations (TLS config, HTTP/2, proxies, ...) are supplied by the
// caller rather than owned by this module.
//
// Implementations must obey the request's current timeout (its
// RetryPolicy.CurrentTimeoutMs, passed here as the timeoutMs parameter,
// since the interface must not depend on the generic Request[T] type).
type Transport interface {
	Perform(ctx context.Context, method string, url string, header http.Header, body []byte, timeoutMs int64) (*RawResponse, error)
}

// HTTPTransport is the default Transport, built directly on net/http. It
// wraps any caller-supplied http.RoundTripper, so TLS config, proxying,
// and connection pooling policy stay fully the caller's business.
type HTTPTransport struct {
	RoundTripper http.RoundTripper
}

// NewHTTPTransport returns an HTTPTransport delegating to rt, or
// http.DefaultTransport when rt is nil.
func NewHTTPTransport(rt http.RoundTripper) *HTTPTransport {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &HTTPTransport{RoundTripper: rt}
}

func (t *HTTPTransport) Perform(ctx context.Context, method, url string, header http.Header, body []byte, timeoutMs int64) (*RawResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, &PipelineError{Kind: ErrBadURL, Cause: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.RoundTripper.RoundTrip(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &PipelineError{Kind: ErrTimeout, Cause: err}
		}
		return nil, &PipelineError{Kind: ErrNoConnection, Cause: err}
	}

	// The body is read here, before the deferred cancel ends the request's
	// context, which would otherwise abort any later read of resp.Body.
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, &PipelineError{Kind: ErrTimeout, Cause: err}
		}
		return nil, &PipelineError{Kind: ErrNetwork, Cause: err}
	}

	return &RawResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: io.NopCloser(bytes.NewReader(data))}, nil
}
