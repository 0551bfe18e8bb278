// Package transport provides the composable request pipeline the rategate
// middleware stack is built on. A Handler processes one outbound HTTP
// request; Middleware wraps handlers to layer cross-cutting concerns like
// rate limiting and retries around the core round trip.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request carries an outbound HTTP request through the middleware pipeline
// together with the metadata the middlewares key on.
type Request struct {
	// HTTPRequest is the underlying outbound request.
	HTTPRequest *http.Request

	// Key is the rate limiting key for this request. Defaults to the target
	// host when built through FromHTTPRequest.
	Key string

	// Host and Method identify the request in logs and errors.
	Host   string
	Method string

	// TenantID enables per-tenant limiter isolation when set.
	TenantID string

	// Timeout bounds this request. Zero means no per-request timeout.
	Timeout time.Duration
}

// Response wraps the upstream HTTP response with pipeline metadata.
type Response struct {
	// HTTPResponse is the upstream response. The body is untouched; callers
	// own draining and closing it.
	HTTPResponse *http.Response

	// StatusCode mirrors HTTPResponse.StatusCode for middlewares that only
	// need the status.
	StatusCode int

	// Latency is the wall-clock duration of the round trip.
	Latency time.Duration
}

// FromHTTPRequest builds a pipeline Request from an outbound HTTP request.
// The key defaults to the request host; callers with a custom keying
// strategy overwrite Key before handing the request to the pipeline.
func FromHTTPRequest(req *http.Request) *Request {
	return &Request{
		HTTPRequest: req,
		Key:         req.URL.Host,
		Host:        req.URL.Host,
		Method:      req.Method,
	}
}

// Handler processes requests through the composable middleware pipeline.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
// Enables middleware composition with function-based handlers.
type HandlerFunc func(context.Context, *Request) (*Response, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware transforms a Handler into an enhanced Handler. Applied in
// reverse order with the last middleware closest to the core handler.
type Middleware func(Handler) Handler

// Chain builds a middleware pipeline around a core handler.
// Middleware executes in the order provided with the first middleware
// outermost, enabling request preprocessing and response postprocessing
// in the proper order.
func Chain(h Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// NewRoundTripHandler creates the core handler that executes requests
// against the base round tripper. Per-request timeouts are applied through
// the context so cancellation propagates to the connection.
func NewRoundTripHandler(base http.RoundTripper) Handler {
	if base == nil {
		base = http.DefaultTransport
	}
	return &roundTripHandler{base: base}
}

// roundTripHandler is the core handler that performs the HTTP round trip.
type roundTripHandler struct {
	base http.RoundTripper
}

// Handle implements Handler by executing the request on the base transport.
func (h *roundTripHandler) Handle(ctx context.Context, req *Request) (*Response, error) {
	reqCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		// Cancelling here would kill the response body read; tie the timer
		// to the request instead and let the body closer release it.
		httpReq := req.HTTPRequest.WithContext(reqCtx)
		start := time.Now()
		httpResp, err := h.base.RoundTrip(httpReq)
		latency := time.Since(start)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("round trip failed: %w", err)
		}
		httpResp.Body = &cancelReadCloser{rc: httpResp.Body, cancel: cancel}
		return &Response{HTTPResponse: httpResp, StatusCode: httpResp.StatusCode, Latency: latency}, nil
	}

	httpReq := req.HTTPRequest.WithContext(reqCtx)
	start := time.Now()
	httpResp, err := h.base.RoundTrip(httpReq)
	latency := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("round trip failed: %w", err)
	}

	return &Response{HTTPResponse: httpResp, StatusCode: httpResp.StatusCode, Latency: latency}, nil
}

// cancelReadCloser releases a per-request timeout context when the response
// body is closed, so the timeout cannot fire mid-read.
type cancelReadCloser struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.rc.Close()
}
