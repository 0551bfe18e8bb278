package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHTTPRequest(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "https://api.example.com/v1/items", nil)
	require.NoError(t, err)

	treq := FromHTTPRequest(req)

	assert.Equal(t, "api.example.com", treq.Key)
	assert.Equal(t, "api.example.com", treq.Host)
	assert.Equal(t, http.MethodPost, treq.Method)
	assert.Same(t, req, treq.HTTPRequest)
}

func TestHandlerFunc_Handle(t *testing.T) {
	called := false
	h := HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		called = true
		return &Response{StatusCode: http.StatusOK}, nil
	})

	resp, err := h.Handle(context.Background(), &Request{})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
				order = append(order, name+":before")
				resp, err := next.Handle(ctx, req)
				order = append(order, name+":after")
				return resp, err
			})
		}
	}

	core := HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		order = append(order, "core")
		return &Response{StatusCode: http.StatusOK}, nil
	})

	h := Chain(core, mw("outer"), mw("inner"))

	_, err := h.Handle(context.Background(), &Request{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"outer:before",
		"inner:before",
		"core",
		"inner:after",
		"outer:after",
	}, order)
}

func TestChain_NoMiddleware(t *testing.T) {
	core := HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{StatusCode: http.StatusNoContent}, nil
	})

	resp, err := Chain(core).Handle(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestChain_MiddlewareShortCircuits(t *testing.T) {
	wantErr := errors.New("denied")
	deny := func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			return nil, wantErr
		})
	}

	coreCalled := false
	core := HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		coreCalled = true
		return &Response{}, nil
	})

	_, err := Chain(core, deny).Handle(context.Background(), &Request{})
	assert.ErrorIs(t, err, wantErr)
	assert.False(t, coreCalled)
}

// stubRoundTripper returns a canned response or error without any network.
type stubRoundTripper struct {
	resp *http.Response
	err  error
}

func (s *stubRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return s.resp, s.err
}

func TestRoundTripHandler_Success(t *testing.T) {
	stub := &stubRoundTripper{
		resp: &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("ok")),
		},
	}
	h := NewRoundTripHandler(stub)

	req, err := http.NewRequest(http.MethodGet, "https://api.example.com/", nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), FromHTTPRequest(req))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.HTTPResponse.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	require.NoError(t, resp.HTTPResponse.Body.Close())
}

func TestRoundTripHandler_Error(t *testing.T) {
	wantErr := errors.New("connection refused")
	h := NewRoundTripHandler(&stubRoundTripper{err: wantErr})

	req, err := http.NewRequest(http.MethodGet, "https://api.example.com/", nil)
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), FromHTTPRequest(req))
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
	assert.Contains(t, err.Error(), "round trip failed")
}

func TestRoundTripHandler_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	h := NewRoundTripHandler(nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	treq := FromHTTPRequest(req)
	treq.Timeout = 50 * time.Millisecond

	_, err = h.Handle(context.Background(), treq)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRoundTripHandler_BodyReadableAfterHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	h := NewRoundTripHandler(nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	treq := FromHTTPRequest(req)
	treq.Timeout = 10 * time.Second

	resp, err := h.Handle(context.Background(), treq)
	require.NoError(t, err)

	// The per-request timeout must not cancel the body read; the deadline
	// is released when the caller closes the body.
	body, err := io.ReadAll(resp.HTTPResponse.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
	require.NoError(t, resp.HTTPResponse.Body.Close())
}

func TestRoundTripHandler_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := NewRoundTripHandler(nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = h.Handle(ctx, FromHTTPRequest(req))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
