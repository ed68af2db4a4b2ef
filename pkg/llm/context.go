package llm

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "llm_request_id"

// requestIDHeader carries the request ID to the provider so its logs can be matched to a session.
const requestIDHeader = "X-Request-Id"

// WithRequestID returns a context whose provider calls are tagged with id.
func WithRequestID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request ID attached to ctx, or nil.
func GetRequestID(ctx context.Context) *uuid.UUID {
	if id, ok := ctx.Value(requestIDKey).(uuid.UUID); ok {
		return &id
	}
	return nil
}

// contextAwareTransport copies the request ID from the request context into a header.
type contextAwareTransport struct {
	base http.RoundTripper
}

func (t *contextAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if id := GetRequestID(req.Context()); id != nil {
		req = req.Clone(req.Context())
		req.Header.Set(requestIDHeader, id.String())
	}
	return t.base.RoundTrip(req)
}

// newHTTPClient returns the HTTP client every provider client uses. timeout 0 means none.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &contextAwareTransport{base: http.DefaultTransport},
		Timeout:   timeout,
	}
}
