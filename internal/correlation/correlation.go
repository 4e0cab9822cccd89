// Package correlation carries a per-request identifier through API handlers
// and log records.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderName is read from inbound requests and echoed on responses.
	HeaderName = "X-Request-ID"
	maxIDLen   = 128
)

type contextKey struct{}

// EnsureRequest returns req carrying a request id in its context, taking the
// inbound header when it is well formed and minting one otherwise.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	if id, ok := FromContext(req.Context()); ok {
		return req, id
	}
	id := normalizeID(req.Header.Get(HeaderName))
	if id == "" {
		id = NewID()
	}
	return req.WithContext(WithContext(req.Context(), id)), id
}

// Middleware ensures every request has an id and returns it in the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, id := EnsureRequest(r)
		w.Header().Set(HeaderName, id)
		next.ServeHTTP(w, r)
	})
}

func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := normalizeID(id)
	if normalized == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// NewID returns a random request id.
func NewID() string {
	return "req-" + uuid.NewString()
}

func normalizeID(raw string) string {
	value := strings.TrimSpace(raw)
	if len(value) > maxIDLen {
		value = value[:maxIDLen]
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ""
		}
	}
	return value
}
