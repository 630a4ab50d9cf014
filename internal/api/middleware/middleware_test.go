package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================
// RequireUser Tests
// ============================================

func TestRequireUser(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		wantStatus int
	}{
		{name: "with header", userID: "user-123", wantStatus: http.StatusOK},
		{name: "without header", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetUserID(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/cart", nil)
			if tt.userID != "" {
				req.Header.Set(UserIDHeader, tt.userID)
			}
			rec := httptest.NewRecorder()
			RequireUser(handler).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.userID, captured)
			if tt.wantStatus != http.StatusOK {
				assert.Contains(t, rec.Body.String(), "error")
			}
		})
	}
}

// ============================================
// Idempotency Tests
// ============================================

func TestIdempotency(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		wantStatus int
		wantKey    string
	}{
		{name: "no key", wantStatus: http.StatusOK},
		{name: "key", key: "req-1", wantStatus: http.StatusOK, wantKey: "req-1"},
		{name: "too long", key: strings.Repeat("k", 256), wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetIdempotencyKey(r.Context())
			})

			req := httptest.NewRequest(http.MethodPost, "/cart/items", nil)
			req.Header.Set(IdempotencyKeyHeader, tt.key)
			rec := httptest.NewRecorder()
			Idempotency(handler).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantKey, captured)
		})
	}
}

// ============================================
// RequestID and Logging Tests
// ============================================

func TestRequestID(t *testing.T) {
	var captured string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.NotEmpty(t, captured)
	assert.Equal(t, captured, rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc", captured)
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handler := RequestID(Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodDelete, "/cart", nil)
	req.Header.Set(RequestIDHeader, "req-9")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	line := buf.String()
	assert.Contains(t, line, "method=DELETE")
	assert.Contains(t, line, "path=/cart")
	assert.Contains(t, line, "status=418")
	assert.Contains(t, line, "request_id=req-9")
}
