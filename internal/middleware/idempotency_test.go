package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func keyEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := GetIdempotencyKey(r.Context())
		if !ok {
			w.Write([]byte("<none>"))
			return
		}
		w.Write([]byte(key))
	})
}

func TestIdempotencyKey(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		wantStatus int
		wantBody   string
	}{
		{"absent", "", http.StatusOK, "<none>"},
		{"valid", "order-42:v1", http.StatusOK, "order-42:v1"},
		{"spaces", "order 42", http.StatusBadRequest, "validation_error"},
		{"too long", strings.Repeat("a", 129), http.StatusBadRequest, "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/topics/orders/messages", nil)
			if tt.key != "" {
				req.Header.Set("Idempotency-Key", tt.key)
			}
			w := httptest.NewRecorder()
			IdempotencyKey()(keyEcho()).ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders()(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/dlq", nil))

	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"), "HSTS requires TLS")
}
