package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
)

const idempotencyKeyCtx contextKey = "idempotency_key"

var idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// IdempotencyKey exposes the Idempotency-Key header to handlers. Publish
// uses it as the message id so a repeated request maps onto the same
// pending retry instead of a second one.
func IdempotencyKey() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !idempotencyKeyPattern.MatchString(key) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "Idempotency-Key must be 1-128 characters of [A-Za-z0-9._:-]",
					"code":  "validation_error",
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), idempotencyKeyCtx, key)))
		})
	}
}

func GetIdempotencyKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKeyCtx).(string)
	return key, ok
}
