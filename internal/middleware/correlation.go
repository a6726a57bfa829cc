// Package middleware provides the HTTP middleware chain: correlation ids,
// authentication, and per-client rate limiting.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"procgate/internal/domain"
)

const correlationHeader = "X-Correlation-ID"

// CorrelationID assigns every request a correlation id. An id supplied by
// the caller is reused only when it parses as a UUID; anything else is
// replaced, so attacker-chosen text never lands in logs or audit rows. The
// id is echoed on the response and stored in the request context.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = domain.NewCorrelationID()
		}
		w.Header().Set(correlationHeader, id)
		ctx := domain.WithCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
