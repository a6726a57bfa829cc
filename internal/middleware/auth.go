package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"procgate/internal/domain"
)

// AdminRole is the role claim that grants full audit visibility.
const AdminRole = "gateway-admin"

// SecuritySink receives security audit events raised by the middleware
// chain. It matches the recorder's fire-and-forget contract.
type SecuritySink interface {
	Record(ctx context.Context, e *domain.AuditEvent)
}

// Authenticate validates the bearer token and stores the resulting principal
// in the request context. Failed attempts are answered with a fixed 401 body
// and recorded on the security audit trail. A nil validator rejects every
// request.
func Authenticate(validator TokenValidator, audit SecuritySink) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := domain.CorrelationIDFromContext(r.Context())

			if validator == nil {
				recordLoginFailure(audit, r, correlationID, "", "no token validator configured")
				writeUnauthorized(w, correlationID)
				return
			}

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				recordLoginFailure(audit, r, correlationID, "", "missing bearer token")
				writeUnauthorized(w, correlationID)
				return
			}

			claims, err := validator.Validate(r.Context(), strings.TrimPrefix(auth, "Bearer "))
			if err != nil || claims.Subject == "" {
				recordLoginFailure(audit, r, correlationID, "", "token rejected")
				writeUnauthorized(w, correlationID)
				return
			}

			principal := domain.ContextPrincipal{
				ID:          claims.Subject,
				DisplayName: claims.DisplayName,
				Roles:       claims.Roles,
				IPAddress:   clientIP(r),
			}
			for _, role := range claims.Roles {
				if role == AdminRole {
					principal.IsAdmin = true
					break
				}
			}

			ctx := domain.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func recordLoginFailure(audit SecuritySink, r *http.Request, correlationID, subject, reason string) {
	if audit == nil {
		return
	}
	event := domain.NewSecurityAuditEvent(correlationID, domain.Actor{ID: subject},
		domain.SecurityLoginFailure, r.URL.Path, "Authenticate", 0.3, []string{reason})
	event.IPAddress = clientIP(r)
	audit.Record(r.Context(), event)
}

func writeUnauthorized(w http.ResponseWriter, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":           http.StatusUnauthorized,
		"message":        "authentication failed",
		"correlation_id": correlationID,
	})
}

// clientIP strips the port from RemoteAddr. X-Forwarded-For is untrusted and
// ignored so a caller cannot spoof its identity or rate-limit bucket.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
