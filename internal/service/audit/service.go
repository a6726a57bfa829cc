package audit

import (
	"context"
	"log/slog"
	"time"

	"procgate/internal/domain"
)

// Service answers audit queries with row-level visibility: administrators
// see the full trail, everyone else sees only events they produced.
type Service struct {
	repo   domain.AuditRepository
	logger *slog.Logger
}

// NewService creates the audit query service.
func NewService(repo domain.AuditRepository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// List returns audit events matching the filter, scoped to the caller.
// Non-admin callers are pinned to their own events; asking for another
// actor's trail is an authorization failure, not an empty page.
func (s *Service) List(ctx context.Context, correlationID string, filter domain.AuditFilter) ([]domain.AuditEvent, int64, error) {
	principal, ok := domain.PrincipalFromContext(ctx)
	if !ok {
		return nil, 0, domain.NewSecurityError(correlationID, domain.SecurityAuthentication,
			"audit query without an authenticated principal")
	}

	if !principal.IsAdmin {
		if filter.ActorID != nil && *filter.ActorID != principal.ID {
			secErr := domain.NewSecurityError(correlationID, domain.SecurityAuthorization,
				"non-admin requested another actor's audit trail")
			secErr.AddDetail("principal_id", principal.ID)
			secErr.AddDetail("requested_actor_id", *filter.ActorID)
			return nil, 0, secErr
		}
		own := principal.ID
		filter.ActorID = &own
	}

	return s.repo.List(ctx, filter)
}

// RetentionPolicy holds the two sweep windows. Security events are kept
// longer than routine database events.
type RetentionPolicy struct {
	Routine  time.Duration
	Security time.Duration
}

func (p RetentionPolicy) withDefaults() RetentionPolicy {
	if p.Routine <= 0 {
		p.Routine = 90 * 24 * time.Hour
	}
	if p.Security <= 0 {
		p.Security = 365 * 24 * time.Hour
	}
	return p
}

// Sweep deletes events past their retention window and returns how many
// rows each pass removed.
func (s *Service) Sweep(ctx context.Context, policy RetentionPolicy) (routine, security int64, err error) {
	policy = policy.withDefaults()
	now := time.Now().UTC()

	routine, err = s.repo.DeleteOlderThan(ctx, "", now.Add(-policy.Routine))
	if err != nil {
		return 0, 0, err
	}
	security, err = s.repo.DeleteOlderThan(ctx, domain.EventTypeSecurity, now.Add(-policy.Security))
	if err != nil {
		return routine, 0, err
	}

	s.logger.Info("audit retention sweep complete",
		"routine_deleted", routine,
		"security_deleted", security,
	)
	return routine, security, nil
}
