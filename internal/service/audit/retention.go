package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs retention sweeps on a cron schedule.
type Sweeper struct {
	service  *Service
	policy   RetentionPolicy
	logger   *slog.Logger
	schedule string
	cron     *cron.Cron
}

// NewSweeper configures a sweeper. schedule is a standard five-field cron
// expression; empty selects a nightly run.
func NewSweeper(service *Service, policy RetentionPolicy, logger *slog.Logger, schedule string) *Sweeper {
	if schedule == "" {
		schedule = "30 3 * * *"
	}
	return &Sweeper{
		service:  service,
		policy:   policy.withDefaults(),
		logger:   logger,
		schedule: schedule,
	}
}

// Start schedules the sweep. A malformed schedule is a startup error.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, s.run)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("audit retention sweeper started",
		"schedule", s.schedule,
		"routine_window", s.policy.Routine,
		"security_window", s.policy.Security,
	)
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, _, err := s.service.Sweep(ctx, s.policy); err != nil {
		s.logger.Error("audit retention sweep failed", "error", err)
	}
}
