package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jbenholt/drupal-samlauth/internal/repository"
	"github.com/jbenholt/drupal-samlauth/internal/session"
	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// purgeTimeout bounds one purge run
const purgeTimeout = 5 * time.Minute

// PurgeableStore is a session store that supports bulk expiry
type PurgeableStore interface {
	session.Store
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// RetentionService periodically purges stale session values (abandoned
// pending AuthnRequests, expired authentication flags) and old
// login-attempt audit rows.
type RetentionService struct {
	sessions           PurgeableStore
	users              *repository.UserRepository
	sessionMaxAge      time.Duration
	loginAttemptMaxAge time.Duration

	cron *cron.Cron
}

// NewRetentionService creates a retention service over the given stores
func NewRetentionService(sessions PurgeableStore, users *repository.UserRepository, sessionMaxAge, loginAttemptMaxAge time.Duration) *RetentionService {
	return &RetentionService{
		sessions:           sessions,
		users:              users,
		sessionMaxAge:      sessionMaxAge,
		loginAttemptMaxAge: loginAttemptMaxAge,
	}
}

// Start schedules the purge job. schedule is a cron expression, e.g.
// "@every 1h".
func (s *RetentionService) Start(schedule string) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(schedule, s.runPurge); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	debug.Info("Retention service started with schedule %q", schedule)
	return nil
}

// Stop halts the schedule and waits for a running purge to finish
func (s *RetentionService) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *RetentionService) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()

	if err := s.Purge(ctx); err != nil {
		debug.Error("Retention purge failed: %v", err)
	}
}

// Purge runs one purge pass immediately
func (s *RetentionService) Purge(ctx context.Context) error {
	now := time.Now()

	purgedValues, err := s.sessions.PurgeOlderThan(ctx, now.Add(-s.sessionMaxAge))
	if err != nil {
		return fmt.Errorf("failed to purge session values: %w", err)
	}

	purgedAttempts, err := s.users.PurgeLoginAttemptsBefore(ctx, now.Add(-s.loginAttemptMaxAge))
	if err != nil {
		return fmt.Errorf("failed to purge login attempts: %w", err)
	}

	debug.Info("Retention purge removed %d session values and %d login attempts", purgedValues, purgedAttempts)
	return nil
}
