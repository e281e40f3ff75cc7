package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// SweeperConfig holds the schedules of the background jobs.
type SweeperConfig struct {
	SweepInterval time.Duration
	RetryInterval time.Duration
	ConnectionTTL time.Duration
	PresenceTTL   time.Duration
	CleanupCron   string
}

func (c *Config) sweeperConfig() SweeperConfig {
	return SweeperConfig{
		SweepInterval: c.SweepInterval,
		RetryInterval: c.RetryInterval,
		ConnectionTTL: c.ConnectionTTL,
		PresenceTTL:   c.PresenceTTL,
		CleanupCron:   c.CleanupCron,
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Evicted         int
	Refreshed       int
	SessionsExpired int64
}

// Sweeper evicts connections that stopped heartbeating and expires stale
// durable sessions. It also schedules the retry and cleanup jobs of the
// Coordinator.
type Sweeper struct {
	registry    *Registry
	sessions    store.PresenceStore
	coordinator *Coordinator
	cfg         SweeperConfig
	metrics     *Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

// NewSweeper creates a sweeper.
func NewSweeper(
	registry *Registry,
	sessions store.PresenceStore,
	coordinator *Coordinator,
	cfg SweeperConfig,
	metrics *Metrics,
	logger zerolog.Logger,
) *Sweeper {
	return &Sweeper{
		registry:    registry,
		sessions:    sessions,
		coordinator: coordinator,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger.With().Str("component", "sweeper").Logger(),
		now:         time.Now,
	}
}

// SweepOnce runs a single sweep. Every step is idempotent, so it is safe to
// run concurrently with live traffic and with other nodes.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var (
		result SweepResult
		errs   []error
	)
	now := s.now()
	connCutoff := now.Add(-s.cfg.ConnectionTTL)

	for _, conn := range s.registry.Snapshot() {
		if conn.IsOpen() && !conn.LastHeartbeat().Before(connCutoff) {
			if err := s.sessions.Heartbeat(ctx, conn.ID(), conn.LastHeartbeat()); err != nil {
				errs = append(errs, fmt.Errorf("refresh session %s: %w", conn.ID(), err))
				continue
			}
			result.Refreshed++
			continue
		}

		if !s.registry.Unregister(conn) {
			// Already removed by its own close path.
			continue
		}
		s.registry.closeConn(conn)
		result.Evicted++
		s.logger.Info().
			Str("conn_id", conn.ID()).
			Str("user_id", conn.UserID()).
			Time("last_heartbeat", conn.LastHeartbeat()).
			Msg("evicted stale connection")

		if err := s.sessions.MarkOffline(ctx, conn.ID()); err != nil {
			errs = append(errs, fmt.Errorf("mark session %s offline: %w", conn.ID(), err))
		}
	}
	s.metrics.evicted(result.Evicted)

	expired, err := s.sessions.ExpireStale(ctx, now.Add(-s.cfg.PresenceTTL))
	if err != nil {
		errs = append(errs, fmt.Errorf("expire stale sessions: %w", err))
	}
	result.SessionsExpired = expired

	if result.Evicted > 0 || result.SessionsExpired > 0 {
		s.logger.Info().
			Int("evicted", result.Evicted).
			Int64("sessions_expired", result.SessionsExpired).
			Int("active_connections", s.registry.Count()).
			Msg("sweep finished")
	}
	return result, errors.Join(errs...)
}

// Run drives the sweep, retry and cleanup schedules until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer logging.RecoverPanic(s.logger, "sweep-loop")
		s.every(ctx, s.cfg.SweepInterval, func() {
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("sweep finished with errors")
			}
		})
	}()

	go func() {
		defer wg.Done()
		defer logging.RecoverPanic(s.logger, "retry-loop")
		s.every(ctx, s.cfg.RetryInterval, func() {
			if _, err := s.coordinator.RetryPending(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("retry run failed")
			}
		})
	}()

	go func() {
		defer wg.Done()
		defer logging.RecoverPanic(s.logger, "cleanup-scheduler")
		s.runCleanupSchedule(ctx)
	}()

	s.logger.Info().
		Dur("sweep_interval", s.cfg.SweepInterval).
		Dur("retry_interval", s.cfg.RetryInterval).
		Str("cleanup_cron", s.cfg.CleanupCron).
		Msg("background jobs started")

	wg.Wait()
	s.logger.Info().Msg("background jobs stopped")
}

func (s *Sweeper) every(ctx context.Context, interval time.Duration, job func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job()
		}
	}
}

// runCleanupSchedule sleeps until each tick of the cleanup cron expression.
func (s *Sweeper) runCleanupSchedule(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cfg.CleanupCron, s.now(), false)
		if err != nil {
			s.logger.Error().Err(err).Str("cron", s.cfg.CleanupCron).Msg("failed to compute next cleanup time")
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.coordinator.CleanupPushed(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("cleanup run failed")
		}
	}
}
