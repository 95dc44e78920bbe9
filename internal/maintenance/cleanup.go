// Package maintenance runs the background housekeeping jobs of a resource
// server: expiring idle sessions and purging sessions left behind by deleted
// API clients.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	iauth "github.com/objectwire/objectwire/internal/auth"
	"github.com/objectwire/objectwire/internal/models"
	"github.com/objectwire/objectwire/pkg/logger"
)

const (
	defaultSessionTTL  = 24 * time.Hour
	defaultSessionSpec = "@hourly"
	defaultOrphanSpec  = "@daily"
)

// Cleaner coordinates the background maintenance jobs.
type Cleaner struct {
	db       *gorm.DB
	sessions *iauth.SessionService
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger

	sessionTTL      time.Duration
	sessionSchedule string
	orphanSchedule  string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithSessionTTL adjusts how long a session may stay idle before cleanup.
func WithSessionTTL(ttl time.Duration) Option {
	return func(cleaner *Cleaner) {
		if ttl > 0 {
			cleaner.sessionTTL = ttl
		}
	}
}

// WithSessionSchedule overrides the cron specification for session expiry.
func WithSessionSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sessionSchedule = spec
		}
	}
}

// WithOrphanSchedule overrides the cron specification for orphaned session purging.
func WithOrphanSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.orphanSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. A nil dependency
// results in the corresponding job being skipped.
func NewCleaner(db *gorm.DB, sessions *iauth.SessionService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:              db,
		sessions:        sessions,
		now:             time.Now,
		sessionTTL:      defaultSessionTTL,
		sessionSchedule: defaultSessionSpec,
		orphanSchedule:  defaultOrphanSpec,
		log:             logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers the cleanup jobs and launches the scheduler if at least one
// job is enabled.
func (c *Cleaner) Start() error {
	if c.sessions == nil && c.db == nil {
		return nil
	}

	if c.sessions != nil {
		if _, err := c.cron.AddFunc(c.sessionSchedule, func() {
			ctx := context.Background()
			if _, err := c.sessions.CleanupExpired(ctx, c.sessionTTL); err != nil {
				c.log.Warn("session cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.db != nil {
		if _, err := c.cron.AddFunc(c.orphanSchedule, func() {
			ctx := context.Background()
			if _, err := CleanupOrphanedSessions(ctx, c.db); err != nil {
				c.log.Warn("orphaned session cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Used during
// graceful shutdown and in tests.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.sessions != nil {
		if _, err := c.sessions.CleanupExpired(ctx, c.sessionTTL); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.db != nil {
		if _, err := CleanupOrphanedSessions(ctx, c.db); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// CleanupOrphanedSessions removes sessions whose API client no longer exists.
func CleanupOrphanedSessions(ctx context.Context, db *gorm.DB) (int64, error) {
	if db == nil {
		return 0, errors.New("cleanup sessions: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := db.WithContext(ctx).
		Where("client_id NOT IN (?)", db.Model(&models.Client{}).Select("id")).
		Delete(&models.Session{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
