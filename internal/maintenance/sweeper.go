package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/teampulse/teampulse/internal/cache"
	"github.com/teampulse/teampulse/internal/history"
	"github.com/teampulse/teampulse/pkg/logger"
)

const (
	defaultSweepSpec = "@hourly"
	defaultRetention = 30 * 24 * time.Hour
)

// Sweeper runs periodic housekeeping: expiring stale entries out of the
// in-process fallback store and pruning durable chat history past retention.
type Sweeper struct {
	fallback *cache.MemoryStore
	history  *history.Store

	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	schedule  string
	retention time.Duration
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithNow overrides the clock used for retention comparisons.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSchedule overrides the cron expression for the sweep.
func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithRetention adjusts how long chat history is kept.
func WithRetention(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewSweeper constructs a Sweeper. A nil dependency skips the corresponding job.
func NewSweeper(fallback *cache.MemoryStore, hist *history.Store, opts ...Option) *Sweeper {
	sweeper := &Sweeper{
		fallback:  fallback,
		history:   hist,
		now:       time.Now,
		schedule:  defaultSweepSpec,
		retention: defaultRetention,
		log:       logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(sweeper)
	}

	if sweeper.cron == nil {
		sweeper.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return sweeper
}

// Start registers the sweep with the cron scheduler and launches it.
func (s *Sweeper) Start() error {
	if s.fallback == nil && s.history == nil {
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.RunOnce(context.Background()); err != nil {
			s.log.Warn("sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes all configured sweep routines sequentially.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if s.fallback != nil {
		if removed := s.fallback.Prune(); removed > 0 {
			s.log.Info("expired fallback entries pruned", zap.Int("removed", removed))
		}
	}

	if s.history != nil && s.retention > 0 {
		cutoff := s.now().Add(-s.retention)
		removed, err := s.history.PruneBefore(ctx, cutoff)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else if removed > 0 {
			s.log.Info("chat history pruned", zap.Int64("removed", removed))
		}
	}

	return errs
}
