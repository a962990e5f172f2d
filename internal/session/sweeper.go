package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Default sweep parameters.
const (
	DefaultIdleWindow    = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// SweeperConfig configures a [Sweeper].
type SweeperConfig struct {
	// IdleWindow is how long a handle may go unused before it is expired.
	// Defaults to 5m if zero.
	IdleWindow time.Duration

	// Interval is the time between sweeps. Defaults to 30s if zero.
	Interval time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Sweeper expires idle handles from a [Registry] on a fixed schedule,
// independent of caller activity.
type Sweeper struct {
	reg  *Registry
	idle time.Duration
	spec string
	now  func() time.Time
	cron *cron.Cron
}

// NewSweeper returns a sweeper for reg. Call [Sweeper.Start] to schedule it.
func NewSweeper(reg *Registry, cfg SweeperConfig) *Sweeper {
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = DefaultIdleWindow
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		reg:  reg,
		idle: cfg.IdleWindow,
		spec: fmt.Sprintf("@every %s", cfg.Interval),
		now:  cfg.Now,
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// SweepOnce runs a single sweep and returns the expired caller IDs.
func (s *Sweeper) SweepOnce() []string {
	expired := s.reg.Sweep(s.now(), s.idle)
	if len(expired) > 0 {
		slog.Info("expired idle sessions", "count", len(expired), "idle_window", s.idle)
	}
	return expired
}

// Start schedules periodic sweeps. It returns an error only if the schedule
// cannot be parsed.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.SweepOnce() }); err != nil {
		return fmt.Errorf("session: schedule sweep %q: %w", s.spec, err)
	}
	s.cron.Start()
	slog.Debug("idle sweep scheduled", "schedule", s.spec, "idle_window", s.idle)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish or for
// ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
