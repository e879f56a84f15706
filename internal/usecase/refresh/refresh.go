package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// refreshTimeout bounds one refresh pass. Vendor list probes are quick;
// anything slower than this is stuck.
const refreshTimeout = 30 * time.Second

// Refresher re-probes vendor model catalogs on a recurring schedule so the
// directory tracks models that appear or disappear at runtime (local Ollama
// installs in particular).
type Refresher struct {
	cron    *cron.Cron
	refresh func(ctx context.Context) error
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRefresher creates a refresher that invokes refresh on the given
// schedule. The schedule can be a cron expression ("*/5 * * * *") or a
// duration string ("30s").
func NewRefresher(schedule string, refresh func(ctx context.Context) error, logger *slog.Logger) (*Refresher, error) {
	sched, err := parseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("refresh: invalid schedule %q: %w", schedule, err)
	}

	r := &Refresher{
		cron:    cron.New(),
		refresh: refresh,
		logger:  logger,
	}

	r.cron.Schedule(sched, cron.FuncJob(r.runOnce))
	return r, nil
}

func (r *Refresher) runOnce() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()

	if ctx == nil {
		r.logger.Debug("refresher stopped, skipping pass")
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	start := time.Now()
	if err := r.refresh(runCtx); err != nil {
		r.logger.Warn("model refresh failed", "error", err, "duration", time.Since(start))
		return
	}
	r.logger.Debug("model refresh completed", "duration", time.Since(start))
}

// Start begins the recurring refresh. Calling Start on a running refresher
// is a no-op.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.cron.Start()
	r.started = true
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	r.started = false
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
