// Package maintenance prunes expired bookkeeping rows on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"confessbot/internal/config"
	"confessbot/internal/observability/metrics"
	"confessbot/internal/storage"
	logx "confessbot/pkg/logx"
)

const MinRetention = 48 * time.Hour

type Config struct {
	// Schedule is a cron spec; empty disables pruning.
	Schedule  string
	Retention time.Duration
	Timeout   time.Duration
	Location  *time.Location
}

// FromConfig resolves defaults of a validated maintenance section.
func FromConfig(mc config.MaintenanceConfig, loc *time.Location) Config {
	retention := config.MustDuration(mc.Retention, config.DefaultRetention)
	// Quota rows of the current day and live cooldowns must survive a prune.
	if retention < MinRetention {
		retention = MinRetention
	}
	return Config{
		Schedule:  strings.TrimSpace(mc.Schedule),
		Retention: retention,
		Timeout:   config.MustDuration(mc.Timeout, config.DefaultMaintenanceTimeout),
		Location:  loc,
	}
}

type Pruner interface {
	Prune(ctx context.Context, before time.Time) (storage.PruneStats, error)
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	c     *cron.Cron
	ctx   context.Context
	store Pruner
	m     *metrics.Metrics
	log   logx.Logger
	now   func() time.Time
}

func New(cfg Config, store Pruner, m *metrics.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		store: store,
		m:     m,
		log:   log.With(logx.String("comp", "maintenance")),
		now:   time.Now,
	}
}

// Start registers the prune job. Jobs run until Stop; ctx bounds each run.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	cfg := s.cfg
	if cfg.Schedule == "" {
		s.log.Info("maintenance disabled (no schedule)")
		return nil
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(cfg.Schedule, func() { _, _ = s.RunOnce(s.ctx) }); err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance scheduled",
		logx.String("schedule", cfg.Schedule),
		logx.Duration("retention", cfg.Retention),
		logx.String("tz", loc.String()),
	)
	return nil
}

// Apply swaps the config, rescheduling when the schedule or zone changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.ctx == nil {
		return nil
	}
	if old.Schedule == cfg.Schedule && sameLocation(old.Location, cfg.Location) && s.c != nil {
		return nil
	}
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	return s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped")
}

// RunOnce prunes rows older than the retention window.
func (s *Service) RunOnce(ctx context.Context) (storage.PruneStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	start := s.now()
	cutoff := start.Add(-cfg.Retention)
	st, err := s.store.Prune(ctx, cutoff)
	if err != nil {
		s.log.Warn("prune failed", logx.Err(err))
		return st, err
	}
	s.m.Pruned("quotas", st.Quotas)
	s.m.Pruned("cooldowns", st.Cooldowns)
	s.m.Pruned("attempts", st.Attempts)
	s.m.Pruned("bans", st.Bans)
	s.log.Info("prune done",
		logx.Int64("quotas", st.Quotas),
		logx.Int64("cooldowns", st.Cooldowns),
		logx.Int64("attempts", st.Attempts),
		logx.Int64("bans", st.Bans),
		logx.Time("cutoff", cutoff),
		logx.Duration("took", time.Since(start)),
	)
	return st, nil
}

func sameLocation(a, b *time.Location) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
