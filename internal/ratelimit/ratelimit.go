// Package ratelimit holds the fixed-interval gates of the dispatch engine.
//
// There are no bursts and no token buckets: every gate is a minimum elapsed
// time, deterministic given timestamps.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// CooldownRemaining returns how long a subject still has to wait, or 0.
func CooldownRemaining(last, now time.Time, window time.Duration) time.Duration {
	if window <= 0 || last.IsZero() {
		return 0
	}
	if elapsed := now.Sub(last); elapsed < window {
		return window - elapsed
	}
	return 0
}

// QuotaExceeded reports whether another acceptance would break the limit.
// A limit <= 0 means unlimited.
func QuotaExceeded(count, limit int) bool { return limit > 0 && count >= limit }

// DayKey is the quota period of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}

// RetrySeconds rounds d up to whole seconds so "retry in 0s" never happens.
func RetrySeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// Throttle tracks the last successful send per destination.
//
// The map lives in process memory: exactly one broadcast worker may run per
// deployment.
type Throttle struct {
	mu          sync.Mutex
	minInterval time.Duration
	last        map[string]time.Time
}

func NewThrottle(minInterval time.Duration) *Throttle {
	return &Throttle{minInterval: minInterval, last: map[string]time.Time{}}
}

func (t *Throttle) MinInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.minInterval
}

func (t *Throttle) SetMinInterval(d time.Duration) {
	t.mu.Lock()
	t.minInterval = d
	t.mu.Unlock()
}

// Allow reports whether destID may be sent to at now.
func (t *Throttle) Allow(destID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.minInterval <= 0 {
		return true
	}
	last, ok := t.last[destID]
	return !ok || now.Sub(last) >= t.minInterval
}

func (t *Throttle) MarkSuccess(destID string, at time.Time) {
	t.mu.Lock()
	if prev, ok := t.last[destID]; !ok || at.After(prev) {
		t.last[destID] = at
	}
	t.mu.Unlock()
}

// LastSuccess returns the last recorded success for destID.
func (t *Throttle) LastSuccess(destID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.last[destID]
	return v, ok
}

// Forget drops state for a destination that left the registry.
func (t *Throttle) Forget(destID string) {
	t.mu.Lock()
	delete(t.last, destID)
	t.mu.Unlock()
}

// Settings is the key/value store the global delay is persisted in.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Bounds of the delay an operator may persist.
const (
	MinGlobalDelay = time.Second
	MaxGlobalDelay = time.Hour
)

var (
	ErrDelayTooShort = errors.New("delay must be at least 1 second")
	ErrDelayTooLong  = errors.New("delay must be at most 3600 seconds")
)

// GlobalDelay resolves the inter-item delay: a persisted operator value wins
// over the configured default.
type GlobalDelay struct {
	settings Settings
	key      string
	fallback atomic.Int64 // time.Duration
}

func NewGlobalDelay(settings Settings, key string, fallback time.Duration) *GlobalDelay {
	g := &GlobalDelay{settings: settings, key: key}
	g.fallback.Store(int64(fallback))
	return g
}

func (g *GlobalDelay) SetFallback(d time.Duration) { g.fallback.Store(int64(d)) }

func (g *GlobalDelay) Fallback() time.Duration { return time.Duration(g.fallback.Load()) }

// Resolve returns the effective delay. A store error yields the fallback
// together with the error so the caller can log it.
func (g *GlobalDelay) Resolve(ctx context.Context) (time.Duration, error) {
	fb := g.Fallback()
	if g.settings == nil {
		return fb, nil
	}
	raw, ok, err := g.settings.GetSetting(ctx, g.key)
	if err != nil {
		return fb, err
	}
	if !ok {
		return fb, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs < 1 || secs > int64(MaxGlobalDelay/time.Second) {
		return fb, fmt.Errorf("invalid persisted delay %q", raw)
	}
	return time.Duration(secs) * time.Second, nil
}

// Persist stores d, truncated to whole seconds.
func (g *GlobalDelay) Persist(ctx context.Context, d time.Duration) error {
	if d < MinGlobalDelay {
		return ErrDelayTooShort
	}
	if d > MaxGlobalDelay {
		return ErrDelayTooLong
	}
	if g.settings == nil {
		return errors.New("global delay is not persistable")
	}
	return g.settings.PutSetting(ctx, g.key, strconv.FormatInt(int64(d/time.Second), 10))
}
