// Package eligibility decides whether a submission may be admitted.
//
// The checks run in a fixed order and stop at the first failure:
// global ban, origin ban, cooldown, daily quota, then the content filters.
// Evaluation is read-only; charging cooldown and quota happens later in the
// single conditional write performed by storage.Store.Accept.
package eligibility

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"confessbot/internal/faults"
	"confessbot/internal/ratelimit"
	logx "confessbot/pkg/logx"
)

// Kind classifies a rejection.
type Kind string

const (
	KindNone     Kind = ""
	KindBanned   Kind = "banned"
	KindCooldown Kind = "cooldown"
	KindQuota    Kind = "quota"
	KindContent  Kind = "content"
)

// Decision is the outcome of Evaluate.
type Decision struct {
	Accepted   bool
	Kind       Kind
	Reason     string
	RetryAfter time.Duration
	// Filter names the content filter that matched, if any.
	Filter string
	// Day is the quota period the submission falls into.
	Day    string
	Policy Policy
}

func reject(kind Kind, reason string) Decision {
	return Decision{Kind: kind, Reason: reason}
}

// State is the read side of storage the pipeline consults.
type State interface {
	BanState(ctx context.Context, subjectID, originID string, now time.Time) (global, origin bool, err error)
	LastAccepted(ctx context.Context, subjectID string) (time.Time, bool, error)
	QuotaCount(ctx context.Context, subjectID, day string) (int, error)
}

type Pipeline struct {
	state    State
	log      logx.Logger
	policies atomic.Pointer[PolicySet]
}

func New(state State, set *PolicySet, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pipeline{state: state, log: log.With(logx.String("comp", "eligibility"))}
	p.policies.Store(set)
	return p
}

// Apply replaces the policy set. In-flight evaluations keep the set they started with.
func (p *Pipeline) Apply(set *PolicySet) {
	if set != nil {
		p.policies.Store(set)
	}
}

func (p *Pipeline) Policy(originID string) Policy { return p.policies.Load().For(originID) }

// Evaluate runs every admission check without writing anything. A storage
// failure is returned as a transient error, never as a rejection.
func (p *Pipeline) Evaluate(ctx context.Context, subjectID, originID, text string, now time.Time) (Decision, error) {
	pol := p.Policy(originID)

	global, origin, err := p.state.BanState(ctx, subjectID, originID, now)
	if err != nil {
		return Decision{}, faults.Transient(fmt.Errorf("ban state: %w", err))
	}
	if global {
		return reject(KindBanned, "You are banned from sending confessions."), nil
	}
	if origin {
		return reject(KindBanned, "You are banned from sending confessions here."), nil
	}

	last, ok, err := p.state.LastAccepted(ctx, subjectID)
	if err != nil {
		return Decision{}, faults.Transient(fmt.Errorf("last accepted: %w", err))
	}
	if ok {
		if rem := ratelimit.CooldownRemaining(last, now, pol.Cooldown); rem > 0 {
			d := reject(KindCooldown, fmt.Sprintf("You are on cooldown. Try again in %ds.", ratelimit.RetrySeconds(rem)))
			d.RetryAfter = rem
			return d, nil
		}
	}

	day := ratelimit.DayKey(now, pol.Location)
	n, err := p.state.QuotaCount(ctx, subjectID, day)
	if err != nil {
		return Decision{}, faults.Transient(fmt.Errorf("quota count: %w", err))
	}
	if ratelimit.QuotaExceeded(n, pol.DailyQuota) {
		return reject(KindQuota, fmt.Sprintf("Daily limit reached (%d per day). Try again tomorrow.", pol.DailyQuota)), nil
	}

	in := Input{Raw: text, Normalized: Normalize(text, pol.Profile), Profile: pol.Profile}
	for _, f := range pol.Filters {
		if matched, reason := f.Match(in); matched {
			d := reject(KindContent, reason)
			d.Filter = f.Name()
			d.Day = day
			return d, nil
		}
	}

	return Decision{Accepted: true, Day: day, Policy: pol}, nil
}

// CheckContent runs only the content filters of originID's policy.
func (p *Pipeline) CheckContent(originID, text string) (filter, reason string, matched bool) {
	pol := p.Policy(originID)
	in := Input{Raw: text, Normalized: Normalize(text, pol.Profile), Profile: pol.Profile}
	for _, f := range pol.Filters {
		if ok, r := f.Match(in); ok {
			return f.Name(), r, true
		}
	}
	return "", "", false
}
