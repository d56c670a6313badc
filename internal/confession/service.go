// Package confession is the submission entry point: it admits a confession,
// assigns its id, persists it and hands it to the broadcast queue.
package confession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"confessbot/internal/eligibility"
	"confessbot/internal/eventbus"
	"confessbot/internal/faults"
	"confessbot/internal/observability/metrics"
	"confessbot/internal/queue"
	"confessbot/internal/ratelimit"
	"confessbot/internal/storage"
	logx "confessbot/pkg/logx"
)

const (
	AcceptedReply = "Your confession has been added to the global queue."
	emptyReason   = "Please write something to confess."

	acceptAttempts = 3
)

type Request struct {
	SubjectID string
	OriginID  string
	Text      string
	// Now defaults to the service clock.
	Now time.Time
}

// Result is the answer shown to the submitter. Rejections are results, not errors.
type Result struct {
	Accepted          bool
	ID                int64
	Kind              eligibility.Kind
	Reason            string
	RetryAfterSeconds int64
}

// Store is the write side of storage used on admission.
type Store interface {
	Accept(ctx context.Context, req storage.AcceptRequest) (storage.AcceptResult, error)
	RecordFlagged(ctx context.Context, s storage.Submission) error
}

type IDSource interface {
	Next(ctx context.Context) (int64, error)
}

type Enqueuer interface {
	Enqueue(it queue.Item) error
	Len() int
}

type Deps struct {
	Pipeline *eligibility.Pipeline
	IDs      IDSource
	Store    Store
	Queue    Enqueuer
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Log      logx.Logger
}

type Service struct {
	deps Deps
	log  logx.Logger

	now       func() time.Time
	attemptID func() string
	backoff   func(attempt int) time.Duration
}

func New(deps Deps) *Service {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Service{
		deps:      deps,
		log:       deps.Log.With(logx.String("comp", "confession")),
		now:       time.Now,
		attemptID: func() string { return uuid.NewString() },
		backoff:   func(attempt int) time.Duration { return time.Duration(attempt) * 200 * time.Millisecond },
	}
}

// Submit runs admission for one confession. A non-nil error is a transient
// infrastructure failure; nothing was charged or enqueued in that case unless
// the acceptance write itself went through.
func (s *Service) Submit(ctx context.Context, req Request) (Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Result{Kind: eligibility.KindContent, Reason: emptyReason}, nil
	}
	now := req.Now
	if now.IsZero() {
		now = s.now()
	}

	dec, err := s.deps.Pipeline.Evaluate(ctx, req.SubjectID, req.OriginID, text, now)
	if err != nil {
		s.deps.Metrics.Submission(metrics.OutcomeError)
		return Result{}, err
	}
	if !dec.Accepted {
		if dec.Kind == eligibility.KindContent {
			s.flag(ctx, req, text, now, dec)
		}
		s.deps.Metrics.Submission(string(dec.Kind))
		return rejected(dec.Kind, dec.Reason, dec.RetryAfter), nil
	}

	id, err := s.deps.IDs.Next(ctx)
	if err != nil {
		s.deps.Metrics.Submission(metrics.OutcomeError)
		return Result{}, err
	}

	areq := storage.AcceptRequest{
		AttemptID: s.attemptID(),
		Submission: storage.Submission{
			ID:        id,
			SubjectID: req.SubjectID,
			OriginID:  req.OriginID,
			Text:      text,
			CreatedAt: now,
		},
		Day:            dec.Day,
		CooldownWindow: dec.Policy.Cooldown,
		QuotaLimit:     dec.Policy.DailyQuota,
	}
	res, err := s.accept(ctx, areq)
	if err != nil {
		s.deps.Metrics.Submission(metrics.OutcomeError)
		return Result{}, err
	}

	switch res.Outcome {
	case storage.AcceptCooldown:
		s.deps.Metrics.Submission(metrics.OutcomeCooldown)
		return rejected(eligibility.KindCooldown,
			fmt.Sprintf("You are on cooldown. Try again in %ds.", ratelimit.RetrySeconds(res.RetryAfter)),
			res.RetryAfter), nil
	case storage.AcceptQuota:
		s.deps.Metrics.Submission(metrics.OutcomeQuota)
		return rejected(eligibility.KindQuota,
			fmt.Sprintf("Daily limit reached (%d per day). Try again tomorrow.", dec.Policy.DailyQuota), 0), nil
	}
	id = res.ID

	item := queue.Item{ID: id, Text: text, OriginID: req.OriginID, EnqueuedAt: now}
	if err := s.deps.Queue.Enqueue(item); err != nil {
		// Persisted as accepted but never dispatched; shutdown is the only way here.
		s.log.Error("enqueue failed after acceptance", logx.Int64("id", id), logx.Err(err))
		s.deps.Metrics.Submission(metrics.OutcomeError)
		return Result{}, faults.Transient(fmt.Errorf("enqueue confession %d: %w", id, err))
	}
	s.deps.Metrics.Submission(metrics.OutcomeAccepted)
	s.deps.Metrics.QueueDepth(s.deps.Queue.Len())
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.ConfessionAccepted, Time: now, Data: item})
	}
	s.log.Info("confession accepted",
		logx.Int64("id", id),
		logx.String("origin", req.OriginID),
		logx.Int("queue_len", s.deps.Queue.Len()),
	)
	return Result{Accepted: true, ID: id, Reason: AcceptedReply}, nil
}

// accept retries transient failures with the same attempt id; the store
// guarantees a retried attempt is charged at most once.
func (s *Service) accept(ctx context.Context, req storage.AcceptRequest) (storage.AcceptResult, error) {
	var lastErr error
	for attempt := 1; attempt <= acceptAttempts; attempt++ {
		res, err := s.deps.Store.Accept(ctx, req)
		if err == nil {
			if res.Outcome == storage.AcceptDuplicate {
				s.log.Debug("accept replayed", logx.String("attempt", req.AttemptID), logx.Int64("id", res.ID))
			}
			return res, nil
		}
		lastErr = err
		if errors.Is(err, storage.ErrDisabled) || ctx.Err() != nil {
			break
		}
		s.log.Warn("accept failed", logx.Int("attempt", attempt), logx.Err(err))
		if attempt == acceptAttempts {
			break
		}
		t := time.NewTimer(s.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return storage.AcceptResult{}, faults.Transient(ctx.Err())
		case <-t.C:
		}
	}
	return storage.AcceptResult{}, faults.Transient(fmt.Errorf("accept submission: %w", lastErr))
}

func (s *Service) flag(ctx context.Context, req Request, text string, now time.Time, dec eligibility.Decision) {
	sub := storage.Submission{
		SubjectID: req.SubjectID,
		OriginID:  req.OriginID,
		Text:      text,
		CreatedAt: now,
		Status:    storage.StatusFlagged,
		Reason:    dec.Filter,
	}
	if err := s.deps.Store.RecordFlagged(ctx, sub); err != nil {
		s.log.Warn("record flagged failed", logx.String("filter", dec.Filter), logx.Err(err))
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.ConfessionFlagged, Time: now, Data: sub})
	}
}

func rejected(kind eligibility.Kind, reason string, retry time.Duration) Result {
	r := Result{Kind: kind, Reason: reason}
	if retry > 0 {
		r.RetryAfterSeconds = ratelimit.RetrySeconds(retry)
	}
	return r
}
