// Package broadcast fans accepted confessions out to every subscribed destination.
//
// Exactly one Worker may run per deployment: the per-destination throttle
// state lives in process memory.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"confessbot/internal/eventbus"
	"confessbot/internal/faults"
	"confessbot/internal/observability/metrics"
	"confessbot/internal/queue"
	"confessbot/internal/ratelimit"
	"confessbot/internal/storage"
	"confessbot/internal/transport"
	logx "confessbot/pkg/logx"
)

type Source interface {
	Dequeue(ctx context.Context) (queue.Item, error)
	Len() int
}

type Registry interface {
	Snapshot(ctx context.Context) ([]storage.Destination, error)
	Unsubscribe(ctx context.Context, id, reason string) (bool, error)
}

type Marker interface {
	MarkDispatched(ctx context.Context, id int64) error
}

type Options struct {
	// Concurrency is the maximum number of sends in flight for one item.
	Concurrency  int
	ErrorBackoff time.Duration
	SendTimeout  time.Duration
	// Header is the first line of every broadcast; "{id}" is replaced by the confession id.
	Header string
}

func (o Options) normalized() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 10
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 5 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 20 * time.Second
	}
	if strings.TrimSpace(o.Header) == "" {
		o.Header = "Anonymous Confession #{id}"
	}
	return o
}

type Deps struct {
	Source   Source
	Registry Registry
	Store    Marker
	Sender   transport.Sender
	Throttle *ratelimit.Throttle
	Delay    *ratelimit.GlobalDelay
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Log      logx.Logger
}

// Outcome is the result of one destination send.
type Outcome struct {
	Destination storage.Destination
	Class       faults.Class
	Err         error
	Took        time.Duration

	index int
}

// Report aggregates the outcomes of one item.
type Report struct {
	ItemID       int64
	Destinations int
	Sent         int
	Skipped      int
	Transient    int
	Permanent    int
	Unsubscribed int
	Unattempted  int // cut off by shutdown before a send was tried
	Took         time.Duration
	Outcomes     []Outcome
}

type Worker struct {
	deps Deps
	log  logx.Logger
	opts atomic.Pointer[Options]

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(deps Deps, opts Options) *Worker {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Throttle == nil {
		deps.Throttle = ratelimit.NewThrottle(0)
	}
	if deps.Delay == nil {
		deps.Delay = ratelimit.NewGlobalDelay(nil, "", 0)
	}
	w := &Worker{
		deps:  deps,
		log:   deps.Log.With(logx.String("comp", "broadcast")),
		now:   time.Now,
		sleep: sleepCtx,
	}
	w.Apply(opts)
	return w
}

// Apply swaps the worker options; the item in flight keeps the ones it started with.
func (w *Worker) Apply(opts Options) {
	o := opts.normalized()
	w.opts.Store(&o)
}

func (w *Worker) Options() Options { return *w.opts.Load() }

// Run consumes the queue until ctx is done or the queue is closed and drained.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("broadcast worker started", logx.Int("concurrency", w.Options().Concurrency))
	defer w.log.Info("broadcast worker stopped")
	for {
		it, err := w.deps.Source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		w.deps.Metrics.QueueDepth(w.deps.Source.Len())

		dropped, err := w.processWithRetry(ctx, it)
		if err != nil {
			return nil
		}

		delay := w.Options().ErrorBackoff
		if !dropped {
			if delay, err = w.deps.Delay.Resolve(ctx); err != nil {
				w.log.Warn("global delay lookup failed, using fallback", logx.Err(err), logx.Duration("delay", delay))
			}
		}
		if err := w.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// processWithRetry keeps the item until it was fanned out. Infrastructure
// failures back off and retry; a panic drops the item and reports it so the
// caller pauses for the error backoff. It returns an error only when ctx ended.
func (w *Worker) processWithRetry(ctx context.Context, it queue.Item) (dropped bool, err error) {
	for attempt := 1; ; attempt++ {
		err := w.safeProcess(ctx, it)
		if err == nil {
			return false, nil
		}
		var pe panicError
		if errors.As(err, &pe) {
			w.log.Error("broadcast iteration panicked, item dropped",
				logx.Int64("id", it.ID), logx.Any("panic", pe.value), logx.Stack(pe.stack))
			return true, nil
		}
		backoff := w.Options().ErrorBackoff
		w.log.Warn("broadcast iteration failed",
			logx.Int64("id", it.ID), logx.Int("attempt", attempt), logx.Duration("backoff", backoff), logx.Err(err))
		if err := w.sleep(ctx, backoff); err != nil {
			return false, err
		}
	}
}

type panicError struct {
	value any
	stack string
}

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func (w *Worker) safeProcess(ctx context.Context, it queue.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r, stack: logx.StackTrace(3, 32)}
		}
	}()
	_, err = w.Process(ctx, it)
	return err
}

// Process fans one item out and applies the outcomes. A non-nil error means
// nothing was sent and the item should be retried.
func (w *Worker) Process(ctx context.Context, it queue.Item) (Report, error) {
	opts := w.Options()
	start := w.now()

	dests, err := w.deps.Registry.Snapshot(ctx)
	if err != nil {
		return Report{}, faults.Transient(fmt.Errorf("registry snapshot: %w", err))
	}

	// In-flight sends and their bookkeeping finish even when ctx is cancelled
	// by shutdown; the app bounds the wait with its stop deadline.
	bg := context.WithoutCancel(ctx)

	rep := w.fanOut(ctx, bg, it, dests, opts)
	w.apply(bg, &rep)

	if rep.Unattempted > 0 {
		w.log.Warn("fan-out interrupted, confession left undispatched",
			logx.Int64("id", it.ID), logx.Int("unattempted", rep.Unattempted))
	} else if err := w.deps.Store.MarkDispatched(bg, it.ID); err != nil {
		w.log.Warn("mark dispatched failed", logx.Int64("id", it.ID), logx.Err(err))
	}
	rep.Took = w.now().Sub(start)

	w.deps.Metrics.Broadcast(rep.Took, rep.Unsubscribed)
	if w.deps.Bus != nil {
		w.deps.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastReport, Data: rep})
	}
	w.log.Info("confession broadcast",
		logx.Int64("id", it.ID),
		logx.Int("destinations", rep.Destinations),
		logx.Int("sent", rep.Sent),
		logx.Int("skipped", rep.Skipped),
		logx.Int("transient", rep.Transient),
		logx.Int("permanent", rep.Permanent),
		logx.Duration("took", rep.Took),
	)
	return rep, nil
}

func (w *Worker) fanOut(ctx, bg context.Context, it queue.Item, dests []storage.Destination, opts Options) Report {
	rep := Report{ItemID: it.ID, Destinations: len(dests)}
	text := Render(opts.Header, it)
	now := w.now()

	results := make(chan Outcome, len(dests))
	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup

acquire:
	for i, d := range dests {
		if !w.deps.Throttle.Allow(d.ID, now) {
			rep.Skipped++
			w.deps.Metrics.Delivery(d.Platform, metrics.ResultSkipped, 0)
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			rep.Unattempted = len(dests) - i
			w.log.Info("shutdown during fan-out, remaining destinations not attempted", logx.Int64("id", it.ID), logx.Int("remaining", rep.Unattempted))
			break acquire
		}
		wg.Add(1)
		go func(i int, d storage.Destination) {
			defer wg.Done()
			defer func() { <-sem }()
			o := w.deliver(bg, d, text, opts.SendTimeout)
			o.index = i
			results <- o
		}(i, d)
	}
	wg.Wait()
	close(results)

	for o := range results {
		rep.Outcomes = append(rep.Outcomes, o)
	}
	sort.Slice(rep.Outcomes, func(i, j int) bool { return rep.Outcomes[i].index < rep.Outcomes[j].index })
	return rep
}

func (w *Worker) deliver(ctx context.Context, d storage.Destination, text string, timeout time.Duration) (o Outcome) {
	o.Destination = d
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.Err = fmt.Errorf("send panic: %v", r)
		}
		o.Took = time.Since(start)
		o.Class = faults.Classify(o.Err)
	}()
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	o.Err = w.deps.Sender.Send(sctx, d, text)
	return o
}

// apply runs after the join: outcomes are never applied concurrently.
func (w *Worker) apply(ctx context.Context, rep *Report) {
	for _, o := range rep.Outcomes {
		d := o.Destination
		switch o.Class {
		case faults.ClassOK:
			rep.Sent++
			w.deps.Throttle.MarkSuccess(d.ID, w.now())
			w.deps.Metrics.Delivery(d.Platform, metrics.ResultOK, o.Took)
		case faults.ClassPermanent:
			rep.Permanent++
			w.deps.Metrics.Delivery(d.Platform, metrics.ResultPermanent, o.Took)
			removed, err := w.deps.Registry.Unsubscribe(ctx, d.ID, o.Err.Error())
			if err != nil {
				w.log.Warn("unsubscribe failed", logx.String("dest", d.ID), logx.Err(err))
				continue
			}
			w.deps.Throttle.Forget(d.ID)
			if removed {
				rep.Unsubscribed++
				w.log.Info("destination removed after permanent fault", logx.String("dest", d.ID), logx.Err(o.Err))
				if w.deps.Bus != nil {
					w.deps.Bus.Publish(eventbus.Event{Type: eventbus.DestinationRemoved, Data: d})
				}
			}
		default:
			rep.Transient++
			w.deps.Metrics.Delivery(d.Platform, metrics.ResultTransient, o.Took)
			fields := []logx.Field{logx.String("dest", d.ID), logx.Err(o.Err)}
			if hint, ok := faults.RetryHint(o.Err); ok {
				fields = append(fields, logx.Duration("retry_after", hint))
			}
			w.log.Warn("delivery failed (transient)", fields...)
		}
	}
}

// Render builds the broadcast text: the header line, then the confession.
func Render(header string, it queue.Item) string {
	h := strings.ReplaceAll(header, "{id}", strconv.FormatInt(it.ID, 10))
	return h + "\n\n" + it.Text
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
