package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"confessbot/internal/eventbus"
	"confessbot/internal/faults"
	"confessbot/internal/queue"
	"confessbot/internal/ratelimit"
	"confessbot/internal/registry"
	"confessbot/internal/storage"
	logx "confessbot/pkg/logx"
)

type fakeSender struct {
	mu      sync.Mutex
	errs    map[string]error
	sent    map[string]string
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeSender) Send(ctx context.Context, d storage.Destination, text string) error {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[string]string{}
	}
	if err := f.errs[d.ID]; err != nil {
		return err
	}
	f.sent[d.ID] = text
	return nil
}

type fixture struct {
	store  *storage.Memory
	reg    *registry.Registry
	sender *fakeSender
	bus    eventbus.Bus
	w      *Worker
}

func newFixture(t *testing.T, groups ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	reg := registry.New(st, logx.Nop())
	for _, g := range groups {
		if _, err := reg.Subscribe(ctx, "discord", g, "c-"+g); err != nil {
			t.Fatalf("subscribe %s: %v", g, err)
		}
	}
	f := &fixture{store: st, reg: reg, sender: &fakeSender{}, bus: eventbus.New()}
	f.w = New(Deps{
		Registry: reg,
		Store:    st,
		Sender:   f.sender,
		Throttle: ratelimit.NewThrottle(0),
		Delay:    ratelimit.NewGlobalDelay(st, storage.SettingGlobalDelay, time.Second),
		Bus:      f.bus,
	}, Options{Concurrency: 2})
	return f
}

func acceptItem(t *testing.T, st *storage.Memory, id int64, text string) queue.Item {
	t.Helper()
	now := time.Now()
	_, err := st.Accept(context.Background(), storage.AcceptRequest{
		AttemptID:  "a" + text,
		Submission: storage.Submission{ID: id, SubjectID: "u" + text, OriginID: "o", Text: text, CreatedAt: now},
		Day:        ratelimit.DayKey(now, time.UTC),
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return queue.Item{ID: id, Text: text, OriginID: "o", EnqueuedAt: now}
}

func TestProcessDeliversAndClassifies(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "g1", "g2", "g3")
	f.sender.errs = map[string]error{
		"discord:g2": faults.Transient(errors.New("timeout")),
		"discord:g3": faults.Permanent(errors.New("missing access")),
	}
	events, cancel := f.bus.Subscribe(8, eventbus.BroadcastReport, eventbus.DestinationRemoved)
	defer cancel()

	it := acceptItem(t, f.store, 7, "hello")
	rep, err := f.w.Process(context.Background(), it)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if rep.Destinations != 3 || rep.Sent != 1 || rep.Transient != 1 || rep.Permanent != 1 || rep.Unsubscribed != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if got := f.sender.sent["discord:g1"]; got != "Anonymous Confession #7\n\nhello" {
		t.Fatalf("text=%q", got)
	}
	if _, ok, _ := f.reg.Lookup(context.Background(), "discord", "g3"); ok {
		t.Fatalf("permanent fault must unsubscribe")
	}
	if _, ok, _ := f.reg.Lookup(context.Background(), "discord", "g2"); !ok {
		t.Fatalf("transient fault must keep the destination")
	}
	if s, ok := f.store.Submission(7); !ok || s.Status != storage.StatusDispatched {
		t.Fatalf("submission=%+v ok=%v", s, ok)
	}

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case e := <-events:
			seen[e.Type] = true
		case <-time.After(time.Second):
			t.Fatalf("events seen: %v", seen)
		}
	}
}

func TestProcessSkipsThrottledDestinations(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "g1", "g2")
	f.w.deps.Throttle.SetMinInterval(time.Hour)
	f.w.deps.Throttle.MarkSuccess("discord:g1", time.Now())

	rep, err := f.w.Process(context.Background(), acceptItem(t, f.store, 1, "x"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if rep.Skipped != 1 || rep.Sent != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if _, ok := f.sender.sent["discord:g1"]; ok {
		t.Fatalf("throttled destination must not be sent to")
	}
	if _, ok := f.w.deps.Throttle.LastSuccess("discord:g2"); !ok {
		t.Fatalf("success must be recorded")
	}
}

func TestProcessBoundsConcurrency(t *testing.T) {
	t.Parallel()

	groups := make([]string, 8)
	for i := range groups {
		groups[i] = "g" + string(rune('a'+i))
	}
	f := newFixture(t, groups...)
	f.sender.delay = 20 * time.Millisecond

	rep, err := f.w.Process(context.Background(), acceptItem(t, f.store, 2, "y"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if rep.Sent != 8 {
		t.Fatalf("sent=%d", rep.Sent)
	}
	if got := f.sender.maxSeen.Load(); got > 2 {
		t.Fatalf("max concurrent sends=%d want <=2", got)
	}
	for i := 1; i < len(rep.Outcomes); i++ {
		if rep.Outcomes[i-1].index > rep.Outcomes[i].index {
			t.Fatalf("outcomes not in snapshot order")
		}
	}
}

type failingRegistry struct{ calls atomic.Int32 }

func (r *failingRegistry) Snapshot(context.Context) ([]storage.Destination, error) {
	if r.calls.Add(1) == 1 {
		return nil, errors.New("db down")
	}
	return nil, nil
}

func (r *failingRegistry) Unsubscribe(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestRunRetriesItemAndAppliesGlobalDelay(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	if err := st.PutSetting(context.Background(), storage.SettingGlobalDelay, "3"); err != nil {
		t.Fatalf("put: %v", err)
	}
	q := queue.New()
	reg := &failingRegistry{}
	w := New(Deps{
		Source:   q,
		Registry: reg,
		Store:    st,
		Sender:   &fakeSender{},
		Delay:    ratelimit.NewGlobalDelay(st, storage.SettingGlobalDelay, time.Second),
	}, Options{ErrorBackoff: 5 * time.Second})

	var mu sync.Mutex
	var sleeps []time.Duration
	w.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
		return nil
	}

	if err := q.Enqueue(queue.Item{ID: 1, Text: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Close()
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if reg.calls.Load() != 2 {
		t.Fatalf("snapshot calls=%d", reg.calls.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sleeps) != 2 || sleeps[0] != 5*time.Second || sleeps[1] != 3*time.Second {
		t.Fatalf("sleeps=%v", sleeps)
	}
}

type panicSender struct{}

func (panicSender) Send(context.Context, storage.Destination, string) error { panic("boom") }

func TestSendPanicIsTransient(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "g1")
	f.w.deps.Sender = panicSender{}
	rep, err := f.w.Process(context.Background(), acceptItem(t, f.store, 3, "z"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if rep.Transient != 1 || !strings.Contains(rep.Outcomes[0].Err.Error(), "boom") {
		t.Fatalf("report=%+v", rep)
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	got := Render("Confession {id}", queue.Item{ID: 42, Text: "hi"})
	if got != "Confession 42\n\nhi" {
		t.Fatalf("got %q", got)
	}
}

// recordingSender keeps every text per destination in arrival order.
type recordingSender struct {
	mu      sync.Mutex
	errs    map[string]error
	history map[string][]string
}

func (r *recordingSender) Send(_ context.Context, d storage.Destination, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.history == nil {
		r.history = map[string][]string{}
	}
	r.history[d.ID] = append(r.history[d.ID], text)
	return r.errs[d.ID]
}

func TestRunKeepsPerDestinationOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a", "x", "b")
	rs := &recordingSender{errs: map[string]error{"discord:x": faults.Permanent(errors.New("unknown channel"))}}
	q := queue.New()
	f.w.deps.Sender = rs
	f.w.deps.Source = q
	f.w.sleep = func(context.Context, time.Duration) error { return nil }

	for i := int64(1); i <= 5; i++ {
		if err := q.Enqueue(acceptItem(t, f.store, i, "m"+string(rune('0'+i)))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	q.Close()
	if err := f.w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if got := rs.history["discord:x"]; len(got) != 1 || !strings.Contains(got[0], "#1\n") {
		t.Fatalf("faulted destination got %q, want only item 1", got)
	}
	for _, id := range []string{"discord:a", "discord:b"} {
		got := rs.history[id]
		if len(got) != 5 {
			t.Fatalf("%s got %d items", id, len(got))
		}
		for i, text := range got {
			if want := "#" + string(rune('1'+i)) + "\n"; !strings.Contains(text, want) {
				t.Fatalf("%s item %d = %q, want %q", id, i, text, want)
			}
		}
	}
	for i := int64(1); i <= 5; i++ {
		if s, ok := f.store.Submission(i); !ok || s.Status != storage.StatusDispatched {
			t.Fatalf("submission %d=%+v", i, s)
		}
	}
}

type panicRegistry struct{ calls atomic.Int32 }

func (r *panicRegistry) Snapshot(context.Context) ([]storage.Destination, error) {
	r.calls.Add(1)
	panic("corrupt row")
}

func (r *panicRegistry) Unsubscribe(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestRunPanicDropsItemAndPausesForErrorBackoff(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	q := queue.New()
	reg := &panicRegistry{}
	w := New(Deps{
		Source:   q,
		Registry: reg,
		Store:    st,
		Sender:   &fakeSender{},
		Delay:    ratelimit.NewGlobalDelay(st, storage.SettingGlobalDelay, time.Second),
	}, Options{ErrorBackoff: 5 * time.Second})

	var sleeps []time.Duration
	w.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	for i := int64(1); i <= 2; i++ {
		if err := q.Enqueue(queue.Item{ID: i, Text: "a"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	q.Close()
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if reg.calls.Load() != 2 {
		t.Fatalf("each item must be tried once, calls=%d", reg.calls.Load())
	}
	if len(sleeps) != 2 || sleeps[0] != 5*time.Second || sleeps[1] != 5*time.Second {
		t.Fatalf("sleeps=%v", sleeps)
	}
}

// gateSender blocks the first send until released.
type gateSender struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateSender) Send(context.Context, storage.Destination, string) error {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	return nil
}

func TestProcessInterruptedLeavesItemUndispatched(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "g1", "g2", "g3")
	f.w.Apply(Options{Concurrency: 1})
	gs := &gateSender{started: make(chan struct{}), release: make(chan struct{})}
	f.w.deps.Sender = gs
	it := acceptItem(t, f.store, 9, "late")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Report, 1)
	go func() {
		rep, _ := f.w.Process(ctx, it)
		done <- rep
	}()
	<-gs.started
	cancel()
	// Let the fan-out loop observe the cancellation while the slot is still taken.
	time.Sleep(50 * time.Millisecond)
	close(gs.release)

	var rep Report
	select {
	case rep = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("process did not return")
	}
	if rep.Sent != 1 || rep.Unattempted != 2 {
		t.Fatalf("report=%+v", rep)
	}
	if s, ok := f.store.Submission(9); !ok || s.Status != storage.StatusAccepted {
		t.Fatalf("interrupted item must stay accepted: %+v", s)
	}
}
