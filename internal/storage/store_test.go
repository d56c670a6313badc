package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	logx "confessbot/pkg/logx"
)

type storeFactory func(t *testing.T) Store

func drivers() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "confess.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			st := NewRedis(client, "test:", logx.Nop())
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, open(t))
		})
	}
}

func TestNextSequenceConcurrentUniqueAndIncreasing(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		const workers, per = 8, 25

		var mu sync.Mutex
		var got []int64
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				last := int64(0)
				for i := 0; i < per; i++ {
					v, err := st.NextSequence(ctx, SequenceConfession)
					if err != nil {
						t.Errorf("next: %v", err)
						return
					}
					if v <= last {
						t.Errorf("sequence went backwards for one caller: %d after %d", v, last)
					}
					last = v
					mu.Lock()
					got = append(got, v)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		for i, v := range got {
			if v != int64(i+1) {
				t.Fatalf("sequence values not unique/contiguous at %d: %d", i, v)
			}
		}
	})
}

func acceptReq(attempt string, id int64, at time.Time) AcceptRequest {
	return AcceptRequest{
		AttemptID:      attempt,
		Submission:     Submission{ID: id, SubjectID: "u1", OriginID: "g1", Text: "hello", CreatedAt: at},
		Day:            at.UTC().Format("2006-01-02"),
		CooldownWindow: 15 * time.Second,
		QuotaLimit:     3,
	}
}

func TestAcceptCooldownQuotaAndIdempotency(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

		res, err := st.Accept(ctx, acceptReq("a1", 1, t0))
		if err != nil || res.Outcome != AcceptApplied || res.ID != 1 {
			t.Fatalf("first accept: %+v %v", res, err)
		}

		// Retrying the same attempt must not charge again.
		res, err = st.Accept(ctx, acceptReq("a1", 99, t0))
		if err != nil || res.Outcome != AcceptDuplicate || res.ID != 1 {
			t.Fatalf("retry: %+v %v", res, err)
		}
		if n, _ := st.QuotaCount(ctx, "u1", "2026-03-01"); n != 1 {
			t.Fatalf("quota after retry=%d want 1", n)
		}

		res, err = st.Accept(ctx, acceptReq("a2", 2, t0.Add(5*time.Second)))
		if err != nil || res.Outcome != AcceptCooldown || res.RetryAfter != 10*time.Second {
			t.Fatalf("cooldown: %+v %v", res, err)
		}

		for i, off := range []time.Duration{16 * time.Second, 32 * time.Second} {
			res, err = st.Accept(ctx, acceptReq("b"+string(rune('0'+i)), int64(3+i), t0.Add(off)))
			if err != nil || res.Outcome != AcceptApplied {
				t.Fatalf("accept %d: %+v %v", i, res, err)
			}
		}
		res, err = st.Accept(ctx, acceptReq("c", 10, t0.Add(time.Minute)))
		if err != nil || res.Outcome != AcceptQuota {
			t.Fatalf("quota: %+v %v", res, err)
		}

		last, ok, err := st.LastAccepted(ctx, "u1")
		if err != nil || !ok || !last.Equal(t0.Add(32*time.Second)) {
			t.Fatalf("last accepted=%v ok=%v err=%v", last, ok, err)
		}

		// Next day resets the quota.
		res, err = st.Accept(ctx, acceptReq("d", 11, t0.Add(24*time.Hour)))
		if err != nil || res.Outcome != AcceptApplied {
			t.Fatalf("next day: %+v %v", res, err)
		}
	})
}

func TestSubmissionCounts(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()
		if _, err := st.Accept(ctx, acceptReq("x", 7, now)); err != nil {
			t.Fatalf("accept: %v", err)
		}
		if err := st.RecordFlagged(ctx, Submission{SubjectID: "u2", OriginID: "g", Text: "spam", CreatedAt: now, Reason: "links"}); err != nil {
			t.Fatalf("flagged: %v", err)
		}
		if err := st.MarkDispatched(ctx, 7); err != nil {
			t.Fatalf("dispatched: %v", err)
		}
		if err := st.MarkDispatched(ctx, 404); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing dispatched err=%v", err)
		}

		check := func(status SubmissionStatus, want int64) {
			t.Helper()
			n, err := st.CountSubmissions(ctx, status)
			if err != nil || n != want {
				t.Fatalf("count(%q)=%d err=%v want %d", status, n, err, want)
			}
		}
		check("", 1)
		check(StatusAccepted, 0)
		check(StatusDispatched, 1)
		check(StatusFlagged, 1)
	})
}

func TestPendingSubmissionsOrderedAndExcludeDispatched(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		t0 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
		// Distinct subjects keep cooldown and quota out of the way.
		for i, id := range []int64{3, 1, 2} {
			req := acceptReq("p"+strconv.FormatInt(id, 10), id, t0.Add(time.Duration(i)*time.Second))
			req.Submission.SubjectID = "s" + strconv.FormatInt(id, 10)
			if res, err := st.Accept(ctx, req); err != nil || res.Outcome != AcceptApplied {
				t.Fatalf("accept %d: %+v %v", id, res, err)
			}
		}
		if err := st.RecordFlagged(ctx, Submission{SubjectID: "s9", OriginID: "g1", Text: "bad", CreatedAt: t0, Reason: "x"}); err != nil {
			t.Fatalf("flag: %v", err)
		}
		if err := st.MarkDispatched(ctx, 2); err != nil {
			t.Fatalf("mark: %v", err)
		}

		got, err := st.PendingSubmissions(ctx)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(got) != 2 || got[0].ID != 1 || got[1].ID != 3 {
			t.Fatalf("pending=%+v", got)
		}
		first := got[0]
		if first.Text != "hello" || first.OriginID != "g1" || first.Status != StatusAccepted || !first.CreatedAt.Equal(t0.Add(time.Second)) {
			t.Fatalf("pending[0]=%+v", first)
		}

		for _, id := range []int64{1, 3} {
			if err := st.MarkDispatched(ctx, id); err != nil {
				t.Fatalf("mark %d: %v", id, err)
			}
		}
		if got, err := st.PendingSubmissions(ctx); err != nil || len(got) != 0 {
			t.Fatalf("pending after dispatch=%+v err=%v", got, err)
		}
	})
}

func TestBans(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()

		if err := st.PutBan(ctx, Ban{SubjectID: "u1", Scope: "g1"}); err != nil {
			t.Fatalf("ban: %v", err)
		}
		g, o, err := st.BanState(ctx, "u1", "g1", now)
		if err != nil || g || !o {
			t.Fatalf("origin ban: global=%v origin=%v err=%v", g, o, err)
		}
		if _, o, _ = st.BanState(ctx, "u1", "g2", now); o {
			t.Fatalf("origin ban leaked to another origin")
		}

		if err := st.PutBan(ctx, Ban{SubjectID: "u1", Scope: ScopeGlobal, Until: now.Add(time.Hour)}); err != nil {
			t.Fatalf("global ban: %v", err)
		}
		if g, _, _ = st.BanState(ctx, "u1", "g2", now); !g {
			t.Fatalf("global ban not active")
		}
		if g, _, _ = st.BanState(ctx, "u1", "g2", now.Add(2*time.Hour)); g {
			t.Fatalf("expired global ban still active")
		}

		ok, err := st.DeleteBan(ctx, "u1", "g1")
		if err != nil || !ok {
			t.Fatalf("unban: %v %v", ok, err)
		}
		if _, o, _ = st.BanState(ctx, "u1", "g1", now); o {
			t.Fatalf("ban still active after delete")
		}
	})
}

func TestDestinationsAndSettings(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		for i, g := range []string{"b", "a", "c"} {
			d := Destination{Platform: "discord", GroupID: g, ChannelID: "ch-" + g, RegisteredAt: base.Add(time.Duration(i) * time.Minute)}
			if err := st.UpsertDestination(ctx, d); err != nil {
				t.Fatalf("upsert: %v", err)
			}
		}
		// Re-running setup moves the channel without duplicating the group.
		if err := st.UpsertDestination(ctx, Destination{Platform: "discord", GroupID: "a", ChannelID: "ch-a2", RegisteredAt: base.Add(time.Minute)}); err != nil {
			t.Fatalf("upsert again: %v", err)
		}

		ds, err := st.ListDestinations(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(ds) != 3 || ds[0].GroupID != "b" || ds[1].ChannelID != "ch-a2" || ds[2].GroupID != "c" {
			t.Fatalf("unexpected destinations: %+v", ds)
		}

		d, err := st.GetDestination(ctx, DestinationID("discord", "c"))
		if err != nil || d.ChannelID != "ch-c" {
			t.Fatalf("get: %+v %v", d, err)
		}
		if ok, err := st.DeleteDestination(ctx, d.ID); err != nil || !ok {
			t.Fatalf("delete: %v %v", ok, err)
		}
		if _, err := st.GetDestination(ctx, d.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get deleted err=%v", err)
		}

		if _, ok, _ := st.GetSetting(ctx, SettingGlobalDelay); ok {
			t.Fatalf("unexpected setting")
		}
		if err := st.PutSetting(ctx, SettingGlobalDelay, "9"); err != nil {
			t.Fatalf("put setting: %v", err)
		}
		if v, ok, err := st.GetSetting(ctx, SettingGlobalDelay); err != nil || !ok || v != "9" {
			t.Fatalf("setting=%q ok=%v err=%v", v, ok, err)
		}
		if err := st.AppendAudit(ctx, AuditEntry{ActorID: "u", Action: "setdelay", Target: "9"}); err != nil {
			t.Fatalf("audit: %v", err)
		}
	})
}

func TestUpsertDestinationKeepsRegistrationTime(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		first := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
		steps := []struct {
			channel string
			at      time.Time
		}{
			{"c1", first},
			{"c2", first.Add(time.Hour)},
			{"c3", first.Add(48 * time.Hour)},
		}
		for _, s := range steps {
			d := Destination{Platform: "telegram", GroupID: "-100", ChannelID: s.channel, RegisteredAt: s.at}
			if err := st.UpsertDestination(ctx, d); err != nil {
				t.Fatalf("upsert %s: %v", s.channel, err)
			}
			got, err := st.GetDestination(ctx, DestinationID("telegram", "-100"))
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.ChannelID != s.channel {
				t.Fatalf("channel=%q want %q", got.ChannelID, s.channel)
			}
			if !got.RegisteredAt.Equal(first) {
				t.Fatalf("registered_at=%v want %v", got.RegisteredAt, first)
			}
		}
	})
}

func TestPruneRemovesExpiredBookkeeping(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"memory", "sqlite"} {
		open := drivers()[name]
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			ctx := context.Background()
			old := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
			if _, err := st.Accept(ctx, acceptReq("old", 1, old)); err != nil {
				t.Fatalf("accept: %v", err)
			}
			stats, err := st.Prune(ctx, old.Add(72*time.Hour))
			if err != nil {
				t.Fatalf("prune: %v", err)
			}
			if stats.Quotas != 1 || stats.Cooldowns != 1 || stats.Attempts != 1 {
				t.Fatalf("stats=%+v", stats)
			}
			if _, ok, _ := st.LastAccepted(ctx, "u1"); ok {
				t.Fatalf("cooldown not pruned")
			}
		})
	}
}
