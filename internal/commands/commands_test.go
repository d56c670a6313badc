package commands

import (
	"context"
	"strings"
	"testing"
	"time"

	"confessbot/internal/config"
	"confessbot/internal/confession"
	"confessbot/internal/eligibility"
	"confessbot/internal/queue"
	"confessbot/internal/ratelimit"
	"confessbot/internal/registry"
	"confessbot/internal/sequence"
	"confessbot/internal/storage"
	kit "confessbot/internal/transport"
	logx "confessbot/pkg/logx"
)

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, name, rest string
		ok             bool
	}{
		{"/confess hello world", "confess", "hello world", true},
		{"/Confess@ConfessBot  hi ", "confess", "hi", true},
		{"/confess\nline one\nline two", "confess", "line one\nline two", true},
		{"/stats", "stats", "", true},
		{"hello", "", "", false},
		{"/ x", "", "", false},
	}
	for _, tc := range cases {
		name, rest, ok := splitCommand(tc.in)
		if name != tc.name || rest != tc.rest || ok != tc.ok {
			t.Fatalf("splitCommand(%q)=(%q,%q,%v)", tc.in, name, rest, ok)
		}
	}
}

func TestArgHelpers(t *testing.T) {
	t.Parallel()

	if got := tokenize(`<@1> "two words" 'x'`); len(got) != 3 || got[1] != "two words" {
		t.Fatalf("tokenize=%q", got)
	}
	for in, want := range map[string]string{"<#123>": "123", "<@!42>": "42", "<@&7>": "7", "-100": "-100"} {
		if got := unwrapMention(in); got != want {
			t.Fatalf("unwrapMention(%q)=%q", in, got)
		}
	}
	durs := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"7d", 7 * 24 * time.Hour, true},
		{"90m", 90 * time.Minute, true},
		{"0d", 0, false},
		{"-1h", 0, false},
		{"global", 0, false},
	}
	for _, tc := range durs {
		got, err := parseBanDuration(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("parseBanDuration(%q)=%v,%v", tc.in, got, err)
		}
	}
}

type harness struct {
	m       *Manager
	store   *storage.Memory
	reg     *registry.Registry
	q       *queue.Queue
	updates chan kit.Update
	replies chan string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := storage.NewMemory()
	set, err := eligibility.FromConfig(config.EligibilityConfig{})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	q := queue.New()
	reg := registry.New(st, logx.Nop())
	svc := confession.New(confession.Deps{
		Pipeline: eligibility.New(st, set, logx.Nop()),
		IDs:      sequence.New(st, storage.SequenceConfession),
		Store:    st,
		Queue:    q,
	})
	h := &Handlers{
		Confessions:  svc,
		Destinations: reg,
		Store:        st,
		Delay:        ratelimit.NewGlobalDelay(st, storage.SettingGlobalDelay, 5*time.Second),
	}
	m := NewManager(logx.Nop())
	m.SetRegistry(h.Commands())
	m.SetOwners(kit.PlatformDiscord, []string{"owner"})

	hs := &harness{m: m, store: st, reg: reg, q: q, updates: make(chan kit.Update, 8), replies: make(chan string, 8)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx, hs.updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hs
}

// send issues text as from in guild g1 (or a DM when group is false) and waits for the reply.
func (hs *harness) send(t *testing.T, from string, admin, group bool, text string) string {
	t.Helper()
	msg := &kit.Message{Platform: kit.PlatformDiscord, ChatID: "c1", FromID: from, Text: text}
	if group {
		msg.GroupID, msg.IsGroup = "g1", true
	} else {
		msg.ChatID = "dm-" + from
	}
	reply := kit.ReplyFunc(func(_ context.Context, s string) error {
		hs.replies <- s
		return nil
	})
	isAdmin := func(context.Context) (bool, error) { return admin, nil }
	hs.updates <- kit.Update{Message: msg, Reply: reply, IsAdmin: isAdmin}
	select {
	case r := <-hs.replies:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply to %q", text)
		return ""
	}
}

func TestOperatorCommands(t *testing.T) {
	t.Parallel()

	hs := newHarness(t)
	ctx := context.Background()

	steps := []struct {
		from  string
		admin bool
		group bool
		text  string
		want  string
	}{
		{"u1", false, true, "/setup <#c9>", "administrator permission"},
		{"u1", true, false, "/setup", "only works in a server"},
		{"u1", true, true, "/setup <#c9>", "Confession channel set to <#c9>"},
		{"u1", true, true, "/config", "Global Delay: 5 seconds"},
		{"u1", true, true, "/setdelay 9", "not allowed"},
		{"owner", false, false, "/setdelay 0", "at least 1 second"},
		{"owner", false, false, "/setdelay 3601", "at most 3600 seconds"},
		{"owner", false, false, "/setdelay 99999999999", "at most 3600 seconds"},
		{"owner", false, false, "/setdelay 9", "Global delay set to 9 seconds."},
		{"u1", true, true, "/config", "Global Delay: 9 seconds"},
		{"u2", false, false, "/confess I ate the last cookie", confession.AcceptedReply},
		{"u2", false, true, "/stats", "Total Confessions: 1\nServers Connected: 1"},
		{"owner", false, false, "/ban <@u3> global 1d", "Banned discord:u3 (global) until"},
		{"u3", false, false, "/confess hello", "banned"},
		{"owner", false, false, "/unban u3 global", "Unbanned discord:u3"},
		{"u3", false, false, "/confess hello", confession.AcceptedReply},
		{"u1", true, true, "/removesetup", "disabled"},
		{"u1", true, true, "/removesetup", "not set up"},
		{"u1", false, false, "/nope", "Unknown command"},
	}
	for i, s := range steps {
		got := hs.send(t, s.from, s.admin, s.group, s.text)
		if !strings.Contains(got, s.want) {
			t.Fatalf("step %d %q: reply %q, want it to contain %q", i, s.text, got, s.want)
		}
	}

	if hs.q.Len() != 2 {
		t.Fatalf("queue len=%d", hs.q.Len())
	}
	if n, _ := hs.reg.Count(ctx); n != 0 {
		t.Fatalf("destinations=%d", n)
	}
	actions := map[string]int{}
	for _, e := range hs.store.Audit() {
		actions[e.Action]++
	}
	if actions["setup"] != 1 || actions["setdelay"] != 1 || actions["ban"] != 1 || actions["unban"] != 1 || actions["removesetup"] != 2 {
		t.Fatalf("audit=%v", actions)
	}
}

func TestHelpHidesOwnerCommands(t *testing.T) {
	t.Parallel()

	hs := newHarness(t)
	got := hs.send(t, "u1", false, false, "/help")
	if strings.Contains(got, "/setdelay") || !strings.Contains(got, "/confess") {
		t.Fatalf("help=%q", got)
	}
	got = hs.send(t, "owner", false, false, "/help")
	if !strings.Contains(got, "/setdelay") {
		t.Fatalf("owner help=%q", got)
	}
}

func TestMenuCommandsIncludeArgs(t *testing.T) {
	t.Parallel()

	m := NewManager(logx.Nop())
	m.SetRegistry((&Handlers{}).Commands())
	var setup kit.BotCommand
	for _, c := range m.MenuCommands() {
		if c.Command == "setup" {
			setup = c
		}
	}
	if len(setup.Args) != 1 || setup.Args[0].Kind != kit.ArgChannel {
		t.Fatalf("setup=%+v", setup)
	}
}
