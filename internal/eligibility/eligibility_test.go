package eligibility

import (
	"context"
	"strings"
	"testing"
	"time"

	"confessbot/internal/config"
	"confessbot/internal/storage"
	logx "confessbot/pkg/logx"
)

func TestNormalizeProfiles(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		profile Profile
		want    string
	}{
		{"B.A.D w0rd", ProfileCollapse, "bad word"},
		{"b a d", ProfileCollapse, "bad"},
		{"b-a-d  day", ProfileCollapse, "bad day"},
		{"b.a.d", ProfileStrip, "bad"},
		{"b a d", ProfileStrip, "b a d"},
		{"H3LL0 th3re!!", ProfileStrip, "hello there"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in, tc.profile); got != tc.want {
			t.Fatalf("Normalize(%q, %s)=%q want %q", tc.in, tc.profile, got, tc.want)
		}
	}
}

func TestProfanityObscured(t *testing.T) {
	t.Parallel()

	collapse := Profanity([]string{"bad", "ass", "fuck"}, ProfileCollapse)
	strip := Profanity([]string{"bad"}, ProfileStrip)

	cases := []struct {
		name string
		f    Filter
		p    Profile
		text string
		want bool
	}{
		{"plain", collapse, ProfileCollapse, "this is bad", true},
		{"spaced", collapse, ProfileCollapse, "this is b a d", true},
		{"punctuated", collapse, ProfileCollapse, "this is b.a.d!", true},
		{"elongated", collapse, ProfileCollapse, "so baaaad", true},
		{"leet", collapse, ProfileCollapse, "so b4d", true},
		{"elongated double", collapse, ProfileCollapse, "what an asss", true},
		{"single letter before run", collapse, ProfileCollapse, "what a b.a.d day", true},
		{"spaced after pronoun", collapse, ProfileCollapse, "i b a d", true},
		{"spaced elongated", collapse, ProfileCollapse, "b a a a d", true},
		{"partial punctuation", collapse, ProfileCollapse, "b.ad", true},
		{"partial punctuation long", collapse, ProfileCollapse, "fu.ck off", true},
		{"symbols dropped", collapse, ProfileCollapse, "so b*a_d!", true},
		{"word boundary", collapse, ProfileCollapse, "nice badge", false},
		{"unrelated single letters", collapse, ProfileCollapse, "i a m here", false},
		{"split harmless words", collapse, ProfileCollapse, "a b.c d", false},
		{"short word not elongated", collapse, ProfileCollapse, "as you like", false},
		{"strip punctuated", strip, ProfileStrip, "b.a.d", true},
		{"strip spaced", strip, ProfileStrip, "b a d", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			in := Input{Raw: tc.text, Normalized: Normalize(tc.text, tc.p), Profile: tc.p}
			if got, _ := tc.f.Match(in); got != tc.want {
				t.Fatalf("match(%q)=%v want %v (normalized %q)", tc.text, got, tc.want, in.Normalized)
			}
		})
	}
}

func TestFilterChainOrder(t *testing.T) {
	t.Parallel()

	p := New(storage.NewMemory(), &PolicySet{Default: Policy{
		Profile: ProfileCollapse,
		Filters: BuildFilters(FilterOptions{
			BannedWords:   []string{"bad"},
			Profile:       ProfileCollapse,
			MaxLength:     1500,
			CapsRatio:     0.7,
			CapsMinLength: 15,
			MaxMentions:   5,
		}),
	}}, logx.Nop())

	cases := []struct {
		text   string
		filter string
	}{
		{"join discord.gg/abc or https://example.com", "invite_link"},
		{"see https://example.com", "url"},
		{"visit example.com today", "url"},
		{"BAD BAD BAD BAD BAD", "profanity"},
		{strings.Repeat("a", 1501), "length"},
		{"HELLO THERE MY FRIENDS", "caps"},
		{"HELLO", ""},
		{"hey @everyone", "mass_mention"},
		{"@a1 @b2 @c3 @d4 @e5 @f6", "mass_mention"},
		{"@a1 @b2 @c3 @d4 @e5", ""},
		{"just a normal confession.", ""},
	}
	for _, tc := range cases {
		filter, reason, matched := p.CheckContent("any", tc.text)
		if filter != tc.filter {
			t.Fatalf("CheckContent(%.30q) filter=%q want %q", tc.text, filter, tc.filter)
		}
		if matched != (tc.filter != "") || (matched && reason == "") {
			t.Fatalf("CheckContent(%.30q) matched=%v reason=%q", tc.text, matched, reason)
		}
	}
}

func TestEvaluateOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	set, err := FromConfig(config.EligibilityConfig{
		BannedWords: []string{"bad"},
		Origins: map[string]config.OriginConfig{
			"g-links": {AllowLinks: true, Cooldown: "1m"},
		},
	})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	p := New(st, set, logx.Nop())
	t0 := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	accept := func(attempt string, id int64, at time.Time) {
		t.Helper()
		res, err := st.Accept(ctx, storage.AcceptRequest{
			AttemptID:      attempt,
			Submission:     storage.Submission{ID: id, SubjectID: "u1", OriginID: "g1", Text: "x", CreatedAt: at},
			Day:            "2026-02-01",
			CooldownWindow: 15 * time.Second,
			QuotaLimit:     3,
		})
		if err != nil || res.Outcome != storage.AcceptApplied {
			t.Fatalf("accept: %+v %v", res, err)
		}
	}

	d, err := p.Evaluate(ctx, "u1", "g1", "hello", t0)
	if err != nil || !d.Accepted || d.Day != "2026-02-01" || d.Policy.DailyQuota != 3 {
		t.Fatalf("fresh subject: %+v %v", d, err)
	}

	accept("a1", 1, t0)
	d, _ = p.Evaluate(ctx, "u1", "g1", "hello", t0.Add(5*time.Second))
	if d.Kind != KindCooldown || d.RetryAfter != 10*time.Second || !strings.Contains(d.Reason, "10s") {
		t.Fatalf("cooldown: %+v", d)
	}
	d, _ = p.Evaluate(ctx, "u1", "g-links", "hello", t0.Add(30*time.Second))
	if d.Kind != KindCooldown || d.RetryAfter != 30*time.Second {
		t.Fatalf("origin cooldown override: %+v", d)
	}

	// Cooldown is checked before content.
	d, _ = p.Evaluate(ctx, "u1", "g1", "bad", t0.Add(time.Second))
	if d.Kind != KindCooldown {
		t.Fatalf("cooldown must precede content: %+v", d)
	}

	accept("a2", 2, t0.Add(20*time.Second))
	accept("a3", 3, t0.Add(40*time.Second))
	d, _ = p.Evaluate(ctx, "u1", "g1", "hello", t0.Add(time.Minute))
	if d.Kind != KindQuota {
		t.Fatalf("quota: %+v", d)
	}

	// Bans win over everything else.
	if err := st.PutBan(ctx, storage.Ban{SubjectID: "u1", Scope: "g1"}); err != nil {
		t.Fatalf("ban: %v", err)
	}
	d, _ = p.Evaluate(ctx, "u1", "g1", "hello", t0.Add(time.Minute))
	if d.Kind != KindBanned {
		t.Fatalf("origin ban: %+v", d)
	}
	if err := st.PutBan(ctx, storage.Ban{SubjectID: "u2", Scope: storage.ScopeGlobal}); err != nil {
		t.Fatalf("ban: %v", err)
	}
	d, _ = p.Evaluate(ctx, "u2", "g9", "hello", t0)
	if d.Kind != KindBanned {
		t.Fatalf("global ban: %+v", d)
	}

	d, _ = p.Evaluate(ctx, "u3", "g1", "b.a.d day", t0)
	if d.Kind != KindContent || d.Filter != "profanity" {
		t.Fatalf("content: %+v", d)
	}
	d, _ = p.Evaluate(ctx, "u3", "g-links", "see https://example.com", t0)
	if !d.Accepted {
		t.Fatalf("links allowed in g-links: %+v", d)
	}
	d, _ = p.Evaluate(ctx, "u3", "g1", "see https://example.com", t0)
	if d.Kind != KindContent || d.Filter != "url" {
		t.Fatalf("links rejected by default: %+v", d)
	}
}

func TestApplySwapsPolicy(t *testing.T) {
	t.Parallel()

	p := New(storage.NewMemory(), &PolicySet{Default: Policy{Cooldown: time.Second}}, logx.Nop())
	p.Apply(&PolicySet{Default: Policy{Cooldown: time.Hour}})
	if got := p.Policy("x").Cooldown; got != time.Hour {
		t.Fatalf("cooldown=%v", got)
	}
	p.Apply(nil)
	if got := p.Policy("x").Cooldown; got != time.Hour {
		t.Fatalf("nil apply must keep the current set, got %v", got)
	}
}
