package eligibility

import (
	"strings"
	"time"

	"confessbot/internal/config"
)

// Policy is an immutable admission rule set. Reconfiguration swaps whole
// policies; a policy is never edited in place.
type Policy struct {
	Cooldown   time.Duration
	DailyQuota int
	Location   *time.Location
	Profile    Profile
	Filters    []Filter
}

// PolicySet is the default policy plus per-origin overrides.
type PolicySet struct {
	Default Policy
	Origins map[string]Policy
}

// For returns the policy that applies to originID.
func (s *PolicySet) For(originID string) Policy {
	if s == nil {
		return Policy{}
	}
	if p, ok := s.Origins[originID]; ok {
		return p
	}
	return s.Default
}

// FilterOptions configures the content filter chain.
type FilterOptions struct {
	AllowLinks    bool
	BannedWords   []string
	Profile       Profile
	MaxLength     int
	CapsRatio     float64
	CapsMinLength int
	MaxMentions   int
}

// BuildFilters returns the filter chain in its fixed evaluation order.
func BuildFilters(o FilterOptions) []Filter {
	var fs []Filter
	if !o.AllowLinks {
		fs = append(fs, InviteLinks(), URLs())
	}
	fs = append(fs,
		Profanity(o.BannedWords, o.Profile),
		MaxLength(o.MaxLength),
		Caps(o.CapsRatio, o.CapsMinLength),
		MassMentions(o.MaxMentions),
	)
	return fs
}

// FromConfig builds a PolicySet from an already validated eligibility section.
func FromConfig(ec config.EligibilityConfig) (*PolicySet, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(ec.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, err
		}
		loc = l
	}
	profile := ParseProfile(ec.Profile)
	cooldown := config.MustDuration(ec.Cooldown, config.DefaultCooldown)

	base := FilterOptions{
		BannedWords:   ec.BannedWords,
		Profile:       profile,
		MaxLength:     orInt(ec.MaxLength, config.DefaultMaxLength),
		CapsRatio:     orFloat(ec.CapsRatio, config.DefaultCapsRatio),
		CapsMinLength: orInt(ec.CapsMinLength, config.DefaultCapsMinLength),
		MaxMentions:   orInt(ec.MaxMentions, config.DefaultMaxMentions),
	}
	set := &PolicySet{
		Default: Policy{
			Cooldown:   cooldown,
			DailyQuota: orInt(ec.DailyQuota, config.DefaultDailyQuota),
			Location:   loc,
			Profile:    profile,
			Filters:    BuildFilters(base),
		},
		Origins: make(map[string]Policy, len(ec.Origins)),
	}
	for origin, oc := range ec.Origins {
		p := set.Default
		if oc.Cooldown != "" {
			p.Cooldown = config.MustDuration(oc.Cooldown, cooldown)
		}
		if oc.DailyQuota != 0 {
			p.DailyQuota = oc.DailyQuota
		}
		fo := base
		fo.AllowLinks = oc.AllowLinks
		if len(oc.ExtraBanned) > 0 {
			fo.BannedWords = append(append([]string(nil), base.BannedWords...), oc.ExtraBanned...)
		}
		p.Filters = BuildFilters(fo)
		set.Origins[origin] = p
	}
	return set, nil
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
