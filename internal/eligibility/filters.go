package eligibility

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Input is what every filter sees.
type Input struct {
	Raw        string
	Normalized string
	Profile    Profile
}

// Filter is one content rule. Filters run in a fixed order and the first
// match wins.
type Filter interface {
	Name() string
	Match(in Input) (matched bool, reason string)
}

var (
	inviteRe = regexp.MustCompile(`(?i)(?:discord(?:app)?\.(?:gg|io|me|com/invite)|t\.me|telegram\.(?:me|dog)|chat\.whatsapp\.com)\s*/\s*\S+`)
	urlRe    = regexp.MustCompile(`(?i)(?:\b[a-z][a-z0-9+.-]*://\S+|\bwww\.\S+|\b[a-z0-9-]+(?:\.[a-z0-9-]+)*\.(?:com|net|org|io|gg|ly|xyz|info|app|dev|link|site|online|ru)\b(?:/\S*)?)`)
	massRe   = regexp.MustCompile(`(?i)@(?:everyone|here)\b`)
	userRe   = regexp.MustCompile(`<@[!&]?\d+>|(?:^|\s)@[A-Za-z0-9_]{2,}`)
)

type inviteFilter struct{}

func InviteLinks() Filter { return inviteFilter{} }

func (inviteFilter) Name() string { return "invite_link" }
func (inviteFilter) Match(in Input) (bool, string) {
	if inviteRe.MatchString(in.Raw) {
		return true, "Server invite links are not allowed."
	}
	return false, ""
}

type urlFilter struct{}

func URLs() Filter { return urlFilter{} }

func (urlFilter) Name() string { return "url" }
func (urlFilter) Match(in Input) (bool, string) {
	if urlRe.MatchString(in.Raw) {
		return true, "Links are not allowed."
	}
	return false, ""
}

type profanityFilter struct {
	// each entry is the token sequence of one normalized banned phrase
	words [][]string
}

// Profanity matches whole words (or phrases) of the list against normalized text.
func Profanity(words []string, p Profile) Filter {
	f := profanityFilter{}
	seen := map[string]bool{}
	for _, w := range words {
		toks := tokens(w, p)
		key := strings.Join(toks, " ")
		if len(toks) == 0 || seen[key] {
			continue
		}
		seen[key] = true
		f.words = append(f.words, toks)
	}
	return f
}

func (profanityFilter) Name() string { return "profanity" }
func (f profanityFilter) Match(in Input) (bool, string) {
	if len(f.words) == 0 {
		return false, ""
	}
	const reason = "Swear words are not allowed."
	if f.matchTokens(strings.Fields(in.Normalized), in.Profile) {
		return true, reason
	}
	if in.Profile != ProfileCollapse {
		return false, ""
	}
	// Symbols dropped instead of split: "b.ad" -> "bad".
	if f.matchTokens(splitTokens(in.Raw, ProfileStrip), in.Profile) {
		return true, reason
	}
	// A banned word hidden inside a longer run of single letters:
	// "what a b.a.d day" joins to "abad".
	for _, run := range singleRuns(splitTokens(in.Raw, ProfileCollapse)) {
		squeezed := squeeze(run)
		for _, w := range f.words {
			if len(w) != 1 || utf8.RuneCountInString(w[0]) < 2 {
				continue
			}
			if strings.Contains(run, w[0]) || strings.Contains(squeezed, w[0]) {
				return true, reason
			}
		}
	}
	return false, ""
}

func (f profanityFilter) matchTokens(text []string, p Profile) bool {
	for _, w := range f.words {
		for i := 0; i+len(w) <= len(text); i++ {
			if phraseMatches(text[i:i+len(w)], w, p) {
				return true
			}
		}
	}
	return false
}

func phraseMatches(got, want []string, p Profile) bool {
	for i := range want {
		if !tokenMatches(got[i], want[i], p) {
			return false
		}
	}
	return true
}

// tokenMatches compares one token. Under the collapse profile an elongated
// token ("baaad") also matches when both sides squeeze to the same letters;
// tokens that were not elongated must match exactly so "as" never hits "ass".
func tokenMatches(got, want string, p Profile) bool {
	if got == want {
		return true
	}
	if p != ProfileCollapse {
		return false
	}
	sg := squeeze(got)
	return len(sg) < len(got) && sg == squeeze(want)
}

type lengthFilter struct{ max int }

func MaxLength(n int) Filter { return lengthFilter{max: n} }

func (lengthFilter) Name() string { return "length" }
func (f lengthFilter) Match(in Input) (bool, string) {
	if f.max > 0 && utf8.RuneCountInString(in.Raw) > f.max {
		return true, fmt.Sprintf("Confession is too long (max %d characters).", f.max)
	}
	return false, ""
}

type capsFilter struct {
	ratio     float64
	minLength int
}

// Caps rejects shouting: more than ratio of the letters uppercase, only for
// texts longer than minLength runes.
func Caps(ratio float64, minLength int) Filter { return capsFilter{ratio: ratio, minLength: minLength} }

func (capsFilter) Name() string { return "caps" }
func (f capsFilter) Match(in Input) (bool, string) {
	if utf8.RuneCountInString(in.Raw) <= f.minLength {
		return false, ""
	}
	var letters, upper int
	for _, r := range in.Raw {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters > 0 && float64(upper)/float64(letters) > f.ratio {
		return true, "Please don't shout (too many capital letters)."
	}
	return false, ""
}

type mentionFilter struct{ max int }

// MassMentions rejects @everyone/@here and more than max user mentions.
func MassMentions(max int) Filter { return mentionFilter{max: max} }

func (mentionFilter) Name() string { return "mass_mention" }
func (f mentionFilter) Match(in Input) (bool, string) {
	if massRe.MatchString(in.Raw) {
		return true, "Mass mentions are not allowed."
	}
	if f.max > 0 && len(userRe.FindAllStringIndex(in.Raw, -1)) > f.max {
		return true, "Mass mentions are not allowed."
	}
	return false, ""
}
