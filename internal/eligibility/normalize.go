package eligibility

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Profile selects how text is normalized before the profanity check.
type Profile string

const (
	// ProfileStrip lowercases, maps leet digits and drops every rune that is
	// neither a letter nor a space.
	ProfileStrip Profile = "strip"
	// ProfileCollapse also turns symbols into separators, joins runs of
	// single letters ("b.a.d" -> "bad") and collapses elongations.
	ProfileCollapse Profile = "collapse"
)

func ParseProfile(s string) Profile {
	if Profile(strings.ToLower(strings.TrimSpace(s))) == ProfileStrip {
		return ProfileStrip
	}
	return ProfileCollapse
}

var leet = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
}

// Normalize returns space-separated lowercase tokens.
func Normalize(text string, p Profile) string {
	return strings.Join(tokens(text, p), " ")
}

func tokens(text string, p Profile) []string {
	toks := splitTokens(text, p)
	if p != ProfileCollapse {
		return toks
	}
	return joinSingles(toks)
}

// splitTokens lowercases and maps leet digits. Symbols become separators
// under the collapse profile and are dropped under strip.
func splitTokens(text string, p Profile) []string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if m, ok := leet[r]; ok {
			r = m
		}
		switch {
		case unicode.IsLetter(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case p == ProfileCollapse:
			b.WriteByte(' ')
		}
	}
	return strings.Fields(b.String())
}

// singleRuns returns the letters of every run of two or more one-letter
// tokens: [what a b a d day] -> ["abad"].
func singleRuns(toks []string) []string {
	var out []string
	var run strings.Builder
	n := 0
	flush := func() {
		if n > 1 {
			out = append(out, run.String())
		}
		run.Reset()
		n = 0
	}
	for _, t := range toks {
		if utf8.RuneCountInString(t) == 1 {
			run.WriteString(t)
			n++
			continue
		}
		flush()
	}
	flush()
	return out
}

// joinSingles merges consecutive one-letter tokens: [b a d word] -> [bad word].
func joinSingles(toks []string) []string {
	out := toks[:0:0]
	var run strings.Builder
	n := 0
	flush := func() {
		if n > 0 {
			out = append(out, run.String())
			run.Reset()
			n = 0
		}
	}
	for _, t := range toks {
		if utf8.RuneCountInString(t) == 1 {
			run.WriteString(t)
			n++
			continue
		}
		flush()
		out = append(out, t)
	}
	flush()
	return out
}

// squeeze collapses every run of a repeated rune: "baaad" -> "bad".
func squeeze(s string) string {
	var b strings.Builder
	var prev rune = -1
	for _, r := range s {
		if r != prev {
			b.WriteRune(r)
		}
		prev = r
	}
	return b.String()
}
