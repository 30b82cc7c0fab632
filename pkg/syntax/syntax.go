// Package syntax detects link markers, tags and mentions in markdown bodies.
//
// A link marker has the form [[<target-id>|<display text>]]; the display
// part is optional. Tags are #word tokens and mentions are @word tokens.
package syntax

import (
	"regexp"
	"sort"
	"strings"
)

// Kind distinguishes the type of syntax match.
type Kind int

const (
	KindLink Kind = iota
	KindTag
	KindMention
)

func (k Kind) String() string {
	switch k {
	case KindLink:
		return "link"
	case KindTag:
		return "tag"
	case KindMention:
		return "mention"
	}
	return "unknown"
}

// Match is one detected pattern.
type Match struct {
	Start  int
	End    int
	Text   string
	Kind   Kind
	Target string // link target identifier
	Label  string // display text, tag name or mention handle
}

// Scanner holds the compiled patterns. It is safe for concurrent use.
type Scanner struct {
	linkRe    *regexp.Regexp
	tagRe     *regexp.Regexp
	mentionRe *regexp.Regexp
}

var defaultScanner = New()

// New compiles the scanner patterns.
func New() *Scanner {
	return &Scanner{
		// [[Target]] or [[Target|Label]]
		linkRe: regexp.MustCompile(`\[\[([^|\]]+)(?:\|([^\]]+))?\]\]`),

		// #tag, but not HTML entities like &#39;
		tagRe: regexp.MustCompile(`(?:^|[^&\w])#([\w\-/]+)`),

		// @mention
		mentionRe: regexp.MustCompile(`(?:^|[^\w])@([\w\-]+)`),
	}
}

// Scan finds every link, tag and mention in text, ordered by position.
func (s *Scanner) Scan(text string) []Match {
	var matches []Match
	matches = append(matches, s.scanLinks(text)...)
	matches = append(matches, s.scanTags(text)...)
	matches = append(matches, s.scanMentions(text)...)
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return matches
}

func (s *Scanner) scanLinks(text string) []Match {
	raw := s.linkRe.FindAllStringSubmatchIndex(text, -1)
	out := make([]Match, 0, len(raw))
	for _, m := range raw {
		match := Match{
			Start:  m[0],
			End:    m[1],
			Text:   text[m[0]:m[1]],
			Kind:   KindLink,
			Target: strings.TrimSpace(text[m[2]:m[3]]),
		}
		if m[4] != -1 {
			match.Label = strings.TrimSpace(text[m[4]:m[5]])
		} else {
			match.Label = match.Target
		}
		out = append(out, match)
	}
	return out
}

func (s *Scanner) scanTags(text string) []Match {
	masked := maskLinks(text, s.linkRe)
	raw := s.tagRe.FindAllStringSubmatchIndex(masked, -1)
	out := make([]Match, 0, len(raw))
	for _, m := range raw {
		// group 1 is the tag name; '#' sits just before it
		start, end := m[2]-1, m[3]
		out = append(out, Match{
			Start: start,
			End:   end,
			Text:  text[start:end],
			Kind:  KindTag,
			Label: text[m[2]:m[3]],
		})
	}
	return out
}

func (s *Scanner) scanMentions(text string) []Match {
	masked := maskLinks(text, s.linkRe)
	raw := s.mentionRe.FindAllStringSubmatchIndex(masked, -1)
	out := make([]Match, 0, len(raw))
	for _, m := range raw {
		start, end := m[2]-1, m[3]
		out = append(out, Match{
			Start: start,
			End:   end,
			Text:  text[start:end],
			Kind:  KindMention,
			Label: text[m[2]:m[3]],
		})
	}
	return out
}

// maskLinks blanks link markers so tags inside display text are ignored.
func maskLinks(text string, re *regexp.Regexp) string {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text
	}
	b := []byte(text)
	for _, l := range locs {
		for i := l[0]; i < l[1]; i++ {
			b[i] = ' '
		}
	}
	return string(b)
}

// Links returns the link markers in text.
func Links(text string) []Match {
	return defaultScanner.scanLinks(text)
}

// LinkTargets returns the distinct link target identifiers in order of
// first appearance.
func LinkTargets(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range defaultScanner.scanLinks(text) {
		if m.Target == "" || seen[m.Target] {
			continue
		}
		seen[m.Target] = true
		out = append(out, m.Target)
	}
	return out
}

// Tags returns the distinct lowercased tag names in text.
func Tags(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range defaultScanner.scanTags(text) {
		name := strings.ToLower(m.Label)
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// FormatLink renders a link marker for targetID.
func FormatLink(targetID, display string) string {
	display = strings.NewReplacer("]", "", "|", " ").Replace(strings.TrimSpace(display))
	if display == "" || display == targetID {
		return "[[" + targetID + "]]"
	}
	return "[[" + targetID + "|" + display + "]]"
}

// HasLink reports whether text already links to targetID.
func HasLink(text, targetID string) bool {
	for _, m := range defaultScanner.scanLinks(text) {
		if m.Target == targetID {
			return true
		}
	}
	return false
}

// AddLink appends a link marker for targetID to body unless one exists.
// It reports whether body changed.
func AddLink(body, targetID, display string) (string, bool) {
	if HasLink(body, targetID) {
		return body, false
	}
	link := FormatLink(targetID, display)
	trimmed := strings.TrimRight(body, "\n")
	if trimmed == "" {
		return link + "\n", true
	}
	return trimmed + "\n\n" + link + "\n", true
}
