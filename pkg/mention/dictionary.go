// Package mention finds known entity names inside free text.
// One Aho-Corasick automaton serves both as the surface-form dictionary and
// as the text scanner.
package mention

import (
	"sort"
	"strings"

	"github.com/orsinium-labs/stopwords"
	ahocorasick "github.com/petar-dambovaliev/aho-corasick"

	"github.com/kittclouds/kittvault/pkg/resolver"
)

var english = stopwords.MustGet("en")

// Entity is one dictionary input.
type Entity struct {
	ID      string
	Name    string
	Type    string
	Aliases []string
}

// Match is a surface form found in text. IDs lists every entity sharing the
// surface form, highest priority first.
type Match struct {
	Start int      `json:"start"`
	End   int      `json:"end"`
	Text  string   `json:"text"`
	IDs   []string `json:"ids"`
	// Exact is false when the form was derived from a name (a first name,
	// an acronym) rather than being a name or alias itself.
	Exact bool `json:"exact"`
}

// Ambiguous reports whether more than one entity owns the matched form.
func (m Match) Ambiguous() bool { return len(m.IDs) > 1 }

type pattern struct {
	ids   []string
	exact bool
}

// Dictionary is an immutable, compiled set of surface forms.
type Dictionary struct {
	ac       ahocorasick.AhoCorasick
	patterns []pattern
	index    map[string]int
	types    map[string]string
}

// Compile builds a dictionary from names, aliases and forms derived from
// names (last and first names for people, acronyms for projects).
func Compile(entities []Entity) *Dictionary {
	d := &Dictionary{
		index: make(map[string]int),
		types: make(map[string]string, len(entities)),
	}
	var keys []string
	add := func(surface, id string, exact bool) {
		key := resolver.Normalize(surface)
		if key == "" {
			return
		}
		if idx, ok := d.index[key]; ok {
			p := &d.patterns[idx]
			p.ids = appendUnique(p.ids, id)
			p.exact = p.exact || exact
			return
		}
		d.index[key] = len(keys)
		keys = append(keys, key)
		d.patterns = append(d.patterns, pattern{ids: []string{id}, exact: exact})
	}

	for _, e := range entities {
		d.types[e.ID] = e.Type
		add(e.Name, e.ID, true)
		for _, a := range e.Aliases {
			add(a, e.ID, true)
		}
		for _, a := range derivedForms(e.Name, e.Type) {
			add(a, e.ID, false)
		}
	}
	for i := range d.patterns {
		d.sortByPriority(d.patterns[i].ids)
	}
	if len(keys) == 0 {
		return d
	}

	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: true,
		MatchOnlyWholeWords:  true,
		MatchKind:            ahocorasick.LeftMostLongestMatch,
	})
	d.ac = builder.Build(keys)
	return d
}

// Len is the number of distinct surface forms.
func (d *Dictionary) Len() int { return len(d.patterns) }

// Lookup returns the ids owning a surface form, highest priority first.
func (d *Dictionary) Lookup(surface string) []string {
	idx, ok := d.index[resolver.Normalize(surface)]
	if !ok {
		return nil
	}
	return append([]string(nil), d.patterns[idx].ids...)
}

// Scan finds every whole-word mention in text, leftmost-longest, with byte
// offsets into text.
func (d *Dictionary) Scan(text string) []Match {
	if len(d.patterns) == 0 {
		return nil
	}
	found := d.ac.FindAll(text)
	out := make([]Match, 0, len(found))
	for _, m := range found {
		p := d.patterns[m.Pattern()]
		out = append(out, Match{
			Start: m.Start(),
			End:   m.End(),
			Text:  text[m.Start():m.End()],
			IDs:   append([]string(nil), p.ids...),
			Exact: p.exact,
		})
	}
	return out
}

// Types with more specific names rank first when a form is shared.
var priority = map[string]int{
	"person":   10,
	"project":  8,
	"goal":     7,
	"event":    5,
	"period":   4,
	"document": 2,
}

func (d *Dictionary) sortByPriority(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return priority[d.types[ids[i]]] > priority[d.types[ids[j]]]
	})
}

func derivedForms(name, typ string) []string {
	var words []string
	for _, w := range resolver.Words(resolver.Normalize(name)) {
		if !english.Contains(w) {
			words = append(words, w)
		}
	}
	if len(words) <= 1 {
		return nil
	}
	first, last := words[0], words[len(words)-1]

	var out []string
	switch typ {
	case "person":
		if len(last) >= 3 {
			out = append(out, last)
		}
		if len(first) >= 3 && first != last {
			out = append(out, first)
		}
	case "project", "goal":
		if len(words) >= 3 {
			var acronym strings.Builder
			for _, w := range words {
				acronym.WriteRune([]rune(w)[0])
			}
			out = append(out, acronym.String())
		}
	}
	return out
}

func appendUnique(ids []string, id string) []string {
	for _, s := range ids {
		if s == id {
			return ids
		}
	}
	return append(ids, id)
}
