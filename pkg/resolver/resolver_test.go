package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSource struct {
	entries []Entry
	aliases map[string][]string // normalized alias -> ids
	err     error
}

func (m *memSource) ExactMatches(_ context.Context, t, norm string) ([]Entry, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []Entry
	for _, e := range m.entries {
		if e.Type == t && Normalize(e.Name) == norm {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memSource) AliasMatches(_ context.Context, t, norm string) ([]Entry, error) {
	var out []Entry
	for _, id := range m.aliases[norm] {
		for _, e := range m.entries {
			if e.ID == id && e.Type == t {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (m *memSource) Candidates(_ context.Context, t string) ([]Entry, error) {
	var out []Entry
	for _, e := range m.entries {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "craig lewis", Normalize("  Craig   LEWIS. "))
	assert.Equal(t, "obrien", Normalize("O'Brien"))
	assert.Equal(t, "", Normalize(" ?! "))
}

func TestExactResolutionIgnoresCaseAndSpacing(t *testing.T) {
	src := &memSource{entries: []Entry{{ID: "p1", Name: "Craig Lewis", Type: "person"}}}

	res, err := Resolve(context.Background(), Query{Name: "  craig   LEWIS ", Type: "person"}, src)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "p1", res.ID)
	assert.Equal(t, MatchExact, res.MatchType)
	assert.Equal(t, 1.0, res.Score)
}

func TestEmptyNameNeverMatches(t *testing.T) {
	src := &memSource{entries: []Entry{{ID: "p1", Name: "", Type: "person"}}}

	res, err := Resolve(context.Background(), Query{Name: "   ", Type: "person"}, src)
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, MatchNone, res.MatchType)
}

func TestCrossTypeNamesAreNotMatched(t *testing.T) {
	src := &memSource{entries: []Entry{{ID: "x1", Name: "Apollo", Type: "project"}}}

	res, err := Resolve(context.Background(), Query{Name: "Apollo", Type: "event"}, src)
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Empty(t, res.Candidates)
}

func TestSharedFirstNameIsAmbiguous(t *testing.T) {
	src := &memSource{entries: []Entry{
		{ID: "a", Name: "Alex Chen", Type: "person"},
		{ID: "b", Name: "Alex Chan", Type: "person"},
	}}

	res, err := Resolve(context.Background(), Query{Name: "Alex", Type: "person"}, src)
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Empty(t, res.ID)
	assert.True(t, res.NeedsConfirmation)
	assert.True(t, res.Ambiguous())
	require.Len(t, res.Candidates, 2)

	ids := []string{res.Candidates[0].ID, res.Candidates[1].ID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestTypoResolvesWhenClearlyAhead(t *testing.T) {
	src := &memSource{entries: []Entry{
		{ID: "a", Name: "Alex Chen", Type: "person"},
		{ID: "b", Name: "Alex Chan", Type: "person"},
	}}

	res, err := Resolve(context.Background(), Query{Name: "Alex Chem", Type: "person"}, src)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "a", res.ID)
	assert.Equal(t, MatchFuzzy, res.MatchType)
}

func TestPartialNameAsksForConfirmation(t *testing.T) {
	src := &memSource{entries: []Entry{{ID: "c", Name: "Craig Lewis", Type: "person"}}}

	res, err := Resolve(context.Background(), Query{Name: "Craig", Type: "person"}, src)
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.True(t, res.NeedsConfirmation)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "c", res.Candidates[0].ID)
}

func TestUnrelatedNameIsNotFound(t *testing.T) {
	src := &memSource{entries: []Entry{{ID: "c", Name: "Craig Lewis", Type: "person"}}}

	res, err := Resolve(context.Background(), Query{Name: "Zoe", Type: "person"}, src)
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.False(t, res.NeedsConfirmation)
	assert.Empty(t, res.Candidates)
}

func TestContextBreaksExactTie(t *testing.T) {
	src := &memSource{entries: []Entry{
		{ID: "a", Name: "Sam Lee", Type: "person", Context: "college roommate"},
		{ID: "b", Name: "Sam Lee", Type: "person", Context: "works at Acme"},
	}}

	res, err := Resolve(context.Background(), Query{Name: "Sam Lee", Type: "person", Context: "my coworker at Acme"}, src)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "b", res.ID)

	res, err = Resolve(context.Background(), Query{Name: "Sam Lee", Type: "person"}, src)
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.True(t, res.NeedsConfirmation)
	assert.Len(t, res.Candidates, 2)
}

func TestSessionAliasBeforePersistedAlias(t *testing.T) {
	src := &memSource{
		entries: []Entry{
			{ID: "dad", Name: "Robert Smith", Type: "person"},
			{ID: "boss", Name: "Dana Ortiz", Type: "person"},
		},
		aliases: map[string][]string{"bob": {"dad"}},
	}

	res, err := Resolve(context.Background(), Query{
		Name:           "Bob",
		Type:           "person",
		SessionAliases: map[string]string{"bob": "boss"},
	}, src)
	require.NoError(t, err)
	assert.Equal(t, "boss", res.ID)
	assert.Equal(t, MatchContext, res.MatchType)
	assert.Equal(t, 0.95, res.Score)

	res, err = Resolve(context.Background(), Query{Name: "Bob", Type: "person"}, src)
	require.NoError(t, err)
	assert.Equal(t, "dad", res.ID)
	assert.Equal(t, MatchAlias, res.MatchType)
}

func TestCandidatesAreCapped(t *testing.T) {
	src := &memSource{}
	for _, n := range []string{"Jo Al", "Jo Bo", "Jo Cy", "Jo Di", "Jo Ed", "Jo Fa", "Jo Gi"} {
		src.entries = append(src.entries, Entry{ID: n, Name: n, Type: "person"})
	}

	res, err := Resolve(context.Background(), Query{Name: "Jo", Type: "person"}, src)
	require.NoError(t, err)
	assert.True(t, res.NeedsConfirmation)
	assert.Len(t, res.Candidates, 5)
}

func TestSourceErrorsPropagate(t *testing.T) {
	boom := errors.New("boom")
	_, err := Resolve(context.Background(), Query{Name: "x", Type: "person"}, &memSource{err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("abc", "abc"))
	assert.InDelta(t, 2.0/3.0, Similarity("abc", "abd"), 1e-9)
	assert.Equal(t, 0.0, Similarity("", ""))
	assert.Equal(t, 0.5, WordOverlap("craig", "craig lewis"))
}
