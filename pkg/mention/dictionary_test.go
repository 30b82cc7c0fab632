package mention

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDictionary() *Dictionary {
	return Compile([]Entity{
		{ID: "p1", Name: "Alex Morgan", Type: "person", Aliases: []string{"Al"}},
		{ID: "p2", Name: "Alex Chen", Type: "person"},
		{ID: "j1", Name: "Kitchen Remodel Plan", Type: "project"},
		{ID: "g1", Name: "Morgan", Type: "goal"},
	})
}

func TestScanFindsNamesAndDerivedForms(t *testing.T) {
	d := testDictionary()
	text := "Lunch with Alex Morgan about the KRP, then al texted."

	matches := d.Scan(text)
	require.Len(t, matches, 3)

	assert.Equal(t, "Alex Morgan", matches[0].Text)
	assert.Equal(t, []string{"p1"}, matches[0].IDs)
	assert.True(t, matches[0].Exact)
	assert.Equal(t, "Alex Morgan", text[matches[0].Start:matches[0].End])

	assert.Equal(t, "KRP", matches[1].Text)
	assert.Equal(t, []string{"j1"}, matches[1].IDs)
	assert.False(t, matches[1].Exact, "acronym is derived")

	assert.Equal(t, "al", matches[2].Text)
	assert.Equal(t, []string{"p1"}, matches[2].IDs)
}

func TestScanReportsSharedForms(t *testing.T) {
	d := testDictionary()

	matches := d.Scan("Alex called.")
	require.Len(t, matches, 1)
	assert.True(t, matches[0].Ambiguous())
	assert.ElementsMatch(t, []string{"p1", "p2"}, matches[0].IDs)

	matches = d.Scan("morgan")
	require.Len(t, matches, 1)
	assert.Equal(t, []string{"p1", "g1"}, matches[0].IDs, "person outranks goal")
	assert.True(t, matches[0].Exact, "the goal is named Morgan")
}

func TestScanMatchesWholeWordsOnly(t *testing.T) {
	d := testDictionary()
	assert.Empty(t, d.Scan("Alexandra and Morganite"))
}

func TestLookup(t *testing.T) {
	d := testDictionary()
	assert.Equal(t, []string{"p1"}, d.Lookup("  alex   MORGAN "))
	assert.Nil(t, d.Lookup("nobody"))
	assert.Positive(t, d.Len())
}

func TestEmptyDictionary(t *testing.T) {
	d := Compile(nil)
	assert.Zero(t, d.Len())
	assert.Empty(t, d.Scan("anything at all"))
}
