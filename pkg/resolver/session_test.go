package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionBindAndLookup(t *testing.T) {
	s := NewSession()
	s.Bind("Dad", Binding{ID: "p1", Name: "Robert Smith", Type: "person"})

	b, ok := s.Lookup("dad")
	assert.True(t, ok)
	assert.Equal(t, "p1", b.ID)

	_, ok = s.Lookup("mom")
	assert.False(t, ok)
}

func TestSessionPronounsFollowRecency(t *testing.T) {
	s := NewSession()
	s.Observe(Binding{ID: "p1", Name: "Alex", Type: "person"})
	s.Observe(Binding{ID: "x1", Name: "Apollo", Type: "project"})

	b, ok := s.Lookup("she")
	assert.True(t, ok)
	assert.Equal(t, "p1", b.ID)

	b, ok = s.Lookup("it")
	assert.True(t, ok)
	assert.Equal(t, "x1", b.ID)

	b, ok = s.Lookup("they")
	assert.True(t, ok)
	assert.Equal(t, "x1", b.ID)

	s.Observe(Binding{ID: "p1", Name: "Alex", Type: "person"})
	assert.Equal(t, []string{"p1", "x1"}, s.Recent())
}

func TestSessionAliasesAreTypeScoped(t *testing.T) {
	s := NewSession()
	s.Bind("dad", Binding{ID: "p1", Type: "person"})
	s.Bind("the launch", Binding{ID: "e1", Type: "event"})

	assert.Equal(t, map[string]string{"dad": "p1"}, s.Aliases("person"))
	assert.Len(t, s.Aliases(""), 2)
}
