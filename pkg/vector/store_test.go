package vector

import (
	"errors"
	"testing"

	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoundTrip(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)

	{
		s, err := NewStore(fs, "index.bin", 4)
		require.NoError(t, err)

		require.NoError(t, s.Add("alex", "person", []float32{0.1, 0.2, 0.3, 0.0}))
		require.NoError(t, s.Add("apollo", "project", []float32{0.9, 0.8, 0.9, 0.0}))
		require.NoError(t, s.Add("alice", "person", []float32{0.1, 0.21, 0.31, 0.0}))
		require.NoError(t, s.Save())
	}

	s2, err := NewStore(fs, "index.bin", 4)
	require.NoError(t, err)
	assert.Equal(t, 3, s2.Len())

	results, err := s2.Search([]float32{0.1, 0.2, 0.3, 0.0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "alex", results[0].ID)
	assert.Equal(t, "alice", results[1].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)
}

func TestStore_TombstonesAndReplace(t *testing.T) {
	s, err := NewStore(nil, "", 0)
	require.NoError(t, err)

	require.NoError(t, s.Add("a", "person", []float32{1, 0, 0}))
	require.NoError(t, s.Add("b", "person", []float32{0, 1, 0}))
	assert.Equal(t, 3, s.Dim())

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))

	hits, err := s.Search([]float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ID)

	// replacing moves the vector
	require.NoError(t, s.Add("b", "person", []float32{1, 0, 0}))
	hits, err = s.Search([]float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)

	s.Reset()
	assert.Equal(t, 0, s.Len())
	hits, err = s.Search([]float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestStore_TypeFilterAndDimension(t *testing.T) {
	s, err := NewStore(nil, "", 2)
	require.NoError(t, err)

	require.NoError(t, s.Add("p", "person", []float32{1, 0}))
	require.NoError(t, s.Add("d", "document", []float32{0.9, 0.1}))

	hits, err := s.Search([]float32{1, 0}, 5, "document")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d", hits[0].ID)

	err = s.Add("x", "person", []float32{1, 0, 0})
	assert.True(t, errors.Is(err, ErrDimension))
	_, err = s.Search([]float32{1}, 1)
	assert.True(t, errors.Is(err, ErrDimension))
}
