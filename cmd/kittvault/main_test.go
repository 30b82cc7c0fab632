package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/kittvault/internal/model"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kittvault.yaml")
	cfg := "data_dir: " + filepath.Join(dir, "vault") + `
index:
  path: ":memory:"
cache:
  in_memory: true
embed:
  provider: hashing
  hashing_dimension: 32
log:
  level: error
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

// openTestSession opens a vault the way the root command does and seeds it.
func openTestSession(t *testing.T) (*session, func(args ...string) (string, error)) {
	t.Helper()
	root, s := newRootCmd()
	t.Cleanup(s.shutdown)
	require.NoError(t, s.open(context.Background(), writeTestConfig(t)))

	exec := func(args ...string) (string, error) {
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs(args)
		err := root.ExecuteContext(context.Background())
		return out.String(), err
	}
	return s, exec
}

func TestVersion(t *testing.T) {
	root, s := newRootCmd()
	defer s.shutdown()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "kittvault v"+version)
	assert.Nil(t, s.vault, "version does not open the vault")
}

func TestCommands(t *testing.T) {
	s, exec := openTestSession(t)
	ctx := context.Background()

	alex, err := s.vault.CreateEntity(ctx, model.NewRecord(model.TypePerson, "Alex Morgan", model.ProvenanceUser), model.ActorUser)
	require.NoError(t, err)
	_, err = s.vault.CreateEntity(ctx, model.NewRecord(model.TypeProject, "Garden Shed", model.ProvenanceUser), model.ActorUser)
	require.NoError(t, err)

	t.Run("stats", func(t *testing.T) {
		out, err := exec("stats")
		require.NoError(t, err)
		var stats struct {
			Index struct {
				Documents int `json:"documents"`
			} `json:"index"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &stats))
		assert.Equal(t, 2, stats.Index.Documents)
	})

	t.Run("search", func(t *testing.T) {
		out, err := exec("search", "--type", "person", "alex")
		require.NoError(t, err)
		var hits []struct {
			Row struct {
				ID string `json:"id"`
			} `json:"row"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &hits))
		require.Len(t, hits, 1)
		assert.Equal(t, alex.ID, hits[0].Row.ID)
	})

	t.Run("search unknown type", func(t *testing.T) {
		_, err := exec("search", "--type", "spaceship", "alex")
		assert.ErrorContains(t, err, "unknown entity type")
	})

	t.Run("resolve", func(t *testing.T) {
		out, err := exec("resolve", "--type", "person", "Alex", "Morgan")
		require.NoError(t, err)
		var res struct {
			Found bool   `json:"found"`
			ID    string `json:"id"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.True(t, res.Found)
		assert.Equal(t, alex.ID, res.ID)
	})

	t.Run("mentions", func(t *testing.T) {
		out, err := exec("mentions", "saw", "Morgan", "today")
		require.NoError(t, err)
		var matches []struct {
			IDs []string `json:"ids"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &matches))
		require.Len(t, matches, 1)
		assert.Equal(t, []string{alex.ID}, matches[0].IDs)
	})

	t.Run("history", func(t *testing.T) {
		out, err := exec("history", alex.ID)
		require.NoError(t, err)
		var entries []map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &entries))
		assert.Len(t, entries, 1)
	})

	t.Run("rebuild then verify", func(t *testing.T) {
		out, err := exec("rebuild")
		require.NoError(t, err)
		var report struct {
			Indexed int `json:"indexed"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.Equal(t, 2, report.Indexed)

		_, err = exec("verify")
		assert.NoError(t, err)
	})

	t.Run("undo without history", func(t *testing.T) {
		_, err := exec("undo", "no-such-id")
		assert.Error(t, err)
	})
}
