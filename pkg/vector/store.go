// Package vector is an HNSW nearest-neighbour index keyed by string ids,
// persisted through hackpadfs. HNSW graphs do not support removal, so
// deleted or replaced vectors are tombstoned and filtered at query time
// until the next Reset.
package vector

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fogfish/hnsw"
	"github.com/fogfish/hnsw/vector"
	"github.com/hack-pad/hackpadfs"
	kvector "github.com/kshard/vector"

	"github.com/kittclouds/kittvault/pkg/resorank"
)

// ErrDimension is returned when a vector's length differs from the index
// dimension.
var ErrDimension = errors.New("vector dimension mismatch")

// Meta identifies the record a stored vector belongs to.
type Meta struct {
	ID   string
	Type string
}

// Hit is a search result.
type Hit struct {
	ID    string  `json:"id"`
	Type  string  `json:"type"`
	Score float64 `json:"score"`
}

// Store manages the HNSW index, its string-key mapping and persistence.
type Store struct {
	mu    sync.RWMutex
	fs    hackpadfs.FS
	path  string
	dim   int
	index *hnsw.HNSW[vector.VF32]

	next uint32
	keys map[string]uint32 // live id -> hnsw key
	meta map[uint32]Meta   // live hnsw key -> record
	dead int
}

type snapshot struct {
	Dim  int
	Next uint32
	Meta map[uint32]Meta
}

// NewStore creates a vector store of fixed dimension dim (0 means take the
// dimension of the first vector). If an index exists at path it is loaded;
// fs may be nil for a purely in-memory index.
func NewStore(fs hackpadfs.FS, path string, dim int) (*Store, error) {
	s := &Store{fs: fs, path: path, dim: dim}
	s.reset()
	if fs == nil || path == "" {
		return s, nil
	}
	if err := s.Load(); err != nil && !errors.Is(err, hackpadfs.ErrNotExist) {
		return nil, err
	}
	return s, nil
}

func newIndex() *hnsw.HNSW[vector.VF32] {
	return hnsw.New[vector.VF32](vector.SurfaceVF32(kvector.Cosine()))
}

func (s *Store) reset() {
	s.index = newIndex()
	s.next = 1
	s.keys = make(map[string]uint32)
	s.meta = make(map[uint32]Meta)
	s.dead = 0
}

// Dim returns the index dimension (0 until known).
func (s *Store) Dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Len returns the number of live vectors.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Has reports whether id has a live vector.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[id]
	return ok
}

// Add inserts or replaces the vector for id.
func (s *Store) Add(id, typ string, vec []float32) error {
	if id == "" {
		return fmt.Errorf("vector id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dim == 0 {
		s.dim = len(vec)
	}
	if len(vec) != s.dim || s.dim == 0 {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimension, s.dim, len(vec))
	}

	s.removeLocked(id)
	key := s.next
	s.next++
	s.index.Insert(vector.VF32{Key: key, Vec: append([]float32(nil), vec...)})
	s.keys[id] = key
	s.meta[key] = Meta{ID: id, Type: typ}
	return nil
}

// Remove tombstones id's vector.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

func (s *Store) removeLocked(id string) bool {
	key, ok := s.keys[id]
	if !ok {
		return false
	}
	delete(s.keys, id)
	delete(s.meta, key)
	s.dead++
	return true
}

// Search returns up to k live vectors nearest to vec, best first,
// optionally restricted to the given types.
func (s *Store) Search(vec []float32, k int, types ...string) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 || len(s.keys) == 0 {
		return nil, nil
	}
	if len(vec) != s.dim {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimension, s.dim, len(vec))
	}

	allow := map[string]bool{}
	for _, t := range types {
		allow[t] = true
	}

	// over-fetch to make room for tombstones and filtered types
	fetch := k + s.dead
	if len(allow) > 0 {
		fetch = s.index.Size()
	}
	ef := fetch * 2
	if ef < 100 {
		ef = 100
	}

	results := s.index.Search(vector.VF32{Vec: vec}, fetch, ef)
	hits := make([]Hit, 0, k)
	for _, r := range results {
		m, ok := s.meta[r.Key]
		if !ok {
			continue
		}
		if len(allow) > 0 && !allow[m.Type] {
			continue
		}
		hits = append(hits, Hit{ID: m.ID, Type: m.Type, Score: resorank.CosineSimilarity(vec, r.Vec)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Reset drops every vector, compacting away tombstones. The dimension is
// kept.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// Save persists the index to FS: the HNSW nodes at path and the key map at
// path+".keys".
func (s *Store) Save() error {
	if s.fs == nil || s.path == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var nodes bytes.Buffer
	if err := gob.NewEncoder(&nodes).Encode(s.index.Nodes()); err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	var keys bytes.Buffer
	if err := gob.NewEncoder(&keys).Encode(snapshot{Dim: s.dim, Next: s.next, Meta: s.meta}); err != nil {
		return fmt.Errorf("failed to encode keys: %w", err)
	}

	if err := hackpadfs.WriteFullFile(s.fs, s.path, nodes.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write index file: %w", err)
	}
	if err := hackpadfs.WriteFullFile(s.fs, s.path+".keys", keys.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// Load reads the index from FS.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := hackpadfs.ReadFile(s.fs, s.path)
	if err != nil {
		return err
	}
	keyContent, err := hackpadfs.ReadFile(s.fs, s.path+".keys")
	if err != nil {
		return err
	}

	var nodes hnsw.Nodes[vector.VF32]
	if err := gob.NewDecoder(bytes.NewReader(content)).Decode(&nodes); err != nil {
		return fmt.Errorf("failed to decode index: %w", err)
	}
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(keyContent)).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode keys: %w", err)
	}

	s.index = hnsw.FromNodes[vector.VF32](vector.SurfaceVF32(kvector.Cosine()), nodes)
	if snap.Dim != 0 {
		s.dim = snap.Dim
	}
	s.next = snap.Next
	s.meta = snap.Meta
	if s.meta == nil {
		s.meta = make(map[uint32]Meta)
	}
	s.keys = make(map[string]uint32, len(s.meta))
	for k, m := range s.meta {
		s.keys[m.ID] = k
	}
	s.dead = s.index.Size() - len(s.meta)
	if s.dead < 0 {
		s.dead = 0
	}
	return nil
}
