package graphcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/hack-pad/hackpadfs"
	"go.uber.org/zap"

	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/pkg/resorank"
	"github.com/kittclouds/kittvault/pkg/vector"
)

// Options configures Open.
type Options struct {
	// Dir is the Badger data directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// Dimension fixes the embedding size; 0 takes the first stored vector's.
	Dimension int
	// VectorFS and VectorPath persist the vector index. A nil VectorFS keeps
	// it in memory.
	VectorFS   hackpadfs.FS
	VectorPath string
	Ranking    resorank.Config
}

// Cache is the graph/vector cache.
type Cache struct {
	db      *badger.DB
	vectors *vector.Store
	text    *resorank.Index
	logger  *zap.Logger

	// wmu serializes writers so Link can check-then-create.
	wmu    sync.Mutex
	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the cache and loads the full-text index from the
// stored nodes.
func Open(opts Options, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	} else {
		bopts = bopts.
			WithMemTableSize(16 << 20).
			WithValueLogFileSize(64 << 20).
			WithNumMemtables(2).
			WithNumLevelZeroTables(2).
			WithNumLevelZeroTablesStall(4)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, model.Unavailable("graph cache", fmt.Errorf("open badger: %w", err))
	}

	vs, err := vector.NewStore(opts.VectorFS, opts.VectorPath, opts.Dimension)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open vector index: %w", err)
	}

	ranking := opts.Ranking
	if ranking.K1 == 0 {
		ranking = resorank.DefaultConfig()
	}
	c := &Cache{
		db:      db,
		vectors: vs,
		text:    resorank.NewIndex(ranking),
		logger:  logger.Named("graphcache"),
	}
	nodes, err := c.AllNodes(context.Background())
	if err != nil {
		c.Close()
		return nil, err
	}
	for _, n := range nodes {
		c.indexText(n)
	}
	c.logger.Debug("graph cache opened",
		zap.Bool("inMemory", opts.InMemory),
		zap.Int("nodes", len(nodes)),
		zap.Int("vectors", vs.Len()))
	return c, nil
}

// OpenInMemory opens a throwaway cache for tests and one-shot tools.
func OpenInMemory(logger *zap.Logger) (*Cache, error) {
	return Open(Options{InMemory: true}, logger)
}

// Close persists the vector index and closes Badger.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	if err := c.vectors.Save(); err != nil {
		errs = append(errs, fmt.Errorf("save vectors: %w", err))
	}
	if err := c.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func (c *Cache) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Cache) indexText(n *Node) {
	if n.HasLabel(LabelTag) {
		return
	}
	name := n.Name
	if len(n.Aliases) > 0 {
		name += " " + strings.Join(n.Aliases, " ")
	}
	c.text.Add(n.ID, string(n.Type), map[string]string{
		resorank.FieldName: name,
		resorank.FieldBody: n.Body,
		resorank.FieldTags: strings.Join(n.Tags, " "),
	})
}

// ============================================================================
// Nodes
// ============================================================================

// UpsertNode stores n, merging with an existing node of the same id: the
// original CreatedAt is kept and old label index entries are replaced.
func (c *Cache) UpsertNode(ctx context.Context, n *Node) error {
	if n == nil || n.ID == "" {
		return &model.ValidationError{Field: "node.id", Reason: "must not be empty"}
	}
	if err := c.check(ctx); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	err := c.db.Update(func(txn *badger.Txn) error {
		return upsertNodeTxn(txn, n)
	})
	if err != nil {
		return model.Unavailable("graph cache", err)
	}
	c.indexText(n)
	return nil
}

func upsertNodeTxn(txn *badger.Txn, n *Node) error {
	old, err := getNodeTxn(txn, n.ID)
	if err != nil {
		return err
	}
	if old != nil {
		if n.CreatedAt == 0 {
			n.CreatedAt = old.CreatedAt
		}
		for _, l := range old.Labels {
			if err := txn.Delete(labelIndexKey(l, n.ID)); err != nil {
				return err
			}
		}
	}
	if n.UpdatedAt == 0 {
		n.UpdatedAt = nowMillis()
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = n.UpdatedAt
	}
	data, err := encodeNode(n)
	if err != nil {
		return fmt.Errorf("encode node: %w", err)
	}
	if err := txn.Set(nodeKey(n.ID), data); err != nil {
		return err
	}
	for _, l := range n.Labels {
		if err := txn.Set(labelIndexKey(l, n.ID), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func getNodeTxn(txn *badger.Txn, id string) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var n *Node
	err = item.Value(func(val []byte) error {
		var derr error
		n, derr = decodeNode(val)
		return derr
	})
	return n, err
}

// GetNode returns the node with id, or nil if absent.
func (c *Cache) GetNode(ctx context.Context, id string) (*Node, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	var n *Node
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = getNodeTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, model.Unavailable("graph cache", err)
	}
	return n, nil
}

// DeleteNode removes a node, every edge touching it, its embedding and its
// full-text entry. Deleting an absent node is not an error.
func (c *Cache) DeleteNode(ctx context.Context, id string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	err := c.db.Update(func(txn *badger.Txn) error {
		n, err := getNodeTxn(txn, id)
		if err != nil || n == nil {
			return err
		}
		for _, l := range n.Labels {
			if err := txn.Delete(labelIndexKey(l, id)); err != nil {
				return err
			}
		}
		for _, p := range [][]byte{adjacencyPrefix(prefixOutgoingIndex, id), adjacencyPrefix(prefixIncomingIndex, id)} {
			for _, eid := range scanIDs(txn, p) {
				if err := deleteEdgeTxn(txn, eid); err != nil {
					return err
				}
			}
		}
		return txn.Delete(nodeKey(id))
	})
	if err != nil {
		return model.Unavailable("graph cache", err)
	}
	c.vectors.Remove(id)
	c.text.Remove(id)
	return nil
}

// NodesByLabel returns nodes carrying label, ordered by id.
func (c *Cache) NodesByLabel(ctx context.Context, label string) ([]*Node, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	var nodes []*Node
	err := c.db.View(func(txn *badger.Txn) error {
		for _, id := range scanIDs(txn, labelIndexPrefix(label)) {
			n, err := getNodeTxn(txn, id)
			if err != nil {
				return err
			}
			if n != nil {
				nodes = append(nodes, n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, model.Unavailable("graph cache", err)
	}
	return nodes, nil
}

// AllNodes returns every node ordered by id.
func (c *Cache) AllNodes(ctx context.Context) ([]*Node, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	var nodes []*Node
	err := c.db.View(func(txn *badger.Txn) error {
		return scanValues(txn, []byte{prefixNode}, func(val []byte) error {
			n, err := decodeNode(val)
			if err != nil {
				return err
			}
			nodes = append(nodes, n)
			return nil
		})
	})
	if err != nil {
		return nil, model.Unavailable("graph cache", err)
	}
	return nodes, nil
}

// ============================================================================
// Edges
// ============================================================================

// CreateRelationship always stores a new RELATES_TO edge: several edges of
// the same type may join the same pair. The edge id is rel.ID (a fresh one
// when empty); writing an id that already exists replaces that edge.
func (c *Cache) CreateRelationship(ctx context.Context, rel model.Relationship) (*Edge, error) {
	if err := rel.Validate(); err != nil {
		return nil, err
	}
	e := EdgeFromRelationship(rel)
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.putEdge(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Link returns the existing edge of kind (and relationship type, for
// RELATES_TO) from source to target, creating it only when none exists.
func (c *Cache) Link(ctx context.Context, source, target, kind, relType string) (*Edge, bool, error) {
	if err := c.check(ctx); err != nil {
		return nil, false, err
	}
	relType = model.NormalizeRelType(relType)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	existing, err := c.findEdge(source, target, kind, relType)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	e := &Edge{ID: uuid.NewString(), Source: source, Target: target, Kind: kind, Type: relType}
	if err := c.putEdge(e); err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// FindRelationship returns the first RELATES_TO edge from source to target
// of relType, or nil.
func (c *Cache) FindRelationship(ctx context.Context, source, target, relType string) (*Edge, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.findEdge(source, target, KindRelatesTo, model.NormalizeRelType(relType))
}

func (c *Cache) findEdge(source, target, kind, relType string) (*Edge, error) {
	edges, err := c.edges(source, Outgoing)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if e.Target == target && e.Kind == kind && (kind != KindRelatesTo || e.Type == relType) {
			return e, nil
		}
	}
	return nil, nil
}

// putEdge requires both endpoints to exist.
func (c *Cache) putEdge(e *Edge) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = nowMillis()
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		return putEdgeTxn(txn, e)
	})
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return model.Unavailable("graph cache", err)
	}
	return err
}

func putEdgeTxn(txn *badger.Txn, e *Edge) error {
	for _, id := range []string{e.Source, e.Target} {
		if _, err := txn.Get(nodeKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return model.NotFound("node", id)
		} else if err != nil {
			return err
		}
	}
	if err := deleteEdgeTxn(txn, e.ID); err != nil {
		return err
	}
	data, err := encodeEdge(e)
	if err != nil {
		return fmt.Errorf("encode edge: %w", err)
	}
	if err := txn.Set(edgeKey(e.ID), data); err != nil {
		return err
	}
	if err := txn.Set(outgoingIndexKey(e.Source, e.ID), []byte{}); err != nil {
		return err
	}
	return txn.Set(incomingIndexKey(e.Target, e.ID), []byte{})
}

func getEdgeTxn(txn *badger.Txn, id string) (*Edge, error) {
	item, err := txn.Get(edgeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e *Edge
	err = item.Value(func(val []byte) error {
		var derr error
		e, derr = decodeEdge(val)
		return derr
	})
	return e, err
}

// deleteEdgeTxn removes an edge and its adjacency entries; absent is fine.
func deleteEdgeTxn(txn *badger.Txn, id string) error {
	e, err := getEdgeTxn(txn, id)
	if err != nil || e == nil {
		return err
	}
	if err := txn.Delete(outgoingIndexKey(e.Source, id)); err != nil {
		return err
	}
	if err := txn.Delete(incomingIndexKey(e.Target, id)); err != nil {
		return err
	}
	return txn.Delete(edgeKey(id))
}

// GetEdge returns the edge with id, or nil.
func (c *Cache) GetEdge(ctx context.Context, id string) (*Edge, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	var e *Edge
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = getEdgeTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, model.Unavailable("graph cache", err)
	}
	return e, nil
}

// DeleteRelationship removes the edge with id and reports whether it existed.
func (c *Cache) DeleteRelationship(ctx context.Context, id string) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	found := false
	err := c.db.Update(func(txn *badger.Txn) error {
		e, err := getEdgeTxn(txn, id)
		if err != nil || e == nil {
			return err
		}
		found = true
		return deleteEdgeTxn(txn, id)
	})
	if err != nil {
		return false, model.Unavailable("graph cache", err)
	}
	return found, nil
}

// GetRelationships returns the edges touching id in the given direction,
// oldest first. Kinds restricts the result when given.
func (c *Cache) GetRelationships(ctx context.Context, id string, dir Direction, kinds ...string) ([]*Edge, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	edges, err := c.edges(id, dir)
	if err != nil {
		return nil, err
	}
	if len(kinds) == 0 {
		return edges, nil
	}
	out := edges[:0]
	for _, e := range edges {
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

func (c *Cache) edges(id string, dir Direction) ([]*Edge, error) {
	var prefixes [][]byte
	if dir == Outgoing || dir == Both || dir == "" {
		prefixes = append(prefixes, adjacencyPrefix(prefixOutgoingIndex, id))
	}
	if dir == Incoming || dir == Both || dir == "" {
		prefixes = append(prefixes, adjacencyPrefix(prefixIncomingIndex, id))
	}
	var edges []*Edge
	seen := make(map[string]bool)
	err := c.db.View(func(txn *badger.Txn) error {
		for _, p := range prefixes {
			for _, eid := range scanIDs(txn, p) {
				if seen[eid] {
					continue
				}
				e, err := getEdgeTxn(txn, eid)
				if err != nil {
					return err
				}
				if e != nil {
					seen[eid] = true
					edges = append(edges, e)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, model.Unavailable("graph cache", err)
	}
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].CreatedAt != edges[j].CreatedAt {
			return edges[i].CreatedAt < edges[j].CreatedAt
		}
		return edges[i].ID < edges[j].ID
	})
	return edges, nil
}

// AllEdges returns every edge.
func (c *Cache) AllEdges(ctx context.Context) ([]*Edge, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	var edges []*Edge
	err := c.db.View(func(txn *badger.Txn) error {
		return scanValues(txn, []byte{prefixEdge}, func(val []byte) error {
			e, err := decodeEdge(val)
			if err != nil {
				return err
			}
			edges = append(edges, e)
			return nil
		})
	})
	if err != nil {
		return nil, model.Unavailable("graph cache", err)
	}
	return edges, nil
}

// ============================================================================
// Iteration helpers
// ============================================================================

// scanIDs collects the ids following the separator for every key under
// prefix.
func scanIDs(txn *badger.Txn, prefix []byte) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if id := idAfterSeparator(it.Item().Key()); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func scanValues(txn *badger.Txn, prefix []byte, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
