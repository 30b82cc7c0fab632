package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"

	"github.com/kittclouds/kittvault/internal/canon"
	"github.com/kittclouds/kittvault/internal/model"
)

// SQLiteStore is the SQLite-backed relational index.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	logger *zap.Logger
}

// schema defines every table of the relational index.
const schema = `
-- Registry of entities and documents (one row per canonical record)
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    location TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    name TEXT NOT NULL,
    norm_name TEXT NOT NULL,
    context TEXT NOT NULL DEFAULT '',
    checksum TEXT NOT NULL,
    provenance TEXT NOT NULL DEFAULT '',
    needs_review INTEGER NOT NULL DEFAULT 0,
    review_reason TEXT NOT NULL DEFAULT '',
    folder_id TEXT NOT NULL DEFAULT '',
    parent_entity_id TEXT NOT NULL DEFAULT '',
    parent_relationship_id TEXT NOT NULL DEFAULT '',
    document_type TEXT NOT NULL DEFAULT '',
    locked INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(entity_type);
CREATE INDEX IF NOT EXISTS idx_documents_norm_name ON documents(norm_name);
CREATE INDEX IF NOT EXISTS idx_documents_folder ON documents(folder_id);
CREATE INDEX IF NOT EXISTS idx_documents_parent ON documents(parent_entity_id);

-- Full-text index, rewritten together with documents
CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
    id UNINDEXED,
    name,
    body,
    tags,
    tokenize='porter unicode61'
);

-- Duplicate-create guard: one entity per (type, name, context)
CREATE TABLE IF NOT EXISTS identity_claims (
    entity_type TEXT NOT NULL,
    norm_name TEXT NOT NULL,
    norm_context TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    PRIMARY KEY (entity_type, norm_name, norm_context)
);

CREATE INDEX IF NOT EXISTS idx_claims_entity ON identity_claims(entity_id);

-- Persisted aliases
CREATE TABLE IF NOT EXISTS aliases (
    alias TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    PRIMARY KEY (alias, entity_id)
);

CREATE TABLE IF NOT EXISTS folders (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    owner_entity_id TEXT NOT NULL DEFAULT '',
    location TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_folders_parent ON folders(parent_id);

CREATE TABLE IF NOT EXISTS tags (
    name TEXT PRIMARY KEY,
    id TEXT NOT NULL DEFAULT '',
    color TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    location TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS document_tags (
    document_id TEXT NOT NULL,
    tag TEXT NOT NULL,
    PRIMARY KEY (document_id, tag)
);

CREATE INDEX IF NOT EXISTS idx_document_tags_tag ON document_tags(tag);

-- Mirror of relationships held in canonical headers
-- No foreign keys: referential integrity is managed at application level
CREATE TABLE IF NOT EXISTS relationships (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    rel_type TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    strength REAL NOT NULL DEFAULT 0,
    sentiment REAL NOT NULL DEFAULT 0,
    confidence REAL NOT NULL DEFAULT 0,
    provenance TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    start_date TEXT NOT NULL DEFAULT '',
    end_date TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_id);

-- Append-only audit log; not derived, never truncated by rebuilds
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_id TEXT NOT NULL,
    entity_type TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    old_value TEXT NOT NULL DEFAULT '',
    new_value TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_id, id);
`

// derivedTables are truncated by Reset.
var derivedTables = []string{
	"documents", "documents_fts", "identity_claims", "aliases",
	"folders", "tags", "document_tags", "relationships",
}

// NewSQLiteStore creates a new in-memory index.
func NewSQLiteStore(logger *zap.Logger) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDSN(":memory:", logger)
}

// NewSQLiteStoreAt opens (or creates) an index file at path.
func NewSQLiteStoreAt(path string, logger *zap.Logger) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDSN("file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", logger)
}

// NewSQLiteStoreWithDSN creates a store with a specific data source name.
// Use ":memory:" for in-memory or a file: DSN for persistent storage.
func NewSQLiteStoreWithDSN(dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, model.Unavailable("relational index", fmt.Errorf("open database: %w", err))
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, model.Unavailable("relational index", fmt.Errorf("create schema: %w", err))
	}

	return &SQLiteStore{db: db, logger: logger.Named("index")}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return model.Unavailable("relational index", err)
	}
	return nil
}

// =============================================================================
// Rebuild
// =============================================================================

// Reset truncates every derived table. The audit log is kept.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Unavailable("relational index", err)
	}
	defer tx.Rollback()

	for _, table := range derivedTables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// RebuildFrom truncates the derived tables and re-derives every row from the
// canonical store. Running it twice yields the same contents.
func (s *SQLiteStore) RebuildFrom(ctx context.Context, src *canon.Store) (int, error) {
	if err := s.Reset(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, model.Unavailable("relational index", err)
	}
	defer tx.Rollback()

	count := 0
	err = src.Each(ctx, func(doc *canon.Document) error {
		if err := indexTx(ctx, tx, doc.Record, string(doc.Location), doc.Checksum, false); err != nil {
			return fmt.Errorf("index %s: %w", doc.Location, err)
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}

	// relationships whose endpoints are gone are not mirrored
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM relationships
		WHERE target_id NOT IN (SELECT id FROM documents)
		   OR source_id NOT IN (SELECT id FROM documents)
	`); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, model.Unavailable("relational index", err)
	}
	s.logger.Info("Rebuilt relational index", zap.Int("records", count))
	return count, nil
}

// =============================================================================
// Stats
// =============================================================================

// Stats reports row counts and the sqlite-vec extension version.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	counts := []struct {
		table string
		dst   *int
	}{
		{"documents", &st.Documents},
		{"folders", &st.Folders},
		{"tags", &st.Tags},
		{"relationships", &st.Relationships},
		{"audit_log", &st.AuditEntries},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return nil, err
		}
	}
	if err := s.db.QueryRowContext(ctx, "SELECT vec_version()").Scan(&st.VecVersion); err != nil {
		s.logger.Debug("sqlite-vec unavailable", zap.Error(err))
	}
	return &st, nil
}

// =============================================================================
// Helpers
// =============================================================================

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func typesArgs(types []model.EntityType) []any {
	out := make([]any, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
