// Package canon is the canonical store: one human-readable markdown file per
// record, with YAML front matter carrying the structured fields. It is the
// only authoritative copy of user data; every other store is rebuilt from it.
package canon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hack-pad/hackpadfs"
	"go.uber.org/zap"

	"github.com/kittclouds/kittvault/internal/model"
)

const (
	trashDir  = ".trash"
	stampForm = "20060102T150405.000000000Z"
	fileExt   = ".md"
)

// Location is a record's path relative to the store root.
type Location string

// Document is a parsed canonical file.
type Document struct {
	Location Location
	Record   *model.Record
	Checksum string
}

// TrashEntry describes a soft-deleted file.
type TrashEntry struct {
	Location  Location
	DeletedAt time.Time
	ID        string
	Type      model.EntityType
	Name      string
}

// Store persists records as front-matter markdown files on a hackpadfs.FS.
type Store struct {
	fs     hackpadfs.FS
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	ids  map[string]Location // id -> location, built lazily
	locs map[Location]string // location -> id ("" for unparsable files)
}

// New creates a canonical store rooted at fs.
func New(fs hackpadfs.FS, logger *zap.Logger) *Store {
	return &Store{
		fs:     fs,
		logger: logger.Named("canon"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Checksum is the SHA-256 hex digest of canonicalized file content.
func Checksum(data []byte) string {
	sum := sha256.Sum256(canonicalize(data))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Reads
// =============================================================================

// Read parses the file at loc. A missing or unparsable file is reported as
// absent: nil, nil.
func (s *Store) Read(ctx context.Context, loc Location) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := hackpadfs.ReadFile(s.fs, string(loc))
	if errors.Is(err, hackpadfs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("canonical store", err)
	}
	rec, err := Parse(raw)
	if err != nil {
		s.logger.Warn("Skipping unparsable canonical file",
			zap.String("location", string(loc)),
			zap.Error(err))
		return nil, nil
	}
	return &Document{Location: loc, Record: rec, Checksum: Checksum(raw)}, nil
}

// ReadByID finds a record by identifier.
func (s *Store) ReadByID(ctx context.Context, id string) (*Document, error) {
	for attempt := 0; attempt < 2; attempt++ {
		s.mu.Lock()
		if attempt > 0 {
			s.ids, s.locs = nil, nil
		}
		if err := s.ensureIndexLocked(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		loc, ok := s.ids[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		doc, err := s.Read(ctx, loc)
		if err != nil {
			return nil, err
		}
		if doc != nil && doc.Record.ID == id {
			return doc, nil
		}
	}
	return nil, nil
}

// LocationOf returns where id is stored, if anywhere.
func (s *Store) LocationOf(id string) (Location, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureIndexLocked(); err != nil {
		return "", false, err
	}
	loc, ok := s.ids[id]
	return loc, ok, nil
}

// ListAll enumerates canonical files, optionally restricted to types.
func (s *Store) ListAll(ctx context.Context, types ...model.EntityType) ([]Location, error) {
	if len(types) == 0 {
		types = model.AllTypes()
	}
	var out []Location
	for _, t := range types {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		locs, err := s.listDir(t.Dir())
		if err != nil {
			return nil, err
		}
		out = append(out, locs...)
	}
	return out, nil
}

// Each reads every parsable record of the given types and calls fn.
func (s *Store) Each(ctx context.Context, fn func(*Document) error, types ...model.EntityType) error {
	locs, err := s.ListAll(ctx, types...)
	if err != nil {
		return err
	}
	for _, loc := range locs {
		doc, err := s.Read(ctx, loc)
		if err != nil {
			return err
		}
		if doc == nil {
			continue
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) listDir(dir string) ([]Location, error) {
	entries, err := hackpadfs.ReadDir(s.fs, dir)
	if errors.Is(err, hackpadfs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("canonical store", err)
	}
	out := make([]Location, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		out = append(out, Location(path.Join(dir, e.Name())))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) ensureIndexLocked() error {
	if s.ids != nil {
		return nil
	}
	ids := make(map[string]Location)
	locs := make(map[Location]string)
	for _, t := range model.AllTypes() {
		files, err := s.listDir(t.Dir())
		if err != nil {
			return err
		}
		for _, loc := range files {
			raw, err := hackpadfs.ReadFile(s.fs, string(loc))
			if err != nil {
				return model.Unavailable("canonical store", err)
			}
			locs[loc] = ""
			rec, err := Parse(raw)
			if err != nil {
				continue
			}
			ids[rec.ID] = loc
			locs[loc] = rec.ID
		}
	}
	s.ids, s.locs = ids, locs
	return nil
}

// =============================================================================
// Writes
// =============================================================================

// Write persists rec, refreshing its updated timestamp. The file is written
// to a temporary name and renamed into place.
func (s *Store) Write(ctx context.Context, rec *model.Record) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureIndexLocked(); err != nil {
		return nil, err
	}

	rec.UpdatedAt = s.now().Truncate(time.Second)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	if rec.Provenance == "" {
		rec.Provenance = model.ProvenanceUser
	}

	loc := s.locationForLocked(rec)
	data, err := Serialize(rec)
	if err != nil {
		return nil, err
	}
	if err := s.writeAtomic(string(loc), data); err != nil {
		return nil, model.Unavailable("canonical store", err)
	}

	if old, ok := s.ids[rec.ID]; ok && old != loc {
		if err := hackpadfs.Remove(s.fs, string(old)); err != nil && !errors.Is(err, hackpadfs.ErrNotExist) {
			s.logger.Warn("Failed to remove previous location",
				zap.String("id", rec.ID),
				zap.String("location", string(old)),
				zap.Error(err))
		}
		delete(s.locs, old)
	}
	s.ids[rec.ID] = loc
	s.locs[loc] = rec.ID

	s.logger.Debug("Wrote canonical record",
		zap.String("id", rec.ID),
		zap.String("type", string(rec.Type)),
		zap.String("location", string(loc)))

	return &Document{Location: loc, Record: rec, Checksum: Checksum(data)}, nil
}

// locationForLocked keeps an existing location while the name's slug is
// unchanged; otherwise it picks <dir>/<slug>.md, suffixing the short id on
// collision with a different record.
func (s *Store) locationForLocked(rec *model.Record) Location {
	dir := rec.Type.Dir()
	slug := Slugify(rec.Name)
	suffixed := slug + "-" + shortID(rec.ID)

	if cur, ok := s.ids[rec.ID]; ok && path.Dir(string(cur)) == dir {
		stem := strings.TrimSuffix(path.Base(string(cur)), fileExt)
		if stem == slug || stem == suffixed {
			return cur
		}
	}

	candidate := Location(path.Join(dir, slug+fileExt))
	if owner, taken := s.locs[candidate]; taken && owner != rec.ID {
		candidate = Location(path.Join(dir, suffixed+fileExt))
	}
	return candidate
}

func (s *Store) writeAtomic(name string, data []byte) error {
	if err := hackpadfs.MkdirAll(s.fs, path.Dir(name), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp := name + ".tmp"
	if err := hackpadfs.WriteFullFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	return s.rename(tmp, name)
}

func (s *Store) rename(from, to string) error {
	err := hackpadfs.Rename(s.fs, from, to)
	if err == nil {
		return nil
	}
	// some filesystems refuse to rename over an existing file
	if _, statErr := hackpadfs.Stat(s.fs, to); statErr == nil {
		if rmErr := hackpadfs.Remove(s.fs, to); rmErr != nil {
			return fmt.Errorf("rename %s: %w", to, err)
		}
		return hackpadfs.Rename(s.fs, from, to)
	}
	return fmt.Errorf("rename %s: %w", to, err)
}

// Delete removes the file at loc. A soft delete moves it under
// .trash/<timestamp>/ and returns the trash location.
func (s *Store) Delete(ctx context.Context, loc Location, soft bool) (Location, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureIndexLocked(); err != nil {
		return "", err
	}

	if _, err := hackpadfs.Stat(s.fs, string(loc)); err != nil {
		if errors.Is(err, hackpadfs.ErrNotExist) {
			return "", model.NotFound("canonical file", string(loc))
		}
		return "", model.Unavailable("canonical store", err)
	}

	var trashLoc Location
	if soft {
		var err error
		trashLoc, err = s.freeTrashLocation(loc)
		if err != nil {
			return "", err
		}
		if err := hackpadfs.MkdirAll(s.fs, path.Dir(string(trashLoc)), 0o755); err != nil {
			return "", model.Unavailable("canonical store", err)
		}
		if err := hackpadfs.Rename(s.fs, string(loc), string(trashLoc)); err != nil {
			return "", model.Unavailable("canonical store", err)
		}
	} else if err := hackpadfs.Remove(s.fs, string(loc)); err != nil {
		return "", model.Unavailable("canonical store", err)
	}

	if id, ok := s.locs[loc]; ok {
		delete(s.ids, id)
		delete(s.locs, loc)
	}
	s.logger.Debug("Deleted canonical file",
		zap.String("location", string(loc)),
		zap.Bool("soft", soft))
	return trashLoc, nil
}

// freeTrashLocation picks .trash/<stamp>/<loc> for a delete happening now.
// The stamp moves forward a nanosecond at a time until no earlier delete
// occupies the path, so one trash entry never replaces another.
func (s *Store) freeTrashLocation(loc Location) (Location, error) {
	stamp := s.now().UTC()
	for {
		trashLoc := Location(path.Join(trashDir, stamp.Format(stampForm), string(loc)))
		_, err := hackpadfs.Stat(s.fs, string(trashLoc))
		if errors.Is(err, hackpadfs.ErrNotExist) {
			return trashLoc, nil
		}
		if err != nil {
			return "", model.Unavailable("canonical store", err)
		}
		stamp = stamp.Add(time.Nanosecond)
	}
}

// Restore moves a soft-deleted file back to its original directory. The
// file is not rewritten, so its bytes are unchanged.
func (s *Store) Restore(ctx context.Context, trashLoc Location) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := hackpadfs.ReadFile(s.fs, string(trashLoc))
	if errors.Is(err, hackpadfs.ErrNotExist) {
		return nil, model.NotFound("trash entry", string(trashLoc))
	}
	if err != nil {
		return nil, model.Unavailable("canonical store", err)
	}
	rec, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", trashLoc, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureIndexLocked(); err != nil {
		return nil, err
	}

	loc := Location(path.Join(rec.Type.Dir(), path.Base(string(trashLoc))))
	if owner, taken := s.locs[loc]; taken && owner != rec.ID {
		loc = Location(path.Join(rec.Type.Dir(), Slugify(rec.Name)+"-"+shortID(rec.ID)+fileExt))
	}
	if err := hackpadfs.MkdirAll(s.fs, path.Dir(string(loc)), 0o755); err != nil {
		return nil, model.Unavailable("canonical store", err)
	}
	if err := s.rename(string(trashLoc), string(loc)); err != nil {
		return nil, model.Unavailable("canonical store", err)
	}
	s.ids[rec.ID] = loc
	s.locs[loc] = rec.ID

	return &Document{Location: loc, Record: rec, Checksum: Checksum(raw)}, nil
}

// ListTrash returns soft-deleted files, newest first.
func (s *Store) ListTrash(ctx context.Context) ([]TrashEntry, error) {
	stamps, err := hackpadfs.ReadDir(s.fs, trashDir)
	if errors.Is(err, hackpadfs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("canonical store", err)
	}

	var out []TrashEntry
	for _, st := range stamps {
		if !st.IsDir() {
			continue
		}
		deletedAt, _ := time.Parse(stampForm, st.Name())
		for _, t := range model.AllTypes() {
			files, err := s.listDir(path.Join(trashDir, st.Name(), t.Dir()))
			if err != nil {
				return nil, err
			}
			for _, loc := range files {
				doc, err := s.Read(ctx, loc)
				if err != nil {
					return nil, err
				}
				if doc == nil {
					continue
				}
				out = append(out, TrashEntry{
					Location:  loc,
					DeletedAt: deletedAt,
					ID:        doc.Record.ID,
					Type:      doc.Record.Type,
					Name:      doc.Record.Name,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.After(out[j].DeletedAt) })
	return out, nil
}

// FindInTrash returns the newest trash entry for id.
func (s *Store) FindInTrash(ctx context.Context, id string) (*TrashEntry, error) {
	entries, err := s.ListTrash(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// Purge permanently removes a trash entry.
func (s *Store) Purge(ctx context.Context, trashLoc Location) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !strings.HasPrefix(string(trashLoc), trashDir+"/") {
		return &model.ValidationError{Field: "location", Reason: "not a trash location"}
	}
	if err := hackpadfs.Remove(s.fs, string(trashLoc)); err != nil {
		if errors.Is(err, hackpadfs.ErrNotExist) {
			return model.NotFound("trash entry", string(trashLoc))
		}
		return model.Unavailable("canonical store", err)
	}
	return nil
}

// =============================================================================
// Body edits
// =============================================================================

// AppendToDocument appends content to a record's body. Locked documents
// reject edits from the user actor.
func (s *Store) AppendToDocument(ctx context.Context, id, content string, actor model.Actor) (*Document, error) {
	doc, err := s.ReadByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, model.NotFound("document", id)
	}
	if err := checkLock(doc.Record, actor); err != nil {
		return nil, err
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return doc, nil
	}
	body := strings.TrimRight(doc.Record.Body, " \t\n")
	if body == "" {
		doc.Record.Body = content
	} else {
		doc.Record.Body = body + "\n\n" + content
	}
	return s.Write(ctx, doc.Record)
}

// UpdateBody replaces a record's body, honouring document locks.
func (s *Store) UpdateBody(ctx context.Context, id, body string, actor model.Actor) (*Document, error) {
	doc, err := s.ReadByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, model.NotFound("document", id)
	}
	if err := checkLock(doc.Record, actor); err != nil {
		return nil, err
	}
	doc.Record.Body = strings.TrimRight(body, " \t\n")
	return s.Write(ctx, doc.Record)
}

// CheckLock reports ErrLocked when actor may not edit rec's body.
func CheckLock(rec *model.Record, actor model.Actor) error {
	return checkLock(rec, actor)
}

func checkLock(rec *model.Record, actor model.Actor) error {
	if d := rec.Document(); d != nil && d.Locked && actor == model.ActorUser {
		return fmt.Errorf("%s: %w", rec.Name, model.ErrLocked)
	}
	return nil
}
