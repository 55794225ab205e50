// Package archive layers a POSIX-like filesystem over streamstore: an
// entry index (files/dirs/links), path resolution, directory listing,
// search queries, and atomic record updates (spec §4.3).
package archive

import (
	"errors"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	vcrypto "vaultmesh/internal/crypto"
	"vaultmesh/internal/streamstore"
)

// EntryKind distinguishes files, directories and links.
type EntryKind uint8

const (
	KindFile EntryKind = iota
	KindDir
	KindLink
)

// RemoveMode selects tombstone (soft) vs destructive (hard) removal.
type RemoveMode uint8

const (
	RemoveSoft RemoveMode = iota
	RemoveHard
)

// Entry is the in-memory form of one entry-table record; codec.go holds
// its variable-length on-disk encoding.
type Entry struct {
	ID         uuid.UUID
	Parent     uuid.UUID
	Kind       EntryKind
	Name       string
	Size       uint64
	FirstBlock uint32
	StreamID   uint8
	Owner      uuid.UUID
	User       string
	Group      string
	Perms      uint16
	Digest     [64]byte
	Created    time.Time
	Modified   time.Time
	Deleted    bool
	Target     uuid.UUID
}

// Filesystem-level errors, surfaced to the caller, never retried.
var (
	ErrPathInvalid  = errors.New("archive: invalid path")
	ErrNotFound     = errors.New("archive: entry not found")
	ErrWrongEntry   = errors.New("archive: wrong entry kind")
	ErrNameTaken    = errors.New("archive: name already taken")
	ErrNotEmpty     = errors.New("archive: directory not empty")
	ErrDigestInvalid = errors.New("archive: digest mismatch on load")
	ErrLinkBroken   = errors.New("archive: link target missing")
	ErrLink2Link    = errors.New("archive: link cannot target another link")
)

// FS is an archive filesystem backed by a streamstore.Manager.
type FS struct {
	mu       sync.RWMutex
	mgr      *streamstore.Manager
	logger   *logrus.Logger
	entries  map[uuid.UUID]*Entry
	children map[uuid.UUID]map[string]uuid.UUID // parent id -> name -> child id
}

// New wraps an already-open streamstore.Manager with filesystem semantics,
// loading the entry table stream if it has content.
func New(mgr *streamstore.Manager, lg *logrus.Logger) (*FS, error) {
	fs := &FS{
		mgr:      mgr,
		logger:   lg,
		entries:  make(map[uuid.UUID]*Entry),
		children: make(map[uuid.UUID]map[string]uuid.UUID),
	}
	fs.children[uuid.Nil] = make(map[string]uuid.UUID)
	if err := fs.loadEntryTable(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FS) loadEntryTable() error {
	size, err := fs.mgr.StreamSize(streamstore.EntryTableStreamID)
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	raw, err := fs.mgr.Read(streamstore.EntryTableStreamID, 0, size)
	if err != nil {
		return err
	}
	entries, err := decodeEntryTable(raw)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fs.indexEntry(e)
	}
	return nil
}

func (fs *FS) indexEntry(e *Entry) {
	fs.entries[e.ID] = e
	if e.Deleted {
		return
	}
	if fs.children[e.ID] == nil && e.Kind == KindDir {
		fs.children[e.ID] = make(map[string]uuid.UUID)
	}
	if fs.children[e.Parent] == nil {
		fs.children[e.Parent] = make(map[string]uuid.UUID)
	}
	fs.children[e.Parent][e.Name] = e.ID
}

func (fs *FS) persistEntryTable() error {
	live := make([]*Entry, 0, len(fs.entries))
	for _, e := range fs.entries {
		live = append(live, e)
	}
	raw := encodeEntryTable(live)
	return fs.mgr.Write(streamstore.EntryTableStreamID, 0, raw)
}

//---------------------------------------------------------------------
// Path resolution (POSIX, absolute only, no "." or "..")
//---------------------------------------------------------------------

func splitPath(p string) ([]string, error) {
	if !strings.HasPrefix(p, "/") {
		return nil, ErrPathInvalid
	}
	clean := strings.Trim(p, "/")
	if clean == "" {
		return []string{}, nil
	}
	parts := strings.Split(clean, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return nil, ErrPathInvalid
		}
		if len(part) > 255 {
			return nil, ErrPathInvalid
		}
	}
	return parts, nil
}

// resolve walks path components from root, returning the id of the final
// component and its parent id. If parentOnly, the final component need
// not exist.
func (fs *FS) resolve(p string, parentOnly bool) (id uuid.UUID, parent uuid.UUID, name string, err error) {
	parts, err := splitPath(p)
	if err != nil {
		return uuid.Nil, uuid.Nil, "", err
	}
	if len(parts) == 0 {
		return uuid.Nil, uuid.Nil, "", nil
	}
	cur := uuid.Nil
	for i, part := range parts {
		last := i == len(parts)-1
		next, ok := fs.children[cur][part]
		if !ok {
			if last && parentOnly {
				return uuid.Nil, cur, part, nil
			}
			return uuid.Nil, uuid.Nil, "", ErrNotFound
		}
		if last {
			return next, cur, part, nil
		}
		entry := fs.entries[next]
		if entry.Kind != KindDir {
			return uuid.Nil, uuid.Nil, "", ErrPathInvalid
		}
		cur = next
	}
	return uuid.Nil, uuid.Nil, "", ErrPathInvalid
}

func (fs *FS) fullPath(id uuid.UUID) string {
	if id == uuid.Nil {
		return "/"
	}
	e, ok := fs.entries[id]
	if !ok {
		return ""
	}
	if e.Parent == uuid.Nil {
		return "/" + e.Name
	}
	return fs.fullPath(e.Parent) + "/" + e.Name
}

//---------------------------------------------------------------------
// Mutating operations
//---------------------------------------------------------------------

// Mkdir creates a directory at path. The parent must already exist.
func (fs *FS) Mkdir(p string) (uuid.UUID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, parent, name, err := fs.resolve(p, true)
	if err != nil {
		return uuid.Nil, err
	}
	if name == "" {
		return uuid.Nil, ErrPathInvalid
	}
	if _, exists := fs.children[parent][name]; exists {
		return uuid.Nil, ErrNameTaken
	}
	now := time.Now().UTC()
	id := uuid.New()
	e := &Entry{ID: id, Parent: parent, Kind: KindDir, Name: name, Created: now, Modified: now, Perms: 0o755}
	fs.indexEntry(e)
	if err := fs.persistEntryTable(); err != nil {
		return uuid.Nil, err
	}
	if err := fs.mgr.Sync(); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// MkfileOpts carries the optional metadata overrides accepted by Mkfile.
type MkfileOpts struct {
	ID         *uuid.UUID
	Owner      uuid.UUID
	Created    *time.Time
	Modified   *time.Time
	Permissions uint16
}

// Mkfile creates a file at path with the given plaintext content.
// Missing parent directories are created along the way.
func (fs *FS) Mkfile(p string, data []byte, opts MkfileOpts) (uuid.UUID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	parts, err := splitPath(p)
	if err != nil {
		return uuid.Nil, err
	}
	cur := uuid.Nil
	for i := 0; i+1 < len(parts); i++ {
		next, ok := fs.children[cur][parts[i]]
		if !ok {
			now := time.Now().UTC()
			next = uuid.New()
			fs.indexEntry(&Entry{ID: next, Parent: cur, Kind: KindDir, Name: parts[i], Created: now, Modified: now, Perms: 0o755})
		} else if fs.entries[next].Kind != KindDir {
			return uuid.Nil, ErrPathInvalid
		}
		cur = next
	}
	_, parent, name, err := fs.resolve(p, true)
	if err != nil {
		return uuid.Nil, err
	}
	if name == "" {
		return uuid.Nil, ErrPathInvalid
	}
	if _, exists := fs.children[parent][name]; exists {
		return uuid.Nil, ErrNameTaken
	}

	id := uuid.New()
	if opts.ID != nil {
		id = *opts.ID
	}
	now := time.Now().UTC()
	created, modified := now, now
	if opts.Created != nil {
		created = *opts.Created
	}
	if opts.Modified != nil {
		modified = *opts.Modified
	}
	perms := opts.Permissions
	if perms == 0 {
		perms = 0o644
	}

	digest, err := vcrypto.GenericHash(nil, 64, data)
	if err != nil {
		return uuid.Nil, err
	}

	sid, err := fs.mgr.CreateStream()
	if err != nil {
		return uuid.Nil, err
	}
	if err := fs.mgr.Write(sid, 0, data); err != nil {
		return uuid.Nil, err
	}

	e := &Entry{
		ID: id, Parent: parent, Kind: KindFile, Name: name,
		Size: uint64(len(data)), StreamID: sid, Owner: opts.Owner,
		Perms: perms, Created: created, Modified: modified,
	}
	copy(e.Digest[:], digest)
	fs.indexEntry(e)
	if err := fs.persistEntryTable(); err != nil {
		return uuid.Nil, err
	}
	if err := fs.mgr.Sync(); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Link creates a link entry at path pointing at targetPath. The target
// must resolve to a non-link entry.
func (fs *FS) Link(p, targetPath string) (uuid.UUID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	targetID, _, _, err := fs.resolve(targetPath, false)
	if err != nil {
		return uuid.Nil, err
	}
	target := fs.entries[targetID]
	if target.Kind == KindLink {
		return uuid.Nil, ErrLink2Link
	}
	_, parent, name, err := fs.resolve(p, true)
	if err != nil {
		return uuid.Nil, err
	}
	if _, exists := fs.children[parent][name]; exists {
		return uuid.Nil, ErrNameTaken
	}
	now := time.Now().UTC()
	id := uuid.New()
	e := &Entry{ID: id, Parent: parent, Kind: KindLink, Name: name, Created: now, Modified: now, Target: targetID}
	fs.indexEntry(e)
	if err := fs.persistEntryTable(); err != nil {
		return uuid.Nil, err
	}
	return id, fs.mgr.Sync()
}

// Remove deletes the entry at path. Soft removal tombstones it; hard
// removal frees its stream and drops the index entry. Removing a
// non-empty directory without recursion is an error.
func (fs *FS) Remove(p string, mode RemoveMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id, _, _, err := fs.resolve(p, false)
	if err != nil {
		return err
	}
	e := fs.entries[id]
	if e.Kind == KindDir && len(fs.children[id]) > 0 {
		return ErrNotEmpty
	}
	if mode == RemoveHard {
		if e.Kind == KindFile {
			if err := fs.mgr.Free(e.StreamID); err != nil {
				return err
			}
		}
		delete(fs.entries, id)
		delete(fs.children[e.Parent], e.Name)
		delete(fs.children, id)
	} else {
		e.Deleted = true
		e.Modified = time.Now().UTC()
		delete(fs.children[e.Parent], e.Name)
	}
	if err := fs.persistEntryTable(); err != nil {
		return err
	}
	return fs.mgr.Sync()
}

// Move relocates path under newParentPath, keeping its name.
func (fs *FS) Move(p, newParentPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id, _, _, err := fs.resolve(p, false)
	if err != nil {
		return err
	}
	newParent, _, _, err := fs.resolve(newParentPath, false)
	if err != nil {
		return err
	}
	if newParent != uuid.Nil && fs.entries[newParent].Kind != KindDir {
		return ErrWrongEntry
	}
	e := fs.entries[id]
	if _, exists := fs.children[newParent][e.Name]; exists {
		return ErrNameTaken
	}
	delete(fs.children[e.Parent], e.Name)
	e.Parent = newParent
	e.Modified = time.Now().UTC()
	fs.children[newParent][e.Name] = id
	if err := fs.persistEntryTable(); err != nil {
		return err
	}
	return fs.mgr.Sync()
}

// Save overwrites the content of the file at path.
func (fs *FS) Save(p string, data []byte, modified *time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id, _, _, err := fs.resolve(p, false)
	if err != nil {
		return err
	}
	e := fs.entries[id]
	if e.Kind != KindFile {
		return ErrWrongEntry
	}
	if err := fs.mgr.Write(e.StreamID, 0, data); err != nil {
		return err
	}
	if err := fs.mgr.Truncate(e.StreamID, uint64(len(data))); err != nil {
		return err
	}
	digest, err := vcrypto.GenericHash(nil, 64, data)
	if err != nil {
		return err
	}
	copy(e.Digest[:], digest)
	e.Size = uint64(len(data))
	if modified != nil {
		e.Modified = *modified
	} else {
		e.Modified = time.Now().UTC()
	}
	if err := fs.persistEntryTable(); err != nil {
		return err
	}
	return fs.mgr.Sync()
}

// Load returns the plaintext content of the file at path, verifying its
// digest matches the stored entry.
func (fs *FS) Load(p string) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	id, _, _, err := fs.resolveForLoad(p)
	if err != nil {
		return nil, err
	}
	e := fs.entries[id]
	if e.Kind != KindFile {
		return nil, ErrWrongEntry
	}
	data, err := fs.mgr.Read(e.StreamID, 0, e.Size)
	if err != nil {
		return nil, err
	}
	digest, err := vcrypto.GenericHash(nil, 64, data)
	if err != nil {
		return nil, err
	}
	var got [64]byte
	copy(got[:], digest)
	if got != e.Digest {
		return nil, ErrDigestInvalid
	}
	return data, nil
}

// resolveForLoad follows a single link hop, since links must not target
// another link (enforced at creation).
func (fs *FS) resolveForLoad(p string) (uuid.UUID, uuid.UUID, string, error) {
	id, parent, name, err := fs.resolve(p, false)
	if err != nil {
		return uuid.Nil, uuid.Nil, "", err
	}
	e := fs.entries[id]
	if e.Kind == KindLink {
		target, ok := fs.entries[e.Target]
		if !ok || target.Deleted {
			return uuid.Nil, uuid.Nil, "", ErrLinkBroken
		}
		return e.Target, parent, name, nil
	}
	return id, parent, name, nil
}

//---------------------------------------------------------------------
// Read-only queries
//---------------------------------------------------------------------

// IsFile, IsDir, IsLink report the entry kind at path, following links
// for IsFile/IsDir.
func (fs *FS) IsFile(p string) bool { return fs.kindAt(p) == KindFile }
func (fs *FS) IsDir(p string) bool  { return fs.kindAt(p) == KindDir }
func (fs *FS) IsLink(p string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	id, _, _, err := fs.resolve(p, false)
	if err != nil {
		return false
	}
	return fs.entries[id].Kind == KindLink
}

func (fs *FS) kindAt(p string) EntryKind {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	id, _, _, err := fs.resolveForLoad(p)
	if err != nil {
		return 255
	}
	return fs.entries[id].Kind
}

// Query describes a search filter over the entry table (spec §4.3).
type Query struct {
	Pattern       string // glob, matched against full path
	Type          *EntryKind
	Owner         *uuid.UUID
	CreatedSince  *time.Time
	ModifiedSince *time.Time
	Deleted       *bool // nil = either
	Parent        *uuid.UUID
	Follow        bool
}

// Result pairs an entry with its resolved path.
type Result struct {
	Entry *Entry
	Path  string
}

// Search evaluates Query against every entry and streams matches back
// asynchronously on the returned channel.
func (fs *FS) Search(q Query) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		fs.mu.RLock()
		defer fs.mu.RUnlock()
		for _, e := range fs.entries {
			match := e
			p := fs.fullPath(e.ID)
			if q.Follow && match.Kind == KindLink {
				if t, ok := fs.entries[match.Target]; ok {
					match = t
				}
			}
			if !matchesQuery(q, match, p) {
				continue
			}
			out <- Result{Entry: match, Path: p}
		}
	}()
	return out
}

func matchesQuery(q Query, e *Entry, p string) bool {
	if q.Pattern != "" {
		ok, err := globMatch(q.Pattern, p)
		if err != nil || !ok {
			return false
		}
	}
	if q.Type != nil && e.Kind != *q.Type {
		return false
	}
	if q.Owner != nil && e.Owner != *q.Owner {
		return false
	}
	if q.CreatedSince != nil && e.Created.Before(*q.CreatedSince) {
		return false
	}
	if q.ModifiedSince != nil && e.Modified.Before(*q.ModifiedSince) {
		return false
	}
	if q.Deleted != nil && e.Deleted != *q.Deleted {
		return false
	}
	if q.Parent != nil && e.Parent != *q.Parent {
		return false
	}
	return true
}

// globMatch matches a POSIX path pattern component-wise; no third-party
// glob matcher in the retrieval pack operates on '/'-delimited paths, and
// stdlib path.Match applied per-segment handles this case directly.
func globMatch(pattern, p string) (bool, error) {
	pParts := strings.Split(strings.Trim(pattern, "/"), "/")
	sParts := strings.Split(strings.Trim(p, "/"), "/")
	if len(pParts) != len(sParts) {
		return false, nil
	}
	for i := range pParts {
		ok, err := path.Match(pParts[i], sParts[i])
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Glob returns paths matching pattern, optionally filtered by owner.
func (fs *FS) Glob(pattern string, owner *uuid.UUID) []string {
	q := Query{Pattern: pattern, Owner: owner}
	var out []string
	for r := range fs.Search(q) {
		out = append(out, r.Path)
	}
	return out
}

// List returns the direct children of a directory path.
func (fs *FS) List(p string) ([]Result, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	id, _, _, err := fs.resolve(p, false)
	if err != nil && p != "/" {
		return nil, err
	}
	if p != "/" && fs.entries[id].Kind != KindDir {
		return nil, ErrWrongEntry
	}
	dirID := id
	if p == "/" {
		dirID = uuid.Nil
	}
	var out []Result
	for name, childID := range fs.children[dirID] {
		e := fs.entries[childID]
		out = append(out, Result{Entry: e, Path: fs.fullPath(childID) + childSuffix(e, name)})
	}
	return out, nil
}

func childSuffix(e *Entry, name string) string { return "" }

// Compact drops fully-dereferenced soft-deleted entries and rewrites the
// entry table, returning freed blocks to the stream manager's free list
// (supplements spec.md §3's tombstone-until-compaction note).
func (fs *FS) Compact() (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	linked := make(map[uuid.UUID]bool)
	for _, e := range fs.entries {
		if e.Kind == KindLink {
			linked[e.Target] = true
		}
	}
	removed := 0
	for id, e := range fs.entries {
		if !e.Deleted || linked[id] {
			continue
		}
		if e.Kind == KindFile {
			if err := fs.mgr.Free(e.StreamID); err != nil {
				return removed, err
			}
		}
		delete(fs.entries, id)
		removed++
	}
	if err := fs.persistEntryTable(); err != nil {
		return removed, err
	}
	return removed, fs.mgr.Sync()
}
