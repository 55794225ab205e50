package replication

import (
	"fmt"
	"path"
	"strings"
	"time"

	"vaultmesh/internal/archive"
)

// ArchiveLister adapts an archive.FS directory into the FileLister
// surface Session needs, scoping replication to one subtree (spec §6's
// Preset: "which paths/owners to sync").
type ArchiveLister struct {
	fs   *archive.FS
	root string
}

// NewArchiveLister scopes replication to root, an absolute vault path
// whose direct and nested files are exchanged by id.
func NewArchiveLister(fs *archive.FS, root string) *ArchiveLister {
	return &ArchiveLister{fs: fs, root: strings.TrimSuffix(root, "/")}
}

// ListFiles reports every file under the root, including soft-deleted
// ones, so a peer can resolve SER_DELETE/CLI_DELETE against a tombstone.
func (a *ArchiveLister) ListFiles() ([]FileInfo, error) {
	fileKind := archive.KindFile
	var out []FileInfo
	for r := range a.fs.Search(archive.Query{Type: &fileKind}) {
		if !strings.HasPrefix(r.Path, a.root+"/") {
			continue
		}
		out = append(out, FileInfo{
			FileID:   r.Entry.ID,
			Path:     r.Path,
			Modified: r.Entry.Modified,
			Deleted:  r.Entry.Deleted,
			Exists:   true,
		})
	}
	return out, nil
}

func (a *ArchiveLister) findPath(id FileInfo) (string, *archive.Entry, error) {
	fileKind := archive.KindFile
	for r := range a.fs.Search(archive.Query{Type: &fileKind}) {
		if r.Entry.ID == id.FileID {
			return r.Path, r.Entry, nil
		}
	}
	return "", nil, fmt.Errorf("replication: file %s not found under %s", id.FileID, a.root)
}

// ReadFile loads a file's bytes and builds the CHUNK "meta" record the
// upload path announces before the first PUT.
func (a *ArchiveLister) ReadFile(id FileInfo) (ChunkMeta, []byte, error) {
	p, e, err := a.findPath(id)
	if err != nil {
		return ChunkMeta{}, nil, err
	}
	data, err := a.fs.Load(p)
	if err != nil {
		return ChunkMeta{}, nil, err
	}
	pieces := uint32(len(data)) / ChunkSize
	if uint32(len(data))%ChunkSize != 0 || len(data) == 0 {
		pieces++
	}
	meta := ChunkMeta{
		Pieces:   pieces,
		Size:     uint32(len(data)),
		Filename: path.Base(p),
		Created:  e.Created.UTC().Format(time.RFC3339Nano),
		Modified: e.Modified.UTC().Format(time.RFC3339Nano),
		Owner:    e.Owner,
		FileID:   e.ID,
		User:     e.User,
		Group:    e.Group,
		Perms:    uint32(e.Perms),
	}
	return meta, data, nil
}

// WriteFile materializes a downloaded or uploaded file under root,
// creating it if new or overwriting it in place if a file already exists
// at root/meta.Filename.
func (a *ArchiveLister) WriteFile(meta ChunkMeta, data []byte) error {
	target := a.root + "/" + meta.Filename
	if a.fs.IsFile(target) {
		modified, err := time.Parse(time.RFC3339Nano, meta.Modified)
		if err != nil {
			modified = time.Now().UTC()
		}
		return a.fs.Save(target, data, &modified)
	}
	created, err := time.Parse(time.RFC3339Nano, meta.Created)
	if err != nil {
		created = time.Now().UTC()
	}
	modified, err := time.Parse(time.RFC3339Nano, meta.Modified)
	if err != nil {
		modified = created
	}
	id := meta.FileID
	_, err = a.fs.Mkfile(target, data, archive.MkfileOpts{
		ID:          &id,
		Owner:       meta.Owner,
		Created:     &created,
		Modified:    &modified,
		Permissions: uint16(meta.Perms),
	})
	return err
}

// DeleteFile soft-deletes the entry, leaving a tombstone so a later
// sync round still sees it and converges instead of recreating it.
func (a *ArchiveLister) DeleteFile(id FileInfo) error {
	p, _, err := a.findPath(id)
	if err != nil {
		if id.Path != "" {
			p = id.Path
		} else {
			return err
		}
	}
	return a.fs.Remove(p, archive.RemoveSoft)
}
