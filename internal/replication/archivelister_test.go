package replication

import (
	"path/filepath"
	"testing"
	"time"

	"vaultmesh/internal/archive"
	"vaultmesh/internal/streamstore"
)

func newTestArchiveFS(t *testing.T) *archive.FS {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.img")
	var masterKey [32]byte
	copy(masterKey[:], []byte("the-quick-brown-fox-jumps-over32"))
	mgr, err := streamstore.Create(path, streamstore.DefaultBlockSize, streamstore.Header{Created: time.Now().UTC()}, masterKey, testLogger())
	if err != nil {
		t.Fatalf("streamstore.Create: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	fs, err := archive.New(mgr, testLogger())
	if err != nil {
		t.Fatalf("archive.New: %v", err)
	}
	return fs
}

func TestArchiveListerListFilesIncludesTombstones(t *testing.T) {
	fs := newTestArchiveFS(t)
	if _, err := fs.Mkdir("/messages"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := fs.Mkfile("/messages/keep.env", []byte("keep"), archive.MkfileOpts{}); err != nil {
		t.Fatalf("Mkfile: %v", err)
	}
	if _, err := fs.Mkfile("/messages/gone.env", []byte("gone"), archive.MkfileOpts{}); err != nil {
		t.Fatalf("Mkfile: %v", err)
	}
	if err := fs.Remove("/messages/gone.env", archive.RemoveSoft); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	lister := NewArchiveLister(fs, "/messages")
	files, err := lister.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files (including tombstone), got %d", len(files))
	}
	sawTombstone := false
	for _, f := range files {
		if f.Path == "/messages/gone.env" {
			if !f.Deleted {
				t.Fatal("expected gone.env to report Deleted=true")
			}
			sawTombstone = true
		}
	}
	if !sawTombstone {
		t.Fatal("expected to see the soft-deleted file in ListFiles")
	}
}

func TestArchiveListerReadWriteRoundTrip(t *testing.T) {
	fs := newTestArchiveFS(t)
	if _, err := fs.Mkdir("/messages"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	id, err := fs.Mkfile("/messages/letter.env", []byte("letter body"), archive.MkfileOpts{})
	if err != nil {
		t.Fatalf("Mkfile: %v", err)
	}

	lister := NewArchiveLister(fs, "/messages")
	meta, data, err := lister.ReadFile(FileInfo{FileID: id})
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "letter body" {
		t.Fatalf("ReadFile data = %q, want %q", data, "letter body")
	}
	if meta.Filename != "letter.env" {
		t.Fatalf("meta.Filename = %q, want letter.env", meta.Filename)
	}

	otherFS := newTestArchiveFS(t)
	if _, err := otherFS.Mkdir("/messages"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	otherLister := NewArchiveLister(otherFS, "/messages")
	if err := otherLister.WriteFile(meta, data); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := otherFS.Load("/messages/letter.env")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "letter body" {
		t.Fatalf("Load after WriteFile = %q, want %q", got, "letter body")
	}
}

func TestArchiveListerDeleteFileLeavesTombstone(t *testing.T) {
	fs := newTestArchiveFS(t)
	if _, err := fs.Mkdir("/messages"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	id, err := fs.Mkfile("/messages/doomed.env", []byte("x"), archive.MkfileOpts{})
	if err != nil {
		t.Fatalf("Mkfile: %v", err)
	}
	lister := NewArchiveLister(fs, "/messages")
	if err := lister.DeleteFile(FileInfo{FileID: id}); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if fs.IsFile("/messages/doomed.env") {
		t.Fatal("expected soft-deleted file to no longer resolve by path")
	}
	files, err := lister.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || !files[0].Deleted {
		t.Fatalf("expected 1 tombstoned entry, got %+v", files)
	}
}
