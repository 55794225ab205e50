package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"vaultmesh/internal/streamstore"
)

func testLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	return lg
}

func newTestFS(t *testing.T) *FS {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.img")
	var masterKey [32]byte
	copy(masterKey[:], []byte("the-quick-brown-fox-jumps-over32"))
	mgr, err := streamstore.Create(path, streamstore.DefaultBlockSize, streamstore.Header{Created: time.Now().UTC()}, masterKey, testLogger())
	if err != nil {
		t.Fatalf("streamstore.Create: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	fs, err := New(mgr, testLogger())
	if err != nil {
		t.Fatalf("archive.New: %v", err)
	}
	return fs
}

func TestMkfileLoadRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	if _, err := fs.Mkdir("/messages"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	data := []byte("letter contents")
	if _, err := fs.Mkfile("/messages/letter1.env", data, MkfileOpts{}); err != nil {
		t.Fatalf("Mkfile: %v", err)
	}
	got, err := fs.Load("/messages/letter1.env")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("Load mismatch: got %q want %q", got, data)
	}
	if !fs.IsFile("/messages/letter1.env") {
		t.Fatal("expected IsFile true for created file")
	}
	if fs.IsDir("/messages/letter1.env") {
		t.Fatal("file incorrectly reported as directory")
	}
}

func TestMkfileDuplicateNameRejected(t *testing.T) {
	fs := newTestFS(t)
	if _, err := fs.Mkfile("/a.txt", []byte("one"), MkfileOpts{}); err != nil {
		t.Fatalf("Mkfile: %v", err)
	}
	if _, err := fs.Mkfile("/a.txt", []byte("two"), MkfileOpts{}); err != ErrNameTaken {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
}

func TestRemoveSoftThenHardReclaimsBlocks(t *testing.T) {
	fs := newTestFS(t)
	if _, err := fs.Mkfile("/doomed.txt", []byte("temporary"), MkfileOpts{}); err != nil {
		t.Fatalf("Mkfile: %v", err)
	}
	if err := fs.Remove("/doomed.txt", RemoveSoft); err != nil {
		t.Fatalf("Remove soft: %v", err)
	}
	if fs.IsFile("/doomed.txt") {
		t.Fatal("soft-removed file should no longer resolve by path")
	}
	removed, err := fs.Compact()
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Compact removed = %d, want 1", removed)
	}
}

func TestCompactSkipsEntryStillTargetedByLink(t *testing.T) {
	fs := newTestFS(t)
	if _, err := fs.Mkfile("/real.txt", []byte("data"), MkfileOpts{}); err != nil {
		t.Fatalf("Mkfile: %v", err)
	}
	if _, err := fs.Link("/alias.txt", "/real.txt"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	realID, _, _, err := fs.resolve("/real.txt", false)
	if err != nil {
		t.Fatalf("resolve /real.txt: %v", err)
	}
	if err := fs.Remove("/real.txt", RemoveSoft); err != nil {
		t.Fatalf("Remove soft: %v", err)
	}
	removed, err := fs.Compact()
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if removed != 0 {
		t.Fatalf("Compact removed = %d, want 0 (entry still targeted by /alias.txt)", removed)
	}
	if _, ok := fs.entries[realID]; !ok {
		t.Fatal("expected the soft-deleted entry to survive Compact while a live link still targets it")
	}

	if err := fs.Remove("/alias.txt", RemoveHard); err != nil {
		t.Fatalf("Remove hard alias: %v", err)
	}
	removed, err = fs.Compact()
	if err != nil {
		t.Fatalf("Compact (second): %v", err)
	}
	if removed != 1 {
		t.Fatalf("Compact removed = %d, want 1 once the link is gone", removed)
	}
	if _, ok := fs.entries[realID]; ok {
		t.Fatal("expected the entry to be removed by Compact once no link targets it")
	}
}

func TestLinkCannotTargetAnotherLink(t *testing.T) {
	fs := newTestFS(t)
	if _, err := fs.Mkfile("/real.txt", []byte("data"), MkfileOpts{}); err != nil {
		t.Fatalf("Mkfile: %v", err)
	}
	if _, err := fs.Link("/alias.txt", "/real.txt"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := fs.Link("/alias2.txt", "/alias.txt"); err != ErrLink2Link {
		t.Fatalf("expected ErrLink2Link, got %v", err)
	}
}

func TestInvalidPathsRejected(t *testing.T) {
	fs := newTestFS(t)
	cases := []string{"relative/path", "/has/../dots", "/has/./dot"}
	for _, p := range cases {
		if _, err := fs.Mkdir(p); err != ErrPathInvalid {
			t.Fatalf("Mkdir(%q): expected ErrPathInvalid, got %v", p, err)
		}
	}
}

func TestGlobMatchesNestedPaths(t *testing.T) {
	fs := newTestFS(t)
	if _, err := fs.Mkdir("/messages"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := fs.Mkfile("/messages/one.env", []byte("1"), MkfileOpts{}); err != nil {
		t.Fatalf("Mkfile: %v", err)
	}
	if _, err := fs.Mkfile("/messages/two.env", []byte("2"), MkfileOpts{}); err != nil {
		t.Fatalf("Mkfile: %v", err)
	}
	matches := fs.Glob("/messages/*.env", nil)
	if len(matches) != 2 {
		t.Fatalf("Glob matched %d entries, want 2", len(matches))
	}
}
