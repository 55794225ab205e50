package main

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"vaultmesh/internal/archive/settings"
)

func testCmdLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	return lg
}

func TestKeyPathAppendsExtension(t *testing.T) {
	if got := keyPath("/tmp/vault.img"); got != "/tmp/vault.img.key" {
		t.Fatalf("keyPath = %q, want /tmp/vault.img.key", got)
	}
}

func TestLoadOrCreateMasterKeyPersistsAcrossCalls(t *testing.T) {
	vaultPath := filepath.Join(t.TempDir(), "vault.img")
	first, err := loadOrCreateMasterKey(vaultPath)
	if err != nil {
		t.Fatalf("loadOrCreateMasterKey (first): %v", err)
	}
	second, err := loadOrCreateMasterKey(vaultPath)
	if err != nil {
		t.Fatalf("loadOrCreateMasterKey (second): %v", err)
	}
	if first != second {
		t.Fatal("expected the master key to be reused across calls, not regenerated")
	}
	if _, err := os.Stat(keyPath(vaultPath)); err != nil {
		t.Fatalf("expected key sidecar file to exist: %v", err)
	}
}

func TestLoadOrCreateHostKeyPersistsAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.key")
	first, err := loadOrCreateHostKey(path)
	if err != nil {
		t.Fatalf("loadOrCreateHostKey (first): %v", err)
	}
	second, err := loadOrCreateHostKey(path)
	if err != nil {
		t.Fatalf("loadOrCreateHostKey (second): %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("expected the host key to be reused across calls, not regenerated")
	}
	if len(first) != ed25519.PrivateKeySize {
		t.Fatalf("host key length = %d, want %d", len(first), ed25519.PrivateKeySize)
	}
}

func TestInitPutCatRoundTrip(t *testing.T) {
	lg := testCmdLogger()
	vaultPath := filepath.Join(t.TempDir(), "vault.img")

	initC := initCmd(lg)
	if err := initC.RunE(initC, []string{vaultPath}); err != nil {
		t.Fatalf("init RunE: %v", err)
	}

	localFile := filepath.Join(t.TempDir(), "local.txt")
	if err := os.WriteFile(localFile, []byte("hello vault"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	put := putCmd(lg)
	if err := put.RunE(put, []string{vaultPath, "/hello.txt", localFile}); err != nil {
		t.Fatalf("put RunE: %v", err)
	}

	fs, closeFn, err := openArchive(vaultPath)
	if err != nil {
		t.Fatalf("openArchive: %v", err)
	}
	defer closeFn()
	got, err := fs.Load("/hello.txt")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "hello vault" {
		t.Fatalf("Load = %q, want %q", got, "hello vault")
	}
}

func TestPrefsSetWritesPreferences(t *testing.T) {
	lg := testCmdLogger()
	vaultPath := filepath.Join(t.TempDir(), "vault.img")
	initC := initCmd(lg)
	if err := initC.RunE(initC, []string{vaultPath}); err != nil {
		t.Fatalf("init RunE: %v", err)
	}

	prefs := prefsCmd(lg)
	prefs.SetArgs([]string{"set", vaultPath, "--display-name=Ada", "--sync-interval-secs=60"})
	if err := prefs.Execute(); err != nil {
		t.Fatalf("prefs set Execute: %v", err)
	}

	fs, closeFn, err := openArchive(vaultPath)
	if err != nil {
		t.Fatalf("openArchive: %v", err)
	}
	defer closeFn()
	p, err := settings.LoadPreferences(fs)
	if err != nil {
		t.Fatalf("LoadPreferences: %v", err)
	}
	if p.DisplayName != "Ada" || p.SyncIntervalSecs != 60 {
		t.Fatalf("preferences = %+v, want DisplayName=Ada SyncIntervalSecs=60", p)
	}
}
