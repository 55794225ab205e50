package settings

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"vaultmesh/internal/archive"
	"vaultmesh/internal/streamstore"
)

func testLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	return lg
}

func newTestFS(t *testing.T) *archive.FS {
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

func TestLoadPreferencesDefaultsWhenAbsent(t *testing.T) {
	fs := newTestFS(t)
	p, err := LoadPreferences(fs)
	if err != nil {
		t.Fatalf("LoadPreferences: %v", err)
	}
	if p.DisplayName != "" {
		t.Fatalf("expected zero-value Preferences when no file exists, got %+v", p)
	}
}

func TestSaveLoadPreferencesRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	want := Preferences{DisplayName: "Ada", AutoSync: false, SyncIntervalSecs: 120, DefaultNetworkID: "mainnet"}
	if err := SavePreferences(fs, want); err != nil {
		t.Fatalf("SavePreferences: %v", err)
	}
	got, err := LoadPreferences(fs)
	if err != nil {
		t.Fatalf("LoadPreferences: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestSavePreferencesOverwritesExisting(t *testing.T) {
	fs := newTestFS(t)
	if err := SavePreferences(fs, Preferences{DisplayName: "first"}); err != nil {
		t.Fatalf("SavePreferences: %v", err)
	}
	if err := SavePreferences(fs, Preferences{DisplayName: "second"}); err != nil {
		t.Fatalf("SavePreferences: %v", err)
	}
	got, err := LoadPreferences(fs)
	if err != nil {
		t.Fatalf("LoadPreferences: %v", err)
	}
	if got.DisplayName != "second" {
		t.Fatalf("DisplayName = %q, want second", got.DisplayName)
	}
}

func TestSaveLoadNetworksRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	want := []NetworkEntry{
		{ID: "net1", Name: "Main Network", Bootstrap: []string{"host1:2022", "host2:2022"}},
		{ID: "net2", Name: "Test Network", Bootstrap: nil},
	}
	if err := SaveNetworks(fs, want); err != nil {
		t.Fatalf("SaveNetworks: %v", err)
	}
	got, err := LoadNetworks(fs)
	if err != nil {
		t.Fatalf("LoadNetworks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 networks, got %d", len(got))
	}
	if got[0].ID != "net1" || len(got[0].Bootstrap) != 2 {
		t.Fatalf("got[0] = %+v", got[0])
	}
}

func TestLoadNetworksSkipsCommentRows(t *testing.T) {
	fs := newTestFS(t)
	raw := []byte("# id,name,bootstrap_addresses\nnet1,Main,host1:2022\n# a trailing comment\n")
	if _, err := fs.Mkfile(NetworksPath, raw, archive.MkfileOpts{}); err != nil {
		t.Fatalf("Mkfile: %v", err)
	}
	got, err := LoadNetworks(fs)
	if err != nil {
		t.Fatalf("LoadNetworks: %v", err)
	}
	if len(got) != 1 || got[0].ID != "net1" {
		t.Fatalf("expected 1 parsed network row, got %+v", got)
	}
}
