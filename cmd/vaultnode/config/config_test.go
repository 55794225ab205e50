package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func writeConfig(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoadReadsBaseConfig(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	writeConfig(t, dir, "vaultnode.yaml", "vault:\n  path: /tmp/vault.img\n  block_size: 4096\nreplication:\n  listen_addr: :2022\nlogging:\n  level: info\n")

	cfg, err := Load(dir, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Vault.Path != "/tmp/vault.img" {
		t.Fatalf("Vault.Path = %q, want /tmp/vault.img", cfg.Vault.Path)
	}
	if cfg.Vault.BlockSize != 4096 {
		t.Fatalf("Vault.BlockSize = %d, want 4096", cfg.Vault.BlockSize)
	}
	if cfg.Replication.ListenAddr != ":2022" {
		t.Fatalf("Replication.ListenAddr = %q, want :2022", cfg.Replication.ListenAddr)
	}
}

func TestLoadMergesEnvOverride(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	writeConfig(t, dir, "vaultnode.yaml", "vault:\n  path: /tmp/vault.img\nreplication:\n  listen_addr: :2022\nlogging:\n  level: info\n")
	writeConfig(t, dir, "vaultnode.dev.yaml", "logging:\n  level: debug\n")

	cfg, err := Load(dir, "dev")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Logging.Level = %q, want debug (merged from vaultnode.dev.yaml)", cfg.Logging.Level)
	}
	if cfg.Vault.Path != "/tmp/vault.img" {
		t.Fatalf("Vault.Path = %q, want the base config's value to survive the merge", cfg.Vault.Path)
	}
}

func TestLoadFailsWithoutBaseConfig(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	if _, err := Load(dir, ""); err == nil {
		t.Fatal("expected Load to fail when no vaultnode.yaml exists in the config dir")
	}
}
