// Package settings reads and writes the two plain-text configuration
// artifacts carried at fixed vault paths (spec §6):
// /settings/preferences.ini (UTF-8 INI) and /settings/networks.csv
// (UTF-8 CSV, '#'-prefixed rows are comments).
package settings

import (
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"vaultmesh/internal/archive"
)

const (
	PreferencesPath = "/settings/preferences.ini"
	NetworksPath    = "/settings/networks.csv"
)

// Preferences is the typed view of preferences.ini's [general] section.
type Preferences struct {
	DisplayName      string
	AutoSync         bool
	SyncIntervalSecs int
	DefaultNetworkID string
}

// LoadPreferences reads and parses preferences.ini from the vault.
func LoadPreferences(fs *archive.FS) (Preferences, error) {
	var p Preferences
	if !fs.IsFile(PreferencesPath) {
		return p, nil
	}
	raw, err := fs.Load(PreferencesPath)
	if err != nil {
		return p, err
	}
	cfg, err := ini.Load(raw)
	if err != nil {
		return p, fmt.Errorf("settings: parse preferences.ini: %w", err)
	}
	sec := cfg.Section("general")
	p.DisplayName = sec.Key("display_name").String()
	p.AutoSync = sec.Key("auto_sync").MustBool(true)
	p.SyncIntervalSecs = sec.Key("sync_interval_secs").MustInt(300)
	p.DefaultNetworkID = sec.Key("default_network_id").String()
	return p, nil
}

// SavePreferences serializes p back to preferences.ini and writes it to
// the vault, creating the file if it does not already exist.
func SavePreferences(fs *archive.FS, p Preferences) error {
	cfg := ini.Empty()
	sec, err := cfg.NewSection("general")
	if err != nil {
		return err
	}
	sec.Key("display_name").SetValue(p.DisplayName)
	sec.Key("auto_sync").SetValue(strconv.FormatBool(p.AutoSync))
	sec.Key("sync_interval_secs").SetValue(strconv.Itoa(p.SyncIntervalSecs))
	sec.Key("default_network_id").SetValue(p.DefaultNetworkID)

	var buf strings.Builder
	if _, err := cfg.WriteTo(&buf); err != nil {
		return err
	}
	raw := []byte(buf.String())
	if fs.IsFile(PreferencesPath) {
		return fs.Save(PreferencesPath, raw, nil)
	}
	_, err = fs.Mkfile(PreferencesPath, raw, archive.MkfileOpts{})
	return err
}

// NetworkEntry is one row of networks.csv: network id, display name,
// and a comma-joined list of bootstrap node addresses.
type NetworkEntry struct {
	ID        string
	Name      string
	Bootstrap []string
}

// LoadNetworks parses networks.csv, skipping '#'-prefixed comment rows.
func LoadNetworks(fs *archive.FS) ([]NetworkEntry, error) {
	if !fs.IsFile(NetworksPath) {
		return nil, nil
	}
	raw, err := fs.Load(NetworksPath)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(strings.TrimSpace(l), "#") || strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, l)
	}
	r := csv.NewReader(strings.NewReader(strings.Join(lines, "\n")))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("settings: parse networks.csv: %w", err)
	}
	out := make([]NetworkEntry, 0, len(records))
	for _, rec := range records {
		if len(rec) < 2 {
			continue
		}
		entry := NetworkEntry{ID: rec[0], Name: rec[1]}
		if len(rec) > 2 {
			entry.Bootstrap = strings.Split(rec[2], ",")
		}
		out = append(out, entry)
	}
	return out, nil
}

// SaveNetworks writes entries back to networks.csv, prefixed with a
// header comment row.
func SaveNetworks(fs *archive.FS, entries []NetworkEntry) error {
	var buf strings.Builder
	buf.WriteString("# id,name,bootstrap_addresses\n")
	w := csv.NewWriter(&buf)
	for _, e := range entries {
		if err := w.Write([]string{e.ID, e.Name, strings.Join(e.Bootstrap, ",")}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	raw := []byte(buf.String())
	if fs.IsFile(NetworksPath) {
		return fs.Save(NetworksPath, raw, nil)
	}
	_, err := fs.Mkfile(NetworksPath, raw, archive.MkfileOpts{})
	return err
}
