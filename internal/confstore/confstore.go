// Package confstore holds the service configuration that admins can edit at
// runtime: the allowed domain list, the username candidate list and the admin
// settings. Every read goes back to the backing JSON file so that edits made
// through the admin API are visible to both servers without a restart.
package confstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	domainsFile  = "domains.json"
	namesFile    = "names.json"
	settingsFile = "settings.json"
)

type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

// Domains returns the current allow-list. A missing or unreadable file
// degrades to an empty list, so losing the file stops mail acceptance
// instead of silently widening it.
func (s *Store) Domains() []string {
	var domains []string
	if err := s.readJSON(domainsFile, &domains); err != nil {
		return nil
	}
	return domains
}

// EnsureDefaults seeds the allow-list with localhost on first boot. An
// existing file, whatever its contents, is left alone.
func (s *Store) EnsureDefaults() error {
	if _, err := os.Stat(filepath.Join(s.dir, domainsFile)); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", domainsFile, err)
	}
	return s.SaveDomains([]string{"localhost"})
}

func (s *Store) SaveDomains(domains []string) error {
	return s.writeJSON(domainsFile, domains)
}

// Names returns the candidate username list used for random address
// generation. An empty result is valid and switches generation to a purely
// random username.
func (s *Store) Names() []string {
	var names []string
	if err := s.readJSON(namesFile, &names); err != nil {
		return nil
	}
	return names
}

func (s *Store) SaveNames(names []string) error {
	return s.writeJSON(namesFile, names)
}

func (s *Store) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// writeJSON replaces the whole file through a rename so concurrent readers
// never observe a partial write. Concurrent writers are last-writer-wins.
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	tmp := filepath.Join(s.dir, name+".tmp")
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}
