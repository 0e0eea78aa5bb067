package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

const (
	manifestFile = "manifest.json"
	stateFile    = "storages.json"
	cookiesFile  = "cookies.json"
	assetsDir    = "assets"
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Sanitize maps a snapshot key to a safe directory name.
func Sanitize(key string) string {
	safe := unsafeKeyChars.ReplaceAllString(key, "_")
	if safe == "" || safe == "." || safe == ".." {
		return "_"
	}
	return safe
}

// Store is the on-disk home of all snapshots.
type Store struct {
	base   string
	logger *slog.Logger
}

// NewStore opens the snapshot base directory. When preferred is not
// writable the store falls back to a directory under os.TempDir.
func NewStore(preferred string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	base, err := ensureBaseDir(preferred)
	if err != nil {
		return nil, err
	}
	if base != preferred {
		logger.Warn("snapshot: base dir not writable, using fallback", "preferred", preferred, "base", base)
	}
	return &Store{base: base, logger: logger}, nil
}

func ensureBaseDir(preferred string) (string, error) {
	if preferred != "" && writable(preferred) {
		return preferred, nil
	}

	fallback := filepath.Join(os.TempDir(), "portal-gateway", "snapshots")
	if err := os.MkdirAll(fallback, 0o755); err != nil {
		return "", fmt.Errorf("snapshot: create base dir: %w", err)
	}
	return fallback, nil
}

func writable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".rw_"+strconv.FormatInt(time.Now().UnixNano(), 10))
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return false
	}
	_ = os.Remove(probe)
	return true
}

// Base returns the base directory in use.
func (s *Store) Base() string {
	return s.base
}

// Dir returns the directory of a snapshot key.
func (s *Store) Dir(key string) string {
	return filepath.Join(s.base, Sanitize(key))
}

// Exists reports whether key has a manifest.
func (s *Store) Exists(key string) bool {
	_, err := os.Stat(filepath.Join(s.Dir(key), manifestFile))
	return err == nil
}

// Remove deletes a snapshot and all its artifacts.
func (s *Store) Remove(key string) error {
	if err := os.RemoveAll(s.Dir(key)); err != nil {
		return fmt.Errorf("snapshot: remove %s: %w", key, err)
	}
	return nil
}

// prepare creates the snapshot directory layout for a new capture.
func (s *Store) prepare(key string) error {
	if s.Exists(key) {
		return fmt.Errorf("%w: %s", ErrManifestExists, key)
	}
	if err := os.MkdirAll(filepath.Join(s.Dir(key), assetsDir), 0o755); err != nil {
		return fmt.Errorf("snapshot: create dir: %w", err)
	}
	return nil
}

func (s *Store) writeArtifact(key, rel string, body []byte) error {
	if err := writeAtomic(filepath.Join(s.Dir(key), filepath.FromSlash(rel)), body); err != nil {
		return fmt.Errorf("snapshot: write artifact: %w", err)
	}
	return nil
}

func (s *Store) readArtifact(key, rel string) ([]byte, error) {
	body, err := os.ReadFile(filepath.Join(s.Dir(key), filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingArtifact, rel)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read artifact %s: %w", rel, err)
	}
	return body, nil
}

// writeManifest writes the manifest exactly once.
func (s *Store) writeManifest(key string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encode manifest: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(s.Dir(key), manifestFile), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", ErrManifestExists, key)
	}
	if err != nil {
		return fmt.Errorf("snapshot: create manifest: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("snapshot: write manifest: %w", err)
	}
	return f.Close()
}

func (s *Store) readManifest(key string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(key), manifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("snapshot: decode manifest: %w", err)
	}
	return &m, nil
}

func (s *Store) writeJSON(key, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encode %s: %w", name, err)
	}
	if err := writeAtomic(filepath.Join(s.Dir(key), name), data); err != nil {
		return fmt.Errorf("snapshot: write %s: %w", name, err)
	}
	return nil
}

// readJSON decodes an optional document. A missing file leaves v untouched.
func (s *Store) readJSON(key, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.Dir(key), name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("snapshot: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("snapshot: decode %s: %w", name, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
