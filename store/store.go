// Package store persists tunnel configuration and private keys in the
// application's private data directory.
//
// Every write goes to a temporary file in the target directory which is
// synced and renamed over the destination, so the tunnel service never
// reads a partially written file.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/yllada/nebula-manager/common"
)

// Kind selects which pair of files a session uses.
type Kind int

const (
	// KindLive is the pair read by a running tunnel.
	KindLive Kind = iota
	// KindTest is the pair written by configuration validation.
	KindTest
)

// String returns a human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindLive:
		return "live"
	case KindTest:
		return "test"
	default:
		return "unknown"
	}
}

// Files are the on-disk locations of a persisted configuration.
type Files struct {
	ConfigPath string
	KeyPath    string
}

// Store writes tunnel files into a single directory.
type Store struct {
	dir string
	log common.Logger
}

// New creates a Store rooted at dir, creating it with owner-only permissions.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty store directory", common.ErrInvalidArgument)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", common.ErrConfigPersist, dir, err)
	}
	return &Store{dir: dir, log: common.Component("store")}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path of name inside the store.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// FilesFor returns the file pair used by kind.
func (s *Store) FilesFor(kind Kind) Files {
	if kind == KindTest {
		return Files{
			ConfigPath: s.Path(common.TestConfigFileName),
			KeyPath:    s.Path(common.TestKeyFileName),
		}
	}
	return Files{
		ConfigPath: s.Path(common.LiveConfigFileName),
		KeyPath:    s.Path(common.LiveKeyFileName),
	}
}

// Save atomically writes content to name inside the store.
func (s *Store) Save(name, content string) error {
	if name == "" || filepath.Base(name) != name {
		return fmt.Errorf("%w: bad file name %q", common.ErrInvalidArgument, name)
	}
	if err := WriteFileAtomic(s.Path(name), []byte(content), 0600); err != nil {
		s.log.Error("Error saving %s: %v", name, err)
		return err
	}
	s.log.Debug("Saved %s to %s", name, s.Path(name))
	return nil
}

// SaveSession writes config and key to the pair of files used by kind.
// Either both files are replaced or an error is returned.
func (s *Store) SaveSession(kind Kind, config, privateKey string) (Files, error) {
	files := s.FilesFor(kind)
	if err := s.Save(filepath.Base(files.KeyPath), privateKey); err != nil {
		return Files{}, err
	}
	if err := s.Save(filepath.Base(files.ConfigPath), config); err != nil {
		return Files{}, err
	}
	return files, nil
}

// SaveLive implements common.ConfigStore.
func (s *Store) SaveLive(config, privateKey string) (string, string, error) {
	files, err := s.SaveSession(KindLive, config, privateKey)
	return files.ConfigPath, files.KeyPath, err
}

// SaveTest implements common.ConfigStore.
func (s *Store) SaveTest(config, privateKey string) (string, string, error) {
	files, err := s.SaveSession(KindTest, config, privateKey)
	return files.ConfigPath, files.KeyPath, err
}

// LoadConfig reads back the configuration document of kind.
func (s *Store) LoadConfig(kind Kind) (string, error) {
	data, err := os.ReadFile(s.FilesFor(kind).ConfigPath)
	if err != nil {
		return "", fmt.Errorf("read %s config: %w", kind, err)
	}
	return string(data), nil
}

// LoadKey reads back the private key of kind.
func (s *Store) LoadKey(kind Kind) (string, error) {
	data, err := os.ReadFile(s.FilesFor(kind).KeyPath)
	if err != nil {
		return "", fmt.Errorf("read %s key: %w", kind, err)
	}
	return string(data), nil
}

// Remove deletes the file pair of kind. Missing files are not an error.
func (s *Store) Remove(kind Kind) error {
	files := s.FilesFor(kind)
	var err error
	for _, p := range []string{files.ConfigPath, files.KeyPath} {
		if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = multierr.Append(err, rmErr)
		}
	}
	return err
}

// WriteFileAtomic writes data to path through a synced temporary file in
// the same directory followed by a rename. Errors wrap common.ErrConfigPersist.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigPersist, err)
	}
	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			err = multierr.Append(err, removeIfExists(tmpName))
			err = fmt.Errorf("%w: write %s: %v", common.ErrConfigPersist, filepath.Base(path), err)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		return err
	}
	return syncDir(dir)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// syncDir flushes the directory entry so the rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
