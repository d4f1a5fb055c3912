package replicant

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"golang.org/x/exp/slices"
)

// Store is a per namespace mapping from key to string, durable across
// process restarts. A successful SetItem completely replaces the prior
// value; readers never observe a partial write.
type Store interface {
	// GetItem returns the stored value and whether the key exists.
	GetItem(key string) (string, bool, error)
	SetItem(key string, value string) error
	Keys() ([]string, error)
}

// StoreProvider partitions storage by namespace so per replicant writes
// never collide.
type StoreProvider interface {
	Namespace(namespace string) (Store, error)
}

// FileStoreProvider keeps one directory per namespace under a root
// directory, one file per key.
type FileStoreProvider struct {
	root string
}

func NewFileStoreProvider(root string) *FileStoreProvider {
	return &FileStoreProvider{
		root: root,
	}
}

func (self *FileStoreProvider) Namespace(namespace string) (Store, error) {
	dir := filepath.Join(self.root, url.PathEscape(namespace))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	return &FileStore{
		dir: dir,
	}, nil
}

type FileStore struct {
	dir string
}

func (self *FileStore) GetItem(key string) (string, bool, error) {
	raw, err := os.ReadFile(self.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	return string(raw), true, nil
}

// SetItem writes to a temp file in the same directory and renames it over
// the key so the prior value is replaced whole.
func (self *FileStore) SetItem(key string, value string) error {
	tmp, err := os.CreateTemp(self.dir, url.PathEscape(key)+".tmp*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	if err := os.Rename(tmpName, self.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	return nil
}

func (self *FileStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(self.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	keys := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}

func (self *FileStore) path(key string) string {
	return filepath.Join(self.dir, url.PathEscape(key))
}
