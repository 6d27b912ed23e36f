package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirStore writes archive objects below a local directory.
type DirStore struct {
	root string
}

// NewDirStore creates root if needed and returns a DirStore over it.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Put writes data to root/key atomically.
func (d *DirStore) Put(_ context.Context, key string, data []byte) error {
	dest := filepath.Join(d.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}
