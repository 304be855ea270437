package template

import (
	"fmt"
	"io/fs"
	"os"
)

// Store is the backing source templates are loaded from. Templates are
// deployed with the service, so implementations only need read access.
type Store interface {
	Read(name string) ([]byte, error)
}

// DirStore reads templates from a filesystem tree.
type DirStore struct {
	fsys fs.FS
}

// NewDirStore constructs a store rooted at the supplied directory.
func NewDirStore(dir string) *DirStore {
	return NewFSStore(os.DirFS(dir))
}

// NewFSStore constructs a store over an arbitrary fs.FS.
func NewFSStore(fsys fs.FS) *DirStore {
	return &DirStore{fsys: fsys}
}

// Read returns the raw template content for the given name.
func (s *DirStore) Read(name string) ([]byte, error) {
	data, err := fs.ReadFile(s.fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read template %q: %w", name, err)
	}
	return data, nil
}
