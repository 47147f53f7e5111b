// Package icons reads captcha icon images from a file system.
package icons

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

var ErrNotImage = errors.New("icon file is not an image")

// Source serves "<base>/<theme>/icon-<id>.png" files from fsys. Paths are
// always resolved inside fsys; anything escaping it reads as missing.
type Source struct {
	fsys  fs.FS
	mu    sync.RWMutex
	types map[string]string
}

func NewSource(fsys fs.FS) *Source {
	return &Source{fsys: fsys, types: map[string]string{}}
}

// Layout is the on-disk arrangement NewDirSource expects below its root.
const Layout = "<root>/<icon path>/<theme>/icon-<id>.png"

// NewDirSource serves icons below dir on the local disk.
func NewDirSource(dir string) (*Source, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("icon root (expected layout %s): %w", Layout, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("icon root %s is not a directory (expected layout %s)", dir, Layout)
	}
	return NewSource(os.DirFS(dir)), nil
}

func (s *Source) ResolvePath(base, theme string, iconID int) string {
	return path.Join(base, theme, fmt.Sprintf("icon-%d.png", iconID))
}

func (s *Source) name(p string) (string, error) {
	name := strings.TrimPrefix(path.Clean("/"+p), "/")
	if name == "" || !fs.ValidPath(name) {
		return "", &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	return name, nil
}

func (s *Source) Read(p string) ([]byte, error) {
	name, err := s.name(p)
	if err != nil {
		return nil, err
	}
	return fs.ReadFile(s.fsys, name)
}

// ContentType sniffs the file header. Results are cached per path.
func (s *Source) ContentType(p string) (string, error) {
	s.mu.RLock()
	ct, ok := s.types[p]
	s.mu.RUnlock()
	if ok {
		return ct, nil
	}

	data, err := s.Read(p)
	if err != nil {
		return "", err
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", fmt.Errorf("%s: %w (%s)", p, ErrNotImage, mt.String())
	}

	s.mu.Lock()
	s.types[p] = mt.String()
	s.mu.Unlock()
	return mt.String(), nil
}
