package fsys

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"monorel/internal/errs"
)

// MemFS is an in-memory FileSystem. Paths are cleaned and made absolute
// against "/". It is safe for concurrent use.
type MemFS struct {
	mu    sync.RWMutex
	files map[string]string
	dirs  map[string]struct{}

	// FailWrite, when set, is consulted before every write; a non-nil return
	// aborts the write with that error.
	FailWrite func(path string) error
	writes    []string
}

var _ FileSystem = (*MemFS)(nil)

// NewMemFS returns an empty file system containing only "/".
func NewMemFS() *MemFS {
	return &MemFS{
		files: make(map[string]string),
		dirs:  map[string]struct{}{"/": {}},
	}
}

// NewMemFSWith seeds a MemFS with files.
func NewMemFSWith(files map[string]string) *MemFS {
	m := NewMemFS()
	for p, c := range files {
		m.put(clean(p), c)
	}
	return m
}

func clean(p string) string {
	p = filepath.ToSlash(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return filepath.ToSlash(filepath.Clean(p))
}

func (m *MemFS) put(p, content string) {
	m.files[p] = content
	for d := filepath.Dir(p); ; d = filepath.Dir(d) {
		m.dirs[d] = struct{}{}
		if d == "/" {
			break
		}
	}
}

func notExist(op, p string) error {
	return errs.WrapPath(errs.ErrFs, op, p, fs.ErrNotExist)
}

func (m *MemFS) ReadString(path string) (string, error) {
	p := clean(path)
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.files[p]
	if !ok {
		return "", notExist("read", p)
	}
	return c, nil
}

func (m *MemFS) WriteString(path, content string) error {
	p := clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrite != nil {
		if err := m.FailWrite(p); err != nil {
			return errs.WrapPath(errs.ErrFs, "write", p, err)
		}
	}
	if _, isDir := m.dirs[p]; isDir {
		return errs.WrapPath(errs.ErrFs, "write", p, fmt.Errorf("is a directory"))
	}
	m.put(p, content)
	m.writes = append(m.writes, p)
	return nil
}

func (m *MemFS) Exists(path string) (bool, error) {
	p := clean(path)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.files[p]; ok {
		return true, nil
	}
	_, ok := m.dirs[p]
	return ok, nil
}

func (m *MemFS) MkdirAll(path string) error {
	p := clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; ok {
		return errs.WrapPath(errs.ErrFs, "mkdir", p, fmt.Errorf("not a directory"))
	}
	for d := p; ; d = filepath.Dir(d) {
		m.dirs[d] = struct{}{}
		if d == "/" {
			break
		}
	}
	return nil
}

func (m *MemFS) Canonicalize(path string) (string, error) {
	p := clean(path)
	ok, _ := m.Exists(p)
	if !ok {
		return "", notExist("canonicalize", p)
	}
	return p, nil
}

func (m *MemFS) ListEntries(path string) ([]Entry, error) {
	p := clean(path)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.dirs[p]; !ok {
		return nil, notExist("list", p)
	}
	seen := make(map[string]bool)
	for f := range m.files {
		if filepath.Dir(f) == p {
			seen[filepath.Base(f)] = false
		}
	}
	for d := range m.dirs {
		if d != p && filepath.Dir(d) == p {
			seen[filepath.Base(d)] = true
		}
	}
	out := make([]Entry, 0, len(seen))
	for name, isDir := range seen {
		out = append(out, Entry{Name: name, IsDir: isDir})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemFS) Remove(path string) error {
	p := clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; ok {
		delete(m.files, p)
		return nil
	}
	if _, ok := m.dirs[p]; !ok {
		return notExist("remove", p)
	}
	prefix := strings.TrimSuffix(p, "/") + "/"
	for f := range m.files {
		if strings.HasPrefix(f, prefix) {
			return errs.WrapPath(errs.ErrFs, "remove", p, fmt.Errorf("directory not empty"))
		}
	}
	for d := range m.dirs {
		if strings.HasPrefix(d, prefix) {
			return errs.WrapPath(errs.ErrFs, "remove", p, fmt.Errorf("directory not empty"))
		}
	}
	delete(m.dirs, p)
	return nil
}

// Writes returns the paths written so far, in order.
func (m *MemFS) Writes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.writes))
	copy(out, m.writes)
	return out
}

// Files returns a copy of every file keyed by path.
func (m *MemFS) Files() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.files))
	for k, v := range m.files {
		out[k] = v
	}
	return out
}
