// Package fsys is the file-system boundary used by every component that reads
// or writes workspace files.
package fsys

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"monorel/internal/errs"
)

// Entry is one directory entry.
type Entry struct {
	Name  string
	IsDir bool
}

// FileSystem is the capability interface consumed by the core.
//
// Implementations return errors classified as errs.ErrFs; a missing path also
// matches fs.ErrNotExist.
type FileSystem interface {
	ReadString(path string) (string, error)
	WriteString(path, content string) error
	Exists(path string) (bool, error)
	MkdirAll(path string) error
	Canonicalize(path string) (string, error)
	// ListEntries returns the entries of a directory sorted by name.
	ListEntries(path string) ([]Entry, error)
	Remove(path string) error
}

// OS is the FileSystem backed by the host file system. Writes are atomic:
// content goes to a temp file in the same directory, is synced and renamed
// into place.
type OS struct{}

var _ FileSystem = OS{}

func (OS) ReadString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", errs.WrapPath(errs.ErrFs, "read", path, err)
	}
	return string(b), nil
}

func (OS) WriteString(path, content string) error {
	perm := os.FileMode(0o644)
	if st, err := os.Stat(path); err == nil {
		perm = st.Mode().Perm()
	}
	if err := writeFileAtomicDurable(path, []byte(content), perm); err != nil {
		return errs.WrapPath(errs.ErrFs, "write", path, err)
	}
	return nil
}

func (OS) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, errs.WrapPath(errs.ErrFs, "stat", path, err)
}

func (OS) MkdirAll(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errs.WrapPath(errs.ErrFs, "mkdir", path, err)
	}
	return nil
}

func (OS) Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errs.WrapPath(errs.ErrFs, "canonicalize", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", errs.WrapPath(errs.ErrFs, "canonicalize", path, err)
	}
	return resolved, nil
}

func (OS) ListEntries(path string) ([]Entry, error) {
	des, err := os.ReadDir(path)
	if err != nil {
		return nil, errs.WrapPath(errs.ErrFs, "list", path, err)
	}
	out := make([]Entry, 0, len(des))
	for _, d := range des {
		out = append(out, Entry{Name: d.Name(), IsDir: d.IsDir()})
	}
	return out, nil
}

func (OS) Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return errs.WrapPath(errs.ErrFs, "remove", path, err)
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
