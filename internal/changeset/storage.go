package changeset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"monorel/internal/errs"
	"monorel/internal/fsys"
	"monorel/internal/logging"
)

// DefaultDir is the changeset directory under the workspace root.
const DefaultDir = ".changesets"

const historyDir = "history"

// Storage persists changesets. Implementations own their backing store for
// the duration of a session.
type Storage interface {
	Save(cs *Changeset) error
	Load(id string) (*Changeset, error)
	Exists(id string) (bool, error)
	Delete(id string) error
	// ListPending returns every changeset not yet archived, ordered by
	// creation time then id.
	ListPending() ([]*Changeset, error)
	// Archive writes cs to history and removes its pending record.
	Archive(cs *Changeset, info ReleaseInfo) error
	LoadArchived(id string) (*ArchivedChangeset, error)
	ListArchived() ([]*ArchivedChangeset, error)
}

func sortChangesets(list []*Changeset) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func sortArchived(list []*ArchivedChangeset) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Release.ReleasedAt.Equal(list[j].Release.ReleasedAt) {
			return list[i].Release.ReleasedAt.Before(list[j].Release.ReleasedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func notFound(id string) error {
	return errs.New(errs.ErrChangesetNotFound, "load changeset", "%q", id)
}

func cloneArchived(a *ArchivedChangeset) *ArchivedChangeset {
	out := &ArchivedChangeset{Changeset: *a.Changeset.Clone(), Release: a.Release}
	return out
}

func archiveYear(cs *Changeset, info ReleaseInfo) int {
	if !info.ReleasedAt.IsZero() {
		return info.ReleasedAt.UTC().Year()
	}
	return cs.CreatedAt.UTC().Year()
}

// FileStorage keeps one JSON document per changeset under
// <root>/.changesets/<id>.json and archives to
// <root>/.changesets/history/<YYYY>/<id>.json. Records are cached once read.
type FileStorage struct {
	fs     fsys.FileSystem
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	cache    map[string]*Changeset
	archived map[string]*ArchivedChangeset
}

var _ Storage = (*FileStorage)(nil)

// NewFileStorage stores changesets in dir; a relative dir is resolved against root.
func NewFileStorage(fs fsys.FileSystem, root, dir string, logger *slog.Logger) *FileStorage {
	if dir == "" {
		dir = DefaultDir
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	return &FileStorage{
		fs:       fs,
		dir:      dir,
		logger:   logging.Or(logger, "changeset"),
		cache:    make(map[string]*Changeset),
		archived: make(map[string]*ArchivedChangeset),
	}
}

// Dir is the pending changeset directory.
func (s *FileStorage) Dir() string { return s.dir }

func (s *FileStorage) pendingPath(id string) string { return filepath.Join(s.dir, id+".json") }

func (s *FileStorage) archivePath(year int, id string) string {
	return filepath.Join(s.dir, historyDir, strconv.Itoa(year), id+".json")
}

func marshalStable(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(append(b, '\n')), nil
}

func decodeStrict(raw string, dst any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

func (s *FileStorage) Save(cs *Changeset) error {
	if err := checkID(cs.ID); err != nil {
		return err
	}
	doc, err := marshalStable(cs)
	if err != nil {
		return errs.Wrap(errs.ErrInvalidChangeset, "encode changeset "+cs.ID, err)
	}
	if err := s.fs.MkdirAll(s.dir); err != nil {
		return err
	}
	if err := s.fs.WriteString(s.pendingPath(cs.ID), doc); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[cs.ID] = cs.Clone()
	s.mu.Unlock()
	return nil
}

func (s *FileStorage) Load(id string) (*Changeset, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if cs, ok := s.cache[id]; ok {
		s.mu.Unlock()
		return cs.Clone(), nil
	}
	s.mu.Unlock()

	p := s.pendingPath(id)
	raw, err := s.fs.ReadString(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	var cs Changeset
	if err := decodeStrict(raw, &cs); err != nil {
		return nil, errs.WrapPath(errs.ErrInvalidChangeset, "decode changeset", p, err)
	}
	if cs.ID != id {
		return nil, errs.New(errs.ErrInvalidChangeset, "decode changeset", "%s holds id %q", p, cs.ID)
	}

	s.mu.Lock()
	s.cache[id] = cs.Clone()
	s.mu.Unlock()
	return &cs, nil
}

func (s *FileStorage) Exists(id string) (bool, error) {
	if err := checkID(id); err != nil {
		return false, err
	}
	s.mu.Lock()
	_, ok := s.cache[id]
	s.mu.Unlock()
	if ok {
		return true, nil
	}
	return s.fs.Exists(s.pendingPath(id))
}

func (s *FileStorage) Delete(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	err := s.fs.Remove(s.pendingPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(id)
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	return nil
}

func (s *FileStorage) ListPending() ([]*Changeset, error) {
	ok, err := s.fs.Exists(s.dir)
	if err != nil || !ok {
		return nil, err
	}
	entries, err := s.fs.ListEntries(s.dir)
	if err != nil {
		return nil, err
	}
	var out []*Changeset
	for _, e := range entries {
		if e.IsDir || !strings.HasSuffix(e.Name, ".json") {
			continue
		}
		cs, err := s.Load(strings.TrimSuffix(e.Name, ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	sortChangesets(out)
	return out, nil
}

func (s *FileStorage) Archive(cs *Changeset, info ReleaseInfo) error {
	if err := checkID(cs.ID); err != nil {
		return err
	}
	rec := &ArchivedChangeset{Changeset: *cs.Clone(), Release: info}
	doc, err := marshalStable(rec)
	if err != nil {
		return errs.Wrap(errs.ErrInvalidChangeset, "encode archived changeset "+cs.ID, err)
	}
	target := s.archivePath(archiveYear(cs, info), cs.ID)
	if err := s.fs.MkdirAll(filepath.Dir(target)); err != nil {
		return err
	}
	if err := s.fs.WriteString(target, doc); err != nil {
		return err
	}
	if err := s.fs.Remove(s.pendingPath(cs.ID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	s.mu.Lock()
	delete(s.cache, cs.ID)
	s.archived[cs.ID] = cloneArchived(rec)
	s.mu.Unlock()
	s.logger.Debug("archived changeset", "id", cs.ID, "path", target)
	return nil
}

func (s *FileStorage) years() ([]int, error) {
	hist := filepath.Join(s.dir, historyDir)
	ok, err := s.fs.Exists(hist)
	if err != nil || !ok {
		return nil, err
	}
	entries, err := s.fs.ListEntries(hist)
	if err != nil {
		return nil, err
	}
	var years []int
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		y, err := strconv.Atoi(e.Name)
		if err != nil {
			continue
		}
		years = append(years, y)
	}
	sort.Ints(years)
	return years, nil
}

func (s *FileStorage) readArchived(p string) (*ArchivedChangeset, error) {
	raw, err := s.fs.ReadString(p)
	if err != nil {
		return nil, err
	}
	var rec ArchivedChangeset
	if err := decodeStrict(raw, &rec); err != nil {
		return nil, errs.WrapPath(errs.ErrInvalidChangeset, "decode archived changeset", p, err)
	}
	return &rec, nil
}

func (s *FileStorage) LoadArchived(id string) (*ArchivedChangeset, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if rec, ok := s.archived[id]; ok {
		s.mu.Unlock()
		return cloneArchived(rec), nil
	}
	s.mu.Unlock()

	years, err := s.years()
	if err != nil {
		return nil, err
	}
	for i := len(years) - 1; i >= 0; i-- {
		p := s.archivePath(years[i], id)
		ok, err := s.fs.Exists(p)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rec, err := s.readArchived(p)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.archived[id] = cloneArchived(rec)
		s.mu.Unlock()
		return rec, nil
	}
	return nil, notFound(id)
}

func (s *FileStorage) ListArchived() ([]*ArchivedChangeset, error) {
	years, err := s.years()
	if err != nil {
		return nil, err
	}
	var out []*ArchivedChangeset
	for _, y := range years {
		dir := filepath.Join(s.dir, historyDir, strconv.Itoa(y))
		entries, err := s.fs.ListEntries(dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir || !strings.HasSuffix(e.Name, ".json") {
				continue
			}
			rec, err := s.LoadArchived(strings.TrimSuffix(e.Name, ".json"))
			if err != nil {
				return nil, fmt.Errorf("listing history %d: %w", y, err)
			}
			out = append(out, rec)
		}
	}
	sortArchived(out)
	return out, nil
}

// MemoryStorage is an in-memory Storage.
type MemoryStorage struct {
	mu       sync.Mutex
	pending  map[string]*Changeset
	archived map[string]*ArchivedChangeset
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		pending:  make(map[string]*Changeset),
		archived: make(map[string]*ArchivedChangeset),
	}
}

func (m *MemoryStorage) Save(cs *Changeset) error {
	if err := checkID(cs.ID); err != nil {
		return err
	}
	if _, err := json.Marshal(cs); err != nil {
		return errs.Wrap(errs.ErrInvalidChangeset, "encode changeset "+cs.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[cs.ID] = cs.Clone()
	return nil
}

func (m *MemoryStorage) Load(id string) (*Changeset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.pending[id]
	if !ok {
		return nil, notFound(id)
	}
	return cs.Clone(), nil
}

func (m *MemoryStorage) Exists(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[id]
	return ok, nil
}

func (m *MemoryStorage) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; !ok {
		return notFound(id)
	}
	delete(m.pending, id)
	return nil
}

func (m *MemoryStorage) ListPending() ([]*Changeset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Changeset, 0, len(m.pending))
	for _, cs := range m.pending {
		out = append(out, cs.Clone())
	}
	sortChangesets(out)
	return out, nil
}

func (m *MemoryStorage) Archive(cs *Changeset, info ReleaseInfo) error {
	if err := checkID(cs.ID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, cs.ID)
	m.archived[cs.ID] = &ArchivedChangeset{Changeset: *cs.Clone(), Release: info}
	return nil
}

func (m *MemoryStorage) LoadArchived(id string) (*ArchivedChangeset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.archived[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneArchived(rec), nil
}

func (m *MemoryStorage) ListArchived() ([]*ArchivedChangeset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ArchivedChangeset, 0, len(m.archived))
	for _, rec := range m.archived {
		out = append(out, cloneArchived(rec))
	}
	sortArchived(out)
	return out, nil
}
