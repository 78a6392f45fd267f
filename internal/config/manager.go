package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"monorel/internal/errs"
	"monorel/internal/fsys"
	"monorel/internal/logging"
)

// ProjectFileNames are searched, in order, in each directory from the start
// directory up to the file system root.
var ProjectFileNames = []string{
	"monorepo.toml", "monorepo.json", "monorepo.yaml", "monorepo.yml",
	".monorepo.toml", ".monorepo.json", ".monorepo.yaml", ".monorepo.yml",
}

const userFileBase = "config"

// FindProjectFile returns the nearest project config file at or above start,
// or "" when there is none.
func FindProjectFile(fs fsys.FileSystem, start string) (string, error) {
	dir, err := fs.Canonicalize(start)
	if err != nil {
		return "", err
	}
	for {
		for _, name := range ProjectFileNames {
			p := filepath.Join(dir, name)
			ok, err := fs.Exists(p)
			if err != nil {
				return "", err
			}
			if ok {
				return p, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// DefaultUserDir is $XDG_CONFIG_HOME/monorel, falling back to ~/.config/monorel.
func DefaultUserDir() string {
	if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
		return filepath.Join(x, "monorel")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "monorel")
}

// Options configure a Manager.
type Options struct {
	FS fsys.FileSystem
	// UserDir holds the optional user config file. Empty means DefaultUserDir.
	UserDir string
	// NoUserConfig skips the user layer entirely.
	NoUserConfig bool
	// Debounce delays reloads triggered by Watch.
	Debounce time.Duration
	Logger   *slog.Logger
}

// Manager owns the active configuration. Readers get the current value
// without locking; loads and updates swap it atomically.
type Manager struct {
	fs     fsys.FileSystem
	opts   Options
	logger *slog.Logger

	current atomic.Pointer[Config]
	// writeMu serializes loads and updates.
	writeMu sync.Mutex

	mu        sync.Mutex
	path      string
	tree      map[string]any
	listeners []func(*Config)
}

// NewManager returns a Manager holding the defaults.
func NewManager(opts Options) *Manager {
	if opts.FS == nil {
		opts.FS = fsys.OS{}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	m := &Manager{fs: opts.FS, opts: opts, logger: logging.Or(opts.Logger, "config"), tree: Defaults()}
	if cfg, err := Decode(m.tree); err == nil {
		m.current.Store(cfg)
	}
	return m
}

// Current returns the active configuration. Callers must not mutate it; use
// Update instead.
func (m *Manager) Current() *Config { return m.current.Load() }

// Path is the project file the configuration came from, or "".
func (m *Manager) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// Tree returns a copy of the merged configuration tree as last loaded from
// files. Changes made through Update are not reflected in it.
func (m *Manager) Tree() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyValue(m.tree).(map[string]any)
}

// OnChange registers fn to run after every successful load or update. fn
// must not call Load, Reload or Update.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Load searches upward from start for a project file and loads it over the
// defaults and the user file. No project file is not an error.
func (m *Manager) Load(start string) (*Config, error) {
	path, err := FindProjectFile(m.fs, start)
	if err != nil {
		return nil, err
	}
	if path == "" {
		m.logger.Debug("no project config found", "start", start)
	}
	return m.load(path)
}

// LoadFile loads the project file at path.
func (m *Manager) LoadFile(path string) (*Config, error) {
	ok, err := m.fs.Exists(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.ErrConfigInvalid, "load config", "%s does not exist", path)
	}
	return m.load(path)
}

// Reload re-reads the current project file.
func (m *Manager) Reload() (*Config, error) {
	return m.load(m.Path())
}

func (m *Manager) userFile() (string, error) {
	if m.opts.NoUserConfig {
		return "", nil
	}
	dir := m.opts.UserDir
	if dir == "" {
		dir = DefaultUserDir()
	}
	if dir == "" {
		return "", nil
	}
	for _, ext := range []string{".toml", ".json", ".yaml", ".yml"} {
		p := filepath.Join(dir, userFileBase+ext)
		ok, err := m.fs.Exists(p)
		if err != nil {
			return "", err
		}
		if ok {
			return p, nil
		}
	}
	return "", nil
}

func (m *Manager) load(path string) (*Config, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	tree := Defaults()

	userPath, err := m.userFile()
	if err != nil {
		return nil, err
	}
	if userPath != "" {
		layer, err := readTree(m.fs, userPath)
		if err != nil {
			return nil, err
		}
		tree = Merge(tree, layer)
		m.logger.Debug("loaded user config", "path", userPath)
	}
	if path != "" {
		layer, err := readTree(m.fs, path)
		if err != nil {
			return nil, err
		}
		tree = Merge(tree, layer)
		m.logger.Debug("loaded project config", "path", path)
	}

	cfg, err := Decode(tree)
	if err != nil {
		if path != "" {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return nil, err
	}

	m.mu.Lock()
	m.path, m.tree = path, tree
	listeners := append([]func(*Config){}, m.listeners...)
	m.mu.Unlock()
	m.current.Store(cfg)
	for _, fn := range listeners {
		fn(cfg)
	}
	return cfg, nil
}

// Update applies fn to a copy of the current configuration and swaps it in
// when it still validates. Concurrent updates apply one after another. The
// file on disk and Tree are not touched.
func (m *Manager) Update(fn func(*Config)) (*Config, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	next := m.Current().Clone()
	fn(next)
	if problems := Validate(next); len(problems) > 0 {
		return nil, problems
	}
	m.mu.Lock()
	listeners := append([]func(*Config){}, m.listeners...)
	m.mu.Unlock()
	m.current.Store(next)
	for _, l := range listeners {
		l(next)
	}
	return next, nil
}

// Watch reloads the project file whenever it changes on disk, until ctx is
// done. A reload that fails validation keeps the previous configuration.
func (m *Manager) Watch(ctx context.Context) error {
	path := m.Path()
	if path == "" {
		return errs.New(errs.ErrConfigInvalid, "watch config", "no project config file loaded")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	m.logger.Info("watching config", "path", path)

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reload = time.After(m.opts.Debounce)
		case <-reload:
			reload = nil
			if _, err := m.Reload(); err != nil {
				m.logger.Warn("config reload failed", "path", path, "error", err)
				continue
			}
			m.logger.Info("config reloaded", "path", path)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}
