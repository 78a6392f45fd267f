package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monorel/internal/errs"
	"monorel/internal/fsys"
	"monorel/internal/logging"
)

func newTestManager(fs fsys.FileSystem) *Manager {
	return NewManager(Options{FS: fs, NoUserConfig: true, Logger: logging.Discard()})
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Decode(Defaults())
	require.NoError(t, err)

	assert.Equal(t, "patch", cfg.Versioning.DefaultBump)
	assert.Equal(t, "unify", cfg.Versioning.CyclePolicy)
	assert.Equal(t, "alpha.{sha}", cfg.Versioning.SnapshotFormat)
	assert.Equal(t, 10*time.Minute, cfg.Tasks.Timeout)
	assert.Equal(t, 4, cfg.Tasks.Concurrency())
	assert.Equal(t, ".changesets", cfg.Changesets.Dir)
	assert.Equal(t, []string{"development", "staging"}, cfg.EnvironmentNames())
	assert.NotEmpty(t, cfg.Changelog.Types)

	m := newTestManager(fsys.NewMemFS())
	assert.Equal(t, cfg, m.Current())
}

func TestLoad_DiscoversProjectFileUpward(t *testing.T) {
	fs := fsys.NewMemFSWith(map[string]string{
		"/repo/monorepo.toml": `
environments = ["dev", "qa"]

[versioning]
default_bump = "minor"
cycle_policy = "error"

[tasks]
timeout = "90s"
parallel = false

[[tasks.definitions]]
name = "lint"
command = "eslint ."
timeout = "30s"

[[tasks.definitions]]
name = "test"
command = "vitest run"
dependencies = ["lint"]
`,
		"/repo/packages/core/package.json": `{"name":"core"}`,
	})
	m := newTestManager(fs)

	cfg, err := m.Load("/repo/packages/core")
	require.NoError(t, err)

	assert.Equal(t, "/repo/monorepo.toml", m.Path())
	assert.Equal(t, "minor", cfg.Versioning.DefaultBump)
	assert.Equal(t, "error", cfg.Versioning.CyclePolicy)
	assert.Equal(t, 90*time.Second, cfg.Tasks.Timeout)
	assert.Equal(t, 1, cfg.Tasks.Concurrency())
	assert.Equal(t, []string{"dev", "qa"}, cfg.Environments)
	require.Len(t, cfg.Tasks.Definitions, 2)
	assert.Equal(t, 30*time.Second, cfg.Tasks.Definitions[0].Timeout)
	test, ok := cfg.Tasks.Definition("test")
	require.True(t, ok)
	assert.Equal(t, []string{"lint"}, test.Dependencies)

	// untouched groups keep their defaults
	assert.True(t, cfg.Versioning.Propagate)
	assert.Same(t, cfg, m.Current())
}

func TestLoad_NoProjectFile(t *testing.T) {
	m := newTestManager(fsys.NewMemFSWith(map[string]string{"/repo/package.json": "{}"}))
	cfg, err := m.Load("/repo")
	require.NoError(t, err)
	assert.Empty(t, m.Path())
	assert.Equal(t, "patch", cfg.Versioning.DefaultBump)
}

func TestLoadFile_Formats(t *testing.T) {
	files := map[string]string{
		"/a/monorepo.json":  `{"versioning": {"default_bump": "major"}, "environments": "dev,prod"}`,
		"/b/.monorepo.yaml": "versioning:\n  default_bump: major\nenvironments: [dev, prod]\n",
		"/c/monorepo.yml":   "versioning:\n  default_bump: major\nenvironments:\n  - dev\n  - prod\n",
	}
	for path := range files {
		t.Run(path, func(t *testing.T) {
			m := newTestManager(fsys.NewMemFSWith(files))
			cfg, err := m.LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, "major", cfg.Versioning.DefaultBump)
			assert.Equal(t, []string{"dev", "prod"}, cfg.Environments)
		})
	}

	m := newTestManager(fsys.NewMemFSWith(map[string]string{"/d/monorepo.ini": "x=1"}))
	_, err := m.LoadFile("/d/monorepo.ini")
	assert.True(t, errs.Is(err, errs.ErrConfigInvalid))

	_, err = m.LoadFile("/nope/monorepo.toml")
	assert.True(t, errs.Is(err, errs.ErrConfigInvalid))
}

func TestLoad_UserLayerBeneathProject(t *testing.T) {
	fs := fsys.NewMemFSWith(map[string]string{
		"/home/me/.config/monorel/config.yaml": "versioning:\n  default_bump: minor\n  tag_prefix: v\nplugins:\n  enabled: [audit, notify]\n",
		"/repo/monorepo.json":                  `{"versioning": {"default_bump": "major"}, "plugins": {"enabled": ["notify", "slack"]}}`,
	})
	m := NewManager(Options{FS: fs, UserDir: "/home/me/.config/monorel", Logger: logging.Discard()})

	cfg, err := m.Load("/repo")
	require.NoError(t, err)
	assert.Equal(t, "major", cfg.Versioning.DefaultBump)
	assert.Equal(t, "v", cfg.Versioning.TagPrefix)
	assert.Equal(t, []string{"audit", "notify", "slack"}, cfg.Plugins.Enabled)
}

func TestDecode_Problems(t *testing.T) {
	tree := Merge(Defaults(), map[string]any{
		"versioning": map[string]any{"default_bump": "huge", "colour": "blue"},
		"tasks":      map[string]any{"max_concurrent": 0},
		"changesets": map[string]any{"default_environments": []any{"production"}},
		"changelog":  map[string]any{"repository_url": "not a url"},
	})
	_, err := Decode(tree)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrConfigInvalid))

	var problems ValidationErrors
	require.ErrorAs(t, err, &problems)
	paths := map[string]string{}
	for _, p := range problems {
		paths[p.Path] = p.Message
	}
	assert.Equal(t, "unknown key", paths["versioning.colour"])
	assert.Contains(t, paths["versioning.default_bump"], "must be one of")
	assert.Contains(t, paths["tasks.max_concurrent"], "at least 1")
	assert.Contains(t, paths["changesets.default_environments[0]"], "production")
	assert.Contains(t, paths, "changelog.repository_url")
}

func TestDecode_TaskDefinitionCycle(t *testing.T) {
	tree := Merge(Defaults(), map[string]any{"tasks": map[string]any{"definitions": []any{
		map[string]any{"name": "a", "command": "x", "dependencies": []any{"b"}},
		map[string]any{"name": "b", "command": "y", "dependencies": []any{"a"}},
	}}})
	_, err := Decode(tree)
	var problems ValidationErrors
	require.ErrorAs(t, err, &problems)
	require.Len(t, problems, 1)
	assert.Equal(t, "tasks.definitions", problems[0].Path)
	assert.Contains(t, problems[0].Message, "cycle")
}

func TestMerge(t *testing.T) {
	base := map[string]any{
		"a":       map[string]any{"x": 1, "y": []any{"k"}},
		"plugins": map[string]any{"enabled": []any{"p1"}},
	}
	over := map[string]any{
		"a":       map[string]any{"y": []any{"z"}},
		"b":       true,
		"plugins": map[string]any{"enabled": []any{"p1", "p2"}},
	}
	got := Merge(base, over)
	want := map[string]any{
		"a":       map[string]any{"x": 1, "y": []any{"z"}},
		"b":       true,
		"plugins": map[string]any{"enabled": []any{"p1", "p2"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Merge mismatch (-want +got):\n%s", diff)
	}
	// inputs are not modified
	assert.Equal(t, []any{"k"}, base["a"].(map[string]any)["y"])
}

func TestEncodeRoundTrip(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatTOML, FormatYAML} {
		t.Run(string(f), func(t *testing.T) {
			b, err := Encode(f, Defaults())
			require.NoError(t, err)
			tree, err := Parse(f, b)
			require.NoError(t, err)
			_, err = Decode(tree)
			require.NoError(t, err)
		})
	}
}

func TestUpdate(t *testing.T) {
	m := newTestManager(fsys.NewMemFS())
	var notified *Config
	m.OnChange(func(c *Config) { notified = c })

	before := m.Current()
	cfg, err := m.Update(func(c *Config) { c.Tasks.MaxConcurrent = 8 })
	require.NoError(t, err)
	assert.Equal(t, 8, m.Current().Tasks.MaxConcurrent)
	assert.Equal(t, 4, before.Tasks.MaxConcurrent)
	assert.Same(t, cfg, notified)

	_, err = m.Update(func(c *Config) { c.Versioning.CyclePolicy = "explode" })
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrConfigInvalid))
	assert.Equal(t, "unify", m.Current().Versioning.CyclePolicy)
}

func TestUpdate_ConcurrentUpdatesAllLand(t *testing.T) {
	m := newTestManager(fsys.NewMemFS())
	tree := m.Tree()

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Update(func(c *Config) {
				c.Plugins.Enabled = append(c.Plugins.Enabled, fmt.Sprintf("plugin-%02d", i))
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, m.Current().Plugins.Enabled, n)
	assert.Empty(t, cmp.Diff(tree, m.Tree()))
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monorepo.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"versioning": {"default_bump": "minor"}}`), 0o644))

	m := NewManager(Options{NoUserConfig: true, Debounce: 10 * time.Millisecond, Logger: logging.Discard()})
	_, err := m.Load(dir)
	require.NoError(t, err)
	require.Equal(t, "minor", m.Current().Versioning.DefaultBump)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(`{"versioning": {"default_bump": "major"}}`), 0o644)
		return m.Current().Versioning.DefaultBump == "major"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWatch_RequiresFile(t *testing.T) {
	m := newTestManager(fsys.NewMemFS())
	assert.True(t, errs.Is(m.Watch(context.Background()), errs.ErrConfigInvalid))
}
