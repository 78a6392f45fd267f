package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monorel/internal/errs"
	"monorel/internal/fsys"
)

func fixedNow() time.Time { return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC) }

func sampleRepo() *fsys.MemFS {
	return fsys.NewMemFSWith(map[string]string{
		"/repo/package.json":                            `{"name":"root","private":true,"workspaces":["packages/*","apps/*","!packages/legacy"]}`,
		"/repo/yarn.lock":                               "",
		"/repo/packages/core/package.json":              `{"name":"@acme/core","version":"1.0.0","dependencies":{"lodash":"^4.17.21"}}`,
		"/repo/packages/ui/package.json":                `{"name":"@acme/ui","version":"1.0.0","dependencies":{"@acme/core":"^1.0.0","react":"^18.0.0"}}`,
		"/repo/packages/legacy/package.json":            `{"name":"@acme/legacy","version":"0.1.0"}`,
		"/repo/packages/ui/node_modules/x/package.json": `{"name":"x","version":"9.9.9"}`,
		"/repo/apps/web/package.json":                   `{"name":"web","version":"0.0.1","private":true,"devDependencies":{"@acme/ui":"workspace:*"}}`,
		"/repo/apps/web/src/index.ts":                   "export {}",
		"/repo/docs/guide/package.json":                 `{"name":"docs","version":"1.0.0"}`,
	})
}

func TestDiscover(t *testing.T) {
	opts := DefaultOptions()
	opts.Now = fixedNow
	ws, err := Discover(context.Background(), sampleRepo(), "/repo/apps/web/src", opts)
	require.NoError(t, err)

	assert.Equal(t, "/repo", ws.Root)
	assert.Equal(t, "yarn", ws.PackageManager)
	assert.Equal(t, []string{"@acme/core", "@acme/ui", "web"}, ws.Names())
	assert.Equal(t, fixedNow(), ws.DetectedAt)

	ui, ok := ws.Package("@acme/ui")
	require.True(t, ok)
	assert.Equal(t, "packages/ui", ui.RelDir)
	assert.Equal(t, "/repo/packages/ui/package.json", ui.ManifestPath)
	assert.Equal(t, []string{"@acme/core"}, ui.WorkspaceDeps)
	assert.Equal(t, map[string]string{"react": "^18.0.0"}, ui.ExternalDeps)

	web, _ := ws.Package("web")
	assert.True(t, web.Private)
	assert.Equal(t, []string{"@acme/ui"}, web.WorkspaceDevDeps)
	assert.Empty(t, web.WorkspaceDeps)

	p, ok := ws.PackageForPath("apps/web/src/index.ts")
	require.True(t, ok)
	assert.Equal(t, "web", p.Name)
	_, ok = ws.PackageForPath("docs/guide/README.md")
	assert.False(t, ok)
}

func TestDiscover_ExcludesPrivate(t *testing.T) {
	opts := DefaultOptions()
	opts.IncludePrivate = false
	ws, err := Discover(context.Background(), sampleRepo(), "/repo", opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"@acme/core", "@acme/ui"}, ws.Names())
}

func TestDiscover_DefaultPatternsAndPnpm(t *testing.T) {
	fs := fsys.NewMemFSWith(map[string]string{
		"/mono/pnpm-workspace.yaml":           "packages:\n  - 'libs/**'\n",
		"/mono/libs/a/package.json":           `{"name":"a","version":"1.0.0"}`,
		"/mono/libs/nested/b/package.json":    `{"name":"b","version":"2.0.0","dependencies":{"a":"workspace:^"}}`,
		"/mono/packages/ignored/package.json": `{"name":"ignored","version":"1.0.0"}`,
	})
	ws, err := Discover(context.Background(), fs, "/mono", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "pnpm", ws.PackageManager)
	assert.Equal(t, []string{"a", "b"}, ws.Names())
	assert.Equal(t, []string{"libs/**"}, ws.Patterns)

	fs = fsys.NewMemFSWith(map[string]string{
		"/mono/lerna.json":             `{"version":"independent"}`,
		"/mono/modules/m/package.json": `{"name":"m","version":"1.0.0"}`,
		"/mono/tools/t/package.json":   `{"name":"t","version":"1.0.0"}`,
	})
	ws, err = Discover(context.Background(), fs, "/mono", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, DefaultPatterns, ws.Patterns)
	assert.Equal(t, []string{"m"}, ws.Names())
}

func TestDiscover_Failures(t *testing.T) {
	ctx := context.Background()

	_, err := Discover(ctx, fsys.NewMemFSWith(map[string]string{"/x/package.json": `{"name":"x"}`}), "/x", DefaultOptions())
	assert.ErrorIs(t, err, errs.ErrWorkspaceNotFound)

	_, err = Discover(ctx, fsys.NewMemFSWith(map[string]string{"/x/package.json": `{"workspaces":["packages/*"]}`}), "/x", DefaultOptions())
	assert.ErrorIs(t, err, errs.ErrNoPackagesMatched)

	_, err = Discover(ctx, fsys.NewMemFSWith(map[string]string{
		"/x/package.json":            `{"workspaces":["packages/*"]}`,
		"/x/packages/a/package.json": `{"name":"a","version":`,
	}), "/x", DefaultOptions())
	assert.ErrorIs(t, err, errs.ErrMalformedManifest)
	assert.Contains(t, err.Error(), "/x/packages/a/package.json")

	_, err = Discover(ctx, fsys.NewMemFSWith(map[string]string{
		"/x/package.json":            `{"workspaces":["packages/*"]}`,
		"/x/packages/a/package.json": `{"name":"dup","version":"1.0.0"}`,
		"/x/packages/b/package.json": `{"name":"dup","version":"1.0.0"}`,
	}), "/x", DefaultOptions())
	assert.ErrorIs(t, err, errs.ErrDuplicatePackage)

	_, err = Discover(ctx, fsys.NewMemFSWith(map[string]string{
		"/x/package.json":            `{"workspaces":["packages/*"]}`,
		"/x/packages/a/package.json": `{"name":"a","version":"one"}`,
	}), "/x", DefaultOptions())
	assert.ErrorIs(t, err, errs.ErrInvalidVersion)
}

func TestDiscover_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Discover(ctx, sampleRepo(), "/repo", DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
}
