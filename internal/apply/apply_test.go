package apply

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monorel/internal/changeset"
	"monorel/internal/errs"
	"monorel/internal/fsys"
	"monorel/internal/graph"
	"monorel/internal/logging"
	"monorel/internal/resolve"
	"monorel/internal/semver"
	"monorel/internal/workspace"
)

const (
	coreManifest = "{\n  \"name\": \"core\",\n  \"version\": \"1.0.0\"\n}\n"
	uiManifest   = "{\n  \"name\": \"ui\",\n  \"version\": \"1.0.0\",\n  \"dependencies\": {\n    \"core\": \"^1.0.0\"\n  }\n}\n"
	appManifest  = "{\n  \"name\": \"app\",\n  \"version\": \"1.0.0\",\n  \"dependencies\": {\n    \"ui\": \"^1.0.0\",\n    \"left-pad\": \"1.3.0\"\n  }\n}\n"
)

func repo() *fsys.MemFS {
	return fsys.NewMemFSWith(map[string]string{
		"/repo/package.json":               `{"private":true,"workspaces":["packages/*"]}`,
		"/repo/packages/core/package.json": coreManifest,
		"/repo/packages/ui/package.json":   uiManifest,
		"/repo/packages/app/package.json":  appManifest,
	})
}

func planFor(t *testing.T, mfs *fsys.MemFS, changesets ...*changeset.Changeset) (*workspace.Workspace, *resolve.Plan) {
	t.Helper()
	ws, err := workspace.Discover(context.Background(), mfs, "/repo", workspace.DefaultOptions())
	require.NoError(t, err)
	g := graph.Build(ws, graph.Options{})
	plan, err := resolve.New(ws, g, resolve.DefaultPolicy(), logging.Discard()).Resolve(resolve.Input{Changesets: changesets})
	require.NoError(t, err)
	return ws, plan
}

func minorCore() *changeset.Changeset {
	return &changeset.Changeset{
		ID:          "core-minor",
		Package:     "core",
		Bump:        semver.Minor,
		Description: "add feature",
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:      changeset.Pending(),
	}
}

func TestApplyWritesAllManifests(t *testing.T) {
	mfs := repo()
	ws, plan := planFor(t, mfs, minorCore())

	res, err := New(mfs, logging.Discard()).Apply(context.Background(), plan, ws, Options{})
	require.NoError(t, err)
	require.Len(t, res.Changes, 3)

	files := mfs.Files()
	assert.Equal(t, "{\n  \"name\": \"core\",\n  \"version\": \"1.1.0\"\n}\n", files["/repo/packages/core/package.json"])
	assert.Equal(t, "{\n  \"name\": \"ui\",\n  \"version\": \"1.0.1\",\n  \"dependencies\": {\n    \"core\": \"^1.1.0\"\n  }\n}\n", files["/repo/packages/ui/package.json"])
	assert.Equal(t, "{\n  \"name\": \"app\",\n  \"version\": \"1.0.1\",\n  \"dependencies\": {\n    \"ui\": \"^1.0.1\",\n    \"left-pad\": \"1.3.0\"\n  }\n}\n", files["/repo/packages/app/package.json"])

	var ui AppliedChange
	for _, c := range res.Changes {
		if c.Package == "ui" {
			ui = c
		}
	}
	assert.Equal(t, "1.0.0", ui.OldVersion)
	assert.Equal(t, "1.0.1", ui.NewVersion)
	assert.Equal(t, []string{"dependencies.core"}, ui.TouchedDependencies)

	core, _ := ws.Package("core")
	assert.Equal(t, "1.1.0", core.Version.String())
}

func TestApplyThenResolveIsEmpty(t *testing.T) {
	mfs := repo()
	ws, plan := planFor(t, mfs, minorCore())
	_, err := New(mfs, nil).Apply(context.Background(), plan, ws, Options{})
	require.NoError(t, err)

	_, again := planFor(t, mfs)
	assert.True(t, again.Empty())
}

func TestDryRunWritesNothing(t *testing.T) {
	mfs := repo()
	ws, plan := planFor(t, mfs, minorCore())

	res, err := New(mfs, nil).Apply(context.Background(), plan, ws, Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Empty(t, mfs.Writes())
	require.Len(t, res.Writes, 3)
	assert.Equal(t, "/repo/packages/app/package.json", res.Writes[0].Path)
	assert.Equal(t, appManifest, res.Writes[0].Before)
	assert.Contains(t, res.Writes[0].After, `"ui": "^1.0.1"`)

	core, _ := ws.Package("core")
	assert.Equal(t, "1.0.0", core.Version.String())
}

func TestApplyDetectsStaleManifest(t *testing.T) {
	mfs := repo()
	ws, plan := planFor(t, mfs, minorCore())
	require.NoError(t, mfs.WriteString("/repo/packages/ui/package.json", `{"name":"ui","version":"1.0.5","dependencies":{"core":"^1.0.0"}}`))
	before := len(mfs.Writes())

	_, err := New(mfs, nil).Apply(context.Background(), plan, ws, Options{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrApplyConflict))
	assert.Len(t, mfs.Writes(), before)
}

func TestApplyRollsBackOnWriteFailure(t *testing.T) {
	mfs := repo()
	ws, plan := planFor(t, mfs, minorCore())
	boom := errors.New("disk full")
	mfs.FailWrite = func(path string) error {
		if path == "/repo/packages/ui/package.json" {
			return boom
		}
		return nil
	}

	_, err := New(mfs, nil).Apply(context.Background(), plan, ws, Options{})
	require.Error(t, err)
	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.True(t, errs.Is(err, errs.ErrFs))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"/repo/packages/app/package.json", "/repo/packages/core/package.json"}, applyErr.Restored)
	assert.Empty(t, applyErr.Unrestored)

	files := mfs.Files()
	assert.Equal(t, coreManifest, files["/repo/packages/core/package.json"])
	assert.Equal(t, uiManifest, files["/repo/packages/ui/package.json"])
	assert.Equal(t, appManifest, files["/repo/packages/app/package.json"])

	core, _ := ws.Package("core")
	assert.Equal(t, "1.0.0", core.Version.String())
}

func TestApplyHonoursCancellationBeforeFlush(t *testing.T) {
	mfs := repo()
	ws, plan := planFor(t, mfs, minorCore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(mfs, nil).Apply(ctx, plan, ws, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, mfs.Writes())
}

func TestValidateRejectsStaleExactPin(t *testing.T) {
	mfs := fsys.NewMemFSWith(map[string]string{
		"/repo/package.json":               `{"private":true,"workspaces":["packages/*"]}`,
		"/repo/packages/core/package.json": `{"name":"core","version":"1.0.0"}`,
		"/repo/packages/ui/package.json":   `{"name":"ui","version":"1.0.0","dependencies":{"core":"1.0.0"}}`,
	})
	ws, plan := planFor(t, mfs, minorCore())
	// Drop the range rewrite so the pin would be left behind.
	plan.Packages["ui"].DependencyUpdates = nil

	_, err := New(mfs, nil).Apply(context.Background(), plan, ws, Options{DryRun: true})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrApplyConflict))
	assert.Contains(t, err.Error(), "pins core@1.0.0")
}

func TestEmptyPlan(t *testing.T) {
	mfs := repo()
	ws, plan := planFor(t, mfs)
	res, err := New(mfs, nil).Apply(context.Background(), plan, ws, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Changes)
	assert.Empty(t, mfs.Writes())
}

func TestApplyVersionlessPrivateDependent(t *testing.T) {
	web := "{\n  \"name\": \"web\",\n  \"private\": true,\n  \"dependencies\": {\n    \"core\": \"^1.0.0\"\n  }\n}\n"
	mfs := fsys.NewMemFSWith(map[string]string{
		"/repo/package.json":               `{"private":true,"workspaces":["packages/*"]}`,
		"/repo/packages/core/package.json": coreManifest,
		"/repo/packages/web/package.json":  web,
	})
	ws, plan := planFor(t, mfs, minorCore())

	wp := plan.Packages["web"]
	require.NotNil(t, wp)
	assert.False(t, wp.Released())
	assert.True(t, wp.Unversioned)
	require.Len(t, plan.Released(), 1)

	res, err := New(mfs, logging.Discard()).Apply(context.Background(), plan, ws, Options{})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"name\": \"web\",\n  \"private\": true,\n  \"dependencies\": {\n    \"core\": \"^1.1.0\"\n  }\n}\n", mfs.Files()["/repo/packages/web/package.json"])

	for _, c := range res.Changes {
		if c.Package == "web" {
			assert.Empty(t, c.OldVersion)
			assert.Empty(t, c.NewVersion)
			assert.Equal(t, []string{"dependencies.core"}, c.TouchedDependencies)
		}
	}
}
