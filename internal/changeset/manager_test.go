package changeset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monorel/internal/errs"
	"monorel/internal/logging"
	"monorel/internal/semver"
)

func newManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	now := t0
	m := NewManager(NewMemoryStorage(), ManagerOptions{
		Packages:            []string{"@acme/core", "@acme/web"},
		Environments:        []string{"dev", "staging", "qa"},
		DefaultEnvironments: []string{"dev"},
		Now:                 func() time.Time { return now },
		Logger:              logging.Discard(),
	})
	return m, &now
}

func TestManagerCreate(t *testing.T) {
	m, _ := newManager(t)
	cs, err := m.Create(CreateRequest{
		Package:     "@acme/core",
		Bump:        semver.Minor,
		Description: "  add retry helper ",
		Branch:      "feature/retry",
		Author:      "dev@acme.test",
	})
	require.NoError(t, err)
	assert.Equal(t, "add retry helper", cs.Description)
	assert.Equal(t, []string{"dev"}, cs.DevelopmentEnvironments)
	assert.Equal(t, StatusPending, cs.Status.Kind)
	assert.Equal(t, t0, cs.CreatedAt)

	got, err := m.Get(cs.ID)
	require.NoError(t, err)
	assert.Equal(t, cs, got)
}

func TestManagerValidateCollectsProblems(t *testing.T) {
	m, _ := newManager(t)
	err := m.Validate(&Changeset{
		ID:                      "bad id",
		Package:                 "@acme/ghost",
		Bump:                    semver.Bump{Kind: semver.BumpSnapshot},
		DevelopmentEnvironments: []string{"moon"},
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrUnknownPackage))
	assert.True(t, errs.Is(err, errs.ErrInvalidChangeset))
	assert.Contains(t, err.Error(), "description is required")
	assert.Contains(t, err.Error(), `unknown environment "moon"`)
}

func TestManagerAddConflict(t *testing.T) {
	m, _ := newManager(t)
	cs := sample("dup")
	require.NoError(t, m.Add(cs))
	err := m.Add(cs)
	assert.True(t, errs.Is(err, errs.ErrChangesetConflict))
}

func TestManagerDeploymentLifecycle(t *testing.T) {
	m, now := newManager(t)
	cs := sample("life")
	require.NoError(t, m.Add(cs))

	got, err := m.MarkDeployed("life", []string{"dev"}, false)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyDeployed, got.Status.Kind)
	assert.Equal(t, []string{"dev"}, got.Status.Environments)

	_, err = m.MarkDeployed("life", []string{"moon"}, false)
	assert.True(t, errs.Is(err, errs.ErrInvalidChangeset))

	*now = t0.Add(time.Hour)
	got, err = m.MarkDeployed("life", []string{"staging"}, false)
	require.NoError(t, err)
	assert.Equal(t, StatusFullyDeployed, got.Status.Kind)
	assert.Equal(t, t0.Add(time.Hour), got.Status.DeployedAt)

	got, err = m.MarkMerged("life", "1.3.0")
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", got.Status.FinalVersion)
	_, err = m.MarkMerged("life", "1.3.0")
	assert.Error(t, err)
	_, err = m.MarkDeployed("life", []string{"dev"}, false)
	assert.Error(t, err)

	require.NoError(t, m.Archive("life", ReleaseInfo{Tag: "core@1.3.0"}))
	pending, err := m.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	rec, err := m.Storage().LoadArchived("life")
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", rec.Release.Version)
	assert.Equal(t, t0.Add(time.Hour), rec.Release.ReleasedAt)
}

func TestManagerProductionDeployCompletes(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.Add(sample("prod")))
	got, err := m.MarkDeployed("prod", nil, true)
	require.NoError(t, err)
	assert.Equal(t, StatusFullyDeployed, got.Status.Kind)
}

func TestManagerArchiveRequiresMerged(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.Add(sample("early")))
	err := m.Archive("early", ReleaseInfo{Version: "1.0.0"})
	assert.True(t, errs.Is(err, errs.ErrInvalidChangeset))
}

func TestManagerHistoryQueries(t *testing.T) {
	m, _ := newManager(t)
	archive := func(id, pkg string, bump semver.Bump, envs []string, prod bool, at time.Time) {
		cs := sample(id)
		cs.Package = pkg
		cs.Bump = bump
		cs.DevelopmentEnvironments = envs
		cs.ProductionDeployment = prod
		require.NoError(t, m.Add(cs))
		_, err := m.MarkMerged(id, "1.0.0")
		require.NoError(t, err)
		require.NoError(t, m.Archive(id, ReleaseInfo{Version: "1.0.0", ReleasedAt: at}))
	}
	archive("one", "@acme/core", semver.Patch, []string{"dev"}, false, t0)
	archive("two", "@acme/web", semver.Minor, []string{"qa"}, true, t0.AddDate(0, 1, 0))
	archive("three", "@acme/core", semver.Minor, nil, false, t0.AddDate(0, 2, 0))

	ids := func(list []*ArchivedChangeset, err error) []string {
		t.Helper()
		require.NoError(t, err)
		var out []string
		for _, a := range list {
			out = append(out, a.ID)
		}
		return out
	}

	assert.Equal(t, []string{"one", "three"}, ids(m.ByPackage("@acme/core")))
	assert.Equal(t, []string{"two", "three"}, ids(m.ByBump(semver.BumpMinor)))
	assert.Equal(t, []string{"two"}, ids(m.ByEnvironment(ProductionEnvironment)))
	assert.Equal(t, []string{"one"}, ids(m.ByEnvironment("dev")))
	assert.Equal(t, []string{"two", "three"}, ids(m.ByDate(t0.AddDate(0, 0, 1), time.Time{})))
	assert.Equal(t, []string{"one", "two"}, ids(m.ByDate(time.Time{}, t0.AddDate(0, 1, 0))))
}
