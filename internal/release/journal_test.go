package release

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monorel/internal/config"
	"monorel/internal/fsys"
	"monorel/internal/semver"
)

func TestJournalRoundTrip(t *testing.T) {
	mfs := fsys.NewMemFS()
	j, err := NewJournal(mfs, "/repo")
	require.NoError(t, err)

	ids, err := j.ListRunIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	run := RunRecord{RunID: "b-run", StartedAt: releaseDay, Status: RunStarted, Versions: map[string]string{"core": "1.1.0"}}
	require.NoError(t, j.SaveRun(run))
	require.NoError(t, j.SaveRun(RunRecord{RunID: "a-run", StartedAt: releaseDay, Status: RunCompleted, Versions: map[string]string{}}))

	got, err := j.LoadRun("b-run")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", got.Versions["core"])
	assert.Equal(t, []string{}, got.Tags)

	ids, err = j.ListRunIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"a-run", "b-run"}, ids)

	require.NoError(t, j.SaveCheckpoint("b-run", Checkpoint{Step: StepApply, CompletedAt: releaseDay, Paths: []string{"/repo/packages/core/package.json"}}))
	cps, err := j.LoadCheckpoints("b-run")
	require.NoError(t, err)
	require.Contains(t, cps, StepApply)
	assert.Equal(t, []string{"/repo/packages/core/package.json"}, cps[StepApply].Paths)

	_, ok, err := j.LoadFailure("b-run")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJournalRejectsInvalidRecords(t *testing.T) {
	j, err := NewJournal(fsys.NewMemFS(), "/repo")
	require.NoError(t, err)

	assert.Error(t, j.SaveRun(RunRecord{RunID: "x", Status: RunStarted, Versions: map[string]string{}}))
	assert.Error(t, j.SaveRun(RunRecord{RunID: "../escape", StartedAt: releaseDay, Status: RunStarted, Versions: map[string]string{}}))
	assert.Error(t, j.SaveRun(RunRecord{RunID: "x", StartedAt: releaseDay, Status: "paused", Versions: map[string]string{}}))
	assert.Error(t, j.SaveCheckpoint("x", Checkpoint{Step: StepApply}))
	assert.Error(t, j.SaveFailure("x", Failure{Step: StepTasks}))

	_, err = NewJournal(nil, "/repo")
	assert.Error(t, err)
}

func TestJournalStrictRead(t *testing.T) {
	mfs := fsys.NewMemFSWith(map[string]string{
		"/repo/.monorel/runs/r1/run.json": `{"run_id":"r1","started_at":"2024-03-01T12:00:00Z","finished_at":null,"status":"started","versions":{},"tags":[],"extra":1}`,
	})
	j, err := NewJournal(mfs, "/repo")
	require.NoError(t, err)
	_, err = j.LoadRun("r1")
	assert.Error(t, err)
}

func TestReleaseIsJournaled(t *testing.T) {
	f := newFixture(t)
	f.addChangeset(t, "core-feature", "core", semver.Minor, "add streaming API")

	res, err := f.engine.Release(context.Background(), ReleaseOptions{})
	require.NoError(t, err)

	j, err := NewJournal(f.fs, "/repo")
	require.NoError(t, err)
	run, err := j.LoadRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, res.Commit, run.Commit)
	assert.Equal(t, res.Tags, run.Tags)
	assert.Equal(t, map[string]string{"app": "2.0.1", "core": "1.1.0", "ui": "1.0.1"}, run.Versions)
	require.NotNil(t, run.FinishedAt)
	assert.True(t, run.FinishedAt.Equal(releaseDay))

	cps, err := j.LoadCheckpoints(res.RunID)
	require.NoError(t, err)
	for _, s := range []Step{StepApply, StepChangelog, StepArchive, StepCommit, StepTag} {
		assert.Contains(t, cps, s)
	}
	assert.NotContains(t, cps, StepTasks)
}

func TestAbortedReleaseIsJournaled(t *testing.T) {
	f := newFixture(t)
	_, err := f.cfg.Update(func(c *config.Config) {
		c.Tasks.Default = []string{"build"}
		c.Tasks.Timeout = time.Minute
	})
	require.NoError(t, err)
	f.runner.fail = "build"
	f.addChangeset(t, "core-feature", "core", semver.Minor, "add streaming API")

	res, err := f.engine.Release(context.Background(), ReleaseOptions{})
	require.Error(t, err)

	j, err := NewJournal(f.fs, "/repo")
	require.NoError(t, err)
	run, err := j.LoadRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunAborted, run.Status)

	failure, ok, err := j.LoadFailure(res.RunID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StepTasks, failure.Step)
	assert.Equal(t, "task failed", failure.Kind)
}
