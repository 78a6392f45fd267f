package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monorel/internal/config"
	"monorel/internal/errs"
	"monorel/internal/fsys"
	"monorel/internal/process"
	"monorel/internal/vcs"
)

type scriptRunner struct {
	mu   sync.Mutex
	ran  []string
	fail string
}

func (r *scriptRunner) Run(_ context.Context, c process.Command) (*process.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, c.Command)
	if r.fail != "" && strings.Contains(c.Command, r.fail) {
		return &process.Result{ExitCode: 2, Stderr: []byte("boom")}, nil
	}
	return &process.Result{}, nil
}

type harness struct {
	fs     *fsys.MemFS
	repo   *vcs.Memory
	runner *scriptRunner
}

func newHarness(extra map[string]string) *harness {
	files := map[string]string{
		"/repo/package.json":               `{"private":true,"workspaces":["packages/*"]}`,
		"/repo/packages/core/package.json": "{\n  \"name\": \"core\",\n  \"version\": \"1.0.0\",\n  \"scripts\": {\n    \"test\": \"jest\"\n  }\n}\n",
		"/repo/packages/ui/package.json":   "{\n  \"name\": \"ui\",\n  \"version\": \"0.3.0\",\n  \"dependencies\": {\n    \"core\": \"^1.0.0\"\n  },\n  \"scripts\": {\n    \"test\": \"jest\"\n  }\n}\n",
	}
	for k, v := range extra {
		files[k] = v
	}
	repo := vcs.NewMemory("feature/login")
	repo.AddCommit("chore: init", vcs.FileChange{Path: "package.json", Status: vcs.Added})
	return &harness{fs: fsys.NewMemFSWith(files), repo: repo, runner: &scriptRunner{}}
}

func (h *harness) run(t *testing.T, args ...string) (CLIResult, string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	res, err := Run(context.Background(), args, Env{
		Stdout:        &stdout,
		Stderr:        &stderr,
		WorkDir:       "/repo",
		FS:            h.fs,
		Repo:          h.repo,
		Runner:        h.runner,
		UserConfigDir: "-",
		Now:           func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) },
	})
	return res, stdout.String(), stderr.String(), err
}

func (h *harness) addChangeset(t *testing.T, pkg, bump, msg string) string {
	t.Helper()
	res, out, _, err := h.run(t, "--json", "changeset", "add", "-p", pkg, "-b", bump, "-m", msg)
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, res.ExitCode)
	var cs struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &cs))
	require.True(t, strings.HasPrefix(cs.ID, "feature-login-"), cs.ID)
	return cs.ID
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"invocation", invalidInvocationf("bad"), ExitInvalidInvocation},
		{"config", config.ValidationErrors{{Path: "tasks.timeout", Message: "bad"}}, ExitConfigError},
		{"workspace", errs.New(errs.ErrWorkspaceNotFound, "discover", "none"), ExitConfigError},
		{"task", errs.New(errs.ErrTaskFailed, "run tasks", "build"), ExitFailure},
		{"wrapped task", errors.Join(errors.New("release"), errs.New(errs.ErrTaskTimedOut, "run", "x")), ExitFailure},
		{"unknown package", errs.New(errs.ErrUnknownPackage, "changeset", "nope"), ExitInvalidInvocation},
		{"fs", errs.New(errs.ErrFs, "write", "disk full"), ExitInternalError},
		{"plain", errors.New("boom"), ExitInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExitCode(tc.err))
		})
	}
}

func TestUsageErrors(t *testing.T) {
	h := newHarness(nil)
	for _, args := range [][]string{
		{"frobnicate"},
		{"changeset", "add", "-p", "core"},
		{"plan", "--no-such-flag"},
		{"run"},
		{"changeset", "deploy", "some-id"},
		{"changeset", "add", "-p", "core", "-b", "huge", "-m", "x"},
		{"config", "show", "--format", "ini"},
	} {
		res, _, _, err := h.run(t, args...)
		require.Error(t, err, args)
		assert.Equal(t, ExitInvalidInvocation, res.ExitCode, args)
	}
}

func TestChangesetAddAndList(t *testing.T) {
	h := newHarness(nil)
	id := h.addChangeset(t, "core", "minor", "add login flow")

	_, out, _, err := h.run(t, "changeset", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "add login flow")

	_, out, _, err = h.run(t, "changeset", "list", "-p", "ui")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending changesets.")

	res, _, _, err := h.run(t, "changeset", "add", "-p", "nope", "-b", "patch", "-m", "x")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidInvocation, res.ExitCode)
}

func TestChangesetDeploy(t *testing.T) {
	h := newHarness(nil)
	id := h.addChangeset(t, "core", "patch", "fix typo")

	_, out, _, err := h.run(t, "changeset", "deploy", id, "--env", "staging")
	require.NoError(t, err)
	assert.Contains(t, out, "partially_deployed")

	_, out, _, err = h.run(t, "changeset", "deploy", id, "--production")
	require.NoError(t, err)
	assert.Contains(t, out, "fully_deployed")

	res, _, _, err := h.run(t, "changeset", "deploy", "missing-id", "--env", "staging")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, res.ExitCode)
}

func TestPlan(t *testing.T) {
	h := newHarness(nil)
	_, out, _, err := h.run(t, "plan")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending releases.")

	h.addChangeset(t, "core", "minor", "add login flow")
	_, out, _, err = h.run(t, "plan")
	require.NoError(t, err)
	assert.Contains(t, out, "1.1.0")
	assert.Contains(t, out, "0.3.1")

	_, out, _, err = h.run(t, "--json", "plan")
	require.NoError(t, err)
	var plan struct {
		Packages map[string]struct {
			New string `json:"new"`
		} `json:"packages"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, "1.1.0", plan.Packages["core"].New)
	assert.Equal(t, "0.3.1", plan.Packages["ui"].New)
}

func TestReleaseDryRun(t *testing.T) {
	h := newHarness(nil)
	h.addChangeset(t, "core", "major", "drop node 16")
	before := h.fs.Files()

	res, out, _, err := h.run(t, "release", "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)
	assert.Contains(t, out, "would write /repo/packages/core/package.json")
	assert.Equal(t, before, h.fs.Files())
}

func TestRelease(t *testing.T) {
	h := newHarness(map[string]string{
		"/repo/monorepo.yaml": "tasks:\n  default: [test]\n",
	})
	h.addChangeset(t, "core", "minor", "add login flow")

	res, out, _, err := h.run(t, "release")
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)
	assert.Contains(t, out, "tagged core@1.1.0")
	assert.Contains(t, out, "tagged ui@0.3.1")
	assert.Equal(t, []string{"core@1.1.0", "ui@0.3.1"}, h.repo.Tags())
	assert.Equal(t, []string{"npm run test", "npm run test"}, h.runner.ran)

	log, err := h.fs.ReadString("/repo/packages/core/CHANGELOG.md")
	require.NoError(t, err)
	assert.Contains(t, log, "add login flow")
}

func TestReleaseTaskFailure(t *testing.T) {
	h := newHarness(map[string]string{
		"/repo/monorepo.yaml": "tasks:\n  default: [test]\n",
	})
	h.runner.fail = "test"
	h.addChangeset(t, "core", "patch", "fix typo")

	res, out, _, err := h.run(t, "release")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.Contains(t, out, "failed")
	assert.Empty(t, h.repo.Tags())
}

func TestRun(t *testing.T) {
	h := newHarness(nil)
	res, out, _, err := h.run(t, "run", "test", "-p", "ui")
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)
	assert.Contains(t, out, "ui#test")
	assert.Equal(t, []string{"npm run test"}, h.runner.ran)

	res, _, _, err = h.run(t, "run", "lint")
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, res.ExitCode)
}

func TestGraph(t *testing.T) {
	h := newHarness(nil)
	_, out, _, err := h.run(t, "graph")
	require.NoError(t, err)
	assert.Contains(t, out, "core")
	assert.Contains(t, out, "0.3.0")

	_, out, _, err = h.run(t, "graph", "--cycles")
	require.NoError(t, err)
	assert.Contains(t, out, "No dependency cycles.")
}

func TestAffected(t *testing.T) {
	h := newHarness(nil)
	h.repo.Touch(vcs.FileChange{Path: "packages/core/src/index.ts", Status: vcs.Modified})

	_, out, _, err := h.run(t, "affected")
	require.NoError(t, err)
	assert.Equal(t, "core\nui\n", out)
}

func TestHook(t *testing.T) {
	h := newHarness(map[string]string{
		"/repo/monorepo.toml": "[hooks.pre_commit]\nenabled = true\ntasks = [\"test\"]\n\n[changesets]\nrequired = true\n",
	})
	h.repo.Touch(vcs.FileChange{Path: "packages/ui/src/app.ts", Status: vcs.Modified})

	_, _, _, err := h.run(t, "hook", "pre-commit")
	require.NoError(t, err)
	assert.Equal(t, []string{"npm run test"}, h.runner.ran)

	res, _, _, err := h.run(t, "hook", "pre-push")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.Contains(t, err.Error(), "ui")
}

func TestConfigCommands(t *testing.T) {
	h := newHarness(map[string]string{
		"/repo/monorepo.json": `{"versioning":{"tag_prefix":"v"}}`,
	})
	_, out, _, err := h.run(t, "config", "show", "--format", "json")
	require.NoError(t, err)
	var tree map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &tree))
	assert.Equal(t, "v", tree["versioning"].(map[string]any)["tag_prefix"])

	_, out, _, err = h.run(t, "config", "validate")
	require.NoError(t, err)
	assert.Equal(t, "/repo/monorepo.json: ok\n", out)
}

func TestConfigValidateReportsProblems(t *testing.T) {
	h := newHarness(map[string]string{
		"/repo/monorepo.json": `{"versioning":{"cycle_policy":"sometimes"},"bogus":1}`,
	})
	res, _, stderr, err := h.run(t, "config", "validate")
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, res.ExitCode)
	assert.Contains(t, stderr, "bogus")
	assert.Contains(t, stderr, "versioning.cycle_policy")
}

func TestWorkspaceNotFound(t *testing.T) {
	h := newHarness(nil)
	var stdout bytes.Buffer
	res, err := Run(context.Background(), []string{"graph"}, Env{
		Stdout:        &stdout,
		Stderr:        &bytes.Buffer{},
		WorkDir:       "/",
		FS:            h.fs,
		Repo:          h.repo,
		UserConfigDir: "-",
	})
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, res.ExitCode)
}

func TestRuns(t *testing.T) {
	h := newHarness(nil)
	_, out, _, err := h.run(t, "runs")
	require.NoError(t, err)
	assert.NotContains(t, out, "completed")

	h.addChangeset(t, "core", "patch", "fix typo")
	_, out, _, err = h.run(t, "--json", "release")
	require.NoError(t, err)
	var rel struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rel))

	_, out, _, err = h.run(t, "runs")
	require.NoError(t, err)
	assert.Contains(t, out, rel.RunID)
	assert.Contains(t, out, "completed")

	_, out, _, err = h.run(t, "runs", rel.RunID)
	require.NoError(t, err)
	assert.Contains(t, out, "Status:  completed")
	assert.Contains(t, out, "core")
	assert.Contains(t, out, "1.0.1")

	res, _, _, err := h.run(t, "runs", "a", "b")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidInvocation, res.ExitCode)
}
