package release

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"monorel/internal/errs"
	"monorel/internal/fsys"
	"monorel/internal/resolve"
)

// JournalDir holds one directory per release run, relative to the workspace
// root:
//
//	<root>/.monorel/runs/<run-id>/run.json
//	<root>/.monorel/runs/<run-id>/steps/<step>.json
//	<root>/.monorel/runs/<run-id>/failure.json
const JournalDir = ".monorel/runs"

// RunStatus is the state of a journaled release.
type RunStatus string

const (
	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// Step names a checkpoint in the release sequence.
type Step string

const (
	StepApply     Step = "apply"
	StepChangelog Step = "changelog"
	StepTasks     Step = "tasks"
	StepArchive   Step = "archive"
	StepCommit    Step = "commit"
	StepTag       Step = "tag"
)

// RunRecord is the persistent metadata of one release.
type RunRecord struct {
	RunID      string            `json:"run_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at"`
	Status     RunStatus         `json:"status"`
	Snapshot   string            `json:"snapshot,omitempty"`
	Versions   map[string]string `json:"versions"`
	Commit     string            `json:"commit,omitempty"`
	Tags       []string          `json:"tags"`
}

func (r RunRecord) Validate() error {
	var problems []error
	if strings.TrimSpace(r.RunID) == "" {
		problems = append(problems, errors.New("run_id is required"))
	}
	if r.StartedAt.IsZero() {
		problems = append(problems, errors.New("started_at is required"))
	}
	switch r.Status {
	case RunStarted, RunCompleted, RunAborted:
	default:
		problems = append(problems, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.Versions == nil {
		problems = append(problems, errors.New("versions must be an object (not null)"))
	}
	return errors.Join(problems...)
}

// Checkpoint records a completed step and the files it wrote.
type Checkpoint struct {
	Step        Step      `json:"step"`
	CompletedAt time.Time `json:"completed_at"`
	Paths       []string  `json:"paths"`
}

func (c Checkpoint) Validate() error {
	var problems []error
	if strings.TrimSpace(string(c.Step)) == "" {
		problems = append(problems, errors.New("step is required"))
	}
	if c.CompletedAt.IsZero() {
		problems = append(problems, errors.New("completed_at is required"))
	}
	return errors.Join(problems...)
}

// Failure records why a release stopped.
type Failure struct {
	Step    Step      `json:"step"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (f Failure) Validate() error {
	var problems []error
	if strings.TrimSpace(string(f.Step)) == "" {
		problems = append(problems, errors.New("step is required"))
	}
	if strings.TrimSpace(f.Message) == "" {
		problems = append(problems, errors.New("message is required"))
	}
	return errors.Join(problems...)
}

// Journal persists release runs so an aborted release can be inspected:
// which steps finished, which files they touched and what failed.
type Journal struct {
	fs   fsys.FileSystem
	root string
}

// NewJournal stores runs under <workspaceRoot>/.monorel/runs.
func NewJournal(fs fsys.FileSystem, workspaceRoot string) (*Journal, error) {
	if fs == nil {
		return nil, errors.New("journal: nil file system")
	}
	if strings.TrimSpace(workspaceRoot) == "" {
		return nil, errors.New("journal: workspace root is required")
	}
	return &Journal{fs: fs, root: filepath.Join(workspaceRoot, filepath.FromSlash(JournalDir))}, nil
}

func (j *Journal) runDir(runID string) string { return filepath.Join(j.root, runID) }
func (j *Journal) runPath(runID string) string { return filepath.Join(j.runDir(runID), "run.json") }
func (j *Journal) failurePath(runID string) string { return filepath.Join(j.runDir(runID), "failure.json") }
func (j *Journal) stepsDir(runID string) string { return filepath.Join(j.runDir(runID), "steps") }
func (j *Journal) stepPath(runID string, s Step) string {
	return filepath.Join(j.stepsDir(runID), string(s)+".json")
}

func checkRunID(runID string) error {
	if strings.TrimSpace(runID) == "" || strings.ContainsAny(runID, `/\`) || strings.Contains(runID, "..") {
		return errs.New(errs.ErrFs, "journal", "invalid run id %q", runID)
	}
	return nil
}

func (j *Journal) write(path string, v any) error {
	if err := j.fs.MkdirAll(filepath.Dir(path)); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return j.fs.WriteString(path, string(append(b, '\n')))
}

func (j *Journal) read(path string, dst any) error {
	raw, err := j.fs.ReadString(path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.WrapPath(errs.ErrFs, "read journal", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errs.New(errs.ErrFs, "read journal", "%s: trailing content", path)
	}
	return nil
}

// ListRunIDs returns the journaled run ids, sorted.
func (j *Journal) ListRunIDs() ([]string, error) {
	ok, err := j.fs.Exists(j.root)
	if err != nil || !ok {
		return nil, err
	}
	entries, err := j.fs.ListEntries(j.root)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir && strings.TrimSpace(e.Name) != "" {
			ids = append(ids, e.Name)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (j *Journal) SaveRun(run RunRecord) error {
	if err := checkRunID(run.RunID); err != nil {
		return err
	}
	if run.Tags == nil {
		run.Tags = []string{}
	}
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	if err := j.write(j.runPath(run.RunID), run); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

func (j *Journal) LoadRun(runID string) (RunRecord, error) {
	if err := checkRunID(runID); err != nil {
		return RunRecord{}, err
	}
	var run RunRecord
	if err := j.read(j.runPath(runID), &run); err != nil {
		return RunRecord{}, err
	}
	if err := run.Validate(); err != nil {
		return RunRecord{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

func (j *Journal) SaveCheckpoint(runID string, cp Checkpoint) error {
	if err := checkRunID(runID); err != nil {
		return err
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}
	if cp.Paths == nil {
		cp.Paths = []string{}
	}
	if err := j.write(j.stepPath(runID, cp.Step), cp); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoints returns the completed steps of a run keyed by step.
func (j *Journal) LoadCheckpoints(runID string) (map[Step]Checkpoint, error) {
	if err := checkRunID(runID); err != nil {
		return nil, err
	}
	out := make(map[Step]Checkpoint)
	dir := j.stepsDir(runID)
	ok, err := j.fs.Exists(dir)
	if err != nil || !ok {
		return out, err
	}
	entries, err := j.fs.ListEntries(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		name, isJSON := strings.CutSuffix(e.Name, ".json")
		if e.IsDir || !isJSON || name == "" {
			continue
		}
		var cp Checkpoint
		if err := j.read(filepath.Join(dir, e.Name), &cp); err != nil {
			return nil, err
		}
		if err := cp.Validate(); err != nil {
			return nil, fmt.Errorf("invalid checkpoint on disk: %w", err)
		}
		out[cp.Step] = cp
	}
	return out, nil
}

func (j *Journal) SaveFailure(runID string, f Failure) error {
	if err := checkRunID(runID); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	if err := j.write(j.failurePath(runID), f); err != nil {
		return fmt.Errorf("write failure: %w", err)
	}
	return nil
}

// LoadFailure returns the failure of an aborted run; ok is false when the
// run did not fail.
func (j *Journal) LoadFailure(runID string) (f Failure, ok bool, err error) {
	if err := checkRunID(runID); err != nil {
		return Failure{}, false, err
	}
	path := j.failurePath(runID)
	exists, err := j.fs.Exists(path)
	if err != nil || !exists {
		return Failure{}, false, err
	}
	if err := j.read(path, &f); err != nil {
		return Failure{}, false, err
	}
	return f, true, nil
}

// kindName is the short name of err's taxonomy kind.
func kindName(err error) string {
	if k := errs.KindOf(err); k != nil {
		return k.Error()
	}
	return "internal"
}

// runLog journals one release. Journal write failures are logged and never
// fail the release. A nil runLog records nothing.
type runLog struct {
	j      *Journal
	rec    RunRecord
	now    func() time.Time
	logger *slog.Logger
}

func (e *Engine) startRun(root, runID, snapshot string, released []*resolve.PackagePlan, logger *slog.Logger) *runLog {
	j, err := NewJournal(e.opts.FS, root)
	if err != nil {
		logger.Warn("release journal disabled", "error", err)
		return nil
	}
	rl := &runLog{
		j: j,
		rec: RunRecord{
			RunID:     runID,
			StartedAt: e.opts.Now(),
			Status:    RunStarted,
			Snapshot:  snapshot,
			Versions:  make(map[string]string, len(released)),
		},
		now:    e.opts.Now,
		logger: logger,
	}
	for _, p := range released {
		rl.rec.Versions[p.Name] = p.New.String()
	}
	rl.save()
	return rl
}

func (rl *runLog) save() {
	if err := rl.j.SaveRun(rl.rec); err != nil {
		rl.logger.Warn("write release journal", "error", err)
	}
}

func (rl *runLog) step(s Step, paths []string) {
	if rl == nil {
		return
	}
	cp := Checkpoint{Step: s, CompletedAt: rl.now(), Paths: slices.Clone(paths)}
	if err := rl.j.SaveCheckpoint(rl.rec.RunID, cp); err != nil {
		rl.logger.Warn("write release checkpoint", "step", string(s), "error", err)
	}
}

// fail journals err against step s and returns it.
func (rl *runLog) fail(s Step, err error) error {
	if rl == nil || err == nil {
		return err
	}
	f := Failure{Step: s, Kind: kindName(err), Message: err.Error(), At: rl.now()}
	if werr := rl.j.SaveFailure(rl.rec.RunID, f); werr != nil {
		rl.logger.Warn("write release failure", "step", string(s), "error", werr)
	}
	at := rl.now()
	rl.rec.FinishedAt = &at
	rl.rec.Status = RunAborted
	rl.save()
	return err
}

func (rl *runLog) finish(res *Result) {
	if rl == nil {
		return
	}
	at := rl.now()
	rl.rec.FinishedAt = &at
	rl.rec.Status = RunCompleted
	rl.rec.Commit = res.Commit
	rl.rec.Tags = slices.Clone(res.Tags)
	rl.save()
}
