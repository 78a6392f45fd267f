package changeset

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"monorel/internal/errs"
	"monorel/internal/logging"
	"monorel/internal/semver"
)

// ManagerOptions configures validation and defaults.
type ManagerOptions struct {
	// Packages are the names a changeset may target.
	Packages []string
	// Environments are the development environments a changeset may list.
	Environments []string
	// DefaultEnvironments are applied when a new changeset lists none.
	DefaultEnvironments []string
	Now                 func() time.Time
	Logger              *slog.Logger
}

// Manager composes a Storage with validation and lifecycle transitions.
type Manager struct {
	storage      Storage
	packages     map[string]bool
	environments []string
	defaultEnvs  []string
	now          func() time.Time
	logger       *slog.Logger
}

// NewManager wraps storage.
func NewManager(storage Storage, opts ManagerOptions) *Manager {
	pk := make(map[string]bool, len(opts.Packages))
	for _, p := range opts.Packages {
		pk[p] = true
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		storage:      storage,
		packages:     pk,
		environments: append([]string(nil), opts.Environments...),
		defaultEnvs:  append([]string(nil), opts.DefaultEnvironments...),
		now:          now,
		logger:       logging.Or(opts.Logger, "changeset"),
	}
}

// Storage returns the underlying store.
func (m *Manager) Storage() Storage { return m.storage }

func (m *Manager) knownEnv(env string) bool {
	return slices.Contains(m.environments, env)
}

// Validate reports every problem with cs, joined.
func (m *Manager) Validate(cs *Changeset) error {
	if cs == nil {
		return errs.New(errs.ErrInvalidChangeset, "validate changeset", "nil changeset")
	}
	var problems []error
	if !ValidID(cs.ID) {
		problems = append(problems, errs.New(errs.ErrInvalidChangeset, "validate changeset", "id %q is not a valid file name", cs.ID))
	}
	if !m.packages[cs.Package] {
		problems = append(problems, errs.New(errs.ErrUnknownPackage, "validate changeset "+cs.ID, "%q", cs.Package))
	}
	if err := cs.Bump.Validate(); err != nil {
		problems = append(problems, errs.Wrap(errs.ErrInvalidChangeset, "validate changeset "+cs.ID, err))
	}
	if strings.TrimSpace(cs.Description) == "" {
		problems = append(problems, errs.New(errs.ErrInvalidChangeset, "validate changeset "+cs.ID, "description is required"))
	}
	for _, env := range cs.DevelopmentEnvironments {
		if !m.knownEnv(env) {
			problems = append(problems, errs.New(errs.ErrInvalidChangeset, "validate changeset "+cs.ID, "unknown environment %q", env))
		}
	}
	return errors.Join(problems...)
}

// CreateRequest is the author-supplied part of a new changeset.
type CreateRequest struct {
	Package      string
	Bump         semver.Bump
	Description  string
	Branch       string
	Author       string
	Environments []string
	Production   bool
}

// Create builds, validates and saves a new pending changeset.
func (m *Manager) Create(req CreateRequest) (*Changeset, error) {
	envs := req.Environments
	if len(envs) == 0 {
		envs = m.defaultEnvs
	}
	cs := &Changeset{
		ID:                      NewID(req.Branch),
		Package:                 req.Package,
		Bump:                    req.Bump,
		Description:             strings.TrimSpace(req.Description),
		Branch:                  req.Branch,
		DevelopmentEnvironments: append([]string{}, envs...),
		ProductionDeployment:    req.Production,
		CreatedAt:               m.now().UTC().Truncate(time.Second),
		Author:                  req.Author,
		Status:                  Pending(),
	}
	if err := m.Add(cs); err != nil {
		return nil, err
	}
	return cs, nil
}

// Add validates and stores cs. An id already in use is a conflict.
func (m *Manager) Add(cs *Changeset) error {
	if err := m.Validate(cs); err != nil {
		return err
	}
	exists, err := m.storage.Exists(cs.ID)
	if err != nil {
		return err
	}
	if exists {
		return errs.New(errs.ErrChangesetConflict, "add changeset", "id %q already exists", cs.ID)
	}
	if err := m.storage.Save(cs); err != nil {
		return err
	}
	m.logger.Info("changeset added", "id", cs.ID, "package", cs.Package, "bump", cs.Bump.String())
	return nil
}

// Get loads a pending changeset.
func (m *Manager) Get(id string) (*Changeset, error) { return m.storage.Load(id) }

// Pending lists changesets not yet archived.
func (m *Manager) Pending() ([]*Changeset, error) { return m.storage.ListPending() }

// Remove deletes a pending changeset.
func (m *Manager) Remove(id string) error { return m.storage.Delete(id) }

// MarkDeployed records deployment to envs (and production when set). The
// changeset becomes fully deployed once production or every listed
// environment is covered.
func (m *Manager) MarkDeployed(id string, envs []string, production bool) (*Changeset, error) {
	cs, err := m.storage.Load(id)
	if err != nil {
		return nil, err
	}
	for _, env := range envs {
		if !m.knownEnv(env) {
			return nil, errs.New(errs.ErrInvalidChangeset, "deploy changeset "+id, "unknown environment %q", env)
		}
	}

	var deployed []string
	switch cs.Status.Kind {
	case StatusPending:
	case StatusPartiallyDeployed:
		deployed = append(deployed, cs.Status.Environments...)
	case StatusFullyDeployed:
		return cs, nil
	default:
		return nil, errs.New(errs.ErrInvalidChangeset, "deploy changeset "+id, "cannot deploy from status %s", cs.Status.Kind)
	}
	for _, env := range envs {
		if !slices.Contains(deployed, env) {
			deployed = append(deployed, env)
		}
	}

	complete := production
	if !complete && !cs.ProductionDeployment {
		complete = len(cs.DevelopmentEnvironments) > 0
		for _, env := range cs.DevelopmentEnvironments {
			if !slices.Contains(deployed, env) {
				complete = false
				break
			}
		}
	}
	if complete {
		cs.Status = FullyDeployed(m.now().UTC().Truncate(time.Second))
	} else {
		cs.Status = PartiallyDeployed(deployed)
	}
	if err := m.storage.Save(cs); err != nil {
		return nil, err
	}
	m.logger.Info("changeset deployed", "id", id, "status", string(cs.Status.Kind))
	return cs, nil
}

// MarkMerged records the release that consumed the changeset.
func (m *Manager) MarkMerged(id, finalVersion string) (*Changeset, error) {
	cs, err := m.storage.Load(id)
	if err != nil {
		return nil, err
	}
	if cs.Status.Kind == StatusMerged {
		return nil, errs.New(errs.ErrInvalidChangeset, "merge changeset "+id, "already merged as %s", cs.Status.FinalVersion)
	}
	cs.Status = Merged(m.now().UTC().Truncate(time.Second), finalVersion)
	if err := m.storage.Save(cs); err != nil {
		return nil, err
	}
	return cs, nil
}

// Archive moves a merged changeset to history.
func (m *Manager) Archive(id string, info ReleaseInfo) error {
	cs, err := m.storage.Load(id)
	if err != nil {
		return err
	}
	if cs.Status.Kind != StatusMerged {
		return errs.New(errs.ErrInvalidChangeset, "archive changeset "+id, "status is %s, want merged", cs.Status.Kind)
	}
	if info.ReleasedAt.IsZero() {
		info.ReleasedAt = cs.Status.MergedAt
	}
	if info.Version == "" {
		info.Version = cs.Status.FinalVersion
	}
	if err := m.storage.Archive(cs, info); err != nil {
		return fmt.Errorf("archiving %s: %w", id, err)
	}
	m.logger.Info("changeset archived", "id", id, "version", info.Version)
	return nil
}

func (m *Manager) history(keep func(*ArchivedChangeset) bool) ([]*ArchivedChangeset, error) {
	all, err := m.storage.ListArchived()
	if err != nil {
		return nil, err
	}
	var out []*ArchivedChangeset
	for _, a := range all {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

// ByDate returns archived changesets released within [from, to]. A zero bound
// is open.
func (m *Manager) ByDate(from, to time.Time) ([]*ArchivedChangeset, error) {
	return m.history(func(a *ArchivedChangeset) bool {
		at := a.Release.ReleasedAt
		return (from.IsZero() || !at.Before(from)) && (to.IsZero() || !at.After(to))
	})
}

// ByPackage returns archived changesets of one package.
func (m *Manager) ByPackage(name string) ([]*ArchivedChangeset, error) {
	return m.history(func(a *ArchivedChangeset) bool { return a.Package == name })
}

// ByEnvironment returns archived changesets that targeted env. The name
// "production" matches production deployments.
func (m *Manager) ByEnvironment(env string) ([]*ArchivedChangeset, error) {
	return m.history(func(a *ArchivedChangeset) bool {
		if env == ProductionEnvironment && a.ProductionDeployment {
			return true
		}
		return slices.Contains(a.DevelopmentEnvironments, env)
	})
}

// ByBump returns archived changesets of one bump kind.
func (m *Manager) ByBump(kind semver.BumpKind) ([]*ArchivedChangeset, error) {
	return m.history(func(a *ArchivedChangeset) bool { return a.Bump.Kind == kind })
}
