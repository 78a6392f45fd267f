// Package config loads, merges and validates monorel configuration.
//
// Configuration is read as a tree (map[string]any) from JSON, TOML or YAML
// files, layered as defaults < user file < project file, then decoded into
// Config and validated once.
package config

import (
	"maps"
	"slices"
	"time"

	"monorel/internal/changelog"
	"monorel/internal/dag"
)

// Config is the typed, validated configuration.
type Config struct {
	Versioning   Versioning `mapstructure:"versioning"`
	Tasks        Tasks      `mapstructure:"tasks"`
	Hooks        Hooks      `mapstructure:"hooks"`
	Changesets   Changesets `mapstructure:"changesets"`
	Changelog    Changelog  `mapstructure:"changelog"`
	Plugins      Plugins    `mapstructure:"plugins"`
	Environments []string   `mapstructure:"environments" validate:"unique,dive,required"`
	Workspace    Workspace  `mapstructure:"workspace"`
}

type Versioning struct {
	DefaultBump string `mapstructure:"default_bump" validate:"oneof=major minor patch none"`
	AutoTag     bool   `mapstructure:"auto_tag"`
	// TagPrefix goes between "<package>@" and the version in release tags.
	TagPrefix      string `mapstructure:"tag_prefix"`
	SnapshotFormat string `mapstructure:"snapshot_format" validate:"required,contains={sha}"`
	// SnapshotBase is the bump a snapshot is applied on top of.
	SnapshotBase           string `mapstructure:"snapshot_base" validate:"oneof=major minor patch"`
	Propagate              bool   `mapstructure:"propagate"`
	PropagationBump        string `mapstructure:"propagation_bump" validate:"oneof=major minor patch"`
	CyclePolicy            string `mapstructure:"cycle_policy" validate:"oneof=unify ignore error"`
	IncludeDevDependencies bool   `mapstructure:"include_dev_dependencies"`
}

type Tasks struct {
	// Default names the tasks run after a release. A name is either a task
	// definition or a package script.
	Default       []string      `mapstructure:"default" validate:"dive,required"`
	Parallel      bool          `mapstructure:"parallel"`
	MaxConcurrent int           `mapstructure:"max_concurrent" validate:"gte=1,lte=256"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gte=0"`
	FailFast      bool          `mapstructure:"fail_fast"`
	Definitions   []dag.Task    `mapstructure:"definitions" validate:"dive"`
}

// Concurrency is the effective worker count.
func (t Tasks) Concurrency() int {
	if !t.Parallel {
		return 1
	}
	return t.MaxConcurrent
}

// Definition returns the task definition called name.
func (t Tasks) Definition(name string) (dag.Task, bool) {
	for _, d := range t.Definitions {
		if d.Name == name {
			return d, true
		}
	}
	return dag.Task{}, false
}

type Hook struct {
	Enabled bool     `mapstructure:"enabled"`
	Tasks   []string `mapstructure:"tasks" validate:"dive,required"`
}

type Hooks struct {
	PreCommit Hook `mapstructure:"pre_commit"`
	PrePush   Hook `mapstructure:"pre_push"`
}

// Hook returns the hook called name ("pre-commit" or "pre_commit" style).
func (h Hooks) Hook(name string) (Hook, bool) {
	switch name {
	case "pre-commit", "pre_commit":
		return h.PreCommit, true
	case "pre-push", "pre_push":
		return h.PrePush, true
	}
	return Hook{}, false
}

type Changesets struct {
	Dir      string `mapstructure:"dir" validate:"required"`
	Required bool   `mapstructure:"required"`
	// AvailableEnvironments defaults to the top-level environments list.
	AvailableEnvironments []string `mapstructure:"available_environments" validate:"unique,dive,required"`
	DefaultEnvironments   []string `mapstructure:"default_environments" validate:"unique,dive,required"`
}

type Changelog struct {
	IncludeBreakingChanges bool                   `mapstructure:"include_breaking_changes"`
	GroupByScope           bool                   `mapstructure:"group_by_scope"`
	FileName               string                 `mapstructure:"file_name" validate:"required"`
	RepositoryURL          string                 `mapstructure:"repository_url" validate:"omitempty,url"`
	HeaderTemplate         string                 `mapstructure:"header_template" validate:"required"`
	Types                  []changelog.TypeConfig `mapstructure:"types" validate:"min=1,dive"`
}

type Plugins struct {
	Enabled []string `mapstructure:"enabled" validate:"dive,required"`
}

type Workspace struct {
	IncludePrivate bool     `mapstructure:"include_private"`
	Patterns       []string `mapstructure:"patterns" validate:"dive,required"`
	Exclude        []string `mapstructure:"exclude" validate:"dive,required"`
}

// EnvironmentNames are the environments a changeset may be deployed to.
func (c *Config) EnvironmentNames() []string {
	if len(c.Changesets.AvailableEnvironments) > 0 {
		return c.Changesets.AvailableEnvironments
	}
	return c.Environments
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Environments = slices.Clone(c.Environments)
	out.Tasks.Default = slices.Clone(c.Tasks.Default)
	out.Tasks.Definitions = make([]dag.Task, len(c.Tasks.Definitions))
	for i, d := range c.Tasks.Definitions {
		d.Dependencies = slices.Clone(d.Dependencies)
		d.Env = maps.Clone(d.Env)
		out.Tasks.Definitions[i] = d
	}
	out.Hooks.PreCommit.Tasks = slices.Clone(c.Hooks.PreCommit.Tasks)
	out.Hooks.PrePush.Tasks = slices.Clone(c.Hooks.PrePush.Tasks)
	out.Changesets.AvailableEnvironments = slices.Clone(c.Changesets.AvailableEnvironments)
	out.Changesets.DefaultEnvironments = slices.Clone(c.Changesets.DefaultEnvironments)
	out.Changelog.Types = slices.Clone(c.Changelog.Types)
	out.Plugins.Enabled = slices.Clone(c.Plugins.Enabled)
	out.Workspace.Patterns = slices.Clone(c.Workspace.Patterns)
	out.Workspace.Exclude = slices.Clone(c.Workspace.Exclude)
	return &out
}

// Defaults is the base layer of every configuration tree.
func Defaults() map[string]any {
	types := make([]any, 0, len(changelog.DefaultTypes()))
	for _, t := range changelog.DefaultTypes() {
		types = append(types, map[string]any{"type": t.Type, "title": t.Title, "include": t.Include})
	}
	return map[string]any{
		"versioning": map[string]any{
			"default_bump":             "patch",
			"auto_tag":                 true,
			"tag_prefix":               "",
			"snapshot_format":          "alpha.{sha}",
			"snapshot_base":            "patch",
			"propagate":                true,
			"propagation_bump":         "patch",
			"cycle_policy":             "unify",
			"include_dev_dependencies": true,
		},
		"tasks": map[string]any{
			"default":        []any{},
			"parallel":       true,
			"max_concurrent": 4,
			"timeout":        "10m",
			"fail_fast":      true,
			"definitions":    []any{},
		},
		"hooks": map[string]any{
			"pre_commit": map[string]any{"enabled": false, "tasks": []any{}},
			"pre_push":   map[string]any{"enabled": false, "tasks": []any{}},
		},
		"changesets": map[string]any{
			"dir":                    ".changesets",
			"required":               false,
			"available_environments": []any{},
			"default_environments":   []any{},
		},
		"changelog": map[string]any{
			"include_breaking_changes": true,
			"group_by_scope":           false,
			"file_name":                changelog.FileName,
			"repository_url":           "",
			"header_template":          changelog.DefaultHeader,
			"types":                    types,
		},
		"plugins":      map[string]any{"enabled": []any{}},
		"environments": []any{"development", "staging"},
		"workspace": map[string]any{
			"include_private": true,
			"patterns":        []any{},
			"exclude":         []any{},
		},
	}
}
