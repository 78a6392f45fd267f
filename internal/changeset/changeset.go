// Package changeset records intended version bumps and their deployment
// lifecycle: pending, partially deployed, fully deployed, merged, archived.
package changeset

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"monorel/internal/errs"
	"monorel/internal/semver"
)

// ProductionEnvironment is the environment name matched by
// ProductionDeployment in history queries.
const ProductionEnvironment = "production"

// StatusKind discriminates Status.
type StatusKind string

const (
	StatusPending           StatusKind = "pending"
	StatusPartiallyDeployed StatusKind = "partially_deployed"
	StatusFullyDeployed     StatusKind = "fully_deployed"
	StatusMerged            StatusKind = "merged"
)

// Status is the lifecycle state. Only the fields of the active kind are set.
type Status struct {
	Kind         StatusKind
	Environments []string
	DeployedAt   time.Time
	MergedAt     time.Time
	FinalVersion string
}

func Pending() Status { return Status{Kind: StatusPending} }

func PartiallyDeployed(envs []string) Status {
	return Status{Kind: StatusPartiallyDeployed, Environments: append([]string(nil), envs...)}
}

func FullyDeployed(at time.Time) Status { return Status{Kind: StatusFullyDeployed, DeployedAt: at} }

func Merged(at time.Time, version string) Status {
	return Status{Kind: StatusMerged, MergedAt: at, FinalVersion: version}
}

type partialJSON struct {
	Environments []string `json:"environments"`
}

type fullJSON struct {
	DeployedAt time.Time `json:"deployed_at"`
}

type mergedJSON struct {
	MergedAt     time.Time `json:"merged_at"`
	FinalVersion string    `json:"final_version"`
}

type statusJSON struct {
	PartiallyDeployed *partialJSON `json:"partially_deployed,omitempty"`
	FullyDeployed     *fullJSON    `json:"fully_deployed,omitempty"`
	Merged            *mergedJSON  `json:"merged,omitempty"`
}

func (s Status) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case StatusPending, "":
		return json.Marshal(string(StatusPending))
	case StatusPartiallyDeployed:
		envs := s.Environments
		if envs == nil {
			envs = []string{}
		}
		return json.Marshal(statusJSON{PartiallyDeployed: &partialJSON{Environments: envs}})
	case StatusFullyDeployed:
		return json.Marshal(statusJSON{FullyDeployed: &fullJSON{DeployedAt: s.DeployedAt}})
	case StatusMerged:
		return json.Marshal(statusJSON{Merged: &mergedJSON{MergedAt: s.MergedAt, FinalVersion: s.FinalVersion}})
	}
	return nil, fmt.Errorf("unknown changeset status %q", s.Kind)
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		if StatusKind(name) != StatusPending {
			return fmt.Errorf("unknown changeset status %q", name)
		}
		*s = Pending()
		return nil
	}
	var raw statusJSON
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decoding changeset status: %w", err)
	}
	set := 0
	for _, v := range []bool{raw.PartiallyDeployed != nil, raw.FullyDeployed != nil, raw.Merged != nil} {
		if v {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("changeset status object must hold exactly one variant, got %d", set)
	}
	switch {
	case raw.PartiallyDeployed != nil:
		*s = PartiallyDeployed(raw.PartiallyDeployed.Environments)
	case raw.FullyDeployed != nil:
		*s = FullyDeployed(raw.FullyDeployed.DeployedAt)
	default:
		*s = Merged(raw.Merged.MergedAt, raw.Merged.FinalVersion)
	}
	return nil
}

// Changeset is one intended bump of one package.
type Changeset struct {
	ID                      string      `json:"id"`
	Package                 string      `json:"package"`
	Bump                    semver.Bump `json:"version_bump"`
	Description             string      `json:"description"`
	Branch                  string      `json:"branch"`
	DevelopmentEnvironments []string    `json:"development_environments"`
	ProductionDeployment    bool        `json:"production_deployment"`
	CreatedAt               time.Time   `json:"created_at"`
	Author                  string      `json:"author"`
	Status                  Status      `json:"status"`
}

// Clone returns a deep copy.
func (c *Changeset) Clone() *Changeset {
	if c == nil {
		return nil
	}
	out := *c
	out.DevelopmentEnvironments = append([]string(nil), c.DevelopmentEnvironments...)
	if c.DevelopmentEnvironments != nil && out.DevelopmentEnvironments == nil {
		out.DevelopmentEnvironments = []string{}
	}
	out.Status.Environments = append([]string(nil), c.Status.Environments...)
	if c.Status.Environments != nil && out.Status.Environments == nil {
		out.Status.Environments = []string{}
	}
	return &out
}

// ReleaseInfo describes the release that consumed an archived changeset.
type ReleaseInfo struct {
	Version    string    `json:"version"`
	ReleasedAt time.Time `json:"released_at"`
	Tag        string    `json:"tag,omitempty"`
}

// ArchivedChangeset is the history record written on archive.
type ArchivedChangeset struct {
	Changeset
	Release ReleaseInfo `json:"release"`
}

var idRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidID reports whether id is usable as a file name.
func ValidID(id string) bool { return idRE.MatchString(id) && !strings.Contains(id, "..") }

func checkID(id string) error {
	if !ValidID(id) {
		return errs.New(errs.ErrInvalidChangeset, "changeset id", "%q is not a valid id", id)
	}
	return nil
}

var branchRE = regexp.MustCompile(`[^a-z0-9]+`)

// NewID derives an id from branch plus a random suffix.
func NewID(branch string) string {
	slug := strings.Trim(branchRE.ReplaceAllString(strings.ToLower(branch), "-"), "-")
	if slug == "" {
		slug = "changeset"
	}
	if len(slug) > 48 {
		slug = strings.TrimRight(slug[:48], "-")
	}
	return slug + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
