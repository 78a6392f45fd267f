package semver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"monorel/internal/errs"
)

// BumpKind orders bump categories: None < Snapshot < Patch < Minor < Major.
type BumpKind int

const (
	BumpNone BumpKind = iota
	BumpSnapshot
	BumpPatch
	BumpMinor
	BumpMajor
)

func (k BumpKind) String() string {
	switch k {
	case BumpSnapshot:
		return "snapshot"
	case BumpPatch:
		return "patch"
	case BumpMinor:
		return "minor"
	case BumpMajor:
		return "major"
	default:
		return "none"
	}
}

// ParseBumpKind parses a kind name.
func ParseBumpKind(s string) (BumpKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return BumpNone, nil
	case "snapshot":
		return BumpSnapshot, nil
	case "patch":
		return BumpPatch, nil
	case "minor":
		return BumpMinor, nil
	case "major":
		return BumpMajor, nil
	}
	return BumpNone, errs.New(errs.ErrInvalidVersion, "parse bump", "unknown bump kind %q", s)
}

// Bump is a version bump request. SHA is set only for snapshots.
type Bump struct {
	Kind BumpKind
	SHA  string
}

var (
	None  = Bump{Kind: BumpNone}
	Patch = Bump{Kind: BumpPatch}
	Minor = Bump{Kind: BumpMinor}
	Major = Bump{Kind: BumpMajor}
)

// Snapshot returns a snapshot bump for the given commit sha.
func Snapshot(sha string) Bump { return Bump{Kind: BumpSnapshot, SHA: sha} }

var shaRE = regexp.MustCompile(`^[0-9A-Za-z]+$`)

// Validate rejects snapshot bumps without a usable sha and unknown kinds.
func (b Bump) Validate() error {
	if b.Kind < BumpNone || b.Kind > BumpMajor {
		return errs.New(errs.ErrInvalidVersion, "validate bump", "unknown bump kind %d", int(b.Kind))
	}
	if b.Kind == BumpSnapshot && !shaRE.MatchString(b.SHA) {
		return errs.New(errs.ErrInvalidVersion, "validate bump", "snapshot requires an alphanumeric sha, got %q", b.SHA)
	}
	if b.Kind != BumpSnapshot && b.SHA != "" {
		return errs.New(errs.ErrInvalidVersion, "validate bump", "sha is only valid for snapshot bumps")
	}
	return nil
}

// IsNone reports whether b requests no change.
func (b Bump) IsNone() bool { return b.Kind == BumpNone }

// Less orders bumps by kind only.
func (b Bump) Less(o Bump) bool { return b.Kind < o.Kind }

func (b Bump) String() string {
	if b.Kind == BumpSnapshot {
		return "snapshot:" + b.SHA
	}
	return b.Kind.String()
}

// ParseBump parses "major", "minor", "patch", "none" or "snapshot:<sha>".
func ParseBump(s string) (Bump, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "snapshot:"); ok {
		b := Snapshot(rest)
		return b, b.Validate()
	}
	k, err := ParseBumpKind(s)
	if err != nil {
		return None, err
	}
	if k == BumpSnapshot {
		return None, errs.New(errs.ErrInvalidVersion, "parse bump", "snapshot requires a sha (snapshot:<sha>)")
	}
	return Bump{Kind: k}, nil
}

// Max returns the highest bump. Among equal kinds the first one wins.
func Max(bumps ...Bump) Bump {
	out := None
	for _, b := range bumps {
		if out.Less(b) {
			out = b
		}
	}
	return out
}

type snapshotJSON struct {
	Snapshot struct {
		SHA string `json:"sha"`
	} `json:"snapshot"`
}

// MarshalJSON encodes "major" | "minor" | "patch" | "none" | {"snapshot":{"sha":"…"}}.
func (b Bump) MarshalJSON() ([]byte, error) {
	if b.Kind == BumpSnapshot {
		var s snapshotJSON
		s.Snapshot.SHA = b.SHA
		return json.Marshal(s)
	}
	return json.Marshal(b.Kind.String())
}

func (b *Bump) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		k, err := ParseBumpKind(name)
		if err != nil {
			return err
		}
		if k == BumpSnapshot {
			return fmt.Errorf("snapshot bump must be an object")
		}
		*b = Bump{Kind: k}
		return nil
	}
	var s snapshotJSON
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return fmt.Errorf("decoding version bump: %w", err)
	}
	nb := Snapshot(s.Snapshot.SHA)
	if err := nb.Validate(); err != nil {
		return err
	}
	*b = nb
	return nil
}
