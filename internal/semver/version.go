// Package semver parses, compares and bumps semantic versions.
package semver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	xsemver "golang.org/x/mod/semver"

	"monorel/internal/errs"
)

var versionRE = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
	`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?` +
	`(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

// Version is a parsed MAJOR.MINOR.PATCH[-pre][+build] version.
type Version struct {
	Major      uint64
	Minor      uint64
	Patch      uint64
	Prerelease string
	Build      string
}

// Parse parses s strictly: no leading "v", no leading zeros in numeric identifiers.
func Parse(s string) (Version, error) {
	m := versionRE.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Version{}, errs.New(errs.ErrInvalidVersion, "parse version", "%q", s)
	}
	var v Version
	nums := []*uint64{&v.Major, &v.Minor, &v.Patch}
	for i, dst := range nums {
		n, err := strconv.ParseUint(m[i+1], 10, 64)
		if err != nil {
			return Version{}, &errs.Error{Kind: errs.ErrInvalidVersion, Op: "parse version", Msg: fmt.Sprintf("%q", s), Err: err}
		}
		*dst = n
	}
	v.Prerelease = m[4]
	v.Build = m[5]
	return v, nil
}

func (v Version) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		b.WriteByte('-')
		b.WriteString(v.Prerelease)
	}
	if v.Build != "" {
		b.WriteByte('+')
		b.WriteString(v.Build)
	}
	return b.String()
}

// IsZero reports whether v is the zero value.
func (v Version) IsZero() bool { return v == Version{} }

// Compare returns -1, 0 or +1 following semver precedence. Build metadata is ignored.
func (v Version) Compare(o Version) int {
	return xsemver.Compare("v"+v.String(), "v"+o.String())
}

// Less reports whether v has lower precedence than o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// BumpMajor zeroes minor and patch and clears pre-release and build.
func (v Version) BumpMajor() Version { return Version{Major: v.Major + 1} }

// BumpMinor zeroes patch and clears pre-release and build.
func (v Version) BumpMinor() Version { return Version{Major: v.Major, Minor: v.Minor + 1} }

// BumpPatch increments patch and clears pre-release and build.
func (v Version) BumpPatch() Version {
	return Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch + 1}
}

// BumpSnapshot keeps the numeric core and sets the pre-release to alpha.<sha7>.
func (v Version) BumpSnapshot(sha string) Version {
	return v.WithPrerelease(FormatSnapshot(DefaultSnapshotFormat, sha))
}

// WithPrerelease returns v with the given pre-release and no build metadata.
func (v Version) WithPrerelease(pre string) Version {
	return Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch, Prerelease: pre}
}

// Bump applies b to v. A snapshot bump keeps the numeric core; see Apply for
// snapshots layered on a base bump.
func (v Version) Bump(b Bump) Version {
	switch b.Kind {
	case BumpMajor:
		return v.BumpMajor()
	case BumpMinor:
		return v.BumpMinor()
	case BumpPatch:
		return v.BumpPatch()
	case BumpSnapshot:
		return v.BumpSnapshot(b.SHA)
	default:
		return v
	}
}

// Apply computes the released version for b. A snapshot is applied on top of
// base (Patch when base is None or itself a snapshot) and formatted with format.
func (v Version) Apply(b, base Bump, format string) Version {
	if b.Kind != BumpSnapshot {
		return v.Bump(b)
	}
	if base.Kind <= BumpSnapshot {
		base = Patch
	}
	return v.Bump(base).WithPrerelease(FormatSnapshot(format, b.SHA))
}

// DefaultSnapshotFormat is the pre-release template used for snapshot versions.
const DefaultSnapshotFormat = "alpha.{sha}"

// FormatSnapshot renders a snapshot pre-release, substituting the first seven
// characters of sha for "{sha}".
func FormatSnapshot(format, sha string) string {
	if format == "" {
		format = DefaultSnapshotFormat
	}
	short := sha
	if len(short) > 7 {
		short = short[:7]
	}
	return strings.ReplaceAll(format, "{sha}", short)
}

func (v Version) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

func (v *Version) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = p
	return nil
}
