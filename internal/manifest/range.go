package manifest

import (
	"regexp"
	"strings"

	"monorel/internal/semver"
)

var partialVersionRE = regexp.MustCompile(`^v?\d+(\.(\d+|x|X|\*)){0,2}(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

// rangeOperators are checked longest first.
var rangeOperators = []string{">=", "^", "~", "="}

// RewriteRange returns the range that should replace old once the dependency
// is released as v, and whether it differs from old.
//
// Caret, tilde, ">=" and "=" operators are kept; a pinned exact version becomes
// the new exact version. The workspace: protocol, tags, wildcards, URLs and
// compound ranges are returned unchanged.
func RewriteRange(old string, v semver.Version) (string, bool) {
	s := strings.TrimSpace(old)
	if s == "" || s == "*" || strings.HasPrefix(s, "workspace:") {
		return old, false
	}
	if strings.ContainsAny(s, " |<") {
		return old, false
	}

	op := ""
	for _, candidate := range rangeOperators {
		if strings.HasPrefix(s, candidate) {
			op = candidate
			break
		}
	}
	rest := strings.TrimSpace(s[len(op):])
	if !partialVersionRE.MatchString(rest) {
		return old, false
	}
	out := op + v.String()
	return out, out != old
}
