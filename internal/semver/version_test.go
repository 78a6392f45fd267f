package semver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monorel/internal/errs"
)

func mustParse(t *testing.T, s string) Version {
	t.Helper()
	v, err := Parse(s)
	require.NoError(t, err)
	return v
}

func TestParse(t *testing.T) {
	v := mustParse(t, "1.2.3-beta.1+build.7")
	assert.Equal(t, Version{Major: 1, Minor: 2, Patch: 3, Prerelease: "beta.1", Build: "build.7"}, v)
	assert.Equal(t, "1.2.3-beta.1+build.7", v.String())

	for _, bad := range []string{"", "1", "1.2", "v1.2.3", "01.2.3", "1.2.3-", "1.2.3-01", "1.2.x"} {
		_, err := Parse(bad)
		require.Error(t, err, bad)
		assert.ErrorIs(t, err, errs.ErrInvalidVersion, bad)
	}
}

func TestCompare(t *testing.T) {
	ordered := []string{"1.0.0-alpha", "1.0.0-alpha.1", "1.0.0-beta", "1.0.0-rc.1", "1.0.0", "1.0.1", "1.1.0", "2.0.0"}
	for i := 0; i < len(ordered)-1; i++ {
		a, b := mustParse(t, ordered[i]), mustParse(t, ordered[i+1])
		assert.Equal(t, -1, a.Compare(b), "%s < %s", a, b)
		assert.Equal(t, 1, b.Compare(a), "%s > %s", b, a)
	}
	assert.Equal(t, 0, mustParse(t, "1.0.0+a").Compare(mustParse(t, "1.0.0+b")))
}

func TestBumps(t *testing.T) {
	v := mustParse(t, "1.2.3-rc.1+meta")
	assert.Equal(t, "2.0.0", v.BumpMajor().String())
	assert.Equal(t, "1.3.0", v.BumpMinor().String())
	assert.Equal(t, "1.2.4", v.BumpPatch().String())
	assert.Equal(t, "1.2.3-alpha.abcdef1", v.BumpSnapshot("abcdef1234567").String())
	assert.Equal(t, v, v.Bump(None))
}

func TestApplySnapshotOnBase(t *testing.T) {
	v := mustParse(t, "1.4.2")
	snap := Snapshot("0f1e2d3c4b5a")

	assert.Equal(t, "1.4.3-alpha.0f1e2d3", v.Apply(snap, None, "").String())
	assert.Equal(t, "2.0.0-alpha.0f1e2d3", v.Apply(snap, Major, "").String())
	assert.Equal(t, "1.5.0-snap.0f1e2d3", v.Apply(snap, Minor, "snap.{sha}").String())
	assert.Equal(t, "1.5.0", v.Apply(Minor, Patch, "").String())
}

func TestMaxRespectsTotalOrder(t *testing.T) {
	order := []Bump{None, Snapshot("abc1234"), Patch, Minor, Major}
	for i := range order {
		for j := range order {
			got := Max(order[i], order[j])
			want := order[i]
			if j > i {
				want = order[j]
			}
			assert.Equal(t, want.Kind, got.Kind)
		}
	}
	assert.Equal(t, None, Max())
}

func TestBumpJSON(t *testing.T) {
	cases := map[string]Bump{
		`"major"`:                        Major,
		`"minor"`:                        Minor,
		`"patch"`:                        Patch,
		`"none"`:                         None,
		`{"snapshot":{"sha":"abc1234"}}`: Snapshot("abc1234"),
	}
	for raw, want := range cases {
		var got Bump
		require.NoError(t, json.Unmarshal([]byte(raw), &got), raw)
		assert.Equal(t, want, got)

		out, err := json.Marshal(got)
		require.NoError(t, err)
		assert.JSONEq(t, raw, string(out))
	}

	var b Bump
	assert.Error(t, json.Unmarshal([]byte(`"huge"`), &b))
	assert.Error(t, json.Unmarshal([]byte(`{"snapshot":{"sha":""}}`), &b))
}

func TestParseBump(t *testing.T) {
	b, err := ParseBump("snapshot:deadbeef")
	require.NoError(t, err)
	assert.Equal(t, Snapshot("deadbeef"), b)

	b, err = ParseBump("Minor")
	require.NoError(t, err)
	assert.Equal(t, Minor, b)

	_, err = ParseBump("snapshot")
	assert.ErrorIs(t, err, errs.ErrInvalidVersion)
}
