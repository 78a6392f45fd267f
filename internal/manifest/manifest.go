// Package manifest reads and edits package.json documents in place.
//
// Edits rewrite only the bytes of the touched values, so key order, unknown
// fields and formatting survive a round trip.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/buger/jsonparser"

	"monorel/internal/errs"
)

// FileName is the manifest file name inside a package directory.
const FileName = "package.json"

// Field names a dependency section.
type Field string

const (
	FieldDependencies    Field = "dependencies"
	FieldDevDependencies Field = "devDependencies"
)

// DependencyFields lists the sections UpdateDependencyVersion touches, in order.
var DependencyFields = []Field{FieldDependencies, FieldDevDependencies}

// Dependency is one entry of a dependency section, in document order.
type Dependency struct {
	Name  string
	Range string
}

// Manifest is a parsed package manifest backed by its raw bytes.
type Manifest struct {
	path string
	data []byte
}

// Parse validates data as a package manifest.
func Parse(path string, data []byte) (*Manifest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, malformed(path, errors.New("not a JSON object"))
	}
	m := &Manifest{path: path, data: append([]byte(nil), data...)}
	for _, key := range []string{"name", "version", "packageManager"} {
		if err := m.checkType(key, jsonparser.String); err != nil {
			return nil, err
		}
	}
	if err := m.checkType("private", jsonparser.Boolean); err != nil {
		return nil, err
	}
	for _, f := range DependencyFields {
		if _, err := m.section(string(f)); err != nil {
			return nil, malformed(path, err)
		}
	}
	if _, err := m.section("scripts"); err != nil {
		return nil, malformed(path, err)
	}
	if _, _, err := m.workspaces(); err != nil {
		return nil, malformed(path, err)
	}
	return m, nil
}

func malformed(path string, err error) error {
	return errs.WrapPath(errs.ErrMalformedManifest, "parse manifest", path, err)
}

func (m *Manifest) checkType(key string, want jsonparser.ValueType) error {
	_, dt, _, err := jsonparser.Get(m.data, key)
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil
	}
	if err != nil {
		return malformed(m.path, fmt.Errorf("%s: %w", key, err))
	}
	if dt != want && dt != jsonparser.Null {
		return malformed(m.path, fmt.Errorf("%s must be a %s, got %s", key, want, dt))
	}
	return nil
}

// Path is the file the manifest was read from.
func (m *Manifest) Path() string { return m.path }

// Bytes returns the current document.
func (m *Manifest) Bytes() []byte { return append([]byte(nil), m.data...) }

func (m *Manifest) String() string { return string(m.data) }

func (m *Manifest) str(keys ...string) string {
	s, err := jsonparser.GetString(m.data, keys...)
	if err != nil {
		return ""
	}
	return s
}

// Name returns the "name" field or "".
func (m *Manifest) Name() string { return m.str("name") }

// Version returns the "version" field or "".
func (m *Manifest) Version() string { return m.str("version") }

// PackageManager returns the "packageManager" field or "".
func (m *Manifest) PackageManager() string { return m.str("packageManager") }

// Private reports the "private" flag.
func (m *Manifest) Private() bool {
	b, err := jsonparser.GetBoolean(m.data, "private")
	return err == nil && b
}

// section reads a string→string object in document order.
func (m *Manifest) section(key string) ([]Dependency, error) {
	_, dt, _, err := jsonparser.Get(m.data, key)
	if errors.Is(err, jsonparser.KeyPathNotFoundError) || dt == jsonparser.Null {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if dt != jsonparser.Object {
		return nil, fmt.Errorf("%s must be an object, got %s", key, dt)
	}
	var out []Dependency
	err = jsonparser.ObjectEach(m.data, func(k, v []byte, vt jsonparser.ValueType, _ int) error {
		name, err := jsonparser.ParseString(k)
		if err != nil {
			return err
		}
		if vt != jsonparser.String {
			return fmt.Errorf("%s.%s must be a string, got %s", key, name, vt)
		}
		val, err := jsonparser.ParseString(v)
		if err != nil {
			return err
		}
		out = append(out, Dependency{Name: name, Range: val})
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Dependencies returns the "dependencies" section in document order.
func (m *Manifest) Dependencies() []Dependency {
	deps, _ := m.section(string(FieldDependencies))
	return deps
}

// DevDependencies returns the "devDependencies" section in document order.
func (m *Manifest) DevDependencies() []Dependency {
	deps, _ := m.section(string(FieldDevDependencies))
	return deps
}

// Scripts returns the "scripts" section.
func (m *Manifest) Scripts() map[string]string {
	entries, _ := m.section("scripts")
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.Name] = e.Range
	}
	return out
}

// DependencyRange returns the range declared for name in field.
func (m *Manifest) DependencyRange(field Field, name string) (string, bool) {
	s, err := jsonparser.GetString(m.data, string(field), name)
	if err != nil {
		return "", false
	}
	return s, true
}

func (m *Manifest) workspaces() ([]string, bool, error) {
	val, dt, _, err := jsonparser.Get(m.data, "workspaces")
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	switch dt {
	case jsonparser.Array:
	case jsonparser.Object:
		inner, idt, _, err := jsonparser.Get(val, "packages")
		if errors.Is(err, jsonparser.KeyPathNotFoundError) {
			return nil, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		if idt != jsonparser.Array {
			return nil, false, fmt.Errorf("workspaces.packages must be an array, got %s", idt)
		}
		val = inner
	default:
		return nil, false, fmt.Errorf("workspaces must be an array or object, got %s", dt)
	}

	var out []string
	var iterErr error
	_, err = jsonparser.ArrayEach(val, func(v []byte, vt jsonparser.ValueType, _ int, err error) {
		if iterErr != nil {
			return
		}
		if err != nil {
			iterErr = err
			return
		}
		if vt != jsonparser.String {
			iterErr = fmt.Errorf("workspace pattern must be a string, got %s", vt)
			return
		}
		s, err := jsonparser.ParseString(v)
		if err != nil {
			iterErr = err
			return
		}
		out = append(out, s)
	})
	if err != nil {
		return nil, false, err
	}
	if iterErr != nil {
		return nil, false, iterErr
	}
	return out, true, nil
}

// Workspaces returns the workspace patterns from either the array form or the
// {"packages": [...]} object form. ok is false when the field is absent.
func (m *Manifest) Workspaces() (patterns []string, ok bool) {
	patterns, ok, _ = m.workspaces()
	return patterns, ok
}

func (m *Manifest) set(value string, keys ...string) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	out, err := jsonparser.Set(m.data, encoded, keys...)
	if err != nil {
		return errs.WrapPath(errs.ErrMalformedManifest, "edit manifest", m.path, err)
	}
	m.data = out
	return nil
}

// SetVersion replaces the "version" value.
func (m *Manifest) SetVersion(v string) error { return m.set(v, "version") }

// UpdateDependencyVersion rewrites the range of name in every dependency
// section that already lists it and reports the touched sections. Sections
// that do not mention name are left alone.
func (m *Manifest) UpdateDependencyVersion(name, newRange string) ([]Field, error) {
	var touched []Field
	for _, f := range DependencyFields {
		cur, ok := m.DependencyRange(f, name)
		if !ok {
			continue
		}
		if cur == newRange {
			continue
		}
		if err := m.set(newRange, string(f), name); err != nil {
			return touched, err
		}
		touched = append(touched, f)
	}
	return touched, nil
}

// SetDependencyRange rewrites name's range in one section. The section must
// already list name.
func (m *Manifest) SetDependencyRange(field Field, name, newRange string) error {
	if _, ok := m.DependencyRange(field, name); !ok {
		return errs.New(errs.ErrMalformedManifest, "edit manifest", "%s: %s does not list %q", m.path, field, name)
	}
	return m.set(newRange, string(field), name)
}

// Reparse validates the current bytes as a manifest.
func (m *Manifest) Reparse() (*Manifest, error) { return Parse(m.path, m.data) }

// SortedNames returns the dependency names of deps in ascending order.
func SortedNames(deps []Dependency) []string {
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		out = append(out, d.Name)
	}
	sort.Strings(out)
	return out
}
