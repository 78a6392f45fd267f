package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"monorel/internal/errs"
	"monorel/internal/fsys"
)

// Format is a configuration file syntax.
type Format string

const (
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatOf detects the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", errs.New(errs.ErrConfigInvalid, "detect config format", "unsupported config file %q", path)
}

// appendPaths lists the tree paths whose arrays accumulate across layers
// instead of being replaced.
var appendPaths = []string{"plugins.enabled"}

// Parse decodes data in format into a tree.
func Parse(format Format, data []byte) (map[string]any, error) {
	tree := map[string]any{}
	var err error
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		err = dec.Decode(&tree)
	case FormatTOML:
		err = toml.Unmarshal(data, &tree)
	case FormatYAML:
		err = yaml.Unmarshal(data, &tree)
	default:
		return nil, errs.New(errs.ErrConfigInvalid, "parse config", "unknown format %q", format)
	}
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfigInvalid, "parse "+string(format)+" config", err)
	}
	return normalize(tree).(map[string]any), nil
}

// normalize converts decoder-specific shapes (json.Number, yaml's
// map[any]any in older documents) into plain values.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = normalize(child)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[fmt.Sprint(k)] = normalize(child)
		}
		return out
	case []any:
		for i, child := range t {
			t[i] = normalize(child)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	}
	return v
}

// Merge layers over on top of base and returns a new tree. Nested tables
// merge recursively; scalars and arrays from over replace those in base,
// except for the append paths which keep unique values from both.
func Merge(base, over map[string]any) map[string]any {
	return mergeAt("", base, over)
}

func mergeAt(prefix string, base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = copyValue(v)
	}
	for k, v := range over {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		bm, baseIsMap := out[k].(map[string]any)
		om, overIsMap := v.(map[string]any)
		switch {
		case baseIsMap && overIsMap:
			out[k] = mergeAt(path, bm, om)
		case slices.Contains(appendPaths, path):
			out[k] = appendUnique(out[k], v)
		default:
			out[k] = copyValue(v)
		}
	}
	return out
}

func appendUnique(base, over any) any {
	bl, _ := base.([]any)
	ol, ok := over.([]any)
	if !ok {
		return copyValue(over)
	}
	out := slices.Clone(bl)
	for _, v := range ol {
		if !slices.ContainsFunc(out, func(e any) bool { return fmt.Sprint(e) == fmt.Sprint(v) }) {
			out = append(out, v)
		}
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = copyValue(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = copyValue(child)
		}
		return out
	}
	return v
}

// Encode renders a tree in format.
func Encode(format Format, tree map[string]any) ([]byte, error) {
	switch format {
	case FormatJSON:
		b, err := json.MarshalIndent(tree, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	case FormatTOML:
		return toml.Marshal(tree)
	case FormatYAML:
		return yaml.Marshal(tree)
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

func readTree(fs fsys.FileSystem, path string) (map[string]any, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := fs.ReadString(path)
	if err != nil {
		return nil, err
	}
	tree, err := Parse(format, []byte(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tree, nil
}
