package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"

	"monorel/internal/dag"
	"monorel/internal/errs"
)

// ValidationError is one problem found in a configuration tree.
type ValidationError struct {
	// Path is the dotted key, e.g. "versioning.default_bump".
	Path    string
	Message string
}

func (e ValidationError) String() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors is returned when a configuration fails validation.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.String()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

func (v ValidationErrors) Unwrap() error { return errs.ErrConfigInvalid }

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// Decode turns a merged tree into a validated Config.
func Decode(tree map[string]any) (*Config, error) {
	var cfg Config
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		Metadata: &md,
		Result:   &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(tree); err != nil {
		return nil, ValidationErrors{{Message: err.Error()}}
	}

	var problems ValidationErrors
	unused := slices.Clone(md.Unused)
	slices.Sort(unused)
	for _, key := range unused {
		problems = append(problems, ValidationError{Path: key, Message: "unknown key"})
	}
	problems = append(problems, Validate(&cfg)...)
	if len(problems) > 0 {
		return nil, problems
	}
	return &cfg, nil
}

// Validate checks field constraints and cross-field rules.
func Validate(cfg *Config) ValidationErrors {
	var problems ValidationErrors
	if err := structValidator().Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return ValidationErrors{{Message: err.Error()}}
		}
		for _, fe := range fieldErrs {
			problems = append(problems, ValidationError{Path: fieldPath(fe.Namespace()), Message: describe(fe)})
		}
	}

	known := cfg.EnvironmentNames()
	for i, env := range cfg.Changesets.DefaultEnvironments {
		if !slices.Contains(known, env) {
			problems = append(problems, ValidationError{
				Path:    fmt.Sprintf("changesets.default_environments[%d]", i),
				Message: fmt.Sprintf("environment %q is not configured", env),
			})
		}
	}

	seen := map[string]bool{}
	for i, t := range cfg.Changelog.Types {
		if seen[t.Type] {
			problems = append(problems, ValidationError{
				Path:    fmt.Sprintf("changelog.types[%d].type", i),
				Message: fmt.Sprintf("duplicate type %q", t.Type),
			})
		}
		seen[t.Type] = true
	}

	if len(cfg.Tasks.Definitions) > 0 {
		if _, err := dag.NewTaskGraph(cfg.Tasks.Definitions); err != nil {
			problems = append(problems, ValidationError{Path: "tasks.definitions", Message: err.Error()})
		}
	}
	return problems
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "min":
		return "must have at least " + fe.Param() + " entries"
	case "contains":
		return fmt.Sprintf("must contain %q", fe.Param())
	case "unique":
		return "must not contain duplicates"
	case "url":
		return "must be a URL"
	}
	return "failed " + fe.Tag() + " validation"
}
