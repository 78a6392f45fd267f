// Package cli is the monorel command-line driver. Commands are thin: they
// parse flags, call the release engine and render its results.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"monorel/internal/config"
	"monorel/internal/fsys"
	"monorel/internal/logging"
	"monorel/internal/process"
	"monorel/internal/release"
	"monorel/internal/vcs"
	"monorel/internal/workspace"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Env holds the collaborators of one invocation. Zero fields fall back to
// the real process environment.
type Env struct {
	Stdout io.Writer
	Stderr io.Writer
	// WorkDir is the default for --workdir.
	WorkDir string
	FS      fsys.FileSystem
	// Repo overrides the git repository at the workspace root.
	Repo   vcs.Repo
	Runner process.Runner
	// UserConfigDir overrides the user config directory; "-" disables it.
	UserConfigDir string
	Now           func() time.Time
}

func (e *Env) defaults() {
	if e.Stdout == nil {
		e.Stdout = os.Stdout
	}
	if e.Stderr == nil {
		e.Stderr = os.Stderr
	}
	if e.FS == nil {
		e.FS = fsys.OS{}
	}
	if e.WorkDir == "" {
		if wd, err := os.Getwd(); err == nil {
			e.WorkDir = wd
		}
	}
}

// CLIResult is the outcome of one invocation.
type CLIResult struct {
	ExitCode int
}

type globalFlags struct {
	workDir    string
	configPath string
	logLevel   string
	logFormat  string
	json       bool
}

type app struct {
	env    Env
	flags  globalFlags
	logger *slog.Logger

	cfg    *config.Manager
	engine *release.Engine
}

// Run executes the command line args (without argv[0]).
func Run(ctx context.Context, args []string, env Env) (CLIResult, error) {
	env.defaults()
	a := &app{env: env}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(env.Stdout)
	root.SetErr(env.Stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := usageError(root.ExecuteContext(ctx))
	return CLIResult{ExitCode: ExitCode(err)}, err
}

// usageError classifies cobra's own argument errors as invocation errors.
func usageError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, prefix := range []string{"unknown command", "required flag", "unknown flag", "unknown shorthand flag"} {
		if strings.HasPrefix(msg, prefix) {
			return &InvocationError{ExitCode: ExitInvalidInvocation, Message: msg}
		}
	}
	return err
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "monorel",
		Short:   "Version, changelog and task management for JavaScript monorepos",
		Version: Version,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logging.Init(logging.ParseLevel(a.flags.logLevel), a.flags.logFormat, a.env.Stderr)
			a.logger = logging.New("cli")
			return nil
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})

	f := root.PersistentFlags()
	f.StringVarP(&a.flags.workDir, "workdir", "C", a.env.WorkDir, "Directory inside the workspace")
	f.StringVar(&a.flags.configPath, "config", "", "Project config file (default: searched upward)")
	f.StringVar(&a.flags.logLevel, "log-level", "warn", "Log level: debug|info|warn|error")
	f.StringVar(&a.flags.logFormat, "log-format", "text", "Log format: text|json")
	f.BoolVar(&a.flags.json, "json", false, "Print results as JSON")

	root.AddCommand(
		a.planCommand(),
		a.releaseCommand(),
		a.changesetCommand(),
		a.graphCommand(),
		a.affectedCommand(),
		a.runCommand(),
		a.hookCommand(),
		a.configCommand(),
		a.runsCommand(),
	)
	return root
}

func (a *app) workDir() (string, error) {
	dir := a.flags.workDir
	if dir == "" {
		return "", invalidInvocationf("--workdir is required")
	}
	if !filepath.IsAbs(dir) {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", invalidInvocationf("resolve --workdir: %v", err)
		}
		dir = abs
	}
	return filepath.Clean(dir), nil
}

// config loads the layered configuration once.
func (a *app) config() (*config.Manager, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	dir, err := a.workDir()
	if err != nil {
		return nil, err
	}
	opts := config.Options{FS: a.env.FS, UserDir: a.env.UserConfigDir, Logger: logging.New("config")}
	if a.env.UserConfigDir == "-" {
		opts.UserDir, opts.NoUserConfig = "", true
	}
	m := config.NewManager(opts)
	if a.flags.configPath != "" {
		path := a.flags.configPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		_, err = m.LoadFile(path)
	} else {
		_, err = m.Load(dir)
	}
	if err != nil {
		return nil, err
	}
	a.cfg = m
	return m, nil
}

// load builds the release engine and loads the workspace.
func (a *app) load(ctx context.Context) (*release.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	dir, err := a.workDir()
	if err != nil {
		return nil, err
	}
	repo := a.env.Repo
	if repo == nil {
		root, err := workspace.FindRoot(a.env.FS, dir)
		if err != nil {
			return nil, err
		}
		repo = vcs.NewGit(root)
	}
	e, err := release.New(release.Options{
		FS:     a.env.FS,
		Repo:   repo,
		Runner: a.env.Runner,
		Config: cfg,
		Logger: logging.New("release"),
		Now:    a.env.Now,
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.Load(ctx, dir); err != nil {
		return nil, err
	}
	a.engine = e
	return e, nil
}
