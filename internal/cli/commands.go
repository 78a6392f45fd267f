package cli

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"monorel/internal/changeset"
	"monorel/internal/config"
	"monorel/internal/dag"
	"monorel/internal/release"
	"monorel/internal/resolve"
	"monorel/internal/semver"
)

// usageArgs classifies positional-argument mistakes as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return invalidInvocationf("%s: %v", cmd.CommandPath(), err)
		}
		return nil
	}
}

func exactArgs(n int) cobra.PositionalArgs { return usageArgs(cobra.ExactArgs(n)) }

func minArgs(n int) cobra.PositionalArgs { return usageArgs(cobra.MinimumNArgs(n)) }

func bindPlanFlags(cmd *cobra.Command, opts *release.PlanOptions) {
	f := cmd.Flags()
	f.BoolVar(&opts.UseDetector, "detect", false, "Add bumps suggested by file changes")
	f.StringVar(&opts.Since, "since", "", "Base ref for --detect (default: latest tag)")
	f.StringVar(&opts.Snapshot, "snapshot", "", "Publish snapshot versions for this commit sha")
}

func reasons(p *resolve.PackagePlan) string {
	out := make([]string, 0, len(p.Sources))
	for _, s := range p.Sources {
		out = append(out, string(s.Kind)+": "+s.Reason)
	}
	return strings.Join(out, "\n")
}

func planTable(plan *resolve.Plan) table.Writer {
	t := newTable("Package", "Current", "Next", "Bump", "Reason")
	for _, p := range plan.Sorted() {
		current, next := p.Old.String(), p.New.String()
		if p.Unversioned {
			current = "-"
		}
		if !p.Released() {
			next = "-"
		}
		t.AppendRow(table.Row{p.Name, current, next, p.Bump.String(), reasons(p)})
	}
	return t
}

func (a *app) printPlan(cmd *cobra.Command, plan *resolve.Plan) {
	out := cmd.OutOrStdout()
	if plan.Empty() {
		fmt.Fprintln(out, "No pending releases.")
		return
	}
	renderTable(out, planTable(plan))
	for _, c := range plan.Conflicts {
		fmt.Fprintf(out, "conflict: %s resolved to %s (%s)\n", c.Package, c.Resolved, c.Strategy)
	}
	for _, cycle := range plan.Cycles {
		fmt.Fprintf(out, "cycle: %s\n", strings.Join(cycle, " -> "))
	}
}

func (a *app) planCommand() *cobra.Command {
	var opts release.PlanOptions
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the versions the next release would produce",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			plan, _, err := e.Plan(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), plan, func() { a.printPlan(cmd, plan) })
		},
	}
	bindPlanFlags(cmd, &opts)
	return cmd
}

func taskTable(res *dag.RunResult) table.Writer {
	t := newTable("Task", "Status", "Exit", "Duration")
	t.SetColumnConfigs(rightAlign(3, 4))
	order := slices.Clone(res.ExecutionOrder)
	for _, name := range slices.Sorted(maps.Keys(res.Results)) {
		if !slices.Contains(order, name) {
			order = append(order, name)
		}
	}
	for _, name := range order {
		r := res.Results[name]
		t.AppendRow(table.Row{name, string(r.Status), r.ExitCode, r.Duration.Round(time.Millisecond).String()})
	}
	for _, name := range res.Failed() {
		if r := res.Results[name]; r.Err != nil {
			t.AppendFooter(table.Row{name, r.Err.Error(), "", ""})
		}
	}
	return t
}

func (a *app) releaseCommand() *cobra.Command {
	var opts release.ReleaseOptions
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Apply pending changesets: bump versions, write changelogs, run tasks, commit and tag",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			res, err := e.Release(cmd.Context(), opts)
			if res == nil {
				return err
			}
			out := cmd.OutOrStdout()
			if emitErr := a.emit(out, res, func() { a.printRelease(cmd, res) }); emitErr != nil {
				return errors.Join(err, emitErr)
			}
			return err
		},
	}
	bindPlanFlags(cmd, &opts.PlanOptions)
	f := cmd.Flags()
	f.BoolVar(&opts.DryRun, "dry-run", false, "Show what would change without writing")
	f.BoolVar(&opts.NoTasks, "no-tasks", false, "Skip the configured release tasks")
	f.BoolVar(&opts.NoCommit, "no-commit", false, "Leave changes uncommitted")
	f.BoolVar(&opts.NoTag, "no-tag", false, "Do not create release tags")
	return cmd
}

func (a *app) printRelease(cmd *cobra.Command, res *release.Result) {
	out := cmd.OutOrStdout()
	a.printPlan(cmd, res.Plan)
	if res.DryRun {
		if res.Applied != nil {
			for _, w := range res.Applied.Writes {
				fmt.Fprintf(out, "would write %s\n", w.Path)
			}
		}
		return
	}
	if res.Tasks != nil {
		renderTable(out, taskTable(res.Tasks))
	}
	for _, id := range res.Archived {
		fmt.Fprintf(out, "archived changeset %s\n", id)
	}
	if res.Commit != "" {
		fmt.Fprintf(out, "committed %s\n", res.Commit)
	}
	for _, tag := range res.Tags {
		fmt.Fprintf(out, "tagged %s\n", tag)
	}
}

func (a *app) changesetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changeset",
		Short: "Record and inspect intended version bumps",
	}
	cmd.AddCommand(a.changesetAddCommand(), a.changesetListCommand(), a.changesetDeployCommand(), a.changesetHistoryCommand())
	return cmd
}

func (a *app) changesetAddCommand() *cobra.Command {
	var (
		req  changeset.CreateRequest
		bump string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a pending changeset",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := semver.ParseBump(bump)
			if err != nil {
				return invalidInvocationf("--bump: %v", err)
			}
			req.Bump = b
			e, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			if req.Branch == "" && e.Repo() != nil {
				if branch, err := e.Repo().CurrentBranch(cmd.Context()); err == nil {
					req.Branch = branch
				}
			}
			cs, err := e.Changesets().Create(req)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), cs, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "created changeset %s (%s %s)\n", cs.ID, cs.Package, cs.Bump)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.Package, "package", "p", "", "Package to bump (required)")
	f.StringVarP(&bump, "bump", "b", "", "Bump: major|minor|patch|none (required)")
	f.StringVarP(&req.Description, "message", "m", "", "Release note (required)")
	f.StringVar(&req.Branch, "branch", "", "Branch recorded in the id (default: current branch)")
	f.StringVar(&req.Author, "author", "", "Author")
	f.StringSliceVar(&req.Environments, "env", nil, "Development environments to deploy to")
	f.BoolVar(&req.Production, "production", false, "Requires a production deployment")
	_ = cmd.MarkFlagRequired("package")
	_ = cmd.MarkFlagRequired("bump")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func changesetTable(list []*changeset.Changeset) table.Writer {
	t := newTable("ID", "Package", "Bump", "Status", "Environments", "Description")
	for _, cs := range list {
		t.AppendRow(table.Row{cs.ID, cs.Package, cs.Bump.String(), string(cs.Status.Kind),
			strings.Join(cs.DevelopmentEnvironments, ","), cs.Description})
	}
	return t
}

func (a *app) changesetListCommand() *cobra.Command {
	var pkg string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending changesets",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			list, err := e.Changesets().Pending()
			if err != nil {
				return err
			}
			if pkg != "" {
				kept := list[:0]
				for _, cs := range list {
					if cs.Package == pkg {
						kept = append(kept, cs)
					}
				}
				list = kept
			}
			return a.emit(cmd.OutOrStdout(), list, func() {
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No pending changesets.")
					return
				}
				renderTable(cmd.OutOrStdout(), changesetTable(list))
			})
		},
	}
	cmd.Flags().StringVarP(&pkg, "package", "p", "", "Only this package")
	return cmd
}

func (a *app) changesetDeployCommand() *cobra.Command {
	var (
		envs       []string
		production bool
	)
	cmd := &cobra.Command{
		Use:   "deploy <id>",
		Short: "Record a deployment of a pending changeset",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(envs) == 0 && !production {
				return invalidInvocationf("deploy: pass --env or --production")
			}
			e, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			cs, err := e.Changesets().MarkDeployed(args[0], envs, production)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), cs, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", cs.ID, cs.Status.Kind)
			})
		},
	}
	cmd.Flags().StringSliceVar(&envs, "env", nil, "Environments deployed to")
	cmd.Flags().BoolVar(&production, "production", false, "Deployed to production")
	return cmd
}

func (a *app) changesetHistoryCommand() *cobra.Command {
	var pkg string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived changesets",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			var list []*changeset.ArchivedChangeset
			if pkg != "" {
				list, err = e.Changesets().ByPackage(pkg)
			} else {
				list, err = e.Changesets().Storage().ListArchived()
			}
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), list, func() {
				t := newTable("ID", "Package", "Bump", "Version", "Released", "Description")
				for _, cs := range list {
					t.AppendRow(table.Row{cs.ID, cs.Package, cs.Bump.String(), cs.Release.Version,
						cs.Release.ReleasedAt.Format("2006-01-02"), cs.Description})
				}
				renderTable(cmd.OutOrStdout(), t)
			})
		},
	}
	cmd.Flags().StringVarP(&pkg, "package", "p", "", "Only this package")
	return cmd
}

func (a *app) graphCommand() *cobra.Command {
	var cycles bool
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show workspace packages and their dependencies",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			g, ws := e.Graph(), e.Workspace()
			out := cmd.OutOrStdout()
			if cycles {
				found := g.DetectCycles()
				return a.emit(out, found, func() {
					if len(found) == 0 {
						fmt.Fprintln(out, "No dependency cycles.")
						return
					}
					for _, c := range found {
						fmt.Fprintln(out, strings.Join(c, " -> "))
					}
				})
			}
			type node struct {
				Name         string   `json:"name"`
				Version      string   `json:"version"`
				Dependencies []string `json:"dependencies"`
				Dependents   []string `json:"dependents"`
			}
			var nodes []node
			for _, name := range g.TopologicalOrder() {
				pkg, _ := ws.Package(name)
				nodes = append(nodes, node{
					Name:         name,
					Version:      pkg.Version.String(),
					Dependencies: g.Dependencies(name),
					Dependents:   g.Dependents(name),
				})
			}
			return a.emit(out, nodes, func() {
				t := newTable("Package", "Version", "Dependencies", "Dependents")
				for _, n := range nodes {
					t.AppendRow(table.Row{n.Name, n.Version, strings.Join(n.Dependencies, ", "), strings.Join(n.Dependents, ", ")})
				}
				renderTable(out, t)
			})
		},
	}
	cmd.Flags().BoolVar(&cycles, "cycles", false, "Only list dependency cycles")
	return cmd
}

func (a *app) affectedCommand() *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "affected",
		Short: "List packages changed since a ref and everything depending on them",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			st, err := e.Status(cmd.Context(), since)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), st, func() {
				for _, name := range st.Affected {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Base ref (default: latest tag)")
	return cmd
}

func (a *app) runCommand() *cobra.Command {
	var (
		filter   dag.Filter
		packages []string
	)
	cmd := &cobra.Command{
		Use:   "run <task>...",
		Short: "Run configured tasks or package scripts in dependency order",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			res, err := e.RunTasks(cmd.Context(), args, packages, filter)
			if res == nil {
				return err
			}
			if emitErr := a.emit(cmd.OutOrStdout(), res, func() { renderTable(cmd.OutOrStdout(), taskTable(res)) }); emitErr != nil {
				return errors.Join(err, emitErr)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&filter.Include, "filter", nil, "Only tasks whose name matches these globs")
	f.StringSliceVar(&filter.Exclude, "exclude", nil, "Drop tasks whose name matches these globs")
	f.StringSliceVarP(&packages, "package", "p", nil, "Run package scripts only in these packages")
	f.BoolVar(&filter.NoDependencies, "no-deps", false, "Do not pull in dependencies of selected tasks")
	f.BoolVar(&filter.WithDependents, "with-dependents", false, "Also run tasks depending on the selection")
	return cmd
}

func (a *app) hookCommand() *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "hook <pre-commit|pre-push>",
		Short: "Run a configured git hook",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			res, err := e.RunHook(cmd.Context(), args[0], since)
			if res == nil {
				return err
			}
			out := cmd.OutOrStdout()
			if emitErr := a.emit(out, res, func() {
				switch {
				case res.Tasks != nil:
					renderTable(out, taskTable(res.Tasks))
				case res.Skipped:
					fmt.Fprintf(out, "%s: nothing to run\n", res.Hook)
				}
			}); emitErr != nil {
				return errors.Join(err, emitErr)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Base ref for changed packages (default: latest tag)")
	return cmd
}

func (a *app) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the layered configuration",
	}
	var format string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.config()
			if err != nil {
				return err
			}
			f := config.Format(strings.ToLower(format))
			switch f {
			case config.FormatJSON, config.FormatTOML, config.FormatYAML:
			default:
				return invalidInvocationf("--format must be json, toml or yaml (got %q)", format)
			}
			data, err := config.Encode(f, m.Tree())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	show.Flags().StringVar(&format, "format", "yaml", "Output format: json|toml|yaml")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and report every problem",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.config()
			var problems config.ValidationErrors
			if errors.As(err, &problems) {
				for _, p := range problems {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", p.Path, p.Message)
				}
				return err
			}
			if err != nil {
				return err
			}
			path := m.Path()
			if path == "" {
				path = "defaults"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return nil
		},
	}
	cmd.AddCommand(show, validate)
	return cmd
}

func (a *app) runsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show journaled releases, or the steps of one release",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			j, err := release.NewJournal(a.env.FS, e.Workspace().Root)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				return a.printRun(out, j, args[0])
			}
			ids, err := j.ListRunIDs()
			if err != nil {
				return err
			}
			runs := make([]release.RunRecord, 0, len(ids))
			for _, id := range ids {
				run, err := j.LoadRun(id)
				if err != nil {
					return err
				}
				runs = append(runs, run)
			}
			slices.SortFunc(runs, func(x, y release.RunRecord) int { return x.StartedAt.Compare(y.StartedAt) })
			return a.emit(out, runs, func() {
				t := newTable("Run", "Started", "Status", "Packages", "Commit")
				for _, r := range runs {
					t.AppendRow(table.Row{r.RunID, r.StartedAt.Format(time.RFC3339), string(r.Status), len(r.Versions), shortHash(r.Commit)})
				}
				renderTable(out, t)
			})
		},
	}
}

func (a *app) printRun(out io.Writer, j *release.Journal, id string) error {
	run, err := j.LoadRun(id)
	if err != nil {
		return err
	}
	steps, err := j.LoadCheckpoints(id)
	if err != nil {
		return err
	}
	failure, failed, err := j.LoadFailure(id)
	if err != nil {
		return err
	}
	view := struct {
		Run     release.RunRecord                   `json:"run"`
		Steps   map[release.Step]release.Checkpoint `json:"steps"`
		Failure *release.Failure                    `json:"failure,omitempty"`
	}{Run: run, Steps: steps}
	if failed {
		view.Failure = &failure
	}
	return a.emit(out, view, func() {
		fmt.Fprintf(out, "Run:     %s\n", run.RunID)
		fmt.Fprintf(out, "Status:  %s\n", run.Status)
		t := newTable("Package", "Version")
		for _, name := range slices.Sorted(maps.Keys(run.Versions)) {
			t.AppendRow(table.Row{name, run.Versions[name]})
		}
		renderTable(out, t)
		for _, s := range []release.Step{release.StepApply, release.StepChangelog, release.StepTasks,
			release.StepArchive, release.StepCommit, release.StepTag} {
			if cp, ok := steps[s]; ok {
				fmt.Fprintf(out, "  %-9s done %s (%d files)\n", s, cp.CompletedAt.Format(time.RFC3339), len(cp.Paths))
			}
		}
		if failed {
			fmt.Fprintf(out, "Failed at %s: %s\n", failure.Step, failure.Message)
		}
	})
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
