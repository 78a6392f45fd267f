package dag

import (
	"sort"

	"monorel/internal/errs"
	"monorel/internal/graph"
	"monorel/internal/workspace"
)

// PackageTaskName is the task name of script in pkg.
func PackageTaskName(pkg, script string) string { return pkg + "#" + script }

// TasksForPackages creates one task per package and script for the given
// packages that define the script. A task depends on the same script of the
// package's workspace dependencies when those are selected too. Packages
// that share a dependency cycle fail graph validation.
func TasksForPackages(ws *workspace.Workspace, g *graph.Graph, packages, scripts []string) ([]Task, error) {
	selected := make(map[string]bool, len(packages))
	for _, name := range packages {
		if !ws.Has(name) {
			return nil, errs.New(errs.ErrUnknownPackage, "package tasks", "%q is not in the workspace", name)
		}
		selected[name] = true
	}
	pm := ws.PackageManager
	if pm == "" {
		pm = "npm"
	}

	names := make([]string, 0, len(selected))
	for name := range selected {
		names = append(names, name)
	}
	sort.Strings(names)

	var tasks []Task
	for _, name := range names {
		pkg, _ := ws.Package(name)
		for _, script := range scripts {
			if _, ok := pkg.Scripts[script]; !ok {
				continue
			}
			t := Task{
				Name:    PackageTaskName(name, script),
				Command: pm + " run " + script,
				Package: name,
				Dir:     pkg.Dir,
			}
			for _, dep := range g.Dependencies(name) {
				if !selected[dep] {
					continue
				}
				if dp, _ := ws.Package(dep); dp != nil {
					if _, ok := dp.Scripts[script]; ok {
						t.Dependencies = append(t.Dependencies, PackageTaskName(dep, script))
					}
				}
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}
