package dag

import (
	"reflect"
	"testing"

	"monorel/internal/graph"
	"monorel/internal/workspace"
)

func TestTasksForPackages(t *testing.T) {
	ws, err := workspace.New("/repo",
		&workspace.Package{Name: "core", Dir: "/repo/packages/core", Scripts: map[string]string{"build": "tsc", "test": "jest"}},
		&workspace.Package{Name: "ui", Dir: "/repo/packages/ui", Scripts: map[string]string{"build": "tsc"}},
		&workspace.Package{Name: "app", Dir: "/repo/apps/app", Scripts: map[string]string{"build": "vite build", "test": "vitest"}},
	)
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	ws.PackageManager = "pnpm"
	g := graph.New(map[string][]string{"app": {"ui"}, "ui": {"core"}, "core": nil})

	tasks, err := TasksForPackages(ws, g, []string{"app", "core", "ui"}, []string{"build", "test"})
	if err != nil {
		t.Fatalf("TasksForPackages: %v", err)
	}
	byName := map[string]Task{}
	for _, task := range tasks {
		byName[task.Name] = task
	}
	if len(byName) != 5 {
		t.Fatalf("tasks = %v", tasks)
	}
	if got := byName["ui#build"]; got.Command != "pnpm run build" || got.Dir != "/repo/packages/ui" || got.Package != "ui" {
		t.Fatalf("ui#build = %+v", got)
	}
	if got := byName["ui#build"].Dependencies; !reflect.DeepEqual(got, []string{"core#build"}) {
		t.Fatalf("ui#build deps = %v", got)
	}
	// ui has no test script, so app#test does not wait on anything.
	if got := byName["app#test"].Dependencies; len(got) != 0 {
		t.Fatalf("app#test deps = %v", got)
	}

	tg := mustGraph(t, tasks)
	order := tg.TopologicalOrder()
	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	if !(pos["core#build"] < pos["ui#build"] && pos["ui#build"] < pos["app#build"]) {
		t.Fatalf("order = %v", order)
	}
}

func TestTasksForPackages_SubsetAndUnknown(t *testing.T) {
	ws, err := workspace.New("/repo",
		&workspace.Package{Name: "core", Scripts: map[string]string{"build": "tsc"}},
		&workspace.Package{Name: "ui", Scripts: map[string]string{"build": "tsc"}},
	)
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	g := graph.New(map[string][]string{"ui": {"core"}, "core": nil})

	tasks, err := TasksForPackages(ws, g, []string{"ui"}, []string{"build"})
	if err != nil {
		t.Fatalf("TasksForPackages: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Command != "npm run build" || len(tasks[0].Dependencies) != 0 {
		t.Fatalf("tasks = %+v", tasks)
	}

	if _, err := TasksForPackages(ws, g, []string{"ghost"}, []string{"build"}); err == nil {
		t.Fatal("expected unknown package error")
	}
}
