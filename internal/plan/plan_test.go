package plan

import (
	"errors"
	"reflect"
	"testing"
)

func mustAdd(t *testing.T, p *Plan, id string, deps ...string) {
	t.Helper()
	if err := p.AddTask(id, deps...); err != nil {
		t.Fatalf("AddTask(%q, %v): %v", id, deps, err)
	}
}

func TestAddTaskAndOrder(t *testing.T) {
	p := New()
	mustAdd(t, p, "deploy", "build", "migrate")
	mustAdd(t, p, "build", "lint")
	mustAdd(t, p, "migrate")
	mustAdd(t, p, "lint")

	order := p.Order()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if len(order) != 4 {
		t.Fatalf("order = %v", order)
	}
	for _, pair := range [][2]string{{"lint", "build"}, {"build", "deploy"}, {"migrate", "deploy"}} {
		if pos[pair[0]] > pos[pair[1]] {
			t.Errorf("%q ordered after its dependent %q: %v", pair[0], pair[1], order)
		}
	}
}

func TestSelfDependencyRejected(t *testing.T) {
	p := New()
	if err := p.AddTask("a", "a"); !errors.Is(err, ErrCycle) {
		t.Fatalf("err = %v, want ErrCycle", err)
	}
}

func TestCycleRejectedBeforeMutation(t *testing.T) {
	p := New()
	mustAdd(t, p, "a", "b")
	mustAdd(t, p, "b", "c")

	// c -> a would close a three-task loop.
	err := p.AddTask("c", "a")
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("err = %v, want ErrCycle", err)
	}

	// The failed addition must leave the plan untouched.
	if _, err := p.Dependencies("c"); !errors.Is(err, ErrNotFound) {
		t.Fatal("rejected task was partially added")
	}
	if len(p.Tasks()) != 2 {
		t.Fatalf("tasks = %v", p.Tasks())
	}

	// A harmless version of the same id still works afterwards.
	mustAdd(t, p, "c")
}

func TestDuplicateTaskRejected(t *testing.T) {
	p := New()
	mustAdd(t, p, "a")
	if err := p.AddTask("a"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestEmptyIDRejected(t *testing.T) {
	if err := New().AddTask(""); err == nil {
		t.Fatal("empty id accepted")
	}
}

func TestForwardDeclaredDependency(t *testing.T) {
	// Dependencies may name tasks added later.
	p := New()
	mustAdd(t, p, "deploy", "build")
	mustAdd(t, p, "build")

	order := p.Order()
	want := []string{"build", "deploy"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestOrderIgnoresUnknownDependencies(t *testing.T) {
	p := New()
	mustAdd(t, p, "a", "external-prereq")

	order := p.Order()
	if !reflect.DeepEqual(order, []string{"a"}) {
		t.Fatalf("order = %v", order)
	}
}

func TestDependenciesTypedMiss(t *testing.T) {
	if _, err := New().Dependencies("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTasksSorted(t *testing.T) {
	p := New()
	mustAdd(t, p, "c")
	mustAdd(t, p, "a")
	mustAdd(t, p, "b")

	tasks := p.Tasks()
	if tasks[0].ID != "a" || tasks[1].ID != "b" || tasks[2].ID != "c" {
		t.Fatalf("tasks = %v", tasks)
	}
}
