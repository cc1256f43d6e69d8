package depgraph

import (
	"testing"

	"github.com/nef/procman/internal/child"
	"github.com/nef/procman/internal/perr"
	"github.com/nef/procman/internal/worker"
)

func newWorker(name string, tags []string, require, after, before []string) *worker.Worker {
	m := worker.Manifest{
		Name:           name,
		ExecutablePath: "/bin/" + name,
		Tags:           tags,
		Require:        require,
		After:          after,
		Before:         before,
	}
	return worker.New(m, child.Spec{Name: name, Command: "/bin/true"})
}

func TestAddRejectsDuplicateName(t *testing.T) {
	c := New()
	if err := c.Add(newWorker("db", nil, nil, nil, nil)); err != nil {
		t.Fatalf("unexpected error on first Add: %v", err)
	}
	err := c.Add(newWorker("db", nil, nil, nil, nil))
	if err == nil || !perr.Is(err, perr.EExists) {
		t.Fatalf("expected E-exists, got %v", err)
	}
}

func TestAssignStartIndicesOrdersRequireAfterBefore(t *testing.T) {
	c := New()
	db := newWorker("db", nil, nil, nil, nil)
	cache := newWorker("cache", nil, nil, nil, []string{"api"})
	api := newWorker("api", nil, []string{"db"}, []string{"cache"}, nil)

	for _, w := range []*worker.Worker{api, db, cache} {
		if err := c.Add(w); err != nil {
			t.Fatalf("Add(%s): %v", w.Name(), err)
		}
	}

	report, err := c.AssignStartIndices()
	if err != nil {
		t.Fatalf("AssignStartIndices: %v", err)
	}
	if len(report.Unresolved) != 0 {
		t.Fatalf("expected no unresolved nodes, got %+v", report.Unresolved)
	}

	pos := make(map[string]int, len(report.Order))
	for i, n := range report.Order {
		pos[n] = i
	}
	if pos["db"] >= pos["api"] {
		t.Fatalf("expected db before api, order=%v", report.Order)
	}
	if pos["cache"] >= pos["api"] {
		t.Fatalf("expected cache before api, order=%v", report.Order)
	}
	if db.StartIndex() != pos["db"] || api.StartIndex() != pos["api"] {
		t.Fatalf("StartIndex not assigned to match report order")
	}
}

func TestAssignStartIndicesReportsCycle(t *testing.T) {
	c := New()
	a := newWorker("a", nil, []string{"b"}, nil, nil)
	b := newWorker("b", nil, []string{"a"}, nil, nil)
	for _, w := range []*worker.Worker{a, b} {
		if err := c.Add(w); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	report, err := c.AssignStartIndices()
	if err == nil || !perr.Is(err, perr.EInval) {
		t.Fatalf("expected E-inval on cycle, got %v", err)
	}
	if len(report.Unresolved) != 2 {
		t.Fatalf("expected both nodes unresolved, got %+v", report.Unresolved)
	}
}

func TestExpandTagAndPrestartedWorkers(t *testing.T) {
	c := New()
	w1 := newWorker("w1", []string{"infra"}, nil, nil, nil)
	w2 := newWorker("w2", []string{"infra"}, nil, nil, nil)
	consumer := newWorker("consumer", nil, []string{"tag:infra"}, nil, nil)
	for _, w := range []*worker.Worker{w1, w2, consumer} {
		if err := c.Add(w); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	tagged := c.ExpandTag("infra")
	if len(tagged) != 2 || tagged[0] != "w1" || tagged[1] != "w2" {
		t.Fatalf("ExpandTag = %v", tagged)
	}

	pre := c.PrestartedWorkers(consumer)
	if len(pre) != 2 {
		t.Fatalf("PrestartedWorkers = %v, want w1 and w2", pre)
	}
}

func TestByStartIndexOrdersAscending(t *testing.T) {
	c := New()
	a := newWorker("a", nil, nil, nil, nil)
	b := newWorker("b", nil, []string{"a"}, nil, nil)
	for _, w := range []*worker.Worker{b, a} {
		if err := c.Add(w); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := c.AssignStartIndices(); err != nil {
		t.Fatalf("AssignStartIndices: %v", err)
	}
	ordered := c.ByStartIndex()
	if ordered[0].Name() != "a" || ordered[1].Name() != "b" {
		t.Fatalf("ByStartIndex order = [%s, %s], want [a, b]", ordered[0].Name(), ordered[1].Name())
	}
}
