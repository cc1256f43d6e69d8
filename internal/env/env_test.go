package env

import (
	"slices"
	"sort"
	"testing"
)

func TestNewWithBaseEmptyExcludesOSEnv(t *testing.T) {
	t.Setenv("ENV_TEST_MARKER_VAR", "from-os")

	e := NewWithBase(Var{})
	out := e.Merge(nil)
	for _, kv := range out {
		if kv == "ENV_TEST_MARKER_VAR=from-os" {
			t.Fatalf("NewWithBase(Var{}) leaked OS env into merge result: %v", out)
		}
	}
}

func TestNewWithBaseNilFallsBackToOSSnapshot(t *testing.T) {
	t.Setenv("ENV_TEST_MARKER_VAR", "from-os")

	e := NewWithBase(nil)
	out := e.Merge(nil)
	if !slices.Contains(out, "ENV_TEST_MARKER_VAR=from-os") {
		t.Fatalf("NewWithBase(nil) should behave like New(): %v", out)
	}
}

func TestMergeAppliesGlobalsThenPerProcessOverrides(t *testing.T) {
	e := NewWithBase(Var{})
	e = e.WithSet("A", "1")
	e = e.WithSet("B", "2")

	out := e.Merge([]string{"B=3", "C=4"})
	sort.Strings(out)

	want := []string{"A=1", "B=3", "C=4"}
	sort.Strings(want)
	if !slices.Equal(out, want) {
		t.Fatalf("Merge() = %v, want %v", out, want)
	}
}

func TestMergeExpandsVarReferences(t *testing.T) {
	e := NewWithBase(Var{})
	e = e.WithSet("HOST", "db.internal")

	out := e.Merge([]string{"DSN=postgres://${HOST}/app"})
	if !slices.Contains(out, "DSN=postgres://db.internal/app") {
		t.Fatalf("expected expanded DSN, got %v", out)
	}
}

func TestWithUnsetRemovesGlobal(t *testing.T) {
	e := NewWithBase(Var{})
	e = e.WithSet("A", "1")
	e = e.WithUnset("A")

	out := e.Merge(nil)
	if slices.Contains(out, "A=1") {
		t.Fatalf("expected A to be removed, got %v", out)
	}
}
