// Package depgraph is the worker collection and dependency engine: it
// holds every known worker, expands tag references, and computes the
// total start order via Kahn's algorithm over the require/after/before
// edge set. Grounded on loykin-provisr's
// internal/process_group.Group shape (a thin struct wrapping the
// manager's workers), generalized with a real topological sort, since
// nothing in the example pack implements graph ordering.
package depgraph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nef/procman/internal/perr"
	"github.com/nef/procman/internal/worker"
)

// Collection holds every worker known to a running supervisor, keyed by
// name, and computes their dependency order.
type Collection struct {
	mu      sync.RWMutex
	workers map[string]*worker.Worker
}

// New returns an empty Collection.
func New() *Collection {
	return &Collection{workers: make(map[string]*worker.Worker)}
}

// Add registers w under its name. Returns an E-exists perr.Error on a
// duplicate name.
func (c *Collection) Add(w *worker.Worker) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := w.Name()
	if _, exists := c.workers[name]; exists {
		return perr.New(perr.EExists, "depgraph.Add", fmt.Errorf("worker %q already registered", name))
	}
	c.workers[name] = w
	return nil
}

// Get returns the named worker, if present.
func (c *Collection) Get(name string) (*worker.Worker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.workers[name]
	return w, ok
}

// All returns every worker in the collection, order unspecified.
func (c *Collection) All() []*worker.Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*worker.Worker, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, w)
	}
	return out
}

// ExpandTag returns the names of every worker whose Tags include tag.
func (c *Collection) ExpandTag(tag string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for name, w := range c.workers {
		for _, t := range w.Manifest.Tags {
			if t == tag {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// expandRefs expands a list of names, where entries prefixed "tag:"
// are replaced by every worker carrying that tag.
func (c *Collection) expandRefs(refs []string) []string {
	var out []string
	for _, ref := range refs {
		if rest, ok := strings.CutPrefix(ref, "tag:"); ok {
			out = append(out, c.ExpandTag(rest)...)
			continue
		}
		out = append(out, ref)
	}
	return out
}

// Requires implements worker.Graph: the names w directly requires,
// tag references expanded.
func (c *Collection) Requires(w *worker.Worker) []string {
	return c.expandRefs(w.Manifest.Require)
}

// RequiredBy implements worker.Graph: the names that directly require w.
func (c *Collection) RequiredBy(w *worker.Worker) []string {
	name := w.Name()
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for otherName, other := range c.workers {
		for _, req := range c.expandRefs(other.Manifest.Require) {
			if req == name {
				out = append(out, otherName)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// RequiredWorkers returns the subset of w.Manifest.Require (tags
// expanded) that actually exist in the collection.
func (c *Collection) RequiredWorkers(w *worker.Worker) []string {
	var out []string
	for _, name := range c.expandRefs(w.Manifest.Require) {
		if _, ok := c.Get(name); ok {
			out = append(out, name)
		}
	}
	return out
}

// PrestartedWorkers returns require ∪ after plus the reverse of before
// — the set the supervisor must see
// running (or within their spawn grace) before starting w.
func (c *Collection) PrestartedWorkers(w *worker.Worker) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(names []string) {
		for _, n := range names {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	add(c.expandRefs(w.Manifest.Require))
	add(c.expandRefs(w.Manifest.After))

	name := w.Name()
	c.mu.RLock()
	var reverseBefore []string
	for otherName, other := range c.workers {
		for _, b := range c.expandRefs(other.Manifest.Before) {
			if b == name {
				reverseBefore = append(reverseBefore, otherName)
				break
			}
		}
	}
	c.mu.RUnlock()
	sort.Strings(reverseBefore)
	add(reverseBefore)

	return out
}

// Unresolved describes a worker that never reached indegree zero during
// AssignStartIndices, together with the edges still blocking it.
type Unresolved struct {
	Name      string
	BlockedOn []string
}

// Report is the result of AssignStartIndices.
type Report struct {
	Order      []string // names in start order
	Unresolved []Unresolved
}

// AssignStartIndices builds the edge set (require ∪ after → W, W →
// before, tag: expanded) and runs Kahn's algorithm with a deterministic
// name-based tie-break, assigning each worker's StartIndex in the
// resulting order. On a cycle it returns a
// non-nil error and a Report whose Unresolved lists every node that
// never reached indegree zero with its remaining blockers.
func (c *Collection) AssignStartIndices() (*Report, error) {
	c.mu.RLock()
	names := make([]string, 0, len(c.workers))
	for name := range c.workers {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	// indegree[w] counts edges X -> w still unresolved; blockers[w] lists
	// the names those edges come from, for cycle reporting.
	indegree := make(map[string]int, len(names))
	blockers := make(map[string]map[string]struct{}, len(names))
	dependents := make(map[string][]string, len(names))
	for _, n := range names {
		indegree[n] = 0
		blockers[n] = make(map[string]struct{})
	}

	addEdge := func(from, to string) {
		if from == to {
			return
		}
		if _, ok := indegree[to]; !ok {
			return
		}
		if _, ok := indegree[from]; !ok {
			return
		}
		if _, already := blockers[to][from]; already {
			return
		}
		blockers[to][from] = struct{}{}
		indegree[to]++
		dependents[from] = append(dependents[from], to)
	}

	for _, n := range names {
		w, _ := c.Get(n)
		for _, from := range c.expandRefs(w.Manifest.Require) {
			addEdge(from, n)
		}
		for _, from := range c.expandRefs(w.Manifest.After) {
			addEdge(from, n)
		}
		for _, to := range c.expandRefs(w.Manifest.Before) {
			addEdge(n, to)
		}
	}

	var ready []string
	for _, n := range names {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		var freed []string
		for _, dep := range dependents[n] {
			delete(blockers[dep], n)
			indegree[dep]--
			if indegree[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		ready = append(ready, freed...)
	}

	if len(order) != len(names) {
		resolvedSet := make(map[string]struct{}, len(order))
		for _, n := range order {
			resolvedSet[n] = struct{}{}
		}
		var unresolved []Unresolved
		for _, n := range names {
			if _, ok := resolvedSet[n]; ok {
				continue
			}
			var blocking []string
			for from := range blockers[n] {
				blocking = append(blocking, from)
			}
			sort.Strings(blocking)
			unresolved = append(unresolved, Unresolved{Name: n, BlockedOn: blocking})
		}
		report := &Report{Order: order, Unresolved: unresolved}
		return report, perr.New(perr.EInval, "depgraph.AssignStartIndices",
			fmt.Errorf("dependency cycle involving %d worker(s)", len(unresolved)))
	}

	for idx, n := range order {
		w, _ := c.Get(n)
		w.SetStartIndex(idx)
	}
	return &Report{Order: order}, nil
}

// ByStartIndex returns every worker ordered by StartIndex ascending,
// for the supervisor's start-phase tick iteration.
func (c *Collection) ByStartIndex() []*worker.Worker {
	all := c.All()
	sort.Slice(all, func(i, j int) bool { return all[i].StartIndex() < all[j].StartIndex() })
	return all
}
