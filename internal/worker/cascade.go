package worker

// Graph is the minimal dependency-lookup view cascade operations need.
// internal/depgraph.Collection implements this; it is declared here
// (rather than worker importing depgraph) because depgraph itself holds
// *Worker values and would otherwise create an import cycle.
type Graph interface {
	// Get returns the named worker, if present.
	Get(name string) (*Worker, bool)
	// Requires returns the names w directly requires (its "require" set).
	Requires(w *Worker) []string
	// RequiredBy returns the names that directly require w.
	RequiredBy(w *Worker) []string
}

// Enable sets w enabled and, when cascade is true, recursively enables
// every worker in w's require set. cause is recorded as EnabledCause for diagnostics.
func Enable(g Graph, w *Worker, cascade bool, cause string) {
	setEnabled(w, true, cause)
	if !cascade {
		return
	}
	for _, name := range g.Requires(w) {
		dep, ok := g.Get(name)
		if !ok || dep.Enabled() {
			continue
		}
		Enable(g, dep, true, "required dependency for "+w.Name())
	}
}

// Disable sets w disabled and, when cascade is true, recursively disables
// every worker that requires w. Unkillable workers ignore disable (I6).
func Disable(g Graph, w *Worker, cascade bool, cause string) {
	if w.Manifest.Unkillable {
		return
	}
	setEnabled(w, false, cause)
	if !cascade {
		return
	}
	for _, name := range g.RequiredBy(w) {
		dep, ok := g.Get(name)
		if !ok || !dep.Enabled() || dep.Manifest.Unkillable {
			continue
		}
		Disable(g, dep, true, "required dependency "+w.Name()+" has been disabled")
	}
}

func setEnabled(w *Worker, v bool, cause string) {
	w.mu.Lock()
	w.enabled = v
	w.enabledCause = cause
	w.mu.Unlock()
}
