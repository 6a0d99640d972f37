// Package resolve answers "which artifact should I use for this category and
// month" through deterministic, explainable fallback ladders. Every result
// carries the mode it was satisfied at and, for substitutions, a
// human-readable reason.
package resolve

// Request carries per-call resolution settings. Overrides that used to be
// tempting as process-wide toggles (collection names for probes and
// backtests) live here instead, scoped to one call chain.
type Request struct {
	// OutputsCollection overrides the deterministic demand output
	// collection. Empty means the production default.
	OutputsCollection string
	// SnapshotRoot overrides the snapshot tree root. Empty means the
	// production default.
	SnapshotRoot string
	// SignalsCollection overrides the signal corpus collection. Empty means
	// the production default.
	SignalsCollection string
}

func (r Request) outputs(def string) string {
	if r.OutputsCollection != "" {
		return r.OutputsCollection
	}
	return def
}

func (r Request) signals(def string) string {
	if r.SignalsCollection != "" {
		return r.SignalsCollection
	}
	return def
}
