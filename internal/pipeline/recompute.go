package pipeline

import (
	"context"
	"fmt"

	"marketscope/internal/docstore"
	"marketscope/internal/logging"
	"marketscope/internal/resolve"
	"marketscope/internal/snapshot"
)

// Recomputer rebuilds demand metrics straight from stored corpus rows. It is
// the production recompute path for demand repair: the volume cache is never
// consulted, only rows already persisted under the linked snapshot.
type Recomputer struct {
	docs  *docstore.Store
	snaps *snapshot.Store

	// CountryCode and LanguageCode complete a scope when the caller only
	// knows the category.
	CountryCode  string
	LanguageCode string
}

// NewRecomputer wires a recomputer over a document store.
func NewRecomputer(docs *docstore.Store, country, language string) *Recomputer {
	return &Recomputer{
		docs:         docs,
		snaps:        snapshot.NewStore(docs),
		CountryCode:  country,
		LanguageCode: language,
	}
}

// Recompute reads the rows of the linked snapshot and recomputes the metric
// set. When no snapshot linkage exists the corpus resolver picks the best
// available snapshot instead.
func (r *Recomputer) Recompute(ctx context.Context, scope snapshot.Scope, month, sourceSnapshotID string) (*resolve.DemandMetrics, error) {
	if scope.CountryCode == "" {
		scope.CountryCode = r.CountryCode
	}
	if scope.LanguageCode == "" {
		scope.LanguageCode = r.LanguageCode
	}

	var snap *snapshot.Snapshot
	if snapshot.IsRealSnapshotID(sourceSnapshotID) {
		s, err := r.snaps.GetByID(ctx, scope, sourceSnapshotID)
		if err != nil {
			return nil, fmt.Errorf("recompute source snapshot %s: %w", sourceSnapshotID, err)
		}
		snap = s
	} else {
		res, err := resolve.NewCorpusResolver(r.docs).Resolve(ctx, resolve.Request{}, scope)
		if err != nil {
			return nil, fmt.Errorf("recompute corpus for %s: %w", scope.CategoryID, err)
		}
		snap = res.Snapshot
	}

	// Recomputing from poisoned rows would launder bad data back into a
	// healthy-looking output.
	if snap.Poisoned || snap.Lifecycle == snapshot.LifecyclePoisoned {
		return nil, fmt.Errorf("recompute source %s: %w", snap.SnapshotID, snapshot.ErrPoisoned)
	}

	rows, err := r.snaps.ReadAllRows(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("recompute rows %s: %w", snap.SnapshotID, err)
	}

	metrics := ComputeDemandMetrics(rows)
	logging.Repair("Recomputed %s/%s from snapshot %s: index %.2f over %d rows",
		scope.CategoryID, month, snap.SnapshotID, metrics.DemandIndex, len(rows))
	return metrics, nil
}
