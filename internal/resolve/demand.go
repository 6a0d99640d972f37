package resolve

import (
	"context"
	"errors"
	"fmt"

	"marketscope/internal/docstore"
	"marketscope/internal/logging"
	"marketscope/internal/snapshot"
)

// Mode identifies which rung of the demand ladder satisfied a resolution.
type Mode string

const (
	ModeExactV3        Mode = "EXACT_V3"
	ModeExactCertified Mode = "EXACT_MONTH_CERTIFIED"
	ModeExactValidated Mode = "EXACT_MONTH_VALIDATED"
	ModeLatestAny      Mode = "LATEST_ANY"
	ModeMissing        Mode = "MISSING"
)

// DemandResolution is the answer to one demand lookup. Exactly one of Output
// or Snapshot is set for a successful mode; Reason is always non-empty for
// LATEST_ANY and MISSING.
type DemandResolution struct {
	Mode     Mode
	Output   *DemandOutput
	Snapshot *snapshot.Snapshot
	Reason   string
}

// DemandResolver walks the demand fallback ladder.
type DemandResolver struct {
	docs    *docstore.Store
	outputs *OutputStore
}

// NewDemandResolver wraps a document store.
func NewDemandResolver(docs *docstore.Store) *DemandResolver {
	return &DemandResolver{docs: docs, outputs: NewOutputStore(docs)}
}

// snapStore returns the snapshot store honoring a per-request root override.
func (r *DemandResolver) snapStore(req Request) *snapshot.Store {
	if req.SnapshotRoot != "" {
		return snapshot.NewStore(r.docs, snapshot.WithRootCollection(req.SnapshotRoot))
	}
	return snapshot.NewStore(r.docs)
}

// Resolve walks the ladder for (scope, month):
//
//  1. deterministic output document for exactly this month carrying the
//     current metrics version tag,
//  2. newest exact-month snapshot in the certified set,
//  3. newest exact-month snapshot in the validated set,
//  4. newest snapshot of any month and lifecycle, with a reason string,
//  5. explicit MISSING.
//
// The ladder is monotonic: a higher rung that matches always wins.
func (r *DemandResolver) Resolve(ctx context.Context, req Request, scope snapshot.Scope, month string) (*DemandResolution, error) {
	timer := logging.StartTimer(logging.CategoryResolver, "DemandResolve")
	defer timer.Stop()

	out, err := r.outputs.Get(ctx, req, scope.CategoryID, month)
	switch {
	case err == nil && out.VersionTag == MetricsVersionTag && out.ValidCertified():
		logging.Resolver("Demand %s/%s resolved EXACT_V3 via output %s", scope.CategoryID, month, out.OutputID)
		return &DemandResolution{Mode: ModeExactV3, Output: out}, nil
	case err == nil:
		logging.ResolverDebug("Demand output %s present but unusable (tag %q, certified-valid %v), descending ladder",
			out.OutputID, out.VersionTag, out.ValidCertified())
	case !errors.Is(err, docstore.ErrNotFound):
		return nil, fmt.Errorf("demand output lookup %s/%s: %w", scope.CategoryID, month, err)
	}

	snaps, err := r.snapStore(req).List(ctx, scope, 0)
	if err != nil {
		return nil, fmt.Errorf("demand snapshot scan %s: %w", scope.CategoryID, err)
	}

	if s := newestInMonth(snaps, month, func(s *snapshot.Snapshot) bool {
		return s.Lifecycle.IsCertified() && !s.Poisoned
	}); s != nil {
		logging.Resolver("Demand %s/%s resolved EXACT_MONTH_CERTIFIED via snapshot %s", scope.CategoryID, month, s.SnapshotID)
		return &DemandResolution{Mode: ModeExactCertified, Snapshot: s}, nil
	}

	if s := newestInMonth(snaps, month, func(s *snapshot.Snapshot) bool {
		return s.Lifecycle.IsValidated()
	}); s != nil {
		logging.Resolver("Demand %s/%s resolved EXACT_MONTH_VALIDATED via snapshot %s", scope.CategoryID, month, s.SnapshotID)
		return &DemandResolution{Mode: ModeExactValidated, Snapshot: s}, nil
	}

	if s := newest(snaps, func(s *snapshot.Snapshot) bool { return true }); s != nil {
		reason := fmt.Sprintf("no snapshot exists for %s; substituting latest available snapshot %s created %s (lifecycle %s)",
			month, s.SnapshotID, s.CreatedAtISO, s.Lifecycle)
		logging.Resolver("Demand %s/%s resolved LATEST_ANY: %s", scope.CategoryID, month, reason)
		return &DemandResolution{Mode: ModeLatestAny, Snapshot: s, Reason: reason}, nil
	}

	reason := fmt.Sprintf("no demand output and no snapshots of any lifecycle exist for category %s", scope.CategoryID)
	logging.Get(logging.CategoryResolver).Warn("Demand %s/%s unresolved: %s", scope.CategoryID, month, reason)
	return &DemandResolution{Mode: ModeMissing, Reason: reason}, nil
}

// IsValidCertifiedSnapshot reports whether a snapshot claiming a certified
// lifecycle is trustworthy, taking its headline measure into account. A
// certified snapshot with a missing, non-finite or non-positive measure is
// poisoned and must be skipped by resolution.
func IsValidCertifiedSnapshot(s *snapshot.Snapshot, headline float64) bool {
	if s == nil || !s.Lifecycle.IsCertified() || s.Poisoned {
		return false
	}
	return HeadlineOK(headline)
}

// newestInMonth returns the most recently created snapshot within month that
// passes keep, or nil. Candidates are assumed newest-first as List returns
// them, but this does not rely on that.
func newestInMonth(snaps []*snapshot.Snapshot, month string, keep func(*snapshot.Snapshot) bool) *snapshot.Snapshot {
	return newest(snaps, func(s *snapshot.Snapshot) bool {
		return s.Month() == month && keep(s)
	})
}

func newest(snaps []*snapshot.Snapshot, keep func(*snapshot.Snapshot) bool) *snapshot.Snapshot {
	var best *snapshot.Snapshot
	for _, s := range snaps {
		if !keep(s) {
			continue
		}
		if best == nil || s.CreatedAtISO > best.CreatedAtISO ||
			(s.CreatedAtISO == best.CreatedAtISO && s.SnapshotID > best.SnapshotID) {
			best = s
		}
	}
	return best
}
