package resolve

import (
	"context"
	"errors"
	"fmt"

	"marketscope/internal/docstore"
	"marketscope/internal/logging"
	"marketscope/internal/snapshot"
)

// CorpusSource says which path satisfied a corpus resolution.
type CorpusSource string

const (
	SourcePointer CorpusSource = "POINTER"
	SourceScan    CorpusSource = "SCAN"
)

// CorpusResolution is the active keyword corpus snapshot for a scope.
type CorpusResolution struct {
	Snapshot *snapshot.Snapshot
	Source   CorpusSource
	// Pass records which scan priority pass matched (1-4); zero for the
	// pointer path.
	Pass int
}

// CorpusResolver finds the active corpus snapshot for a scope. The pointer
// document is a read-through cache only: a missing, stale or hygiene-failing
// pointer falls back to a direct scan, and a successful scan heals the
// pointer for the next reader.
type CorpusResolver struct {
	docs *docstore.Store
	ptrs *snapshot.PointerStore
}

// NewCorpusResolver wraps a document store.
func NewCorpusResolver(docs *docstore.Store) *CorpusResolver {
	return &CorpusResolver{docs: docs, ptrs: snapshot.NewPointerStore(docs)}
}

func (r *CorpusResolver) snapStore(req Request) *snapshot.Store {
	if req.SnapshotRoot != "" {
		return snapshot.NewStore(r.docs, snapshot.WithRootCollection(req.SnapshotRoot))
	}
	return snapshot.NewStore(r.docs)
}

// Resolve returns the active corpus snapshot for a scope, or
// docstore.ErrNotFound when the scope holds no usable snapshot at all.
func (r *CorpusResolver) Resolve(ctx context.Context, req Request, scope snapshot.Scope) (*CorpusResolution, error) {
	store := r.snapStore(req)

	if snap := r.tryPointer(ctx, store, scope); snap != nil {
		return &CorpusResolution{Snapshot: snap, Source: SourcePointer}, nil
	}

	snaps, err := store.List(ctx, scope, 0)
	if err != nil {
		return nil, fmt.Errorf("corpus scan %s: %w", scope.CategoryID, err)
	}

	snap, pass := scanPasses(snaps)
	if snap == nil {
		return nil, fmt.Errorf("corpus for %s/%s/%s: %w",
			scope.CategoryID, scope.CountryCode, scope.LanguageCode, docstore.ErrNotFound)
	}

	logging.Resolver("Corpus %s resolved by scan pass %d: snapshot %s (%s, %d valid / %d rows)",
		scope.CategoryID, pass, snap.SnapshotID, snap.Lifecycle, snap.Stats.ValidTotal, snap.Stats.KeywordsTotal)

	// Self-heal: the next reader should hit the pointer path. A failed heal
	// is logged, not fatal; the scan result is still correct.
	if err := r.ptrs.Upsert(ctx, scope, snap); err != nil {
		logging.Get(logging.CategoryResolver).Warn("Pointer self-heal failed for %s: %v", scope.CategoryID, err)
	}

	return &CorpusResolution{Snapshot: snap, Source: SourceScan, Pass: pass}, nil
}

// tryPointer follows the pointer document if it exists, passes id hygiene and
// still targets a present snapshot with rows. Any failure returns nil so the
// caller falls through to the scan.
func (r *CorpusResolver) tryPointer(ctx context.Context, store *snapshot.Store, scope snapshot.Scope) *snapshot.Snapshot {
	ptr, err := r.ptrs.Get(ctx, scope)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			logging.Get(logging.CategoryResolver).Warn("Pointer read failed for %s: %v", scope.CategoryID, err)
		}
		return nil
	}

	if !snapshot.IsRealSnapshotID(ptr.ActiveSnapshotID) {
		logging.Get(logging.CategoryResolver).Warn(
			"Pointer %s targets non-data id %q, ignoring and rescanning", ptr.Key, ptr.ActiveSnapshotID)
		return nil
	}

	snap, err := store.GetByID(ctx, scope, ptr.ActiveSnapshotID)
	if err != nil {
		logging.Get(logging.CategoryResolver).Warn(
			"Pointer %s targets missing snapshot %s, rescanning", ptr.Key, ptr.ActiveSnapshotID)
		return nil
	}
	if snap.Stats.KeywordsTotal == 0 {
		logging.ResolverDebug("Pointer %s targets empty snapshot %s, rescanning", ptr.Key, snap.SnapshotID)
		return nil
	}

	logging.ResolverDebug("Corpus %s resolved by pointer: snapshot %s", scope.CategoryID, snap.SnapshotID)
	return snap
}

// scanPasses selects the best candidate in four priority passes:
//
//	1: certified or validated lifecycle with valid rows,
//	2: any lifecycle with valid rows,
//	3: any lifecycle with any rows,
//	4: newest snapshot at all.
//
// Poisoned snapshots and non-data ids are always skipped.
func scanPasses(snaps []*snapshot.Snapshot) (*snapshot.Snapshot, int) {
	usable := func(s *snapshot.Snapshot) bool {
		return snapshot.IsRealSnapshotID(s.SnapshotID) && s.Lifecycle != snapshot.LifecyclePoisoned
	}

	passes := []func(*snapshot.Snapshot) bool{
		func(s *snapshot.Snapshot) bool {
			return usable(s) && (s.Lifecycle.IsCertified() || s.Lifecycle.IsValidated()) && s.Stats.ValidTotal > 0
		},
		func(s *snapshot.Snapshot) bool { return usable(s) && s.Stats.ValidTotal > 0 },
		func(s *snapshot.Snapshot) bool { return usable(s) && s.Stats.KeywordsTotal > 0 },
		usable,
	}
	for i, keep := range passes {
		if s := newest(snaps, keep); s != nil {
			return s, i + 1
		}
	}
	return nil, 0
}
