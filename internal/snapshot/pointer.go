package snapshot

import (
	"context"
	"errors"
	"fmt"

	"marketscope/internal/canon"
	"marketscope/internal/docstore"
	"marketscope/internal/logging"
)

// PointerCollection holds the small read-through pointer documents that name
// the active snapshot per scope. Pointers are an optimization only; every
// consumer must survive a missing or stale pointer by falling back to a scan.
const PointerCollection = "snapshot_index"

// Pointer names the active snapshot for one scope. Pointers are never hard
// deleted; retirement sets DeletedAtISO so the slot's history survives.
type Pointer struct {
	Key              string `json:"key"`
	CategoryID       string `json:"category_id"`
	CountryCode      string `json:"country_code"`
	LanguageCode     string `json:"language_code"`
	ActiveSnapshotID string `json:"active_snapshot_id"`
	Lifecycle        string `json:"lifecycle"`
	RowCount         int    `json:"row_count"`
	UpdatedAtISO     string `json:"updated_at_iso"`
	DeletedAtISO     string `json:"deleted_at_iso,omitempty"`
}

// PointerStore manages the active-snapshot pointer documents.
type PointerStore struct {
	docs *docstore.Store
	coll string
}

// NewPointerStore wraps a document store.
func NewPointerStore(docs *docstore.Store) *PointerStore {
	return &PointerStore{docs: docs, coll: PointerCollection}
}

// PointerKey builds the deterministic pointer document id for a scope.
func PointerKey(scope Scope) string {
	return canon.JoinKey(scope.CountryCode, scope.LanguageCode, scope.CategoryID)
}

// Get loads the pointer for a scope. A soft-deleted pointer reads back as
// absent. Returns docstore.ErrNotFound when missing or retired.
func (p *PointerStore) Get(ctx context.Context, scope Scope) (*Pointer, error) {
	var ptr Pointer
	if err := p.docs.Get(ctx, p.coll, PointerKey(scope), &ptr); err != nil {
		return nil, err
	}
	if ptr.DeletedAtISO != "" {
		return nil, fmt.Errorf("pointer %s retired at %s: %w", ptr.Key, ptr.DeletedAtISO, docstore.ErrNotFound)
	}
	return &ptr, nil
}

// Upsert points a scope at a snapshot, clearing any soft-delete stamp. The
// last writer wins; pointer updates are advisory and a lost race only costs
// one extra scan on the read side.
func (p *PointerStore) Upsert(ctx context.Context, scope Scope, snap *Snapshot) error {
	if snap == nil || snap.SnapshotID == "" {
		return errors.New("pointer upsert: missing snapshot")
	}
	ptr := Pointer{
		Key:              PointerKey(scope),
		CategoryID:       scope.CategoryID,
		CountryCode:      scope.CountryCode,
		LanguageCode:     scope.LanguageCode,
		ActiveSnapshotID: snap.SnapshotID,
		Lifecycle:        string(snap.Lifecycle),
		RowCount:         snap.Stats.KeywordsTotal,
		UpdatedAtISO:     docstore.NowISO(),
	}
	if err := p.docs.Set(ctx, p.coll, ptr.Key, ptr); err != nil {
		return fmt.Errorf("pointer upsert %s: %w", ptr.Key, err)
	}
	logging.ResolverDebug("Pointer %s now targets snapshot %s (%s, %d rows)",
		ptr.Key, snap.SnapshotID, snap.Lifecycle, ptr.RowCount)
	return nil
}

// LatestPointer names the newest artifact for one (category, month) slot.
// It carries enough provenance to trace the artifact back to the run and
// source snapshot that produced it.
type LatestPointer struct {
	Key              string `json:"key"`
	CategoryID       string `json:"category_id"`
	Month            string `json:"month"`
	ArtifactID       string `json:"artifact_id"`
	SourceSnapshotID string `json:"source_snapshot_id,omitempty"`
	RunID            string `json:"run_id,omitempty"`
	UpdatedAtISO     string `json:"updated_at_iso"`
	DeletedAtISO     string `json:"deleted_at_iso,omitempty"`
}

// LatestStore manages one artifact domain's month-keyed latest pointers,
// stored under the domain's "{domain}_latest" collection. Like scope
// pointers they are an optimization: readers fall back to a scan when the
// slot is missing or stale.
type LatestStore struct {
	docs *docstore.Store
	coll string
}

// NewLatestStore wraps a document store for one artifact domain, e.g.
// "report" writes to report_latest.
func NewLatestStore(docs *docstore.Store, domain string) *LatestStore {
	return &LatestStore{docs: docs, coll: domain + "_latest"}
}

// Collection returns the backing collection name.
func (l *LatestStore) Collection() string { return l.coll }

// LatestKey builds the deterministic slot id for a category and month.
func LatestKey(categoryID, month string) string {
	return canon.JoinKey(categoryID, month)
}

// Get loads the slot for (category, month). A soft-deleted slot reads back
// as absent. Returns docstore.ErrNotFound when missing or retired.
func (l *LatestStore) Get(ctx context.Context, categoryID, month string) (*LatestPointer, error) {
	var ptr LatestPointer
	if err := l.docs.Get(ctx, l.coll, LatestKey(categoryID, month), &ptr); err != nil {
		return nil, err
	}
	if ptr.DeletedAtISO != "" {
		return nil, fmt.Errorf("latest slot %s retired at %s: %w", ptr.Key, ptr.DeletedAtISO, docstore.ErrNotFound)
	}
	return &ptr, nil
}

// Upsert points the slot at an artifact. A full write, so a previously
// retired slot is revived with its tombstone cleared.
func (l *LatestStore) Upsert(ctx context.Context, ptr LatestPointer) error {
	if ptr.CategoryID == "" || ptr.Month == "" || ptr.ArtifactID == "" {
		return errors.New("latest upsert: category, month and artifact id are all required")
	}
	ptr.Key = LatestKey(ptr.CategoryID, ptr.Month)
	ptr.UpdatedAtISO = docstore.NowISO()
	ptr.DeletedAtISO = ""
	if err := l.docs.Set(ctx, l.coll, ptr.Key, ptr); err != nil {
		return fmt.Errorf("latest upsert %s/%s: %w", l.coll, ptr.Key, err)
	}
	logging.ResolverDebug("Latest slot %s/%s now targets %s", l.coll, ptr.Key, ptr.ArtifactID)
	return nil
}

// SoftDelete retires a slot without destroying it. Absent slots are not an
// error.
func (l *LatestStore) SoftDelete(ctx context.Context, categoryID, month, reason string) error {
	key := LatestKey(categoryID, month)
	exists, err := l.docs.Exists(ctx, l.coll, key)
	if err != nil {
		return fmt.Errorf("latest soft-delete %s/%s: %w", l.coll, key, err)
	}
	if !exists {
		return nil
	}
	err = l.docs.Merge(ctx, l.coll, key, map[string]any{
		"deleted_at_iso": docstore.NowISO(),
		"deleted_reason": reason,
	})
	if err != nil {
		return fmt.Errorf("latest soft-delete %s/%s: %w", l.coll, key, err)
	}
	logging.Resolver("Latest slot %s/%s soft-deleted: %s", l.coll, key, reason)
	return nil
}

// SoftDelete retires a pointer without destroying it. Absent pointers are
// not an error.
func (p *PointerStore) SoftDelete(ctx context.Context, scope Scope, reason string) error {
	key := PointerKey(scope)
	exists, err := p.docs.Exists(ctx, p.coll, key)
	if err != nil {
		return fmt.Errorf("pointer soft-delete %s: %w", key, err)
	}
	if !exists {
		return nil
	}
	err = p.docs.Merge(ctx, p.coll, key, map[string]any{
		"deleted_at_iso": docstore.NowISO(),
		"deleted_reason": reason,
	})
	if err != nil {
		return fmt.Errorf("pointer soft-delete %s: %w", key, err)
	}
	logging.Resolver("Pointer %s soft-deleted: %s", key, reason)
	return nil
}
