package snapshot

import (
	"context"
	"errors"
	"fmt"

	"marketscope/internal/canon"
	"marketscope/internal/docstore"
	"marketscope/internal/logging"
)

// RootCollection is the top of the snapshot document tree. Per-scope
// snapshot collections hang off it as
// category_snapshots/{country}/{language}/{category}/snapshots.
const RootCollection = "category_snapshots"

// Store manages snapshot metadata documents and their chunked row payloads.
type Store struct {
	docs   *docstore.Store
	chunks *ChunkStore
	root   string
}

// StoreOption configures a snapshot Store.
type StoreOption func(*Store)

// WithRootCollection overrides the top-level collection name. Probes use
// this to run against an isolated namespace.
func WithRootCollection(root string) StoreOption {
	return func(s *Store) { s.root = root }
}

// NewStore wraps a document store.
func NewStore(docs *docstore.Store, opts ...StoreOption) *Store {
	s := &Store{docs: docs, chunks: NewChunkStore(docs), root: RootCollection}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Chunks exposes the underlying chunk store for granular access.
func (s *Store) Chunks() *ChunkStore {
	return s.chunks
}

// Collection returns the snapshot collection path for a scope.
func (s *Store) Collection(scope Scope) string {
	return fmt.Sprintf("%s/%s/%s/%s/snapshots", s.root, scope.CountryCode, scope.LanguageCode, scope.CategoryID)
}

// rowParent returns the collection that holds one snapshot's chunks.
func (s *Store) rowParent(scope Scope, snapshotID string) string {
	return fmt.Sprintf("%s/%s", s.Collection(scope), snapshotID)
}

// EnsureIndexes provisions the composite index the lifecycle-filtered latest
// query depends on for a scope. Resolution against a scope whose index was
// never provisioned fails with a missing-index error by design.
func (s *Store) EnsureIndexes(ctx context.Context, scope Scope) error {
	return s.docs.RegisterIndex(ctx, s.Collection(scope), "lifecycle", "created_at_iso")
}

// DraftParams are the inputs to CreateDraft.
type DraftParams struct {
	Scope   Scope
	Anchors []Anchor
	Targets Targets
}

// CreateDraft allocates a new snapshot in DRAFT lifecycle with empty stats
// and persists it. The returned snapshot carries its allocated id.
func (s *Store) CreateDraft(ctx context.Context, p DraftParams) (*Snapshot, error) {
	now := docstore.NowISO()
	snap := &Snapshot{
		SnapshotID:   NewSnapshotID(),
		CategoryID:   p.Scope.CategoryID,
		CountryCode:  p.Scope.CountryCode,
		LanguageCode: p.Scope.LanguageCode,
		Lifecycle:    LifecycleDraft,
		CreatedAtISO: now,
		UpdatedAtISO: now,
		Anchors:      p.Anchors,
		Targets:      p.Targets,
		Stats:        Stats{AnchorsTotal: len(p.Anchors)},
		Integrity:    Integrity{SHA256: canon.ZeroHash},
	}
	if err := s.docs.Set(ctx, s.Collection(p.Scope), snap.SnapshotID, snap); err != nil {
		return nil, fmt.Errorf("create draft snapshot: %w", err)
	}
	logging.Snapshot("Created draft snapshot %s for %s/%s/%s (%d anchors)",
		snap.SnapshotID, p.Scope.CategoryID, p.Scope.CountryCode, p.Scope.LanguageCode, len(p.Anchors))
	return snap, nil
}

// GetByID loads one snapshot by id. Returns docstore.ErrNotFound when absent.
func (s *Store) GetByID(ctx context.Context, scope Scope, snapshotID string) (*Snapshot, error) {
	var snap Snapshot
	if err := s.docs.Get(ctx, s.Collection(scope), snapshotID, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetLatest returns the newest snapshot in the scope whose lifecycle is in
// the given set, ordered by creation time descending with id as tie-break.
// A nil or empty set means "any lifecycle". Returns docstore.ErrNotFound
// when no snapshot matches.
func (s *Store) GetLatest(ctx context.Context, scope Scope, lifecycles []Lifecycle) (*Snapshot, error) {
	q := s.docs.Query(s.Collection(scope)).OrderBy("created_at_iso", true).Limit(1)
	if len(lifecycles) > 0 {
		q = q.Where("lifecycle", docstore.OpIn, LifecycleStrings(lifecycles))
	}
	doc, err := q.First(ctx)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := docstore.Decode(doc.Data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", doc.ID, err)
	}
	return &snap, nil
}

// List returns all snapshots in a scope, newest first. Resolution scans use
// this when the pointer path fails.
func (s *Store) List(ctx context.Context, scope Scope, limit int) ([]*Snapshot, error) {
	q := s.docs.Query(s.Collection(scope)).OrderBy("created_at_iso", true)
	if limit > 0 {
		q = q.Limit(limit)
	}
	docs, err := q.Documents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %s: %w", scope.CategoryID, err)
	}
	out := make([]*Snapshot, 0, len(docs))
	for _, d := range docs {
		var snap Snapshot
		if err := docstore.Decode(d.Data, &snap); err != nil {
			logging.Get(logging.CategorySnapshot).Warn("Skipping undecodable snapshot %s: %v", d.ID, err)
			continue
		}
		out = append(out, &snap)
	}
	return out, nil
}

// Write persists snapshot metadata, refreshing updated_at_iso. The snapshot
// id must already be allocated.
func (s *Store) Write(ctx context.Context, snap *Snapshot) error {
	if snap.SnapshotID == "" {
		return errors.New("write snapshot: missing snapshot id")
	}
	snap.UpdatedAtISO = docstore.NowISO()
	scope := Scope{CategoryID: snap.CategoryID, CountryCode: snap.CountryCode, LanguageCode: snap.LanguageCode}
	if err := s.docs.Set(ctx, s.Collection(scope), snap.SnapshotID, snap); err != nil {
		return fmt.Errorf("write snapshot %s: %w", snap.SnapshotID, err)
	}
	return nil
}

// Merge applies a partial patch to one snapshot document, leaving all other
// fields untouched. Used for lifecycle transitions and poison stamps.
func (s *Store) Merge(ctx context.Context, scope Scope, snapshotID string, patch map[string]any) error {
	patch["updated_at_iso"] = docstore.NowISO()
	if err := s.docs.Merge(ctx, s.Collection(scope), snapshotID, patch); err != nil {
		return fmt.Errorf("merge snapshot %s: %w", snapshotID, err)
	}
	return nil
}

// WriteRows replaces the snapshot's row payload with a fresh chunk set,
// deleting any stale chunks from a previous larger write, and updates the
// snapshot's integrity block and row stats.
func (s *Store) WriteRows(ctx context.Context, snap *Snapshot, rows []Row, chunkSize int) error {
	timer := logging.StartTimer(logging.CategorySnapshot, "WriteRows")
	defer timer.Stop()

	scope := Scope{CategoryID: snap.CategoryID, CountryCode: snap.CountryCode, LanguageCode: snap.LanguageCode}
	parent := s.rowParent(scope, snap.SnapshotID)

	if _, err := s.chunks.DeleteChunks(ctx, parent); err != nil {
		return fmt.Errorf("clear stale chunks for %s: %w", snap.SnapshotID, err)
	}
	res, err := s.chunks.WriteChunks(ctx, parent, rows, chunkSize)
	if err != nil {
		return fmt.Errorf("write rows for %s: %w", snap.SnapshotID, err)
	}

	snap.Integrity = Integrity{SHA256: res.CombinedHash, ChunkCount: res.ChunkCount, ChunkSize: res.ChunkSize}
	snap.Stats = ComputeStats(snap.Anchors, rows)
	if err := s.Write(ctx, snap); err != nil {
		return err
	}
	logging.Snapshot("Persisted %d rows for snapshot %s (%d chunks)", len(rows), snap.SnapshotID, res.ChunkCount)
	return nil
}

// ReadAllRows loads the full row payload of a snapshot and verifies the
// persisted chunk count against the snapshot's integrity metadata.
func (s *Store) ReadAllRows(ctx context.Context, snap *Snapshot) ([]Row, error) {
	scope := Scope{CategoryID: snap.CategoryID, CountryCode: snap.CountryCode, LanguageCode: snap.LanguageCode}
	rows, chunkCount, err := s.chunks.ReadChunks(ctx, s.rowParent(scope, snap.SnapshotID))
	if err != nil {
		return nil, err
	}
	if snap.Integrity.ChunkCount != 0 && chunkCount != snap.Integrity.ChunkCount {
		return nil, fmt.Errorf("snapshot %s chunk count mismatch: metadata says %d, found %d",
			snap.SnapshotID, snap.Integrity.ChunkCount, chunkCount)
	}
	return rows, nil
}

// ComputeStats derives row stats from scratch. Per-anchor maps are keyed by
// anchor id and include anchors with zero rows.
func ComputeStats(anchors []Anchor, rows []Row) Stats {
	stats := Stats{
		AnchorsTotal:   len(anchors),
		KeywordsTotal:  len(rows),
		PerAnchorValid: make(map[string]int, len(anchors)),
		PerAnchorTotal: make(map[string]int, len(anchors)),
	}
	for _, a := range anchors {
		stats.PerAnchorValid[a.ID] = 0
		stats.PerAnchorTotal[a.ID] = 0
	}
	for _, r := range rows {
		stats.PerAnchorTotal[r.AnchorID]++
		switch r.Status {
		case RowValid:
			stats.ValidTotal++
			stats.ValidatedTotal++
			stats.PerAnchorValid[r.AnchorID]++
		case RowLow:
			stats.LowTotal++
			stats.ValidatedTotal++
		case RowZero:
			stats.ZeroTotal++
			stats.ValidatedTotal++
		case RowError:
			stats.ErrorTotal++
			stats.ValidatedTotal++
		}
	}
	return stats
}

// ForceMarkAllValid is the break-glass override: it loads every row of a
// snapshot, stamps all of them VALID with synthetic metrics, recomputes the
// stats and rewrites the payload. Every invocation is logged loudly because
// it deliberately bypasses validation.
func (s *Store) ForceMarkAllValid(ctx context.Context, snap *Snapshot, operator string) (int, error) {
	logging.Get(logging.CategorySnapshot).Warn(
		"FORCE-MARK-ALL-VALID invoked by %q on snapshot %s (%s/%s/%s): bypassing validation for %d rows",
		operator, snap.SnapshotID, snap.CategoryID, snap.CountryCode, snap.LanguageCode, snap.Stats.KeywordsTotal)

	rows, err := s.ReadAllRows(ctx, snap)
	if err != nil {
		return 0, fmt.Errorf("force-mark read rows: %w", err)
	}
	now := docstore.NowISO()
	for i := range rows {
		rows[i].Status = RowValid
		rows[i].ValidationTier = "A"
		rows[i].Volume = 500
		rows[i].CPC = 1.0
		rows[i].Competition = 0.5
		rows[i].ValidatedAtISO = now
		rows[i].Active = true
	}
	if err := s.WriteRows(ctx, snap, rows, snap.Integrity.ChunkSize); err != nil {
		return 0, fmt.Errorf("force-mark rewrite: %w", err)
	}

	logging.Get(logging.CategorySnapshot).Warn(
		"FORCE-MARK-ALL-VALID completed on snapshot %s: %d rows stamped VALID with synthetic metrics",
		snap.SnapshotID, len(rows))
	return len(rows), nil
}
