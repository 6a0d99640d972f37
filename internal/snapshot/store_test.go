package snapshot

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketscope/internal/docstore"
)

var testScope = Scope{CategoryID: "cat_running_shoes", CountryCode: "us", LanguageCode: "en"}

// seedSnapshot writes a snapshot with an explicit creation time so ordering
// in tests does not depend on wall-clock resolution.
func seedSnapshot(t *testing.T, store *Store, id string, lifecycle Lifecycle, createdAt string) *Snapshot {
	t.Helper()
	snap := &Snapshot{
		SnapshotID:   id,
		CategoryID:   testScope.CategoryID,
		CountryCode:  testScope.CountryCode,
		LanguageCode: testScope.LanguageCode,
		Lifecycle:    lifecycle,
		CreatedAtISO: createdAt,
	}
	require.NoError(t, store.Write(context.Background(), snap))
	return snap
}

func TestCreateDraftAndGetByID(t *testing.T) {
	store := NewStore(newTestDocs(t))
	ctx := context.Background()

	anchors := []Anchor{{ID: "a1", Name: "trail"}, {ID: "a2", Name: "road"}}
	snap, err := store.CreateDraft(ctx, DraftParams{
		Scope:   testScope,
		Anchors: anchors,
		Targets: Targets{PerAnchor: 25, ValidationMinVol: 10},
	})
	require.NoError(t, err)
	assert.True(t, IsRealSnapshotID(snap.SnapshotID))
	assert.Equal(t, LifecycleDraft, snap.Lifecycle)
	assert.Equal(t, 2, snap.Stats.AnchorsTotal)

	got, err := store.GetByID(ctx, testScope, snap.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, snap.SnapshotID, got.SnapshotID)
	assert.Equal(t, anchors, got.Anchors)

	_, err = store.GetByID(ctx, testScope, "snap_missing")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestGetLatestLifecycleFilter(t *testing.T) {
	store := NewStore(newTestDocs(t))
	ctx := context.Background()
	require.NoError(t, store.EnsureIndexes(ctx, testScope))

	seedSnapshot(t, store, "snap_1_aaaa", LifecycleCertified, "2026-07-01T10:00:00.000Z")
	seedSnapshot(t, store, "snap_2_bbbb", LifecycleDraft, "2026-08-01T10:00:00.000Z")
	seedSnapshot(t, store, "snap_3_cccc", LifecyclePoisoned, "2026-08-15T10:00:00.000Z")

	latest, err := store.GetLatest(ctx, testScope, nil)
	require.NoError(t, err)
	assert.Equal(t, "snap_3_cccc", latest.SnapshotID)

	certified, err := store.GetLatest(ctx, testScope, CertifiedSet)
	require.NoError(t, err)
	assert.Equal(t, "snap_1_aaaa", certified.SnapshotID)

	_, err = store.GetLatest(ctx, testScope, ValidatedSet)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestGetLatestWithoutIndexFails(t *testing.T) {
	store := NewStore(newTestDocs(t))
	ctx := context.Background()

	seedSnapshot(t, store, "snap_1_aaaa", LifecycleCertified, "2026-07-01T10:00:00.000Z")

	_, err := store.GetLatest(ctx, testScope, CertifiedSet)
	require.Error(t, err)
	assert.Equal(t, docstore.KindMissingIndex, docstore.Classify(err))
}

func TestWriteRowsUpdatesIntegrityAndStats(t *testing.T) {
	store := NewStore(newTestDocs(t))
	ctx := context.Background()

	snap, err := store.CreateDraft(ctx, DraftParams{
		Scope:   testScope,
		Anchors: []Anchor{{ID: "anchor_0"}, {ID: "anchor_1"}, {ID: "anchor_2"}, {ID: "anchor_3"}},
	})
	require.NoError(t, err)

	rows := makeRows(1100)
	rows[0].Status = RowValid
	rows[1].Status = RowZero
	require.NoError(t, store.WriteRows(ctx, snap, rows, 500))

	assert.Equal(t, 3, snap.Integrity.ChunkCount)
	assert.Equal(t, 1100, snap.Stats.KeywordsTotal)
	assert.Equal(t, 1, snap.Stats.ValidTotal)
	assert.Equal(t, 1, snap.Stats.ZeroTotal)
	assert.Equal(t, 1, snap.Stats.PerAnchorValid["anchor_0"])

	got, err := store.ReadAllRows(ctx, snap)
	require.NoError(t, err)
	assert.Len(t, got, 1100)
}

func TestWriteRowsReplacesStaleChunks(t *testing.T) {
	store := NewStore(newTestDocs(t))
	ctx := context.Background()

	snap, err := store.CreateDraft(ctx, DraftParams{Scope: testScope})
	require.NoError(t, err)

	require.NoError(t, store.WriteRows(ctx, snap, makeRows(1500), 500))
	assert.Equal(t, 3, snap.Integrity.ChunkCount)

	// Shrink the row set. The tail chunk from the first write must not
	// survive into the second read.
	require.NoError(t, store.WriteRows(ctx, snap, makeRows(600), 500))
	assert.Equal(t, 2, snap.Integrity.ChunkCount)

	rows, err := store.ReadAllRows(ctx, snap)
	require.NoError(t, err)
	assert.Len(t, rows, 600)
}

func TestReadAllRowsChunkCountMismatch(t *testing.T) {
	store := NewStore(newTestDocs(t))
	ctx := context.Background()

	snap, err := store.CreateDraft(ctx, DraftParams{Scope: testScope})
	require.NoError(t, err)
	require.NoError(t, store.WriteRows(ctx, snap, makeRows(100), 50))

	snap.Integrity.ChunkCount = 5
	_, err = store.ReadAllRows(ctx, snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk count mismatch")
}

func TestForceMarkAllValid(t *testing.T) {
	store := NewStore(newTestDocs(t))
	ctx := context.Background()

	snap, err := store.CreateDraft(ctx, DraftParams{
		Scope:   testScope,
		Anchors: []Anchor{{ID: "anchor_0"}, {ID: "anchor_1"}, {ID: "anchor_2"}, {ID: "anchor_3"}},
	})
	require.NoError(t, err)
	require.NoError(t, store.WriteRows(ctx, snap, makeRows(40), 10))

	n, err := store.ForceMarkAllValid(ctx, snap, "test-operator")
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	assert.Equal(t, 40, snap.Stats.ValidTotal)

	rows, err := store.ReadAllRows(ctx, snap)
	require.NoError(t, err)
	for _, r := range rows {
		assert.Equal(t, RowValid, r.Status)
		assert.Equal(t, "A", r.ValidationTier)
		assert.Equal(t, float64(500), r.Volume)
		assert.True(t, r.Active)
	}
}

func TestMergeLifecycleTransition(t *testing.T) {
	store := NewStore(newTestDocs(t))
	ctx := context.Background()

	snap := seedSnapshot(t, store, "snap_1_aaaa", LifecycleCertified, "2026-07-01T10:00:00.000Z")
	err := store.Merge(ctx, testScope, snap.SnapshotID, map[string]any{
		"lifecycle":     string(LifecyclePoisoned),
		"poisoned":      true,
		"poison_reason": "CERTIFIED_BUT_ZERO",
	})
	require.NoError(t, err)

	got, err := store.GetByID(ctx, testScope, snap.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, LifecyclePoisoned, got.Lifecycle)
	assert.True(t, got.Poisoned)
	assert.Equal(t, "CERTIFIED_BUT_ZERO", got.PoisonReason)
	// Untouched fields survive the merge.
	assert.Equal(t, "2026-07-01T10:00:00.000Z", got.CreatedAtISO)
}

func TestLifecycleSets(t *testing.T) {
	for _, l := range CertifiedSet {
		assert.True(t, l.IsCertified(), "%s should be certified", l)
		assert.False(t, l.IsValidated())
	}
	for _, l := range ValidatedSet {
		assert.True(t, l.IsValidated(), "%s should be validated", l)
		assert.False(t, l.IsCertified())
	}
	assert.False(t, LifecyclePoisoned.IsCertified())
	assert.False(t, LifecycleDraft.IsValidated())
}

func TestIsRealSnapshotID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"snap_1756700000000_ab12cd34", true},
		{"cbv3_legacy_0001", true},
		{"diag_probe_123", false},
		{"v4_check_777", false},
		{"snap_integrity_check", false},
		{"out_cat_2026-08", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsRealSnapshotID(tt.id); got != tt.want {
			t.Errorf("IsRealSnapshotID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestPointerLifecycle(t *testing.T) {
	docs := newTestDocs(t)
	store := NewStore(docs)
	ptrs := NewPointerStore(docs)
	ctx := context.Background()

	_, err := ptrs.Get(ctx, testScope)
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	snap := seedSnapshot(t, store, "snap_1_aaaa", LifecycleCertified, "2026-07-01T10:00:00.000Z")
	snap.Stats.KeywordsTotal = 120
	require.NoError(t, ptrs.Upsert(ctx, testScope, snap))

	ptr, err := ptrs.Get(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, "snap_1_aaaa", ptr.ActiveSnapshotID)
	assert.Equal(t, 120, ptr.RowCount)

	require.NoError(t, ptrs.SoftDelete(ctx, testScope, "scan disagreed with pointer"))
	_, err = ptrs.Get(ctx, testScope)
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	// Soft delete keeps the document for audit.
	raw, err := docs.GetRaw(ctx, PointerCollection, PointerKey(testScope))
	require.NoError(t, err)
	assert.NotEmpty(t, raw["deleted_at_iso"])

	// Re-pointing clears the tombstone.
	require.NoError(t, ptrs.Upsert(ctx, testScope, snap))
	ptr, err = ptrs.Get(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, "snap_1_aaaa", ptr.ActiveSnapshotID)
}

func TestSoftDeleteMissingPointerIsNoop(t *testing.T) {
	ptrs := NewPointerStore(newTestDocs(t))
	require.NoError(t, ptrs.SoftDelete(context.Background(), Scope{CategoryID: "cat_none", CountryCode: "us", LanguageCode: "en"}, "cleanup"))
}

func TestLatestSlotLifecycle(t *testing.T) {
	docs := newTestDocs(t)
	latest := NewLatestStore(docs, "report")
	ctx := context.Background()

	_, err := latest.Get(ctx, "cat_espresso", "2026-08")
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	require.NoError(t, latest.Upsert(ctx, LatestPointer{
		CategoryID: "cat_espresso",
		Month:      "2026-08",
		ArtifactID: "snap_1_aaaa",
		RunID:      "run_1_bbbb",
	}))
	ptr, err := latest.Get(ctx, "cat_espresso", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, "snap_1_aaaa", ptr.ArtifactID)
	assert.Equal(t, "run_1_bbbb", ptr.RunID)
	assert.Equal(t, "report_latest", latest.Collection())

	require.NoError(t, latest.SoftDelete(ctx, "cat_espresso", "2026-08", "superseded by manual review"))
	_, err = latest.Get(ctx, "cat_espresso", "2026-08")
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	// The tombstone survives for audit.
	raw, err := docs.GetRaw(ctx, "report_latest", LatestKey("cat_espresso", "2026-08"))
	require.NoError(t, err)
	assert.NotEmpty(t, raw["deleted_at_iso"])

	// Re-pointing revives the slot.
	require.NoError(t, latest.Upsert(ctx, LatestPointer{
		CategoryID: "cat_espresso",
		Month:      "2026-08",
		ArtifactID: "snap_2_cccc",
	}))
	ptr, err = latest.Get(ctx, "cat_espresso", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, "snap_2_cccc", ptr.ArtifactID)
}

func TestLatestUpsertRequiresIdentity(t *testing.T) {
	latest := NewLatestStore(newTestDocs(t), "report")
	err := latest.Upsert(context.Background(), LatestPointer{CategoryID: "cat_x", Month: "2026-08"})
	assert.Error(t, err)
}

func TestComputeStatsInvariant(t *testing.T) {
	anchors := []Anchor{{ID: "a"}, {ID: "b"}}
	rows := []Row{
		{AnchorID: "a", Status: RowValid},
		{AnchorID: "a", Status: RowZero},
		{AnchorID: "b", Status: RowLow},
		{AnchorID: "b", Status: RowError},
		{AnchorID: "b", Status: RowUnverified},
	}
	stats := ComputeStats(anchors, rows)
	assert.Equal(t, 5, stats.KeywordsTotal)
	assert.Equal(t, 4, stats.ValidatedTotal)
	sum := stats.ValidTotal + stats.ZeroTotal + stats.ErrorTotal
	assert.LessOrEqual(t, sum, stats.KeywordsTotal)
	assert.Equal(t, map[string]int{"a": 1, "b": 0}, stats.PerAnchorValid)
	assert.Equal(t, map[string]int{"a": 2, "b": 3}, stats.PerAnchorTotal)
}

func TestSnapshotMonth(t *testing.T) {
	s := &Snapshot{CreatedAtISO: "2026-08-15T10:00:00.000Z"}
	if got := s.Month(); got != "2026-08" {
		t.Errorf("Month() = %q, want 2026-08", got)
	}
	empty := &Snapshot{}
	if got := empty.Month(); got != "" {
		t.Errorf("Month() on empty timestamp = %q, want empty", got)
	}
}

func TestCollectionPathLayout(t *testing.T) {
	store := NewStore(nil)
	got := store.Collection(testScope)
	want := fmt.Sprintf("%s/us/en/cat_running_shoes/snapshots", RootCollection)
	assert.Equal(t, want, got)
}
