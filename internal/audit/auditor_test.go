package audit

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketscope/internal/docstore"
	"marketscope/internal/resolve"
	"marketscope/internal/snapshot"
)

var testScope = snapshot.Scope{CategoryID: "cat_espresso", CountryCode: "us", LanguageCode: "en"}

func newTestDocs(t *testing.T) *docstore.Store {
	t.Helper()
	docs, err := docstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })
	return docs
}

func seedDemandOutput(t *testing.T, docs *docstore.Store, index float64) {
	t.Helper()
	out := resolve.DemandOutput{
		OutputID:   resolve.OutputID(testScope.CategoryID, "2026-08"),
		CategoryID: testScope.CategoryID,
		Month:      "2026-08",
		VersionTag: resolve.MetricsVersionTag,
		Lifecycle:  snapshot.LifecycleCertified,
		Metrics:    resolve.DemandMetrics{DemandIndex: index},
	}
	require.NoError(t, docs.Set(context.Background(), resolve.OutputsCollection, out.OutputID, out))
}

func seedCorpusSnapshot(t *testing.T, docs *docstore.Store, rows int) {
	t.Helper()
	store := snapshot.NewStore(docs)
	require.NoError(t, store.Write(context.Background(), &snapshot.Snapshot{
		SnapshotID:   "snap_1_aaaa",
		CategoryID:   testScope.CategoryID,
		CountryCode:  testScope.CountryCode,
		LanguageCode: testScope.LanguageCode,
		Lifecycle:    snapshot.LifecycleCertified,
		CreatedAtISO: "2026-08-01T10:00:00.000Z",
		Stats:        snapshot.Stats{KeywordsTotal: rows, ValidTotal: rows},
	}))
}

func seedHealthySignals(t *testing.T, docs *docstore.Store, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, resolve.NewSignalResolver(docs).EnsureIndexes(ctx, resolve.Request{}))
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("sig_%03d", i)
		require.NoError(t, docs.Set(ctx, resolve.SignalsCollection, id, map[string]any{
			"signal_id":        id,
			"category_id":      testScope.CategoryID,
			"trusted":          true,
			"enriched":         true,
			"last_seen_at_iso": "2026-08-10T12:00:00.000Z",
		}))
	}
}

func seedReportSnapshot(t *testing.T, docs *docstore.Store) {
	t.Helper()
	require.NoError(t, docs.Set(context.Background(), "report_snapshots", "snap_9_rrrr", map[string]any{
		"snapshot_id":    "snap_9_rrrr",
		"category_id":    testScope.CategoryID,
		"month":          "2026-08",
		"created_at_iso": "2026-08-20T10:00:00.000Z",
	}))
}

func TestAuditHealthyCategoryIsGo(t *testing.T) {
	docs := newTestDocs(t)
	seedDemandOutput(t, docs, 12.5)
	seedCorpusSnapshot(t, docs, 500)
	seedHealthySignals(t, docs, 25)
	seedReportSnapshot(t, docs)

	report := New(docs).Audit(context.Background(), resolve.Request{}, testScope, "2026-08")
	assert.Equal(t, VerdictGo, report.Verdict)
	assert.Empty(t, report.Blockers)
	assert.True(t, report.Demand.OK)
	assert.True(t, report.Keywords.OK)
	assert.True(t, report.Signals.OK)
	assert.True(t, report.Signals.CanonicalOK)
	assert.True(t, report.ReportDoc.OK)
	assert.True(t, report.Store.OK)
}

func TestAuditIndexMissingScenario(t *testing.T) {
	docs := newTestDocs(t)
	seedDemandOutput(t, docs, 12.5)
	seedCorpusSnapshot(t, docs, 500)
	// Signals exist but the composite index was never provisioned.
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("sig_%03d", i)
		require.NoError(t, docs.Set(ctx, resolve.SignalsCollection, id, map[string]any{
			"signal_id": id, "category_id": testScope.CategoryID,
			"trusted": true, "enriched": true,
			"last_seen_at_iso": "2026-08-10T12:00:00.000Z",
		}))
	}

	report := New(docs).Audit(ctx, resolve.Request{}, testScope, "2026-08")

	assert.Equal(t, VerdictNoGo, report.Verdict)
	require.True(t, report.HasBlocker(CodeSignalsIndexMissing))
	for _, b := range report.Blockers {
		if b.Code == CodeSignalsIndexMissing {
			assert.NotEmpty(t, b.Remediation, "index-missing blocker must carry remediation")
			assert.Contains(t, b.Message, "requires an index")
		}
	}

	// The fallback query still ran, distinguishing no-data from no-index.
	assert.True(t, report.Signals.FallbackUsed)
	assert.Equal(t, 25, report.Signals.Total)
	assert.Equal(t, 25, report.Signals.TrustedUsed)

	// Other probes were still attempted and reported.
	assert.True(t, report.Demand.OK)
	assert.True(t, report.Keywords.OK)
	assert.True(t, report.Store.OK)
}

func TestAuditReportProbePrefersLatestSlot(t *testing.T) {
	docs := newTestDocs(t)
	seedDemandOutput(t, docs, 12.5)
	seedCorpusSnapshot(t, docs, 500)
	seedHealthySignals(t, docs, 25)
	seedReportSnapshot(t, docs)
	ctx := context.Background()

	require.NoError(t, snapshot.NewLatestStore(docs, "report").Upsert(ctx, snapshot.LatestPointer{
		CategoryID: testScope.CategoryID,
		Month:      "2026-08",
		ArtifactID: "snap_9_rrrr",
	}))

	report := New(docs).Audit(ctx, resolve.Request{}, testScope, "2026-08")
	assert.Equal(t, VerdictGo, report.Verdict)
	assert.True(t, report.ReportDoc.OK)
	assert.True(t, report.ReportDoc.ViaPointer)
	assert.Equal(t, "snap_9_rrrr", report.ReportDoc.SnapshotID)
}

func TestAuditStaleReportSlotFallsBackToScan(t *testing.T) {
	docs := newTestDocs(t)
	seedReportSnapshot(t, docs)
	ctx := context.Background()

	// The slot names a document that no longer exists; the scan must still
	// find the real report.
	require.NoError(t, snapshot.NewLatestStore(docs, "report").Upsert(ctx, snapshot.LatestPointer{
		CategoryID: testScope.CategoryID,
		Month:      "2026-08",
		ArtifactID: "snap_0_gone",
	}))

	report := New(docs).Audit(ctx, resolve.Request{}, testScope, "2026-08")
	assert.True(t, report.ReportDoc.OK)
	assert.False(t, report.ReportDoc.ViaPointer)
	assert.Equal(t, "snap_9_rrrr", report.ReportDoc.SnapshotID)
	assert.False(t, report.HasBlocker(CodeReportMissing))
}

func TestAuditPoisonedDemandBlocks(t *testing.T) {
	docs := newTestDocs(t)
	seedDemandOutput(t, docs, 0)
	seedCorpusSnapshot(t, docs, 100)
	seedHealthySignals(t, docs, 25)

	report := New(docs).Audit(context.Background(), resolve.Request{}, testScope, "2026-08")
	assert.Equal(t, VerdictNoGo, report.Verdict)
	assert.True(t, report.HasBlocker(CodeDemandPoisoned))
	assert.False(t, report.Demand.OK)
}

func TestAuditSchemaMismatch(t *testing.T) {
	docs := newTestDocs(t)
	seedDemandOutput(t, docs, 12.5)
	seedCorpusSnapshot(t, docs, 100)
	ctx := context.Background()
	require.NoError(t, resolve.NewSignalResolver(docs).EnsureIndexes(ctx, resolve.Request{}))

	// Healthy volume, but several documents carry a truthy string instead
	// of a boolean and one has a malformed timestamp.
	for i := 0; i < 25; i++ {
		doc := map[string]any{
			"signal_id": fmt.Sprintf("sig_%03d", i), "category_id": testScope.CategoryID,
			"trusted": true, "enriched": true,
			"last_seen_at_iso": "2026-08-10T12:00:00.000Z",
		}
		switch {
		case i < 3:
			doc["trusted"] = "true"
		case i == 3:
			doc["last_seen_at_iso"] = "08/10/2026"
		}
		require.NoError(t, docs.Set(ctx, resolve.SignalsCollection, fmt.Sprintf("sig_%03d", i), doc))
	}

	report := New(docs).Audit(ctx, resolve.Request{}, testScope, "2026-08")
	assert.True(t, report.HasBlocker(CodeSignalsSchema))
	// "true" the string is rejected by the canonical trusted==true filter
	// differently per backend; the fallback-free canonical path here only
	// returns strictly boolean matches, so schema failures come from the
	// timestamp document.
	assert.GreaterOrEqual(t, report.Signals.SchemaFailed, 1)
	assert.Equal(t, VerdictNoGo, report.Verdict)
}

func TestAuditThinSignalCorpusThresholds(t *testing.T) {
	docs := newTestDocs(t)
	seedDemandOutput(t, docs, 12.5)
	seedCorpusSnapshot(t, docs, 100)
	ctx := context.Background()
	require.NoError(t, resolve.NewSignalResolver(docs).EnsureIndexes(ctx, resolve.Request{}))

	// Only 8 trusted signals, none enriched, all stale months.
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("sig_%03d", i)
		require.NoError(t, docs.Set(ctx, resolve.SignalsCollection, id, map[string]any{
			"signal_id": id, "category_id": testScope.CategoryID,
			"trusted": true, "enriched": false,
			"last_seen_at_iso": "2026-01-10T12:00:00.000Z",
		}))
	}

	report := New(docs).Audit(ctx, resolve.Request{}, testScope, "2026-08")
	assert.True(t, report.HasBlocker(CodeSignalsNotTrusted))
	assert.True(t, report.HasBlocker(CodeSignalsNotEnriched))

	var warned []string
	for _, w := range report.Warnings {
		warned = append(warned, w.Code)
	}
	assert.Contains(t, warned, CodeSignalsStale)
	assert.Equal(t, VerdictNoGo, report.Verdict)
}

func TestAuditEmptyStoreReportsEverything(t *testing.T) {
	docs := newTestDocs(t)

	report := New(docs).Audit(context.Background(), resolve.Request{}, testScope, "2026-08")
	assert.Equal(t, VerdictNoGo, report.Verdict)
	assert.True(t, report.HasBlocker(CodeDemandMissing))
	assert.True(t, report.HasBlocker(CodeKeywordsMissing))
	assert.True(t, report.HasBlocker(CodeReportMissing))
	// Every blocker is machine-actionable.
	for _, b := range report.Blockers {
		assert.NotEmpty(t, b.Code)
		assert.NotEmpty(t, b.Message)
		assert.NotEmpty(t, b.Remediation, "blocker %s must carry remediation", b.Code)
	}
	// The round-trip probe still works against an empty store.
	assert.True(t, report.Store.OK)
}

func TestProbeDocNeverSurvives(t *testing.T) {
	docs := newTestDocs(t)
	report := New(docs).Audit(context.Background(), resolve.Request{}, testScope, "2026-08")

	require.NotEmpty(t, report.Store.ProbeDocID)
	_, err := docs.GetRaw(context.Background(), "diag_probes", report.Store.ProbeDocID)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}
