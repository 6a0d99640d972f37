package resolve

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketscope/internal/docstore"
)

func seedSignals(t *testing.T, docs *docstore.Store, categoryID, month string, n int, trusted bool) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("sig_%s_%s_%03d_%v", categoryID, month, i, trusted)
		require.NoError(t, docs.Set(ctx, SignalsCollection, id, Signal{
			SignalID:      id,
			CategoryID:    categoryID,
			Trusted:       trusted,
			Enriched:      i%2 == 0,
			LastSeenAtISO: fmt.Sprintf("%s-15T0%d:00:00.000Z", month, i%10),
		}))
	}
}

func signalsReady(t *testing.T) (*docstore.Store, *SignalResolver) {
	t.Helper()
	docs := newTestDocs(t)
	r := NewSignalResolver(docs)
	require.NoError(t, r.EnsureIndexes(context.Background(), Request{}))
	return docs, r
}

func TestSignalsExactMonth(t *testing.T) {
	docs, r := signalsReady(t)
	seedSignals(t, docs, "cat_espresso", "2026-08", 15, true)
	seedSignals(t, docs, "cat_espresso", "2026-08", 5, false)
	seedSignals(t, docs, "cat_other", "2026-08", 20, true)

	res, err := r.Resolve(context.Background(), Request{}, "cat_espresso", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, SignalExactMonth, res.Mode)
	assert.Len(t, res.Signals, 15)
	for _, s := range res.Signals {
		assert.True(t, s.Trusted)
		assert.Equal(t, "cat_espresso", s.CategoryID)
	}
}

func TestSignalsWindowRelaxation(t *testing.T) {
	docs, r := signalsReady(t)
	// Thin exact month, enough once the prior month joins the window.
	seedSignals(t, docs, "cat_espresso", "2026-08", 4, true)
	seedSignals(t, docs, "cat_espresso", "2026-07", 8, true)

	res, err := r.Resolve(context.Background(), Request{}, "cat_espresso", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, SignalWindowRelaxed, res.Mode)
	assert.Equal(t, 2, res.WindowMonths)
	assert.Len(t, res.Signals, 12)
	assert.NotEmpty(t, res.Reason)
}

func TestSignalsFallbackLatest(t *testing.T) {
	docs, r := signalsReady(t)
	// Everything is far older than the window can reach.
	seedSignals(t, docs, "cat_espresso", "2025-01", 7, true)

	res, err := r.Resolve(context.Background(), Request{}, "cat_espresso", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, SignalLatestAny, res.Mode)
	assert.Len(t, res.Signals, 7)
	assert.NotEmpty(t, res.Reason)
}

func TestSignalsNone(t *testing.T) {
	docs, r := signalsReady(t)
	seedSignals(t, docs, "cat_espresso", "2026-08", 3, false) // untrusted only

	res, err := r.Resolve(context.Background(), Request{}, "cat_espresso", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, SignalNone, res.Mode)
	assert.Empty(t, res.Signals)
	assert.NotEmpty(t, res.Reason)
}

func TestSignalsFieldHygieneDrops(t *testing.T) {
	docs, r := signalsReady(t)
	ctx := context.Background()
	seedSignals(t, docs, "cat_espresso", "2026-08", 12, true)

	// Stored rows that pass the trusted filter but fail field hygiene.
	require.NoError(t, docs.Set(ctx, SignalsCollection, "bad_1", map[string]any{
		"category_id": "cat_espresso", "trusted": true,
		"last_seen_at_iso": "2026-08-20T10:00:00.000Z",
	}))
	require.NoError(t, docs.Set(ctx, SignalsCollection, "bad_2", map[string]any{
		"category_id": "cat_espresso", "trusted": true,
		"last_seen_at_iso": "2026-08-21T10:00:00.000Z",
	}))
	require.NoError(t, docs.Set(ctx, SignalsCollection, "bad_3", map[string]any{
		"signal_id": "bad_3", "category_id": "cat_espresso", "trusted": true,
	}))

	res, err := r.Resolve(ctx, Request{}, "cat_espresso", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, SignalExactMonth, res.Mode)
	assert.Len(t, res.Signals, 12)
	assert.Equal(t, 3, res.Dropped)
}

func TestSignalsMissingIndexSurfaces(t *testing.T) {
	docs := newTestDocs(t)
	r := NewSignalResolver(docs)
	seedSignals(t, docs, "cat_espresso", "2026-08", 15, true)

	_, err := r.Resolve(context.Background(), Request{}, "cat_espresso", "2026-08")
	require.Error(t, err)
	assert.Equal(t, docstore.KindMissingIndex, docstore.Classify(err))
}

func TestInWindow(t *testing.T) {
	signals := []Signal{
		{SignalID: "a", LastSeenAtISO: "2026-08-01T00:00:00.000Z"},
		{SignalID: "b", LastSeenAtISO: "2026-07-20T00:00:00.000Z"},
		{SignalID: "c", LastSeenAtISO: "2026-05-01T00:00:00.000Z"},
		{SignalID: "d", LastSeenAtISO: "bogus"},
	}
	assert.Len(t, inWindow(signals, "2026-08", 1), 1)
	assert.Len(t, inWindow(signals, "2026-08", 2), 2)
	assert.Len(t, inWindow(signals, "2026-08", 4), 3)
	assert.Empty(t, inWindow(signals, "not-a-month", 2))
}
