package pipeline

import (
	"context"
	"fmt"

	"marketscope/internal/docstore"
	"marketscope/internal/logging"
	"marketscope/internal/resolve"
	"marketscope/internal/snapshot"
	"marketscope/internal/synth"
)

// ReportsCollection holds persisted report snapshot documents.
const ReportsCollection = "report_snapshots"

// PlaybooksCollection holds persisted playbook documents.
const PlaybooksCollection = "playbooks"

// stages returns the production sequence. Each stage's output is a hard
// input to the next; ordering is fixed.
func (o *Orchestrator) stages() []stage {
	return []stage{
		{"corpus_load", stageCorpusLoad},
		{"rows_readable", stageRowsReadable},
		{"intelligence_synth", stageIntelligence},
		{"demand_resolve", stageDemandResolve},
		{"demand_compute", stageDemandCompute},
		{"demand_persist", stageDemandPersist},
		{"signals_resolve", stageSignalsResolve},
		{"report_bind", stageReportBind},
		{"report_synth", stageReportSynth},
		{"report_persist", stageReportPersist},
		{"playbook_synth", stagePlaybook},
	}
}

// stageCorpusLoad resolves the active keyword corpus snapshot.
func stageCorpusLoad(ctx context.Context, r *run) error {
	res, err := r.o.corpus.Resolve(ctx, r.req, r.opts.Scope)
	if err != nil {
		return fmt.Errorf("no usable corpus snapshot: %w", err)
	}
	r.corpusSnap = res.Snapshot
	r.result.Artifacts["corpus_snapshot_id"] = res.Snapshot.SnapshotID
	r.result.Artifacts["corpus_source"] = string(res.Source)
	return nil
}

// stageRowsReadable proves the corpus bulk payload is actually readable
// before anything expensive runs against it.
func stageRowsReadable(ctx context.Context, r *run) error {
	rows, err := r.o.snaps.ReadAllRows(ctx, r.corpusSnap)
	if err != nil {
		return fmt.Errorf("corpus snapshot %s rows unreadable: %w", r.corpusSnap.SnapshotID, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("corpus snapshot %s holds no rows", r.corpusSnap.SnapshotID)
	}
	r.corpusRows = rows
	r.result.Artifacts["corpus_row_count"] = len(rows)
	return nil
}

// stageIntelligence synthesizes the qualitative category intelligence.
func stageIntelligence(ctx context.Context, r *run) error {
	payload, err := synth.Run(ctx, r.synth, synth.Prompt{
		Kind:       synth.KindIntelligence,
		CategoryID: r.opts.Scope.CategoryID,
		Month:      r.opts.Month,
		Inputs: map[string]any{
			"corpus_snapshot_id": r.corpusSnap.SnapshotID,
			"row_count":          len(r.corpusRows),
		},
	}, r.timeout)
	if err != nil {
		return err
	}
	r.intelligence = payload
	r.result.Artifacts["intelligence"] = payload
	return nil
}

// stageDemandResolve walks the demand ladder so the compute stage knows
// whether a current deterministic output already exists.
func stageDemandResolve(ctx context.Context, r *run) error {
	res, err := r.o.demand.Resolve(ctx, r.req, r.opts.Scope, r.opts.Month)
	if err != nil {
		return err
	}
	r.demandRes = res
	r.result.Artifacts["demand_mode"] = string(res.Mode)
	if res.Reason != "" {
		r.result.Artifacts["demand_reason"] = res.Reason
	}
	return nil
}

// stageDemandCompute derives the month's demand metrics from the corpus
// rows. When resolution already found a current deterministic output the
// computation is skipped and its metrics are reused.
func stageDemandCompute(ctx context.Context, r *run) error {
	if r.demandRes.Mode == resolve.ModeExactV3 {
		logging.PipelineDebug("Run %s: reusing deterministic output %s", r.id, r.demandRes.Output.OutputID)
		r.metrics = &r.demandRes.Output.Metrics
		return nil
	}
	metrics := ComputeDemandMetrics(r.corpusRows)
	if !resolve.HeadlineOK(metrics.DemandIndex) {
		r.warn("demand_compute", "DEMAND_INDEX_ZERO",
			fmt.Sprintf("computed demand index %.2f from %d rows; output will not certify",
				metrics.DemandIndex, len(r.corpusRows)))
	}
	r.metrics = metrics
	return nil
}

// ComputeDemandMetrics aggregates validated row measures into the monthly
// demand metrics. Zero valid rows yields a zero index without division
// errors.
func ComputeDemandMetrics(rows []snapshot.Row) *resolve.DemandMetrics {
	m := &resolve.DemandMetrics{PerAnchorIndex: map[string]float64{}}
	var validCount int
	var cpcWeight float64
	for _, row := range rows {
		if row.Status != snapshot.RowValid {
			continue
		}
		validCount++
		m.TotalVolume += row.Volume
		cpcWeight += row.CPC * row.Volume
		m.PerAnchorIndex[row.AnchorID] += row.Volume
	}
	if validCount == 0 {
		return m
	}
	if m.TotalVolume > 0 {
		m.WeightedCPC = cpcWeight / m.TotalVolume
		for anchor, vol := range m.PerAnchorIndex {
			m.PerAnchorIndex[anchor] = vol / m.TotalVolume * 100
		}
	}
	// Index on a 0-100 scale, saturating at 1M monthly searches.
	m.DemandIndex = m.TotalVolume / 10000
	if m.DemandIndex > 100 {
		m.DemandIndex = 100
	}
	return m
}

// stageDemandPersist writes the deterministic demand output (read-back
// verified) and points the scope's pointer at the corpus snapshot.
func stageDemandPersist(ctx context.Context, r *run) error {
	if r.demandRes.Mode == resolve.ModeExactV3 {
		logging.PipelineDebug("Run %s: deterministic output already persisted, skipping write", r.id)
		r.result.Artifacts["demand_output_id"] = r.demandRes.Output.OutputID
		return nil
	}
	out := &resolve.DemandOutput{
		CategoryID:       r.opts.Scope.CategoryID,
		Month:            r.opts.Month,
		Metrics:          *r.metrics,
		SourceSnapshotID: r.corpusSnap.SnapshotID,
		Strategy:         "volume_weighted_v3",
	}
	if !resolve.HeadlineOK(r.metrics.DemandIndex) {
		// A degenerate measure must never enter the store certified, or it
		// becomes exactly the poisoned artifact repair exists to clean up.
		out.Lifecycle = snapshot.LifecycleDraft
	}
	if err := r.o.outputs.Write(ctx, r.req, out); err != nil {
		return err
	}
	if err := r.o.ptrs.Upsert(ctx, r.opts.Scope, r.corpusSnap); err != nil {
		return err
	}
	r.result.Artifacts["demand_output_id"] = out.OutputID
	r.result.Artifacts["demand_index"] = r.metrics.DemandIndex
	return nil
}

// stageSignalsResolve selects the month's signal corpus. A missing signal
// corpus is a backfill warning, not a halt: the report degrades gracefully.
func stageSignalsResolve(ctx context.Context, r *run) error {
	res, err := r.o.signals.Resolve(ctx, r.req, r.opts.Scope.CategoryID, r.opts.Month)
	if err != nil {
		if docstore.Classify(err) == docstore.KindMissingIndex {
			r.warn("signals_resolve", "SIGNALS_INDEX_MISSING", err.Error())
			r.signalRes = &resolve.SignalResolution{Mode: resolve.SignalNone, Reason: err.Error()}
			return nil
		}
		return err
	}
	r.signalRes = res
	r.result.Artifacts["signals_mode"] = string(res.Mode)
	r.result.Artifacts["signals_count"] = len(res.Signals)
	if res.Mode == resolve.SignalNone {
		r.warn("signals_resolve", "SIGNALS_BACKFILL_NEEDED", res.Reason)
	}
	return nil
}

// stageReportBind assembles the cross-domain inputs the report synthesis
// consumes. Binding is a separate stage so a missing input fails here, with
// a precise blocker, instead of inside the generative call.
func stageReportBind(ctx context.Context, r *run) error {
	if r.metrics == nil {
		return fmt.Errorf("demand metrics missing; demand_compute did not run")
	}
	if r.intelligence == nil {
		return fmt.Errorf("intelligence payload missing; intelligence_synth did not run")
	}
	signals := []resolve.Signal{}
	if r.signalRes != nil {
		signals = r.signalRes.Signals
	}
	r.reportInputs = map[string]any{
		"category_id":        r.opts.Scope.CategoryID,
		"month":              r.opts.Month,
		"corpus_snapshot_id": r.corpusSnap.SnapshotID,
		"demand_metrics":     r.metrics,
		"intelligence":       r.intelligence,
		"signals":            signals,
	}
	return nil
}

// stageReportSynth produces the monthly report artifact.
func stageReportSynth(ctx context.Context, r *run) error {
	payload, err := synth.Run(ctx, r.synth, synth.Prompt{
		Kind:       synth.KindReport,
		CategoryID: r.opts.Scope.CategoryID,
		Month:      r.opts.Month,
		Inputs:     r.reportInputs,
	}, r.timeout)
	if err != nil {
		return err
	}
	r.report = payload
	return nil
}

// stageReportPersist stores the report as its own snapshot document and
// points the month's latest-report slot at it so readers get an O(1) lookup
// instead of a collection scan.
func stageReportPersist(ctx context.Context, r *run) error {
	id := snapshot.NewSnapshotID()
	doc := map[string]any{
		"snapshot_id":        id,
		"category_id":        r.opts.Scope.CategoryID,
		"month":              r.opts.Month,
		"lifecycle":          string(snapshot.LifecycleCertified),
		"report":             r.report,
		"source_snapshot_id": r.corpusSnap.SnapshotID,
		"run_id":             r.id,
		"created_at_iso":     docstore.NowISO(),
	}
	if err := r.o.docs.Set(ctx, ReportsCollection, id, doc); err != nil {
		return fmt.Errorf("persist report snapshot: %w", err)
	}
	if err := r.o.reportPtrs.Upsert(ctx, snapshot.LatestPointer{
		CategoryID:       r.opts.Scope.CategoryID,
		Month:            r.opts.Month,
		ArtifactID:       id,
		SourceSnapshotID: r.corpusSnap.SnapshotID,
		RunID:            r.id,
	}); err != nil {
		return fmt.Errorf("point latest report at %s: %w", id, err)
	}
	r.reportSnapID = id
	r.result.Artifacts["report_snapshot_id"] = id
	return nil
}

// stagePlaybook synthesizes and stores the downstream playbook artifact.
func stagePlaybook(ctx context.Context, r *run) error {
	payload, err := synth.Run(ctx, r.synth, synth.Prompt{
		Kind:       synth.KindPlaybook,
		CategoryID: r.opts.Scope.CategoryID,
		Month:      r.opts.Month,
		Inputs: map[string]any{
			"report":             r.report,
			"report_snapshot_id": r.reportSnapID,
		},
	}, r.timeout)
	if err != nil {
		return err
	}
	r.playbook = payload

	id := fmt.Sprintf("play_%s_%s", r.opts.Scope.CategoryID, r.opts.Month)
	doc := map[string]any{
		"playbook_id":        id,
		"category_id":        r.opts.Scope.CategoryID,
		"month":              r.opts.Month,
		"payload":            payload,
		"report_snapshot_id": r.reportSnapID,
		"run_id":             r.id,
		"created_at_iso":     docstore.NowISO(),
	}
	if err := r.o.docs.Set(ctx, PlaybooksCollection, id, doc); err != nil {
		return fmt.Errorf("persist playbook: %w", err)
	}
	r.result.Artifacts["playbook_id"] = id
	return nil
}
