package audit

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketscope/internal/docstore"
	"marketscope/internal/logging"
	"marketscope/internal/resolve"
	"marketscope/internal/snapshot"
)

// Signal volume thresholds. Below MinTrusted the corpus is too thin to
// trust; below MinEnriched the enrichment backfill has not caught up.
const (
	MinTrustedSignals  = 20
	MinEnrichedSignals = 5
	MinMonthSignals    = 10
)

// isoPrefixRe matches the ISO-8601 timestamp prefix every stored signal
// timestamp must carry.
var isoPrefixRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`)

// diagCollection receives the ephemeral round-trip probe document.
const diagCollection = "diag_probes"

// reportsCollection holds the pipeline's persisted report snapshots.
const reportsCollection = "report_snapshots"

// Auditor runs the independent per-domain probes.
type Auditor struct {
	docs    *docstore.Store
	outputs *resolve.OutputStore
	corpus  *resolve.CorpusResolver
	signals *resolve.SignalResolver
	reports *snapshot.LatestStore
}

// New wires an auditor over a document store.
func New(docs *docstore.Store) *Auditor {
	return &Auditor{
		docs:    docs,
		outputs: resolve.NewOutputStore(docs),
		corpus:  resolve.NewCorpusResolver(docs),
		signals: resolve.NewSignalResolver(docs),
		reports: snapshot.NewLatestStore(docs, "report"),
	}
}

// Audit verifies every domain for (scope, month). It never returns an error
// and never skips a probe because an earlier one failed: the caller always
// receives a complete diagnostic picture.
func (a *Auditor) Audit(ctx context.Context, req resolve.Request, scope snapshot.Scope, month string) *Report {
	timer := logging.StartTimer(logging.CategoryAudit, "Audit")
	defer timer.Stop()

	report := &Report{
		CategoryID: scope.CategoryID,
		Month:      month,
		Blockers:   []Blocker{},
		Warnings:   []Warning{},
		AuditedAt:  docstore.NowISO(),
	}

	a.probeDemand(ctx, req, report, scope, month)
	a.probeKeywords(ctx, req, report, scope)
	a.probeSignals(ctx, req, report, scope.CategoryID, month)
	a.probeReport(ctx, report, scope.CategoryID, month)
	a.probeStoreRoundTrip(ctx, report)

	report.Verdict = aggregate(report)
	logging.Audit("Audit %s/%s verdict %s (%d blockers, %d warnings)",
		scope.CategoryID, month, report.Verdict, len(report.Blockers), len(report.Warnings))
	return report
}

// aggregate computes GO iff demand is present with a positive headline,
// keyword rows exist, and no signal-domain blocker was raised.
func aggregate(r *Report) Verdict {
	if r.Demand.OK && r.Demand.MetricsFound && r.Keywords.OK && r.Keywords.RowCount > 0 && !hasSignalsBlocker(r) {
		return VerdictGo
	}
	return VerdictNoGo
}

func (a *Auditor) probeDemand(ctx context.Context, req resolve.Request, report *Report, scope snapshot.Scope, month string) {
	defer probeRecover(report, "demand")

	// Direct output check first: the resolution ladder silently descends past
	// a certified output with a degenerate headline, but the auditor must
	// surface it. Lookup errors here fall through to the ladder.
	if out, err := a.outputs.Get(ctx, req, scope.CategoryID, month); err == nil &&
		out.Lifecycle.IsCertified() && !resolve.HeadlineOK(out.Metrics.DemandIndex) {
		report.Demand.OutputID = out.OutputID
		report.Demand.DemandIndex = out.Metrics.DemandIndex
		report.addBlocker(CodeDemandPoisoned,
			fmt.Sprintf("output %s is certified but its demand index is %.2f",
				out.OutputID, out.Metrics.DemandIndex),
			"run the demand repair service for this category and month")
		return
	}

	res, err := resolve.NewDemandResolver(a.docs).Resolve(ctx, req, scope, month)
	if err != nil {
		report.Demand.FailureDetail = err.Error()
		report.addBlocker(CodeDemandMissing,
			fmt.Sprintf("demand resolution for %s/%s failed: %v", scope.CategoryID, month, err),
			"check the demand output collection and snapshot tree for this category",
			"run the pipeline to produce the month's demand output")
		return
	}
	report.Demand.Mode = string(res.Mode)

	switch res.Mode {
	case resolve.ModeMissing:
		report.addBlocker(CodeDemandMissing, res.Reason,
			"run the pipeline for this category and month")
	case resolve.ModeExactV3:
		report.Demand.OutputID = res.Output.OutputID
		report.Demand.DemandIndex = res.Output.Metrics.DemandIndex
		report.Demand.MetricsFound = true
		report.Demand.OK = true
	default:
		// Snapshot tiers: presence counts, the headline lives on the
		// snapshot stats.
		report.Demand.MetricsFound = res.Snapshot.Stats.ValidTotal > 0
		report.Demand.DemandIndex = float64(res.Snapshot.Stats.ValidTotal)
		report.Demand.OK = report.Demand.MetricsFound
		if !report.Demand.MetricsFound {
			report.addBlocker(CodeDemandMissing,
				fmt.Sprintf("resolved snapshot %s has no valid rows to derive demand from", res.Snapshot.SnapshotID),
				"validate the corpus snapshot rows, then re-run the pipeline")
		}
	}
}

func (a *Auditor) probeKeywords(ctx context.Context, req resolve.Request, report *Report, scope snapshot.Scope) {
	defer probeRecover(report, "keywords")

	res, err := a.corpus.Resolve(ctx, req, scope)
	if err != nil {
		report.addBlocker(CodeKeywordsMissing,
			fmt.Sprintf("no corpus snapshot resolvable for %s: %v", scope.CategoryID, err),
			"generate and validate a keyword corpus for this category")
		return
	}
	report.Keywords.SnapshotID = res.Snapshot.SnapshotID
	report.Keywords.Lifecycle = string(res.Snapshot.Lifecycle)
	report.Keywords.RowCount = res.Snapshot.Stats.KeywordsTotal
	if res.Snapshot.Stats.KeywordsTotal == 0 {
		report.addBlocker(CodeKeywordsEmpty,
			fmt.Sprintf("corpus snapshot %s resolves but holds zero rows", res.Snapshot.SnapshotID),
			"re-run corpus generation; the snapshot metadata may be orphaned from its chunks")
		return
	}
	report.Keywords.OK = true
}

// probeSignals attempts the canonical composite query first. A missing-index
// failure is remediated differently from missing data, so on that failure
// class a simpler fallback query runs purely to tell the two apart.
func (a *Auditor) probeSignals(ctx context.Context, req resolve.Request, report *Report, categoryID, month string) {
	defer probeRecover(report, "signals")

	docs, err := a.signals.CanonicalQuery(req, categoryID).Documents(ctx)
	if err != nil {
		switch docstore.Classify(err) {
		case docstore.KindMissingIndex:
			report.addBlocker(CodeSignalsIndexMissing, err.Error(),
				"provision the composite index on (category_id, trusted, last_seen_at_iso) for the signals collection",
				"until the index exists, trusted-signal resolution cannot run in production")
		case docstore.KindPermission:
			report.addBlocker(CodeSignalsPermission,
				fmt.Sprintf("canonical signals query denied: %v", err),
				"check store access rules for the signals collection")
			return
		default:
			report.addBlocker(CodeSignalsMissing,
				fmt.Sprintf("canonical signals query failed: %v", err),
				"inspect the signals collection for this category")
			return
		}

		// Fallback: partition key only. Distinguishes "no data" from
		// "index not provisioned".
		report.Signals.FallbackUsed = true
		docs, err = a.docs.Query(a.signalsCollection(req)).
			Where("category_id", docstore.OpEq, categoryID).
			Limit(50).
			Documents(ctx)
		if err != nil {
			report.addBlocker(CodeSignalsMissing,
				fmt.Sprintf("fallback signals query failed too: %v", err),
				"inspect the signals collection for this category")
			return
		}
	} else {
		report.Signals.CanonicalOK = true
	}

	a.checkSignalDocs(report, docs, categoryID, month)
}

func (a *Auditor) signalsCollection(req resolve.Request) string {
	if req.SignalsCollection != "" {
		return req.SignalsCollection
	}
	return resolve.SignalsCollection
}

// checkSignalDocs samples returned documents and validates schema
// expectations: partition key match, strictly boolean trust flag, ISO
// timestamp prefix.
func (a *Auditor) checkSignalDocs(report *Report, docs []docstore.Document, categoryID, month string) {
	report.Signals.Total = len(docs)
	for _, d := range docs {
		schemaOK := true

		if got, _ := d.Data["category_id"].(string); got != categoryID {
			schemaOK = false
		}
		// Strictly boolean true; a truthy string or number is a schema
		// defect, not a trusted signal.
		trusted, isBool := d.Data["trusted"].(bool)
		if !isBool {
			schemaOK = false
		}
		seen, _ := d.Data["last_seen_at_iso"].(string)
		if !isoPrefixRe.MatchString(seen) {
			schemaOK = false
		}

		if !schemaOK {
			report.Signals.SchemaFailed++
			continue
		}
		if trusted {
			report.Signals.TrustedUsed++
		}
		if enriched, _ := d.Data["enriched"].(bool); enriched {
			report.Signals.Enriched++
		}
		if len(seen) >= 7 && seen[:7] == month {
			report.Signals.InMonthWindow++
		}
	}

	if report.Signals.SchemaFailed > 0 {
		report.addBlocker(CodeSignalsSchema,
			fmt.Sprintf("%d of %d sampled signals failed schema validation", report.Signals.SchemaFailed, report.Signals.Total),
			"re-run the signal ingestion migration; stored documents do not match the expected shape")
	}
	if report.Signals.Total == 0 {
		report.addBlocker(CodeSignalsMissing,
			fmt.Sprintf("no signals exist for category %s", categoryID),
			"run signal ingestion for this category")
		return
	}
	if report.Signals.TrustedUsed < MinTrustedSignals {
		report.addBlocker(CodeSignalsNotTrusted,
			fmt.Sprintf("only %d trusted signals (minimum %d)", report.Signals.TrustedUsed, MinTrustedSignals),
			"ingest more signals or review the trust classifier output")
	}
	if report.Signals.Enriched < MinEnrichedSignals {
		report.addBlocker(CodeSignalsNotEnriched,
			fmt.Sprintf("only %d enriched signals (minimum %d)", report.Signals.Enriched, MinEnrichedSignals),
			"run the signal enrichment backfill")
	}
	if report.Signals.InMonthWindow < MinMonthSignals {
		report.addWarning(CodeSignalsStale,
			fmt.Sprintf("only %d signals fall within %s; resolution will widen its window", report.Signals.InMonthWindow, month))
	}
	report.Signals.OK = !hasSignalsBlocker(report)
}

func hasSignalsBlocker(r *Report) bool {
	for _, b := range r.Blockers {
		if strings.HasPrefix(b.Code, "SIGNALS_") {
			return true
		}
	}
	return false
}

func (a *Auditor) probeReport(ctx context.Context, report *Report, categoryID, month string) {
	defer probeRecover(report, "report")

	// Latest slot first: the O(1) path production readers take. A missing
	// slot or a slot naming a vanished document falls back to the scan.
	if ptr, err := a.reports.Get(ctx, categoryID, month); err == nil {
		exists, err := a.docs.Exists(ctx, reportsCollection, ptr.ArtifactID)
		if err == nil && exists {
			report.ReportDoc.OK = true
			report.ReportDoc.SnapshotID = ptr.ArtifactID
			report.ReportDoc.ViaPointer = true
			return
		}
		logging.Get(logging.CategoryAudit).Warn("Latest report slot for %s/%s names missing document %s; scanning",
			categoryID, month, ptr.ArtifactID)
	}

	docs, err := a.docs.Query(reportsCollection).OrderBy("created_at_iso", true).Documents(ctx)
	if err != nil {
		report.addBlocker(CodeReportMissing,
			fmt.Sprintf("report snapshot scan failed: %v", err),
			"inspect the report snapshot collection")
		return
	}
	for _, d := range docs {
		cat, _ := d.Data["category_id"].(string)
		m, _ := d.Data["month"].(string)
		if cat == categoryID && m == month {
			id, _ := d.Data["snapshot_id"].(string)
			report.ReportDoc.OK = true
			report.ReportDoc.SnapshotID = id
			return
		}
	}
	report.addBlocker(CodeReportMissing,
		fmt.Sprintf("no report snapshot exists for %s/%s", categoryID, month),
		"run the pipeline through the report stages for this category and month")
}

// probeStoreRoundTrip writes, reads and deletes one ephemeral document to
// prove the store path works end to end. The probe document never survives
// the check.
func (a *Auditor) probeStoreRoundTrip(ctx context.Context, report *Report) {
	defer probeRecover(report, "store")

	id := fmt.Sprintf("diag_%s", uuid.NewString()[:12])
	report.Store.ProbeDocID = id
	start := time.Now()

	payload := map[string]any{"probe": true, "written_at_iso": docstore.NowISO()}
	if err := a.docs.Set(ctx, diagCollection, id, payload); err != nil {
		report.Store.FailureAt = "write"
		report.addBlocker(CodeStoreRoundTripFailed,
			fmt.Sprintf("probe write failed: %v", err), "check store connectivity and permissions")
		return
	}
	// Best effort cleanup even if the read fails.
	defer func() {
		if err := a.docs.Delete(ctx, diagCollection, id); err != nil {
			logging.Get(logging.CategoryAudit).Warn("Probe doc %s cleanup failed: %v", id, err)
		}
	}()

	got, err := a.docs.GetRaw(ctx, diagCollection, id)
	if err != nil || got["probe"] != true {
		report.Store.FailureAt = "read"
		report.addBlocker(CodeStoreRoundTripFailed,
			fmt.Sprintf("probe read-back failed: %v", err), "check store read path")
		return
	}

	report.Store.LatencyMS = time.Since(start).Milliseconds()
	report.Store.OK = true
}

// probeRecover converts a probe panic into a blocker so one probe's failure
// can never skip the others or crash the auditor.
func probeRecover(report *Report, probe string) {
	if rec := recover(); rec != nil {
		logging.Get(logging.CategoryAudit).Error("Probe %s panicked: %v", probe, rec)
		report.addBlocker("AUDIT_PROBE_PANIC",
			fmt.Sprintf("the %s probe panicked: %v", probe, rec),
			"this is an auditor bug; capture the audit log and file it")
	}
}
