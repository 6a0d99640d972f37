// Package repair detects and heals poisoned certified artifacts without
// destroying history. Repair never deletes a document; it flips trust flags
// and writes replacements under fresh ids.
package repair

import (
	"context"
	"fmt"

	"marketscope/internal/docstore"
	"marketscope/internal/logging"
	"marketscope/internal/resolve"
	"marketscope/internal/snapshot"
)

// Action is the outcome of one repair attempt.
type Action string

const (
	// ActionRebuilt means the poisoned output was recomputed into a healthy
	// replacement.
	ActionRebuilt Action = "REBUILT"
	// ActionMarkedPoisonedOnly means recompute still produced a degenerate
	// measure; the artifact stays poisoned and the service stops rather
	// than looping. Upstream data needs investigation.
	ActionMarkedPoisonedOnly Action = "MARKED_POISONED_ONLY"
	// ActionNoOp means the artifact was not poisoned; nothing was touched.
	ActionNoOp Action = "NO_OP"
	// ActionFailed means the repair itself hit a store error.
	ActionFailed Action = "FAILED"
)

// PoisonReasonCertifiedZero is the stamp recorded on a certified output whose
// headline measure was zero or invalid.
const PoisonReasonCertifiedZero = "CERTIFIED_BUT_ZERO"

// MetricsRunner recomputes demand metrics from the upstream corpus. Cache
// bypass is mandatory: repair exists because the cached result is the
// degenerate one.
type MetricsRunner interface {
	Recompute(ctx context.Context, scope snapshot.Scope, month, sourceSnapshotID string) (*resolve.DemandMetrics, error)
}

// Result describes one repair attempt.
type Result struct {
	Action    Action
	OutputID  string
	NewIndex  float64
	OldIndex  float64
	Reason    string
	RepairErr error
}

// DemandRepairer heals poisoned demand outputs.
type DemandRepairer struct {
	docs    *docstore.Store
	outputs *resolve.OutputStore
	runner  MetricsRunner
	// Operator is recorded on every poison stamp for the audit trail.
	Operator string
}

// NewDemandRepairer wires a repairer over a document store and a recompute
// runner.
func NewDemandRepairer(docs *docstore.Store, runner MetricsRunner) *DemandRepairer {
	return &DemandRepairer{
		docs:     docs,
		outputs:  resolve.NewOutputStore(docs),
		runner:   runner,
		Operator: "demand-repairer",
	}
}

// Repair runs the bounded repair state machine for one (category, month)
// output: detect poison, mark the document poisoned in place, recompute with
// the same upstream snapshot linkage, and either save a healthy replacement
// or stop. It never loops and never deletes.
func (r *DemandRepairer) Repair(ctx context.Context, req resolve.Request, categoryID, month string) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryRepair, "DemandRepair")
	defer timer.Stop()

	out, err := r.outputs.Get(ctx, req, categoryID, month)
	if err != nil {
		if docstore.Classify(err) == docstore.KindNotFound {
			return &Result{Action: ActionNoOp, Reason: "no output exists for this category and month"}, nil
		}
		return &Result{Action: ActionFailed, RepairErr: err}, fmt.Errorf("repair lookup %s/%s: %w", categoryID, month, err)
	}

	// DETECT: only a certified output with a degenerate headline is
	// eligible. Anything else is left alone.
	if !out.Lifecycle.IsCertified() || resolve.HeadlineOK(out.Metrics.DemandIndex) {
		logging.Repair("Output %s is healthy (lifecycle %s, index %.2f), nothing to repair",
			out.OutputID, out.Lifecycle, out.Metrics.DemandIndex)
		return &Result{Action: ActionNoOp, OutputID: out.OutputID, OldIndex: out.Metrics.DemandIndex,
			Reason: "output is not a poisoned certified artifact"}, nil
	}

	logging.Repair("Output %s detected poisoned: certified lifecycle with index %.2f",
		out.OutputID, out.Metrics.DemandIndex)

	// MARK_POISONED: non-destructive metadata flip so resolution skips the
	// document while it remains available for audit.
	coll := resolve.OutputsCollection
	if req.OutputsCollection != "" {
		coll = req.OutputsCollection
	}
	err = r.docs.Merge(ctx, coll, out.OutputID, map[string]any{
		"lifecycle":      string(snapshot.LifecyclePoisoned),
		"poisoned_at":    docstore.NowISO(),
		"poison_reason":  PoisonReasonCertifiedZero,
		"poisoned_by":    r.Operator,
		"updated_at_iso": docstore.NowISO(),
	})
	if err != nil {
		return &Result{Action: ActionFailed, OutputID: out.OutputID, RepairErr: err},
			fmt.Errorf("mark poisoned %s: %w", out.OutputID, err)
	}

	// RECOMPUTE: same upstream snapshot id for linkage, cache bypassed.
	scope := snapshot.Scope{CategoryID: categoryID}
	metrics, err := r.runner.Recompute(ctx, scope, month, out.SourceSnapshotID)
	if err != nil {
		logging.Get(logging.CategoryRepair).Error("Recompute for %s failed: %v", out.OutputID, err)
		return &Result{
			Action: ActionMarkedPoisonedOnly, OutputID: out.OutputID,
			OldIndex: out.Metrics.DemandIndex, RepairErr: err,
			Reason: fmt.Sprintf("recompute failed: %v", err),
		}, nil
	}

	if !resolve.HeadlineOK(metrics.DemandIndex) {
		logging.Get(logging.CategoryRepair).Warn(
			"Recompute for %s still yields degenerate index %.2f, stopping without retry",
			out.OutputID, metrics.DemandIndex)
		return &Result{
			Action: ActionMarkedPoisonedOnly, OutputID: out.OutputID,
			OldIndex: out.Metrics.DemandIndex, NewIndex: metrics.DemandIndex,
			Reason: "recompute still produced a zero or invalid measure; upstream data needs investigation",
		}, nil
	}

	// SAVE_HEALTHY: fresh certified output under the same deterministic id,
	// preserving the original computation strategy label.
	healthy := &resolve.DemandOutput{
		CategoryID:       categoryID,
		Month:            month,
		Lifecycle:        snapshot.LifecycleCertified,
		Metrics:          *metrics,
		SourceSnapshotID: out.SourceSnapshotID,
		Strategy:         out.Strategy,
		CreatedAtISO:     out.CreatedAtISO,
	}
	if err := r.outputs.Write(ctx, req, healthy); err != nil {
		return &Result{Action: ActionFailed, OutputID: out.OutputID, RepairErr: err},
			fmt.Errorf("save healthy output %s: %w", out.OutputID, err)
	}

	logging.Repair("Output %s rebuilt: index %.2f -> %.2f (source %s)",
		out.OutputID, out.Metrics.DemandIndex, metrics.DemandIndex, out.SourceSnapshotID)
	return &Result{
		Action: ActionRebuilt, OutputID: out.OutputID,
		OldIndex: out.Metrics.DemandIndex, NewIndex: metrics.DemandIndex,
	}, nil
}
