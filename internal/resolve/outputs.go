package resolve

import (
	"context"
	"fmt"
	"math"

	"marketscope/internal/docstore"
	"marketscope/internal/logging"
	"marketscope/internal/snapshot"
)

// OutputsCollection is the default home of deterministic demand output
// documents.
const OutputsCollection = "demand_outputs"

// MetricsVersionTag identifies the current demand metrics format. A stored
// output carrying an older tag never satisfies the exact deterministic tier.
const MetricsVersionTag = "ABS_V3_ELIG_V1"

// DemandMetrics is the numeric payload of one demand output.
type DemandMetrics struct {
	// DemandIndex is the headline measure. A certified output whose index
	// is missing, non-finite or not positive is poisoned.
	DemandIndex    float64            `json:"demand_index"`
	TotalVolume    float64            `json:"total_volume"`
	WeightedCPC    float64            `json:"weighted_cpc"`
	PerAnchorIndex map[string]float64 `json:"per_anchor_index,omitempty"`
}

// DemandOutput is the canonical, versioned monthly demand document. One
// exists per (category, month); its id is a deterministic function of both so
// concurrent duplicate writes converge.
type DemandOutput struct {
	OutputID         string             `json:"output_id"`
	CategoryID       string             `json:"category_id"`
	Month            string             `json:"month"`
	VersionTag       string             `json:"version_tag"`
	Lifecycle        snapshot.Lifecycle `json:"lifecycle"`
	Metrics          DemandMetrics      `json:"metrics"`
	SourceSnapshotID string             `json:"source_snapshot_id"`
	Strategy         string             `json:"strategy,omitempty"`
	CreatedAtISO     string             `json:"created_at_iso"`
	UpdatedAtISO     string             `json:"updated_at_iso"`
}

// OutputID builds the deterministic document id for a (category, month).
func OutputID(categoryID, month string) string {
	return fmt.Sprintf("out_%s_%s", categoryID, month)
}

// ValidCertified reports whether the output is a trustworthy certified
// artifact: certified lifecycle with a finite, positive headline measure.
// A certified output failing the measure check is poisoned, a distinct trust
// failure from not-found.
func (d *DemandOutput) ValidCertified() bool {
	if !d.Lifecycle.IsCertified() {
		return false
	}
	return HeadlineOK(d.Metrics.DemandIndex)
}

// HeadlineOK reports whether a headline measure is finite and positive.
func HeadlineOK(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// OutputStore persists deterministic demand outputs.
type OutputStore struct {
	docs *docstore.Store
	coll string
}

// NewOutputStore wraps a document store.
func NewOutputStore(docs *docstore.Store) *OutputStore {
	return &OutputStore{docs: docs, coll: OutputsCollection}
}

// Get loads the output for a (category, month) from the request's outputs
// collection. Returns docstore.ErrNotFound when absent.
func (o *OutputStore) Get(ctx context.Context, req Request, categoryID, month string) (*DemandOutput, error) {
	var out DemandOutput
	if err := o.docs.Get(ctx, req.outputs(o.coll), OutputID(categoryID, month), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Write validates, persists and read-back-verifies a demand output. The
// read-back guards against the write acknowledging but the document not being
// queryable, which otherwise only surfaces much later at resolution time.
func (o *OutputStore) Write(ctx context.Context, req Request, out *DemandOutput) error {
	if err := validateOutput(out); err != nil {
		return fmt.Errorf("demand output rejected: %w", err)
	}
	out.OutputID = OutputID(out.CategoryID, out.Month)
	if out.VersionTag == "" {
		out.VersionTag = MetricsVersionTag
	}
	if out.Lifecycle == "" {
		out.Lifecycle = snapshot.LifecycleCertified
	}
	now := docstore.NowISO()
	if out.CreatedAtISO == "" {
		out.CreatedAtISO = now
	}
	out.UpdatedAtISO = now

	coll := req.outputs(o.coll)
	if err := o.docs.Set(ctx, coll, out.OutputID, out); err != nil {
		return fmt.Errorf("write demand output %s: %w", out.OutputID, err)
	}

	var check DemandOutput
	if err := o.docs.Get(ctx, coll, out.OutputID, &check); err != nil {
		return fmt.Errorf("POST_WRITE_READ_FAILED: demand output %s not readable after write: %w", out.OutputID, err)
	}
	if check.VersionTag != out.VersionTag {
		return fmt.Errorf("POST_WRITE_READ_FAILED: demand output %s read back with tag %q, wrote %q",
			out.OutputID, check.VersionTag, out.VersionTag)
	}

	logging.Resolver("Wrote demand output %s (index %.2f, tag %s, source %s)",
		out.OutputID, out.Metrics.DemandIndex, out.VersionTag, out.SourceSnapshotID)
	return nil
}

// validateOutput enforces the required root fields of a demand output before
// it may be persisted.
func validateOutput(out *DemandOutput) error {
	switch {
	case out == nil:
		return fmt.Errorf("nil output")
	case out.CategoryID == "":
		return fmt.Errorf("missing category_id")
	case out.Month == "":
		return fmt.Errorf("missing month")
	case math.IsNaN(out.Metrics.DemandIndex) || math.IsInf(out.Metrics.DemandIndex, 0):
		return fmt.Errorf("demand_index is not finite")
	}
	return nil
}
