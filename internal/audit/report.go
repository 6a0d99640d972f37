// Package audit independently verifies that a category's monthly artifacts
// are present, internally consistent, and reachable through the same query
// paths production readers use. Probes never mutate persistent state; the
// one verification write is deleted within the same check.
package audit

// Blocker is a machine-actionable audit failure. Code, message and
// remediation are always populated together; a bare message is never enough
// for a caller to act on.
type Blocker struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Remediation []string `json:"remediation"`
}

// Warning is a non-fatal audit observation.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Verdict is the aggregate audit outcome.
type Verdict string

const (
	VerdictGo   Verdict = "GO"
	VerdictNoGo Verdict = "NO_GO"
)

// Blocker and warning codes.
const (
	CodeDemandMissing        = "DEMAND_MISSING"
	CodeDemandPoisoned       = "DEMAND_POISONED"
	CodeKeywordsMissing      = "KEYWORDS_MISSING"
	CodeKeywordsEmpty        = "KEYWORDS_EMPTY"
	CodeSignalsIndexMissing  = "SIGNALS_INDEX_MISSING"
	CodeSignalsPermission    = "SIGNALS_PERMISSION_DENIED"
	CodeSignalsMissing       = "SIGNALS_MISSING"
	CodeSignalsNotTrusted    = "SIGNALS_NOT_TRUSTED"
	CodeSignalsNotEnriched   = "SIGNALS_NOT_ENRICHED"
	CodeSignalsSchema        = "SIGNALS_SCHEMA_MISMATCH"
	CodeSignalsStale         = "SIGNALS_STALE"
	CodeReportMissing        = "REPORT_MISSING"
	CodeStoreRoundTripFailed = "STORE_ROUNDTRIP_FAILED"
)

// DemandProbe is what the auditor found in the demand domain.
type DemandProbe struct {
	OK            bool    `json:"ok"`
	OutputID      string  `json:"output_id,omitempty"`
	DemandIndex   float64 `json:"demand_index"`
	Mode          string  `json:"mode,omitempty"`
	MetricsFound  bool    `json:"metrics_found"`
	FailureDetail string  `json:"failure_detail,omitempty"`
}

// KeywordsProbe is what the auditor found in the keyword corpus domain.
type KeywordsProbe struct {
	OK         bool   `json:"ok"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	RowCount   int    `json:"row_count"`
	Lifecycle  string `json:"lifecycle,omitempty"`
}

// SignalsProbe is what the auditor found in the signals domain.
type SignalsProbe struct {
	OK            bool `json:"ok"`
	CanonicalOK   bool `json:"canonical_query_ok"`
	FallbackUsed  bool `json:"fallback_used"`
	Total         int  `json:"total"`
	TrustedUsed   int  `json:"trusted_used"`
	Enriched      int  `json:"enriched"`
	InMonthWindow int  `json:"in_month_window"`
	SchemaFailed  int  `json:"schema_failed"`
}

// ReportProbe is what the auditor found in the report domain.
type ReportProbe struct {
	OK         bool   `json:"ok"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	// ViaPointer is true when the latest slot satisfied the probe directly,
	// without a collection scan.
	ViaPointer bool `json:"via_pointer,omitempty"`
}

// StoreProbe is the result of the ephemeral write/read/delete round trip.
type StoreProbe struct {
	OK         bool   `json:"ok"`
	LatencyMS  int64  `json:"latency_ms"`
	FailureAt  string `json:"failure_at,omitempty"`
	ProbeDocID string `json:"probe_doc_id,omitempty"`
}

// Report is the full audit outcome. It is always complete: every probe is
// attempted and reported even when earlier probes fail.
type Report struct {
	CategoryID string        `json:"category_id"`
	Month      string        `json:"month"`
	Verdict    Verdict       `json:"verdict"`
	Demand     DemandProbe   `json:"demand"`
	Keywords   KeywordsProbe `json:"keywords"`
	Signals    SignalsProbe  `json:"signals"`
	ReportDoc  ReportProbe   `json:"report"`
	Store      StoreProbe    `json:"store"`
	Blockers   []Blocker     `json:"blockers"`
	Warnings   []Warning     `json:"warnings"`
	AuditedAt  string        `json:"audited_at_iso"`
}

// HasBlocker reports whether a blocker with the given code was raised.
func (r *Report) HasBlocker(code string) bool {
	for _, b := range r.Blockers {
		if b.Code == code {
			return true
		}
	}
	return false
}

func (r *Report) addBlocker(code, message string, remediation ...string) {
	r.Blockers = append(r.Blockers, Blocker{Code: code, Message: message, Remediation: remediation})
}

func (r *Report) addWarning(code, message string) {
	r.Warnings = append(r.Warnings, Warning{Code: code, Message: message})
}
