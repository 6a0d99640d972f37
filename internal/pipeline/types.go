// Package pipeline executes the fixed stage sequence that turns an upstream
// keyword corpus into the month's demand, report and playbook artifacts, with
// heartbeat observability and halt-on-failure semantics.
package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketscope/internal/snapshot"
)

// RunsCollection holds pipeline run documents.
const RunsCollection = "pipeline_runs"

// Mode selects how externally priced or nondeterministic stages behave.
type Mode string

const (
	// ModeDryRun runs every stage's bookkeeping but substitutes
	// deterministic stub payloads for generative calls.
	ModeDryRun Mode = "DRY_RUN"
	ModeFull   Mode = "FULL_RUN"
)

// Status is the lifecycle of a run document.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Verdict is the run-level outcome.
type Verdict string

const (
	VerdictGo   Verdict = "GO"
	VerdictWarn Verdict = "WARN"
	VerdictNoGo Verdict = "NO_GO"
)

// Blocker is a machine-actionable run failure. Never a bare message.
type Blocker struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Stage       string   `json:"stage,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
}

// Warning is a non-fatal run observation.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// StageTiming records one stage's wall time.
type StageTiming struct {
	Stage  string `json:"stage"`
	Millis int64  `json:"millis"`
}

// Options configures one run.
type Options struct {
	Scope snapshot.Scope
	// Month is the YYYY-MM target window; empty means the current month.
	Month string
	Mode  Mode
	// SynthTimeout bounds each generative call. Zero means the default.
	SynthTimeout time.Duration
}

// Result is the run outcome returned to the caller, complete even when the
// run halted early.
type Result struct {
	RunID     string         `json:"run_id"`
	Verdict   Verdict        `json:"verdict"`
	Blockers  []Blocker      `json:"blockers,omitempty"`
	Warnings  []Warning      `json:"warnings,omitempty"`
	Timings   []StageTiming  `json:"timings,omitempty"`
	Completed []string       `json:"stages_completed,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
}

// runDoc is the persisted run record an external watcher polls.
type runDoc struct {
	RunID      string    `json:"run_id"`
	CategoryID string    `json:"category_id"`
	Month      string    `json:"month"`
	Mode       Mode      `json:"mode"`
	Status     Status    `json:"status"`
	Verdict    Verdict   `json:"verdict"`
	Stage      string    `json:"stage,omitempty"`
	Completed  []string  `json:"stages_completed,omitempty"`
	Blockers   []Blocker `json:"blockers,omitempty"`
	Warnings   []Warning `json:"warnings,omitempty"`
	// Artifacts maps each produced artifact to its id so a watcher polling
	// the run document can reach what the run wrote without re-deriving it.
	Artifacts           map[string]any `json:"artifacts,omitempty"`
	RegistryFingerprint string         `json:"registry_fingerprint,omitempty"`
	HeartbeatAtISO      string         `json:"heartbeat_at_iso"`
	StartedAtISO        string         `json:"started_at_iso"`
	FinishedAtISO       string         `json:"finished_at_iso,omitempty"`
}

// NewRunID allocates a creation-ordered run id.
func NewRunID() string {
	return fmt.Sprintf("run_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
