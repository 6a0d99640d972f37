// Package synth calls the generative synthesis service that produces
// qualitative artifacts (category intelligence, reports, playbooks) and
// validates that returned payloads honor their declared section contracts.
package synth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"marketscope/internal/logging"
)

// Kind identifies one synthesis artifact family.
type Kind string

const (
	KindIntelligence Kind = "intelligence"
	KindReport       Kind = "report"
	KindPlaybook     Kind = "playbook"
)

// contracts lists the required top-level sections per artifact kind. A
// payload missing any of them is a recoverable defect to be backfilled, not
// a crash.
var contracts = map[Kind][]string{
	KindIntelligence: {"summary", "competitive_landscape", "consumer_needs"},
	KindReport:       {"headline", "demand_narrative", "signal_highlights", "recommendations"},
	KindPlaybook:     {"plays", "priorities"},
}

// Prompt is the structured input for one synthesis call.
type Prompt struct {
	Kind       Kind
	CategoryID string
	Month      string
	// Inputs carries the bound upstream artifacts the synthesis draws on.
	Inputs map[string]any
}

// Synthesizer produces a structured payload for a prompt.
type Synthesizer interface {
	Synthesize(ctx context.Context, p Prompt) (map[string]any, error)
}

// ContractError reports sections the synthesis response was required to
// contain but did not. Callers treat it as recoverable and trigger a bounded
// backfill.
type ContractError struct {
	Kind    Kind
	Missing []string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s payload missing required sections: %v", e.Kind, e.Missing)
}

// ErrTimeout marks a synthesis call that lost its race against the deadline.
// Distinct from generic failures so runs can report TIMEOUT as its own
// failure reason.
var ErrTimeout = errors.New("synthesis timed out")

// ValidateContract checks a payload against its kind's required sections.
// Returns nil when complete, a *ContractError otherwise.
func ValidateContract(kind Kind, payload map[string]any) error {
	required, ok := contracts[kind]
	if !ok {
		return fmt.Errorf("unknown synthesis kind %q", kind)
	}
	var missing []string
	for _, section := range required {
		v, present := payload[section]
		if !present || v == nil {
			missing = append(missing, section)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &ContractError{Kind: kind, Missing: missing}
	}
	return nil
}

// RequiredSections returns the contract for a kind, for diagnostics.
func RequiredSections(kind Kind) []string {
	out := make([]string, len(contracts[kind]))
	copy(out, contracts[kind])
	return out
}

// Run executes one synthesis call under a deadline and validates the result
// against the kind's contract. Timeouts surface as ErrTimeout; contract
// violations as *ContractError.
func Run(ctx context.Context, s Synthesizer, p Prompt, timeout time.Duration) (map[string]any, error) {
	timer := logging.StartTimer(logging.CategorySynth, string(p.Kind))
	defer timer.Stop()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := s.Synthesize(ctx, p)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logging.Get(logging.CategorySynth).Error("%s synthesis for %s timed out after %s", p.Kind, p.CategoryID, timeout)
			return nil, fmt.Errorf("%s synthesis for %s: %w", p.Kind, p.CategoryID, ErrTimeout)
		}
		return nil, fmt.Errorf("%s synthesis for %s: %w", p.Kind, p.CategoryID, err)
	}

	if err := ValidateContract(p.Kind, payload); err != nil {
		return payload, err
	}

	logging.Synth("%s synthesis for %s/%s completed (%d sections)", p.Kind, p.CategoryID, p.Month, len(payload))
	return payload, nil
}
