package synth

import (
	"context"
	"fmt"

	"marketscope/internal/canon"
)

// Stub is the dry-run synthesizer: every call returns a deterministic
// payload derived only from the prompt, so integration runs are repeatable
// and free. The payload always satisfies the kind's contract.
type Stub struct {
	// FailKind, when set, makes calls for that kind return an incomplete
	// payload. Tests use it to exercise the contract-defect path.
	FailKind Kind
}

// Synthesize returns the deterministic stub payload for p.
func (s *Stub) Synthesize(_ context.Context, p Prompt) (map[string]any, error) {
	seed := canon.ShortHash(canon.SHA256Hex(canon.JoinKey(string(p.Kind), p.CategoryID, p.Month)), 12)

	if s.FailKind == p.Kind {
		return map[string]any{"summary": "incomplete stub " + seed}, nil
	}

	payload := map[string]any{
		"stub": true,
		"seed": seed,
	}
	for _, section := range RequiredSections(p.Kind) {
		payload[section] = fmt.Sprintf("dry-run %s for %s/%s [%s]", section, p.CategoryID, p.Month, seed)
	}
	return payload, nil
}
