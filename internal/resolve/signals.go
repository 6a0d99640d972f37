package resolve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"marketscope/internal/docstore"
	"marketscope/internal/logging"
)

// SignalsCollection is the default home of the market signal corpus.
const SignalsCollection = "market_signals"

// Canonical signals query shape. The composite index these fields require
// must be provisioned per deployment; the auditor reports its absence as a
// distinct remediable failure.
const (
	signalsCanonicalLimit = 90
	// MaxWindowMonths bounds how far the month window may widen before the
	// resolver gives up on window relaxation.
	MaxWindowMonths = 3
)

// Signal is one trusted market observation.
type Signal struct {
	SignalID      string `json:"signal_id"`
	CategoryID    string `json:"category_id"`
	Title         string `json:"title,omitempty"`
	Trusted       bool   `json:"trusted"`
	Enriched      bool   `json:"enriched"`
	LastSeenAtISO string `json:"last_seen_at_iso"`
}

// SignalMode says how a signal resolution was satisfied.
type SignalMode string

const (
	SignalExactMonth    SignalMode = "EXACT_MONTH"
	SignalWindowRelaxed SignalMode = "WINDOW_RELAXED"
	SignalLatestAny     SignalMode = "FALLBACK_LATEST"
	SignalNone          SignalMode = "NONE"
)

// SignalResolution is the signal set chosen for one (category, month).
type SignalResolution struct {
	Mode    SignalMode
	Signals []Signal
	// WindowMonths is how many months the window spans (1 for exact).
	WindowMonths int
	// Dropped counts stored signals rejected by field hygiene before any
	// window selection ran.
	Dropped int
	Reason  string
}

// SignalResolver selects the signal corpus slice for a category and month.
type SignalResolver struct {
	docs *docstore.Store
	// MinCount is the threshold below which the exact month is considered
	// too thin and the window widens.
	MinCount int
}

// NewSignalResolver wraps a document store with the default threshold.
func NewSignalResolver(docs *docstore.Store) *SignalResolver {
	return &SignalResolver{docs: docs, MinCount: 10}
}

// CanonicalQuery builds the composite signals query every production reader
// uses: partition by category, trusted only, newest first. Shared with the
// auditor so the audited path is the real path.
func (r *SignalResolver) CanonicalQuery(req Request, categoryID string) *docstore.Query {
	return r.docs.Query(req.signals(SignalsCollection)).
		Where("category_id", docstore.OpEq, categoryID).
		Where("trusted", docstore.OpEq, true).
		OrderBy("last_seen_at_iso", true).
		Limit(signalsCanonicalLimit)
}

// EnsureIndexes provisions the composite index the canonical query needs.
func (r *SignalResolver) EnsureIndexes(ctx context.Context, req Request) error {
	return r.docs.RegisterIndex(ctx, req.signals(SignalsCollection), "category_id", "trusted", "last_seen_at_iso")
}

// Resolve picks the signal slice for (category, month):
//
// exact month when it holds at least MinCount signals; otherwise the window
// widens one prior month at a time up to MaxWindowMonths; otherwise whatever
// trusted signals exist at all, flagged FALLBACK_LATEST with a reason;
// otherwise NONE.
func (r *SignalResolver) Resolve(ctx context.Context, req Request, categoryID, month string) (*SignalResolution, error) {
	timer := logging.StartTimer(logging.CategoryResolver, "SignalResolve")
	defer timer.Stop()

	docs, err := r.CanonicalQuery(req, categoryID).Documents(ctx)
	if err != nil {
		return nil, fmt.Errorf("signals query for %s: %w", categoryID, err)
	}

	all := make([]Signal, 0, len(docs))
	dropped := 0
	for _, d := range docs {
		var sig Signal
		if err := docstore.Decode(d.Data, &sig); err != nil {
			logging.Get(logging.CategoryResolver).Warn("Skipping undecodable signal %s: %v", d.ID, err)
			dropped++
			continue
		}
		if sig.SignalID == "" || sig.CategoryID == "" || sig.LastSeenAtISO == "" {
			dropped++
			continue
		}
		all = append(all, sig)
	}
	if dropped > 0 {
		logging.Get(logging.CategoryResolver).Warn("Dropped %d of %d stored signals for %s on field hygiene",
			dropped, len(docs), categoryID)
	}

	if len(all) == 0 {
		return &SignalResolution{
			Mode:    SignalNone,
			Dropped: dropped,
			Reason:  fmt.Sprintf("no trusted signals exist for category %s", categoryID),
		}, nil
	}

	exact := inWindow(all, month, 1)
	if len(exact) >= r.MinCount {
		logging.Resolver("Signals %s/%s resolved EXACT_MONTH (%d signals)", categoryID, month, len(exact))
		return &SignalResolution{Mode: SignalExactMonth, Signals: exact, WindowMonths: 1, Dropped: dropped}, nil
	}

	for span := 2; span <= MaxWindowMonths; span++ {
		widened := inWindow(all, month, span)
		if len(widened) >= r.MinCount {
			reason := fmt.Sprintf("only %d signals in %s; widened to a %d-month window (%d signals)",
				len(exact), month, span, len(widened))
			logging.Resolver("Signals %s/%s resolved WINDOW_RELAXED: %s", categoryID, month, reason)
			return &SignalResolution{Mode: SignalWindowRelaxed, Signals: widened, WindowMonths: span, Dropped: dropped, Reason: reason}, nil
		}
	}

	reason := fmt.Sprintf("only %d signals within %d months of %s; falling back to all %d trusted signals",
		len(inWindow(all, month, MaxWindowMonths)), MaxWindowMonths, month, len(all))
	logging.Resolver("Signals %s/%s resolved FALLBACK_LATEST: %s", categoryID, month, reason)
	return &SignalResolution{Mode: SignalLatestAny, Signals: all, WindowMonths: 0, Dropped: dropped, Reason: reason}, nil
}

// inWindow filters signals whose last-seen month falls within the span
// ending at month (inclusive), i.e. span=1 means exactly that month.
func inWindow(signals []Signal, month string, span int) []Signal {
	months := make(map[string]bool, span)
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return nil
	}
	for i := 0; i < span; i++ {
		months[t.AddDate(0, -i, 0).Format("2006-01")] = true
	}
	var out []Signal
	for _, s := range signals {
		if len(s.LastSeenAtISO) >= 7 && months[s.LastSeenAtISO[:7]] {
			out = append(out, s)
		}
	}
	return out
}

// SignalMonth extracts the YYYY-MM prefix of a signal timestamp, or empty.
func SignalMonth(iso string) string {
	if len(iso) < 7 || !strings.Contains(iso[:7], "-") {
		return ""
	}
	return iso[:7]
}
