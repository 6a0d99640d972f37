// Package telemetry is the append-only job event stream consumed by run
// transcript UIs. Events are never updated or deleted; the latest phase of a
// run is derived from the newest event.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketscope/internal/docstore"
	"marketscope/internal/logging"
)

// EventsCollection holds run events.
const EventsCollection = "run_events"

// Event is one transcript line for a run.
type Event struct {
	EventID   string `json:"event_id"`
	RunKey    string `json:"run_key"`
	Sequence  int64  `json:"sequence"`
	Phase     string `json:"phase"`
	Message   string `json:"message"`
	EmittedAt string `json:"emitted_at_iso"`
}

// Sink appends run events and answers latest-phase queries.
type Sink struct {
	docs *docstore.Store
	seq  func() int64
}

// NewSink wraps a document store. Sequence numbers come from the microsecond
// clock so transcripts interleave correctly across emitters while staying
// inside JSON-safe integer range.
func NewSink(docs *docstore.Store) *Sink {
	return &Sink{docs: docs, seq: func() int64 { return time.Now().UnixMicro() }}
}

// EnsureIndexes provisions the composite index the per-run transcript query
// needs.
func (s *Sink) EnsureIndexes(ctx context.Context) error {
	return s.docs.RegisterIndex(ctx, EventsCollection, "run_key", "sequence")
}

// Emit appends one event to a run's transcript. Event ids are unique per
// emission; emission never overwrites.
func (s *Sink) Emit(ctx context.Context, runKey, phase, message string) error {
	e := Event{
		EventID:   fmt.Sprintf("evt_%s", uuid.NewString()[:12]),
		RunKey:    runKey,
		Sequence:  s.seq(),
		Phase:     phase,
		Message:   message,
		EmittedAt: docstore.NowISO(),
	}
	if err := s.docs.Set(ctx, EventsCollection, e.EventID, e); err != nil {
		return fmt.Errorf("emit event for run %s: %w", runKey, err)
	}
	logging.Get(logging.CategoryTelemetry).Debug("Run %s phase %s: %s", runKey, phase, message)
	return nil
}

// LatestPhase returns the phase of the newest event for a run, or empty when
// the run has no events yet.
func (s *Sink) LatestPhase(ctx context.Context, runKey string) (string, error) {
	doc, err := s.docs.Query(EventsCollection).
		Where("run_key", docstore.OpEq, runKey).
		OrderBy("sequence", true).
		Limit(1).
		First(ctx)
	if docstore.Classify(err) == docstore.KindNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest phase for run %s: %w", runKey, err)
	}
	var e Event
	if err := docstore.Decode(doc.Data, &e); err != nil {
		return "", fmt.Errorf("decode event %s: %w", doc.ID, err)
	}
	return e.Phase, nil
}

// Transcript returns all events for a run in emission order.
func (s *Sink) Transcript(ctx context.Context, runKey string) ([]Event, error) {
	docs, err := s.docs.Query(EventsCollection).
		Where("run_key", docstore.OpEq, runKey).
		OrderBy("sequence", false).
		Documents(ctx)
	if err != nil {
		return nil, fmt.Errorf("transcript for run %s: %w", runKey, err)
	}
	out := make([]Event, 0, len(docs))
	for _, d := range docs {
		var e Event
		if err := docstore.Decode(d.Data, &e); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", d.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}
