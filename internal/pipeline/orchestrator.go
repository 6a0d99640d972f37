package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"marketscope/internal/canon"
	"marketscope/internal/docstore"
	"marketscope/internal/logging"
	"marketscope/internal/registry"
	"marketscope/internal/resolve"
	"marketscope/internal/snapshot"
	"marketscope/internal/synth"
	"marketscope/internal/telemetry"
)

// registryMetaCollection holds the fingerprint of the taxonomy the last run
// saw, for drift detection.
const registryMetaCollection = "registry_meta"

const (
	defaultHeartbeatEvery = 3 * time.Second
	defaultSynthTimeout   = 2 * time.Minute
)

// Orchestrator runs the stage sequence. One orchestrator serves many runs;
// each run is single-threaded except the background heartbeat writer.
type Orchestrator struct {
	docs       *docstore.Store
	snaps      *snapshot.Store
	ptrs       *snapshot.PointerStore
	reportPtrs *snapshot.LatestStore
	outputs    *resolve.OutputStore
	demand     *resolve.DemandResolver
	corpus     *resolve.CorpusResolver
	signals    *resolve.SignalResolver
	sink       *telemetry.Sink
	registry   *registry.Registry
	// synthesizer serves FULL_RUN; DRY_RUN always uses the deterministic
	// stub regardless.
	synthesizer    synth.Synthesizer
	heartbeatEvery time.Duration
}

// New wires an orchestrator over a document store. synthesizer may be nil if
// only DRY_RUN is used.
func New(docs *docstore.Store, reg *registry.Registry, synthesizer synth.Synthesizer) *Orchestrator {
	return &Orchestrator{
		docs:           docs,
		snaps:          snapshot.NewStore(docs),
		ptrs:           snapshot.NewPointerStore(docs),
		reportPtrs:     snapshot.NewLatestStore(docs, "report"),
		outputs:        resolve.NewOutputStore(docs),
		demand:         resolve.NewDemandResolver(docs),
		corpus:         resolve.NewCorpusResolver(docs),
		signals:        resolve.NewSignalResolver(docs),
		sink:           telemetry.NewSink(docs),
		registry:       reg,
		synthesizer:    synthesizer,
		heartbeatEvery: defaultHeartbeatEvery,
	}
}

// run is the mutable state of one execution.
type run struct {
	o       *Orchestrator
	opts    Options
	id      string
	result  *Result
	synth   synth.Synthesizer
	req     resolve.Request
	timeout time.Duration

	// artifacts produced by earlier stages, consumed by later ones.
	corpusSnap   *snapshot.Snapshot
	corpusRows   []snapshot.Row
	intelligence map[string]any
	demandRes    *resolve.DemandResolution
	metrics      *resolve.DemandMetrics
	signalRes    *resolve.SignalResolution
	reportInputs map[string]any
	report       map[string]any
	reportSnapID string
	playbook     map[string]any
}

// errStageFailed wraps the first stage failure so the top level can tell a
// recorded halt from an infrastructure error.
var errStageFailed = errors.New("pipeline stage failed")

// Run executes the full stage sequence for opts. The returned Result is
// always complete: on a stage failure it carries the blocker, the timings of
// the stages that did run, and verdict NO_GO, alongside a non-nil error.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Month == "" {
		opts.Month = snapshot.CurrentMonthKey()
	}
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	if opts.SynthTimeout == 0 {
		opts.SynthTimeout = defaultSynthTimeout
	}

	r := &run{
		o:       o,
		opts:    opts,
		id:      NewRunID(),
		result:  &Result{RunID: "", Verdict: VerdictGo, Artifacts: map[string]any{}},
		synth:   o.synthesizer,
		timeout: opts.SynthTimeout,
	}
	r.result.RunID = r.id
	if opts.Mode == ModeDryRun {
		r.synth = &synth.Stub{}
	}
	if r.synth == nil {
		return nil, fmt.Errorf("run %s: no synthesizer configured for %s", r.id, opts.Mode)
	}

	logging.Pipeline("Run %s starting: category %s, month %s, mode %s",
		r.id, opts.Scope.CategoryID, opts.Month, opts.Mode)

	if err := o.createRunDoc(ctx, r); err != nil {
		return nil, fmt.Errorf("run %s: create run document: %w", r.id, err)
	}

	o.checkRegistryDrift(ctx, r)

	stopHeartbeat := o.startHeartbeat(r.id)
	var stageErr error
	func() {
		// The heartbeat always stops, even if a stage panics through.
		defer stopHeartbeat()
		stageErr = o.execute(ctx, r, o.stages())
	}()

	o.finalize(ctx, r, stageErr)

	if stageErr != nil {
		return r.result, fmt.Errorf("run %s halted: %w", r.id, stageErr)
	}
	logging.Pipeline("Run %s completed with verdict %s (%d stages)", r.id, r.result.Verdict, len(r.result.Completed))
	return r.result, nil
}

// stage is one named step of the sequence.
type stage struct {
	name string
	fn   func(ctx context.Context, r *run) error
}

// execute runs stages in order through measure, halting at the first
// failure. Later stages are never attempted after a failure because each
// stage's output is a hard input to the next.
func (o *Orchestrator) execute(ctx context.Context, r *run, stages []stage) error {
	for _, s := range stages {
		if err := o.measure(ctx, r, s); err != nil {
			return err
		}
	}
	return nil
}

// measure wraps one stage with the run bookkeeping: a cooperative yield, a
// heartbeat write before start, timing capture, a progress write on success,
// and on failure a run-level blocker plus verdict NO_GO before halting.
func (o *Orchestrator) measure(ctx context.Context, r *run, s stage) error {
	runtime.Gosched()

	o.touchRun(ctx, r.id, map[string]any{
		"stage":            s.name,
		"heartbeat_at_iso": docstore.NowISO(),
	})
	if err := o.sink.Emit(ctx, r.id, s.name, "stage starting"); err != nil {
		logging.Get(logging.CategoryPipeline).Warn("Run %s: telemetry emit failed: %v", r.id, err)
	}

	start := time.Now()
	err := s.fn(ctx, r)
	elapsed := time.Since(start)
	r.result.Timings = append(r.result.Timings, StageTiming{Stage: s.name, Millis: elapsed.Milliseconds()})

	if err != nil {
		logging.Get(logging.CategoryPipeline).Error("Run %s stage %s failed after %s: %v", r.id, s.name, elapsed, err)
		r.result.Verdict = VerdictNoGo
		code := fmt.Sprintf("STAGE_%s_FAILED", s.name)
		remediation := []string{
			fmt.Sprintf("inspect the %s stage inputs for run %s", s.name, r.id),
			"re-run the pipeline once the underlying cause is fixed",
		}
		// A lost deadline race is its own failure class: retrying without
		// raising the timeout just burns another synthesis call.
		if errors.Is(err, synth.ErrTimeout) {
			code = fmt.Sprintf("STAGE_%s_TIMEOUT", s.name)
			remediation = []string{
				fmt.Sprintf("raise the synthesis timeout (run %s used %s) or retry off-peak", r.id, r.timeout),
				"check the synthesis service for degraded latency",
			}
		}
		r.result.Blockers = append(r.result.Blockers, Blocker{
			Code:        code,
			Message:     err.Error(),
			Stage:       s.name,
			Remediation: remediation,
		})
		return fmt.Errorf("stage %s: %w: %w", s.name, err, errStageFailed)
	}

	r.result.Completed = append(r.result.Completed, s.name)
	o.touchRun(ctx, r.id, map[string]any{
		"stages_completed": r.result.Completed,
		"artifacts":        r.result.Artifacts,
		"heartbeat_at_iso": docstore.NowISO(),
	})
	logging.PipelineDebug("Run %s stage %s completed in %s", r.id, s.name, elapsed)
	return nil
}

func (r *run) warn(stageName, code, message string) {
	r.result.Warnings = append(r.result.Warnings, Warning{Code: code, Message: message, Stage: stageName})
	if r.result.Verdict == VerdictGo {
		r.result.Verdict = VerdictWarn
	}
	logging.Get(logging.CategoryPipeline).Warn("Run %s stage %s: %s (%s)", r.id, stageName, message, code)
}

func (o *Orchestrator) createRunDoc(ctx context.Context, r *run) error {
	doc := runDoc{
		RunID:          r.id,
		CategoryID:     r.opts.Scope.CategoryID,
		Month:          r.opts.Month,
		Mode:           r.opts.Mode,
		Status:         StatusRunning,
		Verdict:        VerdictGo,
		HeartbeatAtISO: docstore.NowISO(),
		StartedAtISO:   docstore.NowISO(),
	}
	return o.docs.Set(ctx, RunsCollection, r.id, doc)
}

// touchRun merges fields into the run document. Heartbeat and progress
// writes are advisory; a failure is logged but never fails the run.
func (o *Orchestrator) touchRun(ctx context.Context, runID string, patch map[string]any) {
	if err := o.docs.Merge(ctx, RunsCollection, runID, patch); err != nil {
		logging.Get(logging.CategoryPipeline).Warn("Run %s: run doc update failed: %v", runID, err)
	}
}

// startHeartbeat refreshes the run document every few seconds so an external
// watcher can tell a stalled run from a crashed one. The returned stop
// function blocks until the writer goroutine has exited.
func (o *Orchestrator) startHeartbeat(runID string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				o.touchRun(context.Background(), runID, map[string]any{
					"heartbeat_at_iso": docstore.NowISO(),
				})
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// checkRegistryDrift compares the taxonomy fingerprint against the one the
// previous run recorded. Drift does not stop the run, but it is flagged so
// cross-run comparisons are known non-reproducible, and the stored value is
// advanced.
func (o *Orchestrator) checkRegistryDrift(ctx context.Context, r *run) {
	if o.registry == nil {
		return
	}
	fp, err := o.registry.Fingerprint()
	if err != nil {
		r.warn("registry_check", "REGISTRY_FINGERPRINT_FAILED", err.Error())
		return
	}
	o.touchRun(ctx, r.id, map[string]any{"registry_fingerprint": fp})

	prev, err := o.docs.GetRaw(ctx, registryMetaCollection, "current")
	if err == nil {
		if stored, _ := prev["fingerprint"].(string); stored != "" && stored != fp {
			r.warn("registry_check", "REGISTRY_DRIFT",
				fmt.Sprintf("category taxonomy changed since the last run (%s -> %s); results are not comparable",
					canon.ShortHash(stored, 12), canon.ShortHash(fp, 12)))
		}
	} else if docstore.Classify(err) != docstore.KindNotFound {
		logging.Get(logging.CategoryPipeline).Warn("Run %s: registry meta read failed: %v", r.id, err)
	}

	if err := o.docs.Set(ctx, registryMetaCollection, "current", map[string]any{
		"fingerprint":    fp,
		"recorded_by":    r.id,
		"updated_at_iso": docstore.NowISO(),
	}); err != nil {
		logging.Get(logging.CategoryPipeline).Warn("Run %s: registry meta write failed: %v", r.id, err)
	}
}

// finalize writes the terminal run document. Runs always finalize, even
// after a stage failure.
func (o *Orchestrator) finalize(ctx context.Context, r *run, stageErr error) {
	status := StatusCompleted
	if stageErr != nil {
		status = StatusFailed
	}
	o.touchRun(ctx, r.id, map[string]any{
		"status":           string(status),
		"verdict":          string(r.result.Verdict),
		"blockers":         r.result.Blockers,
		"warnings":         r.result.Warnings,
		"stages_completed": r.result.Completed,
		"artifacts":        r.result.Artifacts,
		"finished_at_iso":  docstore.NowISO(),
		"heartbeat_at_iso": docstore.NowISO(),
	})
	if err := o.sink.Emit(ctx, r.id, string(status), fmt.Sprintf("run finished with verdict %s", r.result.Verdict)); err != nil {
		logging.Get(logging.CategoryPipeline).Warn("Run %s: final telemetry emit failed: %v", r.id, err)
	}
}
