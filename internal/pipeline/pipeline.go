package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go-pixel-quality/internal/conditions"
	"go-pixel-quality/internal/model"
	"go-pixel-quality/internal/ports"
	"go-pixel-quality/internal/quality"
)

// ErrInvalidSpec is returned before any work when a traversal spec is unusable.
var ErrInvalidSpec = errors.New("invalid traversal spec")

// State is the position of a traversal in its lifecycle.
type State string

const (
	StateInit         State = "init"
	StateAccumulating State = "accumulating"
	StateCheckpoint   State = "checkpoint"
	StateFinal        State = "final"
)

// Job statuses written to the JobRecorder.
const (
	StatusRunning   = "running"
	StatusEmitting  = "emitting"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Deps are the collaborators of a traversal. Fetcher and Luminosity are
// required; the rest default to no-ops or fresh instances.
type Deps struct {
	Fetcher    ports.PayloadFetcher
	Luminosity ports.LuminositySource
	Sink       ports.QualitySink
	Emitter    *Emitter
	Jobs       ports.JobRecorder
	Metrics    ports.Metrics
	Logger     *slog.Logger
	JobID      string
}

// Validate checks the spec and returns an error wrapping ErrInvalidSpec.
func Validate(spec model.TraversalSpec) error {
	var problems []string
	if spec.Tag == "" {
		problems = append(problems, "tag is required")
	}
	if strings.ContainsAny(spec.Tag, `/\`) {
		problems = append(problems, "tag must not contain path separators")
	}
	if spec.FirstRun < 1 {
		problems = append(problems, "firstRun must be >= 1")
	}
	if spec.LumiBlocksPerRun < 1 {
		problems = append(problems, "nLSToProcessPerRun must be >= 1")
	}
	if spec.RunCount < 1 {
		problems = append(problems, "nRunsToProcess must be >= 1")
	}
	if spec.RunCount >= 1 && uint64(spec.FirstRun)+uint64(spec.RunCount) >= uint64(model.OpenEnded) {
		problems = append(problems, "run range overflows")
	}
	switch spec.Checkpoint {
	case "", model.CheckpointFlush, model.CheckpointAccumulate:
	default:
		problems = append(problems, fmt.Sprintf("unknown checkpoint policy %q", spec.Checkpoint))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSpec, strings.Join(problems, "; "))
	}
	return nil
}

// Runner drives one traversal. It is single use.
type Runner struct {
	spec    model.TraversalSpec
	deps    Deps
	log     *slog.Logger
	metrics ports.Metrics
	tracker *conditions.Tracker
	sink    ports.QualitySink

	state    State
	units    int
	lastUnit model.LumiBlock
	warnings []model.Warning
	seen     map[warningKey]bool
}

type warningKey struct {
	kind string
	run  model.Run
}

// NewRunner validates spec and wires the traversal.
func NewRunner(spec model.TraversalSpec, deps Deps) (*Runner, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}
	if deps.Fetcher == nil || deps.Luminosity == nil {
		return nil, errors.New("traversal needs a payload fetcher and a luminosity source")
	}
	base := deps.Logger
	if base == nil {
		base = slog.Default()
	}
	log := base.With("component", "traversal", "tag", spec.Tag)
	if deps.JobID != "" {
		log = log.With("job_id", deps.JobID)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	sink := deps.Sink
	if sink == nil {
		sink = quality.NewAggregator(quality.Options{
			Policy:       spec.Checkpoint,
			BunchByBunch: spec.Luminosity.DoBunchByBunch,
			Logger:       base,
		})
	}
	return &Runner{
		spec:    spec,
		deps:    deps,
		log:     log,
		metrics: metrics,
		tracker: conditions.NewTracker(spec.Tag, deps.Fetcher, base),
		sink:    sink,
		state:   StateInit,
		seen:    make(map[warningKey]bool),
	}, nil
}

// Run validates spec and performs a complete traversal.
func Run(ctx context.Context, spec model.TraversalSpec, deps Deps) (*model.TraversalResult, error) {
	r, err := NewRunner(spec, deps)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx)
}

// State returns the current lifecycle state.
func (r *Runner) State() State { return r.state }

// Snapshot returns the aggregator state; it is consistent after a cancellation.
func (r *Runner) Snapshot() model.Snapshot { return r.sink.Snapshot() }

// Intervals returns the intervals of validity seen so far.
func (r *Runner) Intervals() []conditions.Interval { return r.tracker.Intervals() }

// Run steps through every lumi-block of the range plus the closing unit,
// then emits the summary artifacts. Nothing is emitted on error.
func (r *Runner) Run(ctx context.Context) (result *model.TraversalResult, err error) {
	start := time.Now()
	spec := r.spec
	lastRun := spec.LastRun()
	r.log.Info("traversal started",
		"first_run", spec.FirstRun,
		"last_run", lastRun,
		"ls_per_run", spec.LumiBlocksPerRun,
		"total_units", spec.TotalUnits())
	r.setStatus(ctx, StatusRunning)

	defer func() {
		if err == nil {
			return
		}
		status := StatusFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = StatusCancelled
		}
		r.metrics.TraversalFinished(status)
		r.setStatus(context.WithoutCancel(ctx), status)
		if r.deps.Jobs != nil && r.deps.JobID != "" {
			if e := r.deps.Jobs.SaveJobError(context.WithoutCancel(ctx), r.deps.JobID, err); e != nil {
				r.log.Warn("failed to record job error", "error", e)
			}
		}
		r.log.Error("traversal aborted", "state", r.state, "units", r.units, "error", err)
	}()

	r.collectIngestWarnings()

	for run := spec.FirstRun; run <= lastRun; run++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for ls := 1; ls <= spec.LumiBlocksPerRun; ls++ {
			if err := r.step(ctx, run, uint32(ls)); err != nil {
				return nil, err
			}
		}
	}
	if err := r.finish(ctx, lastRun+1); err != nil {
		return nil, err
	}

	snap := r.sink.Snapshot()
	result = &model.TraversalResult{
		JobID:           r.deps.JobID,
		Tag:             spec.Tag,
		FirstRun:        spec.FirstRun,
		LastRun:         lastRun,
		LastUnit:        r.lastUnit,
		Units:           r.units,
		Intervals:       r.tracker.Count(),
		TotalLuminosity: snap.TotalLuminosity,
		Snapshot:        snap,
		StartedAt:       start.UTC(),
	}

	var batch *Batch
	if r.deps.Emitter != nil {
		r.setStatus(ctx, StatusEmitting)
		staged, serr := r.deps.Emitter.Stage(ctx, spec.Tag, snap)
		if serr != nil {
			return nil, fmt.Errorf("emit summary: %w", serr)
		}
		artifacts, warnings, cerr := staged.Commit()
		if cerr != nil {
			return nil, fmt.Errorf("emit summary: %w", cerr)
		}
		batch = staged
		artifacts, published := r.deps.Emitter.Publish(ctx, artifacts)
		for _, w := range append(warnings, published...) {
			r.warn(w)
		}
		result.Artifacts = artifacts
	}
	result.Warnings = append([]model.Warning(nil), r.warnings...)
	result.Duration = time.Since(start)

	if r.deps.Jobs != nil && r.deps.JobID != "" {
		if serr := r.deps.Jobs.SaveResult(ctx, result); serr != nil {
			if batch != nil {
				if rerr := batch.Rollback(); rerr != nil {
					r.log.Error("failed to roll back artifacts", "error", rerr)
				}
				for _, a := range result.Artifacts {
					if a.RemoteURI != "" {
						r.log.Warn("published artifact left in place", "uri", a.RemoteURI)
					}
				}
			}
			return nil, fmt.Errorf("save result: %w", serr)
		}
	}
	if batch != nil {
		batch.Finish()
	}
	r.setStatus(ctx, StatusCompleted)
	r.metrics.TraversalFinished(StatusCompleted)

	r.log.Info("traversal completed",
		"units", result.Units,
		"intervals", result.Intervals,
		"total_luminosity_fb", result.TotalLuminosity,
		"warnings", len(result.Warnings),
		"artifacts", len(result.Artifacts),
		"duration", result.Duration)
	return result, nil
}

// step processes one lumi-block inside the range: luminosity first, then
// the payload, so a missing luminosity wins when both are absent.
func (r *Runner) step(ctx context.Context, run model.Run, ls uint32) error {
	lumi, warn, err := r.deps.Luminosity.Resolve(run, ls)
	if err != nil {
		return fmt.Errorf("run %d ls %d: %w", run, ls, err)
	}
	if warn != nil {
		r.warn(*warn)
	}

	obs, err := r.tracker.Observe(ctx, run)
	if err != nil {
		return fmt.Errorf("run %d ls %d: %w", run, ls, err)
	}
	if obs.Warning != nil {
		r.warn(*obs.Warning)
	}

	if obs.Boundary {
		if r.state == StateInit {
			r.log.Debug("first interval", "run", run, "since", obs.Payload.ValidSince)
		} else {
			r.state = StateCheckpoint
			r.metrics.BoundaryDetected(r.spec.Tag)
			r.log.Info("interval boundary", "run", run, "since", obs.Payload.ValidSince)
		}
		r.sink.Checkpoint(obs.Payload)
	}

	if err := r.sink.Update(run, obs.Payload, lumi); err != nil {
		return fmt.Errorf("run %d ls %d: %w", run, ls, err)
	}
	r.state = StateAccumulating
	r.units++
	r.lastUnit = model.LumiBlock{Run: run, Block: ls}
	r.metrics.UnitProcessed(r.spec.Tag)
	r.metrics.LuminosityAdded(r.spec.Tag, lumi.Delivered*1e-9)
	return nil
}

// finish processes the unit just past the range: it only closes the last
// interval and never accumulates luminosity.
func (r *Runner) finish(ctx context.Context, run model.Run) error {
	if _, err := r.tracker.Close(ctx, run); err != nil {
		return fmt.Errorf("close at run %d: %w", run, err)
	}
	r.sink.Checkpoint(nil)
	r.units++
	r.lastUnit = model.LumiBlock{Run: run, Block: 1}
	r.state = StateFinal
	return nil
}

// warn records w once per kind and run.
func (r *Runner) warn(w model.Warning) {
	if w.Run != 0 {
		k := warningKey{kind: w.Kind, run: w.Run}
		if r.seen[k] {
			return
		}
		r.seen[k] = true
	}
	r.warnings = append(r.warnings, w)
	r.metrics.WarningRecorded(w.Kind)
}

func (r *Runner) collectIngestWarnings() {
	src, ok := r.deps.Luminosity.(interface{ Warnings() []model.Warning })
	if !ok {
		return
	}
	for _, w := range src.Warnings() {
		r.warn(w)
	}
}

func (r *Runner) setStatus(ctx context.Context, status string) {
	if r.deps.Jobs == nil || r.deps.JobID == "" {
		return
	}
	if err := r.deps.Jobs.UpdateJobStatus(ctx, r.deps.JobID, status); err != nil {
		r.log.Warn("failed to update job status", "status", status, "error", err)
	}
}
