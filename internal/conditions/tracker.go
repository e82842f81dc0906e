package conditions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go-pixel-quality/internal/model"
	"go-pixel-quality/internal/ports"
)

// Observation is what the tracker reports for one run.
type Observation struct {
	Run      model.Run
	Payload  *model.ConditionsPayload
	Boundary bool
	Warning  *model.Warning
}

// Interval is one interval of validity as seen by a traversal. ClosedAt is
// the run at which the traversal left it; zero while it is still open.
type Interval struct {
	ValidSince model.Run `json:"valid_since"`
	ValidUntil model.Run `json:"valid_until"`
	FirstRun   model.Run `json:"first_run"`
	LastRun    model.Run `json:"last_run"`
	ClosedAt   model.Run `json:"closed_at"`
}

// Tracker follows the payload of one tag across non-decreasing runs and
// reports when it changes. It is not safe for concurrent use.
type Tracker struct {
	tag     string
	fetcher ports.PayloadFetcher
	log     *slog.Logger

	current   *model.ConditionsPayload
	lastRun   model.Run
	missedRun model.Run
	started   bool
	closed    bool
	closing   Observation
	intervals []Interval
}

// NewTracker creates a tracker for tag.
func NewTracker(tag string, fetcher ports.PayloadFetcher, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		tag:     tag,
		fetcher: fetcher,
		log:     log.With("component", "iov", "tag", tag),
	}
}

// Observe returns the payload valid for run. The first call always reports
// a boundary and fails if no payload exists. Later calls fetch only when run
// leaves the current interval; a missing payload then keeps the current one.
func (t *Tracker) Observe(ctx context.Context, run model.Run) (Observation, error) {
	if t.closed {
		return Observation{}, fmt.Errorf("observe run %d: tracker already closed at run %d", run, t.closing.Run)
	}
	if t.started && run < t.lastRun {
		return Observation{}, fmt.Errorf("run %d after %d: %w", run, t.lastRun, ErrOutOfOrder)
	}

	if t.started && (run == t.lastRun || t.current.Covers(run)) {
		t.advance(run)
		return Observation{Run: run, Payload: t.current}, nil
	}

	p, err := t.fetcher.FetchPayload(ctx, t.tag, run)
	if err != nil {
		if !errors.Is(err, ErrPayloadNotFound) {
			return Observation{}, err
		}
		if !t.started {
			return Observation{}, fmt.Errorf("tag %q has no payload for first run %d: %w", t.tag, run, err)
		}
		obs := Observation{Run: run, Payload: t.current}
		if t.missedRun != run {
			t.missedRun = run
			obs.Warning = &model.Warning{
				Kind:    model.WarnPayloadMissing,
				Run:     run,
				Message: fmt.Sprintf("no payload for tag %s at run %d, keeping payload valid since %d", t.tag, run, t.current.ValidSince),
			}
			t.log.Warn("payload missing, keeping current", "run", run, "since", t.current.ValidSince)
		}
		t.advance(run)
		return obs, nil
	}

	if !t.started {
		t.started = true
		t.open(p, run)
		t.log.Info("first IOV", "run", run, "since", p.ValidSince, "bad_modules", p.BadCount())
		return Observation{Run: run, Payload: p, Boundary: true}, nil
	}

	if p.ValidSince == t.current.ValidSince {
		t.advance(run)
		return Observation{Run: run, Payload: t.current}, nil
	}

	t.intervals[len(t.intervals)-1].ClosedAt = run
	t.open(p, run)
	t.log.Info("new IOV", "run", run, "since", p.ValidSince, "bad_modules", p.BadCount(), "count", len(t.intervals))
	return Observation{Run: run, Payload: p, Boundary: true}, nil
}

// Close handles the run just past the requested range. It consults the
// fetcher like any other run but never opens an interval or reports a
// boundary; it only closes the last interval at run. Calling it again
// returns the first result.
func (t *Tracker) Close(ctx context.Context, run model.Run) (Observation, error) {
	if t.closed {
		return t.closing, nil
	}
	if !t.started {
		return Observation{}, fmt.Errorf("close at run %d: %w", run, ErrNotStarted)
	}
	if run < t.lastRun {
		return Observation{}, fmt.Errorf("close at run %d after %d: %w", run, t.lastRun, ErrOutOfOrder)
	}

	if !t.current.Covers(run) {
		p, err := t.fetcher.FetchPayload(ctx, t.tag, run)
		switch {
		case err == nil && p.ValidSince != t.current.ValidSince:
			t.log.Debug("payload beyond range ignored", "run", run, "since", p.ValidSince)
		case err != nil && !errors.Is(err, ErrPayloadNotFound):
			return Observation{}, err
		}
	}

	t.intervals[len(t.intervals)-1].ClosedAt = run
	t.closed = true
	t.closing = Observation{Run: run, Payload: t.current}
	t.log.Info("last IOV closed", "run", run, "intervals", len(t.intervals))
	return t.closing, nil
}

// Count returns the number of intervals opened inside the range.
func (t *Tracker) Count() int { return len(t.intervals) }

// Intervals returns the intervals seen so far.
func (t *Tracker) Intervals() []Interval {
	return append([]Interval(nil), t.intervals...)
}

func (t *Tracker) open(p *model.ConditionsPayload, run model.Run) {
	t.current = p
	t.lastRun = run
	t.intervals = append(t.intervals, Interval{
		ValidSince: p.ValidSince,
		ValidUntil: p.ValidUntil,
		FirstRun:   run,
		LastRun:    run,
	})
}

func (t *Tracker) advance(run model.Run) {
	t.lastRun = run
	t.intervals[len(t.intervals)-1].LastRun = run
}
