package conditions

import (
	"context"
	"errors"
	"testing"

	"go-pixel-quality/internal/model"
)

const testTag = "SiPixelQuality_byPCL_prompt_v2"

type countingFetcher struct {
	next  *MemoryStore
	calls int
	runs  []model.Run
}

func (f *countingFetcher) FetchPayload(ctx context.Context, tag string, run model.Run) (*model.ConditionsPayload, error) {
	f.calls++
	f.runs = append(f.runs, run)
	return f.next.FetchPayload(ctx, tag, run)
}

func fixtureStore() *MemoryStore {
	store := NewMemoryStore()
	store.Add(testTag, 320500, []model.ModuleQualityRecord{
		{DetID: 303042564, BadROCs: 0xFFFF, Reason: model.ReasonWholeModule},
		{DetID: 344014340},
	})
	store.Add(testTag, 320503, []model.ModuleQualityRecord{
		{DetID: 303042564},
		{DetID: 344014340, BadROCs: 0x0003, Reason: model.ReasonROCs},
	})
	return store
}

func TestTrackerSameIntervalReturnsSameInstance(t *testing.T) {
	f := &countingFetcher{next: fixtureStore()}
	tr := NewTracker(testTag, f, nil)
	ctx := context.Background()

	first, err := tr.Observe(ctx, 320500)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !first.Boundary {
		t.Fatalf("first observation must be a boundary")
	}

	for _, run := range []model.Run{320500, 320501, 320502} {
		obs, err := tr.Observe(ctx, run)
		if err != nil {
			t.Fatalf("observe %d: %v", run, err)
		}
		if obs.Boundary {
			t.Fatalf("unexpected boundary at run %d", run)
		}
		if obs.Payload != first.Payload {
			t.Fatalf("run %d returned a different payload instance", run)
		}
	}
	if f.calls != 1 {
		t.Fatalf("expected a single fetch inside one IOV, got %d", f.calls)
	}

	next, err := tr.Observe(ctx, 320503)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !next.Boundary || next.Payload.ValidSince != 320503 {
		t.Fatalf("expected boundary at 320503, got %+v", next)
	}
	if tr.Count() != 2 {
		t.Fatalf("expected 2 intervals, got %d", tr.Count())
	}
}

func TestTrackerFirstRunWithoutPayloadIsFatal(t *testing.T) {
	tr := NewTracker(testTag, fixtureStore(), nil)
	_, err := tr.Observe(context.Background(), 320000)
	if !errors.Is(err, ErrPayloadNotFound) {
		t.Fatalf("expected ErrPayloadNotFound, got %v", err)
	}
}

func TestTrackerLaterMissingPayloadKeepsCurrent(t *testing.T) {
	store := fixtureStore()
	miss := &missingFetcher{next: store, missing: map[model.Run]bool{320503: true}}
	tr := NewTracker(testTag, miss, nil)
	ctx := context.Background()

	first, err := tr.Observe(ctx, 320500)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}

	// 320503 falls outside the first IOV, so the tracker must ask and get nothing.
	obs, err := tr.Observe(ctx, 320503)
	if err != nil {
		t.Fatalf("missing later payload must not fail: %v", err)
	}
	if obs.Boundary || obs.Payload != first.Payload {
		t.Fatalf("missing payload must be treated as unchanged: %+v", obs)
	}
	if obs.Warning == nil || obs.Warning.Kind != model.WarnPayloadMissing {
		t.Fatalf("expected payload-missing warning, got %+v", obs.Warning)
	}

	again, err := tr.Observe(ctx, 320503)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if again.Warning != nil {
		t.Fatalf("warning must be recorded once per run")
	}
}

func TestTrackerRejectsDecreasingRuns(t *testing.T) {
	tr := NewTracker(testTag, fixtureStore(), nil)
	ctx := context.Background()
	if _, err := tr.Observe(ctx, 320502); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if _, err := tr.Observe(ctx, 320501); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
}

func TestTrackerCloseOvershoot(t *testing.T) {
	cases := []struct {
		name    string
		lastRun model.Run
	}{
		{name: "payload continues past range", lastRun: 320501},
		{name: "new payload starts right after range", lastRun: 320502},
		{name: "open ended payload", lastRun: 320504},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker(testTag, fixtureStore(), nil)
			ctx := context.Background()
			for run := model.Run(320500); run <= tc.lastRun; run++ {
				if _, err := tr.Observe(ctx, run); err != nil {
					t.Fatalf("observe %d: %v", run, err)
				}
			}
			before := tr.Count()

			obs, err := tr.Close(ctx, tc.lastRun+1)
			if err != nil {
				t.Fatalf("close: %v", err)
			}
			if obs.Boundary {
				t.Fatalf("close must not report a boundary")
			}
			if tr.Count() != before {
				t.Fatalf("close opened an interval: %d -> %d", before, tr.Count())
			}

			again, err := tr.Close(ctx, tc.lastRun+1)
			if err != nil || again != obs {
				t.Fatalf("close must be idempotent: %+v %v", again, err)
			}

			ivs := tr.Intervals()
			if ivs[len(ivs)-1].ClosedAt != tc.lastRun+1 {
				t.Fatalf("last interval closed at %d, want %d", ivs[len(ivs)-1].ClosedAt, tc.lastRun+1)
			}
			if _, err := tr.Observe(ctx, tc.lastRun+2); err == nil {
				t.Fatalf("observe after close must fail")
			}
		})
	}
}

func TestTrackerCloseWithoutPayloadBeyondRange(t *testing.T) {
	miss := &missingFetcher{next: fixtureStore(), missing: map[model.Run]bool{320503: true}}
	tr := NewTracker(testTag, miss, nil)
	ctx := context.Background()
	if _, err := tr.Observe(ctx, 320502); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if _, err := tr.Close(ctx, 320503); err != nil {
		t.Fatalf("close must tolerate a missing payload: %v", err)
	}
}

func TestTrackerCloseBeforeStart(t *testing.T) {
	tr := NewTracker(testTag, fixtureStore(), nil)
	if _, err := tr.Close(context.Background(), 320501); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

type missingFetcher struct {
	next    *MemoryStore
	missing map[model.Run]bool
}

func (f *missingFetcher) FetchPayload(ctx context.Context, tag string, run model.Run) (*model.ConditionsPayload, error) {
	if f.missing[run] {
		return nil, ErrPayloadNotFound
	}
	return f.next.FetchPayload(ctx, tag, run)
}
