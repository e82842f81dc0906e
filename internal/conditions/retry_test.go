package conditions

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-pixel-quality/internal/model"
)

type flakyFetcher struct {
	failures int
	calls    int
	err      error
	payload  *model.ConditionsPayload
}

func (f *flakyFetcher) FetchPayload(ctx context.Context, tag string, run model.Run) (*model.ConditionsPayload, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.payload, nil
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestRetryingFetcherRetriesTransientErrors(t *testing.T) {
	want := &model.ConditionsPayload{Tag: testTag, ValidSince: 1, ValidUntil: model.OpenEnded}
	next := &flakyFetcher{failures: 2, err: errors.New("connection reset"), payload: want}
	f := NewRetryingFetcher(next, RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 2}, nil, nil)
	f.sleep = noSleep

	got, err := f.FetchPayload(context.Background(), testTag, 5)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got != want || next.calls != 3 {
		t.Fatalf("expected success on third attempt, calls=%d", next.calls)
	}
}

func TestRetryingFetcherGivesUp(t *testing.T) {
	boom := errors.New("frontier unavailable")
	next := &flakyFetcher{failures: 10, err: boom}
	f := NewRetryingFetcher(next, RetryConfig{MaxAttempts: 2}, nil, nil)
	f.sleep = noSleep

	_, err := f.FetchPayload(context.Background(), testTag, 5)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped transient error, got %v", err)
	}
	if next.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", next.calls)
	}
}

func TestRetryingFetcherDoesNotRetryNotFound(t *testing.T) {
	next := &flakyFetcher{failures: 10, err: ErrPayloadNotFound}
	f := NewRetryingFetcher(next, RetryConfig{MaxAttempts: 5}, nil, nil)
	f.sleep = noSleep

	if _, err := f.FetchPayload(context.Background(), testTag, 5); !errors.Is(err, ErrPayloadNotFound) {
		t.Fatalf("expected ErrPayloadNotFound, got %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("not-found must not be retried, calls=%d", next.calls)
	}
}

func TestRetryDelayIsCapped(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 3 * time.Second, BackoffMultiplier: 2}
	if d := cfg.delay(1); d != time.Second {
		t.Fatalf("first delay %s", d)
	}
	if d := cfg.delay(5); d != 3*time.Second {
		t.Fatalf("expected capped delay, got %s", d)
	}
}
