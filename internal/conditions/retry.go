package conditions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"go-pixel-quality/internal/model"
	"go-pixel-quality/internal/ports"
)

// RetryConfig defines backoff for payload fetches.
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	Jitter            bool          `json:"jitter" yaml:"jitter"`
}

// DefaultRetryConfig is used when the configuration leaves retry unset.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:       3,
	InitialDelay:      500 * time.Millisecond,
	MaxDelay:          10 * time.Second,
	BackoffMultiplier: 2.0,
	Jitter:            true,
}

// RetryingFetcher retries transient fetch failures. Not-found answers are
// returned immediately.
type RetryingFetcher struct {
	next    ports.PayloadFetcher
	cfg     RetryConfig
	log     *slog.Logger
	metrics ports.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetryingFetcher wraps next with cfg.
func NewRetryingFetcher(next ports.PayloadFetcher, cfg RetryConfig, log *slog.Logger, metrics ports.Metrics) *RetryingFetcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &RetryingFetcher{
		next:    next,
		cfg:     cfg,
		log:     log.With("component", "conditions"),
		metrics: metrics,
		sleep:   sleepContext,
	}
}

// FetchPayload implements ports.PayloadFetcher.
func (f *RetryingFetcher) FetchPayload(ctx context.Context, tag string, run model.Run) (*model.ConditionsPayload, error) {
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		p, err := f.next.FetchPayload(ctx, tag, run)
		f.metrics.FetchObserved(time.Since(start).Seconds(), err)
		if err == nil {
			return p, nil
		}
		if errors.Is(err, ErrPayloadNotFound) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if attempt == f.cfg.MaxAttempts {
			break
		}

		delay := f.cfg.delay(attempt)
		f.log.Warn("payload fetch failed, retrying",
			"tag", tag, "run", run, "attempt", attempt, "delay", delay, "error", err)
		if err := f.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("fetch payload %s run %d after %d attempts: %w", tag, run, f.cfg.MaxAttempts, lastErr)
}

// delay returns the wait before attempt+1.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := time.Duration(float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1)))
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	if c.Jitter && d > 0 {
		d += time.Duration(float64(d) * 0.1 * (rand.Float64() - 0.5))
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
