package conditions

import (
	"context"
	"fmt"
	"log/slog"

	"go-pixel-quality/internal/ports"
)

// DriverFile serves payloads from a YAML/JSON dump loaded into memory.
const DriverFile = "file"

// SourceConfig selects and configures the conditions backend.
type SourceConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	DSN    string      `json:"dsn" yaml:"dsn"`
	Retry  RetryConfig `json:"retry" yaml:"retry"`
}

// Open builds the payload fetcher described by cfg, wrapped with retries.
// The returned close function releases the backend.
func Open(ctx context.Context, cfg SourceConfig, log *slog.Logger, metrics ports.Metrics) (ports.PayloadFetcher, func() error, error) {
	switch cfg.Driver {
	case DriverFile:
		store, err := LoadFile(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open conditions file: %w", err)
		}
		return NewRetryingFetcher(store, cfg.Retry, log, metrics), func() error { return nil }, nil
	case DriverSQLite, DriverPostgres:
		store, err := OpenSQLStore(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open conditions database: %w", err)
		}
		return NewRetryingFetcher(store, cfg.Retry, log, metrics), store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown conditions driver %q", cfg.Driver)
	}
}
