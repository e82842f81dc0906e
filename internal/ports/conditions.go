package ports

import (
	"context"

	"go-pixel-quality/internal/model"
)

// PayloadFetcher serves versioned conditions payloads by run.
type PayloadFetcher interface {
	FetchPayload(ctx context.Context, tag string, run model.Run) (*model.ConditionsPayload, error)
}
