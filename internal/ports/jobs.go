package ports

import (
	"context"

	"go-pixel-quality/internal/model"
)

// JobRecorder persists the lifecycle of a traversal job.
type JobRecorder interface {
	UpdateJobStatus(ctx context.Context, jobID, status string) error
	SaveJobError(ctx context.Context, jobID string, err error) error
	SaveResult(ctx context.Context, result *model.TraversalResult) error
}
