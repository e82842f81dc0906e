package ports

import (
	"context"
	"io"

	"go-pixel-quality/internal/model"
)

// Renderer turns one partition of a snapshot into artifact bytes.
type Renderer interface {
	Format() string
	Render(w io.Writer, tag string, p model.Partition, snap model.Snapshot) error
}

// Publisher copies an emitted artifact to a remote location.
type Publisher interface {
	Publish(ctx context.Context, artifact model.OutputArtifact) (string, error)
}
