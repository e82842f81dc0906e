package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go-pixel-quality/internal/model"
	"go-pixel-quality/internal/ports"
	"go-pixel-quality/pkg/utils"
)

// DefaultFormats is used when no output format is configured.
var DefaultFormats = []string{FormatCSV}

// EmitterOptions configures an Emitter.
type EmitterOptions struct {
	Dir       string
	Formats   []string
	Publisher ports.Publisher
	Logger    *slog.Logger
	Metrics   ports.Metrics
}

// Emitter writes the per-partition summary artifacts of a snapshot,
// keeping the previous generation of each file as "_old".
type Emitter struct {
	out       *utils.OutputManager
	renderers []ports.Renderer
	publisher ports.Publisher
	log       *slog.Logger
	metrics   ports.Metrics
}

// NewEmitter validates the formats and returns an emitter writing into opts.Dir.
func NewEmitter(opts EmitterOptions) (*Emitter, error) {
	formats := opts.Formats
	if len(formats) == 0 {
		formats = DefaultFormats
	}
	seen := make(map[string]bool, len(formats))
	var renderers []ports.Renderer
	for _, f := range formats {
		if seen[f] {
			continue
		}
		seen[f] = true
		r, err := RendererFor(f)
		if err != nil {
			return nil, err
		}
		renderers = append(renderers, r)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Emitter{
		out:       utils.NewOutputManager(opts.Dir),
		renderers: renderers,
		publisher: opts.Publisher,
		log:       log.With("component", "emitter"),
		metrics:   metrics,
	}, nil
}

// ArtifactName is the file name of one summary artifact.
func ArtifactName(p model.Partition, tag, format string) string {
	return fmt.Sprintf("Summary%s_%s.%s", p, tag, format)
}

// Emit stages, commits and publishes the artifacts of snap in one call.
func (e *Emitter) Emit(ctx context.Context, tag string, snap model.Snapshot) ([]model.OutputArtifact, []model.Warning, error) {
	batch, err := e.Stage(ctx, tag, snap)
	if err != nil {
		return nil, nil, err
	}
	artifacts, warnings, err := batch.Commit()
	if err != nil {
		return nil, nil, err
	}
	batch.Finish()
	artifacts, published := e.Publish(ctx, artifacts)
	return artifacts, append(warnings, published...), nil
}

// Batch is the set of artifacts of one snapshot. They are rendered to temp
// files by Stage and become visible together on Commit.
type Batch struct {
	e         *Emitter
	staged    []stagedArtifact
	installed []*utils.Replacement
}

type stagedArtifact struct {
	art  model.OutputArtifact
	file *utils.StagedFile
}

// Stage renders one artifact per partition and format into temp files next
// to their targets. No existing file is touched.
func (e *Emitter) Stage(ctx context.Context, tag string, snap model.Snapshot) (*Batch, error) {
	if err := e.out.EnsureOutputDirExists(); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	b := &Batch{e: e}
	for _, p := range model.Partitions {
		for _, r := range e.renderers {
			if err := ctx.Err(); err != nil {
				b.Discard()
				return nil, err
			}
			name := ArtifactName(p, tag, r.Format())
			path := e.out.GetOutputFilePath(name)
			file, err := e.out.StageFile(path, func(w io.Writer) error {
				return r.Render(w, tag, p, snap)
			})
			if err != nil {
				b.Discard()
				return nil, fmt.Errorf("render %s: %w", name, err)
			}
			b.staged = append(b.staged, stagedArtifact{
				art: model.OutputArtifact{
					Name:      name,
					Path:      path,
					Format:    r.Format(),
					Tag:       tag,
					Partition: p,
					Bytes:     file.Bytes,
					SHA256:    file.SHA256,
				},
				file: file,
			})
		}
	}
	return b, nil
}

// Commit moves every staged artifact into place, keeping the previous
// generation as "_old". Either all artifacts are installed or, on error,
// the directory is left as it was.
func (b *Batch) Commit() ([]model.OutputArtifact, []model.Warning, error) {
	for _, s := range b.staged {
		if err := utils.CheckReplaceable(s.file.Path); err != nil {
			b.Discard()
			return nil, nil, fmt.Errorf("write %s: %w", s.art.Name, err)
		}
	}

	var (
		artifacts     []model.OutputArtifact
		rotateFailed  []string
		firstRotation error
	)
	for i, s := range b.staged {
		rep, err := b.e.out.Install(s.file)
		if err != nil {
			for _, rest := range b.staged[i+1:] {
				rest.file.Discard()
			}
			b.staged = nil
			if uerr := b.undo(); uerr != nil {
				b.e.log.Error("failed to restore previous artifacts", "error", uerr)
			}
			return nil, nil, fmt.Errorf("write %s: %w", s.art.Name, err)
		}
		b.installed = append(b.installed, rep)

		art := s.art
		art.Rotated = rep.Backup
		if rep.RotateErr != nil {
			if firstRotation == nil {
				firstRotation = rep.RotateErr
			}
			rotateFailed = append(rotateFailed, art.Name)
		}
		artifacts = append(artifacts, art)
	}
	b.staged = nil

	var warnings []model.Warning
	if firstRotation != nil {
		b.e.log.Warn("rotation failed, overwriting", "artifacts", rotateFailed, "error", firstRotation)
		warnings = append(warnings, model.Warning{
			Kind:    model.WarnRotation,
			Message: fmt.Sprintf("rotate %s: %v", strings.Join(rotateFailed, ", "), firstRotation),
		})
	}
	for _, a := range artifacts {
		b.e.metrics.ArtifactEmitted(a.Format)
		b.e.log.Info("artifact written", "path", a.Path, "bytes", a.Bytes, "rotated", a.Rotated != "")
	}
	return artifacts, warnings, nil
}

// Rollback undoes a committed batch: new artifacts are removed and the
// previous generation is put back.
func (b *Batch) Rollback() error {
	err := b.undo()
	if err == nil {
		b.e.log.Warn("artifacts rolled back")
	}
	return err
}

// Finish makes a commit final; Rollback is no longer possible.
func (b *Batch) Finish() {
	for _, r := range b.installed {
		r.Finish()
	}
	b.installed = nil
}

// Discard removes staged files that were never committed.
func (b *Batch) Discard() {
	for _, s := range b.staged {
		s.file.Discard()
	}
	b.staged = nil
}

func (b *Batch) undo() error {
	var errs []error
	for i := len(b.installed) - 1; i >= 0; i-- {
		if err := b.installed[i].Undo(); err != nil {
			errs = append(errs, err)
		}
	}
	b.installed = nil
	return errors.Join(errs...)
}

// Publish uploads committed artifacts. Failures become warnings.
func (e *Emitter) Publish(ctx context.Context, artifacts []model.OutputArtifact) ([]model.OutputArtifact, []model.Warning) {
	if e.publisher == nil {
		return artifacts, nil
	}
	var warnings []model.Warning
	for i, a := range artifacts {
		uri, err := e.publisher.Publish(ctx, a)
		if err != nil {
			e.log.Warn("publish failed", "artifact", a.Name, "error", err)
			warnings = append(warnings, model.Warning{
				Kind:    model.WarnPublish,
				Message: fmt.Sprintf("publish %s: %v", a.Name, err),
			})
			continue
		}
		artifacts[i].RemoteURI = uri
	}
	return artifacts, warnings
}
