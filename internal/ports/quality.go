package ports

import "go-pixel-quality/internal/model"

// QualitySink consumes payload/luminosity pairs and produces snapshots.
type QualitySink interface {
	Update(run model.Run, payload *model.ConditionsPayload, lumi model.LuminosityValue) error
	Checkpoint(next *model.ConditionsPayload)
	Snapshot() model.Snapshot
}
