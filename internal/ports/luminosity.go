package ports

import "go-pixel-quality/internal/model"

// LuminositySource resolves the luminosity of one processing unit.
// The returned warning is non-nil when a neutral value was substituted.
type LuminositySource interface {
	Resolve(run model.Run, block uint32) (model.LuminosityValue, *model.Warning, error)
}
