package quality

import (
	"fmt"

	"go-pixel-quality/internal/model"
)

// Module identifiers carry the detector in bits 28..31 and the
// sub-detector in bits 25..27.
const (
	detectorShift   = 28
	subdetShift     = 25
	subdetMask      = 0x7
	detectorMask    = 0xF
	detectorTracker = 1

	subdetPixelBarrel = 1
	subdetPixelEndcap = 2
)

// PartitionOf maps a module identifier onto its partition.
func PartitionOf(detID uint32) (model.Partition, error) {
	if det := (detID >> detectorShift) & detectorMask; det != detectorTracker {
		return "", fmt.Errorf("module %d is not a tracker module (detector %d)", detID, det)
	}
	switch (detID >> subdetShift) & subdetMask {
	case subdetPixelBarrel:
		return model.PartitionBarrel, nil
	case subdetPixelEndcap:
		return model.PartitionForward, nil
	default:
		return "", fmt.Errorf("unknown pixel sub-detector for module %d", detID)
	}
}
