package model

import "math"

// OpenEnded marks a payload whose interval of validity has no known upper bound.
const OpenEnded Run = math.MaxUint32

// Run is a data-taking run number.
type Run uint32

// LumiBlock identifies a single lumi-block inside a run.
type LumiBlock struct {
	Run   Run    `json:"run"`
	Block uint32 `json:"block"`
}

// Partition is a detector region used to group modules.
type Partition string

const (
	PartitionBarrel  Partition = "Barrel"
	PartitionForward Partition = "Forward"
)

// Partitions lists every partition in emission order.
var Partitions = []Partition{PartitionBarrel, PartitionForward}

// Reason qualifies why a module is flagged.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonWholeModule Reason = "whole"
	ReasonTBMA        Reason = "tbmA"
	ReasonTBMB        Reason = "tbmB"
	ReasonROCs        Reason = "rocs"
	ReasonStuckTBM    Reason = "stuckTBM"
)

// ROCsPerModule is the width of the bad readout chip mask.
const ROCsPerModule = 16

// ModuleQualityRecord is the quality state of one module inside a payload.
type ModuleQualityRecord struct {
	DetID   uint32 `json:"det_id" yaml:"det_id"`
	BadROCs uint16 `json:"bad_rocs" yaml:"bad_rocs"`
	Reason  Reason `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Bad reports whether the module has any masked chip or an explicit reason.
func (r ModuleQualityRecord) Bad() bool {
	return r.BadROCs != 0 || (r.Reason != ReasonNone)
}

// ConditionsPayload is an immutable snapshot of module quality valid over
// the half-open run interval [ValidSince, ValidUntil).
type ConditionsPayload struct {
	Tag        string                `json:"tag"`
	Hash       string                `json:"hash,omitempty"`
	ValidSince Run                   `json:"valid_since"`
	ValidUntil Run                   `json:"valid_until"`
	Records    []ModuleQualityRecord `json:"records"`
}

// Covers reports whether run falls inside the payload's interval of validity.
func (p *ConditionsPayload) Covers(run Run) bool {
	if p == nil {
		return false
	}
	return run >= p.ValidSince && run < p.ValidUntil
}

// BadCount returns the number of bad modules in the payload.
func (p *ConditionsPayload) BadCount() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, rec := range p.Records {
		if rec.Bad() {
			n++
		}
	}
	return n
}
