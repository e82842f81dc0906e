package model

import "time"

// LuminosityOptions configures how the luminosity dataset is read and applied.
type LuminosityOptions struct {
	File                 string  `json:"lumiFile" yaml:"file"`
	ThrowIfNotFound      bool    `json:"throwIfNotFound" yaml:"throw_if_not_found"`
	DoBunchByBunch       bool    `json:"doBunchByBunch" yaml:"do_bunch_by_bunch"`
	MaxMalformedFraction float64 `json:"maxMalformedFraction,omitempty" yaml:"max_malformed_fraction"`
}

// OutputOptions configures the summary artifacts.
type OutputOptions struct {
	Dir     string   `json:"dir" yaml:"dir"`
	Formats []string `json:"formats" yaml:"formats"` // "csv", "json"
}

// CheckpointPolicy selects what happens to interval luminosity at an IOV boundary.
type CheckpointPolicy string

const (
	CheckpointFlush      CheckpointPolicy = "flush"
	CheckpointAccumulate CheckpointPolicy = "accumulate"
)

// TraversalSpec is the full description of one traversal. It is passed
// explicitly into the pipeline; nothing is read from process-wide state.
type TraversalSpec struct {
	Tag              string            `json:"tag" yaml:"tag"`
	FirstRun         Run               `json:"firstRun" yaml:"first_run"`
	LumiBlocksPerRun int               `json:"nLSToProcessPerRun" yaml:"ls_per_run"`
	RunCount         int               `json:"nRunsToProcess" yaml:"runs"`
	Checkpoint       CheckpointPolicy  `json:"checkpoint,omitempty" yaml:"checkpoint"`
	Luminosity       LuminosityOptions `json:"luminosity" yaml:"luminosity"`
	Output           OutputOptions     `json:"output" yaml:"output"`
}

// LastRun is the last run inside the requested range.
func (s TraversalSpec) LastRun() Run {
	return s.FirstRun + Run(s.RunCount) - 1
}

// TotalUnits is the number of lumi-blocks the driver steps through,
// including the one past the range that closes the last interval.
func (s TraversalSpec) TotalUnits() int {
	return s.RunCount*s.LumiBlocksPerRun + 1
}

// Warning is a recoverable condition met during a traversal.
type Warning struct {
	Kind    string `json:"kind"` // "luminosity_missing", "payload_missing", "ingest", "rotation", "publish"
	Run     Run    `json:"run,omitempty"`
	Message string `json:"message"`
}

const (
	WarnLuminosityMissing = "luminosity_missing"
	WarnPayloadMissing    = "payload_missing"
	WarnIngest            = "ingest"
	WarnRotation          = "rotation"
	WarnPublish           = "publish"
)

// TraversalResult is what a completed traversal reports.
type TraversalResult struct {
	JobID           string           `json:"job_id,omitempty"`
	Tag             string           `json:"tag"`
	FirstRun        Run              `json:"first_run"`
	LastRun         Run              `json:"last_run"`
	LastUnit        LumiBlock        `json:"last_unit"`
	Units           int              `json:"units"`
	Intervals       int              `json:"intervals"`
	TotalLuminosity float64          `json:"total_luminosity"`
	Warnings        []Warning        `json:"warnings"`
	Artifacts       []OutputArtifact `json:"artifacts"`
	Snapshot        Snapshot         `json:"-"`
	StartedAt       time.Time        `json:"started_at"`
	Duration        time.Duration    `json:"duration"`
}
