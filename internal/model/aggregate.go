package model

// AggregateBin accumulates quality statistics for one (run, partition) pair.
// Luminosity fields are in /fb.
type AggregateBin struct {
	Run       Run       `json:"run"`
	Partition Partition `json:"partition"`
	Blocks    int       `json:"blocks"`

	BadModules   int64 `json:"bad_modules"`
	TotalModules int64 `json:"total_modules"`

	Luminosity       float64 `json:"luminosity"`
	BadLuminosity    float64 `json:"bad_luminosity"`
	ModuleLuminosity float64 `json:"module_luminosity"`

	ByBunch []BunchWeight `json:"by_bunch,omitempty"`
}

// BunchWeight is the per-crossing breakdown of a bin's weighted sums.
type BunchWeight struct {
	BX               int     `json:"bx"`
	Luminosity       float64 `json:"luminosity"`
	BadLuminosity    float64 `json:"bad_luminosity"`
	ModuleLuminosity float64 `json:"module_luminosity"`
}

// BadFraction is the unweighted fraction of bad module observations.
func (b AggregateBin) BadFraction() float64 {
	if b.TotalModules == 0 {
		return 0
	}
	return float64(b.BadModules) / float64(b.TotalModules)
}

// WeightedBadFraction is the luminosity-weighted bad fraction. Bins with no
// luminosity are excluded and report zero.
func (b AggregateBin) WeightedBadFraction() float64 {
	if b.ModuleLuminosity <= 0 {
		return 0
	}
	return b.BadLuminosity / b.ModuleLuminosity
}

// ComponentBin is the luminosity during which one readout chip was masked.
type ComponentBin struct {
	Partition     Partition `json:"partition"`
	DetID         uint32    `json:"det_id"`
	ROC           int       `json:"roc"`
	BadLuminosity float64   `json:"bad_luminosity"`
}

// IntervalSummary describes one interval of validity seen during a traversal.
type IntervalSummary struct {
	Index        int     `json:"index"`
	ValidSince   Run     `json:"valid_since"`
	ValidUntil   Run     `json:"valid_until"`
	FirstRun     Run     `json:"first_run"`
	LastRun      Run     `json:"last_run"`
	Luminosity   float64 `json:"luminosity"`
	BadModules   int     `json:"bad_modules"`
	TotalModules int     `json:"total_modules"`
}

// Snapshot is a read-only copy of the aggregator state.
type Snapshot struct {
	Bins            []AggregateBin    `json:"bins"`
	Components      []ComponentBin    `json:"components"`
	Intervals       []IntervalSummary `json:"intervals"`
	TotalLuminosity float64           `json:"total_luminosity"`
	Units           int               `json:"units"`
}

// BinsFor returns the bins of one partition in run order.
func (s Snapshot) BinsFor(p Partition) []AggregateBin {
	var out []AggregateBin
	for _, b := range s.Bins {
		if b.Partition == p {
			out = append(out, b)
		}
	}
	return out
}

// ComponentsFor returns the component bins of one partition.
func (s Snapshot) ComponentsFor(p Partition) []ComponentBin {
	var out []ComponentBin
	for _, c := range s.Components {
		if c.Partition == p {
			out = append(out, c)
		}
	}
	return out
}

// BadLuminosityPercent converts a component's bad luminosity into a
// percentage of the total luminosity.
func (s Snapshot) BadLuminosityPercent(c ComponentBin) float64 {
	if s.TotalLuminosity <= 0 {
		return 0
	}
	return 100 * c.BadLuminosity / s.TotalLuminosity
}
