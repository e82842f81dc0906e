package model

// BunchLuminosity is the luminosity delivered in a single bunch crossing.
type BunchLuminosity struct {
	BX        int     `json:"bx"`
	Delivered float64 `json:"delivered"`
	Recorded  float64 `json:"recorded"`
}

// LuminosityEntry is one ingested row of the luminosity dataset. Block is
// zero for rows that carry a whole run.
type LuminosityEntry struct {
	Run       Run               `json:"run"`
	Fill      uint32            `json:"fill"`
	Block     uint32            `json:"block"`
	Delivered float64           `json:"delivered"` // /ub
	Recorded  float64           `json:"recorded"`  // /ub
	ByBunch   []BunchLuminosity `json:"by_bunch,omitempty"`
}

// LuminosityValue is the result of a table lookup for one processing unit.
type LuminosityValue struct {
	Delivered float64           `json:"delivered"`
	Recorded  float64           `json:"recorded"`
	ByBunch   []BunchLuminosity `json:"by_bunch,omitempty"`
	Missing   bool              `json:"missing,omitempty"`
}

// DeadtimeFraction returns 1 - recorded/delivered, or zero when nothing was delivered.
func (v LuminosityValue) DeadtimeFraction() float64 {
	if v.Delivered <= 0 {
		return 0
	}
	return 1 - v.Recorded/v.Delivered
}
