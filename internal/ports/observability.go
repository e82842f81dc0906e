package ports

// Metrics receives traversal counters. Implementations must be safe for
// concurrent use since the API server runs several traversals.
type Metrics interface {
	UnitProcessed(tag string)
	BoundaryDetected(tag string)
	WarningRecorded(kind string)
	LuminosityAdded(tag string, fb float64)
	FetchObserved(seconds float64, err error)
	ArtifactEmitted(format string)
	TraversalFinished(status string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) UnitProcessed(string)            {}
func (NopMetrics) BoundaryDetected(string)         {}
func (NopMetrics) WarningRecorded(string)          {}
func (NopMetrics) LuminosityAdded(string, float64) {}
func (NopMetrics) FetchObserved(float64, error)    {}
func (NopMetrics) ArtifactEmitted(string)          {}
func (NopMetrics) TraversalFinished(string)        {}
