package quality

import (
	"io"
	"log/slog"
	"sort"

	"go-pixel-quality/internal/model"
)

// Luminosity arrives in /ub and is accumulated in /fb.
const microbarnToFemtobarn = 1e-9

// Options configures an Aggregator.
type Options struct {
	Policy       model.CheckpointPolicy
	BunchByBunch bool
	Logger       *slog.Logger
}

type binKey struct {
	run       model.Run
	partition model.Partition
}

type componentKey struct {
	partition model.Partition
	detID     uint32
	roc       int
}

type binState struct {
	bin     model.AggregateBin
	bunches map[int]*model.BunchWeight
}

type partitionCount struct {
	total int64
	bad   int64
}

// Aggregator accumulates per-run, per-partition quality statistics and the
// per-chip bad luminosity behind the occupancy maps. It is owned by a
// single traversal and is not safe for concurrent use.
type Aggregator struct {
	opts Options
	log  *slog.Logger

	bins       map[binKey]*binState
	components map[componentKey]float64
	intervals  []model.IntervalSummary

	current      *model.ConditionsPayload
	open         *model.IntervalSummary
	intervalLumi float64
	totalLumi    float64
	units        int
}

// NewAggregator returns an empty aggregator.
func NewAggregator(opts Options) *Aggregator {
	if opts.Policy == "" {
		opts.Policy = model.CheckpointFlush
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Aggregator{
		opts:       opts,
		log:        log.With("component", "aggregator"),
		bins:       make(map[binKey]*binState),
		components: make(map[componentKey]float64),
	}
}

// Update folds one processing unit into the run's bins. Every record of the
// payload moves its partition's counters; the luminosity weights them.
// Zero luminosity leaves the weighted sums untouched but still counts
// modules, and an empty payload only counts the unit.
func (a *Aggregator) Update(run model.Run, payload *model.ConditionsPayload, lumi model.LuminosityValue) error {
	counts, err := countByPartition(payload)
	if err != nil {
		return err
	}
	if a.current == nil && payload != nil {
		a.Checkpoint(payload)
	}

	weight := lumi.Delivered * microbarnToFemtobarn
	a.units++
	a.totalLumi += weight
	a.intervalLumi += weight
	if a.open != nil {
		if a.open.FirstRun == 0 {
			a.open.FirstRun = run
		}
		a.open.LastRun = run
	}

	for _, p := range model.Partitions {
		st := a.bin(run, p)
		c := counts[p]
		st.bin.Blocks++
		st.bin.Luminosity += weight
		st.bin.TotalModules += c.total
		st.bin.BadModules += c.bad
		st.bin.ModuleLuminosity += weight * float64(c.total)
		st.bin.BadLuminosity += weight * float64(c.bad)

		if a.opts.BunchByBunch {
			for _, bx := range lumi.ByBunch {
				w := bx.Delivered * microbarnToFemtobarn
				bw, ok := st.bunches[bx.BX]
				if !ok {
					bw = &model.BunchWeight{BX: bx.BX}
					st.bunches[bx.BX] = bw
				}
				bw.Luminosity += w
				bw.ModuleLuminosity += w * float64(c.total)
				bw.BadLuminosity += w * float64(c.bad)
			}
		}
	}

	if a.opts.Policy == model.CheckpointAccumulate {
		a.credit(payload, weight)
	}
	return nil
}

// Checkpoint closes the open interval and starts one for next. A nil next
// closes the last interval. Accumulated data is never discarded: with the
// flush policy the interval luminosity is credited to the chips masked in
// the closing payload and then reset; with accumulate it keeps running.
func (a *Aggregator) Checkpoint(next *model.ConditionsPayload) {
	if a.open != nil {
		if a.opts.Policy == model.CheckpointFlush {
			a.credit(a.current, a.intervalLumi)
		}
		closed := *a.open
		closed.Luminosity = a.intervalLumi
		a.intervals = append(a.intervals, closed)
		a.log.Debug("interval closed",
			"since", closed.ValidSince,
			"first_run", closed.FirstRun,
			"last_run", closed.LastRun,
			"luminosity", closed.Luminosity)
		if a.opts.Policy == model.CheckpointFlush {
			a.intervalLumi = 0
		}
		a.open = nil
	}

	a.current = next
	if next == nil {
		return
	}
	a.open = &model.IntervalSummary{
		Index:        len(a.intervals) + 1,
		ValidSince:   next.ValidSince,
		ValidUntil:   next.ValidUntil,
		BadModules:   next.BadCount(),
		TotalModules: len(next.Records),
	}
}

// TotalLuminosity returns the luminosity accumulated so far, in /fb.
func (a *Aggregator) TotalLuminosity() float64 { return a.totalLumi }

// IntervalLuminosity returns the luminosity accumulated since the last reset, in /fb.
func (a *Aggregator) IntervalLuminosity() float64 { return a.intervalLumi }

// Snapshot returns a deep copy of the current state in a stable order.
func (a *Aggregator) Snapshot() model.Snapshot {
	snap := model.Snapshot{
		Bins:            make([]model.AggregateBin, 0, len(a.bins)),
		Components:      make([]model.ComponentBin, 0, len(a.components)),
		Intervals:       append([]model.IntervalSummary(nil), a.intervals...),
		TotalLuminosity: a.totalLumi,
		Units:           a.units,
	}

	for _, st := range a.bins {
		b := st.bin
		if len(st.bunches) > 0 {
			b.ByBunch = make([]model.BunchWeight, 0, len(st.bunches))
			for _, bw := range st.bunches {
				b.ByBunch = append(b.ByBunch, *bw)
			}
			sort.Slice(b.ByBunch, func(i, j int) bool { return b.ByBunch[i].BX < b.ByBunch[j].BX })
		}
		snap.Bins = append(snap.Bins, b)
	}
	sort.Slice(snap.Bins, func(i, j int) bool {
		if snap.Bins[i].Run != snap.Bins[j].Run {
			return snap.Bins[i].Run < snap.Bins[j].Run
		}
		return snap.Bins[i].Partition < snap.Bins[j].Partition
	})

	for k, v := range a.components {
		snap.Components = append(snap.Components, model.ComponentBin{
			Partition:     k.partition,
			DetID:         k.detID,
			ROC:           k.roc,
			BadLuminosity: v,
		})
	}
	sort.Slice(snap.Components, func(i, j int) bool {
		ci, cj := snap.Components[i], snap.Components[j]
		if ci.Partition != cj.Partition {
			return ci.Partition < cj.Partition
		}
		if ci.DetID != cj.DetID {
			return ci.DetID < cj.DetID
		}
		return ci.ROC < cj.ROC
	})

	if a.open != nil {
		open := *a.open
		open.Luminosity = a.intervalLumi
		snap.Intervals = append(snap.Intervals, open)
	}
	return snap
}

func (a *Aggregator) bin(run model.Run, p model.Partition) *binState {
	k := binKey{run: run, partition: p}
	st, ok := a.bins[k]
	if !ok {
		st = &binState{
			bin:     model.AggregateBin{Run: run, Partition: p},
			bunches: make(map[int]*model.BunchWeight),
		}
		a.bins[k] = st
	}
	return st
}

// credit adds lumi to every masked chip of every bad module in p.
func (a *Aggregator) credit(p *model.ConditionsPayload, lumi float64) {
	if p == nil || lumi <= 0 {
		return
	}
	for _, rec := range p.Records {
		if !rec.Bad() {
			continue
		}
		part, err := PartitionOf(rec.DetID)
		if err != nil {
			continue
		}
		mask := rec.BadROCs
		if mask == 0 {
			mask = 0xFFFF
		}
		for roc := 0; roc < model.ROCsPerModule; roc++ {
			if mask&(1<<roc) != 0 {
				a.components[componentKey{partition: part, detID: rec.DetID, roc: roc}] += lumi
			}
		}
	}
}

func countByPartition(p *model.ConditionsPayload) (map[model.Partition]partitionCount, error) {
	counts := make(map[model.Partition]partitionCount, len(model.Partitions))
	if p == nil {
		return counts, nil
	}
	for _, rec := range p.Records {
		part, err := PartitionOf(rec.DetID)
		if err != nil {
			return nil, err
		}
		c := counts[part]
		c.total++
		if rec.Bad() {
			c.bad++
		}
		counts[part] = c
	}
	return counts, nil
}
