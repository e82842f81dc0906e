package lumi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"

	"go-pixel-quality/internal/model"
)

// ErrNotFound is returned when the dataset has no entry for a run or lumi-block.
var ErrNotFound = errors.New("luminosity not found")

// DefaultMaxMalformedFraction is the share of bad rows tolerated by Load.
const DefaultMaxMalformedFraction = 0.1

// IngestError reports a dataset that is malformed beyond the tolerated threshold.
type IngestError struct {
	Source    string
	Rows      int
	Malformed int
	First     error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("luminosity ingest %s: %d of %d rows malformed: %v", e.Source, e.Malformed, e.Rows, e.First)
}

func (e *IngestError) Unwrap() error { return e.First }

// Granularity tells whether the dataset is keyed by lumi-block or by run.
type Granularity int

const (
	ByLumiBlock Granularity = iota
	ByRun
)

func (g Granularity) String() string {
	if g == ByRun {
		return "run"
	}
	return "lumiblock"
}

// Options controls ingestion and the not-found policy.
type Options struct {
	ThrowIfNotFound      bool
	DoBunchByBunch       bool
	MaxMalformedFraction float64
	Logger               *slog.Logger
}

// OptionsFrom maps traversal options onto table options.
func OptionsFrom(o model.LuminosityOptions, logger *slog.Logger) Options {
	return Options{
		ThrowIfNotFound:      o.ThrowIfNotFound,
		DoBunchByBunch:       o.DoBunchByBunch,
		MaxMalformedFraction: o.MaxMalformedFraction,
		Logger:               logger,
	}
}

type key struct {
	run   model.Run
	block uint32
}

// Summary describes what was ingested.
type Summary struct {
	Source      string  `json:"source"`
	Granularity string  `json:"granularity"`
	Runs        int     `json:"runs"`
	Entries     int     `json:"entries"`
	Skipped     int     `json:"skipped"`
	Duplicates  int     `json:"duplicates"`
	Delivered   float64 `json:"delivered"`
	Recorded    float64 `json:"recorded"`
	Deadtime    float64 `json:"deadtime"`
}

// Table is the ingested luminosity dataset. It is immutable after Load and
// may be shared by concurrent readers.
type Table struct {
	opts        Options
	granularity Granularity
	entries     map[key]model.LuminosityEntry
	runs        map[model.Run]struct{}
	warnings    []model.Warning
	summary     Summary
}

// Load ingests a brilcalc CSV from a local path or an http(s) URL.
func Load(ctx context.Context, pathOrURL string, opts Options) (*Table, error) {
	var reader io.Reader
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pathOrURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build luminosity request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to GET luminosity CSV: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to GET luminosity CSV: unexpected status %s", resp.Status)
		}
		reader = resp.Body
	} else {
		file, err := os.Open(pathOrURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open luminosity CSV: %w", err)
		}
		defer file.Close()
		reader = file
	}
	return Parse(reader, pathOrURL, opts)
}

// Parse ingests a brilcalc CSV from r. source only labels messages.
func Parse(r io.Reader, source string, opts Options) (*Table, error) {
	if opts.MaxMalformedFraction <= 0 {
		opts.MaxMalformedFraction = DefaultMaxMalformedFraction
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log := opts.Logger.With("component", "lumi", "source", source)

	t := &Table{
		opts:    opts,
		entries: make(map[key]model.LuminosityEntry),
		runs:    make(map[model.Run]struct{}),
	}

	res, err := parseBrilcalc(r, opts.DoBunchByBunch)
	if err != nil {
		return nil, &IngestError{Source: source, First: err}
	}
	t.granularity = res.layout.granularity

	if res.rows > 0 && float64(len(res.malformed))/float64(res.rows) > opts.MaxMalformedFraction {
		return nil, &IngestError{Source: source, Rows: res.rows, Malformed: len(res.malformed), First: res.malformed[0]}
	}

	for _, bad := range res.malformed {
		log.Warn("skipping malformed luminosity row", "error", bad)
		t.warnings = append(t.warnings, model.Warning{Kind: model.WarnIngest, Message: bad.Error()})
	}

	duplicates := 0
	for _, e := range res.entries {
		k := key{run: e.Run, block: e.Block}
		if _, dup := t.entries[k]; dup {
			duplicates++
			t.warnings = append(t.warnings, model.Warning{
				Kind:    model.WarnIngest,
				Run:     e.Run,
				Message: fmt.Sprintf("duplicate luminosity row for run %d block %d, keeping the last one", e.Run, e.Block),
			})
		}
		t.entries[k] = e
		t.runs[e.Run] = struct{}{}
	}

	t.summary = Summary{
		Source:      source,
		Granularity: t.granularity.String(),
		Runs:        len(t.runs),
		Entries:     len(t.entries),
		Skipped:     len(res.malformed),
		Duplicates:  duplicates,
	}
	for _, e := range t.entries {
		t.summary.Delivered += e.Delivered
		t.summary.Recorded += e.Recorded
	}
	t.summary.Deadtime = model.LuminosityValue{Delivered: t.summary.Delivered, Recorded: t.summary.Recorded}.DeadtimeFraction()

	if len(t.entries) == 0 {
		log.Warn("luminosity dataset is empty")
	}
	log.Info("luminosity dataset loaded",
		"granularity", t.summary.Granularity,
		"runs", t.summary.Runs,
		"entries", t.summary.Entries,
		"skipped", t.summary.Skipped,
		"deadtime", t.summary.Deadtime)
	return t, nil
}

// Granularity reports how the dataset is keyed.
func (t *Table) Granularity() Granularity { return t.granularity }

// Summary reports what was ingested.
func (t *Table) Summary() Summary { return t.summary }

// Warnings returns the rows skipped or overridden during ingestion.
func (t *Table) Warnings() []model.Warning {
	return append([]model.Warning(nil), t.warnings...)
}

// HasRun reports whether any row exists for run.
func (t *Table) HasRun(run model.Run) bool {
	_, ok := t.runs[run]
	return ok
}

// Runs returns every run present in the dataset, ascending.
func (t *Table) Runs() []model.Run {
	out := make([]model.Run, 0, len(t.runs))
	for r := range t.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lookup returns the luminosity of one lumi-block. For datasets keyed by run
// the run total is returned for the first block and zero for the others, so
// a run contributes its luminosity exactly once.
func (t *Table) Lookup(run model.Run, block uint32) (model.LuminosityValue, error) {
	if t.granularity == ByRun {
		e, ok := t.entries[key{run: run}]
		if !ok {
			return model.LuminosityValue{}, fmt.Errorf("run %d: %w", run, ErrNotFound)
		}
		if block > 1 {
			return model.LuminosityValue{}, nil
		}
		return t.value(e), nil
	}

	e, ok := t.entries[key{run: run, block: block}]
	if !ok {
		return model.LuminosityValue{}, fmt.Errorf("run %d block %d: %w", run, block, ErrNotFound)
	}
	return t.value(e), nil
}

// Resolve applies the not-found policy on top of Lookup. With
// ThrowIfNotFound unset it never fails: a missing entry yields a zero value
// flagged Missing together with a warning.
func (t *Table) Resolve(run model.Run, block uint32) (model.LuminosityValue, *model.Warning, error) {
	v, err := t.Lookup(run, block)
	if err == nil {
		return v, nil, nil
	}
	if t.opts.ThrowIfNotFound {
		return model.LuminosityValue{}, nil, err
	}
	return model.LuminosityValue{Missing: true}, &model.Warning{
		Kind:    model.WarnLuminosityMissing,
		Run:     run,
		Message: err.Error(),
	}, nil
}

func (t *Table) value(e model.LuminosityEntry) model.LuminosityValue {
	v := model.LuminosityValue{Delivered: e.Delivered, Recorded: e.Recorded}
	if t.opts.DoBunchByBunch && len(e.ByBunch) > 0 {
		v.ByBunch = append([]model.BunchLuminosity(nil), e.ByBunch...)
	}
	return v
}
