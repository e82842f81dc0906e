package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"go-pixel-quality/internal/model"
	"go-pixel-quality/internal/ports"
)

// Supported artifact formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// RendererFor returns the renderer for a format name.
func RendererFor(format string) (ports.Renderer, error) {
	switch format {
	case FormatCSV:
		return CSVRenderer{}, nil
	case FormatJSON:
		return JSONRenderer{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

// fixed precision keeps artifacts byte-identical across identical traversals
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

var csvHeader = []string{
	"kind", "run", "det_id", "roc", "blocks",
	"total_modules", "bad_modules",
	"luminosity_fb", "bad_luminosity_fb",
	"bad_fraction", "weighted_bad_fraction", "bad_luminosity_percent",
}

// CSVRenderer writes one row per run bin followed by one row per masked chip.
type CSVRenderer struct{}

func (CSVRenderer) Format() string { return FormatCSV }

func (CSVRenderer) Render(w io.Writer, tag string, p model.Partition, snap model.Snapshot) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, b := range snap.BinsFor(p) {
		row := []string{
			"run",
			strconv.FormatUint(uint64(b.Run), 10),
			"", "",
			strconv.Itoa(b.Blocks),
			strconv.FormatInt(b.TotalModules, 10),
			strconv.FormatInt(b.BadModules, 10),
			formatFloat(b.Luminosity),
			formatFloat(b.BadLuminosity),
			formatFloat(b.BadFraction()),
			formatFloat(b.WeightedBadFraction()),
			"",
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write run %d: %w", b.Run, err)
		}
	}

	for _, c := range snap.ComponentsFor(p) {
		row := []string{
			"roc",
			"",
			strconv.FormatUint(uint64(c.DetID), 10),
			strconv.Itoa(c.ROC),
			"", "", "", "",
			formatFloat(c.BadLuminosity),
			"", "",
			formatFloat(snap.BadLuminosityPercent(c)),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write module %d: %w", c.DetID, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// JSONRenderer writes the partition's bins, masked chips and the interval
// list as one indented document.
type JSONRenderer struct{}

func (JSONRenderer) Format() string { return FormatJSON }

type jsonComponent struct {
	DetID                uint32  `json:"det_id"`
	ROC                  int     `json:"roc"`
	BadLuminosity        float64 `json:"bad_luminosity_fb"`
	BadLuminosityPercent float64 `json:"bad_luminosity_percent"`
}

type jsonSummary struct {
	SummaryInfo struct {
		Tag       string          `json:"tag"`
		Partition model.Partition `json:"partition"`
		Units     int             `json:"units"`
		Bins      int             `json:"bins"`
		Modules   int             `json:"masked_chips"`
	} `json:"summary_info"`
	TotalLuminosity float64                 `json:"total_luminosity_fb"`
	Intervals       []model.IntervalSummary `json:"intervals"`
	Bins            []model.AggregateBin    `json:"bins"`
	Components      []jsonComponent         `json:"components"`
}

func (JSONRenderer) Render(w io.Writer, tag string, p model.Partition, snap model.Snapshot) error {
	var doc jsonSummary
	doc.SummaryInfo.Tag = tag
	doc.SummaryInfo.Partition = p
	doc.SummaryInfo.Units = snap.Units
	doc.TotalLuminosity = snap.TotalLuminosity
	doc.Intervals = snap.Intervals
	doc.Bins = snap.BinsFor(p)
	if doc.Intervals == nil {
		doc.Intervals = []model.IntervalSummary{}
	}
	if doc.Bins == nil {
		doc.Bins = []model.AggregateBin{}
	}
	doc.Components = []jsonComponent{}
	for _, c := range snap.ComponentsFor(p) {
		doc.Components = append(doc.Components, jsonComponent{
			DetID:                c.DetID,
			ROC:                  c.ROC,
			BadLuminosity:        c.BadLuminosity,
			BadLuminosityPercent: snap.BadLuminosityPercent(c),
		})
	}
	doc.SummaryInfo.Bins = len(doc.Bins)
	doc.SummaryInfo.Modules = len(doc.Components)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
