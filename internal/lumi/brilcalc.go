package lumi

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"go-pixel-quality/internal/model"
	"go-pixel-quality/pkg/utils"
)

// layout locates the columns of a brilcalc table.
type layout struct {
	granularity Granularity
	delivered   int
	recorded    int
	bunch       int // -1 when absent
	scale       float64
}

var (
	lumiBlockLayout = layout{granularity: ByLumiBlock, delivered: 5, recorded: 6, bunch: 9, scale: 1}
	runLayout       = layout{granularity: ByRun, delivered: 4, recorded: 5, bunch: -1, scale: 1}
)

// unitScale converts a brilcalc unit suffix into /ub.
var unitScale = map[string]float64{
	"/ub": 1,
	"/nb": 1e3,
	"/pb": 1e6,
	"/fb": 1e9,
}

type parseResult struct {
	layout    layout
	entries   []model.LuminosityEntry
	malformed []error
	rows      int
}

// parseBrilcalc reads brilcalc "lumi" output. Lines starting with '#' are
// comments; the one starting with "#run:fill" is the header.
func parseBrilcalc(r io.Reader, withBunches bool) (*parseResult, error) {
	csvReader := csv.NewReader(r)
	csvReader.LazyQuotes = true
	csvReader.FieldsPerRecord = -1
	csvReader.TrimLeadingSpace = true

	res := &parseResult{layout: lumiBlockLayout}
	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				res.rows++
				res.malformed = append(res.malformed, fmt.Errorf("line %d: %w", perr.Line, err))
				continue
			}
			return nil, err
		}
		if len(record) == 0 {
			continue
		}

		first := strings.TrimSpace(record[0])
		if strings.HasPrefix(first, "#") {
			if strings.HasPrefix(first, "#run:fill") {
				res.layout = headerLayout(record)
			}
			continue
		}

		res.rows++
		entry, err := parseRow(record, res.layout, withBunches)
		if err != nil {
			line, _ := csvReader.FieldPos(0)
			res.malformed = append(res.malformed, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		res.entries = append(res.entries, entry)
	}
}

func headerLayout(header []string) layout {
	l := lumiBlockLayout
	if len(header) > 1 && strings.TrimSpace(header[1]) != "ls" {
		l = runLayout
	}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		switch {
		case strings.HasPrefix(h, "delivered"):
			l.delivered = i
			l.scale = scaleOf(h)
		case strings.HasPrefix(h, "recorded"):
			l.recorded = i
		case strings.HasPrefix(h, "[bx"):
			l.bunch = i
		}
	}
	return l
}

func scaleOf(col string) float64 {
	open := strings.Index(col, "(")
	end := strings.Index(col, ")")
	if open < 0 || end <= open {
		return 1
	}
	if s, ok := unitScale[col[open+1:end]]; ok {
		return s
	}
	return 1
}

func parseRow(record []string, l layout, withBunches bool) (model.LuminosityEntry, error) {
	var e model.LuminosityEntry
	need := l.recorded
	if l.delivered > need {
		need = l.delivered
	}
	if len(record) <= need {
		return e, fmt.Errorf("expected at least %d fields, got %d", need+1, len(record))
	}

	runStr, fillStr := utils.SplitPair(record[0], ":")
	run, err := utils.ParseUint(runStr)
	if err != nil || run == 0 {
		return e, fmt.Errorf("bad run %q", record[0])
	}
	e.Run = model.Run(run)
	if fillStr != "" {
		if fill, err := utils.ParseUint(fillStr); err == nil {
			e.Fill = uint32(fill)
		}
	}

	if l.granularity == ByLumiBlock {
		lsStr, _ := utils.SplitPair(record[1], ":")
		ls, err := utils.ParseUint(lsStr)
		if err != nil || ls == 0 {
			return e, fmt.Errorf("bad lumi-block %q", record[1])
		}
		e.Block = uint32(ls)
	}

	delivered, err := utils.ParseFloat(record[l.delivered])
	if err != nil || delivered < 0 {
		return e, fmt.Errorf("bad delivered luminosity %q", record[l.delivered])
	}
	recorded, err := utils.ParseFloat(record[l.recorded])
	if err != nil || recorded < 0 {
		return e, fmt.Errorf("bad recorded luminosity %q", record[l.recorded])
	}
	e.Delivered = delivered * l.scale
	e.Recorded = recorded * l.scale

	if withBunches && l.bunch >= 0 && l.bunch < len(record) {
		bunches, err := parseBunches(record[l.bunch], l.scale)
		if err != nil {
			return e, err
		}
		e.ByBunch = bunches
	}
	return e, nil
}

// parseBunches reads "[bx delivered recorded bx delivered recorded ...]".
func parseBunches(field string, scale float64) ([]model.BunchLuminosity, error) {
	field = strings.TrimSpace(field)
	field = strings.TrimPrefix(field, "[")
	field = strings.TrimSuffix(field, "]")
	parts := strings.Fields(field)
	if len(parts)%3 != 0 {
		return nil, fmt.Errorf("bunch data has %d values, want a multiple of 3", len(parts))
	}

	out := make([]model.BunchLuminosity, 0, len(parts)/3)
	for i := 0; i < len(parts); i += 3 {
		bx, err := utils.ParseUint(parts[i])
		if err != nil {
			return nil, fmt.Errorf("bad bunch crossing %q", parts[i])
		}
		del, err := utils.ParseFloat(parts[i+1])
		if err != nil {
			return nil, fmt.Errorf("bad bunch delivered %q", parts[i+1])
		}
		rec, err := utils.ParseFloat(parts[i+2])
		if err != nil {
			return nil, fmt.Errorf("bad bunch recorded %q", parts[i+2])
		}
		out = append(out, model.BunchLuminosity{BX: int(bx), Delivered: del * scale, Recorded: rec * scale})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BX < out[j].BX })
	return out, nil
}
