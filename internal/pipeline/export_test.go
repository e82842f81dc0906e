package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go-pixel-quality/internal/model"
)

func sampleSnapshot() model.Snapshot {
	return model.Snapshot{
		Bins: []model.AggregateBin{
			{Run: 320500, Partition: model.PartitionBarrel, Blocks: 2, TotalModules: 4, BadModules: 1, Luminosity: 2, BadLuminosity: 2, ModuleLuminosity: 8},
			{Run: 320500, Partition: model.PartitionForward, Blocks: 2, TotalModules: 2, Luminosity: 2, ModuleLuminosity: 4},
		},
		Components: []model.ComponentBin{
			{Partition: model.PartitionBarrel, DetID: barrelModule, ROC: 0, BadLuminosity: 1},
			{Partition: model.PartitionBarrel, DetID: barrelModule, ROC: 1, BadLuminosity: 2},
		},
		Intervals:       []model.IntervalSummary{{Index: 1, ValidSince: 320000, ValidUntil: model.OpenEnded, FirstRun: 320500, LastRun: 320500, Luminosity: 2}},
		TotalLuminosity: 2,
		Units:           2,
	}
}

func newEmitter(t *testing.T, dir string, formats ...string) *Emitter {
	t.Helper()
	e, err := NewEmitter(EmitterOptions{Dir: dir, Formats: formats, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("emitter: %v", err)
	}
	return e
}

func TestArtifactName(t *testing.T) {
	got := ArtifactName(model.PartitionBarrel, testTag, FormatCSV)
	if got != "SummaryBarrel_SiPixelQuality_byPCL_prompt_v2.csv" {
		t.Fatalf("unexpected name %s", got)
	}
}

func TestNewEmitterRejectsUnknownFormat(t *testing.T) {
	if _, err := NewEmitter(EmitterOptions{Dir: t.TempDir(), Formats: []string{"png"}}); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestEmitRotatesPreviousGeneration(t *testing.T) {
	dir := t.TempDir()
	e := newEmitter(t, dir, FormatCSV)
	ctx := context.Background()

	first, warnings, err := e.Emit(ctx, testTag, sampleSnapshot())
	if err != nil || len(warnings) != 0 {
		t.Fatalf("first emit: %v %v", err, warnings)
	}
	if len(first) != 2 || first[0].Rotated != "" {
		t.Fatalf("unexpected first artifacts %+v", first)
	}

	second := sampleSnapshot()
	second.TotalLuminosity = 4
	for i := 0; i < 2; i++ {
		arts, _, err := e.Emit(ctx, testTag, second)
		if err != nil {
			t.Fatalf("emit: %v", err)
		}
		if arts[0].Rotated == "" {
			t.Fatalf("expected rotation on re-emit")
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := []string{
		"SummaryBarrel_" + testTag + ".csv",
		"SummaryBarrel_" + testTag + "_old.csv",
		"SummaryForward_" + testTag + ".csv",
		"SummaryForward_" + testTag + "_old.csv",
	}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected files %v", names)
	}
}

func TestEmitIsDeterministic(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a, _, err := newEmitter(t, dirA, FormatCSV, FormatJSON).Emit(context.Background(), testTag, sampleSnapshot())
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	b, _, err := newEmitter(t, dirB, FormatCSV, FormatJSON).Emit(context.Background(), testTag, sampleSnapshot())
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	for i := range a {
		if a[i].SHA256 != b[i].SHA256 || a[i].Bytes != b[i].Bytes {
			t.Fatalf("artifact %s differs between identical emits", a[i].Name)
		}
		data, err := os.ReadFile(a[i].Path)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if int64(len(data)) != a[i].Bytes {
			t.Fatalf("reported size %d, file has %d", a[i].Bytes, len(data))
		}
	}
}

func TestEmitRotationFailureIsAWarning(t *testing.T) {
	dir := t.TempDir()
	// a non-empty directory where each backup should go makes the rotation fail
	for _, p := range model.Partitions {
		name := ArtifactName(p, testTag, FormatCSV)
		if err := os.WriteFile(filepath.Join(dir, name), []byte("previous"), 0644); err != nil {
			t.Fatalf("seed: %v", err)
		}
		backup := filepath.Join(dir, "Summary"+string(p)+"_"+testTag+"_old.csv")
		if err := os.MkdirAll(filepath.Join(backup, "keep"), 0755); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	var logs bytes.Buffer
	e, err := NewEmitter(EmitterOptions{Dir: dir, Formats: []string{FormatCSV}, Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	if err != nil {
		t.Fatalf("emitter: %v", err)
	}
	arts, warnings, err := e.Emit(context.Background(), testTag, sampleSnapshot())
	if err != nil {
		t.Fatalf("rotation failure must not abort: %v", err)
	}
	if len(warnings) != 1 || warnings[0].Kind != model.WarnRotation {
		t.Fatalf("expected one rotation warning, got %+v", warnings)
	}
	if n := strings.Count(logs.String(), "rotation failed"); n != 1 {
		t.Fatalf("rotation failure logged %d times", n)
	}
	for _, a := range arts {
		if readFile(t, a.Path) == "previous" || a.Rotated != "" {
			t.Fatalf("artifact %s was not overwritten", a.Name)
		}
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func generation(lumi float64) model.Snapshot {
	snap := sampleSnapshot()
	snap.Bins[0].Luminosity = lumi
	snap.Bins[1].Luminosity = lumi
	return snap
}

func TestEmitIsAllOrNothingWhenATargetIsBlocked(t *testing.T) {
	dir := t.TempDir()
	e := newEmitter(t, dir, FormatCSV)
	ctx := context.Background()

	if _, _, err := e.Emit(ctx, testTag, generation(1)); err != nil {
		t.Fatalf("first emit: %v", err)
	}
	barrel := filepath.Join(dir, ArtifactName(model.PartitionBarrel, testTag, FormatCSV))
	before := readFile(t, barrel)

	forward := filepath.Join(dir, ArtifactName(model.PartitionForward, testTag, FormatCSV))
	if err := os.Remove(forward); err != nil {
		t.Fatalf("remove: %v", err)
	}
	for _, blocked := range []string{forward, filepath.Join(dir, "SummaryForward_"+testTag+"_old.csv")} {
		if err := os.MkdirAll(filepath.Join(blocked, "keep"), 0755); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	want := listDir(t, dir)

	if _, _, err := e.Emit(ctx, testTag, generation(5)); err == nil {
		t.Fatalf("expected write error for blocked target")
	}
	if readFile(t, barrel) != before {
		t.Fatalf("barrel summary changed although the emit failed")
	}
	if got := listDir(t, dir); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("directory changed: %v, want %v", got, want)
	}
}

func TestRollbackRestoresPreviousGeneration(t *testing.T) {
	dir := t.TempDir()
	e := newEmitter(t, dir, FormatCSV, FormatJSON)
	ctx := context.Background()

	for _, lumi := range []float64{1, 2} {
		if _, _, err := e.Emit(ctx, testTag, generation(lumi)); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	files := listDir(t, dir)
	contents := make(map[string]string, len(files))
	for _, name := range files {
		contents[name] = readFile(t, filepath.Join(dir, name))
	}

	batch, err := e.Stage(ctx, testTag, generation(3))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	arts, _, err := batch.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if readFile(t, arts[0].Path) == contents[arts[0].Name] {
		t.Fatalf("commit did not replace %s", arts[0].Name)
	}
	if err := batch.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if got := listDir(t, dir); strings.Join(got, ",") != strings.Join(files, ",") {
		t.Fatalf("unexpected files after rollback %v", got)
	}
	for name, want := range contents {
		if readFile(t, filepath.Join(dir, name)) != want {
			t.Fatalf("%s not restored", name)
		}
	}
}

func TestDiscardLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	batch, err := newEmitter(t, dir, FormatCSV, FormatJSON).Stage(context.Background(), testTag, sampleSnapshot())
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if len(listDir(t, dir)) != 4 {
		t.Fatalf("expected four staged files, got %v", listDir(t, dir))
	}
	batch.Discard()
	if names := listDir(t, dir); len(names) != 0 {
		t.Fatalf("staged files left behind: %v", names)
	}
}

func TestCSVRendererRows(t *testing.T) {
	var buf bytes.Buffer
	if err := (CSVRenderer{}).Render(&buf, testTag, model.PartitionBarrel, sampleSnapshot()); err != nil {
		t.Fatalf("render: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header, one run and two chips, got %d rows", len(rows))
	}
	run := rows[1]
	if run[0] != "run" || run[1] != "320500" || run[9] != "0.250000" || run[10] != "0.250000" {
		t.Fatalf("unexpected run row %v", run)
	}
	chip := rows[3]
	if chip[0] != "roc" || chip[3] != "1" || chip[11] != "100.000000" {
		t.Fatalf("unexpected chip row %v", chip)
	}
}

func TestJSONRendererDocument(t *testing.T) {
	var buf bytes.Buffer
	if err := (JSONRenderer{}).Render(&buf, testTag, model.PartitionForward, sampleSnapshot()); err != nil {
		t.Fatalf("render: %v", err)
	}
	var doc jsonSummary
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.SummaryInfo.Partition != model.PartitionForward || doc.SummaryInfo.Bins != 1 || len(doc.Components) != 0 {
		t.Fatalf("unexpected document %+v", doc)
	}
	if len(doc.Intervals) != 1 || doc.TotalLuminosity != 2 {
		t.Fatalf("unexpected totals %+v", doc)
	}
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(ctx context.Context, artifact model.OutputArtifact) (string, error) {
	p.calls++
	return "", errors.New("bucket unavailable")
}

type recordingPublisher struct{ names []string }

func (p *recordingPublisher) Publish(ctx context.Context, artifact model.OutputArtifact) (string, error) {
	p.names = append(p.names, artifact.Name)
	return "s3://summaries/" + artifact.Name, nil
}

func TestEmitPublishes(t *testing.T) {
	rec := &recordingPublisher{}
	e, err := NewEmitter(EmitterOptions{Dir: t.TempDir(), Publisher: rec, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("emitter: %v", err)
	}
	arts, warnings, err := e.Emit(context.Background(), testTag, sampleSnapshot())
	if err != nil || len(warnings) != 0 {
		t.Fatalf("emit: %v %v", err, warnings)
	}
	if len(rec.names) != 2 || arts[0].RemoteURI != "s3://summaries/"+arts[0].Name {
		t.Fatalf("unexpected publish %v %+v", rec.names, arts)
	}

	fail := &failingPublisher{}
	e, err = NewEmitter(EmitterOptions{Dir: t.TempDir(), Publisher: fail, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("emitter: %v", err)
	}
	arts, warnings, err = e.Emit(context.Background(), testTag, sampleSnapshot())
	if err != nil {
		t.Fatalf("publish failure must not abort: %v", err)
	}
	if len(arts) != 2 || len(warnings) != 2 || warnings[0].Kind != model.WarnPublish {
		t.Fatalf("unexpected result %+v %+v", arts, warnings)
	}
}
