package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go-pixel-quality/internal/conditions"
	"go-pixel-quality/internal/model"
	"go-pixel-quality/internal/pipeline"
	"go-pixel-quality/internal/store"
)

const testTag = "SiPixelQuality_byPCL_prompt_v2"

func newTestHandler(t *testing.T) *TraversalHandler {
	t.Helper()
	dir := t.TempDir()

	var b strings.Builder
	b.WriteString("#run:fill,ls,time,beamstatus,E(GeV),delivered(/ub),recorded(/ub),avgpu,source\n")
	for ls := 1; ls <= 5; ls++ {
		fmt.Fprintf(&b, "320500:7000,%d:%d,06/01/18 10:00:00,STABLE BEAMS,6500,1000000,1000000,30.0,HFOC\n", ls, ls)
	}
	lumiFile := filepath.Join(dir, "luminosityDB.csv")
	if err := os.WriteFile(lumiFile, []byte(b.String()), 0644); err != nil {
		t.Fatalf("write luminosity: %v", err)
	}

	db, err := store.InitDB(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	payloads := conditions.NewMemoryStore()
	payloads.Add(testTag, 320000, []model.ModuleQualityRecord{
		{DetID: 303042564, BadROCs: 0x0003, Reason: model.ReasonROCs},
	})

	return &TraversalHandler{
		Store:   db,
		Fetcher: payloads,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Defaults: model.TraversalSpec{
			Tag:        testTag,
			Checkpoint: model.CheckpointFlush,
			Luminosity: model.LuminosityOptions{File: lumiFile, MaxMalformedFraction: 0.1},
			Output:     model.OutputOptions{Formats: []string{"csv", "json"}},
		},
		OutputDir:  filepath.Join(dir, "out"),
		JobTimeout: time.Minute,
	}
}

func create(t *testing.T, h *TraversalHandler, body string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.CreateTraversal(rec, httptest.NewRequest(http.MethodPost, "/api/v1/traversals", strings.NewReader(body)))
	var resp map[string]interface{}
	if rec.Code == http.StatusAccepted {
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return rec.Code, resp
}

func TestCreateTraversalRunsToCompletion(t *testing.T) {
	h := newTestHandler(t)

	code, resp := create(t, h, `{"firstRun": 320500, "nLSToProcessPerRun": 5, "nRunsToProcess": 1}`)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if resp["units"].(float64) != 6 {
		t.Fatalf("expected 6 units, got %v", resp["units"])
	}
	jobID := resp["jobID"].(string)
	h.Wait()

	rec := httptest.NewRecorder()
	h.GetTraversal(rec, httptest.NewRequest(http.MethodGet, "/api/v1/traversals/"+jobID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}
	var job store.Job
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Status != pipeline.StatusCompleted {
		t.Fatalf("expected completed, got %s (errors %v)", job.Status, job.Errors)
	}
	if job.Result == nil || job.Result.Units != 6 || job.Result.LastUnit != (model.LumiBlock{Run: 320501, Block: 1}) {
		t.Fatalf("unexpected result %+v", job.Result)
	}

	rec = httptest.NewRecorder()
	h.GetTraversalBins(rec, httptest.NewRequest(http.MethodGet, "/api/v1/traversals/"+jobID+"/bins?partition=Barrel", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Fatalf("bins: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.GetTraversalBins(rec, httptest.NewRequest(http.MethodGet, "/api/v1/traversals/"+jobID+"/bins?partition=Endcap", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown partition, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.GetTraversalArtifacts(rec, httptest.NewRequest(http.MethodGet, "/api/v1/traversals/"+jobID+"/artifacts", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"count":4`) {
		t.Fatalf("artifacts: %d %s", rec.Code, rec.Body.String())
	}

	name := pipeline.ArtifactName(model.PartitionBarrel, testTag, "csv")
	rec = httptest.NewRecorder()
	h.DownloadArtifact(rec, httptest.NewRequest(http.MethodGet, "/api/v1/download/"+jobID+"/"+name, nil))
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "kind,run,") {
		t.Fatalf("download: %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}

	rec = httptest.NewRecorder()
	h.CancelTraversal(rec, httptest.NewRequest(http.MethodPatch, "/api/v1/traversals/"+jobID+"/cancel", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("cancelling a finished job must fail, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ListTraversals(rec, httptest.NewRequest(http.MethodGet, "/api/v1/traversals", nil))
	var jobs []store.JobSummary
	if err := json.NewDecoder(rec.Body).Decode(&jobs); err != nil || len(jobs) != 1 || jobs[0].ID != jobID {
		t.Fatalf("list: %v %+v", err, jobs)
	}
}

func TestCreateTraversalRejectsInvalidSpecs(t *testing.T) {
	h := newTestHandler(t)
	for name, body := range map[string]string{
		"json":     `{"firstRun":`,
		"no runs":  `{"firstRun": 320500, "nLSToProcessPerRun": 5, "nRunsToProcess": 0}`,
		"bad tag":  `{"tag": "../x", "firstRun": 320500, "nLSToProcessPerRun": 5, "nRunsToProcess": 1}`,
		"overflow": `{"firstRun": 4294967290, "nLSToProcessPerRun": 1, "nRunsToProcess": 10}`,
	} {
		if code, _ := create(t, h, body); code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, code)
		}
	}
}

func TestLuminosityFileIsRestricted(t *testing.T) {
	h := newTestHandler(t)
	body := func(file string) string {
		return fmt.Sprintf(`{"firstRun": 320500, "nLSToProcessPerRun": 5, "nRunsToProcess": 1, "luminosity": {"lumiFile": %q}}`, file)
	}

	// without a luminosity directory only the default is accepted
	if code, _ := create(t, h, body("other.csv")); code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a luminosity directory, got %d", code)
	}
	if code, _ := create(t, h, body(h.Defaults.Luminosity.File)); code != http.StatusAccepted {
		t.Fatalf("the default file must be accepted, got %d", code)
	}

	h.Wait()

	h.LumiDir = filepath.Dir(h.Defaults.Luminosity.File)
	for _, file := range []string{"/etc/passwd", "../luminosityDB.csv", "http://example.org/lumi.csv"} {
		if code, _ := create(t, h, body(file)); code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", file, code)
		}
	}
	code, resp := create(t, h, body("luminosityDB.csv"))
	if code != http.StatusAccepted {
		t.Fatalf("file inside the luminosity directory must be accepted, got %d", code)
	}
	h.Wait()

	job, err := h.Store.GetJob(context.Background(), resp["jobID"].(string))
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != pipeline.StatusCompleted || job.Spec.Luminosity.File != h.Defaults.Luminosity.File {
		t.Fatalf("unexpected job %s %+v", job.Status, job.Spec.Luminosity)
	}
}

func TestMissingLuminosityFileFailsJob(t *testing.T) {
	h := newTestHandler(t)
	h.Defaults.Luminosity.File = filepath.Join(t.TempDir(), "missing.csv")

	_, resp := create(t, h, `{"firstRun": 320500, "nLSToProcessPerRun": 5, "nRunsToProcess": 1}`)
	h.Wait()

	job, err := h.Store.GetJob(context.Background(), resp["jobID"].(string))
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != pipeline.StatusFailed || len(job.Errors) == 0 {
		t.Fatalf("expected failed job with an error, got %s %v", job.Status, job.Errors)
	}
}

func TestUnknownJobIs404(t *testing.T) {
	h := newTestHandler(t)
	for _, tc := range []struct {
		fn   http.HandlerFunc
		path string
	}{
		{h.GetTraversal, "/api/v1/traversals/nope"},
		{h.GetTraversalWarnings, "/api/v1/traversals/nope/warnings"},
		{h.GetTraversalBins, "/api/v1/traversals/nope/bins"},
		{h.GetTraversalArtifacts, "/api/v1/traversals/nope/artifacts"},
		{h.CancelTraversal, "/api/v1/traversals/nope/cancel"},
		{h.DownloadArtifact, "/api/v1/download/nope/file.csv"},
	} {
		rec := httptest.NewRecorder()
		tc.fn(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", tc.path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.DownloadArtifact(rec, httptest.NewRequest(http.MethodGet, "/api/v1/download/only-id", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
