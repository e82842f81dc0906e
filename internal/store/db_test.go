package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go-pixel-quality/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleResult(jobID string) *model.TraversalResult {
	return &model.TraversalResult{
		JobID:    jobID,
		Tag:      "SiPixelQuality_byPCL_prompt_v2",
		FirstRun: 320500,
		LastRun:  320501,
		Units:    5,
		Warnings: []model.Warning{
			{Kind: model.WarnLuminosityMissing, Run: 320501, Message: "no luminosity"},
		},
		Artifacts: []model.OutputArtifact{
			{Name: "SummaryBarrel_x.csv", Path: "/out/SummaryBarrel_x.csv", Format: "csv", Partition: model.PartitionBarrel, Bytes: 42, SHA256: "abc"},
		},
		Snapshot: model.Snapshot{Bins: []model.AggregateBin{
			{Run: 320500, Partition: model.PartitionBarrel, Blocks: 2, TotalModules: 4, BadModules: 1, Luminosity: 2},
			{Run: 320500, Partition: model.PartitionForward, Blocks: 2, TotalModules: 2, Luminosity: 2},
			{Run: 320501, Partition: model.PartitionBarrel, Blocks: 2, TotalModules: 4, BadModules: 2},
		}},
	}
}

func TestJobLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	spec := model.TraversalSpec{Tag: "SiPixelQuality_byPCL_prompt_v2", FirstRun: 320500, LumiBlocksPerRun: 2, RunCount: 2}

	if err := db.SaveJob(ctx, "job-1", spec); err != nil {
		t.Fatalf("save job: %v", err)
	}
	if err := db.UpdateJobStatus(ctx, "job-1", "completed"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := db.SaveResult(ctx, sampleResult("job-1")); err != nil {
		t.Fatalf("save result: %v", err)
	}

	job, err := db.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != "completed" || job.Spec.FirstRun != 320500 || job.Result == nil || job.Result.Units != 5 {
		t.Fatalf("unexpected job %+v", job)
	}

	jobs, err := db.ListJobs(ctx)
	if err != nil || len(jobs) != 1 || jobs[0].Tag != spec.Tag {
		t.Fatalf("unexpected list %+v %v", jobs, err)
	}

	warnings, err := db.GetWarnings(ctx, "job-1")
	if err != nil || len(warnings) != 1 || warnings[0].Run != 320501 {
		t.Fatalf("unexpected warnings %+v %v", warnings, err)
	}

	bins, err := db.GetBins(ctx, "job-1", model.PartitionBarrel)
	if err != nil || len(bins) != 2 || bins[1].Run != 320501 || bins[1].BadModules != 2 {
		t.Fatalf("unexpected bins %+v %v", bins, err)
	}
	all, err := db.GetBins(ctx, "job-1", "")
	if err != nil || len(all) != 3 {
		t.Fatalf("unexpected bins %+v %v", all, err)
	}

	artifacts, err := db.GetArtifacts(ctx, "job-1")
	if err != nil || len(artifacts) != 1 || artifacts[0].Tag != spec.Tag || artifacts[0].Bytes != 42 {
		t.Fatalf("unexpected artifacts %+v %v", artifacts, err)
	}
}

func TestJobErrorsAndMissingJobs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.SaveJob(ctx, "job-2", model.TraversalSpec{Tag: "t"}); err != nil {
		t.Fatalf("save job: %v", err)
	}
	if err := db.SaveJobError(ctx, "job-2", errors.New("no payload for first run")); err != nil {
		t.Fatalf("save error: %v", err)
	}
	if err := db.SaveJobError(ctx, "job-2", nil); err != nil {
		t.Fatalf("nil error must be ignored: %v", err)
	}

	job, err := db.GetJob(ctx, "job-2")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if len(job.Errors) != 1 || job.Result != nil {
		t.Fatalf("unexpected job %+v", job)
	}

	if _, err := db.GetJob(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := db.GetWarnings(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
