package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-pixel-quality/internal/lumi"
	"go-pixel-quality/internal/model"
	"go-pixel-quality/internal/pipeline"
	"go-pixel-quality/internal/ports"
	"go-pixel-quality/internal/store"
	"go-pixel-quality/pkg/utils"
)

const (
	traversalsPrefix = "/api/v1/traversals/"
	downloadPrefix   = "/api/v1/download/"
)

// TraversalHandler serves the traversal job API. Each accepted job runs in
// its own goroutine and writes its artifacts under OutputDir/<job id>.
type TraversalHandler struct {
	Store     *store.DB
	Fetcher   ports.PayloadFetcher
	Publisher ports.Publisher
	Metrics   ports.Metrics
	Logger    *slog.Logger
	Defaults  model.TraversalSpec
	OutputDir string
	// LumiDir is where clients may pick luminosity files from; empty means
	// only the default file is used.
	LumiDir    string
	JobTimeout time.Duration
	// BaseContext parents every traversal; cancelling it stops them all.
	BaseContext context.Context

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Wait blocks until every started traversal has returned.
func (h *TraversalHandler) Wait() { h.wg.Wait() }

func (h *TraversalHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// CreateTraversal creates a new traversal job
// @Summary Start a traversal
// @Description Validate the traversal and run it asynchronously
// @Tags traversals
// @Accept json
// @Produce json
// @Param traversal body model.TraversalSpec true "Traversal range and options"
// @Success 202 {object} map[string]interface{} "Traversal accepted"
// @Failure 400 {object} map[string]interface{} "Invalid request payload"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /traversals [post]
func (h *TraversalHandler) CreateTraversal(w http.ResponseWriter, r *http.Request) {
	var spec model.TraversalSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	h.applyDefaults(&spec)

	// 1. Validate payload
	file, err := h.lumiSource(spec.Luminosity.File)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	spec.Luminosity.File = file
	if err := pipeline.Validate(spec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// 2. Generate job ID and save it
	jobID := uuid.New().String()
	spec.Output.Dir = filepath.Join(h.OutputDir, jobID)
	if err := h.Store.SaveJob(r.Context(), jobID, spec); err != nil {
		http.Error(w, "Failed to save job", http.StatusInternalServerError)
		return
	}

	// 3. Start traversal asynchronously
	timeout := h.JobTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	base := h.BaseContext
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	h.track(jobID, cancel)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.untrack(jobID)
		h.run(ctx, jobID, spec)
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message":   "Traversal accepted",
		"jobID":     jobID,
		"status":    "pending",
		"units":     spec.TotalUnits(),
		"createdAt": time.Now().UTC(),
	})
}

func (h *TraversalHandler) run(ctx context.Context, jobID string, spec model.TraversalSpec) {
	log := h.logger().With("job_id", jobID)

	table, err := lumi.Load(ctx, spec.Luminosity.File, lumi.OptionsFrom(spec.Luminosity, log))
	if err != nil {
		h.fail(jobID, fmt.Errorf("load luminosity: %w", err))
		return
	}
	emitter, err := pipeline.NewEmitter(pipeline.EmitterOptions{
		Dir:       spec.Output.Dir,
		Formats:   spec.Output.Formats,
		Publisher: h.Publisher,
		Logger:    log,
		Metrics:   h.Metrics,
	})
	if err != nil {
		h.fail(jobID, err)
		return
	}

	// Run records its own failures through the store.
	_, _ = pipeline.Run(ctx, spec, pipeline.Deps{
		Fetcher:    h.Fetcher,
		Luminosity: table,
		Emitter:    emitter,
		Jobs:       h.Store,
		Metrics:    h.Metrics,
		Logger:     log,
		JobID:      jobID,
	})
}

func (h *TraversalHandler) fail(jobID string, err error) {
	ctx := context.Background()
	h.logger().Error("traversal could not start", "job_id", jobID, "error", err)
	if e := h.Store.SaveJobError(ctx, jobID, err); e != nil {
		h.logger().Warn("failed to record job error", "job_id", jobID, "error", e)
	}
	if e := h.Store.UpdateJobStatus(ctx, jobID, pipeline.StatusFailed); e != nil {
		h.logger().Warn("failed to update job status", "job_id", jobID, "error", e)
	}
}

func (h *TraversalHandler) applyDefaults(spec *model.TraversalSpec) {
	d := h.Defaults
	if spec.Tag == "" {
		spec.Tag = d.Tag
	}
	if spec.Checkpoint == "" {
		spec.Checkpoint = d.Checkpoint
	}
	if spec.Luminosity.File == "" {
		spec.Luminosity.File = d.Luminosity.File
	}
	if spec.Luminosity.MaxMalformedFraction == 0 {
		spec.Luminosity.MaxMalformedFraction = d.Luminosity.MaxMalformedFraction
	}
	if len(spec.Output.Formats) == 0 {
		spec.Output.Formats = d.Output.Formats
	}
}

// lumiSource resolves the luminosity file named in a request. Besides the
// configured default only relative paths inside LumiDir are accepted.
func (h *TraversalHandler) lumiSource(requested string) (string, error) {
	def := h.Defaults.Luminosity.File
	if requested == "" || requested == def {
		return def, nil
	}
	if h.LumiDir == "" {
		return "", errors.New("luminosity file cannot be chosen per request")
	}
	if strings.Contains(requested, "://") || !filepath.IsLocal(requested) {
		return "", fmt.Errorf("luminosity file %q must be a relative path inside the luminosity directory", requested)
	}
	return filepath.Join(h.LumiDir, requested), nil
}

func (h *TraversalHandler) track(jobID string, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancels == nil {
		h.cancels = make(map[string]context.CancelFunc)
	}
	h.cancels[jobID] = cancel
}

func (h *TraversalHandler) untrack(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.cancels[jobID]; ok {
		cancel()
		delete(h.cancels, jobID)
	}
}

// ListTraversals retrieves all traversal jobs
// @Summary List traversals
// @Description Get all traversal jobs with their current status
// @Tags traversals
// @Produce json
// @Success 200 {array} store.JobSummary "List of traversals"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /traversals [get]
func (h *TraversalHandler) ListTraversals(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Store.ListJobs(r.Context())
	if err != nil {
		http.Error(w, "Failed to fetch traversals", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GetTraversal retrieves a specific traversal job
// @Summary Get traversal
// @Description Retrieve the spec, status and result of a traversal job
// @Tags traversals
// @Produce json
// @Param id path string true "Traversal ID"
// @Success 200 {object} store.Job "Traversal details"
// @Failure 404 {object} map[string]interface{} "Traversal not found"
// @Router /traversals/{id} [get]
func (h *TraversalHandler) GetTraversal(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFrom(w, r.URL.Path, "")
	if !ok {
		return
	}
	job, err := h.Store.GetJob(r.Context(), jobID)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetTraversalWarnings retrieves the warnings of a traversal
// @Summary Get traversal warnings
// @Description Recoverable conditions met while traversing
// @Tags traversals
// @Produce json
// @Param id path string true "Traversal ID"
// @Success 200 {object} map[string]interface{} "Warnings"
// @Failure 404 {object} map[string]interface{} "Traversal not found"
// @Router /traversals/{id}/warnings [get]
func (h *TraversalHandler) GetTraversalWarnings(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFrom(w, r.URL.Path, "/warnings")
	if !ok {
		return
	}
	warnings, err := h.Store.GetWarnings(r.Context(), jobID)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":   jobID,
		"warnings": warnings,
		"count":    len(warnings),
	})
}

// GetTraversalBins retrieves the per-run aggregate bins
// @Summary Get traversal bins
// @Description Per-run, per-partition quality statistics
// @Tags traversals
// @Produce json
// @Param id path string true "Traversal ID"
// @Param partition query string false "Barrel or Forward"
// @Success 200 {object} map[string]interface{} "Bins"
// @Failure 400 {object} map[string]interface{} "Unknown partition"
// @Failure 404 {object} map[string]interface{} "Traversal not found"
// @Router /traversals/{id}/bins [get]
func (h *TraversalHandler) GetTraversalBins(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFrom(w, r.URL.Path, "/bins")
	if !ok {
		return
	}
	partition := model.Partition(r.URL.Query().Get("partition"))
	if partition != "" && partition != model.PartitionBarrel && partition != model.PartitionForward {
		http.Error(w, fmt.Sprintf("Unknown partition %q", partition), http.StatusBadRequest)
		return
	}
	bins, err := h.Store.GetBins(r.Context(), jobID, partition)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"bins":   bins,
		"count":  len(bins),
	})
}

// GetTraversalArtifacts retrieves the emitted summary files
// @Summary Get traversal artifacts
// @Description Summary files written by a completed traversal
// @Tags traversals
// @Produce json
// @Param id path string true "Traversal ID"
// @Success 200 {object} map[string]interface{} "Artifacts"
// @Failure 404 {object} map[string]interface{} "Traversal not found"
// @Router /traversals/{id}/artifacts [get]
func (h *TraversalHandler) GetTraversalArtifacts(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFrom(w, r.URL.Path, "/artifacts")
	if !ok {
		return
	}
	artifacts, err := h.Store.GetArtifacts(r.Context(), jobID)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":    jobID,
		"artifacts": artifacts,
		"count":     len(artifacts),
	})
}

// CancelTraversal cancels a running traversal job
// @Summary Cancel traversal
// @Description Cancel a running traversal; it stops between runs and emits nothing
// @Tags traversals
// @Produce json
// @Param id path string true "Traversal ID"
// @Success 200 {object} map[string]interface{} "Cancellation requested"
// @Failure 400 {object} map[string]interface{} "Traversal is not running"
// @Failure 404 {object} map[string]interface{} "Traversal not found"
// @Router /traversals/{id}/cancel [patch]
func (h *TraversalHandler) CancelTraversal(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFrom(w, r.URL.Path, "/cancel")
	if !ok {
		return
	}
	job, err := h.Store.GetJob(r.Context(), jobID)
	if err != nil {
		storeError(w, err)
		return
	}

	h.mu.Lock()
	cancel, running := h.cancels[jobID]
	h.mu.Unlock()
	if !running {
		http.Error(w, fmt.Sprintf("Job is already %s and cannot be cancelled", job.Status), http.StatusBadRequest)
		return
	}
	cancel()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Cancellation requested",
		"job_id":  jobID,
		"status":  job.Status,
	})
}

// DownloadArtifact downloads one summary file
// @Summary Download artifact
// @Description Download a summary file written by a traversal
// @Tags files
// @Produce application/octet-stream
// @Param jobID path string true "Traversal ID"
// @Param filename path string true "File name"
// @Success 200 {file} file "File download"
// @Failure 400 {object} map[string]interface{} "Invalid URL format"
// @Failure 404 {object} map[string]interface{} "File not found"
// @Router /download/{jobID}/{filename} [get]
func (h *TraversalHandler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, downloadPrefix)
	jobID, fileName, found := strings.Cut(rest, "/")
	if !found || jobID == "" || fileName == "" || strings.Contains(fileName, "/") {
		http.Error(w, "Invalid URL format", http.StatusBadRequest)
		return
	}

	artifacts, err := h.Store.GetArtifacts(r.Context(), jobID)
	if err != nil {
		storeError(w, err)
		return
	}
	for _, a := range artifacts {
		if a.Name != fileName {
			continue
		}
		if _, err := os.Stat(a.Path); err != nil {
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", fileName))
		w.Header().Set("Content-Type", contentType(utils.NewOutputManager(h.OutputDir).GetFileType(fileName)))
		http.ServeFile(w, r, a.Path)
		return
	}
	http.Error(w, "File not found", http.StatusNotFound)
}

// jobIDFrom extracts the id from /api/v1/traversals/{id}<suffix>.
func jobIDFrom(w http.ResponseWriter, path, suffix string) (string, bool) {
	if !strings.HasPrefix(path, traversalsPrefix) || !strings.HasSuffix(path, suffix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return "", false
	}
	jobID := path[len(traversalsPrefix) : len(path)-len(suffix)]
	if jobID == "" || strings.Contains(jobID, "/") {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return "", false
	}
	return jobID, true
}

func contentType(fileType string) string {
	switch fileType {
	case "csv":
		return "text/csv; charset=utf-8"
	case "json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	http.Error(w, "Failed to read job", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
