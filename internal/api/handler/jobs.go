// Package handler implements the admin control surface consumed by the
// main HTTP application.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/venturelab/simcore/internal/api/response"
	"github.com/venturelab/simcore/internal/simulation"
	"github.com/venturelab/simcore/internal/store"
)

// defaultDrainLimit bounds process-pending when the caller gives no limit.
const defaultDrainLimit = 100

// Jobs exposes simulation job administration over HTTP.
type Jobs struct {
	svc     *simulation.Service
	batches *simulation.BatchManager
	logger  *slog.Logger
}

func NewJobs(svc *simulation.Service, batches *simulation.BatchManager, logger *slog.Logger) *Jobs {
	return &Jobs{svc: svc, batches: batches, logger: logger}
}

// Get handles GET /api/v1/jobs/{jobID}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}

	job, err := h.svc.GetJob(r.Context(), jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	response.JSON(w, job)
}

// Status handles GET /api/v1/jobs/{jobID}/status, served from the Redis
// mirror when possible.
func (h *Jobs) Status(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}

	status, err := h.svc.JobStatus(r.Context(), jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	response.JSON(w, map[string]string{"job_id": jobID.String(), "status": status})
}

// Retry handles POST /api/v1/admin/jobs/{jobID}/retry: reset to pending
// and re-enqueue.
func (h *Jobs) Retry(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}

	job, err := h.svc.RetryJob(r.Context(), jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	response.Accepted(w, job)
}

// ProcessPending handles POST /api/v1/admin/jobs/process-pending.
func (h *Jobs) ProcessPending(w http.ResponseWriter, r *http.Request) {
	limit := defaultDrainLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	count, err := h.svc.ProcessPendingJobs(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	response.Accepted(w, map[string]int{"enqueued": count})
}

type scenarioJobsRequest struct {
	DryRun bool `json:"dry_run"`
}

// CreateForScenario handles POST /api/v1/admin/scenarios/{scenarioID}/jobs:
// fan out one job per submission.
func (h *Jobs) CreateForScenario(w http.ResponseWriter, r *http.Request) {
	scenarioID, ok := pathUUID(w, r, "scenarioID")
	if !ok {
		return
	}
	req, ok := decodeOptional[scenarioJobsRequest](w, r)
	if !ok {
		return
	}

	jobs, err := h.svc.CreateJobsForScenario(r.Context(), scenarioID, req.DryRun)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	response.Created(w, jobs)
}

// Rerun handles POST /api/v1/admin/scenarios/{scenarioID}/rerun: the
// two-phase rerun (delete ledger entries, then reset and recreate jobs).
func (h *Jobs) Rerun(w http.ResponseWriter, r *http.Request) {
	scenarioID, ok := pathUUID(w, r, "scenarioID")
	if !ok {
		return
	}
	req, ok := decodeOptional[scenarioJobsRequest](w, r)
	if !ok {
		return
	}

	jobs, err := h.svc.RerunScenario(r.Context(), scenarioID, req.DryRun)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	response.Accepted(w, jobs)
}

// SubmitBatch handles POST /api/v1/admin/scenarios/{scenarioID}/batch:
// submit the scenario's pending jobs as one provider batch.
func (h *Jobs) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	scenarioID, ok := pathUUID(w, r, "scenarioID")
	if !ok {
		return
	}

	batch, err := h.batches.SubmitScenarioBatch(r.Context(), scenarioID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	response.Accepted(w, batch)
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", param+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// decodeOptional decodes a JSON body, treating an empty body as the zero
// value.
func decodeOptional[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if r.Body == nil || r.ContentLength == 0 {
		return v, true
	}
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON", nil)
		return v, false
	}
	return v, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	case errors.Is(err, store.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
	}
}
