package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/generation"
	"github.com/gardenlens/backend/internal/ledger"
	"github.com/gardenlens/backend/internal/middleware"
	"github.com/gardenlens/backend/internal/models"
)

// Generations is the orchestrator surface the handler needs.
type Generations interface {
	Create(ctx context.Context, req generation.CreateRequest) (*generation.Created, error)
	GetStatus(ctx context.Context, jobID, ownerID uuid.UUID) (*generation.Status, error)
	List(ctx context.Context, ownerID uuid.UUID, limit int) ([]*generation.Status, error)
	ReportAreaResult(ctx context.Context, jobID uuid.UUID, areaID string, out generation.AreaOutcome) (generation.ReportOutcome, error)
	ReportProgress(ctx context.Context, jobID uuid.UUID, areaID string, pct int) error
}

// GenerationHandler serves /v1/generations endpoints.
type GenerationHandler struct {
	Generations Generations
	Logger      *slog.Logger
}

// --- POST /v1/generations ---

type areaRequest struct {
	AreaID string          `json:"area_id" validate:"required,max=64"`
	Params json.RawMessage `json:"params"`
}

type createGenerationRequest struct {
	Kind  string        `json:"kind" validate:"omitempty,oneof=landscape holiday"`
	Areas []areaRequest `json:"areas" validate:"required,min=1,dive"`
}

func (r *createGenerationRequest) Validate() error {
	return validate.Struct(r)
}

type createGenerationResponse struct {
	JobID            string           `json:"job_id"`
	Status           models.JobStatus `json:"status"`
	FundingSource    string           `json:"funding_source"`
	EstimatedSeconds int              `json:"estimated_seconds"`
}

// CreateGeneration handles POST /v1/generations.
// Auth -> Rate limit (via middleware) -> Validate -> Charge + persist + enqueue -> 202.
func (h *GenerationHandler) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createGenerationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, validationMessage(err))
		return
	}

	areas := make([]generation.AreaRequest, len(req.Areas))
	for i, a := range req.Areas {
		areas[i] = generation.AreaRequest{AreaID: a.AreaID, Params: a.Params}
	}
	created, err := h.Generations.Create(r.Context(), generation.CreateRequest{
		OwnerID: acc.ID,
		Kind:    models.JobKind(req.Kind),
		Areas:   areas,
	})
	switch {
	case err == nil:
	case errors.Is(err, generation.ErrInvalidRequest):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, ledger.ErrInsufficientEntitlement):
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
		return
	case errors.Is(err, db.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "account busy, try again")
		return
	default:
		h.Logger.Error("create generation", "account_id", acc.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create generation")
		return
	}

	writeJSON(w, http.StatusAccepted, createGenerationResponse{
		JobID:            created.Job.ID.String(),
		Status:           created.Job.Status,
		FundingSource:    string(created.Job.FundingSource),
		EstimatedSeconds: created.EstimatedSeconds,
	})
}

// --- GET /v1/generations/{id} ---

// GetGeneration handles GET /v1/generations/{id}. Other owners' jobs are 404.
func (h *GenerationHandler) GetGeneration(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	st, err := h.Generations.GetStatus(r.Context(), jobID, acc.ID)
	if err != nil {
		if errors.Is(err, generation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "generation not found")
			return
		}
		h.Logger.Error("get generation", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load generation")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- GET /v1/generations ---

func (h *GenerationHandler) ListGenerations(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.Generations.List(r.Context(), acc.ID, queryLimit(r))
	if err != nil {
		h.Logger.Error("list generations", "account_id", acc.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list generations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"generations": list})
}

// --- POST /v1/generations/{id}/areas/{area_id}/result ---

type areaResultRequest struct {
	ResultRef string `json:"result_ref" validate:"max=1024"`
	Error     string `json:"error" validate:"max=2000"`
	Progress  *int   `json:"progress" validate:"omitempty,min=0,max=100"`
}

func (r *areaResultRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if r.ResultRef == "" && r.Error == "" && r.Progress == nil {
		return errors.New("one of result_ref, error or progress is required")
	}
	return nil
}

// SubmitAreaResult is the generator callback. A body carrying only progress
// updates the area's progress; otherwise the area outcome is recorded.
func (h *GenerationHandler) SubmitAreaResult(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	areaID := r.PathValue("area_id")

	var req areaResultRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, validationMessage(err))
		return
	}

	var outcome generation.ReportOutcome
	if req.ResultRef == "" && req.Error == "" {
		err = h.Generations.ReportProgress(r.Context(), jobID, areaID, *req.Progress)
		outcome = "progress"
	} else {
		outcome, err = h.Generations.ReportAreaResult(r.Context(), jobID, areaID,
			generation.AreaOutcome{ResultRef: req.ResultRef, Error: req.Error})
	}
	switch {
	case err == nil:
	case errors.Is(err, generation.ErrNotFound), errors.Is(err, generation.ErrAreaNotFound):
		writeError(w, http.StatusNotFound, "generation area not found")
		return
	case errors.Is(err, db.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "job busy, try again")
		return
	default:
		h.Logger.Error("record area result", "job_id", jobID, "area_id", areaID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record result")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"job_id":  jobID.String(),
		"area_id": areaID,
		"outcome": string(outcome),
	})
}
