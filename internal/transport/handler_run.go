package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/triage/internal/run"
	"github.com/pitabwire/triage/internal/store"
	"github.com/pitabwire/triage/model"
)

type startRunRequest struct {
	SubjectID string `json:"subject_id"`
}

type startRunResponse struct {
	Run         model.Run  `json:"run"`
	CurrentStep model.Step `json:"current_step"`
}

type submitRequest struct {
	CurrentStepID string `json:"current_step_id"`
	Response      any    `json:"response"`
}

type runStatusResponse struct {
	RunID  string          `json:"run_id"`
	Status model.RunStatus `json:"status"`
}

type reviewRequest struct {
	Status     model.RunStatus `json:"status"`
	ReviewedBy string          `json:"reviewed_by"`
	Notes      string          `json:"notes"`
}

type runListResponse struct {
	Data       []model.Run `json:"data"`
	TotalCount int         `json:"total_count"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
}

// handleStartRun handles POST /v1/flows/{flowId}/start. The subject falls
// back to the gateway identity when the body does not name one.
func handleStartRun(engine *run.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startRunRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, r, logger, err)
			return
		}

		started, step, err := engine.Start(r.Context(), chi.URLParam(r, "flowId"), req.SubjectID)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, startRunResponse{Run: started, CurrentStep: step})
	}
}

// handleSubmit handles POST /v1/runs/{runId}/submit.
func handleSubmit(engine *run.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, r, logger, err)
			return
		}
		if req.CurrentStepID == "" {
			respondError(w, r, logger, model.NewValidationError([]model.FieldError{
				{Field: "current_step_id", Code: "required", Message: "current step id is required"},
			}))
			return
		}

		result, err := engine.Submit(r.Context(), chi.URLParam(r, "runId"), req.CurrentStepID, req.Response)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

// handleGetRun handles GET /v1/runs/{runId}.
func handleGetRun(engine *run.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		desc, err := engine.Get(r.Context(), chi.URLParam(r, "runId"))
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

// handleRunStatus handles GET /v1/runs/{runId}/status.
func handleRunStatus(engine *run.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runId")
		status, err := engine.Status(r.Context(), runID)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, runStatusResponse{RunID: runID, Status: status})
	}
}

// handleListRuns handles GET /v1/runs.
func handleListRuns(engine *run.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page, err := queryInt(r, "page", 1)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		pageSize, err := queryInt(r, "page_size", store.DefaultPageSize)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}

		filters := model.RunFilters{
			FlowID:    q.Get("flow_id"),
			SubjectID: q.Get("subject_id"),
			Status:    model.RunStatus(q.Get("status")),
			Page:      page,
			PageSize:  pageSize,
		}
		runs, total, err := engine.List(r.Context(), filters)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		if runs == nil {
			runs = []model.Run{}
		}
		switch {
		case pageSize <= 0:
			pageSize = store.DefaultPageSize
		case pageSize > store.MaxPageSize:
			pageSize = store.MaxPageSize
		}
		WriteJSON(w, http.StatusOK, runListResponse{
			Data:       runs,
			TotalCount: total,
			Page:       max(page, 1),
			PageSize:   pageSize,
		})
	}
}

// handleReviewRun handles PUT /v1/admin/runs/{runId}/review.
func handleReviewRun(engine *run.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reviewRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, r, logger, err)
			return
		}
		if req.Status == "" {
			respondError(w, r, logger, model.NewValidationError([]model.FieldError{
				{Field: "status", Code: "required", Message: "target status is required"},
			}))
			return
		}

		reviewed, err := engine.Review(r.Context(), chi.URLParam(r, "runId"), req.Status, req.ReviewedBy, req.Notes)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, reviewed)
	}
}
