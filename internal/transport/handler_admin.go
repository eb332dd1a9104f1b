package transport

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/triage/internal/authoring"
	"github.com/pitabwire/triage/model"
)

type startStepRequest struct {
	StartStepID string `json:"start_step_id"`
}

// handleSaveFlow handles PUT /v1/admin/flows/{flowId}. The document id must
// match the path or be omitted.
func handleSaveFlow(svc *authoring.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flowID := chi.URLParam(r, "flowId")
		var f model.Flow
		if err := decodeJSON(r, &f); err != nil {
			respondError(w, r, logger, err)
			return
		}
		if f.ID == "" {
			f.ID = flowID
		}
		if f.ID != flowID {
			respondError(w, r, logger, model.NewBadRequestError(
				fmt.Sprintf("flow id %q does not match path %q", f.ID, flowID)))
			return
		}

		saved, err := svc.SaveFlow(r.Context(), f)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, saved)
	}
}

// handleSetStartStep handles PUT /v1/admin/flows/{flowId}/start-step.
func handleSetStartStep(svc *authoring.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startStepRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, r, logger, err)
			return
		}
		f, err := svc.SetStartStep(r.Context(), chi.URLParam(r, "flowId"), req.StartStepID)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, f)
	}
}

// handleCreateStep handles POST /v1/admin/flows/{flowId}/steps.
func handleCreateStep(svc *authoring.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var step model.Step
		if err := decodeJSON(r, &step); err != nil {
			respondError(w, r, logger, err)
			return
		}
		created, err := svc.CreateStep(r.Context(), chi.URLParam(r, "flowId"), step)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

// handleUpdateStep handles PUT /v1/admin/flows/{flowId}/steps/{stepId}.
func handleUpdateStep(svc *authoring.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var step model.Step
		if err := decodeJSON(r, &step); err != nil {
			respondError(w, r, logger, err)
			return
		}
		step.ID = chi.URLParam(r, "stepId")
		updated, err := svc.UpdateStep(r.Context(), chi.URLParam(r, "flowId"), step)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

// handleDeleteStep handles DELETE /v1/admin/flows/{flowId}/steps/{stepId}.
func handleDeleteStep(svc *authoring.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteStep(r.Context(), chi.URLParam(r, "flowId"), chi.URLParam(r, "stepId")); err != nil {
			respondError(w, r, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleCreateTransition handles POST /v1/admin/flows/{flowId}/transitions.
func handleCreateTransition(svc *authoring.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in authoring.TransitionInput
		if err := decodeJSON(r, &in); err != nil {
			respondError(w, r, logger, err)
			return
		}
		created, err := svc.CreateTransition(r.Context(), chi.URLParam(r, "flowId"), in)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

// handleUpdateTransition handles PUT
// /v1/admin/flows/{flowId}/transitions/{transitionId}.
func handleUpdateTransition(svc *authoring.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t model.Transition
		if err := decodeJSON(r, &t); err != nil {
			respondError(w, r, logger, err)
			return
		}
		t.ID = chi.URLParam(r, "transitionId")
		updated, err := svc.UpdateTransition(r.Context(), chi.URLParam(r, "flowId"), t)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

// handleDeleteTransition handles DELETE
// /v1/admin/flows/{flowId}/transitions/{transitionId}.
func handleDeleteTransition(svc *authoring.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := svc.DeleteTransition(r.Context(), chi.URLParam(r, "flowId"), chi.URLParam(r, "transitionId"))
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleValidateFlow handles POST /v1/admin/flows/{flowId}/validate. The
// result is returned with 200 whether or not the flow is valid.
func handleValidateFlow(svc *authoring.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.Validate(r.Context(), chi.URLParam(r, "flowId"))
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		if result.Errors == nil {
			result.Errors = []model.Issue{}
		}
		if result.Warnings == nil {
			result.Warnings = []model.Issue{}
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

// handlePublishFlow handles POST /v1/admin/flows/{flowId}/publish.
func handlePublishFlow(svc *authoring.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := svc.Publish(r.Context(), chi.URLParam(r, "flowId"))
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, f)
	}
}

// handleUnpublishFlow handles POST /v1/admin/flows/{flowId}/unpublish.
func handleUnpublishFlow(svc *authoring.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := svc.Unpublish(r.Context(), chi.URLParam(r, "flowId"))
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, f)
	}
}
