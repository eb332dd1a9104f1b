package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/triage/internal/authoring"
	"github.com/pitabwire/triage/model"
)

type flowListResponse struct {
	Data       []model.Flow `json:"data"`
	TotalCount int          `json:"total_count"`
}

// handleGetFlow handles GET /v1/flows/{flowId}.
func handleGetFlow(svc *authoring.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := svc.GetFlow(r.Context(), chi.URLParam(r, "flowId"))
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, f)
	}
}

// handleListFlows handles GET /v1/admin/flows.
func handleListFlows(svc *authoring.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flows, err := svc.ListFlows(r.Context())
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		if flows == nil {
			flows = []model.Flow{}
		}
		WriteJSON(w, http.StatusOK, flowListResponse{Data: flows, TotalCount: len(flows)})
	}
}
