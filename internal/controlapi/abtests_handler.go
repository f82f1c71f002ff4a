package controlapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/abtest"
	"github.com/rafaeljc/bifrost/internal/logger"
)

func testID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

func (a *API) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var req CreateTestRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	split := DefaultTrafficSplit
	if req.TrafficSplit != nil {
		split = *req.TrafficSplit
	}

	t, err := a.abtests.CreateTest(abtest.Definition{
		ID:                 strings.TrimSpace(req.TestID),
		ControlComponent:   req.ControlComponent,
		TreatmentComponent: req.TreatmentComponent,
		TrafficSplit:       split,
		Duration:           time.Duration(req.Duration),
		TrackedMetrics:     req.TrackedMetrics,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("ab test created", slog.String("test_id", t.ID))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, t)
}

func (a *API) handleListTests(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, newList(a.abtests.ListTests()))
}

func (a *API) handleGetTest(w http.ResponseWriter, r *http.Request) {
	t, err := a.abtests.GetTest(testID(r))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	render.JSON(w, r, t)
}

func (a *API) handleStartTest(w http.ResponseWriter, r *http.Request) {
	t, err := a.abtests.StartTest(testID(r))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	render.JSON(w, r, t)
}

func (a *API) handleStopTest(w http.ResponseWriter, r *http.Request) {
	t, err := a.abtests.StopTest(testID(r))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	render.JSON(w, r, t)
}

// handleGetVariant processes GET /abtests/{id}/variant?user_id=<id>.
func (a *API) handleGetVariant(w http.ResponseWriter, r *http.Request) {
	id := testID(r)
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, r, http.StatusBadRequest, "ERR_INVALID_INPUT", "user_id query parameter is required",
			ErrorDetail{Field: "user_id", Issue: "is required"})
		return
	}
	v, err := a.abtests.GetVariant(id, userID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	render.JSON(w, r, VariantResponse{TestID: id, UserID: userID, Variant: string(v)})
}

func (a *API) handleRecordMetric(w http.ResponseWriter, r *http.Request) {
	var req RecordMetricRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if err := a.abtests.RecordMetric(testID(r), abtest.Variant(req.Variant), req.Metric, *req.Value); err != nil {
		respondDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTestResults(w http.ResponseWriter, r *http.Request) {
	res, err := a.abtests.GetTestResults(testID(r))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	render.JSON(w, r, res)
}
