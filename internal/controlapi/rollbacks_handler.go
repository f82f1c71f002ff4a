package controlapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/rollback"
)

// handleRollbackHistory lists rollback records, optionally for ?flag=<name>.
func (a *API) handleRollbackHistory(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, newList(a.rollbacks.History(r.URL.Query().Get("flag"))))
}

func (a *API) handleRollbackImmediate(w http.ResponseWriter, r *http.Request) {
	var req ImmediateRollbackRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	rec, err := a.rollbacks.RollbackImmediate(r.Context(), flagName(r), req.Reason, req.Version)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	logRollback(r, rec)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, rec)
}

// handleRollbackGradual validates and records the rollback, then answers 202
// while the percentage walks down in the background.
func (a *API) handleRollbackGradual(w http.ResponseWriter, r *http.Request) {
	var req GradualRollbackRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	rec, err := a.rollbacks.StartGradual(r.Context(), flagName(r), req.Reason, req.Stages)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	logRollback(r, rec)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, rec)
}

func (a *API) handleRollbackTargeted(w http.ResponseWriter, r *http.Request) {
	var req TargetedRollbackRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	rec, err := a.rollbacks.RollbackTargeted(r.Context(), flagName(r), req.Reason, req.UserIDs)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	logRollback(r, rec)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, rec)
}

func logRollback(r *http.Request, rec rollback.Record) {
	logger.FromContext(r.Context()).Warn("rollback requested",
		slog.String("flag", rec.FlagName),
		slog.String("strategy", string(rec.Strategy)),
		slog.String("reason", rec.Reason),
	)
}
