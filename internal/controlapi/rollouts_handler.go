package controlapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/rollout"
)

// handleStartRollout processes POST /api/v1/rollouts. The session runs in the
// background; the response is its initial snapshot.
func (a *API) handleStartRollout(w http.ResponseWriter, r *http.Request) {
	var req StartRolloutRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.FlagName = strings.TrimSpace(req.FlagName)

	check, err := rollout.WebhookValidator(a.webhookClient, req.WebhookURL, req.FlagName)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "ERR_INVALID_INPUT", err.Error(),
			ErrorDetail{Field: "webhook_url", Issue: err.Error()})
		return
	}

	autoAdvance := true
	if req.AutoAdvance != nil {
		autoAdvance = *req.AutoAdvance
	}

	session, err := a.rollouts.StartRollout(r.Context(), req.FlagName, rollout.Options{
		Strategy:          rollout.Strategy(req.Strategy),
		Validate:          check,
		TargetPercentage:  req.TargetPercentage,
		Stages:            req.Stages,
		AutoAdvance:       autoAdvance,
		WaitInterval:      time.Duration(req.WaitInterval),
		ValidationTimeout: time.Duration(req.ValidationTimeout),
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("rollout accepted",
		slog.String("flag", session.FlagName),
		slog.String("rollout_id", session.ID),
		slog.String("strategy", string(session.Strategy)),
	)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, session)
}

func (a *API) handleListRollouts(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, newList(a.rollouts.ListRollouts()))
}

func (a *API) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	session, err := a.rollouts.GetRolloutStatus(flagName(r))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	render.JSON(w, r, session)
}

// handleResumeRollout releases a session parked after a passing stage.
func (a *API) handleResumeRollout(w http.ResponseWriter, r *http.Request) {
	name := flagName(r)
	if err := a.rollouts.ResumeRollout(name); err != nil {
		respondDomainError(w, r, err)
		return
	}
	session, err := a.rollouts.GetRolloutStatus(name)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, session)
}
