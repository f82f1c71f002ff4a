package controlapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/errs"
	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/logger"
)

func flagName(r *http.Request) string {
	return chi.URLParam(r, "name")
}

func respondFlag(w http.ResponseWriter, r *http.Request, status int, f *flags.FeatureFlag) {
	render.Status(r, status)
	render.JSON(w, r, f.Config())
}

// handleCreateFlag processes POST /api/v1/flags. An existing name is a conflict;
// use PUT to replace.
func (a *API) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var req CreateFlagRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		logger.FromContext(r.Context()).Warn("invalid json payload", slog.String("error", err.Error()))
		respondError(w, r, http.StatusBadRequest, "ERR_INVALID_JSON", "Invalid JSON payload: "+err.Error())
		return
	}
	req.Sanitize()
	if !validateRequest(w, r, &req) {
		return
	}

	if _, err := a.flags.GetFlag(req.Name); err == nil {
		respondDomainError(w, r, fmt.Errorf("%w: flag %q already exists", errs.ErrConflict, req.Name))
		return
	} else if !errors.Is(err, errs.ErrNotFound) {
		respondDomainError(w, r, err)
		return
	}

	f, err := a.flags.SetFlag(flags.Definition{
		Name:              req.Name,
		Enabled:           req.Enabled,
		RolloutPercentage: req.RolloutPercentage,
		Description:       req.Description,
		Conditions:        req.Conditions,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("flag created", slog.String("flag", f.Name))
	respondFlag(w, r, http.StatusCreated, f)
}

func (a *API) handleListFlags(w http.ResponseWriter, r *http.Request) {
	list := a.flags.ListFlags()
	out := make([]flags.Config, 0, len(list))
	for _, f := range list {
		out = append(out, f.Config())
	}
	render.JSON(w, r, newList(out))
}

// handleExportFlags returns every flag in the persisted document shape.
func (a *API) handleExportFlags(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, a.flags.Export())
}

func (a *API) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	f, err := a.flags.GetFlag(flagName(r))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondFlag(w, r, http.StatusOK, f)
}

// handleUpdateFlag processes PUT /api/v1/flags/{name}: the static fields are
// replaced, targeting lists survive. The flag must exist.
func (a *API) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	name := flagName(r)
	var req UpdateFlagRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if _, err := a.flags.GetFlag(name); err != nil {
		respondDomainError(w, r, err)
		return
	}

	f, err := a.flags.SetFlag(flags.Definition{
		Name:              name,
		Enabled:           req.Enabled,
		RolloutPercentage: req.RolloutPercentage,
		Description:       req.Description,
		Conditions:        req.Conditions,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Info("flag updated", slog.String("flag", name), slog.Int64("version", f.Version))
	respondFlag(w, r, http.StatusOK, f)
}

func (a *API) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	name := flagName(r)
	if err := a.flags.DeleteFlag(name); err != nil {
		respondDomainError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Info("flag deleted", slog.String("flag", name))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetPercentage(w http.ResponseWriter, r *http.Request) {
	var req PercentageRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	f, err := a.flags.SetRolloutPercentage(flagName(r), *req.Percentage)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondFlag(w, r, http.StatusOK, f)
}

func (a *API) handleEnableFlag(w http.ResponseWriter, r *http.Request) {
	f, err := a.flags.EnableFlag(flagName(r))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondFlag(w, r, http.StatusOK, f)
}

// handleKillFlag flips the kill switch. Evaluation returns false until the
// flag is enabled again.
func (a *API) handleKillFlag(w http.ResponseWriter, r *http.Request) {
	f, err := a.flags.DisableFlag(flagName(r))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Warn("flag killed", slog.String("flag", f.Name))
	respondFlag(w, r, http.StatusOK, f)
}

func (a *API) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	f, err := a.flags.AddUserToFlag(flagName(r), req.UserID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondFlag(w, r, http.StatusOK, f)
}

func (a *API) handleSetGroups(w http.ResponseWriter, r *http.Request) {
	var req GroupsRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	f, err := a.flags.SetGroups(flagName(r), req.Groups)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondFlag(w, r, http.StatusOK, f)
}

func (a *API) handleDenyUsers(w http.ResponseWriter, r *http.Request) {
	var req DenyRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	f, err := a.flags.DenyUsers(flagName(r), req.UserIDs)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondFlag(w, r, http.StatusOK, f)
}

func (a *API) handleFlagStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.flags.GetFlagStats(flagName(r))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	render.JSON(w, r, stats)
}

// handleEvaluateFlag evaluates a flag for the given subject. The evaluation
// counts toward the flag's stats like any other.
func (a *API) handleEvaluateFlag(w http.ResponseWriter, r *http.Request) {
	name := flagName(r)
	var req EvaluateRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ev, err := a.flags.Evaluate(name, flags.Request{
		UserID:     req.UserID,
		GroupIDs:   req.GroupIDs,
		Attributes: req.Attributes,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	render.JSON(w, r, EvaluateResponse{Flag: name, Value: ev.Value, Reason: ev.Reason})
}

func (a *API) handleListVersions(w http.ResponseWriter, r *http.Request) {
	name := flagName(r)
	if _, err := a.flags.GetFlag(name); err != nil {
		respondDomainError(w, r, err)
		return
	}
	active, _ := a.rollbacks.ActiveVersion(name)
	versions := a.rollbacks.Versions(name)
	if versions == nil {
		versions = []string{}
	}
	render.JSON(w, r, VersionsResponse{Flag: name, Versions: versions, ActiveVersion: active})
}

// handleRegisterVersion records a version that immediate rollbacks may target.
func (a *API) handleRegisterVersion(w http.ResponseWriter, r *http.Request) {
	name := flagName(r)
	var req VersionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if _, err := a.flags.GetFlag(name); err != nil {
		respondDomainError(w, r, err)
		return
	}
	if err := a.rollbacks.RegisterVersion(name, req.Version); err != nil {
		respondDomainError(w, r, err)
		return
	}

	active, _ := a.rollbacks.ActiveVersion(name)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, VersionsResponse{Flag: name, Versions: a.rollbacks.Versions(name), ActiveVersion: active})
}
