package controlapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/rafaeljc/bifrost/internal/errs"
	"github.com/rafaeljc/bifrost/internal/logger"
)

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, details ...ErrorDetail) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Code: code, Message: message, Details: details})
}

// respondDomainError maps the errs taxonomy to HTTP: 404, 400, 409, 504 and
// 500 for anything else. Internal errors are logged and not echoed.
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
	case errors.Is(err, errs.ErrValidation):
		respondError(w, r, http.StatusBadRequest, "ERR_INVALID_INPUT", err.Error())
	case errors.Is(err, errs.ErrConflict):
		respondError(w, r, http.StatusConflict, "ERR_CONFLICT", err.Error())
	case errors.Is(err, errs.ErrTimeout):
		respondError(w, r, http.StatusGatewayTimeout, "ERR_TIMEOUT", err.Error())
	default:
		logger.FromContext(r.Context()).Error("request failed", slog.String("error", err.Error()))
		respondError(w, r, http.StatusInternalServerError, "ERR_INTERNAL", "internal server error")
	}
}

// decodeRequest decodes the JSON body into dst and runs the struct
// validator. On failure it writes a 400 and returns false.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		logger.FromContext(r.Context()).Warn("invalid json payload", slog.String("error", err.Error()))
		respondError(w, r, http.StatusBadRequest, "ERR_INVALID_JSON", "Invalid JSON payload: "+err.Error())
		return false
	}
	return validateRequest(w, r, dst)
}

func validateRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := validate.Struct(dst)
	if err == nil {
		return true
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		respondError(w, r, http.StatusBadRequest, "ERR_INVALID_INPUT", err.Error())
		return false
	}
	details := make([]ErrorDetail, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, ErrorDetail{Field: fe.Field(), Issue: issue(fe)})
	}
	respondError(w, r, http.StatusBadRequest, "ERR_INVALID_INPUT", "request validation failed", details...)
	return false
}

func issue(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be a valid URL"
	case "gt", "gte", "lt", "lte", "min", "max":
		return "must satisfy " + fe.Tag() + "=" + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}
