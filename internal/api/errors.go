package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kalambet/pagetweak/internal/pipeline"
	"github.com/kalambet/pagetweak/internal/proxy"
	"github.com/kalambet/pagetweak/internal/request"
	"github.com/kalambet/pagetweak/internal/storage"
)

type errorBody struct {
	Message  string   `json:"message"`
	Type     string   `json:"type"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	RawText  string   `json:"rawText,omitempty"`
	// Status is the provider's HTTP status for upstream failures.
	Status int `json:"status,omitempty"`
}

// classifyError maps a service error to an HTTP status and error body.
func classifyError(err error) (int, errorBody) {
	body := errorBody{Message: err.Error()}

	var ve *pipeline.ValidationError
	var mre *proxy.ModelRequestError
	switch {
	case errors.Is(err, pipeline.ErrTargetNotFound), errors.Is(err, storage.ErrNotFound):
		body.Type = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, request.ErrInvalidInput):
		body.Type = "invalid_request_error"
		return http.StatusBadRequest, body
	case errors.Is(err, pipeline.ErrCancelled):
		body.Type = "cancelled"
		return http.StatusConflict, body
	case errors.As(err, &ve):
		body.Type = "validation_error"
		body.Errors, body.Warnings, body.RawText = ve.Errors, ve.Warnings, ve.RawText
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, pipeline.ErrPreviewFailed):
		body.Type = "preview_error"
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &mre):
		body.Type = "upstream_error"
		body.Message = mre.Message
		body.Status = mre.Status
		if mre.TimedOut() {
			return http.StatusGatewayTimeout, body
		}
		return http.StatusBadGateway, body
	default:
		body.Type = "api_error"
		return http.StatusInternalServerError, body
	}
}

func serviceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code, body := classifyError(err)
	if code >= http.StatusInternalServerError {
		logger.Warn("request failed", "status", code, "error", err)
	}
	writeJSON(w, code, map[string]any{"error": body})
}
