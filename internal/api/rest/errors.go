package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kubilitics/kubilitics-explain/internal/models"
	"github.com/kubilitics/kubilitics-explain/internal/pipeline"
	"github.com/kubilitics/kubilitics-explain/pkg/types"
)

// Error codes that are not an error kind of the engine.
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeOverloaded     = "OVERLOADED"
	ErrCodeUnavailable    = "UNAVAILABLE"
)

// statusFor maps an engine error to its HTTP status and response body.
func statusFor(err error) (int, types.ErrorResponse) {
	resp := types.ErrorResponse{Code: string(models.KindOf(err)), Message: err.Error()}

	var malformed *models.MalformedEventError
	var resolution *models.ContextResolutionError
	var attribution *models.AttributionError
	switch {
	case errors.As(err, &malformed):
		resp.EventID = malformed.EventID
		if malformed.Field != "" {
			resp.Details = map[string]string{"field": malformed.Field}
		}
		return http.StatusBadRequest, resp

	case errors.As(err, &resolution):
		resp.EventID = resolution.EventID
		resp.Retryable = resolution.Retryable()
		return http.StatusServiceUnavailable, resp

	case errors.As(err, &attribution):
		resp.EventID = attribution.EventID
		resp.Details = map[string]interface{}{
			"margin":       attribution.Margin,
			"chosen_id":    attribution.ChosenID,
			"runner_up_id": attribution.RunnerUpID,
		}
		return http.StatusUnprocessableEntity, resp

	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, resp

	case errors.Is(err, models.ErrInFlight):
		resp.Retryable = true
		return http.StatusConflict, resp

	case errors.Is(err, pipeline.ErrPoolFull):
		resp.Code = ErrCodeOverloaded
		resp.Retryable = true
		return http.StatusServiceUnavailable, resp

	case errors.Is(err, pipeline.ErrPoolStopped):
		resp.Code = ErrCodeUnavailable
		return http.StatusServiceUnavailable, resp

	case errors.Is(err, context.DeadlineExceeded):
		resp.Retryable = true
		return http.StatusGatewayTimeout, resp

	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, resp

	default:
		resp.Message = "internal error"
		return http.StatusInternalServerError, resp
	}
}

// respondError writes the error response for err.
func respondError(w http.ResponseWriter, err error) {
	status, resp := statusFor(err)
	if resp.Retryable && status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	respondJSON(w, status, resp)
}

// respondErrorWithCode writes an error that did not come from the engine.
func respondErrorWithCode(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, types.ErrorResponse{Code: code, Message: message})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
