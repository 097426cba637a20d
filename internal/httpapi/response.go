package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"beacon/internal/broadcast"
)

type successResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successResponse{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Status: "error", Code: code, Message: message})
}

// mapError classifies service errors. Unknown errors are reported without
// their text.
func mapError(err error) (status int, code, message string) {
	var (
		ae *broadcast.AuthorizationError
		pe *broadcast.PreconditionError
		ve *broadcast.ValidationError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "INVALID_INPUT", ve.Error()
	case errors.As(err, &ae):
		return http.StatusForbidden, "FORBIDDEN", ae.Error()
	case errors.As(err, &pe):
		return http.StatusConflict, "CONFLICT", pe.Error()
	case errors.Is(err, broadcast.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error()
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal error"
	}
}
