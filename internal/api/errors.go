package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/market-aggregator/internal/errors"
	"github.com/market-aggregator/internal/logging"
	"github.com/market-aggregator/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// Common error codes
const (
	ErrCodeInvalidParameter   = "INVALID_PARAMETER"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondView writes a service view. A degraded view keeps its full body and
// takes the status of its error's category. A client that went away gets the
// status only.
func respondView(w http.ResponseWriter, r *http.Request, view interface{}, err error) {
	if err == nil {
		respondJSON(w, http.StatusOK, view)
		return
	}
	status := errors.GetHTTPStatusCode(err)
	if errors.IsCancelled(err) {
		logging.FromContext(r.Context()).Debug("Client went away before the view was ready")
		w.WriteHeader(status)
		return
	}
	respondJSON(w, status, view)
}

// respondServiceError writes err as an ErrorResponse, for views that have no
// body of their own.
func respondServiceError(w http.ResponseWriter, err error) {
	catErr := errors.Categorize(err)
	if errors.IsSystemError(err) && catErr.Category == errors.CategorySystem {
		respondError(w, catErr.StatusCode, ErrCodeInternalError, "An internal error occurred", nil)
		return
	}
	respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
}

// queryInt reads an optional integer query parameter. A missing value yields
// def; a malformed or negative one is a validation error.
func queryInt(r *http.Request, name string, def int) (int, *errors.CategorizedError) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.NewInvalidParameterError(name, "must be a non-negative integer")
	}
	return n, nil
}

// queryInt64 is queryInt for unix timestamps.
func queryInt64(r *http.Request, name string) (int64, *errors.CategorizedError) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.NewInvalidParameterError(name, "must be a unix timestamp in seconds")
	}
	return n, nil
}

func respondInvalid(w http.ResponseWriter, err *errors.CategorizedError) {
	respondError(w, http.StatusBadRequest, err.Code, err.Message, err.Details)
}
