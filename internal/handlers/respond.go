package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"sensorhub/internal/logger"
	"sensorhub/internal/models"
)

// envelope is the body of every successful response
type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log := logger.WithComponent("handlers")
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// writeStoreError maps the error taxonomy onto HTTP statuses. Storage details
// are logged, never returned.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *models.ValidationError
		nf *models.NotFoundError
		ce *models.ConflictError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Reason)
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, nf.Error())
	case errors.As(err, &ce):
		writeError(w, http.StatusConflict, ce.Error())
	default:
		log := logger.WithRequestID(r.Header.Get("X-Request-ID"))
		log.Error().
			Err(err).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeBody decodes a JSON request body of at most limit bytes
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return models.NewValidationError("", "request body must be valid JSON")
	}
	return nil
}
