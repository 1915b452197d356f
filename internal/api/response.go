// reiharvest - polite, resumable web-harvesting substrate for real-estate listings
//
// Package api exposes the stats HTTP surface (specification §6): cache
// stats, per-site rate-limit stats, health, and Prometheus metrics, plus
// the POST /api/v1/fetch endpoint that runs the fetch coordinator.
// Grounded on cartographus/internal/api's Chi router, its
// APIResponse/APIError envelope, and its respondJSON/respondError helpers.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tomtom215/reiharvest/internal/logging"
)

// Response is the envelope every endpoint responds with.
type Response struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data,omitempty"`
	Error    *APIError   `json:"error,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Metadata carries response-level bookkeeping.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
}

func respondJSON(w http.ResponseWriter, status int, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal api response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("failed to write api response")
	}
}

func respondData(w http.ResponseWriter, status int, data interface{}) {
	respondJSON(w, status, &Response{
		Status:   "success",
		Data:     data,
		Metadata: Metadata{Timestamp: time.Now().UTC()},
	})
}

func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	if err != nil {
		logging.Error().Str("code", code).Err(err).Msg("api error")
	}
	respondJSON(w, status, &Response{
		Status:   "error",
		Error:    &APIError{Code: code, Message: message},
		Metadata: Metadata{Timestamp: time.Now().UTC()},
	})
}
