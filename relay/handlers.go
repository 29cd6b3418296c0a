// Copyright 2025 TripFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"tripflow/backend/orchestrate"
)

// ChatRequest is the submission body received from the frontend
type ChatRequest struct {
	UserQuery string `json:"user_query"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// ChatResponse acknowledges a submission. RunID and ThreadID serialize to
// null when upstream did not provide them; the frontend checks for null
// before it starts polling.
type ChatResponse struct {
	Status   string  `json:"status"`
	RunID    *string `json:"run_id"`
	ThreadID *string `json:"thread_id"`
}

// chatHandler submits a user query as a new Orchestrate run
func chatHandler(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	requestID := uuid.NewString()

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.UserQuery) == "" {
		sendErrorResponse(w, "user_query is required", http.StatusBadRequest)
		return
	}

	handle, err := orchestrateClient.SubmitRun(r.Context(), req.UserQuery, req.ThreadID)
	latencyMs := time.Since(startTime).Milliseconds()

	if err != nil {
		statusCode := mapUpstreamError(w, err)
		requestLog.ErrorWithCode(requestID, "", "Run submission failed", statusCode, err, nil)
		auditLogger.LogSubmission(requestID, "", req.ThreadID, req.UserQuery, statusCode, latencyMs, err.Error())

		promRequestsTotal.WithLabelValues("error").Inc()
		promRequestDuration.WithLabelValues("submit").Observe(float64(latencyMs))
		promUpstreamCalls.WithLabelValues("runs", "error").Inc()
		relayMetrics.recordRequest("submit", latencyMs, false)
		return
	}

	requestLog.InfoWithDuration(requestID, handle.RunID, "Run submitted", float64(latencyMs), map[string]interface{}{
		"thread_id": handle.ThreadID,
	})
	auditLogger.LogSubmission(requestID, handle.RunID, handle.ThreadID, req.UserQuery, http.StatusOK, latencyMs, "")

	promRequestsTotal.WithLabelValues("success").Inc()
	promRequestDuration.WithLabelValues("submit").Observe(float64(latencyMs))
	promUpstreamCalls.WithLabelValues("runs", "success").Inc()
	relayMetrics.recordRequest("submit", latencyMs, true)

	writeJSON(w, http.StatusOK, ChatResponse{
		Status:   "success",
		RunID:    nullableString(handle.RunID),
		ThreadID: nullableString(handle.ThreadID),
	})
}

// runStatusHandler polls a run and returns the normalized result
func runStatusHandler(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	requestID := uuid.NewString()
	runID := mux.Vars(r)["run_id"]

	raw, err := orchestrateClient.RunStatus(r.Context(), runID)
	latencyMs := time.Since(startTime).Milliseconds()

	if errors.Is(err, orchestrate.ErrInvalidRunID) {
		// Structured error, not an HTTP failure: the frontend polls with
		// a "null" id until a run exists and treats this as "not yet".
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "error",
			"message": "Invalid run_id",
		})
		return
	}

	if err != nil {
		statusCode := mapUpstreamError(w, err)
		requestLog.ErrorWithCode(requestID, runID, "Status poll failed", statusCode, err, nil)
		auditLogger.LogStatusPoll(requestID, runID, "", statusCode, latencyMs, err.Error())

		promRequestsTotal.WithLabelValues("error").Inc()
		promRequestDuration.WithLabelValues("status").Observe(float64(latencyMs))
		promUpstreamCalls.WithLabelValues("run_status", "error").Inc()
		relayMetrics.recordRequest("status", latencyMs, false)
		return
	}

	result, err := orchestrate.Normalize(raw)
	if err != nil {
		sendErrorResponse(w, "Internal server error", http.StatusInternalServerError)
		requestLog.ErrorWithCode(requestID, runID, "Status payload normalization failed", http.StatusInternalServerError, err, nil)
		auditLogger.LogStatusPoll(requestID, runID, "", http.StatusInternalServerError, latencyMs, err.Error())

		promRequestsTotal.WithLabelValues("error").Inc()
		relayMetrics.recordRequest("status", latencyMs, false)
		return
	}

	requestLog.InfoWithDuration(requestID, runID, "Status poll completed", float64(latencyMs), map[string]interface{}{
		"run_status":  result.Status,
		"itineraries": len(result.Itineraries),
	})
	auditLogger.LogStatusPoll(requestID, runID, result.Status, http.StatusOK, latencyMs, "")

	promRequestsTotal.WithLabelValues("success").Inc()
	promRequestDuration.WithLabelValues("status").Observe(float64(latencyMs))
	promUpstreamCalls.WithLabelValues("run_status", "success").Inc()
	relayMetrics.recordRequest("status", latencyMs, true)

	writeJSON(w, http.StatusOK, result)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	components := map[string]bool{
		"orchestrate_client": orchestrateClient.IsHealthy(),
		"audit_logger":       auditLogger.IsHealthy(),
	}

	health := map[string]interface{}{
		"status":     "healthy",
		"service":    "tripflow-relay",
		"version":    "1.0.0",
		"timestamp":  time.Now().UTC(),
		"configured": orchestrateClient.IsConfigured(),
		"components": components,
	}

	writeJSON(w, http.StatusOK, health)
}

func metricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, relayMetrics.Snapshot())
}

// mapUpstreamError writes the error response for a failed upstream call
// and returns the status code it used. Upstream HTTP errors keep their
// original status code and body; everything else collapses to a generic
// 500 so internals never leak to the frontend.
func mapUpstreamError(w http.ResponseWriter, err error) int {
	var authErr *orchestrate.AuthError
	var apiErr *orchestrate.APIError

	switch {
	case errors.As(err, &authErr):
		sendErrorResponse(w, authErr.Body, authErr.StatusCode)
		return authErr.StatusCode
	case errors.As(err, &apiErr):
		sendErrorResponse(w, apiErr.Body, apiErr.StatusCode)
		return apiErr.StatusCode
	default:
		sendErrorResponse(w, "Internal server error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
}

// sendErrorResponse writes a FastAPI-style {"detail": ...} error body,
// which is the contract the existing frontend expects.
func sendErrorResponse(w http.ResponseWriter, detail string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
