// Package api defines the HTTP request and response contracts and the
// JSON helpers the handlers share.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"lattice-backend/internal/errors"
	"lattice-backend/internal/graph"
	"lattice-backend/internal/ingest"
)

// IngestRequest is the body of POST /ingest.
type IngestRequest struct {
	Documents []ingest.Document `json:"documents" validate:"required,min=1,dive"`
}

// IngestAccepted is the 202 body for async ingestion.
type IngestAccepted struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// IngestResponse is the 200 body for synchronous ingestion.
type IngestResponse struct {
	Status            string   `json:"status"`
	EntitiesExtracted int      `json:"entities_extracted"`
	Errors            []string `json:"errors,omitempty"`
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query      string `json:"query" validate:"required"`
	MaxResults int    `json:"max_results" validate:"omitempty,min=1,max=100"`
}

// SourceResponse is one retrieval source in a query response.
type SourceResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// QueryResponse is the body of a successful POST /query.
type QueryResponse struct {
	Answer           string            `json:"answer"`
	Sources          []SourceResponse  `json:"sources"`
	Aggregates       []graph.ResultRow `json:"aggregates,omitempty"`
	Complexity       string            `json:"complexity"`
	RetrievalPath    string            `json:"retrieval_path"`
	EvaluationScore  float64           `json:"evaluation_score"`
	RetrievalQuality float64           `json:"retrieval_quality"`
	Degraded         bool              `json:"degraded,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// JSON writes a JSON body with status.
func JSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Error writes a plain error body.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// ErrorFrom maps a typed error onto the response, including Retry-After
// when the error carries a wait hint.
func ErrorFrom(w http.ResponseWriter, err error, requestID string) {
	if wait := errors.RetryAfter(err); wait > 0 {
		w.Header().Set("Retry-After", formatSeconds(wait))
	}
	JSON(w, errors.HTTPStatus(err), ErrorResponse{
		Error:     errors.ClientMessage(err),
		Code:      errors.CodeOf(err),
		RequestID: requestID,
	})
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
