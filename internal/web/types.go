package web

import (
	"encoding/json"
	"net/http"
)

// SubmitRequest is the body of POST /submit.
type SubmitRequest struct {
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Priority    *int             `json:"priority,omitempty"`
	Phases      []SubmitPhaseReq `json:"phases"`
}

// SubmitPhaseReq is one phase inside a feature submission.
type SubmitPhaseReq struct {
	PhaseNumber int    `json:"phase_number"`
	Title       string `json:"title"`
	Prompt      string `json:"prompt,omitempty"`
	DependsOn   []int  `json:"depends_on,omitempty"`
	Priority    *int   `json:"priority,omitempty"`
}

// SubmitResponse acknowledges an accepted feature.
type SubmitResponse struct {
	FeatureID int64    `json:"feature_id"`
	PhaseIDs  []string `json:"phase_ids"`
}

// CompletionRequest is the body of POST /phase-complete, sent by
// workers when a phase finishes.
type CompletionRequest struct {
	PhaseID      string `json:"phase_id"`
	Status       string `json:"status"`
	WorkerRef    string `json:"worker_ref"`
	ErrorMessage string `json:"error_message,omitempty"`
	Summary      string `json:"summary,omitempty"`
}

// CompletionResponse acknowledges a completion report.
type CompletionResponse struct {
	PhaseID   string `json:"phase_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// StateView is the scheduler state snapshot returned by
// GET /admin/state and pushed as the stream connect frame.
type StateView struct {
	Paused         bool `json:"paused"`
	MaxConcurrent  int  `json:"max_concurrent"`
	RunningCount   int  `json:"running_count"`
	ReadyCount     int  `json:"ready_count"`
	QueuedCount    int  `json:"queued_count"`
	BlockedCount   int  `json:"blocked_count"`
	CompletedCount int  `json:"completed_count"`
	FailedCount    int  `json:"failed_count"`
}

// ConfigPatch is the body of PATCH /admin/config.
type ConfigPatch struct {
	MaxConcurrent      *int  `json:"max_concurrent,omitempty"`
	DedupWindowSeconds *int  `json:"dedup_window_seconds,omitempty"`
	Paused             *bool `json:"paused,omitempty"`
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
