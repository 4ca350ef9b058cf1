// Package api defines the plain request/response payload shapes for
// submitting and querying test sessions (spec §6). It contains no
// transport: no HTTP server is implemented here, callers wire these types
// into whatever transport they use.
package api

import "time"

// StartSessionRequest describes one plan (and its batch range) to submit
// to a new orchestrator session.
type StartSessionRequest struct {
	PlanPath    string            `json:"plan_path"`
	BatchRange  string            `json:"batch_range,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	MaxRetries  int               `json:"max_retries,omitempty"`
	TimeoutSecs int               `json:"timeout_seconds,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// StartSessionResponse acknowledges a submitted batch.
type StartSessionResponse struct {
	SessionID  string   `json:"session_id"`
	RequestIDs []string `json:"request_ids"`
}

// StatusResponse reports a session's in-flight progress.
type StatusResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Pending   int    `json:"pending"`
	Running   int    `json:"running"`
}

// TestResultView is the wire representation of one execution attempt.
type TestResultView struct {
	RequestID    string    `json:"request_id"`
	Status       string    `json:"status"`
	TasksPassed  int       `json:"tasks_passed"`
	TasksFailed  int       `json:"tasks_failed"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
	DurationSecs float64   `json:"duration_seconds"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ReportPath   string    `json:"report_path,omitempty"`
}

// ResultsResponse is the final session report, serialised for a client.
type ResultsResponse struct {
	SessionID    string           `json:"session_id"`
	Status       string           `json:"status"`
	Total        int              `json:"total"`
	Completed    int              `json:"completed"`
	Failed       int              `json:"failed"`
	Results      []TestResultView `json:"results"`
	Warnings     []string         `json:"warnings,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  time.Time        `json:"completed_at"`
	DurationSecs float64          `json:"duration_seconds"`
}
