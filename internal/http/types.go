// Package http provides the HTTP API for sessiond.
package http

import "time"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// TurnRequest is the request body for POST /api/v1/conversations/:id/turn.
type TurnRequest struct {
	TargetState string            `json:"targetState"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// TurnError is the sanitized failure report attached to a turn response.
type TurnError struct {
	Kind        string `json:"kind"`
	Notice      string `json:"notice"`
	ReferenceID string `json:"referenceId"`
}

// TurnResponse is the response body for a conversation turn. On failure
// Session reflects the post-recovery state when a record exists.
type TurnResponse struct {
	Session *SessionView `json:"session,omitempty"`
	Error   *TurnError   `json:"error,omitempty"`
}

// HistoryView is one step of a session's state history.
type HistoryView struct {
	State     string    `json:"state"`
	EnteredAt time.Time `json:"enteredAt"`
}

// SessionView is the API representation of a session record. Sensitive
// field values are never included; only their names are listed.
type SessionView struct {
	ConversationID  string            `json:"conversationId"`
	CurrentState    string            `json:"currentState"`
	StateHistory    []HistoryView     `json:"stateHistory"`
	LastActivity    time.Time         `json:"lastActivity"`
	ErrorCount      int               `json:"errorCount"`
	SensitiveFields []string          `json:"sensitiveFields,omitempty"`
	Unreadable      map[string]string `json:"unreadableFields,omitempty"`
	Version         int64             `json:"version"`
	Standing        string            `json:"standing"`
}

// CreateCheckpointRequest is the request body for checkpoint creation.
// Reason defaults to MANUAL.
type CreateCheckpointRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CheckpointView is the API representation of a checkpoint. The
// captured record itself is not exposed.
type CheckpointView struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversationId"`
	Reason          string    `json:"reason"`
	CapturedAt      time.Time `json:"capturedAt"`
	CapturedState   string    `json:"capturedState"`
	CapturedVersion int64     `json:"capturedVersion"`
}

// ListCheckpointsResponse is the response body for checkpoint listing.
type ListCheckpointsResponse struct {
	Checkpoints []CheckpointView `json:"checkpoints"`
}
