package wire

import "encoding/json"

// SubmitRequest is the body of POST /commands.
type SubmitRequest struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SubmitResponse is the 201 body of POST /commands.
type SubmitResponse struct {
	CommandID string `json:"commandId"`
}

// CommandView is what GET /commands/{id} returns — a client-facing
// projection of Command carrying only its status, result and owning agent.
// GET /commands returns full Command records instead (see ListResponse).
type CommandView struct {
	Status  Status          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	AgentID string          `json:"agentId,omitempty"`
}

// ListResponse is the body of GET /commands.
type ListResponse struct {
	Commands []Command `json:"commands"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// FetchRequest is the body of POST /agent/fetch.
type FetchRequest struct {
	AgentID string `json:"agentId"`
}

// FetchResponse is the body of POST /agent/fetch.
type FetchResponse struct {
	Command *Command `json:"command"`
}

// ResultRequest is the body of POST /agent/result.
type ResultRequest struct {
	AgentID   string          `json:"agentId"`
	CommandID string          `json:"commandId"`
	Status    Status          `json:"status"` // COMPLETED or FAILED
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	// Recovered marks a report the agent sends immediately after sync on
	// crash-recovery startup, for a command it cannot confirm it actually
	// ran. A recovered FAILED report requeues the command instead of
	// recording a terminal failure.
	Recovered bool `json:"recovered,omitempty"`
}

// ResultResponse is the body of POST /agent/result.
type ResultResponse struct {
	Acknowledged bool   `json:"acknowledged"`
	Message      string `json:"message,omitempty"`
}

// SyncRequest is the body of POST /agent/sync.
type SyncRequest struct {
	AgentID string `json:"agentId"`
}

// SyncResponse is the body of POST /agent/sync.
type SyncResponse struct {
	UnfinishedCommand *Command `json:"unfinishedCommand"`
}

// HeartbeatRequest is the body of POST /agent/heartbeat.
type HeartbeatRequest struct {
	AgentID   string `json:"agentId"`
	CommandID string `json:"commandId,omitempty"`
}

// HeartbeatResponse is the body of POST /agent/heartbeat.
type HeartbeatResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// ErrorResponse is the body of any non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}
