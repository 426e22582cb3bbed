package agent

// EventType tags events pushed by the agent server.
type EventType string

const (
	EventPartUpdated         EventType = "part_updated"
	EventStatusChanged       EventType = "status_changed"
	EventPermissionRequested EventType = "permission_requested"
	EventSessionError        EventType = "session_error"
)

// Status is the agent-side session status carried by status events.
type Status string

const (
	StatusBusy  Status = "busy"
	StatusIdle  Status = "idle"
	StatusError Status = "error"
)

// Event is one element of a session's pushed stream.
type Event struct {
	Type       EventType          `json:"type"`
	Part       *Part              `json:"part,omitempty"`
	Status     Status             `json:"status,omitempty"`
	Message    string             `json:"message,omitempty"`
	Permission *PermissionRequest `json:"permission,omitempty"`
}

// PartKind discriminates message-part fragments. The set is closed;
// consumers switch over every kind and log anything they do not know.
type PartKind string

const (
	PartText       PartKind = "text"
	PartTool       PartKind = "tool"
	PartFile       PartKind = "file"
	PartReasoning  PartKind = "reasoning"
	PartStepStart  PartKind = "step_start"
	PartStepFinish PartKind = "step_finish"
)

// Part is one content fragment of an in-flight assistant message.
// Fields beyond Kind are populated per kind: Text for text and reasoning
// fragments, Tool/ToolStatus for tool parts, Path for file parts.
type Part struct {
	Kind       PartKind `json:"kind"`
	Text       string   `json:"text,omitempty"`
	Tool       string   `json:"tool,omitempty"`
	ToolStatus string   `json:"toolStatus,omitempty"`
	Path       string   `json:"path,omitempty"`
}

// PermissionRequest is an agent-initiated pause awaiting a user decision.
type PermissionRequest struct {
	ID       string         `json:"id"`
	Tool     string         `json:"tool,omitempty"`
	Prompt   string         `json:"prompt"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
