package event

import "encoding/json"

// Payload structs for the events the hub itself emits. Worker-originated
// payloads are not parsed; these cover the hub's side of the protocol
// and give clients a stable shape to decode.

// JobQueuedPayload accompanies job_queued.
type JobQueuedPayload struct {
	TaskPrompt        string         `json:"task_prompt"`
	VMID              string         `json:"vm_id,omitempty"`
	PolicyProfile     string         `json:"policy_profile"`
	MaxRuntimeMinutes int            `json:"max_runtime_minutes"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// JobStartedPayload accompanies job_started.
type JobStartedPayload struct {
	VMID                     string `json:"vm_id"`
	StartedAt                string `json:"started_at"`
	EstimatedDurationMinutes int    `json:"estimated_duration_minutes,omitempty"`
}

// JobCompletedPayload accompanies job_completed.
type JobCompletedPayload struct {
	Result          string            `json:"result"`
	Artifacts       []json.RawMessage `json:"artifacts,omitempty"`
	DurationSeconds float64           `json:"duration_seconds"`
	StepsCompleted  int               `json:"steps_completed"`
	TotalSteps      int               `json:"total_steps"`
}

// JobFailedPayload accompanies job_failed.
type JobFailedPayload struct {
	ErrorMessage    string  `json:"error_message"`
	ErrorCode       string  `json:"error_code,omitempty"`
	FailedStep      int     `json:"failed_step,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	PartialResult   string  `json:"partial_result,omitempty"`
}

// JobCancelledPayload accompanies job_cancelled. CancelledBy is "user"
// or "system".
type JobCancelledPayload struct {
	CancelledBy     string  `json:"cancelled_by"`
	Reason          string  `json:"reason,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// ApprovalRequestPayload accompanies needs_approval.
type ApprovalRequestPayload struct {
	RequestID         string          `json:"request_id"`
	ToolName          string          `json:"tool_name"`
	ToolCallID        string          `json:"tool_call_id"`
	ActionDescription string          `json:"action_description"`
	RiskLevel         string          `json:"risk_level"`
	Parameters        json.RawMessage `json:"parameters,omitempty"`
	TimeoutSeconds    int             `json:"timeout_seconds"`
	RequestedAt       string          `json:"requested_at"`
}

// ApprovalResponsePayload accompanies approval_granted and
// approval_denied. RespondedBy is "user" or "policy".
type ApprovalResponsePayload struct {
	RequestID   string `json:"request_id"`
	ToolCallID  string `json:"tool_call_id"`
	Approved    bool   `json:"approved"`
	Reason      string `json:"reason,omitempty"`
	RespondedAt string `json:"responded_at"`
	RespondedBy string `json:"responded_by"`
}

// ContextRequestPayload accompanies needs_context. ContextType is one of
// "clarification", "credentials", "file", or "url".
type ContextRequestPayload struct {
	RequestID      string `json:"request_id"`
	Question       string `json:"question"`
	ContextType    string `json:"context_type"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	RequestedAt    string `json:"requested_at"`
}

// ContextProvidedPayload accompanies context_provided.
type ContextProvidedPayload struct {
	RequestID   string            `json:"request_id"`
	Response    string            `json:"response"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`
	ProvidedAt  string            `json:"provided_at"`
}

// LogPayload accompanies log events.
type LogPayload struct {
	Level    string         `json:"level"`
	Message  string         `json:"message"`
	Source   string         `json:"source,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// VMErrorPayload accompanies vm_error.
type VMErrorPayload struct {
	ErrorMessage string `json:"error_message"`
}
