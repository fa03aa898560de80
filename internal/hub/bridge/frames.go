package bridge

import (
	"encoding/json"

	"github.com/taskbridge/taskbridge/internal/hub/event"
	"github.com/taskbridge/taskbridge/internal/hub/job"
	"github.com/taskbridge/taskbridge/internal/hub/policy"
)

// Frame type discriminators on the worker channel.
const (
	// Worker to hub.
	FrameAuth          = "auth"
	FramePong          = "pong"
	FrameEvent         = "event"
	FrameTaskComplete  = "task_complete"
	FrameTaskFailed    = "task_failed"
	FrameNeedsApproval = "needs_approval"
	FrameNeedsContext  = "needs_context"

	// Hub to worker.
	FrameConnected        = "connected"
	FramePing             = "ping"
	FrameTaskStart        = "task_start"
	FrameTaskCancel       = "task_cancel"
	FrameApprovalResponse = "approval_response"
	FrameContextResponse  = "context_response"

	// Client channel.
	FrameInitialState = "initial_state"
	FrameClientEvent  = "event"
	FrameClientPing   = "ping"
	FrameClientPong   = "pong"
)

// frameHead is decoded first to pick the full frame shape.
type frameHead struct {
	Type string `json:"type"`
}

// AuthFrame must be the first frame on a worker channel.
type AuthFrame struct {
	Type   string `json:"type"`
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// EventFrame carries one event from a worker.
type EventFrame struct {
	Type  string      `json:"type"`
	Event event.Event `json:"event"`
}

// TaskResult is the result block of a task_complete frame.
type TaskResult struct {
	Result    string            `json:"result"`
	Artifacts []json.RawMessage `json:"artifacts,omitempty"`
}

// TaskCompleteFrame reports successful task completion.
type TaskCompleteFrame struct {
	Type   string     `json:"type"`
	TaskID string     `json:"task_id"`
	Result TaskResult `json:"result"`
}

// TaskFailedFrame reports task failure.
type TaskFailedFrame struct {
	Type         string `json:"type"`
	TaskID       string `json:"task_id"`
	ErrorMessage string `json:"error_message"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// NeedsApprovalFrame opens an approval gate. The worker suspends until
// the hub forwards a response.
type NeedsApprovalFrame struct {
	Type              string          `json:"type"`
	JobID             string          `json:"job_id"`
	RequestID         string          `json:"request_id"`
	ToolName          string          `json:"tool_name"`
	ToolCallID        string          `json:"tool_call_id"`
	ActionDescription string          `json:"action_description"`
	RiskLevel         string          `json:"risk_level"`
	Parameters        json.RawMessage `json:"parameters,omitempty"`
	TimeoutSeconds    int             `json:"timeout_seconds,omitempty"`
}

// NeedsContextFrame opens a context gate.
type NeedsContextFrame struct {
	Type           string `json:"type"`
	JobID          string `json:"job_id"`
	RequestID      string `json:"request_id"`
	Question       string `json:"question"`
	ContextType    string `json:"context_type"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ConnectedFrame welcomes a worker after successful auth.
type ConnectedFrame struct {
	Type       string `json:"type"`
	InstanceID string `json:"instance_id"`
	Timestamp  string `json:"timestamp"`
}

// PingFrame is the hub-initiated heartbeat.
type PingFrame struct {
	Type string `json:"type"`
}

// TaskSpec is the task description sent with task_start.
type TaskSpec struct {
	ID                string          `json:"id"`
	Prompt            string          `json:"prompt"`
	Policy            *policy.Profile `json:"policy"`
	MaxRuntimeMinutes int             `json:"max_runtime"`
	Steps             []job.Step      `json:"steps,omitempty"`
}

// TaskStartFrame assigns a task to a worker.
type TaskStartFrame struct {
	Type string   `json:"type"`
	Task TaskSpec `json:"task"`
}

// TaskCancelFrame tells a worker to abandon a task. Fire-and-forget.
type TaskCancelFrame struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// ApprovalResponseFrame resumes a worker paused on an approval gate.
type ApprovalResponseFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
}

// ContextResponseFrame resumes a worker paused on a context gate.
type ContextResponseFrame struct {
	Type        string            `json:"type"`
	RequestID   string            `json:"request_id"`
	Response    string            `json:"response"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`
}

// InitialStateFrame is the first frame on a client channel: a snapshot
// of the watched job.
type InitialStateFrame struct {
	Type string   `json:"type"`
	Job  *job.Job `json:"job"`
}

// ClientEventFrame streams one event to a client channel.
type ClientEventFrame struct {
	Type  string      `json:"type"`
	Event event.Event `json:"event"`
}

// ClientPongFrame answers a client ping.
type ClientPongFrame struct {
	Type string `json:"type"`
}
