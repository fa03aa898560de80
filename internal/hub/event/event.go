// Package event defines the event envelope and the closed set of event
// types that flow between VM workers, the hub, and watching clients.
package event

import (
	"encoding/json"
	"time"

	"github.com/taskbridge/taskbridge/internal/util/timefmt"
)

// Type identifies an event kind on the wire.
type Type string

// Job lifecycle events.
const (
	TypeJobQueued    Type = "job_queued"
	TypeJobStarted   Type = "job_started"
	TypeJobCompleted Type = "job_completed"
	TypeJobCancelled Type = "job_cancelled"
	TypeJobFailed    Type = "job_failed"
)

// VM lifecycle events.
const (
	TypeVMBooting  Type = "vm_booting"
	TypeVMReady    Type = "vm_ready"
	TypeVMError    Type = "vm_error"
	TypeVMShutdown Type = "vm_shutdown"
)

// Task execution events.
const (
	TypeTaskStarted       Type = "task_started"
	TypeTaskStepStarted   Type = "task_step_started"
	TypeTaskStepCompleted Type = "task_step_completed"
	TypeTaskStepFailed    Type = "task_step_failed"
)

// Output and logging events.
const (
	TypeLog    Type = "log"
	TypeStdout Type = "stdout"
	TypeStderr Type = "stderr"
)

// Visual feedback events.
const (
	TypeScreenshotCaptured Type = "screenshot_captured"
	TypeVideoFrame         Type = "video_frame"
)

// Tool interaction events.
const (
	TypeToolCalled    Type = "tool_called"
	TypeToolCompleted Type = "tool_completed"
	TypeToolError     Type = "tool_error"
)

// Pause/resume gate events.
const (
	TypeNeedsApproval   Type = "needs_approval"
	TypeApprovalGranted Type = "approval_granted"
	TypeApprovalDenied  Type = "approval_denied"
	TypeNeedsContext    Type = "needs_context"
	TypeContextProvided Type = "context_provided"
)

var knownTypes = map[Type]struct{}{
	TypeJobQueued:          {},
	TypeJobStarted:         {},
	TypeJobCompleted:       {},
	TypeJobCancelled:       {},
	TypeJobFailed:          {},
	TypeVMBooting:          {},
	TypeVMReady:            {},
	TypeVMError:            {},
	TypeVMShutdown:         {},
	TypeTaskStarted:        {},
	TypeTaskStepStarted:    {},
	TypeTaskStepCompleted:  {},
	TypeTaskStepFailed:     {},
	TypeLog:                {},
	TypeStdout:             {},
	TypeStderr:             {},
	TypeScreenshotCaptured: {},
	TypeVideoFrame:         {},
	TypeToolCalled:         {},
	TypeToolCompleted:      {},
	TypeToolError:          {},
	TypeNeedsApproval:      {},
	TypeApprovalGranted:    {},
	TypeApprovalDenied:     {},
	TypeNeedsContext:       {},
	TypeContextProvided:    {},
}

// Known reports whether t is a recognized event type. Events carrying
// unknown types are dropped at the hub boundary.
func Known(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is the envelope every event carries on the wire and at rest.
// The payload passes through the hub verbatim.
type Event struct {
	Type      Type            `json:"type"`
	JobID     string          `json:"job_id"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// New builds an event for jobID, stamping the current UTC time. The
// payload is marshalled; a nil payload becomes an empty JSON object.
func New(t Type, jobID string, payload any) (Event, error) {
	raw := json.RawMessage(`{}`)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		raw = b
	}
	return Event{
		Type:      t,
		JobID:     jobID,
		Timestamp: timefmt.Format(time.Now()),
		Payload:   raw,
	}, nil
}

// MustNew is New for payloads that cannot fail to marshal (the hub's own
// statically declared payload structs).
func MustNew(t Type, jobID string, payload any) Event {
	ev, err := New(t, jobID, payload)
	if err != nil {
		panic("event: marshal payload: " + err.Error())
	}
	return ev
}
