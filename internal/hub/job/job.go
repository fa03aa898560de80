// Package job defines the job lifecycle model and the in-memory store
// that tracks jobs and the worker reverse index.
package job

import (
	"encoding/json"
	"time"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusVMBooting Status = "vm_booting"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Active reports whether s counts as in-flight.
func (s Status) Active() bool {
	switch s {
	case StatusQueued, StatusVMBooting, StatusRunning, StatusPaused:
		return true
	}
	return false
}

// Step is one entry in a job's execution plan.
type Step struct {
	Index        int        `json:"index"`
	Description  string     `json:"description"`
	Status       string     `json:"status"` // pending, running, completed, failed, skipped
	Result       string     `json:"result,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Screenshots  []string   `json:"screenshots,omitempty"`
}

// Job is one automation task. Mutation goes through the Store; the
// Bridge serializes all access.
type Job struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`

	TaskPrompt  string `json:"task_prompt"`
	Description string `json:"description,omitempty"`

	VMID          string `json:"vm_id,omitempty"` // assigned worker instance, empty until scheduled
	PolicyProfile string `json:"policy_profile"`

	Status        Status `json:"status"`
	StatusMessage string `json:"status_message,omitempty"`

	Steps       []Step `json:"steps,omitempty"`
	CurrentStep int    `json:"current_step"`

	Result       string            `json:"result,omitempty"`
	Artifacts    []json.RawMessage `json:"artifacts,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	MaxRuntimeMinutes int        `json:"max_runtime_minutes"`

	Metadata map[string]any `json:"metadata,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
}

// DurationSeconds returns elapsed run time. Zero until the job starts.
func (j *Job) DurationSeconds() float64 {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt).Seconds()
}

// IsActive reports whether the job is in-flight.
func (j *Job) IsActive() bool {
	return j.Status.Active()
}

// ProgressPercentage is the share of plan steps completed, 0 when the
// job has no plan.
func (j *Job) ProgressPercentage() float64 {
	if len(j.Steps) == 0 {
		return 0
	}
	completed := 0
	for _, s := range j.Steps {
		if s.Status == "completed" {
			completed++
		}
	}
	return float64(completed) / float64(len(j.Steps)) * 100
}
