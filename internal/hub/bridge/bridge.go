// Package bridge implements the task broker core: the connection
// registry, scheduler, event fan-out, and the pause/resume protocol
// between VM workers and watching clients.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/taskbridge/taskbridge/internal/hub/config"
	"github.com/taskbridge/taskbridge/internal/hub/event"
	"github.com/taskbridge/taskbridge/internal/hub/id"
	"github.com/taskbridge/taskbridge/internal/hub/job"
	"github.com/taskbridge/taskbridge/internal/hub/policy"
	"github.com/taskbridge/taskbridge/internal/hub/sink"
	"github.com/taskbridge/taskbridge/internal/metrics"
	"github.com/taskbridge/taskbridge/internal/util/timefmt"
)

var (
	// ErrNotFound is returned for unknown job, instance, or request ids.
	ErrNotFound = errors.New("not found")
	// ErrNotActive is returned when an operation needs an in-flight job.
	ErrNotActive = errors.New("job not active")
	// ErrStopped is returned when the bridge is not running.
	ErrStopped = errors.New("bridge stopped")
)

const disconnectReason = "VM disconnected unexpectedly"

// persistQueueSize bounds the persistence queue. Enqueue blocks when
// full so the durable sink never misses an event.
const persistQueueSize = 256

// Bridge is the in-process broker. One coarse lock guards the
// connection map, job store, subscriber registry, and pending gates:
// the invariants span all of them.
type Bridge struct {
	cfg  *config.Config
	sink sink.Sink

	nowFn func() time.Time

	mu        sync.Mutex
	running   bool
	jobs      *job.Store
	conns     map[string]*Conn // instance id -> connection
	subs      *subscriberSet
	gates     *gateRegistry
	jobTimers map[string]*time.Timer // job id -> deadline timer

	stopCh    chan struct{}
	persistCh chan event.Event
	loopWg    sync.WaitGroup
	persistWg sync.WaitGroup
}

// New creates a Bridge. Call Start before accepting connections.
func New(cfg *config.Config, store *job.Store, s sink.Sink) *Bridge {
	if s == nil {
		s = sink.Nop{}
	}
	return &Bridge{
		cfg:       cfg,
		sink:      s,
		nowFn:     time.Now,
		jobs:      store,
		conns:     make(map[string]*Conn),
		subs:      newSubscriberSet(cfg.SubscriberBuffer),
		gates:     newGateRegistry(),
		jobTimers: make(map[string]*time.Timer),
	}
}

// Start launches the persistence consumer, the heartbeat loop, and the
// liveness reaper.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.persistCh = make(chan event.Event, persistQueueSize)

	b.persistWg.Add(1)
	go b.persistLoop()

	b.loopWg.Add(2)
	go b.heartbeatLoop()
	go b.reapLoop()

	slog.Info("bridge started",
		"heartbeat_interval", b.cfg.HeartbeatInterval,
		"heartbeat_timeout", b.cfg.HeartbeatTimeout)
}

// Stop halts background loops, stops all timers, and drains the
// persistence queue. Connections are closed by their owners.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	for jobID, t := range b.jobTimers {
		t.Stop()
		delete(b.jobTimers, jobID)
	}
	for reqID := range b.gates.gates {
		b.gates.remove(reqID)
	}
	metrics.PendingGates.Set(0)
	b.mu.Unlock()

	b.loopWg.Wait()
	close(b.persistCh)
	b.persistWg.Wait()
	slog.Info("bridge stopped")
}

// Running reports whether Start has been called and Stop has not.
func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// --- Worker connection lifecycle ---

// Accept admits an authenticated worker connection. If another
// connection with the same instance id exists it is evicted first: its
// socket is closed and its job failed, preserving one worker per
// instance.
func (b *Bridge) Accept(c *Conn) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return ErrStopped
	}

	if old, exists := b.conns[c.InstanceID]; exists {
		slog.Warn("duplicate worker connection, evicting old",
			"instance_id", c.InstanceID)
		b.failWorkerJobLocked(old, disconnectReason)
		old.Close(websocket.StatusPolicyViolation, "replaced by new connection")
	} else {
		metrics.ActiveWorkers.Inc()
	}
	b.conns[c.InstanceID] = c
	b.mu.Unlock()

	// Welcome before any task_start so the worker sees connected first.
	if err := c.Send(ConnectedFrame{
		Type:       FrameConnected,
		InstanceID: c.InstanceID,
		Timestamp:  timefmt.Format(b.nowFn()),
	}); err != nil {
		slog.Warn("welcome frame failed", "instance_id", c.InstanceID, "error", err)
	}
	slog.Info("worker connected", "instance_id", c.InstanceID, "user_id", c.UserID)

	// Queued work may now have a home.
	b.mu.Lock()
	b.dispatchPassLocked(c.UserID)
	b.mu.Unlock()
	return nil
}

// Disconnect removes the connection and fails its running job. A guard
// on connection identity ensures a stale connection's cleanup never
// removes a newer replacement.
func (b *Bridge) Disconnect(c *Conn, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnectLocked(c, reason)
}

// DisconnectInstance closes the live connection for an instance id, if
// one exists. Used when an instance is unregistered through the API.
func (b *Bridge) DisconnectInstance(instanceID, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.conns[instanceID]; ok {
		b.disconnectLocked(c, reason)
	}
}

func (b *Bridge) disconnectLocked(c *Conn, reason string) {
	if b.conns[c.InstanceID] != c {
		return
	}
	b.failWorkerJobLocked(c, reason)
	delete(b.conns, c.InstanceID)
	metrics.ActiveWorkers.Dec()
	c.Close(websocket.StatusNormalClosure, "")
	slog.Info("worker disconnected", "instance_id", c.InstanceID, "reason", reason)
}

// failWorkerJobLocked fails the worker's running job, if any, and
// returns the connection to idle. The job is resolved through the
// store's reverse index rather than the connection, so a stale Conn
// cannot name a job that already moved on.
func (b *Bridge) failWorkerJobLocked(c *Conn, reason string) {
	c.currentJobID = ""
	c.status = WorkerOnline

	j, ok := b.jobs.JobForWorker(c.InstanceID)
	if !ok || j.Status.Terminal() {
		return
	}
	j.ErrorMessage = reason
	b.terminateLocked(j, job.StatusFailed)
	b.emitLocked(event.MustNew(event.TypeJobFailed, j.ID, event.JobFailedPayload{
		ErrorMessage:    reason,
		DurationSeconds: j.DurationSeconds(),
	}))
}

// --- Protocol handler ---

// HandleFrame dispatches one inbound worker frame. Receipt of any frame
// refreshes the heartbeat. Malformed and unknown frames are dropped with
// a log line; the connection is preserved.
func (b *Bridge) HandleFrame(c *Conn, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c.lastHeartbeat = b.nowFn()

	var head frameHead
	if err := json.Unmarshal(data, &head); err != nil {
		slog.Warn("bad worker frame", "instance_id", c.InstanceID, "error", err)
		return
	}

	switch head.Type {
	case FramePong:
		// Heartbeat already refreshed.
	case FrameEvent:
		b.handleEventLocked(c, data)
	case FrameTaskComplete:
		b.handleTaskCompleteLocked(c, data)
	case FrameTaskFailed:
		b.handleTaskFailedLocked(c, data)
	case FrameNeedsApproval:
		b.handleNeedsApprovalLocked(c, data)
	case FrameNeedsContext:
		b.handleNeedsContextLocked(c, data)
	default:
		slog.Warn("unknown worker frame type",
			"instance_id", c.InstanceID, "type", head.Type)
	}
}

func (b *Bridge) handleEventLocked(c *Conn, data []byte) {
	var frame EventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("bad event frame", "instance_id", c.InstanceID, "error", err)
		return
	}
	ev := frame.Event
	if !event.Known(ev.Type) {
		slog.Warn("dropping event with unknown type",
			"instance_id", c.InstanceID, "type", ev.Type)
		return
	}
	if ev.JobID != c.currentJobID {
		slog.Warn("dropping event for job not owned by worker",
			"instance_id", c.InstanceID, "job_id", ev.JobID)
		return
	}
	if ev.Timestamp == "" {
		ev.Timestamp = timefmt.Format(b.nowFn())
	}
	b.emitLocked(ev)
}

func (b *Bridge) handleTaskCompleteLocked(c *Conn, data []byte) {
	var frame TaskCompleteFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("bad task_complete frame", "instance_id", c.InstanceID, "error", err)
		return
	}
	if frame.TaskID == "" || frame.TaskID != c.currentJobID {
		slog.Warn("task_complete for job not owned by worker",
			"instance_id", c.InstanceID, "task_id", frame.TaskID)
		return
	}
	j, ok := b.jobs.Get(frame.TaskID)
	if !ok || j.Status.Terminal() {
		return
	}

	j.Result = frame.Result.Result
	j.Artifacts = frame.Result.Artifacts
	b.terminateLocked(j, job.StatusCompleted)
	c.currentJobID = ""
	c.status = WorkerOnline

	completed, total := stepProgress(j)
	b.emitLocked(event.MustNew(event.TypeJobCompleted, j.ID, event.JobCompletedPayload{
		Result:          j.Result,
		Artifacts:       j.Artifacts,
		DurationSeconds: j.DurationSeconds(),
		StepsCompleted:  completed,
		TotalSteps:      total,
	}))
	slog.Info("job completed", "job_id", j.ID, "instance_id", c.InstanceID)

	// The worker is idle again.
	b.dispatchPassLocked(c.UserID)
}

func (b *Bridge) handleTaskFailedLocked(c *Conn, data []byte) {
	var frame TaskFailedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("bad task_failed frame", "instance_id", c.InstanceID, "error", err)
		return
	}
	if frame.TaskID == "" || frame.TaskID != c.currentJobID {
		slog.Warn("task_failed for job not owned by worker",
			"instance_id", c.InstanceID, "task_id", frame.TaskID)
		return
	}
	j, ok := b.jobs.Get(frame.TaskID)
	if !ok || j.Status.Terminal() {
		return
	}

	j.ErrorMessage = frame.ErrorMessage
	j.ErrorCode = frame.ErrorCode
	b.terminateLocked(j, job.StatusFailed)
	c.currentJobID = ""
	c.status = WorkerOnline

	b.emitLocked(event.MustNew(event.TypeJobFailed, j.ID, event.JobFailedPayload{
		ErrorMessage:    frame.ErrorMessage,
		ErrorCode:       frame.ErrorCode,
		DurationSeconds: j.DurationSeconds(),
	}))
	slog.Info("job failed", "job_id", j.ID, "error", frame.ErrorMessage)

	b.dispatchPassLocked(c.UserID)
}

func (b *Bridge) handleNeedsApprovalLocked(c *Conn, data []byte) {
	var frame NeedsApprovalFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("bad needs_approval frame", "instance_id", c.InstanceID, "error", err)
		return
	}
	if frame.JobID == "" || frame.JobID != c.currentJobID {
		slog.Warn("needs_approval for job not owned by worker",
			"instance_id", c.InstanceID, "job_id", frame.JobID)
		return
	}
	if frame.RequestID == "" {
		frame.RequestID = id.GenerateShort()
	}
	timeout := time.Duration(frame.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = b.cfg.ApprovalTimeout
	}

	now := b.nowFn()
	g := &Gate{
		RequestID:  frame.RequestID,
		JobID:      frame.JobID,
		Kind:       GateApproval,
		ToolCallID: frame.ToolCallID,
		CreatedAt:  now,
		TimeoutAt:  now.Add(timeout),
	}
	g.timer = time.AfterFunc(timeout, func() { b.expireGate(g.RequestID) })
	b.gates.add(g)
	metrics.PendingGates.Set(float64(b.gates.len()))

	b.jobs.MarkPaused(frame.JobID)
	b.emitLocked(event.MustNew(event.TypeNeedsApproval, frame.JobID, event.ApprovalRequestPayload{
		RequestID:         frame.RequestID,
		ToolName:          frame.ToolName,
		ToolCallID:        frame.ToolCallID,
		ActionDescription: frame.ActionDescription,
		RiskLevel:         frame.RiskLevel,
		Parameters:        frame.Parameters,
		TimeoutSeconds:    int(timeout.Seconds()),
		RequestedAt:       timefmt.Format(now),
	}))
	slog.Info("approval gate opened", "job_id", frame.JobID, "request_id", frame.RequestID)
}

func (b *Bridge) handleNeedsContextLocked(c *Conn, data []byte) {
	var frame NeedsContextFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("bad needs_context frame", "instance_id", c.InstanceID, "error", err)
		return
	}
	if frame.JobID == "" || frame.JobID != c.currentJobID {
		slog.Warn("needs_context for job not owned by worker",
			"instance_id", c.InstanceID, "job_id", frame.JobID)
		return
	}
	if frame.RequestID == "" {
		frame.RequestID = id.GenerateShort()
	}
	timeout := time.Duration(frame.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = b.cfg.ContextTimeout
	}

	now := b.nowFn()
	g := &Gate{
		RequestID: frame.RequestID,
		JobID:     frame.JobID,
		Kind:      GateContext,
		CreatedAt: now,
		TimeoutAt: now.Add(timeout),
	}
	g.timer = time.AfterFunc(timeout, func() { b.expireGate(g.RequestID) })
	b.gates.add(g)
	metrics.PendingGates.Set(float64(b.gates.len()))

	b.jobs.MarkPaused(frame.JobID)
	b.emitLocked(event.MustNew(event.TypeNeedsContext, frame.JobID, event.ContextRequestPayload{
		RequestID:      frame.RequestID,
		Question:       frame.Question,
		ContextType:    frame.ContextType,
		TimeoutSeconds: int(timeout.Seconds()),
		RequestedAt:    timefmt.Format(now),
	}))
	slog.Info("context gate opened", "job_id", frame.JobID, "request_id", frame.RequestID)
}

// --- Scheduler ---

// SubmitParams describes a job submission.
type SubmitParams struct {
	UserID            string
	SessionID         string
	TaskPrompt        string
	Description       string
	PreferredWorker   string
	PolicyProfile     string
	MaxRuntimeMinutes int
	Metadata          map[string]any
	Tags              []string
}

// SubmitJob stores a new queued job, emits job_queued, and attempts
// dispatch. With no idle worker the job stays queued; re-dispatch
// happens on submit, worker connect, and worker idle transitions.
func (b *Bridge) SubmitJob(p SubmitParams) (*job.Job, error) {
	if p.TaskPrompt == "" {
		return nil, fmt.Errorf("task_prompt is required")
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	profileName := p.PolicyProfile
	if profileName == "" {
		profileName = policy.DefaultProfileName
	}
	if policy.Get(profileName) == nil {
		return nil, fmt.Errorf("unknown policy profile %q", profileName)
	}
	maxRuntime := p.MaxRuntimeMinutes
	if maxRuntime <= 0 {
		maxRuntime = b.cfg.MaxRuntimeMinutes
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil, ErrStopped
	}

	j := &job.Job{
		ID:                id.GenerateShort(),
		UserID:            p.UserID,
		SessionID:         p.SessionID,
		TaskPrompt:        p.TaskPrompt,
		Description:       p.Description,
		PolicyProfile:     profileName,
		Status:            job.StatusQueued,
		CreatedAt:         b.nowFn(),
		MaxRuntimeMinutes: maxRuntime,
		Metadata:          p.Metadata,
		Tags:              p.Tags,
	}
	b.jobs.Put(j)
	metrics.ActiveJobs.Inc()

	b.emitLocked(event.MustNew(event.TypeJobQueued, j.ID, event.JobQueuedPayload{
		TaskPrompt:        j.TaskPrompt,
		VMID:              p.PreferredWorker,
		PolicyProfile:     profileName,
		MaxRuntimeMinutes: maxRuntime,
		Metadata:          p.Metadata,
	}))
	slog.Info("job queued", "job_id", j.ID, "user_id", j.UserID)

	if c := b.findIdleWorkerLocked(j.UserID, p.PreferredWorker); c != nil {
		b.startJobLocked(j, c)
	}
	return snapshotJob(j), nil
}

// findIdleWorkerLocked picks a worker for the user: the preferred one
// when online and idle, otherwise the first idle connection in map
// order. Workers never serve jobs of other users.
func (b *Bridge) findIdleWorkerLocked(userID, preferred string) *Conn {
	if preferred != "" {
		if c, ok := b.conns[preferred]; ok && c.UserID == userID && c.status == WorkerOnline && !b.jobs.WorkerBusy(c.InstanceID) {
			return c
		}
	}
	for _, c := range b.conns {
		if c.UserID == userID && c.status == WorkerOnline && !b.jobs.WorkerBusy(c.InstanceID) {
			return c
		}
	}
	return nil
}

// dispatchPassLocked assigns queued jobs of one user to idle workers,
// oldest job first.
func (b *Bridge) dispatchPassLocked(userID string) {
	for _, j := range b.jobs.Queued(userID) {
		c := b.findIdleWorkerLocked(userID, "")
		if c == nil {
			return
		}
		b.startJobLocked(j, c)
	}
}

// startJobLocked sends task_start and moves the job to running. A send
// failure evicts the worker and leaves the job queued for the next pass.
func (b *Bridge) startJobLocked(j *job.Job, c *Conn) {
	err := c.Send(TaskStartFrame{
		Type: FrameTaskStart,
		Task: TaskSpec{
			ID:                j.ID,
			Prompt:            j.TaskPrompt,
			Policy:            policy.Get(j.PolicyProfile),
			MaxRuntimeMinutes: j.MaxRuntimeMinutes,
			Steps:             j.Steps,
		},
	})
	if err != nil {
		slog.Warn("task_start send failed, evicting worker",
			"instance_id", c.InstanceID, "job_id", j.ID, "error", err)
		b.disconnectLocked(c, disconnectReason)
		return
	}

	now := b.nowFn()
	b.jobs.MarkRunning(j.ID, c.InstanceID, now)
	c.status = WorkerBusy
	c.currentJobID = j.ID

	deadline := time.Duration(j.MaxRuntimeMinutes) * time.Minute
	jobID := j.ID
	b.jobTimers[jobID] = time.AfterFunc(deadline, func() {
		_ = b.CancelJob(jobID, "timeout", "system")
	})

	b.emitLocked(event.MustNew(event.TypeJobStarted, j.ID, event.JobStartedPayload{
		VMID:      c.InstanceID,
		StartedAt: timefmt.Format(*j.StartedAt),
	}))
	slog.Info("job started", "job_id", j.ID, "instance_id", c.InstanceID)
}

// CancelJob cancels an in-flight job. The reason "timeout" yields the
// timeout terminal status instead of cancelled. Idempotent: cancelling
// an already-terminal job is a no-op.
func (b *Bridge) CancelJob(jobID, reason, cancelledBy string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs.Get(jobID)
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return nil
	}
	if !j.IsActive() {
		return ErrNotActive
	}

	// Fire-and-forget cancel to the assigned worker.
	if j.VMID != "" {
		if c, online := b.conns[j.VMID]; online {
			if err := c.Send(TaskCancelFrame{Type: FrameTaskCancel, TaskID: jobID, Reason: reason}); err != nil {
				slog.Warn("task_cancel send failed", "job_id", jobID, "error", err)
			}
			if c.currentJobID == jobID {
				c.currentJobID = ""
				c.status = WorkerOnline
			}
		}
	}

	final := job.StatusCancelled
	if reason == "timeout" {
		final = job.StatusTimeout
	}
	b.terminateLocked(j, final)

	b.emitLocked(event.MustNew(event.TypeJobCancelled, jobID, event.JobCancelledPayload{
		CancelledBy:     cancelledBy,
		Reason:          reason,
		DurationSeconds: j.DurationSeconds(),
	}))
	slog.Info("job cancelled", "job_id", jobID, "reason", reason, "cancelled_by", cancelledBy)

	// The assigned worker, if any, is idle again.
	b.dispatchPassLocked(j.UserID)
	return nil
}

// terminateLocked performs the bookkeeping shared by every terminal
// transition: store transition, deadline timer, outstanding gates, and
// job metrics.
func (b *Bridge) terminateLocked(j *job.Job, final job.Status) {
	if !b.jobs.MarkTerminal(j.ID, final, b.nowFn()) {
		return
	}
	if t, ok := b.jobTimers[j.ID]; ok {
		t.Stop()
		delete(b.jobTimers, j.ID)
	}
	// Outstanding gates die with the job.
	if removed := b.gates.removeByJob(j.ID); len(removed) > 0 {
		metrics.PendingGates.Set(float64(b.gates.len()))
	}
	metrics.ActiveJobs.Dec()
	metrics.JobsTotal.WithLabelValues(string(final)).Inc()
}

// --- Pending gates ---

// SubmitApprovalResponse resolves an approval gate: forwards the verdict
// to the paused worker, emits approval_granted or approval_denied, and
// deletes the gate. jobID must be the job the gate belongs to; a gate
// addressed through any other job reads as not-found.
func (b *Bridge) SubmitApprovalResponse(jobID, requestID string, approved bool, reason string) error {
	return b.resolveGate(jobID, requestID, GateApproval, func(g *Gate, c *Conn) (event.Event, error) {
		if c != nil {
			if err := c.Send(ApprovalResponseFrame{
				Type:      FrameApprovalResponse,
				RequestID: requestID,
				Approved:  approved,
				Reason:    reason,
			}); err != nil {
				slog.Warn("approval_response send failed", "request_id", requestID, "error", err)
			}
		}
		typ := event.TypeApprovalDenied
		if approved {
			typ = event.TypeApprovalGranted
		}
		return event.MustNew(typ, g.JobID, event.ApprovalResponsePayload{
			RequestID:   requestID,
			ToolCallID:  g.ToolCallID,
			Approved:    approved,
			Reason:      reason,
			RespondedAt: timefmt.Format(b.nowFn()),
			RespondedBy: "user",
		}), nil
	})
}

// SubmitContextResponse resolves a context gate. jobID scopes the lookup
// the same way it does for approvals.
func (b *Bridge) SubmitContextResponse(jobID, requestID, response string, attachments []json.RawMessage) error {
	return b.resolveGate(jobID, requestID, GateContext, func(g *Gate, c *Conn) (event.Event, error) {
		if c != nil {
			if err := c.Send(ContextResponseFrame{
				Type:        FrameContextResponse,
				RequestID:   requestID,
				Response:    response,
				Attachments: attachments,
			}); err != nil {
				slog.Warn("context_response send failed", "request_id", requestID, "error", err)
			}
		}
		return event.MustNew(event.TypeContextProvided, g.JobID, event.ContextProvidedPayload{
			RequestID:   requestID,
			Response:    response,
			Attachments: attachments,
			ProvidedAt:  timefmt.Format(b.nowFn()),
		}), nil
	})
}

// resolveGate removes a pending gate, locates the paused worker, builds
// the response event via fn, emits it, and resumes the job. The gate
// must belong to the job the caller addressed, not merely match the
// request id.
func (b *Bridge) resolveGate(jobID, requestID, kind string, fn func(*Gate, *Conn) (event.Event, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.gates.get(requestID)
	if !ok || g.Kind != kind || g.JobID != jobID {
		return ErrNotFound
	}
	b.gates.remove(requestID)
	metrics.PendingGates.Set(float64(b.gates.len()))

	var c *Conn
	if j, exists := b.jobs.Get(g.JobID); exists && j.VMID != "" {
		c = b.conns[j.VMID]
	}

	ev, err := fn(g, c)
	if err != nil {
		return err
	}
	b.emitLocked(ev)
	b.jobs.MarkResumed(g.JobID)
	return nil
}

// expireGate fires when a gate reaches timeout_at with no response. An
// approval gate resolves to an implicit denial; a context gate resolves
// to a synthetic empty response. The job is never failed on gate
// timeout.
func (b *Bridge) expireGate(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g := b.gates.remove(requestID)
	if g == nil {
		return
	}
	metrics.PendingGates.Set(float64(b.gates.len()))

	var c *Conn
	if j, exists := b.jobs.Get(g.JobID); exists && j.VMID != "" {
		c = b.conns[j.VMID]
	}

	now := timefmt.Format(b.nowFn())
	switch g.Kind {
	case GateApproval:
		if c != nil {
			if err := c.Send(ApprovalResponseFrame{
				Type:      FrameApprovalResponse,
				RequestID: requestID,
				Approved:  false,
				Reason:    "timeout",
			}); err != nil {
				slog.Warn("approval timeout send failed", "request_id", requestID, "error", err)
			}
		}
		b.emitLocked(event.MustNew(event.TypeApprovalDenied, g.JobID, event.ApprovalResponsePayload{
			RequestID:   requestID,
			ToolCallID:  g.ToolCallID,
			Approved:    false,
			Reason:      "timeout",
			RespondedAt: now,
			RespondedBy: "policy",
		}))
	case GateContext:
		if c != nil {
			if err := c.Send(ContextResponseFrame{
				Type:      FrameContextResponse,
				RequestID: requestID,
				Response:  "",
			}); err != nil {
				slog.Warn("context timeout send failed", "request_id", requestID, "error", err)
			}
		}
		b.emitLocked(event.MustNew(event.TypeContextProvided, g.JobID, event.ContextProvidedPayload{
			RequestID:  requestID,
			Response:   "",
			ProvidedAt: now,
		}))
	}
	b.jobs.MarkResumed(g.JobID)
	slog.Info("gate timed out", "request_id", requestID, "kind", g.Kind, "job_id", g.JobID)
}

// --- Subscriptions and reads ---

// Subscribe registers a client channel for a job's events and returns
// the subscriber together with a job snapshot taken atomically with the
// subscription, so replayed state never races delivered events.
func (b *Bridge) Subscribe(jobID string) (*Subscriber, *job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs.Get(jobID)
	if !ok {
		return nil, nil, ErrNotFound
	}
	return b.subs.add(jobID), snapshotJob(j), nil
}

// Unsubscribe removes a subscriber and closes its channel. Idempotent.
func (b *Bridge) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs.remove(s)
}

// GetJob returns a snapshot of the job.
func (b *Bridge) GetJob(jobID string) (*job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs.Get(jobID)
	if !ok {
		return nil, ErrNotFound
	}
	return snapshotJob(j), nil
}

// ListJobs returns snapshots of the user's jobs.
func (b *Bridge) ListJobs(userID string) []*job.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	jobs := b.jobs.ListByUser(userID)
	out := make([]*job.Job, len(jobs))
	for i, j := range jobs {
		out[i] = snapshotJob(j)
	}
	return out
}

// ConnInfo is a point-in-time view of one worker connection.
type ConnInfo struct {
	InstanceID    string
	UserID        string
	Status        string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	CurrentJobID  string
}

// ConnectionInfo returns the live connection state for an instance.
func (b *Bridge) ConnectionInfo(instanceID string) (ConnInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[instanceID]
	if !ok {
		return ConnInfo{}, false
	}
	return ConnInfo{
		InstanceID:    c.InstanceID,
		UserID:        c.UserID,
		Status:        c.status,
		ConnectedAt:   c.ConnectedAt,
		LastHeartbeat: c.lastHeartbeat,
		CurrentJobID:  c.currentJobID,
	}, true
}

// --- Event fan-out and persistence ---

// emitLocked broadcasts to subscribers and enqueues for the durable
// sink. The enqueue blocks when the queue is full: fan-out is lossy,
// persistence is not.
func (b *Bridge) emitLocked(ev event.Event) {
	metrics.EventsBroadcastTotal.Inc()
	b.subs.broadcast(ev)
	if b.running {
		b.persistCh <- ev
	}
}

func (b *Bridge) persistLoop() {
	defer b.persistWg.Done()
	for ev := range b.persistCh {
		if err := b.sink.Persist(context.Background(), ev); err != nil {
			slog.Error("persist event failed",
				"job_id", ev.JobID, "type", ev.Type, "error", err)
			continue
		}
		metrics.EventsPersistedTotal.Inc()
	}
}

// --- Background loops ---

func (b *Bridge) heartbeatLoop() {
	defer b.loopWg.Done()
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.pingAll()
		}
	}
}

// pingAll sends heartbeats outside the bridge lock; a failed send is an
// immediate disconnect.
func (b *Bridge) pingAll() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		if err := c.Ping(); err != nil {
			slog.Warn("heartbeat send failed", "instance_id", c.InstanceID, "error", err)
			b.Disconnect(c, disconnectReason)
		}
	}
}

func (b *Bridge) reapLoop() {
	defer b.loopWg.Done()
	ticker := time.NewTicker(b.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.reapOnce()
		}
	}
}

// reapOnce evicts connections whose heartbeat is stale, failing their
// jobs through the same path as an abrupt disconnect.
func (b *Bridge) reapOnce() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	for _, c := range b.conns {
		if c.aliveAt(now, b.cfg.HeartbeatTimeout) {
			continue
		}
		slog.Warn("reaping dead worker",
			"instance_id", c.InstanceID,
			"last_heartbeat", c.lastHeartbeat)
		b.disconnectLocked(c, disconnectReason)
	}
}

// --- Helpers ---

func stepProgress(j *job.Job) (completed, total int) {
	for _, s := range j.Steps {
		if s.Status == "completed" {
			completed++
		}
	}
	return completed, len(j.Steps)
}

// snapshotJob copies a job so callers can read it outside the lock.
func snapshotJob(j *job.Job) *job.Job {
	cp := *j
	if j.Steps != nil {
		cp.Steps = append([]job.Step(nil), j.Steps...)
	}
	if j.Artifacts != nil {
		cp.Artifacts = append([]json.RawMessage(nil), j.Artifacts...)
	}
	if j.Tags != nil {
		cp.Tags = append([]string(nil), j.Tags...)
	}
	return &cp
}
