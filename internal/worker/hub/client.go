// Package hub implements the worker side of the phone-home channel: it
// dials the hub, authenticates, and executes dispatched tasks.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/taskbridge/taskbridge/internal/hub/bridge"
	"github.com/taskbridge/taskbridge/internal/hub/event"
	"github.com/taskbridge/taskbridge/internal/hub/id"
)

const sendTimeout = 10 * time.Second

// TaskResult is what an executor produces for a completed task.
type TaskResult struct {
	Result    string
	Artifacts []json.RawMessage
}

// Executor runs one task on the worker. Implementations use the session
// to stream events and to pause for approvals or missing context. A
// cancelled ctx means the hub cancelled the task; the executor should
// stop promptly and return.
type Executor interface {
	Execute(ctx context.Context, task bridge.TaskSpec, session *TaskSession) (*TaskResult, error)
}

// Client manages the connection to the Hub.
type Client struct {
	hubURL     string
	instanceID string
	userID     string
	executor   Executor

	// OnDeregister is called when the Hub rejects the worker's
	// credentials. The worker should clear its state and shut down.
	OnDeregister func()

	mu         sync.Mutex
	conn       *websocket.Conn
	pending    map[string]chan json.RawMessage // request_id -> raw response frame
	taskID     string
	taskCancel context.CancelFunc
	taskWg     sync.WaitGroup
}

// New creates a Hub client for a registered instance.
func New(hubURL, instanceID, userID string, exec Executor) *Client {
	return &Client{
		hubURL:     hubURL,
		instanceID: instanceID,
		userID:     userID,
		executor:   exec,
		pending:    make(map[string]chan json.RawMessage),
	}
}

// Stop cancels any running task and waits for it to finish.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.taskCancel != nil {
		c.taskCancel()
	}
	c.mu.Unlock()
	c.taskWg.Wait()
}

// send marshals frame as JSON and writes it as one text frame. The
// mutex serializes writes to prevent interleaved frames.
func (c *Client) send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Connect dials the hub, authenticates, and runs the receive loop. It
// returns when the connection drops or ctx is cancelled.
func (c *Client) Connect(ctx context.Context, authToken string) error {
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("%s/ws/vm/%s", c.hubURL, c.instanceID), nil)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.send(bridge.AuthFrame{
		Type:   bridge.FrameAuth,
		Token:  authToken,
		UserID: c.userID,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	// The hub answers auth with a connected frame.
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	var welcome bridge.ConnectedFrame
	if err := json.Unmarshal(data, &welcome); err != nil || welcome.Type != bridge.FrameConnected {
		return fmt.Errorf("unexpected welcome frame: %s", data)
	}

	slog.Info("connected to hub", "url", c.hubURL, "instance_id", c.instanceID)

	// Main receive loop.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		slog.Warn("undecodable hub frame", "error", err)
		return
	}

	switch head.Type {
	case bridge.FramePing:
		if err := c.send(map[string]string{"type": bridge.FramePong}); err != nil {
			slog.Warn("pong send failed", "error", err)
		}

	case bridge.FrameTaskStart:
		var frame bridge.TaskStartFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("undecodable task_start frame", "error", err)
			return
		}
		c.startTask(ctx, frame.Task)

	case bridge.FrameTaskCancel:
		var frame bridge.TaskCancelFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		c.mu.Lock()
		if c.taskID == frame.TaskID && c.taskCancel != nil {
			slog.Info("task cancelled by hub", "task_id", frame.TaskID, "reason", frame.Reason)
			c.taskCancel()
		}
		c.mu.Unlock()

	case bridge.FrameApprovalResponse, bridge.FrameContextResponse:
		var resp struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.RequestID]
		if ok {
			delete(c.pending, resp.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- append(json.RawMessage(nil), data...)
		} else {
			slog.Warn("response for unknown request", "request_id", resp.RequestID, "type", head.Type)
		}

	default:
		slog.Warn("unhandled hub frame", "type", head.Type)
	}
}

// startTask launches the executor for a dispatched task. One task runs
// at a time; a second task_start while busy is refused.
func (c *Client) startTask(ctx context.Context, task bridge.TaskSpec) {
	c.mu.Lock()
	if c.taskCancel != nil {
		c.mu.Unlock()
		slog.Warn("task_start while busy, refusing", "task_id", task.ID)
		_ = c.send(bridge.TaskFailedFrame{
			Type:         bridge.FrameTaskFailed,
			TaskID:       task.ID,
			ErrorMessage: "worker is busy",
			ErrorCode:    "busy",
		})
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	c.taskID = task.ID
	c.taskCancel = cancel
	c.taskWg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.taskWg.Done()
		defer func() {
			c.mu.Lock()
			c.taskID = ""
			c.taskCancel = nil
			c.mu.Unlock()
			cancel()
		}()
		c.runTask(taskCtx, task)
	}()
}

func (c *Client) runTask(ctx context.Context, task bridge.TaskSpec) {
	slog.Info("task started", "task_id", task.ID)
	session := &TaskSession{client: c, taskID: task.ID}
	session.Emit(event.TypeTaskStarted, map[string]string{"task_id": task.ID})

	result, err := c.executor.Execute(ctx, task, session)
	if ctx.Err() != nil {
		// Cancelled by the hub; it already moved the job to a terminal
		// state, so a completion frame would be dropped anyway.
		return
	}
	if err != nil {
		slog.Warn("task failed", "task_id", task.ID, "error", err)
		_ = c.send(bridge.TaskFailedFrame{
			Type:         bridge.FrameTaskFailed,
			TaskID:       task.ID,
			ErrorMessage: err.Error(),
		})
		return
	}
	if result == nil {
		result = &TaskResult{}
	}
	slog.Info("task completed", "task_id", task.ID)
	_ = c.send(bridge.TaskCompleteFrame{
		Type:   bridge.FrameTaskComplete,
		TaskID: task.ID,
		Result: bridge.TaskResult{
			Result:    result.Result,
			Artifacts: result.Artifacts,
		},
	})
}

// connectFn is a function that establishes a connection to the Hub.
// Used for dependency injection in tests.
type connectFn func(ctx context.Context, authToken string) error

// ConnectWithReconnect wraps Connect with automatic reconnection using
// exponential backoff. Starts at 1s, doubles up to 60s, resets on
// successful connection lasting longer than resetThreshold.
func (c *Client) ConnectWithReconnect(ctx context.Context, authToken string) {
	c.connectWithReconnect(ctx, authToken, c.Connect, newDefaultBackoff(), resetThreshold)
}

func (c *Client) connectWithReconnect(ctx context.Context, authToken string, connect connectFn, bo backoff.BackOff, threshold time.Duration) {
	for {
		start := time.Now()
		err := connect(ctx, authToken)
		if ctx.Err() != nil {
			return
		}

		// A credentials rejection means the instance was unregistered.
		// Don't retry — call OnDeregister and exit.
		if isUnauthorized(err) {
			slog.Warn("authentication rejected by hub, instance may be unregistered", "error", err)
			if c.OnDeregister != nil {
				c.OnDeregister()
			}
			return
		}

		// If connection lasted long enough, reset backoff.
		if time.Since(start) >= threshold {
			bo.Reset()
		}

		interval := bo.NextBackOff()
		slog.Warn("disconnected from hub, reconnecting...", "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// isUnauthorized checks for the hub's unauthorized close code.
func isUnauthorized(err error) bool {
	return err != nil && websocket.CloseStatus(err) == websocket.StatusCode(4001)
}

// TaskSession is handed to the executor for one task. Its methods
// stream events to the hub and block on human gates.
type TaskSession struct {
	client *Client
	taskID string
}

// Emit sends one event to the hub. Failures are logged and dropped;
// event delivery is best effort while the task itself is not.
func (s *TaskSession) Emit(t event.Type, payload any) {
	ev, err := event.New(t, s.taskID, payload)
	if err != nil {
		slog.Warn("marshal event payload", "type", t, "error", err)
		return
	}
	if err := s.client.send(bridge.EventFrame{Type: bridge.FrameEvent, Event: ev}); err != nil {
		slog.Warn("emit event failed", "type", t, "error", err)
	}
}

// Log emits a log event.
func (s *TaskSession) Log(level, message string) {
	s.Emit(event.TypeLog, map[string]string{"level": level, "message": message})
}

// ApprovalRequest describes a risky action the executor wants to take.
type ApprovalRequest struct {
	ToolName          string
	ToolCallID        string
	ActionDescription string
	RiskLevel         string
	Parameters        json.RawMessage
}

// RequestApproval pauses the task on an approval gate and blocks until
// a human (or the hub's timeout policy) responds.
func (s *TaskSession) RequestApproval(ctx context.Context, req ApprovalRequest) (*bridge.ApprovalResponseFrame, error) {
	requestID := id.GenerateShort()
	ch := s.client.register(requestID)
	defer s.client.unregister(requestID)

	if err := s.client.send(bridge.NeedsApprovalFrame{
		Type:              bridge.FrameNeedsApproval,
		JobID:             s.taskID,
		RequestID:         requestID,
		ToolName:          req.ToolName,
		ToolCallID:        req.ToolCallID,
		ActionDescription: req.ActionDescription,
		RiskLevel:         req.RiskLevel,
		Parameters:        req.Parameters,
	}); err != nil {
		return nil, fmt.Errorf("send needs_approval: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-ch:
		var resp bridge.ApprovalResponseFrame
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decode approval response: %w", err)
		}
		return &resp, nil
	}
}

// RequestContext pauses the task on a context gate and blocks until a
// human answers (or the hub times the gate out with an empty response).
func (s *TaskSession) RequestContext(ctx context.Context, question, contextType string) (*bridge.ContextResponseFrame, error) {
	requestID := id.GenerateShort()
	ch := s.client.register(requestID)
	defer s.client.unregister(requestID)

	if err := s.client.send(bridge.NeedsContextFrame{
		Type:        bridge.FrameNeedsContext,
		JobID:       s.taskID,
		RequestID:   requestID,
		Question:    question,
		ContextType: contextType,
	}); err != nil {
		return nil, fmt.Errorf("send needs_context: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-ch:
		var resp bridge.ContextResponseFrame
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decode context response: %w", err)
		}
		return &resp, nil
	}
}

func (c *Client) register(requestID string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unregister(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}
