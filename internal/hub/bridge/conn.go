package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/taskbridge/taskbridge/internal/hub/event"
)

// Worker connection statuses.
const (
	WorkerOnline = "online"
	WorkerBusy   = "busy"
)

const sendTimeout = 10 * time.Second

// Conn owns the send half of one worker channel. Writes are serialized
// by an internal mutex; every other field is guarded by the Bridge lock.
type Conn struct {
	InstanceID  string
	UserID      string
	ConnectedAt time.Time

	// SendFn overrides the websocket write for testing.
	SendFn func(data []byte) error

	sock *websocket.Conn

	mu     sync.Mutex
	closed bool

	// Guarded by the Bridge lock.
	status        string
	lastHeartbeat time.Time
	currentJobID  string
}

// NewConn wraps an accepted websocket as a worker connection.
func NewConn(instanceID, userID string, sock *websocket.Conn) *Conn {
	now := time.Now()
	return &Conn{
		InstanceID:    instanceID,
		UserID:        userID,
		ConnectedAt:   now,
		sock:          sock,
		status:        WorkerOnline,
		lastHeartbeat: now,
	}
}

// Send marshals frame as JSON and writes it as one text frame.
// The mutex serializes writes to prevent interleaved frames.
func (c *Conn) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection closed")
	}
	if c.SendFn != nil {
		return c.SendFn(data)
	}
	if c.sock == nil {
		return fmt.Errorf("socket is nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return c.sock.Write(ctx, websocket.MessageText, data)
}

// SendEvent forwards one event to the worker.
func (c *Conn) SendEvent(ev event.Event) error {
	return c.Send(EventFrame{Type: FrameEvent, Event: ev})
}

// Ping sends a heartbeat frame.
func (c *Conn) Ping() error {
	return c.Send(PingFrame{Type: FramePing})
}

// Close closes the underlying socket. Idempotent.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.sock != nil {
		_ = c.sock.Close(code, reason)
	}
}

// Status returns the connection status. Bridge lock required.
func (c *Conn) Status() string { return c.status }

// CurrentJobID returns the running job id, empty when idle. Bridge lock
// required.
func (c *Conn) CurrentJobID() string { return c.currentJobID }

// LastHeartbeat returns the last frame receipt time. Bridge lock required.
func (c *Conn) LastHeartbeat() time.Time { return c.lastHeartbeat }

// aliveAt reports liveness at the given instant. Bridge lock required.
func (c *Conn) aliveAt(now time.Time, timeout time.Duration) bool {
	if c.status != WorkerOnline && c.status != WorkerBusy {
		return false
	}
	return now.Sub(c.lastHeartbeat) < timeout
}
