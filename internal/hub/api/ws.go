package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/taskbridge/taskbridge/internal/hub/auth"
	"github.com/taskbridge/taskbridge/internal/hub/bridge"
	"github.com/taskbridge/taskbridge/internal/metrics"
)

// WebSocket close codes.
const (
	wsCloseUnauthorized     = 4001
	wsCloseInvalidRequest   = 4002
	wsClosePermissionDenied = 4003
)

// Subprotocols spoken on the two channels.
const (
	workerSubprotocol = "taskbridge.worker.v1"
	watchSubprotocol  = "taskbridge.watch.v1"
)

const handshakeTimeout = 10 * time.Second

// workerSocket serves the worker phone-home channel.
//
// Protocol:
//  1. Worker opens WebSocket at /ws/vm/{instance_id}.
//  2. Worker sends {type: "auth", token, user_id} as a text frame.
//  3. Hub replies {type: "connected"} and starts streaming frames both
//     ways until either side disconnects.
func (h *Handler) workerSocket() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		instanceID := r.PathValue("id")

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{workerSubprotocol},
		})
		if err != nil {
			slog.Debug("ws/vm: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		metrics.WSConnectionsActive.Inc()
		defer metrics.WSConnectionsActive.Dec()

		ctx := r.Context()

		// The worker must authenticate within the handshake window.
		handshakeCtx, handshakeCancel := context.WithTimeout(ctx, handshakeTimeout)
		defer handshakeCancel()

		typ, data, err := conn.Read(handshakeCtx)
		if err != nil {
			slog.Debug("ws/vm: read auth frame failed", "instance_id", instanceID, "error", err)
			return
		}
		if typ != websocket.MessageText {
			_ = conn.Close(websocket.StatusCode(wsCloseInvalidRequest), "expected text frame for auth")
			return
		}

		var authFrame bridge.AuthFrame
		if err := json.Unmarshal(data, &authFrame); err != nil || authFrame.Type != bridge.FrameAuth {
			_ = conn.Close(websocket.StatusCode(wsCloseInvalidRequest), "expected auth frame")
			return
		}

		inst, err := auth.AuthenticateInstance(handshakeCtx, h.store, instanceID, authFrame.Token)
		if err != nil {
			_ = conn.Close(websocket.StatusCode(wsCloseUnauthorized), "unauthorized")
			return
		}
		if authFrame.UserID != "" && authFrame.UserID != inst.UserID {
			_ = conn.Close(websocket.StatusCode(wsCloseUnauthorized), "unauthorized")
			return
		}
		handshakeCancel()

		c := bridge.NewConn(instanceID, inst.UserID, conn)
		if err := h.bridge.Accept(c); err != nil {
			_ = conn.Close(websocket.StatusGoingAway, "hub is shutting down")
			return
		}
		_ = h.store.UpdateInstanceStatus(ctx, instanceID, "online")
		_ = h.store.UpdateInstanceLastSeen(ctx, instanceID)

		// Read loop. Every inbound frame goes through the protocol
		// handler; exit means disconnect.
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				break
			}
			if typ != websocket.MessageText {
				continue
			}
			metrics.WSMessagesTotal.Inc()
			h.bridge.HandleFrame(c, data)
		}

		h.bridge.Disconnect(c, "VM disconnected unexpectedly")
		// r.Context is done at this point; give the status write its own
		// deadline.
		offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.store.UpdateInstanceStatus(offCtx, instanceID, "offline")
		_ = h.store.UpdateInstanceLastSeen(offCtx, instanceID)
	})
}

// clientSocket serves the client watch channel for one job.
//
// Protocol:
//  1. Client opens WebSocket at /ws/tasks/{job_id} with the X-User-ID
//     header set.
//  2. Hub sends {type: "initial_state", job}.
//  3. Hub streams {type: "event", event} frames; {type: "ping"} from
//     the client is answered with {type: "pong"}.
func (h *Handler) clientSocket() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jobID := r.PathValue("id")
		user := auth.GetUser(r.Context())

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{watchSubprotocol},
		})
		if err != nil {
			slog.Debug("ws/tasks: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		metrics.WSConnectionsActive.Inc()
		defer metrics.WSConnectionsActive.Dec()

		if user == nil {
			_ = conn.Close(websocket.StatusCode(wsCloseUnauthorized), "missing X-User-ID header")
			return
		}

		sub, snapshot, err := h.bridge.Subscribe(jobID)
		if err != nil {
			_ = conn.Close(websocket.StatusCode(wsClosePermissionDenied), "job not found")
			return
		}
		defer h.bridge.Unsubscribe(sub)

		if snapshot.UserID != user.ID {
			_ = conn.Close(websocket.StatusCode(wsClosePermissionDenied), "job not found")
			return
		}

		ctx := r.Context()
		write := func(v any) error {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return err
			}
			metrics.WSMessagesTotal.Inc()
			return nil
		}

		if err := write(bridge.InitialStateFrame{Type: bridge.FrameInitialState, Job: snapshot}); err != nil {
			return
		}

		// Reader goroutine: forwards pings, signals disconnect.
		pings := make(chan struct{}, 4)
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var head struct {
					Type string `json:"type"`
				}
				if json.Unmarshal(data, &head) == nil && head.Type == bridge.FrameClientPing {
					select {
					case pings <- struct{}{}:
					default:
					}
				}
			}
		}()

		for {
			select {
			case ev, ok := <-sub.C():
				if !ok {
					// Dropped as a slow subscriber.
					_ = conn.Close(websocket.StatusGoingAway, "subscriber buffer overflow")
					return
				}
				if err := write(bridge.ClientEventFrame{Type: bridge.FrameClientEvent, Event: ev}); err != nil {
					return
				}
			case <-pings:
				if err := write(bridge.ClientPongFrame{Type: bridge.FrameClientPong}); err != nil {
					return
				}
			case <-readDone:
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			case <-ctx.Done():
				return
			}
		}
	})
}
