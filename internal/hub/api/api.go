// Package api exposes the hub's HTTP surface: REST endpoints for
// instances and tasks, and the WebSocket channels for workers and
// watching clients.
package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/taskbridge/taskbridge/internal/hub/auth"
	"github.com/taskbridge/taskbridge/internal/hub/bridge"
	"github.com/taskbridge/taskbridge/internal/hub/db"
	"github.com/taskbridge/taskbridge/internal/hub/id"
	"github.com/taskbridge/taskbridge/internal/hub/job"
	"github.com/taskbridge/taskbridge/internal/hub/sink"
	"github.com/taskbridge/taskbridge/internal/hub/validate"
	"github.com/taskbridge/taskbridge/internal/util/timefmt"
)

// Handler serves the hub API. Callers identify themselves with the
// opaque X-User-ID capability header; the handler scopes every read and
// write to that identity.
type Handler struct {
	bridge *bridge.Bridge
	store  *db.Store
	events *sink.SQLite // nil when durable history is disabled
}

// New builds a Handler. events may be nil.
func New(b *bridge.Bridge, store *db.Store, events *sink.SQLite) *Handler {
	return &Handler{bridge: b, store: store, events: events}
}

// Register installs all routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/instances", h.createInstance)
	mux.HandleFunc("GET /api/instances", h.listInstances)
	mux.HandleFunc("GET /api/instances/{id}", h.getInstance)
	mux.HandleFunc("GET /api/instances/{id}/bridge-config", h.getBridgeConfig)
	mux.HandleFunc("DELETE /api/instances/{id}", h.deleteInstance)

	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/approve", h.approveAction)
	mux.HandleFunc("POST /api/tasks/{id}/context", h.provideContext)
	mux.HandleFunc("GET /api/tasks/{id}/events", h.listTaskEvents)
	mux.HandleFunc("GET /api/tasks/{id}/artifacts", h.listTaskArtifacts)

	mux.Handle("GET /ws/vm/{id}", h.workerSocket())
	mux.Handle("GET /ws/tasks/{id}", h.clientSocket())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requireUser resolves the caller identity placed in the context by
// auth.HTTPMiddleware, or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (*auth.UserInfo, bool) {
	u, err := auth.MustGetUser(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return nil, false
	}
	return u, true
}

// bridgeError maps bridge errors onto HTTP statuses.
func bridgeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bridge.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, bridge.ErrNotActive):
		writeError(w, http.StatusConflict, "job not active")
	case errors.Is(err, bridge.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "hub is shutting down")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// --- Instances ---

type createInstanceRequest struct {
	Name   string `json:"name"`
	VMType string `json:"vm_type"`
}

type instanceResponse struct {
	InstanceID   string `json:"instance_id"`
	Name         string `json:"name"`
	VMType       string `json:"vm_type"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	LastSeenAt   string `json:"last_seen_at,omitempty"`
	CurrentJobID string `json:"current_job_id,omitempty"`
}

func (h *Handler) instanceResponse(inst db.Instance) instanceResponse {
	resp := instanceResponse{
		InstanceID: inst.ID,
		Name:       inst.Name,
		VMType:     inst.VMType,
		Status:     "offline",
		CreatedAt:  timefmt.Format(inst.CreatedAt),
	}
	if inst.LastSeenAt.Valid {
		resp.LastSeenAt = timefmt.Format(inst.LastSeenAt.Time)
	}
	// Live connection state wins over the persisted row.
	if info, ok := h.bridge.ConnectionInfo(inst.ID); ok {
		resp.Status = info.Status
		resp.CurrentJobID = info.CurrentJobID
		resp.LastSeenAt = timefmt.Format(info.LastHeartbeat)
	}
	return resp
}

func (h *Handler) createInstance(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name, err := validate.ValidateProperty("name", req.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = name
	if req.VMType != "" {
		req.VMType = validate.SanitizeProperty(req.VMType)
	}

	token, hash, err := auth.IssueToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issue token")
		return
	}
	instID := id.GenerateShort()
	if err := h.store.CreateInstance(r.Context(), db.CreateInstanceParams{
		ID:        instID,
		UserID:    user.ID,
		Name:      req.Name,
		VMType:    req.VMType,
		TokenHash: hash,
	}); err != nil {
		slog.Error("create instance failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create instance")
		return
	}
	slog.Info("instance registered", "instance_id", instID, "user_id", user.ID)

	// The plaintext token is returned exactly once.
	writeJSON(w, http.StatusCreated, map[string]any{
		"instance_id":   instID,
		"auth_token":    token,
		"websocket_url": fmt.Sprintf("/ws/vm/%s", instID),
	})
}

func (h *Handler) listInstances(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	instances, err := h.store.ListInstancesByUserID(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list instances")
		return
	}
	out := make([]instanceResponse, 0, len(instances))
	for _, inst := range instances {
		out = append(out, h.instanceResponse(inst))
	}
	writeJSON(w, http.StatusOK, out)
}

// ownedInstance loads an instance and enforces ownership. Foreign
// instances read as not-found.
func (h *Handler) ownedInstance(w http.ResponseWriter, r *http.Request, user *auth.UserInfo) (db.Instance, bool) {
	inst, err := h.store.GetInstanceByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not found")
		} else {
			writeError(w, http.StatusInternalServerError, "get instance")
		}
		return db.Instance{}, false
	}
	if inst.UserID != user.ID {
		writeError(w, http.StatusNotFound, "not found")
		return db.Instance{}, false
	}
	return inst, true
}

func (h *Handler) getInstance(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	inst, ok := h.ownedInstance(w, r, user)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.instanceResponse(inst))
}

// getBridgeConfig returns what a VM needs to dial the worker channel.
// The auth token is not included: it is only ever returned at
// registration.
func (h *Handler) getBridgeConfig(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	inst, ok := h.ownedInstance(w, r, user)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"instance_id":      inst.ID,
		"bridge_url":       fmt.Sprintf("/ws/vm/%s", inst.ID),
		"connection_type":  "websocket",
		"protocol_version": "1.0",
	})
}

func (h *Handler) deleteInstance(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	inst, ok := h.ownedInstance(w, r, user)
	if !ok {
		return
	}
	h.bridge.DisconnectInstance(inst.ID, "instance unregistered")
	if err := h.store.MarkInstanceDeleted(r.Context(), inst.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "delete instance")
		return
	}
	slog.Info("instance unregistered", "instance_id", inst.ID, "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Tasks ---

type createTaskRequest struct {
	TaskPrompt        string         `json:"task_prompt"`
	SessionID         string         `json:"session_id,omitempty"`
	VMID              string         `json:"vm_id,omitempty"`
	PolicyProfile     string         `json:"policy_profile,omitempty"`
	MaxRuntimeMinutes int            `json:"max_runtime_minutes,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.TaskPrompt) > 10000 {
		writeError(w, http.StatusBadRequest, "task_prompt too long")
		return
	}

	j, err := h.bridge.SubmitJob(bridge.SubmitParams{
		UserID:            user.ID,
		SessionID:         req.SessionID,
		TaskPrompt:        req.TaskPrompt,
		Description:       deriveTaskTitle(req.TaskPrompt),
		PreferredWorker:   req.VMID,
		PolicyProfile:     req.PolicyProfile,
		MaxRuntimeMinutes: req.MaxRuntimeMinutes,
		Metadata:          req.Metadata,
		Tags:              req.Tags,
	})
	if err != nil {
		bridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"job":           j,
		"websocket_url": fmt.Sprintf("/ws/tasks/%s", j.ID),
	})
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	statusFilter := r.URL.Query().Get("status")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	jobs := h.bridge.ListJobs(user.ID)
	out := make([]*job.Job, 0, len(jobs))
	for _, j := range jobs {
		if statusFilter != "" && string(j.Status) != statusFilter {
			continue
		}
		out = append(out, j)
		if len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// ownedJob loads a job and enforces ownership.
func (h *Handler) ownedJob(w http.ResponseWriter, r *http.Request, user *auth.UserInfo) (*job.Job, bool) {
	j, err := h.bridge.GetJob(r.PathValue("id"))
	if err != nil {
		bridgeError(w, err)
		return nil, false
	}
	if j.UserID != user.ID {
		writeError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	return j, true
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	j, ok := h.ownedJob(w, r, user)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type cancelTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	j, ok := h.ownedJob(w, r, user)
	if !ok {
		return
	}
	var req cancelTaskRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "User cancelled"
	}

	if err := h.bridge.CancelJob(j.ID, req.Reason, "user"); err != nil {
		bridgeError(w, err)
		return
	}
	updated, err := h.bridge.GetJob(j.ID)
	if err != nil {
		bridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": updated})
}

type approveRequest struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
}

func (h *Handler) approveAction(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	j, ok := h.ownedJob(w, r, user)
	if !ok {
		return
	}
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RequestID == "" {
		writeError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	// Scoped to the job in the path: a request_id belonging to a
	// different job is not resolvable through this one.
	if err := h.bridge.SubmitApprovalResponse(j.ID, req.RequestID, req.Approved, req.Reason); err != nil {
		bridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": req.RequestID,
		"approved":   req.Approved,
	})
}

type contextRequest struct {
	RequestID   string            `json:"request_id"`
	Response    string            `json:"response"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`
}

func (h *Handler) provideContext(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	j, ok := h.ownedJob(w, r, user)
	if !ok {
		return
	}
	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RequestID == "" {
		writeError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	if err := h.bridge.SubmitContextResponse(j.ID, req.RequestID, req.Response, req.Attachments); err != nil {
		bridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_id": req.RequestID})
}

func (h *Handler) listTaskEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	j, ok := h.ownedJob(w, r, user)
	if !ok {
		return
	}
	if h.events == nil {
		writeError(w, http.StatusNotFound, "event history is disabled")
		return
	}

	afterSeq := int64(0)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		afterSeq, _ = strconv.ParseInt(v, 10, 64)
	}
	limit := int64(200)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.events.History(r.Context(), j.ID, afterSeq, limit)
	if err != nil {
		slog.Error("event history failed", "job_id", j.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "event history")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) listTaskArtifacts(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	j, ok := h.ownedJob(w, r, user)
	if !ok {
		return
	}
	artifacts := j.Artifacts
	if artifacts == nil {
		artifacts = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}
