package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskbridge/taskbridge/internal/hub/auth"
	"github.com/taskbridge/taskbridge/internal/hub/bridge"
	"github.com/taskbridge/taskbridge/internal/hub/config"
	"github.com/taskbridge/taskbridge/internal/hub/db"
	"github.com/taskbridge/taskbridge/internal/hub/job"
	"github.com/taskbridge/taskbridge/internal/hub/sink"
	"github.com/taskbridge/taskbridge/internal/util/testutil"
)

type testAPI struct {
	t      *testing.T
	srv    *httptest.Server
	bridge *bridge.Bridge
	store  *db.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	store := db.New(sqlDB)
	events := sink.NewSQLite(store)

	cfg := &config.Config{
		Addr:              ":0",
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		ReapInterval:      30 * time.Second,
		ApprovalTimeout:   300 * time.Second,
		ContextTimeout:    600 * time.Second,
		SubscriberBuffer:  16,
		MaxRuntimeMinutes: 30,
	}
	b := bridge.New(cfg, job.NewStore(), events)
	b.Start()
	t.Cleanup(b.Stop)

	mux := http.NewServeMux()
	New(b, store, events).Register(mux)
	srv := httptest.NewServer(auth.HTTPMiddleware(mux))
	t.Cleanup(srv.Close)

	return &testAPI{t: t, srv: srv, bridge: b, store: store}
}

func (a *testAPI) request(method, path, userID string, body any) *http.Response {
	a.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(a.t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(a.t, err)
	return resp
}

func decodeMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func decodeList(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// apiWorker is a worker connection attached straight to the scheduler,
// bypassing the websocket layer.
type apiWorker struct {
	conn   *bridge.Conn
	mu     sync.Mutex
	frames [][]byte
}

func (a *testAPI) connectWorker(instanceID, userID string) *apiWorker {
	a.t.Helper()
	w := &apiWorker{}
	w.conn = bridge.NewConn(instanceID, userID, nil)
	w.conn.SendFn = func(data []byte) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.frames = append(w.frames, append([]byte(nil), data...))
		return nil
	}
	require.NoError(a.t, a.bridge.Accept(w.conn))
	return w
}

func (w *apiWorker) sentTypes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, data := range w.frames {
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(data, &head)
		out = append(out, head.Type)
	}
	return out
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t)

	for _, path := range []string{"/api/tasks", "/api/instances"} {
		resp := a.request(http.MethodGet, path, "", nil)
		body := decodeMap(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Contains(t, body["error"], "X-User-ID")
	}
}

func TestInstanceLifecycle(t *testing.T) {
	a := newTestAPI(t)

	resp := a.request(http.MethodPost, "/api/instances", "alice", map[string]any{
		"name": "builder-1", "vm_type": "firecracker",
	})
	created := decodeMap(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	instID, _ := created["instance_id"].(string)
	token, _ := created["auth_token"].(string)
	require.NotEmpty(t, instID)
	require.Len(t, token, 48)
	assert.Equal(t, "/ws/vm/"+instID, created["websocket_url"])

	resp = a.request(http.MethodGet, "/api/instances", "alice", nil)
	list := decodeList(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)
	assert.Equal(t, instID, list[0]["instance_id"])
	assert.Equal(t, "offline", list[0]["status"])

	// Foreign users cannot see the instance.
	resp = a.request(http.MethodGet, "/api/instances/"+instID, "mallory", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = a.request(http.MethodGet, "/api/instances/"+instID, "alice", nil)
	got := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "builder-1", got["name"])

	resp = a.request(http.MethodGet, "/api/instances/"+instID+"/bridge-config", "alice", nil)
	bridgeCfg := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/ws/vm/"+instID, bridgeCfg["bridge_url"])
	assert.Equal(t, "websocket", bridgeCfg["connection_type"])
	assert.NotContains(t, bridgeCfg, "auth_token")

	resp = a.request(http.MethodDelete, "/api/instances/"+instID, "alice", nil)
	deleted := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "deleted", deleted["status"])

	resp = a.request(http.MethodGet, "/api/instances/"+instID, "alice", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateInstance_RejectsInvalidName(t *testing.T) {
	a := newTestAPI(t)

	resp := a.request(http.MethodPost, "/api/instances", "alice", map[string]any{
		"name": "///",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInstance_LiveStateOverridesPersisted(t *testing.T) {
	a := newTestAPI(t)

	resp := a.request(http.MethodPost, "/api/instances", "alice", map[string]any{"name": "w"})
	created := decodeMap(t, resp)
	instID := created["instance_id"].(string)

	a.connectWorker(instID, "alice")

	resp = a.request(http.MethodGet, "/api/instances/"+instID, "alice", nil)
	got := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "online", got["status"])
	assert.NotEmpty(t, got["last_seen_at"])
}

func TestCreateTask_QueuedWithoutWorker(t *testing.T) {
	a := newTestAPI(t)

	resp := a.request(http.MethodPost, "/api/tasks", "alice", map[string]any{
		"task_prompt": "# Deploy the staging site",
	})
	created := decodeMap(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	j := created["job"].(map[string]any)
	jobID := j["id"].(string)
	assert.Equal(t, "queued", j["status"])
	assert.Equal(t, "Deploy the staging site", j["description"])
	assert.Equal(t, "/ws/tasks/"+jobID, created["websocket_url"])

	resp = a.request(http.MethodGet, "/api/tasks/"+jobID, "alice", nil)
	got := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", got["status"])
}

func TestCreateTask_PromptTooLong(t *testing.T) {
	a := newTestAPI(t)

	resp := a.request(http.MethodPost, "/api/tasks", "alice", map[string]any{
		"task_prompt": strings.Repeat("x", 10001),
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateTask_UnknownPolicy(t *testing.T) {
	a := newTestAPI(t)

	resp := a.request(http.MethodPost, "/api/tasks", "alice", map[string]any{
		"task_prompt":    "do something",
		"policy_profile": "yolo",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTaskDispatchAndCancel(t *testing.T) {
	a := newTestAPI(t)
	w := a.connectWorker("vm-1", "alice")

	resp := a.request(http.MethodPost, "/api/tasks", "alice", map[string]any{
		"task_prompt": "run the nightly build",
		"vm_id":       "vm-1",
	})
	created := decodeMap(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	j := created["job"].(map[string]any)
	jobID := j["id"].(string)
	assert.Equal(t, "running", j["status"])
	assert.Equal(t, "vm-1", j["vm_id"])
	assert.Contains(t, w.sentTypes(), "task_start")

	resp = a.request(http.MethodPost, "/api/tasks/"+jobID+"/cancel", "alice", map[string]any{
		"reason": "changed my mind",
	})
	cancelled := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelledJob := cancelled["job"].(map[string]any)
	assert.Equal(t, "cancelled", cancelledJob["status"])
	assert.Contains(t, w.sentTypes(), "task_cancel")

	// Cancel is idempotent on terminal jobs.
	resp = a.request(http.MethodPost, "/api/tasks/"+jobID+"/cancel", "alice", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTaskOwnership(t *testing.T) {
	a := newTestAPI(t)

	resp := a.request(http.MethodPost, "/api/tasks", "alice", map[string]any{
		"task_prompt": "private task",
	})
	created := decodeMap(t, resp)
	jobID := created["job"].(map[string]any)["id"].(string)

	for _, path := range []string{
		"/api/tasks/" + jobID,
		"/api/tasks/" + jobID + "/events",
		"/api/tasks/" + jobID + "/artifacts",
	} {
		resp := a.request(http.MethodGet, path, "mallory", nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp = a.request(http.MethodPost, "/api/tasks/"+jobID+"/cancel", "mallory", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListTasks_Filter(t *testing.T) {
	a := newTestAPI(t)
	a.connectWorker("vm-1", "alice")

	resp := a.request(http.MethodPost, "/api/tasks", "alice", map[string]any{"task_prompt": "first"})
	resp.Body.Close()
	resp = a.request(http.MethodPost, "/api/tasks", "alice", map[string]any{"task_prompt": "second"})
	resp.Body.Close()

	resp = a.request(http.MethodGet, "/api/tasks", "alice", nil)
	all := decodeList(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, all, 2)

	resp = a.request(http.MethodGet, "/api/tasks?status=queued", "alice", nil)
	queued := decodeList(t, resp)
	assert.Len(t, queued, 1)

	resp = a.request(http.MethodGet, "/api/tasks?limit=1", "alice", nil)
	limited := decodeList(t, resp)
	assert.Len(t, limited, 1)

	resp = a.request(http.MethodGet, "/api/tasks", "mallory", nil)
	foreign := decodeList(t, resp)
	assert.Empty(t, foreign)
}

func TestApprovalEndpoint(t *testing.T) {
	a := newTestAPI(t)
	w := a.connectWorker("vm-1", "alice")

	resp := a.request(http.MethodPost, "/api/tasks", "alice", map[string]any{
		"task_prompt": "install packages",
	})
	created := decodeMap(t, resp)
	jobID := created["job"].(map[string]any)["id"].(string)

	frame := fmt.Sprintf(`{"type":"needs_approval","job_id":%q,"request_id":"req-1","tool_name":"bash","tool_call_id":"tc-1","action_description":"apt install","risk_level":"high"}`, jobID)
	a.bridge.HandleFrame(w.conn, []byte(frame))

	resp = a.request(http.MethodGet, "/api/tasks/"+jobID, "alice", nil)
	paused := decodeMap(t, resp)
	assert.Equal(t, "paused", paused["status"])

	resp = a.request(http.MethodPost, "/api/tasks/"+jobID+"/approve", "alice", map[string]any{
		"request_id": "req-1",
		"approved":   true,
	})
	approved := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, approved["approved"])
	assert.Contains(t, w.sentTypes(), "approval_response")

	resp = a.request(http.MethodGet, "/api/tasks/"+jobID, "alice", nil)
	resumed := decodeMap(t, resp)
	assert.Equal(t, "running", resumed["status"])

	// Unknown request id after resolution.
	resp = a.request(http.MethodPost, "/api/tasks/"+jobID+"/approve", "alice", map[string]any{
		"request_id": "req-1", "approved": true,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApproval_MissingRequestID(t *testing.T) {
	a := newTestAPI(t)

	resp := a.request(http.MethodPost, "/api/tasks", "alice", map[string]any{"task_prompt": "t"})
	created := decodeMap(t, resp)
	jobID := created["job"].(map[string]any)["id"].(string)

	resp = a.request(http.MethodPost, "/api/tasks/"+jobID+"/approve", "alice", map[string]any{"approved": true})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApproval_ForeignGateNotResolvable(t *testing.T) {
	a := newTestAPI(t)
	w := a.connectWorker("vm-bob", "bob")

	// Bob's job pauses on an approval gate.
	resp := a.request(http.MethodPost, "/api/tasks", "bob", map[string]any{
		"task_prompt": "rotate credentials",
	})
	created := decodeMap(t, resp)
	bobJob := created["job"].(map[string]any)["id"].(string)

	frame := fmt.Sprintf(`{"type":"needs_approval","job_id":%q,"request_id":"req-bob","tool_name":"bash","risk_level":"high"}`, bobJob)
	a.bridge.HandleFrame(w.conn, []byte(frame))

	// Alice owns a job of her own, so the path ownership check passes,
	// but bob's request id must not resolve through it.
	resp = a.request(http.MethodPost, "/api/tasks", "alice", map[string]any{"task_prompt": "t"})
	created = decodeMap(t, resp)
	aliceJob := created["job"].(map[string]any)["id"].(string)

	resp = a.request(http.MethodPost, "/api/tasks/"+aliceJob+"/approve", "alice", map[string]any{
		"request_id": "req-bob", "approved": true,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotContains(t, w.sentTypes(), "approval_response")

	resp = a.request(http.MethodPost, "/api/tasks/"+aliceJob+"/context", "alice", map[string]any{
		"request_id": "req-bob", "response": "leak",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Bob's gate is untouched and still resolvable by bob.
	resp = a.request(http.MethodGet, "/api/tasks/"+bobJob, "bob", nil)
	paused := decodeMap(t, resp)
	assert.Equal(t, "paused", paused["status"])

	resp = a.request(http.MethodPost, "/api/tasks/"+bobJob+"/approve", "bob", map[string]any{
		"request_id": "req-bob", "approved": true,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestContextEndpoint(t *testing.T) {
	a := newTestAPI(t)
	w := a.connectWorker("vm-1", "alice")

	resp := a.request(http.MethodPost, "/api/tasks", "alice", map[string]any{
		"task_prompt": "book a hotel",
	})
	created := decodeMap(t, resp)
	jobID := created["job"].(map[string]any)["id"].(string)

	frame := fmt.Sprintf(`{"type":"needs_context","job_id":%q,"request_id":"ctx-1","question":"Which dates?","context_type":"clarification"}`, jobID)
	a.bridge.HandleFrame(w.conn, []byte(frame))

	resp = a.request(http.MethodPost, "/api/tasks/"+jobID+"/context", "alice", map[string]any{
		"request_id": "ctx-1",
		"response":   "June 3rd to 7th",
	})
	body := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ctx-1", body["request_id"])
	assert.Contains(t, w.sentTypes(), "context_response")
}

func TestListTaskEvents(t *testing.T) {
	a := newTestAPI(t)

	resp := a.request(http.MethodPost, "/api/tasks", "alice", map[string]any{"task_prompt": "t"})
	created := decodeMap(t, resp)
	jobID := created["job"].(map[string]any)["id"].(string)

	// Persistence is asynchronous.
	testutil.RequireEventually(t, func() bool {
		resp := a.request(http.MethodGet, "/api/tasks/"+jobID+"/events", "alice", nil)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		events := decodeList(t, resp)
		return len(events) >= 1 && events[0]["type"] == "job_queued"
	}, "expected the queued event in durable history")
}

func TestListTaskArtifacts_Empty(t *testing.T) {
	a := newTestAPI(t)

	resp := a.request(http.MethodPost, "/api/tasks", "alice", map[string]any{"task_prompt": "t"})
	created := decodeMap(t, resp)
	jobID := created["job"].(map[string]any)["id"].(string)

	resp = a.request(http.MethodGet, "/api/tasks/"+jobID+"/artifacts", "alice", nil)
	artifacts := decodeList(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, artifacts)
}

// --- WebSocket channels ---

func (a *testAPI) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(a.srv.URL, "http") + path
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestWorkerSocket_EndToEnd(t *testing.T) {
	a := newTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp := a.request(http.MethodPost, "/api/instances", "alice", map[string]any{"name": "w"})
	created := decodeMap(t, resp)
	instID := created["instance_id"].(string)
	token := created["auth_token"].(string)

	conn, _, err := websocket.Dial(ctx, a.wsURL("/ws/vm/"+instID), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	auth := fmt.Sprintf(`{"type":"auth","token":%q,"user_id":"alice"}`, token)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(auth)))

	var welcome bridge.ConnectedFrame
	readFrame(t, ctx, conn, &welcome)
	assert.Equal(t, "connected", welcome.Type)
	assert.Equal(t, instID, welcome.InstanceID)

	// A submitted task is dispatched down this socket.
	resp = a.request(http.MethodPost, "/api/tasks", "alice", map[string]any{
		"task_prompt": "compile the kernel",
		"vm_id":       instID,
	})
	taskResp := decodeMap(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	jobID := taskResp["job"].(map[string]any)["id"].(string)

	var start bridge.TaskStartFrame
	readFrame(t, ctx, conn, &start)
	assert.Equal(t, "task_start", start.Type)
	assert.Equal(t, jobID, start.Task.ID)
	assert.Equal(t, "compile the kernel", start.Task.Prompt)
	require.NotNil(t, start.Task.Policy)

	// Completion over the socket reaches the REST surface.
	done := fmt.Sprintf(`{"type":"task_complete","task_id":%q,"result":{"result":"built"}}`, jobID)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(done)))

	testutil.RequireEventually(t, func() bool {
		resp := a.request(http.MethodGet, "/api/tasks/"+jobID, "alice", nil)
		got := decodeMap(t, resp)
		return got["status"] == "completed"
	}, "expected the job to complete")
}

func TestWorkerSocket_BadToken(t *testing.T) {
	a := newTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp := a.request(http.MethodPost, "/api/instances", "alice", map[string]any{"name": "w"})
	created := decodeMap(t, resp)
	instID := created["instance_id"].(string)

	conn, _, err := websocket.Dial(ctx, a.wsURL("/ws/vm/"+instID), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"auth","token":"wrong"}`)))

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(4001), websocket.CloseStatus(err))
}

func TestClientSocket_Watch(t *testing.T) {
	a := newTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.connectWorker("vm-1", "alice")
	resp := a.request(http.MethodPost, "/api/tasks", "alice", map[string]any{"task_prompt": "watch me"})
	created := decodeMap(t, resp)
	jobID := created["job"].(map[string]any)["id"].(string)

	conn, _, err := websocket.Dial(ctx, a.wsURL("/ws/tasks/"+jobID), &websocket.DialOptions{
		HTTPHeader: http.Header{"X-User-ID": []string{"alice"}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	var initial bridge.InitialStateFrame
	readFrame(t, ctx, conn, &initial)
	assert.Equal(t, "initial_state", initial.Type)
	require.NotNil(t, initial.Job)
	assert.Equal(t, jobID, initial.Job.ID)

	// Ping is answered with pong.
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	var pong bridge.ClientPongFrame
	readFrame(t, ctx, conn, &pong)
	assert.Equal(t, "pong", pong.Type)

	// A state change streams out as an event frame.
	resp = a.request(http.MethodPost, "/api/tasks/"+jobID+"/cancel", "alice", nil)
	resp.Body.Close()

	var ev bridge.ClientEventFrame
	readFrame(t, ctx, conn, &ev)
	assert.Equal(t, "event", ev.Type)
	assert.Equal(t, "job_cancelled", string(ev.Event.Type))
	assert.Equal(t, jobID, ev.Event.JobID)
}

func TestClientSocket_ForeignUserRejected(t *testing.T) {
	a := newTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp := a.request(http.MethodPost, "/api/tasks", "alice", map[string]any{"task_prompt": "secret"})
	created := decodeMap(t, resp)
	jobID := created["job"].(map[string]any)["id"].(string)

	conn, _, err := websocket.Dial(ctx, a.wsURL("/ws/tasks/"+jobID), &websocket.DialOptions{
		HTTPHeader: http.Header{"X-User-ID": []string{"mallory"}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(4003), websocket.CloseStatus(err))
}
