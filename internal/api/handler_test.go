package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/teamexec/internal/billing"
	"github.com/nidhogg/teamexec/internal/bus"
	"github.com/nidhogg/teamexec/internal/contextstore"
	"github.com/nidhogg/teamexec/internal/engine"
	"github.com/nidhogg/teamexec/internal/execution"
	"github.com/nidhogg/teamexec/internal/metrics"
	"github.com/nidhogg/teamexec/internal/notify"
	"github.com/nidhogg/teamexec/internal/orchestrator"
	"github.com/nidhogg/teamexec/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// echoBackend finishes every run immediately with "<agent>: <input>", except
// for agents listed in hang.
type echoBackend struct {
	mu   sync.Mutex
	hang map[string]bool
	runs map[string]*engine.RunRequest
}

func (b *echoBackend) ExecuteAgent(_ context.Context, req *engine.RunRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := fmt.Sprintf("run-%d", len(b.runs))
	b.runs[id] = req
	return id, nil
}

func (b *echoBackend) GetRunStatus(_ context.Context, handle string) (*engine.RunState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hang[b.runs[handle].AgentID] {
		return &engine.RunState{Status: engine.RunRunning}, nil
	}
	return &engine.RunState{Status: engine.RunCompleted}, nil
}

func (b *echoBackend) GetRunResult(_ context.Context, handle string) (*engine.RunResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req := b.runs[handle]
	return &engine.RunResult{
		Output: req.AgentID + ": " + req.Input,
		Usage:  execution.UsageMetrics{ModelName: "gpt-4o", TokensInput: 100, TokensOutput: 50},
	}, nil
}

func (b *echoBackend) StopRun(context.Context, string) error { return nil }

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testServer struct {
	*httptest.Server
	repo *store.Memory
	orch *orchestrator.Orchestrator
}

func newTestServer(t *testing.T, limits billing.Limits, hang ...string) *testServer {
	t.Helper()
	logger := zap.NewNop()
	repo := store.NewMemory()
	backend := &echoBackend{hang: map[string]bool{}, runs: map[string]*engine.RunRequest{}}
	for _, a := range hang {
		backend.hang[a] = true
	}
	ctxStore := contextstore.NewMemory()
	b := bus.New(bus.NewMemoryBackend(), logger)
	m := metrics.New()

	eng := engine.New(backend, ctxStore, b, repo, engine.Config{PollInterval: 2 * time.Millisecond}, logger)
	guard := billing.NewGuard(repo, nil, limits, logger)
	orch := orchestrator.New(repo, eng, backend, guard, orchestrator.Config{StopTimeout: time.Second}, logger).WithMetrics(m)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	h := NewHandler(orch, guard, ctxStore, b, Options{Metrics: m}, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, repo: repo, orch: orch}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

var sequentialTeam = map[string]interface{}{
	"name":      "writers",
	"agent_ids": []string{"outline", "draft"},
	"workflow": map[string]interface{}{
		"type": "sequential",
		"agents": []map[string]interface{}{
			{"agent_id": "outline", "role": "leader", "execution_order": 1, "input": map[string]string{"type": "initial_prompt"}},
			{"agent_id": "draft", "role": "member", "execution_order": 2, "input": map[string]string{"type": "agent_result", "agent_id": "outline"}},
		},
	},
}

func (ts *testServer) createTeam(t *testing.T, user string, body interface{}) string {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/teams", user, body)
	expectStatus(t, resp, http.StatusCreated)
	var created struct {
		ID string `json:"id"`
	}
	decodeJSON(t, resp, &created)
	require.NotEmpty(t, created.ID)
	return created.ID
}

func (ts *testServer) start(t *testing.T, user, teamID string) string {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/teams/"+teamID+"/executions", user, map[string]string{"prompt": "tides"})
	expectStatus(t, resp, http.StatusAccepted)
	var e execution.Execution
	decodeJSON(t, resp, &e)
	assert.Equal(t, execution.StatusPending, e.Status)
	return e.ID
}

func (ts *testServer) waitStatus(t *testing.T, execID string, want execution.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		e, err := ts.repo.GetExecution(context.Background(), execID)
		return err == nil && e.Status == want
	}, 3*time.Second, 5*time.Millisecond)
}

// waitDone blocks until the execution finished and its metrics were collected.
func (ts *testServer) waitDone(t *testing.T, execID string) {
	t.Helper()
	ts.waitStatus(t, execID, execution.StatusCompleted)
	require.Eventually(t, func() bool { return len(ts.orch.Running()) == 0 }, 3*time.Second, 5*time.Millisecond)
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, billing.DefaultLimits())

	resp := ts.do(t, http.MethodGet, "/api/health", "", nil)
	expectStatus(t, resp, http.StatusOK)
	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "teamexec", body["service"])
}

func TestHealthCheckDegraded(t *testing.T) {
	logger := zap.NewNop()
	repo := store.NewMemory()
	eng := engine.New(&echoBackend{}, contextstore.NewMemory(), bus.New(bus.NewMemoryBackend(), logger), repo, engine.Config{}, logger)
	guard := billing.NewGuard(repo, nil, billing.DefaultLimits(), logger)
	orch := orchestrator.New(repo, eng, &echoBackend{}, guard, orchestrator.Config{}, logger)
	h := NewHandler(orch, guard, contextstore.NewMemory(), nil, Options{Health: map[string]Pinger{"postgres": downPinger{}}}, logger)

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

type namedSink string

func (n namedSink) Name() string { return string(n) }

func (namedSink) Publish(context.Context, notify.Event) error { return nil }

func (namedSink) Close() error { return nil }

func TestHealthCheckListsNotifiers(t *testing.T) {
	logger := zap.NewNop()
	repo := store.NewMemory()
	eng := engine.New(&echoBackend{}, contextstore.NewMemory(), bus.New(bus.NewMemoryBackend(), logger), repo, engine.Config{}, logger)
	guard := billing.NewGuard(repo, nil, billing.DefaultLimits(), logger)
	orch := orchestrator.New(repo, eng, &echoBackend{}, guard, orchestrator.Config{}, logger)
	fanout := notify.NewFanout(logger)
	fanout.Register(namedSink("slack"))
	fanout.Register(namedSink("redis"))
	h := NewHandler(orch, guard, contextstore.NewMemory(), nil, Options{Notifier: fanout}, logger)

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Notifiers []string `json:"notifiers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"redis", "slack"}, body.Notifiers)
}

func TestRequiresUserHeader(t *testing.T) {
	ts := newTestServer(t, billing.DefaultLimits())
	resp := ts.do(t, http.MethodGet, "/api/teams", "", nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestTeamLifecycle(t *testing.T) {
	ts := newTestServer(t, billing.DefaultLimits())
	id := ts.createTeam(t, "alice", sequentialTeam)

	resp := ts.do(t, http.MethodGet, "/api/teams", "alice", nil)
	expectStatus(t, resp, http.StatusOK)
	var teams []map[string]interface{}
	decodeJSON(t, resp, &teams)
	assert.Len(t, teams, 1)

	resp = ts.do(t, http.MethodGet, "/api/teams/"+id, "bob", nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/api/teams/nope", "alice", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	bad := map[string]interface{}{
		"name":      "broken",
		"agent_ids": []string{"a"},
		"workflow": map[string]interface{}{
			"type":   "round_robin",
			"agents": []map[string]interface{}{{"agent_id": "a", "role": "leader", "input": map[string]string{"type": "initial_prompt"}}},
		},
	}
	resp = ts.do(t, http.MethodPost, "/api/teams", "alice", bad)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestExecutionLifecycle(t *testing.T) {
	ts := newTestServer(t, billing.DefaultLimits())
	teamID := ts.createTeam(t, "alice", sequentialTeam)
	execID := ts.start(t, "alice", teamID)
	ts.waitDone(t, execID)

	resp := ts.do(t, http.MethodGet, "/api/executions/"+execID+"/status", "alice", nil)
	expectStatus(t, resp, http.StatusOK)
	var st orchestrator.Status
	decodeJSON(t, resp, &st)
	assert.Equal(t, 2, st.TotalSteps)
	assert.ElementsMatch(t, []string{"outline", "draft"}, st.CompletedAgents)

	resp = ts.do(t, http.MethodGet, "/api/executions/"+execID+"/result", "alice", nil)
	expectStatus(t, resp, http.StatusOK)
	var res orchestrator.Result
	decodeJSON(t, resp, &res)
	assert.Equal(t, "draft: outline: tides", res.FinalResult)
	assert.Len(t, res.Agents, 2)

	resp = ts.do(t, http.MethodPost, "/api/executions/"+execID+"/stop", "alice", nil)
	expectStatus(t, resp, http.StatusOK)
	var stop map[string]bool
	decodeJSON(t, resp, &stop)
	assert.False(t, stop["stopped"])

	resp = ts.do(t, http.MethodGet, "/api/executions?team_id="+teamID, "alice", nil)
	expectStatus(t, resp, http.StatusOK)
	var list []execution.Execution
	decodeJSON(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, execID, list[0].ID)

	resp = ts.do(t, http.MethodGet, "/api/executions/"+execID, "mallory", nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/api/executions/unknown", "alice", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/api/usage", "alice", nil)
	expectStatus(t, resp, http.StatusOK)
	var usage map[string]interface{}
	decodeJSON(t, resp, &usage)
	assert.EqualValues(t, 200, usage["tokens_input"])
}

func TestStartRequiresPrompt(t *testing.T) {
	ts := newTestServer(t, billing.DefaultLimits())
	teamID := ts.createTeam(t, "alice", sequentialTeam)
	resp := ts.do(t, http.MethodPost, "/api/teams/"+teamID+"/executions", "alice", map[string]string{})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestRunningExecution(t *testing.T) {
	ts := newTestServer(t, billing.Limits{MaxConcurrent: 1, MonthlyBudgetUSD: billing.DefaultLimits().MonthlyBudgetUSD}, "outline")
	teamID := ts.createTeam(t, "alice", sequentialTeam)
	execID := ts.start(t, "alice", teamID)
	ts.waitStatus(t, execID, execution.StatusRunning)

	resp := ts.do(t, http.MethodGet, "/api/executions/"+execID+"/result", "alice", nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/teams/"+teamID+"/executions", "alice", map[string]string{"prompt": "again"})
	expectStatus(t, resp, http.StatusTooManyRequests)
	resp.Body.Close()

	resp = ts.do(t, http.MethodDelete, "/api/executions/"+execID+"/shared", "alice", nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/executions/"+execID+"/stop", "alice", nil)
	expectStatus(t, resp, http.StatusOK)
	var stop map[string]bool
	decodeJSON(t, resp, &stop)
	assert.True(t, stop["stopped"])

	resp = ts.do(t, http.MethodGet, "/api/executions/"+execID+"/result", "alice", nil)
	expectStatus(t, resp, http.StatusOK)
	var res orchestrator.Result
	decodeJSON(t, resp, &res)
	assert.Equal(t, execution.StatusCancelled, res.Status)
	assert.Equal(t, execution.CancelledByUser, res.Error)
}

func TestSharedContextRoutes(t *testing.T) {
	ts := newTestServer(t, billing.DefaultLimits())
	teamID := ts.createTeam(t, "alice", sequentialTeam)
	execID := ts.start(t, "alice", teamID)
	ts.waitDone(t, execID)
	base := "/api/executions/" + execID

	resp := ts.do(t, http.MethodPut, base+"/context/tone", "alice", map[string]interface{}{
		"value": map[string]string{"style": "formal"}, "writer_agent_id": "draft",
	})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, base+"/context/tone", "alice", nil)
	expectStatus(t, resp, http.StatusOK)
	var entry contextstore.Entry
	decodeJSON(t, resp, &entry)
	assert.Equal(t, "draft", entry.LastWriter)
	assert.JSONEq(t, `{"style":"formal"}`, string(entry.Value))

	resp = ts.do(t, http.MethodGet, base+"/context", "alice", nil)
	expectStatus(t, resp, http.StatusOK)
	var vars map[string]contextstore.Entry
	decodeJSON(t, resp, &vars)
	assert.Contains(t, vars, "tone")
	assert.Contains(t, vars, contextstore.ResultKey("outline"))

	resp = ts.do(t, http.MethodDelete, base+"/context/tone", "alice", nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()
	resp = ts.do(t, http.MethodGet, base+"/context/tone", "alice", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, base+"/context-messages", "alice", map[string]string{
		"agent_id": "draft", "message_type": "note", "content": "needs sources",
	})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, base+"/context-messages?type=note&limit=5", "alice", nil)
	expectStatus(t, resp, http.StatusOK)
	var msgs []contextstore.Message
	decodeJSON(t, resp, &msgs)
	require.Len(t, msgs, 1)
	assert.Equal(t, "needs sources", msgs[0].Content)
}

func TestMessageBusRoutes(t *testing.T) {
	ts := newTestServer(t, billing.DefaultLimits())
	teamID := ts.createTeam(t, "alice", sequentialTeam)
	execID := ts.start(t, "alice", teamID)
	ts.waitDone(t, execID)
	base := "/api/executions/" + execID

	resp := ts.do(t, http.MethodPost, base+"/messages", "alice", map[string]string{
		"from_agent_id": "outline", "type": "hint", "content": "keep it short",
	})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, base+"/agents/draft/inbox?type=hint", "alice", nil)
	expectStatus(t, resp, http.StatusOK)
	var inbox []bus.Message
	decodeJSON(t, resp, &inbox)
	require.Len(t, inbox, 1)
	assert.Equal(t, "keep it short", inbox[0].Content)

	start := time.Now()
	resp = ts.do(t, http.MethodPost, base+"/requests", "alice", map[string]interface{}{
		"from_agent_id": "draft", "to_agent_id": "outline", "type": "question", "content": "length?", "timeout_seconds": 0.1,
	})
	expectStatus(t, resp, http.StatusGatewayTimeout)
	resp.Body.Close()
	assert.Less(t, time.Since(start), 2*time.Second)

	replied := make(chan error, 1)
	go func() { replied <- answer(ts.URL+base, "outline", "words?", "500") }()

	resp = ts.do(t, http.MethodPost, base+"/requests", "alice", map[string]interface{}{
		"from_agent_id": "draft", "to_agent_id": "outline", "type": "question", "content": "words?", "timeout_seconds": 2,
	})
	expectStatus(t, resp, http.StatusOK)
	var reply bus.Message
	decodeJSON(t, resp, &reply)
	assert.Equal(t, "500", reply.Content)
	require.NoError(t, <-replied)

	resp = ts.do(t, http.MethodPost, base+"/messages/missing/reply", "alice", map[string]string{"from_agent_id": "outline"})
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = ts.do(t, http.MethodDelete, base+"/shared", "alice", nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, base+"/agents/draft/inbox", "alice", nil)
	expectStatus(t, resp, http.StatusOK)
	inbox = nil
	decodeJSON(t, resp, &inbox)
	assert.Empty(t, inbox)
}

// answer polls agentID's inbox for a request with the given content and
// replies to it.
func answer(base, agentID, content, reply string) error {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequest(http.MethodGet, base+"/agents/"+agentID+"/inbox", nil)
		req.Header.Set(UserHeader, "alice")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		var inbox []bus.Message
		err = json.NewDecoder(resp.Body).Decode(&inbox)
		resp.Body.Close()
		if err != nil {
			return err
		}
		for _, m := range inbox {
			if !m.IsRequest || m.Content != content {
				continue
			}
			body, _ := json.Marshal(map[string]string{"from_agent_id": agentID, "content": reply})
			req, _ := http.NewRequest(http.MethodPost, base+"/messages/"+m.ID+"/reply", bytes.NewReader(body))
			req.Header.Set(UserHeader, "alice")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				return fmt.Errorf("reply: status %d", resp.StatusCode)
			}
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return errors.New("request never arrived")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, billing.DefaultLimits())
	teamID := ts.createTeam(t, "alice", sequentialTeam)
	execID := ts.start(t, "alice", teamID)
	ts.waitDone(t, execID)

	resp := ts.do(t, http.MethodGet, "/metrics", "", nil)
	expectStatus(t, resp, http.StatusOK)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "teamexec_executions_started_total 1"))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", orchestrator.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("x: %w", store.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", orchestrator.ErrNotFinished), http.StatusConflict},
		{fmt.Errorf("x: %w", billing.ErrQuotaExceeded), http.StatusTooManyRequests},
		{&bus.TimeoutError{RequestID: "r", Timeout: time.Second}, http.StatusGatewayTimeout},
		{badRequest(errors.New("bad json")), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
