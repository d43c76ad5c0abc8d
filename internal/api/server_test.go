package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/control"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/diagnostics"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/events"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/metrics"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/service"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/testutil"
)

type fixture struct {
	server  *Server
	engine  *service.Engine
	gateway *control.Gateway
	store   *testutil.MemoryStore
	bus     *events.EventBus
}

// newFixture wires a real engine whose final summary waits for a human.
func newFixture(t *testing.T, opts ...ServerOption) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := events.New(256)
	t.Cleanup(bus.Close)

	workers := testutil.NewMockWorkers()
	workers.Get(core.RoleArchitect).WithReplies(testutil.Reply{Result: core.WorkerResult{
		Content: "architecture written", Artifacts: []core.ArtifactRef{testutil.Doc("ARCHITECTURE.md")},
	}})
	workers.Get(core.RoleCodesmith).WithReplies(testutil.Reply{Result: core.WorkerResult{
		Content: "implemented", Artifacts: []core.ArtifactRef{testutil.Code("main.go")},
	}})
	workers.Get(core.RoleValidator).WithReplies(testutil.Reply{Result: core.WorkerResult{
		Content: "ok", Score: testutil.Score(0.95),
	}})

	gateway := control.New(control.Config{
		DefaultTimeout: 10 * time.Second,
		DefaultPolicy:  core.PolicyAutoReject,
		Policies:       map[core.HITLKind]core.TimeoutPolicy{core.HITLFinalSummary: core.PolicyAutoReject},
	}, control.WithEventBus(bus))
	store := testutil.NewMemoryStore()
	engine := service.NewEngine(workers, gateway,
		service.WithEvents(bus),
		service.WithConversationStore(store),
	)

	base := []ServerOption{WithBaseContext(ctx), WithConversationStore(store)}
	srv := NewServer(engine, gateway, bus, append(base, opts...)...)
	return &fixture{server: srv, engine: engine, gateway: gateway, store: store, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) start(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/sessions", StartSessionRequest{
		Query:     "build a cli",
		Workspace: t.TempDir(),
		Plan: []service.PlanStep{
			{Role: "architect", Task: "design it"},
			{Role: "codesmith", Task: "write it"},
			{Role: "validator", Task: "check it"},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out["session_id"])
	assert.Equal(t, "/api/v1/sessions/"+out["session_id"], rec.Header().Get("Location"))
	return out["session_id"]
}

func (f *fixture) pendingFor(t *testing.T, sessionID string) core.ApprovalRequest {
	t.Helper()
	var req core.ApprovalRequest
	require.Eventually(t, func() bool {
		for _, p := range f.gateway.Pending() {
			if p.SessionID == sessionID {
				req = p
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	return req
}

func (f *fixture) status(t *testing.T, id string) core.SessionStatus {
	t.Helper()
	rec := f.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st core.WorkflowState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st.Status
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

type healthFunc func() diagnostics.PreflightResult

func (h healthFunc) Run(context.Context) diagnostics.PreflightResult { return h() }

func TestServer_HealthDegraded(t *testing.T) {
	f := newFixture(t, WithHealthChecker(healthFunc(func() diagnostics.PreflightResult {
		return diagnostics.PreflightResult{OK: false, Errors: []string{"insufficient free memory"}}
	})))
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient free memory")
}

func TestServer_Metrics(t *testing.T) {
	m := metrics.New()
	m.SessionStarted()
	f := newFixture(t, WithMetricsHandler(m.Handler()))
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "autoagent_")

	assert.Equal(t, http.StatusNotFound, newFixture(t).do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestServer_SessionLifecycleWithApproval(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	pending := f.pendingFor(t, id)
	assert.Equal(t, core.HITLFinalSummary, pending.Kind)
	assert.Equal(t, core.SessionRunning, f.status(t, id))

	rec := f.do(t, http.MethodGet, "/api/v1/approvals?session="+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []core.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, pending.ID, listed[0].ID)

	path := "/api/v1/approvals/" + url.PathEscape(pending.ID)
	rec = f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, path, ApprovalAnswer{Action: "approve", Reason: "looks right"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"approved"`)

	final, err := f.engine.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, core.SessionCompleted, final.Status)
	assert.Equal(t, core.SessionCompleted, f.status(t, id))

	// The request is gone once answered.
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, path, ApprovalAnswer{Action: "approve"}).Code)

	rec = f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/messages?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs SessionMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, core.MessageAssistant, msgs.Messages[0].Role)
	assert.Greater(t, msgs.Stats.TotalMessages, 1)

	rec = f.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []service.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].ID)
}

func TestServer_CancelSession(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	f.pendingFor(t, id)

	rec := f.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	final, err := f.engine.Wait(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, core.SessionAborted, final.Status)

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_RejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"empty query", http.MethodPost, "/api/v1/sessions", StartSessionRequest{Query: "  "}, http.StatusUnprocessableEntity},
		{"unplannable role", http.MethodPost, "/api/v1/sessions", StartSessionRequest{
			Query: "q", Plan: []service.PlanStep{{Role: "hitl", Task: "ask"}},
		}, http.StatusUnprocessableEntity},
		{"unknown session", http.MethodGet, "/api/v1/sessions/nope", nil, http.StatusNotFound},
		{"cancel unknown", http.MethodDelete, "/api/v1/sessions/nope", nil, http.StatusNotFound},
		{"resume without checkpoints", http.MethodPost, "/api/v1/sessions/nope/resume", nil, http.StatusConflict},
		{"unknown approval", http.MethodGet, "/api/v1/approvals/nope", nil, http.StatusNotFound},
		{"bad action", http.MethodPost, "/api/v1/approvals/nope", ApprovalAnswer{Action: "maybe"}, http.StatusUnprocessableEntity},
		{"negative limit", http.MethodGet, "/api/v1/sessions/x/messages?limit=-1", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SSEFiltersBySession(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?session=s1&types=status", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "":
				return name, data
			}
		}
	}

	name, _ := readEvent()
	require.Equal(t, "connected", name)

	f.bus.Publish(events.NewStatusEvent("other", "running", 0, "ignored"))
	f.bus.Publish(events.NewErrorEvent("s1", "ignored", "state", true))
	f.bus.Publish(events.NewStatusEvent("s1", "running", 2, "hello"))

	name, data := readEvent()
	assert.Equal(t, events.TypeStatus, name)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	assert.Equal(t, "s1", payload["session_id"])
	assert.Equal(t, "hello", payload["message"])
	assert.EqualValues(t, 2, payload["iteration"])
}
