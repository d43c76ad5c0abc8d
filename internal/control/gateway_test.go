package control

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/config"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/events"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/metrics"
)

type result struct {
	resp    core.ApprovalResponse
	err     error
	elapsed time.Duration
}

func request(g *Gateway, ctx context.Context, req core.ApprovalRequest) <-chan result {
	out := make(chan result, 1)
	go func() {
		start := time.Now()
		resp, err := g.RequestApproval(ctx, req)
		out <- result{resp: resp, err: err, elapsed: time.Since(start)}
	}()
	return out
}

func waitPending(t *testing.T, g *Gateway, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(g.Pending()) == n }, time.Second, time.Millisecond)
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("approval request did not resolve")
		return result{}
	}
}

func TestGateway_ProvideResponse(t *testing.T) {
	g := New(DefaultConfig())
	ch := request(g, context.Background(), core.ApprovalRequest{ID: "s1/r1", SessionID: "s1", Kind: core.HITLFinalSummary})
	waitPending(t, g, 1)

	req, ok := g.Get("s1/r1")
	require.True(t, ok)
	assert.Equal(t, core.PolicyAutoReject, req.Policy)
	assert.Equal(t, 5*time.Minute, req.Timeout)

	require.True(t, g.ProvideResponse("s1/r1", core.ApprovalResponse{Approved: true, Text: "ship it"}))
	r := await(t, ch)
	require.NoError(t, r.err)
	assert.True(t, r.resp.Approved)
	assert.Equal(t, "ship it", r.resp.Text)

	assert.False(t, g.ProvideResponse("s1/r1", core.ApprovalResponse{Approved: true}), "already resolved")
	assert.False(t, g.ProvideResponse("nope", core.ApprovalResponse{}), "unknown id")
	assert.Empty(t, g.Pending())
}

func TestGateway_AutoApproveWithinTimeout(t *testing.T) {
	g := New(DefaultConfig())
	const timeout = 50 * time.Millisecond

	r := await(t, request(g, context.Background(), core.ApprovalRequest{
		SessionID: "s1", Kind: core.HITLFinalSummary, Timeout: timeout, Policy: core.PolicyAutoApprove,
	}))
	require.NoError(t, r.err)
	assert.True(t, r.resp.Approved)
	assert.Equal(t, core.ReasonAutoApprovedTimeout, r.resp.Reason)
	assert.GreaterOrEqual(t, r.elapsed, timeout)
	assert.Less(t, r.elapsed, timeout+time.Second)
	assert.Empty(t, g.Pending())
}

func TestGateway_UpdateConfig(t *testing.T) {
	g := New(Config{DefaultTimeout: time.Hour, DefaultPolicy: core.PolicyAutoReject})
	g.UpdateConfig(Config{
		DefaultTimeout: 10 * time.Millisecond,
		DefaultPolicy:  core.PolicyAutoReject,
		Policies:       map[core.HITLKind]core.TimeoutPolicy{core.HITLLowConfidence: core.PolicyAutoApprove},
	})
	assert.Equal(t, 10*time.Millisecond, g.Config().DefaultTimeout)

	r := await(t, request(g, context.Background(), core.ApprovalRequest{SessionID: "s1", Kind: core.HITLLowConfidence}))
	require.NoError(t, r.err)
	assert.True(t, r.resp.TimedOut)
	assert.True(t, r.resp.Approved, "reloaded policy applies to new requests")
	assert.Less(t, r.elapsed, time.Second)
}

func TestGateway_TimeoutPolicies(t *testing.T) {
	tests := []struct {
		policy core.TimeoutPolicy
		check  func(t *testing.T, resp core.ApprovalResponse)
	}{
		{core.PolicyAutoReject, func(t *testing.T, resp core.ApprovalResponse) {
			assert.False(t, resp.Approved)
			assert.Equal(t, core.ReasonAutoRejectedTimeout, resp.Reason)
		}},
		{core.PolicyAutoAbort, func(t *testing.T, resp core.ApprovalResponse) {
			assert.True(t, resp.Abort)
			assert.Equal(t, core.ReasonAutoAbortedTimeout, resp.Reason)
		}},
		{core.PolicyRetry, func(t *testing.T, resp core.ApprovalResponse) {
			assert.True(t, resp.Retry)
			assert.Equal(t, core.ReasonRetryTimeout, resp.Reason)
		}},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			g := New(Config{DefaultTimeout: 10 * time.Millisecond, Policies: map[core.HITLKind]core.TimeoutPolicy{
				core.HITLLowConfidence: tt.policy,
			}})
			r := await(t, request(g, context.Background(), core.ApprovalRequest{SessionID: "s1", Kind: core.HITLLowConfidence}))
			require.NoError(t, r.err)
			assert.True(t, r.resp.TimedOut)
			tt.check(t, r.resp)
		})
	}
}

func TestGateway_ContextCancelAborts(t *testing.T) {
	g := New(Config{DefaultTimeout: time.Hour, DefaultPolicy: core.PolicyAutoApprove})
	ctx, cancel := context.WithCancel(context.Background())
	ch := request(g, ctx, core.ApprovalRequest{SessionID: "s1", Kind: core.HITLLowConfidence})
	waitPending(t, g, 1)

	cancel()
	r := await(t, ch)
	require.NoError(t, r.err)
	assert.True(t, r.resp.Abort)
	assert.False(t, r.resp.Approved)
	assert.Empty(t, g.Pending())
}

func TestGateway_CancelSession(t *testing.T) {
	g := New(Config{DefaultTimeout: time.Hour})
	a := request(g, context.Background(), core.ApprovalRequest{SessionID: "s1", Kind: core.HITLLowConfidence})
	b := request(g, context.Background(), core.ApprovalRequest{SessionID: "s1", Kind: core.HITLFinalSummary})
	other := request(g, context.Background(), core.ApprovalRequest{SessionID: "s2", Kind: core.HITLFinalSummary})
	waitPending(t, g, 3)

	assert.Equal(t, 2, g.CancelSession("s1"))
	for _, ch := range []<-chan result{a, b} {
		r := await(t, ch)
		assert.True(t, r.resp.Abort)
		assert.Equal(t, core.ReasonSessionCancelled, r.resp.Reason)
	}

	pending := g.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "s2", pending[0].SessionID)
	assert.True(t, g.CancelRequest(pending[0].ID))
	r := await(t, other)
	assert.True(t, r.resp.Abort)
	assert.Equal(t, core.ReasonRequestCancelled, r.resp.Reason)
	assert.False(t, g.CancelRequest(pending[0].ID))
}

func TestGateway_ResponseRacesTimeout(t *testing.T) {
	g := New(Config{DefaultTimeout: time.Millisecond, DefaultPolicy: core.PolicyAutoReject})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s1/r%d", i)
			ch := request(g, context.Background(), core.ApprovalRequest{ID: id, SessionID: "s1", Kind: core.HITLFinalSummary})
			g.ProvideResponse(id, core.ApprovalResponse{Approved: true, Reason: "human"})
			r := await(t, ch)
			if r.resp.Approved {
				assert.Equal(t, "human", r.resp.Reason)
			} else {
				assert.Equal(t, core.ReasonAutoRejectedTimeout, r.resp.Reason)
			}
		}(i)
	}
	wg.Wait()
	assert.Empty(t, g.Pending())
}

func TestGateway_PublishesEventAndMetrics(t *testing.T) {
	bus := events.New(10)
	defer bus.Close()
	sub := bus.Subscribe(events.TypeApprovalRequest)
	m := metrics.New()
	g := New(DefaultConfig(), WithEventBus(bus), WithMetrics(m))

	ch := request(g, context.Background(), core.ApprovalRequest{SessionID: "s1", Kind: core.HITLFinalSummary, Content: "summary"})

	var e events.Event
	select {
	case e = <-sub:
	case <-time.After(time.Second):
		t.Fatal("no approval_request event")
	}
	ev := e.(events.ApprovalRequestEvent)
	assert.Equal(t, "s1", ev.SessionID())
	assert.Equal(t, "summary", ev.Content)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PendingHITL))

	require.True(t, g.ProvideResponse(ev.RequestID, core.ApprovalResponse{Approved: false}))
	await(t, ch)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PendingHITL))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Approvals.WithLabelValues("final_summary", "rejected")))
}

func TestGateway_RequiresSession(t *testing.T) {
	_, err := New(DefaultConfig()).RequestApproval(context.Background(), core.ApprovalRequest{})
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestConfigFrom(t *testing.T) {
	cfg, err := ConfigFrom(config.HITLConfig{
		DefaultTimeout: time.Minute,
		DefaultPolicy:  "auto_approve",
		Policies:       map[string]string{"validation_escalation": "AUTO_ABORT"},
	})
	require.NoError(t, err)
	assert.Equal(t, core.PolicyAutoAbort, cfg.PolicyFor(core.HITLValidationEscalation))
	assert.Equal(t, core.PolicyAutoApprove, cfg.PolicyFor(core.HITLFinalSummary))

	_, err = ConfigFrom(config.HITLConfig{DefaultPolicy: "sometimes"})
	assert.Error(t, err)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "approved", Outcome(core.ApprovalResponse{Approved: true}))
	assert.Equal(t, "rejected", Outcome(core.ApprovalResponse{}))
	assert.Equal(t, "aborted", Outcome(core.AbortResponse()))
	assert.Equal(t, "retry", Outcome(core.TimeoutResponse(core.PolicyRetry)))
}

func TestGateway_ConfiguredRejectAfterOneSecond(t *testing.T) {
	cfg, err := ConfigFrom(config.HITLConfig{
		DefaultPolicy:  "AUTO_REJECT",
		DefaultTimeout: time.Second,
	})
	require.NoError(t, err)
	g := New(cfg)

	r := await(t, request(g, context.Background(), core.ApprovalRequest{SessionID: "s1", Kind: core.HITLLowConfidence}))
	require.NoError(t, r.err)
	assert.False(t, r.resp.Approved)
	assert.False(t, r.resp.Abort)
	assert.True(t, r.resp.TimedOut)
	assert.GreaterOrEqual(t, r.elapsed, time.Second)
	assert.Less(t, r.elapsed, 2*time.Second)
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		action string
		want   string
	}{
		{"approve", "approved"},
		{"Y", "approved"},
		{"reject", "rejected"},
		{"no", "rejected"},
		{"abort", "aborted"},
		{" q ", "aborted"},
		{"retry", "retry"},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			resp, err := ParseAction(tt.action, "because", "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, Outcome(resp))
			assert.Equal(t, "because", resp.Reason)
		})
	}

	_, err := ParseAction("maybe", "", "")
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}
