package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.RecordDecision("research", "plan")
	m.RecordDecision("research", "plan")
	m.RecordOverride("safety")
	m.RecordDivergence("iteration ceiling")
	m.RecordValidation("passed")
	m.ObserveWorkerCall("codesmith", 20*time.Millisecond, nil)
	m.ObserveWorkerCall("codesmith", 10*time.Millisecond, errors.New("x"))
	m.RecordWorkerRestart("codesmith")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("research", "plan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleOverrides.WithLabelValues("safety")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Divergences.WithLabelValues("iteration ceiling")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Validations.WithLabelValues("passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerCalls.WithLabelValues("codesmith", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerCalls.WithLabelValues("codesmith", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerRestarts.WithLabelValues("codesmith")))
}

func TestMetrics_Gauges(t *testing.T) {
	m := New()

	m.ApprovalRequested()
	m.ApprovalRequested()
	m.ApprovalResolved("final_summary", "approved")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PendingHITL))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Approvals.WithLabelValues("final_summary", "approved")))

	m.SessionStarted()
	m.SessionFinished("completed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions.WithLabelValues("completed")))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDecision("a", "b")
		m.RecordOverride("r")
		m.ObserveWorkerCall("a", time.Second, nil)
		m.ApprovalRequested()
		m.ApprovalResolved("k", "o")
		m.SessionStarted()
		m.SessionFinished("completed")
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordDecision("validator", "rule")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `autoagent_decisions_total{role="validator",source="rule"} 1`))
}
