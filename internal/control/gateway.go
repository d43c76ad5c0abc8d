// Package control implements the human-in-the-loop approval gateway.
//
// A session asking for approval blocks in RequestApproval until a human
// answers through ProvideResponse, the request's timeout fires, or the
// session is cancelled. Each pending request owns a buffered channel keyed
// by its id; whoever removes the id from the map is the only one allowed to
// send on that channel.
package control

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/config"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/events"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/logging"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/metrics"
)

// Config sets how unanswered requests resolve.
type Config struct {
	DefaultTimeout time.Duration
	DefaultPolicy  core.TimeoutPolicy
	Policies       map[core.HITLKind]core.TimeoutPolicy
}

// DefaultConfig returns a five minute timeout that rejects.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 5 * time.Minute,
		DefaultPolicy:  core.PolicyAutoReject,
	}
}

// ConfigFrom converts the hitl config section.
func ConfigFrom(c config.HITLConfig) (Config, error) {
	out := Config{DefaultTimeout: c.DefaultTimeout, DefaultPolicy: core.PolicyAutoReject}
	if c.DefaultPolicy != "" {
		p, err := core.ParseTimeoutPolicy(c.DefaultPolicy)
		if err != nil {
			return Config{}, fmt.Errorf("hitl.default_policy: %w", err)
		}
		out.DefaultPolicy = p
	}
	if len(c.Policies) > 0 {
		out.Policies = make(map[core.HITLKind]core.TimeoutPolicy, len(c.Policies))
		for kind, raw := range c.Policies {
			p, err := core.ParseTimeoutPolicy(raw)
			if err != nil {
				return Config{}, fmt.Errorf("hitl.policies.%s: %w", kind, err)
			}
			out.Policies[core.HITLKind(strings.ToLower(kind))] = p
		}
	}
	return out, nil
}

// PolicyFor returns the timeout policy for a request kind.
func (c Config) PolicyFor(kind core.HITLKind) core.TimeoutPolicy {
	if p, ok := c.Policies[kind]; ok {
		return p
	}
	if c.DefaultPolicy == "" {
		return core.PolicyAutoReject
	}
	return c.DefaultPolicy
}

type pendingRequest struct {
	req core.ApprovalRequest
	ch  chan core.ApprovalResponse
}

// Gateway tracks pending approval requests across sessions.
type Gateway struct {
	cfg     Config
	bus     *events.EventBus
	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithEventBus publishes an approval_request event for every request.
func WithEventBus(bus *events.EventBus) Option {
	return func(g *Gateway) { g.bus = bus }
}

// WithMetrics records request outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger sets the gateway logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates a gateway.
func New(cfg Config, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		logger:  logging.NewNop(),
		now:     time.Now,
		pending: make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the gateway's timeout configuration.
func (g *Gateway) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// UpdateConfig replaces the timeout configuration. Requests already pending
// keep the timeout and policy they were issued with.
func (g *Gateway) UpdateConfig(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	g.logger.Info("approval config updated", "default_timeout", cfg.DefaultTimeout, "default_policy", cfg.DefaultPolicy)
}

// RequestApproval blocks until req is answered, times out, or ctx ends.
// Missing id, timeout and policy are filled in from the gateway config; the
// request is never left pending when this returns.
func (g *Gateway) RequestApproval(ctx context.Context, req core.ApprovalRequest) (core.ApprovalResponse, error) {
	if req.SessionID == "" {
		return core.ApprovalResponse{}, core.ErrValidation(core.CodeInvalidConfig, "approval request needs a session id")
	}
	if req.ID == "" {
		req.ID = req.SessionID + "/" + uuid.NewString()
	}
	cfg := g.Config()
	if req.Timeout <= 0 {
		req.Timeout = cfg.DefaultTimeout
	}
	if req.Policy == "" {
		req.Policy = cfg.PolicyFor(req.Kind)
	}
	req.CreatedAt = g.now()

	p := &pendingRequest{req: req, ch: make(chan core.ApprovalResponse, 1)}
	g.mu.Lock()
	if _, exists := g.pending[req.ID]; exists {
		g.mu.Unlock()
		return core.ApprovalResponse{}, core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("approval request %s already pending", req.ID))
	}
	g.pending[req.ID] = p
	g.mu.Unlock()

	logger := g.logger.WithSession(req.SessionID).With("request_id", req.ID, "kind", req.Kind)
	logger.Info("approval requested", "timeout", req.Timeout, "policy", req.Policy)
	g.metrics.ApprovalRequested()
	if g.bus != nil {
		g.bus.Publish(events.NewApprovalRequestEvent(req.SessionID, req.ID, string(req.Kind), req.Content, req.Timeout, string(req.Policy)))
	}

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var resp core.ApprovalResponse
	select {
	case resp = <-p.ch:
	case <-timeout:
		if g.take(req.ID) != nil {
			resp = core.TimeoutResponse(req.Policy)
			logger.Warn("approval timed out", "resolution", resp.Reason)
		} else {
			resp = <-p.ch
		}
	case <-ctx.Done():
		if g.take(req.ID) != nil {
			resp = core.AbortResponse()
		} else {
			resp = <-p.ch
		}
	}

	g.metrics.ApprovalResolved(string(req.Kind), Outcome(resp))
	logger.Info("approval resolved", "outcome", Outcome(resp), "reason", resp.Reason)
	return resp, nil
}

// ProvideResponse resolves a pending request. It reports false, and logs a
// warning, when id is unknown or already resolved.
func (g *Gateway) ProvideResponse(id string, resp core.ApprovalResponse) bool {
	p := g.take(id)
	if p == nil {
		g.logger.Warn("approval response for unknown request", "request_id", id)
		return false
	}
	p.ch <- resp
	return true
}

// CancelRequest aborts one pending request.
func (g *Gateway) CancelRequest(id string) bool {
	p := g.take(id)
	if p == nil {
		return false
	}
	resp := core.AbortResponse()
	resp.Reason = core.ReasonRequestCancelled
	p.ch <- resp
	return true
}

// CancelSession aborts every pending request of a session and returns how
// many were cancelled.
func (g *Gateway) CancelSession(sessionID string) int {
	prefix := sessionID + "/"
	g.mu.Lock()
	var taken []*pendingRequest
	for id, p := range g.pending {
		if p.req.SessionID == sessionID || strings.HasPrefix(id, prefix) {
			taken = append(taken, p)
			delete(g.pending, id)
		}
	}
	g.mu.Unlock()

	for _, p := range taken {
		p.ch <- core.AbortResponse()
	}
	return len(taken)
}

// Pending lists outstanding requests, oldest first.
func (g *Gateway) Pending() []core.ApprovalRequest {
	g.mu.Lock()
	out := make([]core.ApprovalRequest, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns a pending request by id.
func (g *Gateway) Get(id string) (core.ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok {
		return core.ApprovalRequest{}, false
	}
	return p.req, true
}

// take removes id from the pending map. Only the caller that gets a non-nil
// result may send on its channel.
func (g *Gateway) take(id string) *pendingRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok {
		return nil
	}
	delete(g.pending, id)
	return p
}

// Outcome names a response for logs and metrics.
func Outcome(resp core.ApprovalResponse) string {
	switch {
	case resp.Abort:
		return "aborted"
	case resp.Retry:
		return "retry"
	case resp.Approved:
		return "approved"
	default:
		return "rejected"
	}
}

// Actions a human can answer an approval request with.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionAbort   = "abort"
	ActionRetry   = "retry"
)

// ParseAction builds a response from a human answer. Single-letter and
// yes/no forms are accepted.
func ParseAction(action, reason, text string) (core.ApprovalResponse, error) {
	resp := core.ApprovalResponse{Reason: reason, Text: text}
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionApprove, "a", "y", "yes":
		resp.Approved = true
	case ActionReject, "r", "n", "no":
	case ActionAbort, "q", "quit":
		resp.Abort = true
	case ActionRetry:
		resp.Retry = true
	default:
		return core.ApprovalResponse{}, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("unknown approval action %q", action))
	}
	return resp, nil
}
