// Package natsbridge forwards session events from the in-process bus to NATS
// so that external consumers can follow sessions without the HTTP API.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/events"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/logging"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "autoagent.sessions"

// Publisher is the subset of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
	Flush() error
}

// Bridge publishes every bus event as JSON on <prefix>.<session>.<type>.
type Bridge struct {
	pub       Publisher
	bus       *events.EventBus
	prefix    string
	logger    *logging.Logger
	published atomic.Int64
	failed    atomic.Int64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) Option {
	return func(b *Bridge) {
		if p := strings.Trim(prefix, ". "); p != "" {
			b.prefix = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// New creates a bridge between bus and pub.
func New(pub Publisher, bus *events.EventBus, opts ...Option) *Bridge {
	b := &Bridge{
		pub:    pub,
		bus:    bus,
		prefix: DefaultSubjectPrefix,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect dials url with reconnect settings suited to a long-running server.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("autoagent"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject an event is published on.
func (b *Bridge) Subject(e events.Event) string {
	session := e.SessionID()
	if session == "" {
		session = "_"
	}
	return b.prefix + "." + sanitizeToken(session) + "." + sanitizeToken(e.EventType())
}

// Run forwards events until ctx is done or the bus closes.
func (b *Bridge) Run(ctx context.Context) error {
	return b.loop(ctx, b.bus.Subscribe())
}

// Start subscribes before returning and forwards in a goroutine, so no event
// published after Start is missed. The channel receives the loop's result.
func (b *Bridge) Start(ctx context.Context) <-chan error {
	ch := b.bus.Subscribe()
	done := make(chan error, 1)
	go func() { done <- b.loop(ctx, ch) }()
	return done
}

func (b *Bridge) loop(ctx context.Context, ch <-chan events.Event) error {
	defer b.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			b.flush()
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				b.flush()
				return nil
			}
			b.forward(e)
		}
	}
}

// Stats returns how many events were published and how many failed.
func (b *Bridge) Stats() (published, failed int64) {
	return b.published.Load(), b.failed.Load()
}

func (b *Bridge) forward(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		b.failed.Add(1)
		b.logger.Warn("encoding event for NATS", "type", e.EventType(), "error", err)
		return
	}
	subject := b.Subject(e)
	if err := b.pub.Publish(subject, data); err != nil {
		b.failed.Add(1)
		b.logger.Warn("publishing event to NATS", "subject", subject, "error", err)
		return
	}
	b.published.Add(1)
}

func (b *Bridge) flush() {
	if err := b.pub.Flush(); err != nil {
		b.logger.Debug("flushing NATS connection", "error", err)
	}
}

// sanitizeToken makes s usable as a single subject token.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
