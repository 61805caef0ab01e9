package nats

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tiger/election-night-sim/internal/observability/telemetry"
	"github.com/tiger/election-night-sim/internal/reconciler"
)

// TransportName labels metrics emitted by this package.
const TransportName = "nats"

// Applier is the reconciler surface a subscriber drives.
type Applier interface {
	SessionID() string
	ApplyRaw(sessionID string, raw []byte) reconciler.Outcome
}

// Subscriber is the subset of *nats.Conn used here.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Config describes a connection made by Connect.
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// Connect opens a NATS connection with the configured options.
func Connect(cfg Config) (*nats.Conn, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{nats.Name(cfg.Name)}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return conn, nil
}

// Feed applies every message on one subject under the session current at Start.
type Feed struct {
	subject string
	applier Applier
	emitter telemetry.Emitter

	mu         sync.Mutex
	sub        *nats.Subscription
	subscribed bool
	sessionID  string

	received atomic.Int64
	applied  atomic.Int64
}

// NewFeed returns a feed for subject. A nil emitter discards telemetry.
func NewFeed(subject string, applier Applier, emitter telemetry.Emitter) *Feed {
	if emitter == nil {
		emitter = telemetry.Nop()
	}
	return &Feed{subject: strings.TrimSpace(subject), applier: applier, emitter: emitter}
}

// Start subscribes through conn. Restarting after Stop recaptures the session id.
func (f *Feed) Start(conn Subscriber) error {
	if conn == nil || f.applier == nil {
		return fmt.Errorf("nats feed requires a connection and an applier")
	}
	if f.subject == "" {
		return fmt.Errorf("nats feed requires a subject")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribed {
		return fmt.Errorf("nats feed already subscribed to %s", f.subject)
	}
	f.sessionID = f.applier.SessionID()
	sub, err := conn.Subscribe(f.subject, f.Handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", f.subject, err)
	}
	f.sub = sub
	f.subscribed = true
	f.emitter.EmitLog("nats_subscribed", telemetry.SeverityInfo, "subscribed", map[string]string{"subject": f.subject}, telemetry.Correlation{SessionID: f.sessionID, EmittedBy: TransportName})
	return nil
}

// Handle applies one message. It is the subscription callback.
func (f *Feed) Handle(msg *nats.Msg) {
	if msg == nil {
		return
	}
	f.mu.Lock()
	sessionID := f.sessionID
	f.mu.Unlock()

	f.received.Add(1)
	out := f.applier.ApplyRaw(sessionID, msg.Data)
	if out.Applied {
		f.applied.Add(1)
	}
	f.emitter.EmitMetric(telemetry.MetricTransportMessages, 1, "count", map[string]string{"transport": TransportName, "result": out.Reason}, telemetry.Correlation{SessionID: sessionID, EnvelopeType: string(out.Type), EmittedBy: TransportName})
}

// Stop unsubscribes. It is safe to call when not subscribed.
func (f *Feed) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.subscribed {
		return nil
	}
	sub := f.sub
	f.sub, f.subscribed = nil, false
	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", f.subject, err)
	}
	return nil
}

// Counts returns messages received and applied.
func (f *Feed) Counts() (received, applied int64) {
	return f.received.Load(), f.applied.Load()
}

// Bind captures sessionID for handled messages without subscribing. It is used
// when the caller owns the subscription, and by tests.
func (f *Feed) Bind(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionID = sessionID
}
