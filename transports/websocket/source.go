package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	gws "github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/tiger/election-night-sim/internal/observability/telemetry"
	"github.com/tiger/election-night-sim/internal/reconciler"
)

// TransportName labels metrics emitted by this package.
const TransportName = "websocket"

const defaultHandshakeTimeout = 10 * time.Second

// Applier is the reconciler surface a source drives.
type Applier interface {
	SessionID() string
	ApplyRaw(sessionID string, raw []byte) reconciler.Outcome
}

// Config configures one websocket source.
type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	Emitter          telemetry.Emitter
}

// Stats counts what a Run observed.
type Stats struct {
	Messages int64
	Applied  int64
	Skipped  int64
}

// Source reads text frames from one connection and applies each as an envelope.
type Source struct {
	cfg     Config
	applier Applier

	messages atomic.Int64
	applied  atomic.Int64
	skipped  atomic.Int64
}

// NewSource returns a source bound to applier.
func NewSource(cfg Config, applier Applier) *Source {
	if cfg.Emitter == nil {
		cfg.Emitter = telemetry.Nop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Source{cfg: cfg, applier: applier}
}

// Stats returns counters accumulated across runs.
func (s *Source) Stats() Stats {
	return Stats{Messages: s.messages.Load(), Applied: s.applied.Load(), Skipped: s.skipped.Load()}
}

// Run dials the configured URL and applies frames until ctx is cancelled or the
// server closes the stream. Frames are applied under the session id current at
// connect time, so a Reset mid-stream fences the rest of this connection.
// A normal close or cancellation returns nil.
func (s *Source) Run(ctx context.Context) error {
	if s.applier == nil {
		return fmt.Errorf("websocket source requires an applier")
	}
	url := strings.TrimSpace(s.cfg.URL)
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return fmt.Errorf("websocket url must use ws:// or wss://, got %q", s.cfg.URL)
	}

	dialer := *gws.DefaultDialer
	dialer.HandshakeTimeout = s.cfg.HandshakeTimeout
	conn, resp, err := dialer.DialContext(ctx, url, s.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		s.cfg.Emitter.EmitLog("websocket_dial_failed", telemetry.SeverityError, err.Error(), map[string]string{"url": url}, telemetry.Correlation{EmittedBy: TransportName})
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	sessionID := s.applier.SessionID()
	corr := telemetry.Correlation{SessionID: sessionID, EmittedBy: TransportName}
	s.cfg.Emitter.EmitLog("websocket_connected", telemetry.SeverityInfo, "connected", map[string]string{"url": url}, corr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		// Unblocks ReadMessage.
		_ = conn.Close()
		return nil
	})
	g.Go(func() error {
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil || gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) {
					return errStreamClosed
				}
				return fmt.Errorf("read websocket frame: %w", err)
			}
			s.messages.Add(1)
			if kind != gws.TextMessage {
				s.skipped.Add(1)
				s.record("skipped", corr)
				continue
			}
			out := s.applier.ApplyRaw(sessionID, data)
			if out.Applied {
				s.applied.Add(1)
			}
			s.record(out.Reason, corr)
		}
	})

	err = g.Wait()
	if errors.Is(err, errStreamClosed) {
		s.cfg.Emitter.EmitLog("websocket_closed", telemetry.SeverityInfo, "stream closed", nil, corr)
		return nil
	}
	if err != nil {
		s.cfg.Emitter.EmitLog("websocket_read_failed", telemetry.SeverityError, err.Error(), nil, corr)
	}
	return err
}

var errStreamClosed = errors.New("websocket stream closed")

func (s *Source) record(result string, corr telemetry.Correlation) {
	s.cfg.Emitter.EmitMetric(telemetry.MetricTransportMessages, 1, "count", map[string]string{"transport": TransportName, "result": result}, corr)
}
