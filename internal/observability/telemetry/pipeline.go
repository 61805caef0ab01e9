package telemetry

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// MetricEnvelopesTotal counts reconciler decisions by envelope type and outcome.
	MetricEnvelopesTotal = "envelopes_total"
	// MetricCountiesTouched counts county records written by frames and completion.
	MetricCountiesTouched = "counties_touched_total"
	// MetricNewsroomDepth captures the retained newsroom item count.
	MetricNewsroomDepth = "newsroom_depth"
	// MetricTransportMessages counts messages read by a transport.
	MetricTransportMessages = "transport_messages_total"
)

// Severity levels understood by the log sinks.
const (
	SeverityDebug = "debug"
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// EventKind defines telemetry payload kind.
type EventKind string

const (
	EventKindMetric EventKind = "metric"
	EventKindSpan   EventKind = "span"
	EventKindLog    EventKind = "log"
)

// Correlation ties an event to the session and envelope that produced it.
type Correlation struct {
	SessionID    string `json:"session_id,omitempty"`
	EnvelopeType string `json:"envelope_type,omitempty"`
	FIPS         string `json:"fips,omitempty"`
	EmittedBy    string `json:"emitted_by,omitempty"`
	TimestampMS  int64  `json:"timestamp_ms,omitempty"`
}

// MetricEvent captures a metric sample payload.
type MetricEvent struct {
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// SpanEvent captures a timed operation.
type SpanEvent struct {
	Name       string            `json:"name"`
	StartMS    int64             `json:"start_ms"`
	EndMS      int64             `json:"end_ms"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// LogEvent captures a diagnostic log payload.
type LogEvent struct {
	Name       string            `json:"name"`
	Severity   string            `json:"severity"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Event is the normalized telemetry emission envelope.
type Event struct {
	Kind        EventKind    `json:"kind"`
	TimestampMS int64        `json:"timestamp_ms"`
	Correlation Correlation  `json:"correlation"`
	Metric      *MetricEvent `json:"metric,omitempty"`
	Span        *SpanEvent   `json:"span,omitempty"`
	Log         *LogEvent    `json:"log,omitempty"`
}

// Sink exports normalized telemetry events.
type Sink interface {
	Export(context.Context, Event) error
}

// Emitter is a non-blocking telemetry emission handle.
type Emitter interface {
	EmitMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation)
	EmitSpan(name string, startMS, endMS int64, attributes map[string]string, correlation Correlation)
	EmitLog(name, severity, message string, attributes map[string]string, correlation Correlation)
}

type noopEmitter struct{}

func (noopEmitter) EmitMetric(string, float64, string, map[string]string, Correlation) {}
func (noopEmitter) EmitSpan(string, int64, int64, map[string]string, Correlation)       {}
func (noopEmitter) EmitLog(string, string, string, map[string]string, Correlation)      {}

// Nop returns an emitter that discards everything.
func Nop() Emitter {
	return noopEmitter{}
}

// Config controls bounded queue and export behavior.
type Config struct {
	QueueCapacity int
	ExportTimeout time.Duration
	// LogSampleRate keeps every Nth debug log event when >1.
	LogSampleRate int
	// Synchronous exports on the emitting goroutine instead of the background worker.
	Synchronous bool
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity < 1 {
		c.QueueCapacity = 256
	}
	if c.ExportTimeout <= 0 {
		c.ExportTimeout = 200 * time.Millisecond
	}
	if c.LogSampleRate < 1 {
		c.LogSampleRate = 1
	}
	return c
}

// Stats captures current pipeline counters.
type Stats struct {
	Enqueued       uint64
	Dropped        uint64
	SampledDropped uint64
	Exported       uint64
	ExportFailures uint64
	QueueDepth     int
}

// Pipeline is a bounded non-blocking telemetry pipeline.
type Pipeline struct {
	sink Sink
	cfg  Config

	queue chan Event
	stop  chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	wg        sync.WaitGroup

	enqueued       atomic.Uint64
	dropped        atomic.Uint64
	sampledDropped atomic.Uint64
	exported       atomic.Uint64
	exportFailures atomic.Uint64
	logCounter     atomic.Uint64

	now func() time.Time
}

type discardSink struct{}

func (discardSink) Export(context.Context, Event) error { return nil }

// NewPipeline constructs and starts a telemetry pipeline.
func NewPipeline(sink Sink, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = discardSink{}
	}
	p := &Pipeline{
		sink:  sink,
		cfg:   cfg,
		queue: make(chan Event, cfg.QueueCapacity),
		stop:  make(chan struct{}),
		now:   time.Now,
	}
	if !cfg.Synchronous {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Close drains pending events and stops background export.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.stop)
		p.wg.Wait()
	})
	return nil
}

// Stats returns current queue/counter snapshots.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Enqueued:       p.enqueued.Load(),
		Dropped:        p.dropped.Load(),
		SampledDropped: p.sampledDropped.Load(),
		Exported:       p.exported.Load(),
		ExportFailures: p.exportFailures.Load(),
		QueueDepth:     len(p.queue),
	}
}

// EmitMetric enqueues a metric sample without blocking.
func (p *Pipeline) EmitMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation) {
	p.enqueue(Event{
		Kind:        EventKindMetric,
		TimestampMS: p.timestampMS(correlation),
		Correlation: normalizeCorrelation(correlation),
		Metric: &MetricEvent{
			Name:       strings.TrimSpace(name),
			Value:      value,
			Unit:       strings.TrimSpace(unit),
			Attributes: cloneAttributes(attributes),
		},
	}, true)
}

// EmitSpan enqueues a span sample without blocking.
func (p *Pipeline) EmitSpan(name string, startMS, endMS int64, attributes map[string]string, correlation Correlation) {
	if endMS < startMS {
		endMS = startMS
	}
	p.enqueue(Event{
		Kind:        EventKindSpan,
		TimestampMS: p.timestampMS(correlation),
		Correlation: normalizeCorrelation(correlation),
		Span: &SpanEvent{
			Name:       strings.TrimSpace(name),
			StartMS:    nonNegative(startMS),
			EndMS:      nonNegative(endMS),
			Attributes: cloneAttributes(attributes),
		},
	}, true)
}

// EmitLog enqueues a log sample without blocking.
func (p *Pipeline) EmitLog(name, severity, message string, attributes map[string]string, correlation Correlation) {
	event := Event{
		Kind:        EventKindLog,
		TimestampMS: p.timestampMS(correlation),
		Correlation: normalizeCorrelation(correlation),
		Log: &LogEvent{
			Name:       strings.TrimSpace(name),
			Severity:   strings.ToLower(strings.TrimSpace(severity)),
			Message:    message,
			Attributes: cloneAttributes(attributes),
		},
	}
	p.enqueue(event, p.shouldSampleLog(event))
}

func (p *Pipeline) shouldSampleLog(event Event) bool {
	if p.cfg.LogSampleRate <= 1 {
		return true
	}
	if event.Log == nil || event.Log.Severity != SeverityDebug {
		return true
	}
	n := p.logCounter.Add(1)
	// First event, then every Nth.
	return (n-1)%uint64(p.cfg.LogSampleRate) == 0
}

func (p *Pipeline) enqueue(event Event, sampled bool) {
	if !sampled {
		p.sampledDropped.Add(1)
		return
	}
	if p.closed.Load() {
		p.dropped.Add(1)
		return
	}
	if p.cfg.Synchronous {
		p.enqueued.Add(1)
		p.export(event)
		return
	}
	select {
	case p.queue <- event:
		p.enqueued.Add(1)
	default:
		p.dropped.Add(1)
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stop:
			for {
				select {
				case event := <-p.queue:
					p.export(event)
				default:
					return
				}
			}
		case event := <-p.queue:
			p.export(event)
		}
	}
}

func (p *Pipeline) export(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ExportTimeout)
	defer cancel()
	if err := p.sink.Export(ctx, event); err != nil {
		p.exportFailures.Add(1)
		return
	}
	p.exported.Add(1)
}

func (p *Pipeline) timestampMS(correlation Correlation) int64 {
	if correlation.TimestampMS > 0 {
		return correlation.TimestampMS
	}
	return p.now().UnixMilli()
}

func normalizeCorrelation(c Correlation) Correlation {
	c.TimestampMS = nonNegative(c.TimestampMS)
	c.SessionID = strings.TrimSpace(c.SessionID)
	c.EnvelopeType = strings.TrimSpace(c.EnvelopeType)
	c.FIPS = strings.TrimSpace(c.FIPS)
	c.EmittedBy = strings.TrimSpace(c.EmittedBy)
	return c
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func cloneAttributes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
