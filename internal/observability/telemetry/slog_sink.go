package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
)

// SlogSink writes log events, and optionally metric and span events, as structured slog records.
type SlogSink struct {
	logger      *slog.Logger
	withMetrics bool
}

// NewSlogSink wraps logger. A nil logger uses slog.Default().
func NewSlogSink(logger *slog.Logger, withMetrics bool) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger, withMetrics: withMetrics}
}

// ParseLevel maps a severity name to a slog level. Unknown names map to info.
func ParseLevel(severity string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case SeverityDebug:
		return slog.LevelDebug
	case SeverityWarn, "warning":
		return slog.LevelWarn
	case SeverityError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Export writes event through the wrapped logger.
func (s *SlogSink) Export(ctx context.Context, event Event) error {
	attrs := correlationAttrs(event.Correlation)
	switch {
	case event.Log != nil:
		level := ParseLevel(event.Log.Severity)
		if !s.logger.Enabled(ctx, level) {
			return nil
		}
		attrs = append(attrs, slog.String("event", event.Log.Name))
		attrs = append(attrs, mapAttrs(event.Log.Attributes)...)
		s.logger.LogAttrs(ctx, level, event.Log.Message, attrs...)
	case event.Metric != nil && s.withMetrics:
		attrs = append(attrs, slog.String("metric", event.Metric.Name), slog.Float64("value", event.Metric.Value))
		if event.Metric.Unit != "" {
			attrs = append(attrs, slog.String("unit", event.Metric.Unit))
		}
		attrs = append(attrs, mapAttrs(event.Metric.Attributes)...)
		s.logger.LogAttrs(ctx, slog.LevelDebug, "metric", attrs...)
	case event.Span != nil && s.withMetrics:
		attrs = append(attrs, slog.String("span", event.Span.Name), slog.Int64("duration_ms", event.Span.EndMS-event.Span.StartMS))
		attrs = append(attrs, mapAttrs(event.Span.Attributes)...)
		s.logger.LogAttrs(ctx, slog.LevelDebug, "span", attrs...)
	}
	return nil
}

func correlationAttrs(c Correlation) []slog.Attr {
	attrs := make([]slog.Attr, 0, 6)
	if c.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", c.SessionID))
	}
	if c.EnvelopeType != "" {
		attrs = append(attrs, slog.String("envelope_type", c.EnvelopeType))
	}
	if c.FIPS != "" {
		attrs = append(attrs, slog.String("fips", c.FIPS))
	}
	if c.EmittedBy != "" {
		attrs = append(attrs, slog.String("emitted_by", c.EmittedBy))
	}
	return attrs
}

func mapAttrs(in map[string]string) []slog.Attr {
	if len(in) == 0 {
		return nil
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, in[k]))
	}
	return attrs
}
