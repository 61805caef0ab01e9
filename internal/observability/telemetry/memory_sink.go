package telemetry

import (
	"context"
	"sync"
)

// MemorySink is a deterministic in-memory sink used by tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{events: make([]Event, 0, 64)}
}

// Export appends an event in memory.
func (s *MemorySink) Export(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of all exported events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Logs returns exported log events with the given severity, or all logs when severity is empty.
func (s *MemorySink) Logs(severity string) []LogEvent {
	var out []LogEvent
	for _, event := range s.Events() {
		if event.Log == nil {
			continue
		}
		if severity == "" || event.Log.Severity == severity {
			out = append(out, *event.Log)
		}
	}
	return out
}

// MetricTotal sums exported samples of a metric whose attributes include every pair in match.
func (s *MemorySink) MetricTotal(name string, match map[string]string) float64 {
	total := 0.0
	for _, event := range s.Events() {
		if event.Metric == nil || event.Metric.Name != name {
			continue
		}
		ok := true
		for k, v := range match {
			if event.Metric.Attributes[k] != v {
				ok = false
				break
			}
		}
		if ok {
			total += event.Metric.Value
		}
	}
	return total
}

// Fanout exports each event to every sink and returns the first failure.
type Fanout []Sink

// Export forwards event to all sinks.
func (f Fanout) Export(ctx context.Context, event Event) error {
	var first error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Export(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
