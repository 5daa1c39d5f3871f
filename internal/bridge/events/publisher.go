package events

import (
	"context"
	"log/slog"
	"sync"
)

// Publisher publishes call events. Publishing never blocks call processing;
// implementations drop rather than wait.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopPublisher discards all events.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }

// LogPublisher writes events to the log.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher that logs events at info level.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.InfoContext(ctx, "[Events] "+string(event.Type()),
		"subject", event.Subject(),
		"call_id", event.CallID(),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// MemoryPublisher keeps the most recent events in memory, for tests and for
// local inspection.
type MemoryPublisher struct {
	mu      sync.Mutex
	limit   int
	events  []Event
	dropped int64
	closed  bool
}

// NewMemoryPublisher keeps at most limit events; older ones are discarded.
func NewMemoryPublisher(limit int) *MemoryPublisher {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryPublisher{limit: limit}
}

func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if len(p.events) >= p.limit {
		p.events = p.events[1:]
		p.dropped++
	}
	p.events = append(p.events, event)
	return nil
}

func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Events returns a copy of the retained events, oldest first.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// OfType returns retained events of type t for callID; an empty callID
// matches every call.
func (p *MemoryPublisher) OfType(t EventType, callID string) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.Type() == t && (callID == "" || e.CallID() == callID) {
			out = append(out, e)
		}
	}
	return out
}

// DroppedCount returns the number of events discarded to stay within limit.
func (p *MemoryPublisher) DroppedCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// MultiPublisher fans out events to multiple publishers.
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher creates a publisher that sends to all provided publishers.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (p *MultiPublisher) Publish(ctx context.Context, event Event) error {
	var lastErr error
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, event); err != nil {
			lastErr = err
			slog.Warn("[Events] One publisher failed", "error", err, "type", event.Type())
		}
	}
	return lastErr
}

func (p *MultiPublisher) Close() error {
	var lastErr error
	for _, pub := range p.publishers {
		if err := pub.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
