// Package audit records channel lifecycle and misuse events (open, close,
// pool exhaustion, double release) for later inspection.
package audit

import (
	"errors"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
)

// Event names emitted by the shm package.
const (
	EventOpen          = "open"
	EventClose         = "close"
	EventPoolExhausted = "pool_exhausted"
	EventMisuse        = "misuse"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// LogEvent records an audit event.
	LogEvent(event string, details map[string]interface{}) error
}

// Nop discards every event.
type Nop struct{}

// LogEvent implements Logger.
func (Nop) LogEvent(string, map[string]interface{}) error { return nil }

// Event is one recorded audit entry.
type Event struct {
	Time    time.Time
	Name    string
	Details map[string]interface{}
}

// QueueLogger keeps the most recent events in a bounded in-memory queue.
// Once full, the oldest event is dropped for every new one. The queue never
// holds more than limit events.
type QueueLogger struct {
	mu    sync.Mutex // serializes the limit check with Put
	q     *queue.Queue
	limit int64
	now   func() time.Time
}

// NewQueueLogger returns a QueueLogger holding at most limit events.
func NewQueueLogger(limit int64) *QueueLogger {
	if limit <= 0 {
		limit = 1024
	}
	return &QueueLogger{
		q:     queue.New(limit),
		limit: limit,
		now:   time.Now,
	}
}

// LogEvent implements Logger.
func (l *QueueLogger) LogEvent(event string, details map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.q.Len() >= l.limit {
		if _, err := l.q.Poll(1, time.Millisecond); err != nil {
			if errors.Is(err, queue.ErrTimeout) {
				break
			}
			return err
		}
	}
	return l.q.Put(Event{Time: l.now(), Name: event, Details: details})
}

// Len returns the number of buffered events.
func (l *QueueLogger) Len() int64 {
	return l.q.Len()
}

// Drain removes and returns up to max buffered events, oldest first.
// It never blocks waiting for new events.
func (l *QueueLogger) Drain(max int64) ([]Event, error) {
	if l.q.Empty() || max <= 0 {
		return nil, nil
	}
	items, err := l.q.Poll(max, time.Millisecond)
	if err != nil {
		if errors.Is(err, queue.ErrTimeout) {
			return nil, nil
		}
		return nil, err
	}
	events := make([]Event, 0, len(items))
	for _, it := range items {
		if ev, ok := it.(Event); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// Close disposes the queue; further LogEvent calls fail.
func (l *QueueLogger) Close() {
	l.q.Dispose()
}
