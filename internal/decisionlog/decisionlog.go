// Package decisionlog implements C9: a non-blocking, fire-and-forget sink
// that emits one event record per terminated request to an external event
// sink, with a bounded buffer and drop-oldest back-pressure policy.
package decisionlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/divortio/wafu/internal/sinks"
)

// Event is the record emitted for every terminal state, per §4.9.
type Event struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Action       string    `json:"action"`
	RuleID       string    `json:"rule_id,omitempty"`
	Context      string    `json:"context"` // "global" or a route id
	RouteHost    string    `json:"route_host,omitempty"`
	IP           string    `json:"ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Country      string    `json:"country,omitempty"`
	ASN          string    `json:"asn,omitempty"`
	Colo         string    `json:"colo,omitempty"`
	MetaBlob     any       `json:"meta_blob,omitempty"`
	HeadersBlob  any       `json:"headers_blob,omitempty"`
}

// DroppedCounter is incremented whenever the bounded buffer overflows and
// the oldest queued event is dropped. Callers pass a plain Prometheus
// counter (metrics.Recorder.DecisionLogDropped); tests may use a no-op.
type DroppedCounter interface {
	Inc()
}

type noopCounter struct{}

func (noopCounter) Inc() {}

// Logger is the bounded, fire-and-forget decision event emitter.
type Logger struct {
	sink    sinks.Sink
	log     *slog.Logger
	dropped DroppedCounter

	mu     sync.Mutex
	buffer []Event
	notify chan struct{}

	statsMu sync.Mutex
	stats   map[string]int64

	capacity int
	done     chan struct{}
	wg       sync.WaitGroup
}

// DefaultCapacity bounds the in-process buffer when callers don't override
// it via configuration.
const DefaultCapacity = 4096

// New constructs a Logger draining into sink. capacity <= 0 falls back to
// DefaultCapacity. Call Run to start the background drain goroutine and
// Close to stop it.
func New(sink sinks.Sink, capacity int, dropped DroppedCounter, log *slog.Logger) *Logger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if dropped == nil {
		dropped = noopCounter{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Logger{
		sink:     sink,
		log:      log,
		dropped:  dropped,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stats:    make(map[string]int64),
	}
}

// Log enqueues event without blocking the request path. On overflow the
// oldest queued event is dropped and the dropped counter incremented.
func (l *Logger) Log(event Event) {
	l.mu.Lock()
	if len(l.buffer) >= l.capacity {
		l.buffer = l.buffer[1:]
		l.dropped.Inc()
	}
	l.buffer = append(l.buffer, event)
	l.mu.Unlock()

	l.statsMu.Lock()
	l.stats[event.Action]++
	l.statsMu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of events logged per action since the last
// Reset, for the /ops/events/aggregate endpoint.
func (l *Logger) Stats() map[string]int64 {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	snapshot := make(map[string]int64, len(l.stats))
	for k, v := range l.stats {
		snapshot[k] = v
	}
	return snapshot
}

// Reset zeroes the per-action counters Stats reports.
func (l *Logger) Reset() {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	l.stats = make(map[string]int64)
}

// Run drains the buffer into the sink until ctx is cancelled or Close is
// called. Run blocks; callers invoke it in its own goroutine.
func (l *Logger) Run(ctx context.Context) {
	l.wg.Add(1)
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-l.notify:
			l.drain(ctx)
		}
	}
}

func (l *Logger) drain(ctx context.Context) {
	for {
		l.mu.Lock()
		if len(l.buffer) == 0 {
			l.mu.Unlock()
			return
		}
		event := l.buffer[0]
		l.buffer = l.buffer[1:]
		l.mu.Unlock()

		if err := l.sink.Append(ctx, event); err != nil {
			l.log.Warn("decision log emit failed", "action", event.Action, "error", err)
		}
	}
}

// Close stops the drain goroutine started by Run and waits for it to exit.
func (l *Logger) Close() {
	close(l.done)
	l.wg.Wait()
}
