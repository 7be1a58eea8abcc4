package observability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

var (
	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_processed_total",
			Help: "Total number of events successfully handled",
		},
		[]string{"group", "event_type"},
	)
	EventsDuplicateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_duplicate_total",
			Help: "Total number of events skipped by the idempotence check",
		},
		[]string{"group"},
	)
	EventsInvalidTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_invalid_total",
			Help: "Total number of events rejected by schema validation",
		},
		[]string{"group", "reason"},
	)
	EventsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_retried_total",
			Help: "Total number of events left pending for redelivery",
		},
		[]string{"group"},
	)
	EventsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dead_lettered_total",
			Help: "Total number of events routed to the dead letter stream",
		},
		[]string{"group", "reason"},
	)
	EventsReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_reclaimed_total",
			Help: "Total number of pending messages reclaimed from peers",
		},
		[]string{"group"},
	)
	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handler_duration_seconds",
			Help:    "Event handler duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"group", "event_type"},
	)
	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "phase_duration_seconds",
			Help:    "Workflow phase wall-clock duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"phase", "outcome"},
	)
	BacklogTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backlog_transitions_total",
			Help: "Total number of backlog status transitions",
		},
		[]string{"from", "to"},
	)
)

var registerOnce sync.Once

// InitMetrics registers all collectors with the default registry. Safe to
// call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(EventsProcessedTotal)
		prometheus.MustRegister(EventsDuplicateTotal)
		prometheus.MustRegister(EventsInvalidTotal)
		prometheus.MustRegister(EventsRetriedTotal)
		prometheus.MustRegister(EventsDeadLetteredTotal)
		prometheus.MustRegister(EventsReclaimedTotal)
		prometheus.MustRegister(HandlerDuration)
		prometheus.MustRegister(PhaseDuration)
		prometheus.MustRegister(BacklogTransitionsTotal)
	})
}

// Recorder mirrors the named process counters and timers into an in-memory
// snapshot so that tests and the admin surface can read exact values without
// scraping Prometheus, and optionally writes them through to Redis hashes
// under {prefix}:counters / {prefix}:timers. The Prometheus collectors above
// stay the source of truth for operational dashboards.
type Recorder struct {
	rdb    *redis.Client
	prefix string

	mu       sync.Mutex
	counters map[string]int64
	timers   map[string]float64
}

// NewRecorder returns an in-memory-only Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters: make(map[string]int64),
		timers:   make(map[string]float64),
	}
}

// NewRedisRecorder returns a Recorder that additionally mirrors every counter
// and timer into Redis under prefix (e.g. "audit:metrics"). Mirror failures
// are logged and swallowed; metrics must never break event processing.
func NewRedisRecorder(rdb *redis.Client, prefix string) *Recorder {
	r := NewRecorder()
	r.rdb = rdb
	r.prefix = prefix
	return r
}

// Inc increments the named counter by one.
func (r *Recorder) Inc(name string) { r.Add(name, 1) }

// Add increments the named counter by n.
func (r *Recorder) Add(name string, n int64) {
	r.mu.Lock()
	r.counters[name] += n
	r.mu.Unlock()
	if r.rdb != nil {
		if err := r.rdb.HIncrBy(context.Background(), r.prefix+":counters", name, n).Err(); err != nil {
			slog.Warn("metric mirror failed", slog.String("name", name), slog.Any("error", err))
		}
	}
}

// Observe records the duration of the named timer. The snapshot keeps the
// last sample in seconds.
func (r *Recorder) Observe(name string, d time.Duration) {
	seconds := d.Seconds()
	r.mu.Lock()
	r.timers[name] = seconds
	r.mu.Unlock()
	if r.rdb != nil {
		if err := r.rdb.HSet(context.Background(), r.prefix+":timers", name, seconds).Err(); err != nil {
			slog.Warn("timer mirror failed", slog.String("name", name), slog.Any("error", err))
		}
	}
}

// Timers returns a copy of the last-sample timer values in seconds.
func (r *Recorder) Timers() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.timers))
	for k, v := range r.timers {
		out[k] = v
	}
	return out
}

// Get returns the current value of the named counter.
func (r *Recorder) Get(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Snapshot returns a copy of all counters.
func (r *Recorder) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// Names returns the sorted counter names, for deterministic reporting.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.counters))
	for k := range r.counters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
