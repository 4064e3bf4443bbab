package observability

import (
	"sort"
	"sync"
	"time"
)

// DefaultWindow is how many recent observations the tracker keeps per
// operation.
const DefaultWindow = 1024

// Observation is one completed operation.
type Observation struct {
	Operation string
	Latency   time.Duration
	Success   bool
}

// OperationSummary reports an operation's lifetime totals and the latency
// distribution of its recent window.
type OperationSummary struct {
	Count       int64   `json:"count"`
	Errors      int64   `json:"errors"`
	SuccessRate float64 `json:"success_rate"`
	P50Ms       float64 `json:"p50_ms"`
	P99Ms       float64 `json:"p99_ms"`
}

type opWindow struct {
	count   int64
	errors  int64
	latency []time.Duration // ring buffer
	next    int
}

// OperationTracker keeps per-operation counters and a bounded latency window
// in process, for the server's /metrics endpoint.
type OperationTracker struct {
	mu     sync.Mutex
	window int
	ops    map[string]*opWindow
}

// NewOperationTracker creates a tracker with DefaultWindow.
func NewOperationTracker() *OperationTracker {
	return NewOperationTrackerWithWindow(DefaultWindow)
}

// NewOperationTrackerWithWindow creates a tracker that keeps the last window
// latencies per operation.
func NewOperationTrackerWithWindow(window int) *OperationTracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &OperationTracker{window: window, ops: make(map[string]*opWindow)}
}

// Record adds an observation.
func (t *OperationTracker) Record(obs Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.ops[obs.Operation]
	if !ok {
		w = &opWindow{}
		t.ops[obs.Operation] = w
	}
	w.count++
	if !obs.Success {
		w.errors++
	}
	if len(w.latency) < t.window {
		w.latency = append(w.latency, obs.Latency)
		return
	}
	w.latency[w.next] = obs.Latency
	w.next = (w.next + 1) % t.window
}

// Snapshot summarizes every operation seen so far.
func (t *OperationTracker) Snapshot() map[string]OperationSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]OperationSummary, len(t.ops))
	for name, w := range t.ops {
		s := OperationSummary{Count: w.count, Errors: w.errors, SuccessRate: 1}
		if w.count > 0 {
			s.SuccessRate = float64(w.count-w.errors) / float64(w.count)
		}
		if len(w.latency) > 0 {
			sorted := append([]time.Duration(nil), w.latency...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			s.P50Ms = percentileMs(sorted, 0.50)
			s.P99Ms = percentileMs(sorted, 0.99)
		}
		out[name] = s
	}
	return out
}

func percentileMs(sorted []time.Duration, q float64) float64 {
	i := int(float64(len(sorted)) * q)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return float64(sorted[i].Microseconds()) / 1000
}
