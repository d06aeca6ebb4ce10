package observability

import (
	"sync"
	"time"

	"stayswap/internal/swap"
)

type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type CompletionSnapshot struct {
	Count        int64   `json:"count"`
	Failures     int64   `json:"failures"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
}

type LedgerSnapshot struct {
	Appends       int64   `json:"appends"`
	Failures      int64   `json:"failures"`
	TotalAttempts int64   `json:"total_attempts"`
	SuccessRate   float64 `json:"success_rate"`
}

type RollbackSnapshot struct {
	Count    int64 `json:"count"`
	Failures int64 `json:"failures"`
}

type Snapshot struct {
	UptimeSec     int64                         `json:"uptime_sec"`
	TotalRequests int64                         `json:"total_requests"`
	TotalErrors   int64                         `json:"total_errors"`
	InFlight      int64                         `json:"in_flight"`
	Completions   map[string]CompletionSnapshot `json:"completions"`
	Ledger        LedgerSnapshot                `json:"ledger"`
	Rollbacks     RollbackSnapshot              `json:"rollbacks"`
	Lifecycle     *LifecycleSnapshot            `json:"lifecycle,omitempty"`
	Methods       map[string]MethodSnapshot     `json:"methods"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

type completionStats struct {
	count        int64
	failures     int64
	totalLatency time.Duration
	maxLatency   time.Duration
}

// Metrics aggregates API call spans together with completion, ledger and
// rollback outcomes. It satisfies the orchestrator's MetricsRecorder.
type Metrics struct {
	mu          sync.Mutex
	start       time.Time
	methods     map[string]*methodStats
	completions map[swap.ProposalKind]*completionStats

	ledgerAppends  int64
	ledgerFailures int64
	ledgerAttempts int64

	rollbacks        int64
	rollbackFailures int64

	lifecycle lifecycleStats
}

type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:       time.Now(),
		methods:     make(map[string]*methodStats),
		completions: make(map[swap.ProposalKind]*completionStats),
	}
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err != nil)
}

func (m *Metrics) RecordCompletion(kind swap.ProposalKind, duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureKind(kind)
	stats.count++
	if failed {
		stats.failures++
	}
	stats.totalLatency += duration
	if duration > stats.maxLatency {
		stats.maxLatency = duration
	}
	m.mu.Unlock()
}

func (m *Metrics) RecordRollback(success bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.rollbacks++
	if !success {
		m.rollbackFailures++
	}
	m.mu.Unlock()
}

func (m *Metrics) RecordLedgerOutcome(attempts int, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if failed {
		m.ledgerFailures++
	} else {
		m.ledgerAppends++
	}
	m.ledgerAttempts += int64(attempts)
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:   int64(now.Sub(m.start).Seconds()),
		Methods:     make(map[string]MethodSnapshot),
		Completions: make(map[string]CompletionSnapshot),
		Ledger: LedgerSnapshot{
			Appends:       m.ledgerAppends,
			Failures:      m.ledgerFailures,
			TotalAttempts: m.ledgerAttempts,
		},
		Rollbacks: RollbackSnapshot{
			Count:    m.rollbacks,
			Failures: m.rollbackFailures,
		},
	}

	if outcomes := m.ledgerAppends + m.ledgerFailures; outcomes > 0 {
		snap.Ledger.SuccessRate = float64(m.ledgerAppends) / float64(outcomes)
	}

	for method, stats := range m.methods {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Methods[method] = MethodSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	for kind, stats := range m.completions {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Completions[string(kind)] = CompletionSnapshot{
			Count:        stats.count,
			Failures:     stats.failures,
			AvgLatencyMs: avg,
			MaxLatencyMs: float64(stats.maxLatency.Milliseconds()),
		}
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) ensureKind(kind swap.ProposalKind) *completionStats {
	stats, ok := m.completions[kind]
	if !ok {
		stats = &completionStats{}
		m.completions[kind] = stats
	}
	return stats
}

func (m *Metrics) finish(method string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
