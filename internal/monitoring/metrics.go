package monitoring

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	maxDurationSamples = 1000
	maxSeriesSamples   = 100
	throughputInterval = 5 * time.Second
)

// TaskCounter reports how many task records are currently live
type TaskCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Metrics collects stage, task and rate-limit metrics for the HTTP API
type Metrics struct {
	mu sync.RWMutex

	// Live task records, sampled from the store
	liveTasks       int64
	liveTasksHigh   int64
	liveTasksLow    int64
	lastLiveCheck   time.Time
	liveTasksSeries []LiveTaskSnapshot

	// Per-stage counters and latencies
	stages map[string]*StageStats

	// Task lifecycle
	tasksCreated int64
	tasksDeleted int64

	// Rate decisions per scope
	rateAllowed  map[string]int64
	rateRejected map[string]int64

	// Stage-call throughput
	stageCalls        int64
	callsAtLastSample int64
	throughputSamples []ThroughputSample
	lastSampleTime    time.Time

	startTime time.Time

	counter TaskCounter
}

// LiveTaskSnapshot is a point-in-time live task count
type LiveTaskSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int64     `json:"count"`
}

// ThroughputSample is the stage-call rate over one sampling window
type ThroughputSample struct {
	Timestamp   time.Time     `json:"timestamp"`
	CallsPerSec float64       `json:"calls_per_sec"`
	WindowSize  time.Duration `json:"window_size"`
}

// StageStats holds counters for one pipeline stage
type StageStats struct {
	Stage    string    `json:"stage"`
	Calls    int64     `json:"calls"`
	Failures int64     `json:"failures"`
	LastCall time.Time `json:"last_call"`

	durations []time.Duration
}

// StageSummary is the reported view of StageStats
type StageSummary struct {
	Stage       string        `json:"stage"`
	Calls       int64         `json:"calls"`
	Failures    int64         `json:"failures"`
	AvgDuration time.Duration `json:"avg_duration_ns"`
	P95Duration time.Duration `json:"p95_duration_ns"`
	P99Duration time.Duration `json:"p99_duration_ns"`
	LastCall    time.Time     `json:"last_call"`
}

// RateSummary counts governor decisions for one scope
type RateSummary struct {
	Allowed  int64 `json:"allowed"`
	Rejected int64 `json:"rejected"`
}

// MetricsSnapshot provides a point-in-time view of all metrics
type MetricsSnapshot struct {
	LiveTasks     int64 `json:"live_tasks"`
	LiveTasksHigh int64 `json:"live_tasks_high"`
	LiveTasksLow  int64 `json:"live_tasks_low"`

	TasksCreated int64 `json:"tasks_created"`
	TasksDeleted int64 `json:"tasks_deleted"`

	Stages []StageSummary         `json:"stages"`
	Rate   map[string]RateSummary `json:"rate_limit"`

	StageCalls        int64   `json:"stage_calls"`
	CurrentThroughput float64 `json:"current_throughput"`
	AvgThroughput     float64 `json:"avg_throughput"`

	Uptime      time.Duration `json:"uptime_ns"`
	LastUpdated time.Time     `json:"last_updated"`
}

// NewMetrics creates a new metrics collector. counter may be nil.
func NewMetrics(counter TaskCounter) *Metrics {
	now := time.Now()
	return &Metrics{
		counter:           counter,
		startTime:         now,
		lastLiveCheck:     now,
		lastSampleTime:    now,
		stages:            make(map[string]*StageStats),
		rateAllowed:       make(map[string]int64),
		rateRejected:      make(map[string]int64),
		liveTasksSeries:   make([]LiveTaskSnapshot, 0, maxSeriesSamples),
		throughputSamples: make([]ThroughputSample, 0, maxSeriesSamples),
	}
}

// UpdateLiveTasks samples the live task count from the store
func (m *Metrics) UpdateLiveTasks(ctx context.Context) error {
	if m.counter == nil {
		return nil
	}
	n, err := m.counter.Count(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	atomic.StoreInt64(&m.liveTasks, n)
	m.lastLiveCheck = now

	if n > m.liveTasksHigh {
		m.liveTasksHigh = n
	}
	if m.liveTasksLow == 0 || n < m.liveTasksLow {
		m.liveTasksLow = n
	}

	m.liveTasksSeries = append(m.liveTasksSeries, LiveTaskSnapshot{Timestamp: now, Count: n})
	if len(m.liveTasksSeries) > maxSeriesSamples {
		m.liveTasksSeries = m.liveTasksSeries[1:]
	}
	return nil
}

// Run samples live tasks every interval until ctx is done
func (m *Metrics) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.UpdateLiveTasks(ctx)
		}
	}
}

// GetLiveTasks returns the last sampled live task count
func (m *Metrics) GetLiveTasks() int64 {
	return atomic.LoadInt64(&m.liveTasks)
}

// GetLiveTasksTrend returns live task samples within duration
func (m *Metrics) GetLiveTasksTrend(duration time.Duration) []LiveTaskSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-duration)
	var trend []LiveTaskSnapshot
	for _, snap := range m.liveTasksSeries {
		if snap.Timestamp.After(cutoff) {
			trend = append(trend, snap)
		}
	}
	return trend
}

// RecordStage records one stage call
func (m *Metrics) RecordStage(stage string, duration time.Duration, failed bool) {
	atomic.AddInt64(&m.stageCalls, 1)

	m.mu.Lock()
	stats, ok := m.stages[stage]
	if !ok {
		stats = &StageStats{Stage: stage, durations: make([]time.Duration, 0, 64)}
		m.stages[stage] = stats
	}
	stats.Calls++
	if failed {
		stats.Failures++
	}
	stats.LastCall = time.Now()
	stats.durations = append(stats.durations, duration)
	if len(stats.durations) > maxDurationSamples {
		stats.durations = stats.durations[1:]
	}
	m.mu.Unlock()

	m.updateThroughput()
}

// RecordTaskCreated counts a new task record
func (m *Metrics) RecordTaskCreated() {
	atomic.AddInt64(&m.tasksCreated, 1)
}

// RecordTaskDeleted counts a task record removed by the final stage
func (m *Metrics) RecordTaskDeleted() {
	atomic.AddInt64(&m.tasksDeleted, 1)
}

// RecordRateDecision counts one governor decision
func (m *Metrics) RecordRateDecision(scope string, allowed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if allowed {
		m.rateAllowed[scope]++
	} else {
		m.rateRejected[scope]++
	}
}

// updateThroughput takes a sample once per interval
func (m *Metrics) updateThroughput() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(m.lastSampleTime)
	if elapsed < throughputInterval {
		return
	}

	calls := atomic.LoadInt64(&m.stageCalls)
	m.throughputSamples = append(m.throughputSamples, ThroughputSample{
		Timestamp:   now,
		CallsPerSec: float64(calls-m.callsAtLastSample) / elapsed.Seconds(),
		WindowSize:  elapsed,
	})
	if len(m.throughputSamples) > maxSeriesSamples {
		m.throughputSamples = m.throughputSamples[1:]
	}

	m.callsAtLastSample = calls
	m.lastSampleTime = now
}

// GetThroughputTrend returns throughput samples within duration
func (m *Metrics) GetThroughputTrend(duration time.Duration) []ThroughputSample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-duration)
	var trend []ThroughputSample
	for _, sample := range m.throughputSamples {
		if sample.Timestamp.After(cutoff) {
			trend = append(trend, sample)
		}
	}
	return trend
}

// caller must hold lock
func (m *Metrics) getThroughput() float64 {
	if len(m.throughputSamples) == 0 {
		return 0
	}
	return m.throughputSamples[len(m.throughputSamples)-1].CallsPerSec
}

// caller must hold lock
func (m *Metrics) getAvgThroughput() float64 {
	if len(m.throughputSamples) == 0 {
		return 0
	}
	var sum float64
	for _, sample := range m.throughputSamples {
		sum += sample.CallsPerSec
	}
	return sum / float64(len(m.throughputSamples))
}

// percentiles returns the mean and nearest-rank p95/p99 of samples
func percentiles(samples []time.Duration) (avg, p95, p99 time.Duration) {
	if len(samples) == 0 {
		return 0, 0, 0
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	avg = sum / time.Duration(len(sorted))
	return avg, rank(sorted, 95), rank(sorted, 99)
}

func rank(sorted []time.Duration, p int) time.Duration {
	idx := (p*len(sorted)+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// StageSummary returns counters for one stage
func (m *Metrics) StageSummary(stage string) (StageSummary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats, ok := m.stages[stage]
	if !ok {
		return StageSummary{}, false
	}
	return summarize(stats), true
}

func summarize(stats *StageStats) StageSummary {
	avg, p95, p99 := percentiles(stats.durations)
	return StageSummary{
		Stage:       stats.Stage,
		Calls:       stats.Calls,
		Failures:    stats.Failures,
		AvgDuration: avg,
		P95Duration: p95,
		P99Duration: p99,
		LastCall:    stats.LastCall,
	}
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stages := make([]StageSummary, 0, len(m.stages))
	for _, stats := range m.stages {
		stages = append(stages, summarize(stats))
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Stage < stages[j].Stage })

	rate := make(map[string]RateSummary)
	for scope, n := range m.rateAllowed {
		s := rate[scope]
		s.Allowed = n
		rate[scope] = s
	}
	for scope, n := range m.rateRejected {
		s := rate[scope]
		s.Rejected = n
		rate[scope] = s
	}

	return MetricsSnapshot{
		LiveTasks:         atomic.LoadInt64(&m.liveTasks),
		LiveTasksHigh:     m.liveTasksHigh,
		LiveTasksLow:      m.liveTasksLow,
		TasksCreated:      atomic.LoadInt64(&m.tasksCreated),
		TasksDeleted:      atomic.LoadInt64(&m.tasksDeleted),
		Stages:            stages,
		Rate:              rate,
		StageCalls:        atomic.LoadInt64(&m.stageCalls),
		CurrentThroughput: m.getThroughput(),
		AvgThroughput:     m.getAvgThroughput(),
		Uptime:            time.Since(m.startTime),
		LastUpdated:       time.Now(),
	}
}

// Reset clears all metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	atomic.StoreInt64(&m.liveTasks, 0)
	atomic.StoreInt64(&m.tasksCreated, 0)
	atomic.StoreInt64(&m.tasksDeleted, 0)
	atomic.StoreInt64(&m.stageCalls, 0)
	m.liveTasksHigh = 0
	m.liveTasksLow = 0
	m.callsAtLastSample = 0

	m.stages = make(map[string]*StageStats)
	m.rateAllowed = make(map[string]int64)
	m.rateRejected = make(map[string]int64)
	m.liveTasksSeries = make([]LiveTaskSnapshot, 0, maxSeriesSamples)
	m.throughputSamples = make([]ThroughputSample, 0, maxSeriesSamples)

	now := time.Now()
	m.startTime = now
	m.lastLiveCheck = now
	m.lastSampleTime = now
}
