package utils

import (
	"sync"
	"time"
)

// Tracks performance metrics across the messaging core
type MetricsCollector struct {
	mu           sync.RWMutex
	requestCount uint64
	errorCount   uint64

	// Maps operation name to list of latencies in nanoseconds
	operationTimes map[string][]int64

	systemStartTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		operationTimes:  make(map[string][]int64),
		systemStartTime: time.Now(),
	}
}

func (mc *MetricsCollector) IncrementRequests() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.requestCount++
}

func (mc *MetricsCollector) IncrementErrors() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.errorCount++
}

func (mc *MetricsCollector) AddOperationLatency(operationName string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, exists := mc.operationTimes[operationName]; !exists {
		mc.operationTimes[operationName] = make([]int64, 0)
	}
	mc.operationTimes[operationName] = append(
		mc.operationTimes[operationName],
		duration.Nanoseconds(),
	)
}

// OperationSnapshot summarizes one operation's recorded latencies.
type OperationSnapshot struct {
	Count   int
	Average time.Duration
	Max     time.Duration
}

// Snapshot returns per-operation latency summaries plus the request and
// error counters. Used by the simulator to print a run report.
func (mc *MetricsCollector) Snapshot() (map[string]OperationSnapshot, uint64, uint64) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	ops := make(map[string]OperationSnapshot, len(mc.operationTimes))
	for name, samples := range mc.operationTimes {
		if len(samples) == 0 {
			continue
		}
		var sum, max int64
		for _, s := range samples {
			sum += s
			if s > max {
				max = s
			}
		}
		ops[name] = OperationSnapshot{
			Count:   len(samples),
			Average: time.Duration(sum / int64(len(samples))),
			Max:     time.Duration(max),
		}
	}
	return ops, mc.requestCount, mc.errorCount
}

// Uptime reports how long the collector has been running.
func (mc *MetricsCollector) Uptime() time.Duration {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return time.Since(mc.systemStartTime)
}
