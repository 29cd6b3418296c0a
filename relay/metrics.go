// Copyright 2025 TripFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"sort"
	"sync"
	"time"
)

// RelayMetrics tracks per-stage request metrics for the JSON /metrics
// endpoint. Prometheus counters cover the same ground for scraping; this
// snapshot exists for quick curl-based inspection.
type RelayMetrics struct {
	mu        sync.RWMutex
	startTime time.Time

	// Request counters
	totalRequests   int64
	successRequests int64
	failedRequests  int64

	// Per-stage latencies (bounded ring of the last 1000 samples)
	submitTimings []int64
	statusTimings []int64

	// Error tracking for error rate calculation
	errorTimestamps []time.Time

	// Health status tracking
	healthCheckPassed bool
	consecutiveErrors int64
}

// NewRelayMetrics creates an empty metrics tracker
func NewRelayMetrics() *RelayMetrics {
	return &RelayMetrics{
		startTime:         time.Now(),
		submitTimings:     make([]int64, 0, 1000),
		statusTimings:     make([]int64, 0, 1000),
		errorTimestamps:   make([]time.Time, 0, 1000),
		healthCheckPassed: true,
	}
}

// recordRequest records one handled request for the given stage
func (m *RelayMetrics) recordRequest(stage string, latencyMs int64, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	if success {
		m.successRequests++
		m.consecutiveErrors = 0
		m.healthCheckPassed = true
	} else {
		m.failedRequests++
		m.consecutiveErrors++
		m.errorTimestamps = append(m.errorTimestamps, time.Now())
		if len(m.errorTimestamps) > 1000 {
			m.errorTimestamps = m.errorTimestamps[1:]
		}
		// Mark unhealthy after 5 consecutive errors
		if m.consecutiveErrors >= 5 {
			m.healthCheckPassed = false
		}
	}

	var timings *[]int64
	switch stage {
	case "submit":
		timings = &m.submitTimings
	case "status":
		timings = &m.statusTimings
	default:
		return
	}

	if len(*timings) >= 1000 {
		*timings = (*timings)[1:]
	}
	*timings = append(*timings, latencyMs)
}

// Snapshot returns the current metrics as a JSON-friendly map
func (m *RelayMetrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := time.Since(m.startTime).Seconds()

	successRate := float64(100.0)
	if m.totalRequests > 0 {
		successRate = float64(m.successRequests) * 100.0 / float64(m.totalRequests)
	}

	healthUp := 0
	if m.healthCheckPassed {
		healthUp = 1
	}

	return map[string]interface{}{
		"relay_metrics": map[string]interface{}{
			"uptime_seconds":     uptime,
			"total_requests":     m.totalRequests,
			"success_requests":   m.successRequests,
			"failed_requests":    m.failedRequests,
			"success_rate":       successRate,
			"rps":                float64(m.totalRequests) / uptime,
			"error_rate_per_sec": calculateErrorRate(m.errorTimestamps),

			"submit_p50_ms": calculateP50(m.submitTimings),
			"submit_p95_ms": calculateP95(m.submitTimings),
			"submit_p99_ms": calculateP99(m.submitTimings),
			"submit_avg_ms": calculateAverage(m.submitTimings),

			"status_p50_ms": calculateP50(m.statusTimings),
			"status_p95_ms": calculateP95(m.statusTimings),
			"status_p99_ms": calculateP99(m.statusTimings),
			"status_avg_ms": calculateAverage(m.statusTimings),
		},
		"health": map[string]interface{}{
			"up":                 healthUp,
			"consecutive_errors": m.consecutiveErrors,
		},
		"timestamp": time.Now().UTC(),
	}
}

func calculatePercentile(timings []int64, percentile float64) float64 {
	if len(timings) == 0 {
		return 0
	}

	sorted := make([]int64, len(timings))
	copy(sorted, timings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(len(sorted)) * percentile)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return float64(sorted[index])
}

func calculateP50(timings []int64) float64 {
	return calculatePercentile(timings, 0.50)
}

func calculateP95(timings []int64) float64 {
	return calculatePercentile(timings, 0.95)
}

func calculateP99(timings []int64) float64 {
	return calculatePercentile(timings, 0.99)
}

func calculateAverage(timings []int64) float64 {
	if len(timings) == 0 {
		return 0
	}

	sum := int64(0)
	for _, t := range timings {
		sum += t
	}

	return float64(sum) / float64(len(timings))
}

// calculateErrorRate calculates errors per second over the last 60 seconds
func calculateErrorRate(errorTimestamps []time.Time) float64 {
	cutoff := time.Now().Add(-60 * time.Second)
	count := 0
	for _, ts := range errorTimestamps {
		if ts.After(cutoff) {
			count++
		}
	}
	return float64(count) / 60.0
}
