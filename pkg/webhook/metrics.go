package webhook

import (
	"sort"
	"sync"
	"time"
)

// MetricsTracker keeps per-provider request counters for /health
type MetricsTracker struct {
	metrics map[string]*ProviderMetrics
	mu      sync.RWMutex
}

// NewMetricsTracker creates a new metrics tracker
func NewMetricsTracker() *MetricsTracker {
	return &MetricsTracker{
		metrics: make(map[string]*ProviderMetrics),
	}
}

// Track records one delivery with its outcome
func (mt *MetricsTracker) Track(provider, outcome string, duration time.Duration) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	m, exists := mt.metrics[provider]
	if !exists {
		m = &ProviderMetrics{Provider: provider, Outcomes: make(map[string]int64)}
		mt.metrics[provider] = m
	}

	m.TotalRequests++
	m.Outcomes[outcome]++

	ms := float64(duration.Microseconds()) / 1000
	m.AverageResponseTime = (m.AverageResponseTime*float64(m.TotalRequests-1) + ms) / float64(m.TotalRequests)
	m.LastRequestAt = time.Now().UnixMilli()
}

// GetMetrics returns a copy of every provider's counters, sorted by provider
func (mt *MetricsTracker) GetMetrics() []ProviderMetrics {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	result := make([]ProviderMetrics, 0, len(mt.metrics))
	for _, m := range mt.metrics {
		result = append(result, m.copy())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Provider < result[j].Provider })
	return result
}

// GetMetricsForProvider returns a copy of one provider's counters
func (mt *MetricsTracker) GetMetricsForProvider(provider string) *ProviderMetrics {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	m, exists := mt.metrics[provider]
	if !exists {
		return nil
	}
	c := m.copy()
	return &c
}

func (m *ProviderMetrics) copy() ProviderMetrics {
	c := *m
	c.Outcomes = make(map[string]int64, len(m.Outcomes))
	for k, v := range m.Outcomes {
		c.Outcomes[k] = v
	}
	return c
}
