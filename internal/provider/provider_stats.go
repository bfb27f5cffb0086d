package provider

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ProviderStats tracks per provider/model outcomes for logs and the admin
// endpoint. Counters are atomics; the map is guarded for insertion only.
type ProviderStats struct {
	mu    sync.RWMutex
	stats map[statsKey]*providerMetrics
}

type statsKey struct {
	provider Tag
	model    string
}

type providerMetrics struct {
	successCount   atomic.Int64
	failureCount   atomic.Int64
	fallbackCount  atomic.Int64
	totalLatencyNs atomic.Int64
	lastUsed       atomic.Int64
	lastError      atomic.Value // string
}

func NewProviderStats() *ProviderStats {
	return &ProviderStats{stats: make(map[statsKey]*providerMetrics)}
}

func (ps *ProviderStats) getOrCreate(key statsKey) *providerMetrics {
	ps.mu.RLock()
	m := ps.stats[key]
	ps.mu.RUnlock()
	if m != nil {
		return m
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if m = ps.stats[key]; m != nil {
		return m
	}
	m = &providerMetrics{}
	ps.stats[key] = m
	return m
}

// RecordSuccess records a successful call and its latency.
func (ps *ProviderStats) RecordSuccess(provider Tag, model string, latency time.Duration) {
	m := ps.getOrCreate(statsKey{provider, model})
	m.successCount.Add(1)
	m.totalLatencyNs.Add(int64(latency))
	m.lastUsed.Store(time.Now().UnixNano())
}

// RecordFailure records a failed call; fallback marks that another
// candidate was tried afterwards.
func (ps *ProviderStats) RecordFailure(provider Tag, model string, err error, fallback bool) {
	m := ps.getOrCreate(statsKey{provider, model})
	m.failureCount.Add(1)
	if fallback {
		m.fallbackCount.Add(1)
	}
	if err != nil {
		m.lastError.Store(err.Error())
	}
	m.lastUsed.Store(time.Now().UnixNano())
}

// StatsRow is a point-in-time view of one provider/model pair.
type StatsRow struct {
	Provider     Tag       `json:"provider"`
	Model        string    `json:"model"`
	Success      int64     `json:"success"`
	Failure      int64     `json:"failure"`
	Fallbacks    int64     `json:"fallbacks"`
	AvgLatencyMs int64     `json:"avg_latency_ms"`
	LastUsed     time.Time `json:"last_used"`
	LastError    string    `json:"last_error,omitempty"`
}

// Snapshot returns rows sorted by provider priority then model.
func (ps *ProviderStats) Snapshot() []StatsRow {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	rows := make([]StatsRow, 0, len(ps.stats))
	for key, m := range ps.stats {
		success := m.successCount.Load()
		row := StatsRow{
			Provider:  key.provider,
			Model:     key.model,
			Success:   success,
			Failure:   m.failureCount.Load(),
			Fallbacks: m.fallbackCount.Load(),
			LastUsed:  time.Unix(0, m.lastUsed.Load()),
		}
		if success > 0 {
			row.AvgLatencyMs = m.totalLatencyNs.Load() / success / int64(time.Millisecond)
		}
		if s, ok := m.lastError.Load().(string); ok {
			row.LastError = s
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Provider != rows[j].Provider {
			return rows[i].Provider.Rank() < rows[j].Provider.Rank()
		}
		return rows[i].Model < rows[j].Model
	})
	return rows
}
