package metrics

import "sync"

// Counter names recorded by the relay. The delivery-miss counter is the only
// visibility into silently dropped signals, so keep it stable.
const (
	Joins          = "joins"
	Leaves         = "leaves"
	SignalsRelayed = "signals_relayed"
	DeliveryMiss   = "delivery_miss"
	PTTBroadcasts  = "ptt_broadcasts"
	RateLimited    = "rate_limited"
	TooManyClients = "too_many_clients"
	BadMessages    = "bad_messages"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay deliberately keeps its metrics surface small; counters are
// exported in Prometheus' text format by PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}
