package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsSnapshot is a point-in-time copy of the bus counters.
type MetricsSnapshot struct {
	SubscriberCount int
	Delivered       int64
	Failed          int64
	Expired         int64

	// Throughput is deliveries per second since the bus started.
	Throughput float64

	// PerAgent counts deliveries into each mailbox.
	PerAgent map[string]int64
}

type metrics struct {
	started   time.Time
	delivered atomic.Int64
	failed    atomic.Int64
	expired   atomic.Int64

	mu       sync.Mutex
	perAgent map[string]int64
}

func newMetrics() *metrics {
	return &metrics{
		started:  time.Now(),
		perAgent: make(map[string]int64),
	}
}

func (m *metrics) recordDelivered(agentID string) {
	m.delivered.Add(1)
	m.mu.Lock()
	m.perAgent[agentID]++
	m.mu.Unlock()
}

func (m *metrics) recordFailed(n int) {
	m.failed.Add(int64(n))
}

func (m *metrics) recordExpired() {
	m.expired.Add(1)
}

func (m *metrics) snapshot(subscribers int) MetricsSnapshot {
	s := MetricsSnapshot{
		SubscriberCount: subscribers,
		Delivered:       m.delivered.Load(),
		Failed:          m.failed.Load(),
		Expired:         m.expired.Load(),
	}
	if elapsed := time.Since(m.started).Seconds(); elapsed > 0 {
		s.Throughput = float64(s.Delivered) / elapsed
	}

	m.mu.Lock()
	s.PerAgent = make(map[string]int64, len(m.perAgent))
	for id, n := range m.perAgent {
		s.PerAgent[id] = n
	}
	m.mu.Unlock()
	return s
}
