package internal

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

const defaultPingInterval = 30 * time.Second

// LivenessMonitor pings every registered connection on a fixed period and
// evicts connections that have shown no life for twice that period. Eviction
// goes through the registry's idempotent deregistration, so racing with a
// voluntary disconnect is safe.
type LivenessMonitor struct {
	registry *Registry
	metrics  *Metrics
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewLivenessMonitor(registry *Registry, metrics *Metrics, interval time.Duration) *LivenessMonitor {
	if interval <= 0 {
		interval = defaultPingInterval
	}
	return &LivenessMonitor{
		registry: registry,
		metrics:  metrics,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the ping/sweep loop. Call Stop to end it.
func (m *LivenessMonitor) Start() {
	go m.run()
}

// Stop ends the loop and waits for it to finish.
func (m *LivenessMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *LivenessMonitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.pingAll()
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *LivenessMonitor) pingAll() {
	frame := pingFrame{Type: "ping", Timestamp: time.Now().Format(time.RFC3339)}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return
	}
	for _, c := range m.registry.All() {
		// A failed ping enqueue means the writer is wedged; the sweep
		// will take the connection out once it goes stale.
		c.enqueue(encoded)
	}
}

// sweep evicts connections whose last sign of life is older than twice the
// ping interval, closing the transport so their read loops unwind.
func (m *LivenessMonitor) sweep() {
	now := time.Now()
	cutoff := 2 * m.interval
	for _, c := range m.registry.All() {
		stale, ok := m.registry.StaleSince(c, now)
		if !ok || stale <= cutoff {
			continue
		}
		if _, err := m.registry.Deregister(c); err == nil {
			m.metrics.DecConn()
			m.metrics.IncEviction()
			log.Printf("evicted stale connection for %s (idle %s)", c.username, stale.Round(time.Millisecond))
		}
		c.shutdown()
	}
}
