// Package liveness evicts persistent connections that stop answering probes.
//
// Each sweep either probes a connection (clearing its alive flag) or, if the
// flag is still clear from the previous sweep, evicts it. A silently dead
// peer is therefore removed within two intervals of its last acknowledgement.
package liveness

import (
	"context"
	"time"

	"go.uber.org/zap"

	"socialchat/internal/logger"
	"socialchat/internal/metrics"
	"socialchat/internal/registry"
)

// DefaultInterval is the sweep period used when none is configured.
const DefaultInterval = 30 * time.Second

// Monitor runs the periodic sweep over a Registry.
type Monitor struct {
	registry *registry.Registry
	interval time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// New builds a Monitor. A non-positive interval falls back to DefaultInterval.
func New(reg *registry.Registry, interval time.Duration, log *zap.Logger, m *metrics.Metrics) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{registry: reg, interval: interval, log: logger.OrNop(log), metrics: m}
}

// Interval returns the sweep period.
func (m *Monitor) Interval() time.Duration { return m.interval }

// Run sweeps every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	m.log.Info("liveness monitor started", zap.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			m.log.Info("liveness monitor stopped")
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// Sweep performs one mark-then-check pass and returns the evicted ids.
func (m *Monitor) Sweep() []string {
	var evicted []string
	for _, c := range m.registry.Snapshot() {
		if m.check(c) {
			evicted = append(evicted, c.ID)
		}
	}
	if len(evicted) > 0 {
		m.log.Info("liveness sweep evicted connections",
			zap.Int("evicted", len(evicted)),
			zap.Int("remaining", m.registry.Len()))
	}
	return evicted
}

// check handles one connection and reports whether it was evicted. A panic
// from a misbehaving handle is confined to that connection.
func (m *Monitor) check(c *registry.Connection) (evicted bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("liveness probe panicked", zap.String("connection_id", c.ID), zap.Any("panic", r))
			evicted = m.registry.Remove(c.ID)
			if evicted {
				m.metrics.ConnectionEvicted()
			}
		}
	}()

	if !m.registry.Probe(c) {
		return m.evict(c, "no ack since last sweep")
	}
	if err := c.Handle().Ping(); err != nil {
		m.log.Debug("ping failed", zap.String("connection_id", c.ID), zap.Error(err))
		return m.evict(c, "ping failed")
	}
	return false
}

func (m *Monitor) evict(c *registry.Connection, reason string) bool {
	if !m.registry.Evict(c.ID) {
		return false
	}
	m.metrics.ConnectionEvicted()
	m.log.Info("connection evicted",
		zap.String("connection_id", c.ID),
		zap.String("user_id", c.Identity.ID),
		zap.String("reason", reason),
		zap.Time("last_ack", c.LastAck()))
	return true
}
