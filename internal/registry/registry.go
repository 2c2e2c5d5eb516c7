// Package registry tracks the live persistent connections of this process.
// It is an owned value, not a singleton: every task that needs it is handed
// the same *Registry.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"socialchat/internal/logger"
	"socialchat/internal/metrics"
	"socialchat/internal/model"
)

// Handle is the transport side of a connection.
type Handle interface {
	// Send queues one serialized envelope. It must not block on the network.
	Send(payload []byte) error
	// Ping sends a liveness probe.
	Ping() error
	// Close tears the transport down. Safe to call more than once.
	Close() error
}

// Connection is one admitted persistent session.
type Connection struct {
	ID          string
	Identity    model.Identity
	ConnectedAt time.Time

	handle Handle

	mu      sync.Mutex
	lastAck time.Time
	alive   bool
}

// Handle returns the transport handle.
func (c *Connection) Handle() Handle { return c.handle }

// LastAck returns the time of the most recent liveness acknowledgement.
func (c *Connection) LastAck() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAck
}

// Alive reports whether the last probe has been answered.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *Connection) ack(now time.Time) {
	c.mu.Lock()
	c.alive = true
	c.lastAck = now
	c.mu.Unlock()
}

// probe clears the alive flag and reports whether it was set.
func (c *Connection) probe() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.alive
	c.alive = false
	return was
}

func (c *Connection) send(payload []byte) error {
	return c.handle.Send(payload)
}

// Predicate selects broadcast recipients.
type Predicate func(*Connection) bool

// Except excludes one connection id.
func Except(id string) Predicate {
	return func(c *Connection) bool { return c.ID != id }
}

// Options configure a Registry.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Registry maps connection ids to live connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	seq   atomic.Uint64

	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New builds an empty Registry.
func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		conns:   make(map[string]*Connection),
		log:     logger.OrNop(opts.Logger),
		metrics: opts.Metrics,
		now:     opts.Clock,
	}
}

// Admit stores a new connection for identity and announces it to every other
// connection with user_online. welcome, when non-nil, runs after the entry is
// stored but before any concurrent broadcast can observe it, so whatever it
// queues on the handle precedes all live traffic.
func (r *Registry) Admit(identity model.Identity, handle Handle, welcome func(*Connection)) *Connection {
	now := r.now()
	c := &Connection{
		ID:          fmt.Sprintf("%s-%d-%d", identity.ID, now.UnixMilli(), r.seq.Add(1)),
		Identity:    identity,
		ConnectedAt: now,
		handle:      handle,
		lastAck:     now,
		alive:       true,
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	total := len(r.conns)
	if welcome != nil {
		welcome(c)
	}
	r.mu.Unlock()

	r.metrics.ConnectionAdmitted()
	r.log.Info("connection admitted",
		zap.String("connection_id", c.ID),
		zap.String("user_id", identity.ID),
		zap.Int("total", total))

	r.Broadcast(model.MustWrap(model.UserOnline{
		UserID:    identity.ID,
		UserName:  identity.DisplayName,
		Timestamp: model.FormatTime(now),
	}), Except(c.ID))
	return c
}

// Remove deletes the connection and announces user_offline. Removing an id
// that is not present is a no-op and reports false.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.metrics.ConnectionRemoved()
	r.log.Info("connection removed",
		zap.String("connection_id", id),
		zap.String("user_id", c.Identity.ID),
		zap.Int("total", total))

	r.Broadcast(model.MustWrap(model.UserOffline{
		UserID:    c.Identity.ID,
		Timestamp: model.FormatTime(r.now()),
	}), nil)
	return true
}

// Broadcast sends env to every connection accepted by pred (all when nil)
// and returns how many sends succeeded. Individual failures are swallowed;
// the close handler or the liveness monitor cleans those connections up.
func (r *Registry) Broadcast(env model.Envelope, pred Predicate) int {
	payload, err := json.Marshal(env)
	if err != nil {
		r.log.Error("marshal broadcast envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return 0
	}

	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if pred == nil || pred(c) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	return r.deliver(targets, payload, env.Type)
}

// SendTo delivers env to every connection owned by userID.
func (r *Registry) SendTo(userID string, env model.Envelope) int {
	return r.Broadcast(env, func(c *Connection) bool { return c.Identity.ID == userID })
}

// Send delivers env to a single connection.
func (r *Registry) Send(c *Connection, env model.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}
	if err := c.send(payload); err != nil {
		r.metrics.SendDropped()
		return err
	}
	return nil
}

func (r *Registry) deliver(targets []*Connection, payload []byte, typ model.Type) int {
	delivered := 0
	for _, c := range targets {
		if err := c.send(payload); err != nil {
			r.metrics.SendDropped()
			r.log.Debug("send failed",
				zap.String("connection_id", c.ID),
				zap.String("type", string(typ)),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// Ack marks the connection alive. It reports false if the id is unknown.
func (r *Registry) Ack(id string) bool {
	c, ok := r.Get(id)
	if !ok {
		return false
	}
	c.ack(r.now())
	return true
}

// Get looks a connection up by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the current connections in no particular order.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Probe clears the alive flag of c and reports whether it had been set
// since the previous probe.
func (r *Registry) Probe(c *Connection) bool {
	return c.probe()
}

// Evict closes the handle and removes the connection through the same path
// the close handler uses, so user_offline is announced once.
func (r *Registry) Evict(id string) bool {
	c, ok := r.Get(id)
	if !ok {
		return false
	}
	_ = c.handle.Close()
	return r.Remove(id)
}

// Detach empties the registry without closing handles or announcing presence
// changes and returns the connections it held. A later Remove of a detached
// id is a no-op, so the caller owns closing them.
func (r *Registry) Detach() []*Connection {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		r.metrics.ConnectionRemoved()
		out = append(out, c)
	}
	return out
}

// CloseAll closes every handle and empties the registry without announcing
// presence changes. Used on shutdown.
func (r *Registry) CloseAll() int {
	conns := r.Detach()
	for _, c := range conns {
		_ = c.handle.Close()
	}
	return len(conns)
}

// Stat is a point-in-time view of one connection.
type Stat struct {
	ConnectionID         string `json:"connectionId"`
	UserID               string `json:"userId"`
	UserName             string `json:"userName"`
	ConnectedAt          string `json:"connectedAt"`
	LastHeartbeat        string `json:"lastHeartbeat"`
	ConnectionDurationMs int64  `json:"connectionDurationMs"`
}

// Stats describes every live connection.
func (r *Registry) Stats() []Stat {
	now := r.now()
	conns := r.Snapshot()
	out := make([]Stat, 0, len(conns))
	for _, c := range conns {
		out = append(out, Stat{
			ConnectionID:         c.ID,
			UserID:               c.Identity.ID,
			UserName:             c.Identity.DisplayName,
			ConnectedAt:          model.FormatTime(c.ConnectedAt),
			LastHeartbeat:        model.FormatTime(c.LastAck()),
			ConnectionDurationMs: now.Sub(c.ConnectedAt).Milliseconds(),
		})
	}
	return out
}
