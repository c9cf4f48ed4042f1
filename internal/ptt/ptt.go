// Package ptt tracks push-to-talk transmission state: the local gate plus
// the last reported state of every remote member. It is pure bookkeeping
// and broadcast; it never touches negotiation.
package ptt

import (
	"log/slog"
	"sync"
)

// BroadcastFunc announces the local gate state to the rest of the room.
type BroadcastFunc func(active bool) error

// Coordinator owns the transmission gate for one client.
type Coordinator struct {
	broadcast BroadcastFunc
	log       *slog.Logger

	mu     sync.Mutex
	local  bool
	remote map[string]bool
}

func NewCoordinator(broadcast BroadcastFunc, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		broadcast: broadcast,
		log:       logger,
		remote:    make(map[string]bool),
	}
}

// SetLocalTransmitting updates the gate and announces it. Every call
// broadcasts, including repeats of the current value: the relay path is
// lossy and listeners treat the updates as idempotent, so deduplicating
// here would only risk a stuck remote view.
func (c *Coordinator) SetLocalTransmitting(active bool) {
	c.mu.Lock()
	c.local = active
	c.mu.Unlock()

	if err := c.broadcast(active); err != nil {
		c.log.Debug("transmission broadcast failed", "active", active, "err", err)
	}
}

func (c *Coordinator) LocalTransmitting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// HandleRemoteTransmission records a remote member's reported state. Last
// delivered value wins; there is no freshness check.
func (c *Coordinator) HandleRemoteTransmission(member string, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote[member] = active
}

// Transmitting reports the last-known state of a remote member. Unknown
// members are not transmitting.
func (c *Coordinator) Transmitting(member string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote[member]
}

// Forget drops a member's entry, typically when they leave the room.
func (c *Coordinator) Forget(member string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.remote, member)
}

// Snapshot returns a copy of the remote transmission map.
func (c *Coordinator) Snapshot() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.remote))
	for k, v := range c.remote {
		out[k] = v
	}
	return out
}
