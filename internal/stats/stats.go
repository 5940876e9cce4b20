// Package stats holds the engine's atomic packet-processing counters.
// The routing engine's concurrency model requires statistics counters to
// be atomic increments rather than guarded by any of the subsystem
// locks, since every subsystem touches a handful of them.
package stats

import "sync/atomic"

// Counters is a snapshot-friendly set of atomic counters shared across
// the engine's subsystems.
type Counters struct {
	sent               atomic.Int64
	received           atomic.Int64
	forwarded          atomic.Int64
	destinyUnreachable atomic.Int64
	deliveryFailed     atomic.Int64
	droppedOversize    atomic.Int64
	droppedNotForMe    atomic.Int64
	noDestination      atomic.Int64
}

func (c *Counters) IncSent()               { c.sent.Add(1) }
func (c *Counters) IncReceived()           { c.received.Add(1) }
func (c *Counters) IncForwarded()          { c.forwarded.Add(1) }
func (c *Counters) IncDestinyUnreachable() { c.destinyUnreachable.Add(1) }
func (c *Counters) IncDeliveryFailed()     { c.deliveryFailed.Add(1) }
func (c *Counters) IncDroppedOversize()    { c.droppedOversize.Add(1) }
func (c *Counters) IncDroppedNotForMe()    { c.droppedNotForMe.Add(1) }
func (c *Counters) IncNoDestination()      { c.noDestination.Add(1) }

// Snapshot is a point-in-time, non-atomic copy of Counters for display
// or export.
type Snapshot struct {
	Sent               int64
	Received           int64
	Forwarded          int64
	DestinyUnreachable int64
	DeliveryFailed     int64
	DroppedOversize    int64
	DroppedNotForMe    int64
	NoDestination      int64
}

// Snapshot reads every counter.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Sent:               c.sent.Load(),
		Received:           c.received.Load(),
		Forwarded:          c.forwarded.Load(),
		DestinyUnreachable: c.destinyUnreachable.Load(),
		DeliveryFailed:     c.deliveryFailed.Load(),
		DroppedOversize:    c.droppedOversize.Load(),
		DroppedNotForMe:    c.droppedNotForMe.Load(),
		NoDestination:      c.noDestination.Load(),
	}
}
