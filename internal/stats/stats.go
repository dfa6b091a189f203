// Package stats holds the process-wide protocol counters (spec.md §3).
// They are monotonic and reset only on restart.
package stats

import "sync/atomic"

// Counters is the process-wide counter block. All fields are accessed via
// atomic add so the mgmt snapshot can safely read them from any goroutine,
// even though every mutation in practice happens on the single event-loop
// goroutine.
type Counters struct {
	Errors       uint64
	RegSuper     uint64
	RegSuperNak  uint64
	Forwarded    uint64
	Broadcast    uint64
	LastFwd      int64
	LastRegSuper int64
	StartTime    int64
}

func (c *Counters) IncErrors()      { atomic.AddUint64(&c.Errors, 1) }
func (c *Counters) IncRegSuper()    { atomic.AddUint64(&c.RegSuper, 1) }
func (c *Counters) IncRegSuperNak() { atomic.AddUint64(&c.RegSuperNak, 1) }
func (c *Counters) IncForwarded()   { atomic.AddUint64(&c.Forwarded, 1) }
func (c *Counters) IncBroadcast()   { atomic.AddUint64(&c.Broadcast, 1) }

func (c *Counters) SetLastFwd(now int64)      { atomic.StoreInt64(&c.LastFwd, now) }
func (c *Counters) SetLastRegSuper(now int64) { atomic.StoreInt64(&c.LastRegSuper, now) }

// Snapshot is a point-in-time copy of the counters, safe to format without
// further synchronization.
type Snapshot struct {
	Errors       uint64
	RegSuper     uint64
	RegSuperNak  uint64
	Forwarded    uint64
	Broadcast    uint64
	LastFwd      int64
	LastRegSuper int64
	StartTime    int64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Errors:       atomic.LoadUint64(&c.Errors),
		RegSuper:     atomic.LoadUint64(&c.RegSuper),
		RegSuperNak:  atomic.LoadUint64(&c.RegSuperNak),
		Forwarded:    atomic.LoadUint64(&c.Forwarded),
		Broadcast:    atomic.LoadUint64(&c.Broadcast),
		LastFwd:      atomic.LoadInt64(&c.LastFwd),
		LastRegSuper: atomic.LoadInt64(&c.LastRegSuper),
		StartTime:    atomic.LoadInt64(&c.StartTime),
	}
}
