// Package routing implements the distance-vector routing table: per-node
// metric/via/role/link-quality/RTT bookkeeping, hello-frame ingestion,
// stale-entry expiry, and the role-based "best neighbor" lookup used by
// the destination selector.
//
// Modeled on the teacher repo's mheard.go heard-station table — a single
// mutex guarding a map keyed by peer identity, append-or-update semantics,
// no deletion in the common path — generalized into a real distance
// vector with metrics and timeouts per the routing engine's data model.
package routing

import (
	"sync"
	"time"

	"github.com/loramesh/meshd/internal/proto"
)

// DefaultMaxSize is RT_MAX_SIZE from the configuration table.
const DefaultMaxSize = 256

// DefaultTimeout is the per-entry GC tick / neighbor staleness window.
const DefaultTimeout = 5 * time.Second

// DefaultTimeoutCycles is how many empty DefaultTimeout windows an entry
// survives before expiry ("an entry older than DEFAULT_TIMEOUT·k for k
// empty hello cycles is removed").
const DefaultTimeoutCycles = 3

// Entry is one distance-vector routing-table row.
type Entry struct {
	Address proto.Address
	Via     proto.Address
	Metric  uint8
	Role    proto.Role

	LastSNR  float64
	LastRSSI float64

	SRTT   time.Duration
	RTTVAR time.Duration

	TimeoutDeadline time.Time
}

// IsNeighbor reports whether this entry is a direct, one-hop neighbor.
func (e Entry) IsNeighbor() bool { return e.Metric == 1 && e.Via == e.Address }

// Table is the node's distance-vector routing table. The zero value is
// not usable; construct with New.
type Table struct {
	mu sync.Mutex

	local   proto.Address
	maxSize int
	timeout time.Duration
	cycles  int

	entries map[proto.Address]*Entry

	onRemove []func(Entry)
}

// Config configures a Table's capacity and expiry timing.
type Config struct {
	Local   proto.Address
	MaxSize int           // default DefaultMaxSize
	Timeout time.Duration // default DefaultTimeout
	Cycles  int           // default DefaultTimeoutCycles
}

// New builds an empty Table for the local node.
func New(cfg Config) *Table {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Cycles <= 0 {
		cfg.Cycles = DefaultTimeoutCycles
	}
	return &Table{
		local:   cfg.Local,
		maxSize: cfg.MaxSize,
		timeout: cfg.Timeout,
		cycles:  cfg.Cycles,
		entries: make(map[proto.Address]*Entry),
	}
}

// OnRemove registers a callback invoked (outside the table's lock) for
// every entry removed by ExpireStale, so in-flight sequence contexts
// referencing a lost route can be torn down.
func (t *Table) OnRemove(fn func(Entry)) {
	t.mu.Lock()
	t.onRemove = append(t.onRemove, fn)
	t.mu.Unlock()
}

func (t *Table) deadline(now time.Time) time.Time {
	return now.Add(t.timeout * time.Duration(t.cycles))
}

// Find returns a copy of the entry for addr, if any.
func (t *Table) Find(addr proto.Address) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// NextHop returns the next-hop address toward dst, if a route exists.
func (t *Table) NextHop(dst proto.Address) (proto.Address, bool) {
	e, ok := t.Find(dst)
	if !ok {
		return 0, false
	}
	return e.Via, true
}

// AllNodes returns a snapshot of every known entry.
func (t *Table) AllNodes() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}

// Size returns the number of known entries.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// MaxSize returns the table's configured capacity (RT_MAX_SIZE), used by
// the scheduler's collision-avoidance retry cap.
func (t *Table) MaxSize() int { return t.maxSize }

// maxMetricLocked returns the highest metric currently stored, or 0 if
// the table is empty. Caller must hold t.mu.
func (t *Table) maxMetricLocked() uint8 {
	var max uint8
	for _, e := range t.entries {
		if e.Metric > max {
			max = e.Metric
		}
	}
	return max
}

// insertOrRejectLocked inserts a brand-new entry, applying the
// capacity-rejection rule when the table is full. Caller must hold t.mu.
func (t *Table) insertOrRejectLocked(e Entry) {
	if len(t.entries) >= t.maxSize {
		if e.Metric >= t.maxMetricLocked() {
			return // full, and not a strictly better route: reject.
		}
	}
	t.entries[e.Address] = &e
}

// ProcessRouteFrame ingests one hello advertisement: sender is always
// registered as a one-hop neighbor, and every (addr, metric, role) tuple
// is folded into the table per the routing-engine ingestion rules.
func (t *Table) ProcessRouteFrame(sender proto.Address, senderRole proto.Role, snr float64, tuples []proto.RouteTuple) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if sender != t.local {
		t.registerNeighborLocked(sender, senderRole, snr, now)
	}

	for _, tup := range tuples {
		if tup.Address == t.local || tup.Address == sender {
			continue
		}
		t.ingestTupleLocked(sender, snr, tup, now)
	}
}

func (t *Table) registerNeighborLocked(sender proto.Address, role proto.Role, snr float64, now time.Time) {
	if existing, ok := t.entries[sender]; ok {
		existing.Via = sender
		existing.Metric = 1
		existing.Role = role
		existing.LastSNR = snr
		existing.TimeoutDeadline = t.deadline(now)
		return
	}
	t.insertOrRejectLocked(Entry{
		Address:         sender,
		Via:             sender,
		Metric:          1,
		Role:            role,
		LastSNR:         snr,
		TimeoutDeadline: t.deadline(now),
	})
}

func (t *Table) ingestTupleLocked(sender proto.Address, senderSNR float64, tup proto.RouteTuple, now time.Time) {
	newMetric := tup.Metric + 1
	if newMetric < tup.Metric {
		newMetric = 255 // saturate rather than wrap past the 1..255 metric range.
	}

	existing, present := t.entries[tup.Address]
	if !present {
		t.insertOrRejectLocked(Entry{
			Address:         tup.Address,
			Via:             sender,
			Metric:          newMetric,
			Role:            tup.Role,
			LastSNR:         senderSNR,
			TimeoutDeadline: t.deadline(now),
		})
		return
	}

	switch {
	case existing.Via == sender:
		// Update agrees with current via: just reset the timeout.
		existing.TimeoutDeadline = t.deadline(now)

	case existing.Metric < newMetric:
		// Existing route is strictly better: keep it untouched.

	case newMetric < existing.Metric || (newMetric == existing.Metric && senderSNR > existing.LastSNR):
		existing.Via = sender
		existing.Metric = newMetric
		existing.Role = tup.Role
		existing.LastSNR = senderSNR
		existing.TimeoutDeadline = t.deadline(now)

	default:
		// Same metric, no better SNR, different via: nothing to do.
	}
}

// ExpireStale removes every entry whose deadline has passed as of now,
// invokes the removal callbacks for each (outside the lock), and returns
// the removed entries.
func (t *Table) ExpireStale(now time.Time) []Entry {
	t.mu.Lock()
	var removed []Entry
	for addr, e := range t.entries {
		if e.TimeoutDeadline.Before(now) {
			removed = append(removed, *e)
			delete(t.entries, addr)
		}
	}
	callbacks := append([]func(Entry){}, t.onRemove...)
	t.mu.Unlock()

	for _, e := range removed {
		for _, fn := range callbacks {
			fn(e)
		}
	}
	return removed
}

// BestByRole returns the lowest-metric entry whose Role intersects mask,
// tie-broken by the higher last-heard SNR.
func (t *Table) BestByRole(mask proto.Role) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best *Entry
	for _, e := range t.entries {
		if e.Role&mask == 0 {
			continue
		}
		if best == nil || e.Metric < best.Metric || (e.Metric == best.Metric && e.LastSNR > best.LastSNR) {
			cp := *e
			best = &cp
		}
	}
	if best == nil {
		return Entry{}, false
	}
	return *best, true
}

// UpdateRTT applies the RFC 6298-style smoothing sample to addr's entry,
// if it exists, clamped to 100s. Returns false if the entry is gone.
func (t *Table) UpdateRTT(addr proto.Address, sample time.Duration) bool {
	const clamp = 100 * time.Second

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[addr]
	if !ok {
		return false
	}

	if e.SRTT == 0 {
		e.SRTT = sample
		e.RTTVAR = sample / 2
	} else {
		diff := e.SRTT - sample
		if diff < 0 {
			diff = -diff
		}
		e.RTTVAR = (3*e.RTTVAR + diff) / 4
		e.SRTT = (7*e.SRTT + sample) / 8
	}
	if e.SRTT > clamp {
		e.SRTT = clamp
	}
	if e.RTTVAR > clamp {
		e.RTTVAR = clamp
	}
	return true
}
