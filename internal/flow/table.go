// Package flow implements the flow table: 5-tuple keyed aggregation with
// open addressing, TCP state tracking and idle eviction.
package flow

import (
	"fmt"
	"sync"
	"time"

	"firestige.xyz/flowcap/internal/core"
)

const (
	MinTableSize = 1 << 12
	MaxTableSize = 1 << 24

	DefaultCloseGrace = 5 * time.Second

	// scanChunk buckets are aged per write-lock hold.
	scanChunk = 1024
)

// Config parameterises a Table.
type Config struct {
	TableSize     int           // Buckets, power of two
	IdleTimeout   time.Duration // Evict after this long without packets
	CloseGrace    time.Duration // Linger after FIN before eviction
	Bidirectional bool          // Merge both directions into one record
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.TableSize < MinTableSize || c.TableSize > MaxTableSize || c.TableSize&(c.TableSize-1) != 0 {
		return fmt.Errorf("flow table size %d must be a power of two in [%d, %d]: %w",
			c.TableSize, MinTableSize, MaxTableSize, core.ErrConfigInvalid)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout %s: %w", c.IdleTimeout, core.ErrConfigInvalid)
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = DefaultCloseGrace
	}
	return nil
}

// Packet is the flow-relevant view of one captured frame.
type Packet struct {
	Tuple    core.FlowTuple
	TCPFlags uint8
	Bytes    uint32
}

type entry struct {
	used    bool
	hash    uint64
	key     key
	closeAt int64
	rec     core.FlowRecord
}

// Table is the flow table. Writers (capture, aging) take the write lock;
// Lookup and Snapshot take the read lock and return copies.
type Table struct {
	cfg Config

	mu      sync.RWMutex
	buckets []entry
	mask    uint64
	count   int
	limit   int // occupancy at which new flows are refused
}

// New allocates a table.
func New(cfg Config) (*Table, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Table{
		cfg:     cfg,
		buckets: make([]entry, cfg.TableSize),
		mask:    uint64(cfg.TableSize - 1),
		limit:   cfg.TableSize / 8 * 7,
	}, nil
}

// Config returns the table configuration.
func (t *Table) Config() Config { return t.cfg }

// Len returns the number of live records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// find returns the bucket index holding k, or the empty bucket ending its
// probe chain. Caller holds mu.
func (t *Table) find(k key, h uint64) (int, bool) {
	i := h & t.mask
	for {
		e := &t.buckets[i]
		if !e.used {
			return int(i), false
		}
		if e.hash == h && e.key == k {
			return int(i), true
		}
		i = (i + 1) & t.mask
	}
}

// Observe accounts one packet at nowNs. A new flow on a table at its
// occupancy limit fails with core.ErrTableFull and leaves the table
// unchanged. A TCP RST closes the flow and removes it; the closed record is
// returned with closed=true so the caller can export it.
func (t *Table) Observe(p Packet, nowNs int64) (rec core.FlowRecord, closed bool, err error) {
	k := canonical(p.Tuple, t.cfg.Bidirectional)
	h := k.hash()

	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.find(k, h)
	e := &t.buckets[i]
	if !ok {
		if t.count >= t.limit {
			return core.FlowRecord{}, false, core.ErrTableFull
		}
		*e = entry{
			used: true,
			hash: h,
			key:  k,
			rec: core.FlowRecord{
				Tuple:       p.Tuple,
				FlowID:      h,
				FirstSeenNs: nowNs,
				LastSeenNs:  nowNs,
				State:       core.FlowActive,
			},
		}
		t.count++
	}

	r := &e.rec
	if p.Tuple.SrcIP == r.Tuple.SrcIP && p.Tuple.SrcPort == r.Tuple.SrcPort &&
		p.Tuple.DstIP == r.Tuple.DstIP && p.Tuple.DstPort == r.Tuple.DstPort {
		r.PacketsFwd++
		r.BytesFwd += uint64(p.Bytes)
	} else {
		r.PacketsRev++
		r.BytesRev += uint64(p.Bytes)
	}
	if nowNs > r.LastSeenNs {
		r.LastSeenNs = nowNs
	}

	if p.Tuple.Protocol == core.ProtoTCP {
		r.TCPFlags |= p.TCPFlags
		switch {
		case p.TCPFlags&core.TCPFlagRST != 0:
			r.State = core.FlowClosed
			r.EndReason = core.EndOfFlow
			out := *r
			t.remove(i)
			return out, true, nil
		case p.TCPFlags&core.TCPFlagFIN != 0 && r.State == core.FlowActive:
			r.State = core.FlowClosing
			e.closeAt = nowNs + int64(t.cfg.CloseGrace)
		}
	}

	return *r, false, nil
}

// Lookup returns a copy of the record for tup. With bidirectional tracking
// either orientation finds the record.
func (t *Table) Lookup(tup core.FlowTuple) (core.FlowRecord, bool) {
	k := canonical(tup, t.cfg.Bidirectional)
	h := k.hash()

	t.mu.RLock()
	defer t.mu.RUnlock()

	i, ok := t.find(k, h)
	if !ok {
		return core.FlowRecord{}, false
	}
	return t.buckets[i].rec, true
}

// Snapshot returns copies of all live records.
func (t *Table) Snapshot() []core.FlowRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]core.FlowRecord, 0, t.count)
	for i := range t.buckets {
		if t.buckets[i].used {
			out = append(out, t.buckets[i].rec)
		}
	}
	return out
}

// AgeAndEvict removes records idle for longer than the idle timeout and
// closing records past their grace period, and returns them. The table is
// scanned in chunks so the write lock is never held for a full sweep.
func (t *Table) AgeAndEvict(nowNs int64) []core.FlowRecord {
	idle := int64(t.cfg.IdleTimeout)
	var out []core.FlowRecord

	for start := 0; start < len(t.buckets); start += scanChunk {
		t.mu.Lock()
		end := min(start+scanChunk, len(t.buckets))
		for i := start; i < end; {
			e := &t.buckets[i]
			if !e.used {
				i++
				continue
			}

			reason := core.EndNone
			switch {
			case e.rec.State == core.FlowClosed:
				reason = core.EndOfFlow
			case e.rec.State == core.FlowClosing && nowNs >= e.closeAt:
				reason = core.EndOfFlow
			case nowNs-e.rec.LastSeenNs > idle:
				reason = core.EndIdle
			}
			if reason == core.EndNone {
				i++
				continue
			}

			rec := e.rec
			if reason == core.EndOfFlow {
				rec.State = core.FlowClosed
			}
			rec.EndReason = reason
			out = append(out, rec)

			// backward shift may move another entry into i; look again
			t.remove(i)
		}
		t.mu.Unlock()
	}
	return out
}

// Drain removes every record, marking them force-ended.
func (t *Table) Drain() []core.FlowRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]core.FlowRecord, 0, t.count)
	for i := range t.buckets {
		if t.buckets[i].used {
			rec := t.buckets[i].rec
			rec.EndReason = core.EndForced
			out = append(out, rec)
		}
	}
	clear(t.buckets)
	t.count = 0
	return out
}

// remove deletes bucket i with backward-shift deletion, keeping every
// probe chain contiguous without tombstones. Caller holds mu.
func (t *Table) remove(i int) {
	hole := uint64(i)
	j := hole
	for {
		j = (j + 1) & t.mask
		e := &t.buckets[j]
		if !e.used {
			break
		}
		home := e.hash & t.mask
		// e may fill the hole unless its home lies cyclically in (hole, j]
		if (j > hole && (home <= hole || home > j)) || (j < hole && home <= hole && home > j) {
			t.buckets[hole] = *e
			hole = j
		}
	}
	t.buckets[hole] = entry{}
	t.count--
}
