// Package ringbuf implements the single-writer, multi-reader packet ring
// that sits between a capture backend and its consumers.
//
// The ring is one mmap'd arena cut into fixed-size slots. Positions are
// monotonically increasing sequence numbers; slot = seq % slots. The
// writer publishes committed slots by advancing head; readers hand slots
// out with Poll and give them back with Release. The tail only moves over
// released slots, so the writer never overwrites data a consumer holds.
package ringbuf

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/flowcap/internal/core"
)

const (
	slotAlign = 64
	minSlots  = 2

	// Bounded backpressure: spin this many times or for this long before
	// the writer gives up on a full ring.
	DefaultSpins  = 64
	DefaultBudget = 50 * time.Microsecond
)

const (
	slotFree uint32 = iota
	slotCommitted
	slotPolled
	slotReleased
)

var arenaIDs atomic.Uint64

// Options tune ring allocation.
type Options struct {
	HugePages bool
}

type slotDesc struct {
	state  atomic.Uint32
	seq    uint64
	length uint32
	meta   core.CapturedPacket
}

// Slot is a reserved, not yet committed, region of the ring.
type Slot struct {
	seq uint64
	Buf []byte // Full slot capacity; fill a prefix and commit its length
}

// Ring is a packet ring buffer.
type Ring struct {
	id       uint64
	arena    []byte
	slotSize int
	slots    uint64
	descs    []slotDesc

	head atomic.Uint64 // next sequence the writer will commit
	tail atomic.Uint64 // oldest sequence not yet released

	mu     sync.Mutex // serialises readers
	cursor uint64     // next sequence Poll hands out
	closed atomic.Bool

	dropped atomic.Uint64
}

// New allocates a ring of sizeBytes split into slots of at least slotBytes.
func New(sizeBytes, slotBytes int, opts Options) (*Ring, error) {
	if slotBytes <= 0 {
		return nil, fmt.Errorf("slot size %d: %w", slotBytes, core.ErrConfigInvalid)
	}
	slotSize := (slotBytes + slotAlign - 1) / slotAlign * slotAlign

	pageSize := os.Getpagesize()
	size := sizeBytes / pageSize * pageSize
	slots := size / slotSize
	if slots < minSlots {
		return nil, fmt.Errorf("ring of %d bytes holds %d slots of %d bytes: %w",
			sizeBytes, slots, slotSize, core.ErrConfigInvalid)
	}

	arena, err := mapArena(size, opts.HugePages)
	if err != nil {
		return nil, err
	}

	return &Ring{
		id:       arenaIDs.Add(1),
		arena:    arena,
		slotSize: slotSize,
		slots:    uint64(slots),
		descs:    make([]slotDesc, slots),
	}, nil
}

// SlotSize returns the byte capacity of one slot.
func (r *Ring) SlotSize() int { return r.slotSize }

// Cap returns the number of slots.
func (r *Ring) Cap() int { return int(r.slots) }

// Len returns the number of slots committed and not yet released.
func (r *Ring) Len() int { return int(r.head.Load() - r.tail.Load()) }

// Dropped returns the number of reservations abandoned because the ring
// stayed full.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }

// Positions returns the raw head and tail sequences.
func (r *Ring) Positions() (head, tail uint64) {
	return r.head.Load(), r.tail.Load()
}

// Reserve returns the next free slot. Writer only. Reserving again without
// committing returns the same slot.
func (r *Ring) Reserve() (Slot, error) {
	if r.closed.Load() {
		return Slot{}, core.ErrRingClosed
	}

	h := r.head.Load()
	if h-r.tail.Load() >= r.slots {
		return Slot{}, core.ErrBufferFull
	}

	off := int(h%r.slots) * r.slotSize
	return Slot{seq: h, Buf: r.arena[off : off+r.slotSize : off+r.slotSize]}, nil
}

// TryReserve retries Reserve for a bounded number of spins or until budget
// elapses. A reservation that still fails is counted as a drop.
func (r *Ring) TryReserve(spins int, budget time.Duration) (Slot, error) {
	var deadline time.Time
	for i := 0; ; i++ {
		s, err := r.Reserve()
		if !errors.Is(err, core.ErrBufferFull) {
			return s, err
		}
		if i >= spins {
			break
		}
		// clock reads are not free; check the budget every few spins
		if i&7 == 0 {
			now := time.Now()
			if deadline.IsZero() {
				deadline = now.Add(budget)
			} else if now.After(deadline) {
				break
			}
		}
		runtime.Gosched()
	}

	r.dropped.Add(1)
	return Slot{}, core.ErrBufferFull
}

// Commit publishes length bytes of slot s together with the packet
// metadata. Writer only.
func (r *Ring) Commit(s Slot, length int, meta core.CapturedPacket) error {
	if length < 0 || length > r.slotSize {
		return fmt.Errorf("commit %d bytes into %d byte slot: %w", length, r.slotSize, core.ErrInvalidSlot)
	}
	if s.seq != r.head.Load() {
		return core.ErrInvalidSlot
	}

	d := &r.descs[s.seq%r.slots]
	d.seq = s.seq
	d.length = uint32(length)
	meta.Ref = core.SlotRef{
		Arena:  r.id,
		Seq:    s.seq,
		Offset: uint32(int(s.seq%r.slots) * r.slotSize),
		Length: uint32(length),
	}
	d.meta = meta
	d.state.Store(slotCommitted)

	r.head.Store(s.seq + 1)
	return nil
}

// Poll hands out up to max committed packets without blocking.
func (r *Ring) Poll(max int) []core.CapturedPacket {
	if max <= 0 || r.closed.Load() {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	avail := r.head.Load() - r.cursor
	if avail == 0 {
		return nil
	}
	n := min(uint64(max), avail)

	out := make([]core.CapturedPacket, 0, n)
	for i := uint64(0); i < n; i++ {
		d := &r.descs[r.cursor%r.slots]
		d.state.Store(slotPolled)
		out = append(out, d.meta)
		r.cursor++
	}
	return out
}

// Bytes returns the stored bytes of a polled packet. The slice aliases the
// arena and is valid until the packet is released.
func (r *Ring) Bytes(ref core.SlotRef) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.lookup(ref)
	if err != nil {
		return nil, err
	}
	off := int(ref.Offset)
	return r.arena[off : off+int(d.length) : off+int(d.length)], nil
}

// Release returns a polled slot to the writer.
func (r *Ring) Release(ref core.SlotRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.lookup(ref)
	if err != nil {
		return err
	}
	d.state.Store(slotReleased)

	// advance the tail over every contiguous released slot
	t := r.tail.Load()
	for t < r.cursor {
		d := &r.descs[t%r.slots]
		if d.seq != t || d.state.Load() != slotReleased {
			break
		}
		d.state.Store(slotFree)
		t++
	}
	r.tail.Store(t)
	return nil
}

// lookup validates ref against the current ring state. Caller holds mu.
func (r *Ring) lookup(ref core.SlotRef) (*slotDesc, error) {
	if r.closed.Load() {
		return nil, core.ErrRingClosed
	}
	if ref.Arena != r.id || ref.Seq >= r.cursor || ref.Seq < r.tail.Load() {
		return nil, core.ErrInvalidSlot
	}
	d := &r.descs[ref.Seq%r.slots]
	if d.seq != ref.Seq || d.state.Load() != slotPolled {
		return nil, core.ErrInvalidSlot
	}
	return d, nil
}

// Close unmaps the arena. Byte slices obtained from Bytes must not be
// used afterwards. Close is idempotent.
func (r *Ring) Close() error {
	if r.closed.Swap(true) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := unmapArena(r.arena)
	r.arena = nil
	return err
}
