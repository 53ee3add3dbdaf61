package clock

import (
	"sync/atomic"
	"time"
)

// Manual is a source that only moves when told to. Used by tests and by
// offline replays that want deterministic aging.
type Manual struct {
	now atomic.Int64
}

// NewManual starts a manual clock at start.
func NewManual(start time.Time) *Manual {
	m := &Manual{}
	m.now.Store(start.UnixNano())
	return m
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) { m.now.Add(int64(d)) }

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) { m.now.Store(t.UnixNano()) }

func (m *Manual) Name() string                  { return "manual" }
func (m *Manual) Now() int64                    { return m.now.Load() }
func (m *Manual) Stamp(time.Time) (int64, bool) { return m.now.Load(), false }
func (m *Manual) WallTime(ns int64) time.Time   { return time.Unix(0, ns) }
func (m *Manual) Close() error                  { return nil }
