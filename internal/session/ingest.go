package session

import (
	"errors"
	"io"
	"time"

	"github.com/google/gopacket"

	"firestige.xyz/flowcap/internal/core"
	"firestige.xyz/flowcap/internal/core/decoder"
	"firestige.xyz/flowcap/internal/flow"
	"firestige.xyz/flowcap/internal/ringbuf"
	"firestige.xyz/flowcap/internal/seal"
)

// captureLoop is the single ring writer.
func (s *Session) captureLoop() {
	defer s.wg.Done()

	var (
		backoff  time.Duration
		failures int
		firstErr time.Time
	)
	for {
		if s.ctx.Err() != nil {
			return
		}

		_, err := s.handle.RecvInto(s.ctx, s)
		if err == nil {
			backoff, failures = 0, 0
			if s.degraded.CompareAndSwap(true, false) {
				s.log.Info("capture recovered")
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			s.log.Info("capture source exhausted")
			return
		}
		if s.ctx.Err() != nil {
			return
		}

		s.backendErrors.Add(1)
		now := time.Now()
		if failures == 0 || now.Sub(firstErr) > degradeWindow {
			failures, firstErr = 0, now
		}
		failures++
		if failures >= degradeAfter && s.degraded.CompareAndSwap(false, true) {
			s.log.Warn("capture degraded", "consecutive_errors", failures, "error", err)
		} else {
			s.log.Debug("capture receive failed", "error", err)
		}

		backoff = min(max(2*backoff, time.Millisecond), maxBackoff)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// Write ingests one frame. It is called from the capture goroutine only.
func (s *Session) Write(data []byte, ci gopacket.CaptureInfo) {
	s.received.Add(1)
	origLen := ci.Length
	if origLen < len(data) {
		origLen = len(data)
	}
	s.bytes.Add(uint64(origLen))

	if s.filter != nil && !s.filter.Match(data) {
		s.filtered.Add(1)
		return
	}

	ts, hw := s.clk.Stamp(ci.Timestamp)
	var flags core.PacketFlags
	if hw {
		flags |= core.FlagHardwareTimestamp
	}

	// metering sees every frame, even when the ring is full
	if s.table != nil && !s.meter(data, origLen, ts) {
		flags |= core.FlagNotFlowAttributed
	}

	slot, err := s.ring.TryReserve(ringbuf.DefaultSpins, ringbuf.DefaultBudget)
	if err != nil {
		return
	}

	capLen := min(len(data), s.cfg.SnapLen)
	if capLen < origLen {
		flags |= core.FlagTruncated
	}
	meta := core.CapturedPacket{
		TimestampNs: ts,
		CaptureLen:  uint32(capLen),
		OrigLen:     uint32(origLen),
	}

	n := capLen
	if s.sealer != nil {
		var aad [12]byte
		n, err = s.sealer.Seal(slot.Buf, data[:capLen], seal.AAD(&aad, ts, meta.OrigLen))
		if err != nil {
			// the slot stays reserved and is reused by the next frame
			s.sealDrops.Add(1)
			return
		}
		flags |= core.FlagEncrypted
	} else {
		copy(slot.Buf, data[:capLen])
	}
	meta.Flags = flags

	if err := s.ring.Commit(slot, n, meta); err != nil {
		s.log.Error("ring commit failed", "error", err)
	}
}

// meter accounts a frame to its flow. It reports false when the frame
// could not be attributed.
func (s *Session) meter(data []byte, origLen int, ts int64) bool {
	m, err := decoder.Decode(data, s.link)
	if err != nil {
		if errors.Is(err, core.ErrPacketTooShort) {
			s.decodeErrors.Add(1)
		}
		return false
	}

	size := m.IPLen
	if size == 0 {
		size = uint32(origLen)
	}
	rec, closed, err := s.table.Observe(flow.Packet{Tuple: m.Tuple, TCPFlags: m.TCPFlags, Bytes: size}, ts)
	if err != nil {
		s.tableFull.Add(1)
		return false
	}
	if closed {
		s.evict(rec)
	}
	return true
}

func (s *Session) evict(recs ...core.FlowRecord) {
	s.evicted.Add(uint64(len(recs)))
	if s.exporter != nil {
		s.exporter.Enqueue(recs...)
	}
}

func (s *Session) agingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flowCfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.ageNow()
		}
	}
}

// ageNow evicts idle and finished flows as of the session clock.
func (s *Session) ageNow() int {
	recs := s.table.AgeAndEvict(s.clk.Now())
	if len(recs) > 0 {
		s.evict(recs...)
		s.log.Debug("flows evicted", "count", len(recs), "active", s.table.Len())
	}
	return len(recs)
}
