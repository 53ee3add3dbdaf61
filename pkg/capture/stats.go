package capture

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Rates are per-second deltas between two stats snapshots.
type Rates struct {
	Packets  float64 // Received packets per second
	Bytes    float64 // Received bytes per second
	Dropped  float64 // Ring drops per second
	Exported float64 // Exported flow records per second
}

// RateMeter turns successive CaptureStats snapshots into rates.
type RateMeter struct {
	mu   sync.Mutex
	last CaptureStats
	at   time.Time
	now  func() time.Time
}

// NewRateMeter returns a meter that measures from its first update.
func NewRateMeter() *RateMeter {
	return &RateMeter{now: time.Now}
}

// Update records st and returns the rates since the previous update. The
// first update returns zero rates.
func (m *RateMeter) Update(st CaptureStats) Rates {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var r Rates
	if !m.at.IsZero() {
		if elapsed := now.Sub(m.at).Seconds(); elapsed > 0 {
			r = Rates{
				Packets:  delta(st.PacketsReceived, m.last.PacketsReceived) / elapsed,
				Bytes:    delta(st.BytesReceived, m.last.BytesReceived) / elapsed,
				Dropped:  delta(st.PacketsDropped, m.last.PacketsDropped) / elapsed,
				Exported: delta(st.FlowsExported, m.last.FlowsExported) / elapsed,
			}
		}
	}
	m.last, m.at = st, now
	return r
}

// counters restart with a new session; treat a decrease as a reset
func delta(cur, prev uint64) float64 {
	if cur < prev {
		return float64(cur)
	}
	return float64(cur - prev)
}

// DropRate is the percentage of received packets lost before a consumer
// could poll them, kernel drops included.
func DropRate(st CaptureStats) float64 {
	lost := st.PacketsDropped + st.KernelDrops
	total := st.PacketsReceived + st.KernelDrops
	if total == 0 {
		return 0
	}
	return float64(lost) / float64(total) * 100
}

// PrintStats writes a human-readable report of st to w.
func PrintStats(w io.Writer, st CaptureStats, r Rates, showHeader bool) {
	if showHeader {
		fmt.Fprintln(w, "==================================================")
		fmt.Fprintln(w, "                flowcap capture status            ")
		fmt.Fprintln(w, "==================================================")
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "[SESSION]")
	fmt.Fprintf(w, "  Backend:           %s\n", st.Backend)
	fmt.Fprintf(w, "  State:             %s\n", st.State)
	fmt.Fprintf(w, "  Degraded:          %t\n", st.Degraded)

	fmt.Fprintln(w, "\n[PACKETS]")
	fmt.Fprintf(w, "  Received:          %d\n", st.PacketsReceived)
	fmt.Fprintf(w, "  Bytes:             %d\n", st.BytesReceived)
	fmt.Fprintf(w, "  Filtered:          %d\n", st.PacketsFiltered)
	fmt.Fprintf(w, "  Dropped:           %d\n", st.PacketsDropped)
	fmt.Fprintf(w, "  Kernel Drops:      %d\n", st.KernelDrops)
	fmt.Fprintf(w, "  Drop Rate:         %.2f%%\n", DropRate(st))
	fmt.Fprintf(w, "  Backend Errors:    %d\n", st.BackendErrors)
	fmt.Fprintf(w, "  Decode Errors:     %d\n", st.DecodeErrors)
	fmt.Fprintf(w, "  Rate:              %.0f pps, %.0f B/s\n", r.Packets, r.Bytes)

	fmt.Fprintln(w, "\n[FLOWS]")
	fmt.Fprintf(w, "  Active:            %d\n", st.ActiveFlows)
	fmt.Fprintf(w, "  Evicted:           %d\n", st.FlowsEvicted)
	fmt.Fprintf(w, "  Table Full:        %d\n", st.TableFull)
	fmt.Fprintf(w, "  Exported:          %d (%.0f/s)\n", st.FlowsExported, r.Exported)
	fmt.Fprintf(w, "  Export Dropped:    %d\n", st.ExportDropped)
	fmt.Fprintf(w, "  Export Errors:     %d\n", st.ExportErrors)

	if showHeader {
		fmt.Fprintln(w, "\n==================================================")
	} else {
		fmt.Fprintln(w)
	}
}
