// Package metrics exposes session counters to Prometheus and OpenTelemetry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"firestige.xyz/flowcap/internal/core"
)

const namespace = "flowcap"

var (
	// ControlRequestsTotal counts control channel requests by method and result
	ControlRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Total number of control channel requests",
		},
		[]string{"method", "result"},
	)

	// SessionStatus tracks the session lifecycle state
	SessionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_status",
			Help:      "Current session state (0=created, 1=running, 2=stopped, 3=closed)",
		},
		[]string{"session"},
	)
)

// StatusValue maps a session state to the SessionStatus gauge value.
func StatusValue(s core.SessionState) float64 {
	switch s {
	case core.StateRunning:
		return 1
	case core.StateStopped:
		return 2
	case core.StateClosed:
		return 3
	default:
		return 0
	}
}

// Source is a session whose counters are exported.
type Source interface {
	ID() string
	Stats() core.CaptureStats
}

type counterDesc struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(core.CaptureStats) float64
}

// SessionCollector reads session counters at scrape time, so the capture
// path never touches Prometheus.
type SessionCollector struct {
	src   Source
	descs []counterDesc
}

// NewSessionCollector returns a collector for src.
func NewSessionCollector(src Source) *SessionCollector {
	labels := []string{"session", "backend"}
	counter := func(name, help string, fn func(core.CaptureStats) uint64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil),
			kind:  prometheus.CounterValue,
			value: func(st core.CaptureStats) float64 { return float64(fn(st)) },
		}
	}
	gauge := func(name, help string, fn func(core.CaptureStats) float64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil),
			kind:  prometheus.GaugeValue,
			value: fn,
		}
	}

	return &SessionCollector{
		src: src,
		descs: []counterDesc{
			counter("packets_received_total", "Frames delivered by the capture backend",
				func(st core.CaptureStats) uint64 { return st.PacketsReceived }),
			counter("packets_dropped_total", "Frames lost to a full ring buffer",
				func(st core.CaptureStats) uint64 { return st.PacketsDropped }),
			counter("packets_filtered_total", "Frames rejected by the userspace filter",
				func(st core.CaptureStats) uint64 { return st.PacketsFiltered }),
			counter("bytes_received_total", "Wire bytes of received frames",
				func(st core.CaptureStats) uint64 { return st.BytesReceived }),
			counter("kernel_drops_total", "Frames dropped below the session by kernel, NIC or driver",
				func(st core.CaptureStats) uint64 { return st.KernelDrops }),
			counter("backend_errors_total", "Failed backend receive calls",
				func(st core.CaptureStats) uint64 { return st.BackendErrors }),
			counter("decode_errors_total", "Frames too short to decode",
				func(st core.CaptureStats) uint64 { return st.DecodeErrors }),
			counter("flows_evicted_total", "Flow records removed from the table",
				func(st core.CaptureStats) uint64 { return st.FlowsEvicted }),
			counter("flow_table_full_total", "New flows refused by a full table",
				func(st core.CaptureStats) uint64 { return st.TableFull }),
			counter("flows_exported_total", "Flow records sent to the collector",
				func(st core.CaptureStats) uint64 { return st.FlowsExported }),
			counter("export_dropped_total", "Flow records lost before export",
				func(st core.CaptureStats) uint64 { return st.ExportDropped }),
			counter("export_errors_total", "Failed datagram sends and publishes",
				func(st core.CaptureStats) uint64 { return st.ExportErrors }),
			gauge("flows_active", "Live flow records",
				func(st core.CaptureStats) float64 { return float64(st.ActiveFlows) }),
			gauge("degraded", "1 while repeated backend errors persist",
				func(st core.CaptureStats) float64 {
					if st.Degraded {
						return 1
					}
					return 0
				}),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector.
func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	id := c.src.ID()
	for _, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d.desc, d.kind, d.value(st), id, st.Backend)
	}
	SessionStatus.WithLabelValues(id).Set(StatusValue(st.State))
}
