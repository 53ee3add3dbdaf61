package core

// SessionState is the lifecycle state of a capture session.
type SessionState string

const (
	StateCreated SessionState = "created"
	StateRunning SessionState = "running"
	StateStopped SessionState = "stopped"
	StateClosed  SessionState = "closed"
)

// CaptureStats is a read-only snapshot of session counters.
type CaptureStats struct {
	PacketsReceived uint64 `json:"packets_received"`
	PacketsDropped  uint64 `json:"packets_dropped"`
	PacketsFiltered uint64 `json:"packets_filtered"`
	BytesReceived   uint64 `json:"bytes_received"`
	KernelDrops     uint64 `json:"kernel_drops"`
	BackendErrors   uint64 `json:"backend_errors"`
	DecodeErrors    uint64 `json:"decode_errors"`

	ActiveFlows  uint64 `json:"active_flows"`
	FlowsEvicted uint64 `json:"flows_evicted"`
	TableFull    uint64 `json:"table_full"`

	FlowsExported uint64 `json:"flows_exported"`
	ExportDropped uint64 `json:"export_dropped"`
	ExportErrors  uint64 `json:"export_errors"`

	Degraded bool         `json:"degraded"`
	Backend  string       `json:"backend"`
	State    SessionState `json:"state"`
}
