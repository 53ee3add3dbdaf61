// Package control implements the daemon's JSON-RPC 2.0 channel over a
// Unix domain socket. Requests and responses are newline-delimited.
package control

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"firestige.xyz/flowcap/internal/core"
)

// Methods
const (
	MethodSessionStatus  = "session_status"
	MethodSessionStats   = "session_stats"
	MethodFlowList       = "flow_list"
	MethodFlowLookup     = "flow_lookup"
	MethodDaemonShutdown = "daemon_shutdown"
)

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
	ErrCodeFlowDisabled   = -32001 // Flow metering is not enabled
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      any        `json:"id"`
	Result  any        `json:"result,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is the error member of a response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// DaemonStatus is the session_status result.
type DaemonStatus struct {
	Session core.SessionState `json:"state"`
	ID      string            `json:"id"`
	Iface   string            `json:"interface"`
	Backend string            `json:"backend"`
	Started time.Time         `json:"started"`
	Uptime  string            `json:"uptime"`
	Flow    bool              `json:"flow"`
	Export  bool              `json:"export"`
	Crypto  bool              `json:"encrypted"`
	PID     int               `json:"pid"`
}

// FlowListParams are the flow_list parameters. Limit <= 0 returns every flow.
type FlowListParams struct {
	Limit int `json:"limit,omitempty"`
}

// FlowListResult is the flow_list result, ordered by bytes descending.
type FlowListResult struct {
	Total int         `json:"total"`
	Flows []FlowEntry `json:"flows"`
}

// FlowLookupParams are the flow_lookup parameters.
type FlowLookupParams struct {
	SrcIP    string `json:"src_ip"`
	DstIP    string `json:"dst_ip"`
	SrcPort  uint16 `json:"src_port"`
	DstPort  uint16 `json:"dst_port"`
	Protocol uint8  `json:"protocol"`
}

// Tuple parses the parameters into a flow tuple.
func (p FlowLookupParams) Tuple() (core.FlowTuple, error) {
	src, err := netip.ParseAddr(p.SrcIP)
	if err != nil {
		return core.FlowTuple{}, fmt.Errorf("src_ip: %w", err)
	}
	dst, err := netip.ParseAddr(p.DstIP)
	if err != nil {
		return core.FlowTuple{}, fmt.Errorf("dst_ip: %w", err)
	}
	return core.FlowTuple{
		SrcIP:    src,
		DstIP:    dst,
		SrcPort:  p.SrcPort,
		DstPort:  p.DstPort,
		Protocol: p.Protocol,
	}, nil
}

// FlowLookupResult is the flow_lookup result.
type FlowLookupResult struct {
	Found bool       `json:"found"`
	Flow  *FlowEntry `json:"flow,omitempty"`
}

// FlowEntry is a flow record as carried on the wire.
type FlowEntry struct {
	FlowID     uint64 `json:"flow_id"`
	SrcIP      string `json:"src_ip"`
	DstIP      string `json:"dst_ip"`
	SrcPort    uint16 `json:"src_port"`
	DstPort    uint16 `json:"dst_port"`
	Protocol   uint8  `json:"protocol"`
	PacketsFwd uint64 `json:"packets_fwd"`
	PacketsRev uint64 `json:"packets_rev"`
	BytesFwd   uint64 `json:"bytes_fwd"`
	BytesRev   uint64 `json:"bytes_rev"`
	FirstSeen  int64  `json:"first_seen_ns"`
	LastSeen   int64  `json:"last_seen_ns"`
	TCPFlags   uint8  `json:"tcp_flags"`
	State      string `json:"state"`
}

// NewFlowEntry converts a flow record.
func NewFlowEntry(r core.FlowRecord) FlowEntry {
	return FlowEntry{
		FlowID:     r.FlowID,
		SrcIP:      r.Tuple.SrcIP.String(),
		DstIP:      r.Tuple.DstIP.String(),
		SrcPort:    r.Tuple.SrcPort,
		DstPort:    r.Tuple.DstPort,
		Protocol:   r.Tuple.Protocol,
		PacketsFwd: r.PacketsFwd,
		PacketsRev: r.PacketsRev,
		BytesFwd:   r.BytesFwd,
		BytesRev:   r.BytesRev,
		FirstSeen:  r.FirstSeenNs,
		LastSeen:   r.LastSeenNs,
		TCPFlags:   r.TCPFlags,
		State:      r.State.String(),
	}
}
