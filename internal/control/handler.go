package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"firestige.xyz/flowcap/internal/core"
	"firestige.xyz/flowcap/internal/metrics"
	"firestige.xyz/flowcap/internal/session"
)

// Target is the session the handler reports on.
type Target interface {
	Status() session.Status
	Stats() core.CaptureStats
	FlowGetAll() ([]core.FlowRecord, error)
	FlowLookup(core.FlowTuple) (core.FlowRecord, bool, error)
}

// Handler dispatches control requests to a session.
type Handler struct {
	target   Target
	shutdown func() // Called by daemon_shutdown to trigger graceful stop
}

// NewHandler creates a handler for target.
func NewHandler(target Target) *Handler {
	return &Handler{target: target}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown method.
func (h *Handler) SetShutdownFunc(fn func()) {
	h.shutdown = fn
}

// Handle processes one request.
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	slog.Debug("handling control request", "method", req.Method, "id", req.ID)

	var (
		result any
		rpcErr *ErrorInfo
	)
	switch req.Method {
	case MethodSessionStatus:
		result = h.status()
	case MethodSessionStats:
		result = h.target.Stats()
	case MethodFlowList:
		result, rpcErr = h.flowList(req.Params)
	case MethodFlowLookup:
		result, rpcErr = h.flowLookup(req.Params)
	case MethodDaemonShutdown:
		result, rpcErr = h.daemonShutdown()
	default:
		rpcErr = &ErrorInfo{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method %q not found", req.Method),
		}
	}

	outcome := "ok"
	if rpcErr != nil {
		outcome = "error"
		result = nil
	}
	metrics.ControlRequestsTotal.WithLabelValues(req.Method, outcome).Inc()

	return Response{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
}

func (h *Handler) status() DaemonStatus {
	st := h.target.Status()
	out := DaemonStatus{
		Session: st.State,
		ID:      st.ID,
		Iface:   st.Interface,
		Backend: st.Backend,
		Started: st.Started,
		Flow:    st.Flow,
		Export:  st.Export,
		Crypto:  st.Encrypted,
		PID:     os.Getpid(),
	}
	if !st.Started.IsZero() {
		out.Uptime = time.Since(st.Started).Round(time.Second).String()
	}
	return out
}

func (h *Handler) flowList(raw json.RawMessage) (any, *ErrorInfo) {
	var params FlowListParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, invalidParams(err)
		}
	}
	recs, err := h.target.FlowGetAll()
	if err != nil {
		return nil, fromError(err)
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Bytes() > recs[j].Bytes() })
	res := FlowListResult{Total: len(recs)}
	if params.Limit > 0 && len(recs) > params.Limit {
		recs = recs[:params.Limit]
	}
	res.Flows = make([]FlowEntry, 0, len(recs))
	for _, r := range recs {
		res.Flows = append(res.Flows, NewFlowEntry(r))
	}
	return res, nil
}

func (h *Handler) flowLookup(raw json.RawMessage) (any, *ErrorInfo) {
	var params FlowLookupParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams(err)
	}
	tup, err := params.Tuple()
	if err != nil {
		return nil, invalidParams(err)
	}
	rec, ok, err := h.target.FlowLookup(tup)
	if err != nil {
		return nil, fromError(err)
	}
	if !ok {
		return FlowLookupResult{}, nil
	}
	entry := NewFlowEntry(rec)
	return FlowLookupResult{Found: true, Flow: &entry}, nil
}

func (h *Handler) daemonShutdown() (any, *ErrorInfo) {
	if h.shutdown == nil {
		return nil, &ErrorInfo{Code: ErrCodeInternalError, Message: "shutdown not supported"}
	}
	slog.Info("shutdown requested over control channel")
	// The response goes out before the daemon tears the server down.
	go h.shutdown()
	return map[string]string{"status": "shutting down"}, nil
}

func invalidParams(err error) *ErrorInfo {
	return &ErrorInfo{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
}

func fromError(err error) *ErrorInfo {
	if errors.Is(err, core.ErrFlowDisabled) {
		return &ErrorInfo{Code: ErrCodeFlowDisabled, Message: err.Error()}
	}
	return &ErrorInfo{Code: ErrCodeInternalError, Message: err.Error()}
}
