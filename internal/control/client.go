package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/flowcap/internal/core"
)

// Client is a control channel client.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client. A zero timeout defaults to 10s.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Call sends one request and decodes the result into out (which may be
// nil). An RPC error is returned as *ErrorInfo.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrDaemonNotRunning, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	req := Request{JSONRPC: "2.0", Method: method, ID: uuid.NewString()}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = data
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64<<10), 64<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		return fmt.Errorf("connection closed without response")
	}

	var resp rawResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if id := fmt.Sprintf("%v", resp.ID); id != req.ID {
		return fmt.Errorf("response ID mismatch: expected %v, got %v", req.ID, id)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// Status calls session_status.
func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var out DaemonStatus
	err := c.Call(ctx, MethodSessionStatus, nil, &out)
	return out, err
}

// Stats calls session_stats.
func (c *Client) Stats(ctx context.Context) (core.CaptureStats, error) {
	var out core.CaptureStats
	err := c.Call(ctx, MethodSessionStats, nil, &out)
	return out, err
}

// Flows calls flow_list.
func (c *Client) Flows(ctx context.Context, limit int) (FlowListResult, error) {
	var out FlowListResult
	err := c.Call(ctx, MethodFlowList, FlowListParams{Limit: limit}, &out)
	return out, err
}

// Lookup calls flow_lookup.
func (c *Client) Lookup(ctx context.Context, params FlowLookupParams) (FlowLookupResult, error) {
	var out FlowLookupResult
	err := c.Call(ctx, MethodFlowLookup, params, &out)
	return out, err
}

// Shutdown calls daemon_shutdown.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, MethodDaemonShutdown, nil, nil)
}
