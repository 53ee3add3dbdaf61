package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/flowcap/internal/core"
	"firestige.xyz/flowcap/internal/session"
)

type fakeTarget struct {
	flows    []core.FlowRecord
	disabled bool
}

func (f *fakeTarget) Status() session.Status {
	return session.Status{
		ID:        "sess-1",
		Interface: "eth0",
		Backend:   "afpacket",
		State:     core.StateRunning,
		Started:   time.Now().Add(-time.Minute),
		Flow:      !f.disabled,
	}
}

func (f *fakeTarget) Stats() core.CaptureStats {
	return core.CaptureStats{PacketsReceived: 42, Backend: "afpacket", State: core.StateRunning}
}

func (f *fakeTarget) FlowGetAll() ([]core.FlowRecord, error) {
	if f.disabled {
		return nil, core.ErrFlowDisabled
	}
	return append([]core.FlowRecord(nil), f.flows...), nil
}

func (f *fakeTarget) FlowLookup(t core.FlowTuple) (core.FlowRecord, bool, error) {
	if f.disabled {
		return core.FlowRecord{}, false, core.ErrFlowDisabled
	}
	for _, r := range f.flows {
		if r.Tuple == t {
			return r, true, nil
		}
	}
	return core.FlowRecord{}, false, nil
}

func record(srcPort uint16, bytes uint64) core.FlowRecord {
	return core.FlowRecord{
		Tuple: core.FlowTuple{
			SrcIP:    netip.MustParseAddr("10.0.0.1"),
			DstIP:    netip.MustParseAddr("10.0.0.2"),
			SrcPort:  srcPort,
			DstPort:  443,
			Protocol: 6,
		},
		FlowID:     uint64(srcPort),
		PacketsFwd: 1,
		BytesFwd:   bytes,
	}
}

func startServer(t *testing.T, target Target, shutdown func()) (*Server, *Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "flowcap.sock")
	handler := NewHandler(target)
	if shutdown != nil {
		handler.SetShutdownFunc(shutdown)
	}
	server := NewServer(socketPath, handler)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, server.Start(ctx))
	t.Cleanup(func() {
		cancel()
		server.Stop()
	})
	return server, NewClient(socketPath, 5*time.Second)
}

func TestServerClient(t *testing.T) {
	target := &fakeTarget{flows: []core.FlowRecord{record(1000, 100), record(1001, 900), record(1002, 500)}}
	server, client := startServer(t, target, nil)
	ctx := context.Background()

	info, err := os.Stat(server.socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	t.Run("session_status", func(t *testing.T) {
		st, err := client.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, "sess-1", st.ID)
		assert.Equal(t, core.StateRunning, st.Session)
		assert.Equal(t, os.Getpid(), st.PID)
		assert.NotEmpty(t, st.Uptime)
	})

	t.Run("session_stats", func(t *testing.T) {
		st, err := client.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), st.PacketsReceived)
	})

	t.Run("flow_list", func(t *testing.T) {
		res, err := client.Flows(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Total)
		require.Len(t, res.Flows, 2)
		assert.Equal(t, uint16(1001), res.Flows[0].SrcPort, "ordered by bytes")
		assert.Equal(t, uint16(1002), res.Flows[1].SrcPort)
	})

	t.Run("flow_lookup", func(t *testing.T) {
		res, err := client.Lookup(ctx, FlowLookupParams{
			SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1002, DstPort: 443, Protocol: 6,
		})
		require.NoError(t, err)
		require.True(t, res.Found)
		assert.Equal(t, uint64(500), res.Flow.BytesFwd)

		res, err = client.Lookup(ctx, FlowLookupParams{
			SrcIP: "10.0.0.9", DstIP: "10.0.0.2", SrcPort: 1, DstPort: 443, Protocol: 6,
		})
		require.NoError(t, err)
		assert.False(t, res.Found)
	})

	t.Run("flow_lookup bad address", func(t *testing.T) {
		_, err := client.Lookup(ctx, FlowLookupParams{SrcIP: "nope", DstIP: "10.0.0.2"})
		var rpcErr *ErrorInfo
		require.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, ErrCodeInvalidParams, rpcErr.Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		err := client.Call(ctx, "unknown_method", nil, nil)
		var rpcErr *ErrorInfo
		require.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, ErrCodeMethodNotFound, rpcErr.Code)
	})
}

func TestFlowDisabled(t *testing.T) {
	_, client := startServer(t, &fakeTarget{disabled: true}, nil)

	_, err := client.Flows(context.Background(), 0)
	var rpcErr *ErrorInfo
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, ErrCodeFlowDisabled, rpcErr.Code)
}

func TestDaemonShutdown(t *testing.T) {
	_, unsupported := startServer(t, &fakeTarget{}, nil)
	err := unsupported.Shutdown(context.Background())
	var rpcErr *ErrorInfo
	require.True(t, errors.As(err, &rpcErr), "no shutdown func installed")

	done := make(chan struct{})
	var once sync.Once
	_, client := startServer(t, &fakeTarget{}, func() { once.Do(func() { close(done) }) })
	require.NoError(t, client.Shutdown(context.Background()))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}

func TestMalformedRequests(t *testing.T) {
	server, _ := startServer(t, &fakeTarget{}, nil)

	conn, err := net.Dial("unix", server.socketPath)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewScanner(conn)

	tests := []struct {
		line string
		code int
	}{
		{`{not json`, ErrCodeParseError},
		{`{"jsonrpc":"1.0","method":"session_stats","id":1}`, ErrCodeInvalidRequest},
		{`{"jsonrpc":"2.0","id":2}`, ErrCodeInvalidRequest},
	}
	for _, tt := range tests {
		_, err := conn.Write([]byte(tt.line + "\n"))
		require.NoError(t, err)
		require.True(t, reader.Scan())

		var resp rawResponse
		require.NoError(t, json.Unmarshal(reader.Bytes(), &resp))
		require.NotNil(t, resp.Error, tt.line)
		assert.Equal(t, tt.code, resp.Error.Code, tt.line)
	}
}

func TestServerStopRemovesSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "stop.sock")
	server := NewServer(socketPath, NewHandler(&fakeTarget{}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, server.Start(ctx))
	cancel()

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, server.Stop())
}

func TestClientNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "absent.sock"), time.Second)
	_, err := client.Stats(context.Background())
	assert.ErrorIs(t, err, core.ErrDaemonNotRunning)
}
