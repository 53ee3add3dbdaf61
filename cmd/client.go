package cmd

import (
	"context"
	"time"

	"firestige.xyz/flowcap/internal/control"
	"firestige.xyz/flowcap/internal/core"
)

// DaemonClient is the subset of the control client the commands use.
type DaemonClient interface {
	Status(ctx context.Context) (control.DaemonStatus, error)
	Stats(ctx context.Context) (core.CaptureStats, error)
	Flows(ctx context.Context, limit int) (control.FlowListResult, error)
	Shutdown(ctx context.Context) error
}

// newClient is replaced in tests.
var newClient = func() DaemonClient {
	return control.NewClient(socketPath, 10*time.Second)
}
