// Package daemon implements the flowcap daemon lifecycle.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/flowcap/internal/config"
	"firestige.xyz/flowcap/internal/control"
	"firestige.xyz/flowcap/internal/core"
	logpkg "firestige.xyz/flowcap/internal/log"
	"firestige.xyz/flowcap/internal/metrics"
	"firestige.xyz/flowcap/internal/session"
)

const drainInterval = 10 * time.Millisecond

// Option customises a Daemon.
type Option func(*Daemon)

// WithSessionOptions passes options to the capture session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(d *Daemon) { d.sessOpts = append(d.sessOpts, opts...) }
}

// Daemon runs one capture session with its control and metrics surfaces.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string
	sessOpts   []session.Option

	sess          *session.Session
	ctlServer     *control.Server
	metricsServer *metrics.Server             // nil if metrics disabled
	otelShutdown  func(context.Context) error // nil if OTLP disabled
	logClose      func() error
	pidWritten    bool

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
	sigChan      chan os.Signal
}

// New loads the configuration at configPath.
func New(configPath string, opts ...Option) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		shutdownChan: make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Session returns the capture session, nil before Start.
func (d *Daemon) Session() *session.Session { return d.sess }

// Start brings up logging, the session, metrics and the control server.
// On error everything already started is torn down.
func (d *Daemon) Start() (err error) {
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	slog.Info("starting flowcap daemon",
		"config", d.configPath,
		"interface", d.config.Capture.Interface,
		"socket", d.config.Control.Socket,
	)

	defer func() {
		if err != nil {
			d.Stop()
		}
	}()

	if err := WritePIDFile(d.config.Control.PIDFile); err != nil {
		return err
	}
	d.pidWritten = true
	if err := d.startSession(); err != nil {
		return err
	}
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}

	handler := control.NewHandler(d.sess)
	handler.SetShutdownFunc(d.TriggerShutdown)
	d.ctlServer = control.NewServer(d.config.Control.Socket, handler)
	if err := d.ctlServer.Start(d.ctx); err != nil {
		return err
	}

	slog.Info("daemon started successfully", "session", d.sess.ID(), "backend", d.sess.Backend())
	return nil
}

func (d *Daemon) startSession() error {
	sess, err := session.New(d.config.Capture, d.sessOpts...)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	d.sess = sess

	if d.config.Flow.Enabled {
		if err := sess.EnableFlow(d.config.Flow); err != nil {
			return fmt.Errorf("failed to enable flow metering: %w", err)
		}
	}
	if d.config.Netflow.Enabled {
		if err := sess.EnableNetflow(d.config.Netflow.Config); err != nil {
			return fmt.Errorf("failed to enable flow export: %w", err)
		}
	}
	if d.config.Crypto.Enabled {
		if err := sess.SetEncryption(d.config.Crypto); err != nil {
			return fmt.Errorf("failed to enable encryption: %w", err)
		}
	}
	if err := sess.Start(); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	d.wg.Add(1)
	go d.drainLoop()
	return nil
}

// drainLoop releases captured packets so the ring reflects consumer
// pressure only. The daemon's product is flow metering and export.
func (d *Daemon) drainLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			for {
				pkts := d.sess.Poll(0)
				if len(pkts) == 0 {
					break
				}
				for _, p := range pkts {
					d.sess.Release(p)
				}
			}
		}
	}
}

func (d *Daemon) startMetrics() error {
	mc := d.config.Metrics
	if mc.OTLP.Enabled {
		shutdown, err := metrics.SetupOTel(d.ctx, mc.OTLP, d.sess)
		if err != nil {
			return err
		}
		d.otelShutdown = shutdown
		slog.Info("otlp metric export enabled", "endpoint", mc.OTLP.Endpoint, "interval", mc.OTLP.Interval)
	}

	if !mc.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewSessionCollector(d.sess)); err != nil {
		return err
	}
	gatherer := prometheus.Gatherers{reg, prometheus.DefaultGatherer}
	d.metricsServer = metrics.NewServer(mc.Listen, mc.Path, gatherer, d.health)
	return d.metricsServer.Start(d.ctx)
}

// health is healthy while the session runs without persistent backend
// errors.
func (d *Daemon) health() (any, bool) {
	st := d.sess.Stats()
	ok := st.State == core.StateRunning && !st.Degraded
	return map[string]any{
		"state":    st.State,
		"backend":  st.Backend,
		"degraded": st.Degraded,
	}, ok
}

// Stop performs graceful shutdown. It is safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	// 1. No new control requests
	if d.ctlServer != nil {
		d.ctlServer.Stop()
	}

	// 2. Stop capture and drain remaining flows to the exporter
	d.cancel()
	d.wg.Wait()
	if d.sess != nil {
		if err := d.sess.Close(); err != nil {
			slog.Error("error closing session", "error", err)
		}
		st := d.sess.Stats()
		slog.Info("session closed",
			"received", st.PacketsReceived,
			"dropped", st.PacketsDropped,
			"exported", st.FlowsExported,
		)
	}

	// 3. Metrics surfaces
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if d.metricsServer != nil {
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}
	if d.otelShutdown != nil {
		if err := d.otelShutdown(shutdownCtx); err != nil {
			slog.Error("error stopping otlp export", "error", err)
		}
	}

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	if d.pidWritten {
		if err := RemovePIDFile(d.config.Control.PIDFile); err != nil {
			slog.Error("error removing PID file", "error", err)
		}
	}

	slog.Info("daemon stopped gracefully")
	if d.logClose != nil {
		d.logClose()
	}
}

// Run blocks until SIGTERM/SIGINT or daemon_shutdown, then stops the
// daemon. SIGHUP reloads the log settings.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			if sig == syscall.SIGHUP {
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
				continue
			}
			slog.Info("received shutdown signal", "signal", sig)
			d.Stop()
			return nil

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// TriggerShutdown asks Run to return.
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownChan) })
}

// Reload re-reads the configuration. Only the log settings apply to a
// running daemon; changes to anything else are reported and need a restart.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	var requiresRestart []string
	if newConfig.Capture.Interface != d.config.Capture.Interface ||
		newConfig.Capture.Backend != d.config.Capture.Backend ||
		newConfig.Capture.Filter != d.config.Capture.Filter {
		requiresRestart = append(requiresRestart, "capture")
	}
	if newConfig.Flow != d.config.Flow {
		requiresRestart = append(requiresRestart, "flow")
	}
	if newConfig.Metrics != d.config.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if newConfig.Control != d.config.Control {
		requiresRestart = append(requiresRestart, "control")
	}

	oldClose := d.logClose
	d.config.Log = newConfig.Log
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to reinitialize logging: %w", err)
	}
	if oldClose != nil {
		oldClose()
	}

	slog.Info("configuration reloaded",
		"log_level", d.config.Log.Level,
		"requires_restart", requiresRestart,
	)
	return nil
}

func (d *Daemon) initLogging() error {
	closeFn, err := logpkg.Init(d.config.Log)
	if err != nil {
		return err
	}
	d.logClose = closeFn
	slog.Debug("logging initialized", "level", d.config.Log.Level, "format", d.config.Log.Format)
	return nil
}
