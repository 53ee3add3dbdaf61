// Package session is the capture engine. A Session owns one backend handle,
// the packet ring, the optional flow table and exporter, and the capture
// and aging goroutines that connect them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/uuid"

	"firestige.xyz/flowcap/internal/backend"
	"firestige.xyz/flowcap/internal/clock"
	"firestige.xyz/flowcap/internal/core"
	"firestige.xyz/flowcap/internal/core/decoder"
	"firestige.xyz/flowcap/internal/export"
	"firestige.xyz/flowcap/internal/filter"
	"firestige.xyz/flowcap/internal/flow"
	"firestige.xyz/flowcap/internal/integrity"
	"firestige.xyz/flowcap/internal/ringbuf"
	"firestige.xyz/flowcap/internal/seal"
)

const (
	maxBackoff       = 100 * time.Millisecond
	degradeAfter     = 3
	degradeWindow    = time.Second
	defaultPollBatch = 256
)

// Option customises a Session.
type Option func(*options)

type options struct {
	registry *backend.Registry
	clk      clock.Source
	exportOp []export.Option
}

// WithRegistry replaces the default backend registry.
func WithRegistry(r *backend.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithClock sets the timestamp source. The session does not close it.
func WithClock(c clock.Source) Option {
	return func(o *options) { o.clk = c }
}

// WithExportOptions passes options to the exporter built by EnableNetflow.
func WithExportOptions(opts ...export.Option) Option {
	return func(o *options) { o.exportOp = append(o.exportOp, opts...) }
}

// Status describes a session.
type Status struct {
	ID        string            `json:"id"`
	Interface string            `json:"interface"`
	Backend   string            `json:"backend"`
	State     core.SessionState `json:"state"`
	Started   time.Time         `json:"started"`
	Flow      bool              `json:"flow"`
	Export    bool              `json:"export"`
	Encrypted bool              `json:"encrypted"`
}

// Session is a capture session.
type Session struct {
	id       string
	cfg      Config
	log      *slog.Logger
	exportOp []export.Option

	clk      clock.Source
	ownClock bool
	handle   backend.Handle
	handleMu sync.Mutex
	backend  string
	link     decoder.LinkType
	filter   *filter.Program // nil when the handle filters in kernel
	ring     *ringbuf.Ring

	// set before Start, read-only afterwards
	flowCfg  FlowConfig
	table    *flow.Table
	exporter *export.Exporter
	sealer   *seal.Sealer
	sealErr  error

	mu      sync.Mutex
	state   core.SessionState
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	counters
}

type counters struct {
	received      atomic.Uint64
	bytes         atomic.Uint64
	filtered      atomic.Uint64
	sealDrops     atomic.Uint64
	backendErrors atomic.Uint64
	decodeErrors  atomic.Uint64
	evicted       atomic.Uint64
	tableFull     atomic.Uint64
	degraded      atomic.Bool

	// handle counters survive the handle being closed
	finalHandle backend.HandleStats
}

// New validates cfg, opens the capture backend and allocates the ring.
// Everything acquired is released if any step fails.
func New(cfg Config, opts ...Option) (_ *Session, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = backend.DefaultRegistry(nil)
	}

	id := uuid.NewString()
	s := &Session{
		id:       id,
		cfg:      cfg,
		log:      slog.With("session", id, "interface", cfg.Interface),
		exportOp: o.exportOp,
		state:    core.StateCreated,
	}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	// compiled for Ethernet; recompiled below for other link types
	prog, err := filter.Compile(cfg.Filter, layers.LinkTypeEthernet, cfg.SnapLen)
	if err != nil {
		return nil, err
	}

	s.clk = o.clk
	if s.clk == nil {
		if s.clk, err = clock.New(cfg.TimestampSource); err != nil {
			return nil, err
		}
		s.ownClock = true
	}

	s.handle, s.backend, err = o.registry.Select(cfg.Backend, backend.Config{
		Interface:          cfg.Interface,
		SnapLen:            cfg.SnapLen,
		BufferSize:         cfg.BufferSizeBytes,
		Promiscuous:        cfg.Promiscuous,
		HardwareTimestamps: s.clk.Name() == clock.SourceHardware,
		Filter:             prog,
		Options:            cfg.BackendOptions,
	}, s.verifyDriver)
	if err != nil {
		return nil, err
	}
	s.log = s.log.With("backend", s.backend)

	lt := s.handle.LinkType()
	s.link = linkType(lt)
	if !s.handle.KernelFilter() && prog != nil {
		if lt != layers.LinkTypeEthernet {
			if prog, err = filter.Compile(cfg.Filter, lt, cfg.SnapLen); err != nil {
				return nil, err
			}
			if err = prog.Userspace(); err != nil {
				return nil, err
			}
		}
		s.filter = prog
	}

	// slots leave room for the sealing overhead so encryption never truncates
	s.ring, err = ringbuf.New(cfg.BufferSizeBytes, cfg.SnapLen+seal.Overhead, ringbuf.Options{HugePages: cfg.HugePages})
	if err != nil {
		return nil, err
	}

	s.log.Info("capture session created",
		"snap_len", cfg.SnapLen,
		"slots", s.ring.Cap(),
		"slot_size", s.ring.SlotSize(),
		"timestamp_source", s.clk.Name(),
		"filter", cfg.Filter,
		"userspace_filter", s.filter != nil)
	return s, nil
}

// verifyDriver gates a backend on its signed driver image, if configured.
func (s *Session) verifyDriver(name string) error {
	img, ok := s.cfg.DriverImages[name]
	if !ok {
		return nil
	}
	anchor := s.cfg.TrustAnchor
	if anchor == "" {
		anchor = os.Getenv(integrity.TrustAnchorEnv)
	}
	if anchor == "" {
		anchor = integrity.DefaultTrustAnchor
	}
	v, err := integrity.LoadVerifier(anchor)
	if err != nil {
		return err
	}
	if err := v.Verify(img.Image, img.Signature); err != nil {
		return err
	}
	s.log.Info("driver image verified", "backend", name, "image", img.Image)
	return nil
}

func linkType(lt layers.LinkType) decoder.LinkType {
	switch lt {
	case layers.LinkTypeLinuxSLL:
		return decoder.LinkLinuxSLL
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return decoder.LinkRaw
	default:
		return decoder.LinkEthernet
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Backend returns the name of the selected backend.
func (s *Session) Backend() string { return s.backend }

// Config returns the validated capture configuration.
func (s *Session) Config() Config { return s.cfg }

// State returns the lifecycle state.
func (s *Session) State() core.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state core.SessionState) {
	old := s.state
	s.state = state
	s.log.Info("session state changed", "from", old, "to", state)
}

// configurable checks a pre-start configuration call. Caller holds mu.
func (s *Session) configurable() error {
	switch s.state {
	case core.StateCreated:
		return nil
	case core.StateRunning:
		return core.ErrSessionRunning
	default:
		return core.ErrSessionClosed
	}
}

// EnableFlow turns on flow metering.
func (s *Session) EnableFlow(cfg FlowConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurable(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	t, err := flow.New(cfg.table())
	if err != nil {
		return err
	}
	cfg.Enabled = true
	s.flowCfg = cfg
	s.table = t
	s.log.Info("flow metering enabled",
		"table_size", cfg.TableSize,
		"idle_timeout", cfg.IdleTimeout,
		"bidirectional", cfg.TrackBidirectional)
	return nil
}

// EnableNetflow starts exporting evicted flow records. Flow metering must
// be enabled first. The interval defaults to the flow export interval.
func (s *Session) EnableNetflow(cfg export.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurable(); err != nil {
		return err
	}
	if s.table == nil {
		return core.ErrFlowDisabled
	}
	if cfg.Interval <= 0 {
		cfg.Interval = s.flowCfg.ExportInterval
	}

	opts := append([]export.Option{export.WithWallTime(s.clk.WallTime)}, s.exportOp...)
	e, err := export.Open(cfg, opts...)
	if err != nil {
		return err
	}
	if s.exporter != nil {
		s.exporter.Close()
	}
	s.exporter = e
	return nil
}

// SetEncryption seals every slot with AES-256-GCM from now on. A failure
// is permanent: the session refuses to start rather than capture in the
// clear.
func (s *Session) SetEncryption(cfg CryptoConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configurable(); err != nil {
		return err
	}
	if !cfg.Enabled && cfg.KeyHandle == "" {
		if s.sealErr == nil {
			s.sealer = nil
		}
		return nil
	}

	sl, err := seal.New(cfg.KeyHandle)
	if err != nil {
		s.sealErr = err
		s.sealer = nil
		s.log.Error("encryption unavailable, capture disabled", "error", err)
		return err
	}
	s.sealer = sl
	s.log.Info("slot encryption enabled", "key", sl.Handle())
	return nil
}

// Start launches the capture goroutine and, when enabled, flow aging and
// export.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case core.StateRunning:
		return core.ErrSessionRunning
	case core.StateStopped, core.StateClosed:
		return core.ErrSessionClosed
	}
	if s.sealErr != nil {
		return fmt.Errorf("encryption failed, refusing to capture: %w", s.sealErr)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = time.Now()

	s.wg.Add(1)
	go s.captureLoop()

	if s.table != nil {
		s.wg.Add(1)
		go s.agingLoop()
	}
	if s.exporter != nil {
		s.exporter.Start()
	}

	s.setState(core.StateRunning)
	return nil
}

// Stop halts capture. Polled packets stay readable until Close. Stop is
// idempotent and safe from any goroutine.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != core.StateRunning {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	var errs []error
	if s.table != nil {
		rest := s.table.Drain()
		s.evicted.Add(uint64(len(rest)))
		if s.exporter != nil {
			s.exporter.Enqueue(rest...)
		}
	}
	if s.exporter != nil {
		if err := s.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
	}
	errs = append(errs, s.closeHandle())

	s.setState(core.StateStopped)
	return errors.Join(errs...)
}

func (s *Session) closeHandle() error {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	if s.handle == nil {
		return nil
	}
	s.finalHandle = s.handle.Stats()
	err := s.handle.Close()
	s.handle = nil
	if err != nil {
		return fmt.Errorf("close backend: %w", err)
	}
	return nil
}

// Close stops the session and releases the ring. Packets obtained from
// Poll must not be used afterwards.
func (s *Session) Close() error {
	stopErr := s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == core.StateClosed {
		return nil
	}
	err := errors.Join(stopErr, s.release())
	s.setState(core.StateClosed)
	return err
}

// release frees everything the session owns. Each step is idempotent.
func (s *Session) release() error {
	var errs []error
	errs = append(errs, s.closeHandle())
	if s.exporter != nil {
		errs = append(errs, s.exporter.Close())
	}
	if s.ring != nil {
		errs = append(errs, s.ring.Close())
	}
	if s.ownClock && s.clk != nil {
		errs = append(errs, s.clk.Close())
		s.ownClock = false
	}
	return errors.Join(errs...)
}

// Poll returns up to max captured packets without blocking. Each packet
// must be released once its bytes are no longer needed.
func (s *Session) Poll(max int) []core.CapturedPacket {
	if max <= 0 {
		max = defaultPollBatch
	}
	return s.ring.Poll(max)
}

// Bytes returns the slot contents of a polled packet, sealed if the
// packet carries FlagEncrypted.
func (s *Session) Bytes(p core.CapturedPacket) ([]byte, error) {
	return s.ring.Bytes(p.Ref)
}

// Release returns a polled packet's slot to the ring.
func (s *Session) Release(p core.CapturedPacket) error {
	return s.ring.Release(p.Ref)
}

// Decrypt authenticates and decrypts a sealed packet into a new slice.
func (s *Session) Decrypt(p core.CapturedPacket) ([]byte, error) {
	if !p.Flags.Has(core.FlagEncrypted) || s.sealer == nil {
		return nil, core.ErrNotEncrypted
	}
	sealed, err := s.ring.Bytes(p.Ref)
	if err != nil {
		return nil, err
	}
	var aad [12]byte
	return s.sealer.Open(sealed, seal.AAD(&aad, p.TimestampNs, p.OrigLen))
}

// FlowLookup returns the live record for tup.
func (s *Session) FlowLookup(tup core.FlowTuple) (core.FlowRecord, bool, error) {
	if s.table == nil {
		return core.FlowRecord{}, false, core.ErrFlowDisabled
	}
	rec, ok := s.table.Lookup(tup)
	return rec, ok, nil
}

// FlowGetAll returns copies of every live record.
func (s *Session) FlowGetAll() ([]core.FlowRecord, error) {
	if s.table == nil {
		return nil, core.ErrFlowDisabled
	}
	return s.table.Snapshot(), nil
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() core.CaptureStats {
	s.handleMu.Lock()
	hs := s.finalHandle
	if s.handle != nil {
		hs = s.handle.Stats()
	}
	s.handleMu.Unlock()

	st := core.CaptureStats{
		PacketsReceived: s.received.Load(),
		PacketsDropped:  s.ring.Dropped() + s.sealDrops.Load(),
		PacketsFiltered: s.filtered.Load(),
		BytesReceived:   s.bytes.Load(),
		KernelDrops:     hs.KernelDrops,
		BackendErrors:   s.backendErrors.Load(),
		DecodeErrors:    s.decodeErrors.Load(),
		FlowsEvicted:    s.evicted.Load(),
		TableFull:       s.tableFull.Load(),
		Degraded:        s.degraded.Load(),
		Backend:         s.backend,
		State:           s.State(),
	}
	if s.table != nil {
		st.ActiveFlows = uint64(s.table.Len())
	}
	if s.exporter != nil {
		es := s.exporter.Stats()
		st.FlowsExported = es.Exported
		st.ExportDropped = es.Dropped
		st.ExportErrors = es.Errors
	}
	return st
}

// Status describes the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:        s.id,
		Interface: s.cfg.Interface,
		Backend:   s.backend,
		State:     s.state,
		Started:   s.started,
		Flow:      s.table != nil,
		Export:    s.exporter != nil,
		Encrypted: s.sealer != nil,
	}
}
