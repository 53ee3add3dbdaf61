package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/flowcap/internal/core"
)

const (
	DefaultMaxDatagramBytes = 1400
	DefaultQueueCapacity    = 65536
	DefaultInterval         = time.Second

	MinDatagramBytes = 512
	MaxDatagramBytes = 65507

	closeTimeout = 5 * time.Second
)

// Config configures an Exporter.
type Config struct {
	Collector         string        `mapstructure:"collector" yaml:"collector"` // host:port
	Format            Format        `mapstructure:"format" yaml:"format"`
	Profile           Profile       `mapstructure:"profile" yaml:"profile"`
	MaxDatagramBytes  int           `mapstructure:"max_datagram_bytes" yaml:"max_datagram_bytes"`
	ObservationDomain uint32        `mapstructure:"observation_domain" yaml:"observation_domain"`
	Interval          time.Duration `mapstructure:"export_interval" yaml:"export_interval"`
	QueueCapacity     int           `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	Kafka             KafkaConfig   `mapstructure:"kafka" yaml:"kafka"`
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Collector == "" {
		return fmt.Errorf("export collector is required: %w", core.ErrConfigInvalid)
	}
	if _, _, err := net.SplitHostPort(c.Collector); err != nil {
		return fmt.Errorf("export collector %q: %w: %v", c.Collector, core.ErrConfigInvalid, err)
	}
	if c.Format == "" {
		c.Format = FormatNetflow9
	}
	if c.Profile == "" {
		c.Profile = ProfileDual
	}
	if c.MaxDatagramBytes == 0 {
		c.MaxDatagramBytes = DefaultMaxDatagramBytes
	}
	if c.MaxDatagramBytes < MinDatagramBytes || c.MaxDatagramBytes > MaxDatagramBytes {
		return fmt.Errorf("max datagram bytes %d not in [%d, %d]: %w",
			c.MaxDatagramBytes, MinDatagramBytes, MaxDatagramBytes, core.ErrConfigInvalid)
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Publisher receives every flushed batch alongside the datagram stream.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, recs []core.FlowRecord) error
	Close() error
}

// Stats are the exporter counters.
type Stats struct {
	Exported uint64 // Records in datagrams handed to the collector socket
	Dropped  uint64 // Records lost to a full queue or the export profile
	Errors   uint64 // Failed datagram sends and publisher calls
}

// Option customises an Exporter.
type Option func(*options)

type options struct {
	wallTime func(int64) time.Time
	now      func() time.Time
	pubs     []Publisher
}

// WithWallTime sets how record timestamps map to wall-clock time.
func WithWallTime(fn func(ns int64) time.Time) Option {
	return func(o *options) { o.wallTime = fn }
}

// WithClock sets the export clock used for datagram headers.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithPublisher adds a record publisher, e.g. a Kafka sink.
func WithPublisher(p Publisher) Option {
	return func(o *options) { o.pubs = append(o.pubs, p) }
}

// Exporter batches closed flow records and ships them on an interval.
// Enqueue never blocks; the queue is drained by the flush goroutine, by
// Flush and by the final flush in Close.
type Exporter struct {
	cfg   Config
	enc   *Encoder
	out   io.Writer // One datagram per Write
	pubs  []Publisher
	queue chan core.FlowRecord

	flushMu sync.Mutex // Serialises encoder use

	exported atomic.Uint64
	dropped  atomic.Uint64
	errs     atomic.Uint64

	closed    atomic.Bool
	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New builds an exporter writing datagrams to out. cfg must have been
// validated.
func New(cfg Config, out io.Writer, opts ...Option) (*Exporter, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	enc, err := NewEncoder(EncoderConfig{
		Format:            cfg.Format,
		Profile:           cfg.Profile,
		MaxDatagramBytes:  cfg.MaxDatagramBytes,
		ObservationDomain: cfg.ObservationDomain,
		WallTime:          o.wallTime,
		Now:               o.now,
	})
	if err != nil {
		return nil, err
	}

	return &Exporter{
		cfg:   cfg,
		enc:   enc,
		out:   out,
		pubs:  o.pubs,
		queue: make(chan core.FlowRecord, cfg.QueueCapacity),
		stop:  make(chan struct{}),
	}, nil
}

// Open validates cfg, dials the collector and, when configured, connects
// the Kafka publisher.
func Open(cfg Config, opts ...Option) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := DialUDP(cfg.Collector)
	if err != nil {
		return nil, err
	}

	if cfg.Kafka.Enabled {
		kp, err := NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			conn.Close()
			return nil, err
		}
		var o options
		for _, opt := range opts {
			opt(&o)
		}
		if o.wallTime != nil {
			kp.SetWallTime(o.wallTime)
		}
		opts = append(opts, WithPublisher(kp))
	}

	e, err := New(cfg, conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	slog.Info("flow exporter ready",
		"collector", cfg.Collector,
		"format", cfg.Format,
		"profile", cfg.Profile,
		"interval", cfg.Interval,
		"kafka", cfg.Kafka.Enabled)
	return e, nil
}

// Config returns the exporter configuration.
func (e *Exporter) Config() Config { return e.cfg }

// Enqueue queues records for the next flush and returns how many were
// accepted. Overflow is counted as dropped.
func (e *Exporter) Enqueue(recs ...core.FlowRecord) int {
	if e.closed.Load() {
		e.dropped.Add(uint64(len(recs)))
		return 0
	}
	for i, r := range recs {
		select {
		case e.queue <- r:
		default:
			lost := len(recs) - i
			e.dropped.Add(uint64(lost))
			slog.Debug("export queue full", "dropped", lost)
			return i
		}
	}
	return len(recs)
}

// Start launches the interval flush goroutine. It is a no-op after the
// first call.
func (e *Exporter) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.run()
	})
}

func (e *Exporter) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Interval)
			if err := e.Flush(ctx); err != nil {
				slog.Warn("flow export failed", "error", err)
			}
			cancel()
		}
	}
}

// Flush sends everything queued so far.
func (e *Exporter) Flush(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	batch := e.drain()
	if len(batch) == 0 {
		return nil
	}

	datagrams, skipped := e.enc.Encode(batch)
	if skipped > 0 {
		e.dropped.Add(uint64(skipped))
	}

	var errs []error
	for _, dg := range datagrams {
		if _, err := e.out.Write(dg.Data); err != nil {
			e.errs.Add(1)
			errs = append(errs, fmt.Errorf("send datagram: %w", err))
			continue
		}
		e.exported.Add(uint64(dg.Records))
	}

	for _, p := range e.pubs {
		if err := p.Publish(ctx, batch); err != nil {
			e.errs.Add(1)
			errs = append(errs, fmt.Errorf("publish to %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (e *Exporter) drain() []core.FlowRecord {
	n := len(e.queue)
	if n == 0 {
		return nil
	}
	batch := make([]core.FlowRecord, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, <-e.queue)
	}
	return batch
}

// Stats returns a snapshot of the counters.
func (e *Exporter) Stats() Stats {
	return Stats{
		Exported: e.exported.Load(),
		Dropped:  e.dropped.Load(),
		Errors:   e.errs.Load(),
	}
}

// Close stops the flush goroutine, flushes what is queued and releases the
// sinks. It is idempotent.
func (e *Exporter) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.stop)
		e.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		errs := []error{e.Flush(ctx)}

		if c, ok := e.out.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		for _, p := range e.pubs {
			errs = append(errs, p.Close())
		}
		err = errors.Join(errs...)

		st := e.Stats()
		slog.Info("flow exporter closed",
			"exported", st.Exported,
			"dropped", st.Dropped,
			"errors", st.Errors)
	})
	return err
}
