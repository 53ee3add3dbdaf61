package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/flowcap/internal/core"
)

const (
	defaultKafkaBatchSize    = 100
	defaultKafkaBatchTimeout = 100 * time.Millisecond
	defaultKafkaCompression  = "snappy"
	defaultKafkaMaxAttempts  = 3
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`       // default 100
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"` // default 100ms
	Compression  string        `mapstructure:"compression" yaml:"compression"`     // none|gzip|snappy|lz4, default snappy
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`   // default 3
}

// Validate checks the configuration and fills defaults.
func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required: %w", core.ErrConfigInvalid)
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka topic is required: %w", core.ErrConfigInvalid)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultKafkaBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultKafkaBatchTimeout
	}
	if c.Compression == "" {
		c.Compression = defaultKafkaCompression
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultKafkaMaxAttempts
	}
	if _, err := compressionCodec(c.Compression); err != nil {
		return err
	}
	return nil
}

func compressionCodec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	default:
		return nil, fmt.Errorf("kafka compression %q: %w", name, core.ErrConfigInvalid)
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes one JSON document per flow record, keyed by
// flow id so both directions of a flow land on the same partition.
type KafkaPublisher struct {
	cfg      KafkaConfig
	writer   messageWriter
	wallTime func(int64) time.Time

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewKafkaPublisher builds a publisher. cfg must have been validated.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		Balancer:         &kafka.Hash{},
		BatchSize:        cfg.BatchSize,
		BatchTimeout:     cfg.BatchTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		CompressionCodec: codec,
	})

	slog.Info("kafka flow publisher created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize,
		"compression", cfg.Compression)

	return newKafkaPublisher(cfg, w), nil
}

func newKafkaPublisher(cfg KafkaConfig, w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{
		cfg:      cfg,
		writer:   w,
		wallTime: func(ns int64) time.Time { return time.Unix(0, ns) },
	}
}

// SetWallTime sets how record timestamps map to wall-clock time.
func (p *KafkaPublisher) SetWallTime(fn func(int64) time.Time) { p.wallTime = fn }

func (p *KafkaPublisher) Name() string { return "kafka" }

// Publish writes recs synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, recs []core.FlowRecord) error {
	if len(recs) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(recs))
	for _, r := range recs {
		msg, err := p.message(r)
		if err != nil {
			p.failed.Add(1)
			return fmt.Errorf("%w: %v", core.ErrSerialize, err)
		}
		msgs = append(msgs, msg)
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.failed.Add(uint64(len(msgs)))
		return fmt.Errorf("kafka write failed: %w", err)
	}
	p.published.Add(uint64(len(msgs)))
	return nil
}

// flowDocument is the JSON shape of a published record.
type flowDocument struct {
	FlowID      string `json:"flow_id"`
	SrcAddr     string `json:"src_addr"`
	DstAddr     string `json:"dst_addr"`
	SrcPort     uint16 `json:"src_port"`
	DstPort     uint16 `json:"dst_port"`
	Proto       uint8  `json:"proto"`
	PacketsFwd  uint64 `json:"packets_fwd"`
	PacketsRev  uint64 `json:"packets_rev"`
	BytesFwd    uint64 `json:"bytes_fwd"`
	BytesRev    uint64 `json:"bytes_rev"`
	FirstSeenMs int64  `json:"first_seen_ms"`
	LastSeenMs  int64  `json:"last_seen_ms"`
	TCPFlags    uint8  `json:"tcp_flags"`
	State       string `json:"state"`
	EndReason   string `json:"end_reason"`
}

func (p *KafkaPublisher) message(r core.FlowRecord) (kafka.Message, error) {
	id := strconv.FormatUint(r.FlowID, 16)
	last := p.wallTime(r.LastSeenNs)
	value, err := json.Marshal(flowDocument{
		FlowID:      id,
		SrcAddr:     r.Tuple.SrcIP.String(),
		DstAddr:     r.Tuple.DstIP.String(),
		SrcPort:     r.Tuple.SrcPort,
		DstPort:     r.Tuple.DstPort,
		Proto:       r.Tuple.Protocol,
		PacketsFwd:  r.PacketsFwd,
		PacketsRev:  r.PacketsRev,
		BytesFwd:    r.BytesFwd,
		BytesRev:    r.BytesRev,
		FirstSeenMs: p.wallTime(r.FirstSeenNs).UnixMilli(),
		LastSeenMs:  last.UnixMilli(),
		TCPFlags:    r.TCPFlags,
		State:       r.State.String(),
		EndReason:   r.EndReason.String(),
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(id), Value: value, Time: last}, nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		slog.Error("error closing kafka writer", "error", err)
		return err
	}
	slog.Info("kafka flow publisher closed",
		"published", p.published.Load(),
		"failed", p.failed.Load())
	return nil
}
