package export

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/flowcap/internal/core"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     KafkaConfig
		wantErr bool
	}{
		{"missing brokers", KafkaConfig{Topic: "flows"}, true},
		{"missing topic", KafkaConfig{Brokers: []string{"localhost:9092"}}, true},
		{"minimal", KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "flows"}, false},
		{"gzip", KafkaConfig{Brokers: []string{"b1:9092", "b2:9092"}, Topic: "flows", Compression: "gzip"}, false},
		{"none", KafkaConfig{Brokers: []string{"b1:9092"}, Topic: "flows", Compression: "none"}, false},
		{"invalid compression", KafkaConfig{Brokers: []string{"b1:9092"}, Topic: "flows", Compression: "zip"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrConfigInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, defaultKafkaBatchSize, tt.cfg.BatchSize)
			assert.Equal(t, defaultKafkaBatchTimeout, tt.cfg.BatchTimeout)
			assert.Equal(t, defaultKafkaMaxAttempts, tt.cfg.MaxAttempts)
			assert.NotEmpty(t, tt.cfg.Compression)
		})
	}
}

func TestKafkaPublish(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(KafkaConfig{Topic: "flows"}, w)

	rec := record(7, false)
	require.NoError(t, p.Publish(context.Background(), []core.FlowRecord{rec, record(8, true)}))
	require.Len(t, w.msgs, 2)

	msg := w.msgs[0]
	assert.Equal(t, "7", string(msg.Key))
	assert.Equal(t, time.Unix(0, rec.LastSeenNs), msg.Time)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &doc))
	assert.Equal(t, "10.0.0.7", doc["src_addr"])
	assert.Equal(t, "192.0.2.10", doc["dst_addr"])
	assert.EqualValues(t, 40007, doc["src_port"])
	assert.EqualValues(t, 6, doc["proto"])
	assert.EqualValues(t, rec.PacketsFwd, doc["packets_fwd"])
	assert.EqualValues(t, rec.BytesRev, doc["bytes_rev"])
	assert.Equal(t, "CLOSED", doc["state"])
	assert.Equal(t, "end-of-flow", doc["end_reason"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublishError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := newKafkaPublisher(KafkaConfig{Topic: "flows"}, w)

	err := p.Publish(context.Background(), []core.FlowRecord{record(1, false)})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), p.failed.Load())

	assert.NoError(t, p.Publish(context.Background(), nil))
}

func TestNewKafkaPublisher(t *testing.T) {
	cfg := KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "flows"}
	require.NoError(t, cfg.Validate())
	p, err := NewKafkaPublisher(cfg)
	require.NoError(t, err)
	assert.Equal(t, "kafka", p.Name())
	assert.NoError(t, p.Close())
}
