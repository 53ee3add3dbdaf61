package metrics

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc/credentials"

	"firestige.xyz/flowcap/internal/config"
	"firestige.xyz/flowcap/internal/core"
)

const meterName = "flowcap/session"

// SetupOTel starts an OTLP gRPC push of the session counters. The returned
// function flushes and shuts the provider down.
func SetupOTel(ctx context.Context, cfg config.OTLPConfig, src Source) (func(context.Context) error, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	} else {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(attribute.String("service.name", "flowcap")),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	if err := RegisterObservers(mp.Meter(meterName), src); err != nil {
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	return mp.Shutdown, nil
}

type observed struct {
	name  string
	desc  string
	value func(core.CaptureStats) int64
}

// RegisterObservers registers asynchronous instruments on meter that read
// src at each collection.
func RegisterObservers(meter metric.Meter, src Source) error {
	counters := []observed{
		{"flowcap.packets.received", "Frames delivered by the capture backend",
			func(st core.CaptureStats) int64 { return int64(st.PacketsReceived) }},
		{"flowcap.packets.dropped", "Frames lost to a full ring buffer",
			func(st core.CaptureStats) int64 { return int64(st.PacketsDropped) }},
		{"flowcap.packets.filtered", "Frames rejected by the userspace filter",
			func(st core.CaptureStats) int64 { return int64(st.PacketsFiltered) }},
		{"flowcap.bytes.received", "Wire bytes of received frames",
			func(st core.CaptureStats) int64 { return int64(st.BytesReceived) }},
		{"flowcap.kernel.drops", "Frames dropped below the session",
			func(st core.CaptureStats) int64 { return int64(st.KernelDrops) }},
		{"flowcap.flows.evicted", "Flow records removed from the table",
			func(st core.CaptureStats) int64 { return int64(st.FlowsEvicted) }},
		{"flowcap.flows.exported", "Flow records sent to the collector",
			func(st core.CaptureStats) int64 { return int64(st.FlowsExported) }},
	}

	insts := make([]metric.Int64ObservableCounter, 0, len(counters))
	observables := make([]metric.Observable, 0, len(counters)+1)
	for _, c := range counters {
		inst, err := meter.Int64ObservableCounter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return fmt.Errorf("register %s: %w", c.name, err)
		}
		insts = append(insts, inst)
		observables = append(observables, inst)
	}
	active, err := meter.Int64ObservableGauge("flowcap.flows.active", metric.WithDescription("Live flow records"))
	if err != nil {
		return fmt.Errorf("register flowcap.flows.active: %w", err)
	}
	observables = append(observables, active)

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := src.Stats()
		attrs := metric.WithAttributes(
			attribute.String("session", src.ID()),
			attribute.String("backend", st.Backend),
		)
		for i, c := range counters {
			o.ObserveInt64(insts[i], c.value(st), attrs)
		}
		o.ObserveInt64(active, int64(st.ActiveFlows), attrs)
		return nil
	}, observables...)
	return err
}
