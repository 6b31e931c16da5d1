package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MeterName is the instrumentation scope for colony metrics.
const MeterName = "colony"

// Instruments holds the run's OTel metric instruments. These supplement the
// CSV/JSON artifacts; they never replace them.
type Instruments struct {
	TicksTotal     metric.Int64Counter
	RoleActions    metric.Int64Counter
	TokensUsed     metric.Int64Counter
	FilesValidated metric.Int64Counter
	FilesFailed    metric.Int64Counter
}

// Provider wraps the OTel meter provider with cleanup. When disabled, all
// operations are no-ops with zero overhead.
type Provider struct {
	Meter       metric.Meter
	Instruments *Instruments
	shutdown    func(context.Context) error
}

// InitOtel sets up the meter with a stdout exporter when enabled, or a no-op
// provider otherwise.
func InitOtel(ctx context.Context, enabled bool) (*Provider, error) {
	if !enabled {
		meter := noop.NewMeterProvider().Meter(MeterName)
		instruments, err := newInstruments(meter)
		if err != nil {
			return nil, err
		}
		return &Provider{
			Meter:       meter,
			Instruments: instruments,
			shutdown:    func(context.Context) error { return nil },
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("colony")),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	meter := mp.Meter(MeterName)
	instruments, err := newInstruments(meter)
	if err != nil {
		return nil, err
	}

	return &Provider{
		Meter:       meter,
		Instruments: instruments,
		shutdown:    mp.Shutdown,
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// RecordTick feeds one tick row into the tick and role-action counters. The
// token and file counters are not updated here.
func (p *Provider) RecordTick(ctx context.Context, row TickRow) {
	inst := p.Instruments
	inst.TicksTotal.Add(ctx, 1)
	for role, acted := range map[string]bool{
		"discover":  row.ActedDiscover,
		"transform": row.ActedTransform,
		"test":      row.ActedTest,
		"validate":  row.ActedValidate,
	} {
		if acted {
			inst.RoleActions.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
		}
	}
}

func newInstruments(meter metric.Meter) (*Instruments, error) {
	inst := &Instruments{}
	var err error

	inst.TicksTotal, err = meter.Int64Counter("colony.loop.ticks",
		metric.WithDescription("Total loop ticks executed"),
	)
	if err != nil {
		return nil, err
	}

	inst.RoleActions, err = meter.Int64Counter("colony.role.actions",
		metric.WithDescription("Role activations that performed work"),
	)
	if err != nil {
		return nil, err
	}

	inst.TokensUsed, err = meter.Int64Counter("colony.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	inst.FilesValidated, err = meter.Int64Counter("colony.files.validated",
		metric.WithDescription("Files committed after validation"),
	)
	if err != nil {
		return nil, err
	}

	inst.FilesFailed, err = meter.Int64Counter("colony.files.failed",
		metric.WithDescription("Files rolled back after validation"),
	)
	if err != nil {
		return nil, err
	}

	return inst, nil
}
