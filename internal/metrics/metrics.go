// Package metrics wires OpenTelemetry metric instruments for the gateway.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const meterName = "whisper-gateway"

// Config configures metric export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the OTLP HTTP endpoint host:port. Export is disabled when empty.
	Endpoint string
	Insecure bool
	Interval time.Duration
}

// Init installs an OTLP meter provider when cfg.Endpoint is set and returns
// its shutdown function. Without an endpoint the global no-op provider stays
// in place and the returned shutdown does nothing.
func Init(ctx context.Context, cfg Config, log zerolog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("interval", cfg.Interval.String()).
		Msg("Metrics export enabled")
	return mp.Shutdown, nil
}

// Meter returns the gateway meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(meterName)
}

// Dispatch holds the dispatcher instruments. A nil *Dispatch records nothing.
type Dispatch struct {
	submitted metric.Int64Counter
	queued    metric.Int64UpDownCounter
	inFlight  metric.Int64UpDownCounter
	duration  metric.Float64Histogram
	discarded metric.Int64Counter
}

// NewDispatch creates dispatcher instruments on meter.
func NewDispatch(meter metric.Meter) (*Dispatch, error) {
	submitted, err := meter.Int64Counter("dispatch.requests",
		metric.WithDescription("Requests by final outcome code"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch.requests counter: %w", err)
	}
	queued, err := meter.Int64UpDownCounter("dispatch.queued",
		metric.WithDescription("Requests waiting for a worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch.queued gauge: %w", err)
	}
	inFlight, err := meter.Int64UpDownCounter("dispatch.in_flight",
		metric.WithDescription("Backend calls in progress"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch.in_flight gauge: %w", err)
	}
	duration, err := meter.Float64Histogram("dispatch.inference.duration",
		metric.WithDescription("Backend call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch.inference.duration histogram: %w", err)
	}
	discarded, err := meter.Int64Counter("dispatch.discarded",
		metric.WithDescription("Backend results dropped because the caller gave up"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch.discarded counter: %w", err)
	}
	return &Dispatch{
		submitted: submitted,
		queued:    queued,
		inFlight:  inFlight,
		duration:  duration,
		discarded: discarded,
	}, nil
}

// Outcome counts one finished request by code ("OK" on success).
func (d *Dispatch) Outcome(ctx context.Context, code string) {
	if d == nil {
		return
	}
	d.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// Queued adjusts the queued gauge.
func (d *Dispatch) Queued(ctx context.Context, delta int64) {
	if d == nil {
		return
	}
	d.queued.Add(ctx, delta)
}

// InFlight adjusts the in-flight gauge.
func (d *Dispatch) InFlight(ctx context.Context, delta int64) {
	if d == nil {
		return
	}
	d.inFlight.Add(ctx, delta)
}

// Inference records one backend call.
func (d *Dispatch) Inference(ctx context.Context, backend string, ok bool, elapsed time.Duration) {
	if d == nil {
		return
	}
	d.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.Bool("ok", ok),
	))
}

// Discarded counts a backend result nobody was waiting for.
func (d *Dispatch) Discarded(ctx context.Context) {
	if d == nil {
		return
	}
	d.discarded.Add(ctx, 1)
}
