package obs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Meter returns a named meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// GatewayInstruments records payment gateway call latency as an OTel histogram.
type GatewayInstruments struct {
	latency metric.Float64Histogram
}

// NewGatewayInstruments creates the gateway instruments on m.
func NewGatewayInstruments(m metric.Meter) (*GatewayInstruments, error) {
	h, err := m.Float64Histogram(
		"orders.gateway.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of payment gateway calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("gateway latency histogram: %w", err)
	}
	return &GatewayInstruments{latency: h}, nil
}

// Record stores one gateway call. A nil receiver records nothing.
func (g *GatewayInstruments) Record(ctx context.Context, engine, stage string, elapsed time.Duration, err error) {
	if g == nil || g.latency == nil {
		return
	}
	g.latency.Record(ctx, DurationMillis(elapsed), metric.WithAttributes(
		attribute.String("gateway.engine", engine),
		attribute.String("gateway.stage", stage),
		attribute.String("result", result(err)),
	))
}
