// Package telemetry defines the OpenTelemetry instruments for economy
// operations. Without a configured provider the global meter is a no-op.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "becoin"

// Metrics holds all becoin metric instruments.
type Metrics struct {
	Operations   metric.Int64Counter
	Rejections   metric.Int64Counter
	Transactions metric.Int64Counter
	Balance      metric.Float64Gauge
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(otel.GetMeterProvider())
}

// NewMetricsFrom creates the instruments on a specific provider.
func NewMetricsFrom(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Operations, err = meter.Int64Counter("becoin.operations",
		metric.WithDescription("Number of economy operations applied"))
	if err != nil {
		return nil, err
	}

	m.Rejections, err = meter.Int64Counter("becoin.operations.rejected",
		metric.WithDescription("Number of economy operations rejected"))
	if err != nil {
		return nil, err
	}

	m.Transactions, err = meter.Int64Counter("becoin.transactions",
		metric.WithDescription("Number of ledger transactions posted"))
	if err != nil {
		return nil, err
	}

	m.Balance, err = meter.Float64Gauge("becoin.treasury.balance",
		metric.WithDescription("Treasury balance after the last operation"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Applied records a successful operation and the ledger lines it posted.
func (m *Metrics) Applied(ctx context.Context, op string, posted int, balance float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.Operations.Add(ctx, 1, attrs)
	if posted > 0 {
		m.Transactions.Add(ctx, int64(posted), attrs)
	}
	m.Balance.Record(ctx, balance)
}

// Rejected records an operation the engine refused.
func (m *Metrics) Rejected(ctx context.Context, op, reason string) {
	if m == nil {
		return
	}
	m.Rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("reason", reason)))
}
