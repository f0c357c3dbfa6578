package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes ledger and reconciliation instruments.
type Metrics struct {
	paymentsCreated    metric.Int64Counter
	allocations        metric.Int64Counter
	refunds            metric.Int64Counter
	voids              metric.Int64Counter
	reconciliations    metric.Int64Counter
	importedRows       metric.Int64Counter
	balanceClampFaults metric.Int64Counter
	rateLimitDecisions metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "clinicpay"
	}
	meter := provider.Meter(name)

	var err error
	m := &Metrics{}
	counters := []struct {
		target *metric.Int64Counter
		name   string
	}{
		{&m.paymentsCreated, "clinicpay_payments_created_total"},
		{&m.allocations, "clinicpay_payment_allocations_total"},
		{&m.refunds, "clinicpay_payment_refunds_total"},
		{&m.voids, "clinicpay_payment_voids_total"},
		{&m.reconciliations, "clinicpay_reconciliations_total"},
		{&m.importedRows, "clinicpay_imported_transactions_total"},
		{&m.balanceClampFaults, "clinicpay_balance_clamp_faults_total"},
		{&m.rateLimitDecisions, "clinicpay_rate_limit_decisions_total"},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordPaymentCreated counts new payments by method and type.
func (m *Metrics) RecordPaymentCreated(ctx context.Context, method, paymentType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("method", strings.TrimSpace(method)),
		attribute.String("payment_type", strings.TrimSpace(paymentType)),
	)
	m.paymentsCreated.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAllocation counts successful allocations.
func (m *Metrics) RecordAllocation(ctx context.Context, method string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("method", strings.TrimSpace(method)))
	m.allocations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRefund counts refunds; full reports whether the payment became REFUNDED.
func (m *Metrics) RecordRefund(ctx context.Context, full bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.Bool("full", full))
	m.refunds.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordVoid counts voided payments.
func (m *Metrics) RecordVoid(ctx context.Context) {
	if m == nil {
		return
	}
	m.voids.Add(ctx, 1)
}

// RecordReconciliation counts transactions that left PENDING, by outcome.
func (m *Metrics) RecordReconciliation(ctx context.Context, status, matchKind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("status", strings.TrimSpace(status)),
		attribute.String("match_kind", strings.TrimSpace(matchKind)),
	)
	m.reconciliations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordImportedTransactions counts statement rows persisted by an ingest.
func (m *Metrics) RecordImportedTransactions(ctx context.Context, source string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	m.importedRows.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordBalanceClampFault counts derived balances that computed negative.
func (m *Metrics) RecordBalanceClampFault(ctx context.Context, entity string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("entity", strings.TrimSpace(entity)))
	m.balanceClampFaults.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimit counts limiter decisions per route.
func (m *Metrics) RecordRateLimit(ctx context.Context, route string, allowed bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("route", strings.TrimSpace(route)),
		attribute.Bool("allowed", allowed),
	)
	m.rateLimitDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"method":       {},
	"payment_type": {},
	"full":         {},
	"status":       {},
	"match_kind":   {},
	"source":       {},
	"entity":       {},
	"route":        {},
	"status_code":  {},
	"allowed":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
