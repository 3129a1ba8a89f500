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

// Metrics exposes application-level instruments.
type Metrics struct {
	exportsStarted     metric.Int64Counter
	batchesProcessed   metric.Int64Counter
	chargesSubmitted   metric.Int64Counter
	chargesFailed      metric.Int64Counter
	credentialRenewals metric.Int64Counter
	rateLimitAllowed   metric.Int64Counter
	rateLimitDenied    metric.Int64Counter
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
		name = "conversa"
	}
	meter := provider.Meter(name)

	exportsStarted, err := meter.Int64Counter("conversa_exports_started_total")
	if err != nil {
		return nil, err
	}
	batchesProcessed, err := meter.Int64Counter("conversa_export_batches_total")
	if err != nil {
		return nil, err
	}
	chargesSubmitted, err := meter.Int64Counter("conversa_wallet_charges_total")
	if err != nil {
		return nil, err
	}
	chargesFailed, err := meter.Int64Counter("conversa_wallet_charge_failures_total")
	if err != nil {
		return nil, err
	}
	credentialRenewals, err := meter.Int64Counter("conversa_credential_renewals_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("conversa_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("conversa_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		exportsStarted:     exportsStarted,
		batchesProcessed:   batchesProcessed,
		chargesSubmitted:   chargesSubmitted,
		chargesFailed:      chargesFailed,
		credentialRenewals: credentialRenewals,
		rateLimitAllowed:   rateLimitAllowed,
		rateLimitDenied:    rateLimitDenied,
	}, nil
}

// RecordExportStarted increments started export counts.
func (m *Metrics) RecordExportStarted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.exportsStarted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBatchProcessed increments processed batch counts.
func (m *Metrics) RecordBatchProcessed(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.batchesProcessed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordChargeSubmitted increments submitted meter charge counts.
func (m *Metrics) RecordChargeSubmitted(ctx context.Context, meterID string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("meter_id", strings.TrimSpace(meterID)))
	m.chargesSubmitted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordChargeFailed increments failed meter charge counts.
func (m *Metrics) RecordChargeFailed(ctx context.Context, meterID, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("meter_id", strings.TrimSpace(meterID)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.chargesFailed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCredentialRenewal increments credential renewal counts.
func (m *Metrics) RecordCredentialRenewal(ctx context.Context, class, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("class", strings.TrimSpace(class)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.credentialRenewals.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments allowed rate-limit decisions.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, locationID, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("location_id", strings.TrimSpace(locationID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments denied rate-limit decisions.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, locationID, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("location_id", strings.TrimSpace(locationID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"kind":        {},
	"outcome":     {},
	"meter_id":    {},
	"reason":      {},
	"class":       {},
	"endpoint":    {},
	"status_code": {},
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
