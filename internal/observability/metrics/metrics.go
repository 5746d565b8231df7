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
	webhooksReceived  metric.Int64Counter
	webhooksRejected  metric.Int64Counter
	webhooksFailed    metric.Int64Counter
	reconSynced       metric.Int64Counter
	reconErrors       metric.Int64Counter
	realtimePublished metric.Int64Counter
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
		name = "orderpulse"
	}
	meter := provider.Meter(name)

	webhooksReceived, err := meter.Int64Counter("orderpulse_webhooks_received_total")
	if err != nil {
		return nil, err
	}
	webhooksRejected, err := meter.Int64Counter("orderpulse_webhooks_rejected_total")
	if err != nil {
		return nil, err
	}
	webhooksFailed, err := meter.Int64Counter("orderpulse_webhooks_failed_total")
	if err != nil {
		return nil, err
	}
	reconSynced, err := meter.Int64Counter("orderpulse_recon_records_synced_total")
	if err != nil {
		return nil, err
	}
	reconErrors, err := meter.Int64Counter("orderpulse_recon_record_errors_total")
	if err != nil {
		return nil, err
	}
	realtimePublished, err := meter.Int64Counter("orderpulse_realtime_published_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhooksReceived:  webhooksReceived,
		webhooksRejected:  webhooksRejected,
		webhooksFailed:    webhooksFailed,
		reconSynced:       reconSynced,
		reconErrors:       reconErrors,
		realtimePublished: realtimePublished,
	}, nil
}

// RecordWebhookReceived counts an accepted webhook delivery.
func (m *Metrics) RecordWebhookReceived(ctx context.Context, partner, topic string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("partner", strings.TrimSpace(partner)),
		attribute.String("topic", strings.TrimSpace(topic)),
	)
	m.webhooksReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookRejected counts a delivery turned away before persistence.
func (m *Metrics) RecordWebhookRejected(ctx context.Context, partner, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("partner", strings.TrimSpace(partner)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.webhooksRejected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookFailed counts a persisted delivery whose processing failed.
func (m *Metrics) RecordWebhookFailed(ctx context.Context, partner, topic string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("partner", strings.TrimSpace(partner)),
		attribute.String("topic", strings.TrimSpace(topic)),
	)
	m.webhooksFailed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconSynced counts settlement records written by a sync run.
func (m *Metrics) RecordReconSynced(ctx context.Context, partner string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("partner", strings.TrimSpace(partner)))
	m.reconSynced.Add(ctx, count, metric.WithAttributes(attrs...))
}

// RecordReconError counts per-record sync failures.
func (m *Metrics) RecordReconError(ctx context.Context, partner string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("partner", strings.TrimSpace(partner)))
	m.reconErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRealtimePublished counts fan-out messages handed to the hub.
func (m *Metrics) RecordRealtimePublished(ctx context.Context, messageType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("message_type", strings.TrimSpace(messageType)))
	m.realtimePublished.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"partner":      {},
	"topic":        {},
	"reason":       {},
	"message_type": {},
	"status_code":  {},
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
