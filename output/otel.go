package output

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fuzzycollector/config"
	"fuzzycollector/ledger"
	"fuzzycollector/logger"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// Exporter mirrors ledger rows and stage summaries to an OTLP/HTTP logs
// endpoint. A nil *Exporter is valid and drops everything.
type Exporter struct {
	provider *sdklog.LoggerProvider
	logger   otelLog.Logger
	timeout  time.Duration
	endpoint string
	runID    string
}

// NewExporter returns nil when no endpoint is configured.
func NewExporter(cfg *config.Config, runID string) (*Exporter, error) {
	if cfg == nil {
		return nil, nil
	}
	endpoint := strings.TrimSpace(cfg.OtelEndpoint)
	if endpoint == "" {
		return nil, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("otel endpoint must include scheme (http or https)")
	}

	opts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpoint)}
	if len(cfg.OtelHeaders) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(cfg.OtelHeaders))
	}
	if cfg.OtelTimeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(cfg.OtelTimeout))
	}
	exp, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	serviceName := cfg.OtelServiceName
	if serviceName == "" {
		serviceName = "fuzzycollector"
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)

	return &Exporter{
		provider: provider,
		logger:   provider.Logger("fuzzycollector"),
		timeout:  cfg.OtelTimeout,
		endpoint: endpoint,
		runID:    runID,
	}, nil
}

func (e *Exporter) Endpoint() string {
	if e == nil {
		return ""
	}
	return e.endpoint
}

func (e *Exporter) RecordSample(rec ledger.Record) {
	if e == nil || e.logger == nil {
		return
	}
	e.emit("sample", sampleAttributes(rec), otelLog.StringValue(rec.FuzzyHash))
}

func (e *Exporter) RecordSummary(stage string, counts map[string]int) {
	if e == nil || e.logger == nil {
		return
	}
	e.emit("summary", summaryAttributes(stage, counts), otelLog.StringValue(stage))
}

func (e *Exporter) emit(recordType string, attrs []otelLog.KeyValue, body otelLog.Value) {
	now := time.Now()
	var record otelLog.Record
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	record.SetEventName("fuzzycollector." + recordType)
	record.SetSeverity(otelLog.SeverityInfo)
	record.AddAttributes(
		otelLog.String("record_type", recordType),
		otelLog.String("schema_version", SchemaVersion),
	)
	if e.runID != "" {
		record.AddAttributes(otelLog.String("fuzzycollector.run_id", e.runID))
	}
	record.AddAttributes(attrs...)
	record.SetBody(body)
	e.logger.Emit(context.Background(), record)
}

// Shutdown flushes pending records.
func (e *Exporter) Shutdown() {
	if e == nil || e.provider == nil {
		return
	}
	timeout := e.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.provider.Shutdown(ctx); err != nil {
		logger.Debugf("OTEL shutdown failed: %v", err)
	}
}

func sampleAttributes(rec ledger.Record) []otelLog.KeyValue {
	kvs := []otelLog.KeyValue{
		otelLog.String("fuzzycollector.sample.sha256", rec.SHA256),
		otelLog.String("fuzzycollector.sample.file_type", rec.FileType),
		otelLog.String("fuzzycollector.sample.tlsh", rec.FuzzyHash),
	}
	if rec.FileName != "" {
		kvs = append(kvs, otelLog.String(string(semconv.FileNameKey), rec.FileName))
	}
	if !rec.CalculatedAt.IsZero() {
		kvs = append(kvs, otelLog.String("fuzzycollector.sample.calculated_time", rec.CalculatedAt.UTC().Format(time.RFC3339Nano)))
	}
	return kvs
}

func summaryAttributes(stage string, counts map[string]int) []otelLog.KeyValue {
	kvs := make([]otelLog.KeyValue, 0, len(counts)+1)
	kvs = append(kvs, otelLog.String("fuzzycollector.stage", stage))
	for key, value := range counts {
		kvs = append(kvs, otelLog.Int(fmt.Sprintf("fuzzycollector.%s.%s", stage, key), value))
	}
	return kvs
}
