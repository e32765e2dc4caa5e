package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type pipelineMetrics struct {
	translations metric.Int64Counter
	failures     metric.Int64Counter
	latency      metric.Float64Histogram
}

func (s *Service) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if s.metrics.translations, err = meter.Int64Counter("loqa.pipeline.translations", metric.WithDescription("Utterances translated")); err != nil {
		return err
	}
	if s.metrics.failures, err = meter.Int64Counter("loqa.pipeline.failures", metric.WithDescription("Utterances that failed to translate")); err != nil {
		return err
	}
	s.metrics.latency, err = meter.Float64Histogram("loqa.pipeline.duration", metric.WithDescription("Time from commit to translation"), metric.WithUnit("ms"))
	return err
}

func (m pipelineMetrics) recordSuccess(ctx context.Context, language string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("language", language))
	if m.translations != nil {
		m.translations.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(d.Microseconds())/1000, attrs)
	}
}

func (m pipelineMetrics) recordFailure(ctx context.Context, language string) {
	if m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("language", language)))
	}
}
