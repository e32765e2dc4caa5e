package capture

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-translate/capture"

type managerMetrics struct {
	commits     metric.Int64Counter
	restarts    metric.Int64Counter
	retries     metric.Int64Counter
	denials     metric.Int64Counter
	startFailed metric.Int64Counter
}

func (m *Manager) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if m.metrics.commits, err = meter.Int64Counter("loqa.capture.commits", metric.WithDescription("Utterances committed to the pipeline")); err != nil {
		return err
	}
	if m.metrics.restarts, err = meter.Int64Counter("loqa.capture.restarts", metric.WithDescription("Engine restarts after a commit")); err != nil {
		return err
	}
	if m.metrics.retries, err = meter.Int64Counter("loqa.capture.start_retries", metric.WithDescription("Engine start retries")); err != nil {
		return err
	}
	if m.metrics.denials, err = meter.Int64Counter("loqa.capture.permission_denials", metric.WithDescription("Sessions ended by permission denial")); err != nil {
		return err
	}
	if m.metrics.startFailed, err = meter.Int64Counter("loqa.capture.start_failures", metric.WithDescription("Engine starts abandoned after retry or restart")); err != nil {
		return err
	}

	active, err := meter.Int64ObservableGauge("loqa.capture.active", metric.WithDescription("1 while a capture session is live"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		st := m.State()
		var v int64
		if st.Active {
			v = 1
		}
		obs.ObserveInt64(active, v, metric.WithAttributes(attribute.String("phase", st.Phase.String())))
		return nil
	}, active)
	return err
}

func addCounter(c metric.Int64Counter, language string) {
	if c == nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(attribute.String("language", language)))
}
