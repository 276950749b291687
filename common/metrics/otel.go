package metrics

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdk "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/wastewhirl/go-pickup"
	"github.com/wastewhirl/go-pickup/common"
	"github.com/wastewhirl/go-pickup/models"
)

var _ models.MetricService = &OtelMetricService{}

type OtelMetricService struct {
	meterProvider *sdk.MeterProvider
	meter         metric.Meter
	lock          sync.Mutex
	counters      map[models.MetricName]metric.Int64Counter
	histograms    map[models.MetricName]metric.Int64Histogram
	logger        models.Logger
}

// NewOtelMetricService exports to the OTLP collector if one is configured, otherwise to stdout.
func NewOtelMetricService(ctx context.Context, logger models.Logger) (*OtelMetricService, error) {
	var exporter sdk.Exporter
	var err error
	if collectorEndpoint, found := os.LookupEnv(common.Env_MetricsEndpoint); found && (len(collectorEndpoint) > 0) {
		exporter, err = otlpmetrichttp.New(ctx)
	} else {
		exporter, err = stdoutmetric.New()
	}
	if err != nil {
		return nil, fmt.Errorf("metrics: error creating exporter: %w", err)
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", common.ServiceName),
		attribute.String("deployment.environment", os.Getenv(pickup.Env_Env)),
	)
	meterProvider := sdk.NewMeterProvider(
		sdk.WithReader(sdk.NewPeriodicReader(exporter)),
		sdk.WithResource(res),
	)
	return &OtelMetricService{
		meterProvider: meterProvider,
		meter:         meterProvider.Meter(models.MetricsCallerName),
		counters:      make(map[models.MetricName]metric.Int64Counter),
		histograms:    make(map[models.MetricName]metric.Int64Histogram),
		logger:        logger,
	}, nil
}

func (o *OtelMetricService) Count(ctx context.Context, name models.MetricName, val int) error {
	o.lock.Lock()
	counter, found := o.counters[name]
	if !found {
		var err error
		if counter, err = o.meter.Int64Counter(string(name)); err != nil {
			o.lock.Unlock()
			return err
		}
		o.counters[name] = counter
	}
	o.lock.Unlock()

	counter.Add(ctx, int64(val))
	return nil
}

func (o *OtelMetricService) Distribution(ctx context.Context, name models.MetricName, val int) error {
	o.lock.Lock()
	histogram, found := o.histograms[name]
	if !found {
		var err error
		if histogram, err = o.meter.Int64Histogram(string(name)); err != nil {
			o.lock.Unlock()
			return err
		}
		o.histograms[name] = histogram
	}
	o.lock.Unlock()

	histogram.Record(ctx, int64(val))
	return nil
}

func (o *OtelMetricService) Gauge(_ context.Context, name models.MetricName, monitor models.ResourceMonitor) error {
	_, err := o.meter.Int64ObservableGauge(
		string(name),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			value, err := monitor.GetValue(ctx)
			if err != nil {
				o.logger.Errorf("metrics: error reading %s: %v", name, err)
				return err
			}
			observer.Observe(int64(value))
			return nil
		}),
	)
	return err
}

func (o *OtelMetricService) QueueGauge(_ context.Context, queueName string, monitor models.QueueMonitor) error {
	queueAttr := attribute.String("queue", queueName)
	_, err := o.meter.Int64ObservableGauge(
		"queue_messages",
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			unprocessed, inFlight, err := monitor.GetUtilization(ctx)
			if err != nil {
				o.logger.Errorf("metrics: error reading utilization for %s: %v", queueName, err)
				return err
			}
			observer.Observe(int64(unprocessed), metric.WithAttributes(queueAttr, attribute.String("state", "unprocessed")))
			observer.Observe(int64(inFlight), metric.WithAttributes(queueAttr, attribute.String("state", "in_flight")))
			return nil
		}),
	)
	return err
}

func (o *OtelMetricService) Shutdown(ctx context.Context) {
	if err := o.meterProvider.Shutdown(ctx); err != nil {
		o.logger.Errorf("metrics: error shutting down: %v", err)
	}
}
