package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wastewhirl/go-pickup/common"
	"github.com/wastewhirl/go-pickup/models"
)

var _ models.MetricService = &PrometheusMetricService{}

const metricPrefix = "pickup_"

// PrometheusMetricService keeps metrics in a registry that is scraped through Handler
type PrometheusMetricService struct {
	registry      *prometheus.Registry
	eventsTotal   *prometheus.CounterVec
	distributions *prometheus.HistogramVec
	lock          sync.Mutex
	registered    map[string]bool
	logger        models.Logger
}

func NewPrometheusMetricService(logger models.Logger) *PrometheusMetricService {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "events_total",
		Help: "Coordinator events by name",
	}, []string{"name"})

	distributions := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    metricPrefix + "distribution",
		Help:    "Coordinator value distributions by name",
		Buckets: prometheus.ExponentialBuckets(100, 2, 14),
	}, []string{"name"})

	r := prometheus.NewRegistry()
	r.MustRegister(events, distributions)

	return &PrometheusMetricService{
		registry:      r,
		eventsTotal:   events,
		distributions: distributions,
		registered:    make(map[string]bool),
		logger:        logger,
	}
}

func (p *PrometheusMetricService) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusMetricService) Count(_ context.Context, name models.MetricName, val int) error {
	p.eventsTotal.WithLabelValues(string(name)).Add(float64(val))
	return nil
}

func (p *PrometheusMetricService) Distribution(_ context.Context, name models.MetricName, val int) error {
	p.distributions.WithLabelValues(string(name)).Observe(float64(val))
	return nil
}

func (p *PrometheusMetricService) Gauge(_ context.Context, name models.MetricName, monitor models.ResourceMonitor) error {
	return p.registerOnce(string(name), prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: metricPrefix + string(name),
		Help: "Current value of " + string(name),
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), common.DefaultRpcWaitTime)
		defer cancel()

		value, err := monitor.GetValue(ctx)
		if err != nil {
			p.logger.Errorf("metrics: error reading %s: %v", name, err)
			return 0
		}
		return float64(value)
	}))
}

func (p *PrometheusMetricService) QueueGauge(_ context.Context, queueName string, monitor models.QueueMonitor) error {
	utilization := func(inFlight bool) func() float64 {
		return func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), common.DefaultRpcWaitTime)
			defer cancel()

			unprocessed, numInFlight, err := monitor.GetUtilization(ctx)
			if err != nil {
				p.logger.Errorf("metrics: error reading utilization for %s: %v", queueName, err)
				return 0
			}
			if inFlight {
				return float64(numInFlight)
			}
			return float64(unprocessed)
		}
	}
	for state, inFlight := range map[string]bool{"unprocessed": false, "in_flight": true} {
		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        metricPrefix + "queue_messages",
			Help:        "Approximate number of messages in a queue",
			ConstLabels: prometheus.Labels{"queue": queueName, "state": state},
		}, utilization(inFlight))
		if err := p.registerOnce(queueName+"/"+state, gauge); err != nil {
			return err
		}
	}
	return nil
}

func (p *PrometheusMetricService) registerOnce(key string, collector prometheus.Collector) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.registered[key] {
		return nil
	}
	if err := p.registry.Register(collector); err != nil {
		return err
	}
	p.registered[key] = true
	return nil
}

func (p *PrometheusMetricService) Shutdown(context.Context) {}
