package upload

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer receives one call per dispatched request.
type Observer interface {
	Observe(op Operation, d time.Duration, bytes int64, err error)
}

// PrometheusObserver exports dispatch metrics labelled by operation.
type PrometheusObserver struct {
	duration    *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	transferred *prometheus.CounterVec
}

// NewPrometheusObserver registers the dispatch metrics on reg, reusing any
// collector that is already registered under the same name.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "satchel"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	duration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Latency of dispatched file operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"}))
	if err != nil {
		return nil, err
	}

	failures, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operation_errors_total",
		Help:      "Count of failed file operations.",
	}, []string{"operation"}))
	if err != nil {
		return nil, err
	}

	transferred, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transferred_bytes_total",
		Help:      "Bytes uploaded to or downloaded from the object store.",
	}, []string{"operation"}))
	if err != nil {
		return nil, err
	}

	return &PrometheusObserver{duration: duration, errors: failures, transferred: transferred}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) (C, error) {
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register dispatch metric: %w", err)
	}
	return collector, nil
}

func (o *PrometheusObserver) Observe(op Operation, d time.Duration, bytes int64, err error) {
	if o == nil {
		return
	}
	label := op.String()
	o.duration.WithLabelValues(label).Observe(d.Seconds())
	if err != nil {
		o.errors.WithLabelValues(label).Inc()
		return
	}
	if bytes > 0 {
		o.transferred.WithLabelValues(label).Add(float64(bytes))
	}
}

type nopObserver struct{}

func (nopObserver) Observe(Operation, time.Duration, int64, error) {}
