// Package metrics instruments engine operations with Prometheus collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/warp/labops-engine/generic"
)

const namespace = "labops"

// Recorder holds the collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	drift      *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by outcome (ok or error kind).",
		}, []string{"engine", "op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency including the atomic unit.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"engine", "op"}),
		drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_drift_total",
			Help:      "Aggregates whose materialized balance disagrees with their history.",
		}, []string{"aggregate"}),
	}
	var err error
	if r.operations, err = register(reg, r.operations); err != nil {
		return nil, err
	}
	if r.duration, err = register(reg, r.duration); err != nil {
		return nil, err
	}
	if r.drift, err = register(reg, r.drift); err != nil {
		return nil, err
	}
	return r, nil
}

// register reuses an identical collector already on reg, so two engines
// built on one registry share series.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Observe records one finished operation. Use with defer:
//
//	defer r.Observe("inventory", "post", time.Now(), &err)
func (r *Recorder) Observe(engine, op string, start time.Time, errp *error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if errp != nil && *errp != nil {
		outcome = string(generic.KindOf(*errp))
	}
	r.operations.WithLabelValues(engine, op, outcome).Inc()
	r.duration.WithLabelValues(engine, op).Observe(time.Since(start).Seconds())
}

// Drift counts one inconsistent aggregate.
func (r *Recorder) Drift(aggregate generic.AggregateType) {
	if r == nil {
		return
	}
	r.drift.WithLabelValues(string(aggregate)).Inc()
}
