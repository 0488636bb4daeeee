package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/labops-engine/generic"
)

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	err := errors.New("boom")
	assert.NotPanics(t, func() {
		r.Observe("inventory", "post", time.Now(), &err)
		r.Drift(generic.AggregateConsumable)
	})
}

func TestRecorder_CountsOutcomes(t *testing.T) {
	// GIVEN: A recorder on a fresh registry
	reg := prometheus.NewRegistry()
	r, err := New(reg)
	require.NoError(t, err)

	// WHEN: One success and two failures are observed
	observe := func(err error) {
		r.Observe("finance", "pay", time.Now(), &err)
	}
	observe(nil)
	observe(generic.Invalid("amount", "must be positive"))
	observe(&generic.InsufficientResourceError{Resource: "receivable balance"})
	r.Drift(generic.AggregateReceivable)

	// THEN: Each outcome has its own series
	assert.Equal(t, 1.0, testutil.ToFloat64(r.operations.WithLabelValues("finance", "pay", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.operations.WithLabelValues("finance", "pay", "validation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.operations.WithLabelValues("finance", "pay", "insufficient_resource")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.drift.WithLabelValues("receivable")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.duration))
}

func TestNew_SharesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	require.NoError(t, err)
	second, err := New(reg)
	require.NoError(t, err)

	first.Drift(generic.AggregateConsumable)
	second.Drift(generic.AggregateConsumable)

	assert.Equal(t, 2.0, testutil.ToFloat64(first.drift.WithLabelValues("consumable")))
}
