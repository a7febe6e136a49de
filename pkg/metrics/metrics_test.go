package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.EventEnqueued("x")
		c.EventDispatched("x", time.Millisecond)
		c.EventDropped("x", "consumer_gone", true)
		c.CallStarted("uac")
		c.CallRejected()
		c.CallEnded()
		c.EngineFailure("answer")
		c.CaptureStart("ok")
		c.CaptureRetry()
		c.FrameDelivered()
		c.FrameDropped()
	})
}

func TestCollector_QueueDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(Config{Namespace: "test", Registerer: reg})

	c.EventEnqueued("call_state")
	c.EventEnqueued("call_state")
	c.EventEnqueued("buddy_state")
	c.EventDispatched("call_state", time.Millisecond)
	c.EventDropped("buddy_state", "consumer_gone", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.eventsEnqueued.WithLabelValues("call_state")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsDropped.WithLabelValues("buddy_state", "consumer_gone")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollector_SeparateRegistries(t *testing.T) {
	// Два коллектора без общего реестра не конфликтуют
	assert.NotPanics(t, func() {
		New(DefaultConfig())
		New(DefaultConfig())
	})
}
