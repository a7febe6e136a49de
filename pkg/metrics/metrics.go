// Package metrics собирает prometheus метрики моста событий,
// менеджера звонков и контроллера захвата.
//
// Все методы безопасны для nil-получателя: компоненты, созданные без
// метрик, просто ничего не считают.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config конфигурация системы метрик
type Config struct {
	// Namespace префикс для Prometheus метрик
	Namespace string
	// Registerer куда регистрировать коллекторы. nil означает новый реестр.
	Registerer prometheus.Registerer
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{Namespace: "softphone"}
}

// Collector набор метрик приложения
type Collector struct {
	eventsEnqueued   *prometheus.CounterVec
	eventsDispatched *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	dispatchLatency  prometheus.Histogram

	callsStarted   *prometheus.CounterVec
	callsRejected  prometheus.Counter
	callsEnded     prometheus.Counter
	engineFailures *prometheus.CounterVec

	captureStarts  *prometheus.CounterVec
	captureRetries prometheus.Counter
	framesHandled  *prometheus.CounterVec
}

// New создает и регистрирует коллекторы
func New(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	ns := cfg.Namespace

	return &Collector{
		eventsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "bridge", Name: "events_enqueued_total",
			Help: "Events accepted by the dispatch queue",
		}, []string{"kind"}),
		eventsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "bridge", Name: "events_dispatched_total",
			Help: "Events handed to the control thread consumer",
		}, []string{"kind"}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "bridge", Name: "events_dropped_total",
			Help: "Events dropped because the consumer is gone or the bridge stopped",
		}, []string{"kind", "reason"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "bridge", Name: "queue_depth",
			Help: "Messages waiting for the control thread",
		}),
		dispatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "bridge", Name: "dispatch_latency_seconds",
			Help:    "Time between enqueue and dispatch",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		callsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "calls", Name: "started_total",
			Help: "Calls recorded as active",
		}, []string{"role"}),
		callsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "calls", Name: "rejected_total",
			Help: "Incoming calls released because another call is active",
		}),
		callsEnded: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "calls", Name: "ended_total",
			Help: "Active calls released after disconnect",
		}),
		engineFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "calls", Name: "engine_failures_total",
			Help: "Engine call failures swallowed inside event handlers",
		}, []string{"op"}),
		captureStarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "capture", Name: "starts_total",
			Help: "Capture start attempts by outcome",
		}, []string{"outcome"}),
		captureRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "capture", Name: "retries_total",
			Help: "Starts retried without the frame rate constraint",
		}),
		framesHandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "capture", Name: "frames_total",
			Help: "Captured frames by result",
		}, []string{"result"}),
	}
}

func (c *Collector) EventEnqueued(kind string) {
	if c == nil {
		return
	}
	c.eventsEnqueued.WithLabelValues(kind).Inc()
	c.queueDepth.Inc()
}

func (c *Collector) EventDispatched(kind string, waited time.Duration) {
	if c == nil {
		return
	}
	c.eventsDispatched.WithLabelValues(kind).Inc()
	c.queueDepth.Dec()
	c.dispatchLatency.Observe(waited.Seconds())
}

// EventDropped inQueue означает, что событие уже было учтено в глубине очереди
func (c *Collector) EventDropped(kind, reason string, inQueue bool) {
	if c == nil {
		return
	}
	c.eventsDropped.WithLabelValues(kind, reason).Inc()
	if inQueue {
		c.queueDepth.Dec()
	}
}

func (c *Collector) CallStarted(role string) {
	if c == nil {
		return
	}
	c.callsStarted.WithLabelValues(role).Inc()
}

func (c *Collector) CallRejected() {
	if c == nil {
		return
	}
	c.callsRejected.Inc()
}

func (c *Collector) CallEnded() {
	if c == nil {
		return
	}
	c.callsEnded.Inc()
}

func (c *Collector) EngineFailure(op string) {
	if c == nil {
		return
	}
	c.engineFailures.WithLabelValues(op).Inc()
}

func (c *Collector) CaptureStart(outcome string) {
	if c == nil {
		return
	}
	c.captureStarts.WithLabelValues(outcome).Inc()
}

func (c *Collector) CaptureRetry() {
	if c == nil {
		return
	}
	c.captureRetries.Inc()
}

func (c *Collector) FrameDelivered() {
	if c == nil {
		return
	}
	c.framesHandled.WithLabelValues("delivered").Inc()
}

func (c *Collector) FrameDropped() {
	if c == nil {
		return
	}
	c.framesHandled.WithLabelValues("dropped").Inc()
}
