package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/engine/enginetest"
	"github.com/arzzra/sessionbridge/pkg/logger"
	"github.com/arzzra/sessionbridge/pkg/metrics"
)

// recorder потребитель, записывающий события и такты
type recorder struct {
	mu     sync.Mutex
	events []SessionEvent
	trace  []string
	active bool
	maxPar int
	onEv   func(ev SessionEvent)
}

func (r *recorder) HandleEvent(_ context.Context, ev SessionEvent) {
	r.mu.Lock()
	if r.active {
		r.maxPar = 2
	}
	r.active = true
	r.events = append(r.events, ev)
	r.trace = append(r.trace, "event:"+string(ev.Kind()))
	cb := r.onEv
	r.mu.Unlock()

	if cb != nil {
		cb(ev)
	}

	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
}

func (r *recorder) Tick(context.Context) {
	r.mu.Lock()
	r.trace = append(r.trace, "tick")
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]SessionEvent, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SessionEvent(nil), r.events...), append([]string(nil), r.trace...)
}

func counterSum(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func newBridge() *Bridge {
	return New(WithLogger(logger.NoOpLogger{}))
}

func runAsync(t *testing.T, b *Bridge) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("управляющий цикл не завершился")
	}
}

func TestBridge_FIFOAndTick(t *testing.T) {
	b := newBridge()
	r := &recorder{}
	b.Bind(context.Background(), r)

	b.Enqueue(IncomingCall{Call: engine.IncomingCall{CallID: 1}})
	b.Enqueue(CallStateChanged{Info: engine.CallInfo{ID: 1, State: engine.CallStateConfirmed}})
	b.Enqueue(CallMediaStateChanged{Info: engine.CallInfo{ID: 1}})
	b.Quit()

	waitDone(t, runAsync(t, b))

	events, trace := r.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, KindIncomingCall, events[0].Kind())
	assert.Equal(t, KindCallStateChanged, events[1].Kind())
	assert.Equal(t, KindCallMediaStateChanged, events[2].Kind())
	assert.Equal(t, []string{
		"event:incoming_call", "tick",
		"event:call_state_changed", "tick",
		"event:call_media_state_changed", "tick",
	}, trace)
}

func TestBridge_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	b := newBridge()
	r := &recorder{}
	b.Bind(context.Background(), r)
	done := runAsync(t, b)

	const producers, perProducer = 8, 200
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Enqueue(CallStateChanged{Info: engine.CallInfo{ID: engine.CallID(p), LastStatusCode: i}})
			}
		}(p)
	}
	wg.Wait()
	b.Quit()
	waitDone(t, done)

	events, _ := r.snapshot()
	require.Len(t, events, producers*perProducer)
	last := make(map[engine.CallID]int)
	for _, ev := range events {
		cs := ev.(CallStateChanged)
		prev, ok := last[cs.Info.ID]
		if ok {
			assert.Greater(t, cs.Info.LastStatusCode, prev)
		}
		last[cs.Info.ID] = cs.Info.LastStatusCode
	}
	assert.Zero(t, r.maxPar, "обработчики не выполняются параллельно")
}

func TestBridge_QuitDrainsThenDropsLater(t *testing.T) {
	b := newBridge()
	r := &recorder{}
	b.Bind(context.Background(), r)

	b.Enqueue(NetworkChanged{})
	b.Quit()
	assert.False(t, b.Enqueue(NetworkChanged{}), "после Quit сообщения не принимаются")
	assert.False(t, b.Post(func(context.Context) {}))

	waitDone(t, runAsync(t, b))
	events, _ := r.snapshot()
	assert.Len(t, events, 1)
}

func TestBridge_DropsWhenConsumerGone(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.Config{Namespace: "test", Registerer: reg})
	b := New(WithLogger(logger.NoOpLogger{}), WithMetrics(m))
	r := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	b.Bind(ctx, r)

	// В очереди до ухода потребителя
	b.Enqueue(NetworkChanged{})
	cancel()
	// После ухода потребителя
	assert.False(t, b.Enqueue(NetworkChanged{}))

	ran := false
	b.Post(func(context.Context) { ran = true })
	b.Quit()
	waitDone(t, runAsync(t, b))

	events, trace := r.snapshot()
	assert.Empty(t, events)
	assert.Empty(t, trace)
	assert.True(t, ran, "замыкания выполняются без потребителя")
	assert.Equal(t, 2.0, counterSum(t, reg, "test_bridge_events_dropped_total"))
}

func TestBridge_PanicRecovered(t *testing.T) {
	b := newBridge()
	r := &recorder{onEv: func(ev SessionEvent) {
		if ev.Kind() == KindNetworkChanged {
			panic("boom")
		}
	}}
	b.Bind(context.Background(), r)

	b.Enqueue(NetworkChanged{})
	b.Enqueue(RegistrationChanged{State: engine.RegState{Code: 200}})
	b.Quit()
	waitDone(t, runAsync(t, b))

	events, trace := r.snapshot()
	assert.Len(t, events, 2)
	assert.Equal(t, "tick", trace[len(trace)-1])
}

func TestBridge_CallRunsOnControlLoop(t *testing.T) {
	b := newBridge()
	r := &recorder{}
	b.Bind(context.Background(), r)
	done := runAsync(t, b)

	var seen []string
	b.Enqueue(NetworkChanged{})
	err := b.Call(context.Background(), func(context.Context) error {
		_, trace := r.snapshot()
		seen = trace
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"event:network_changed", "tick"}, seen, "Call видит уже обработанные события")

	b.Quit()
	waitDone(t, done)
	assert.ErrorIs(t, b.Call(context.Background(), func(context.Context) error { return nil }), ErrClosed)
}

func TestBridge_RunCancelled(t *testing.T) {
	b := newBridge()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run не вернулся после отмены")
	}
}

func TestBridge_SecondRunRejected(t *testing.T) {
	b := newBridge()
	done := runAsync(t, b)
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.running
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, b.Run(context.Background()), ErrRunning)
	b.Quit()
	waitDone(t, done)
}

func TestBridge_EngineListener(t *testing.T) {
	fake := enginetest.New()
	b := newBridge()
	r := &recorder{}
	b.Bind(context.Background(), r)
	fake.SetListener(b)

	id := fake.RaiseIncomingCall("sip:alice@example.com")
	fake.RaiseCallState(id, engine.CallStateEarly, 180, "Ringing")
	fake.RaiseMediaState(id)
	fake.RaiseRegState(engine.RegState{Code: 200, Expiration: 300})
	fake.RaiseBuddyState(engine.BuddyInfo{ID: 1})
	b.NotifyNetworkChanged()
	b.Quit()
	waitDone(t, runAsync(t, b))

	events, _ := r.snapshot()
	kinds := make([]Kind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind())
	}
	assert.Equal(t, []Kind{
		KindIncomingCall, KindCallStateChanged, KindCallMediaStateChanged,
		KindRegistrationChanged, KindBuddyStateChanged, KindNetworkChanged,
	}, kinds)

	cid, ok := CallID(events[1])
	assert.True(t, ok)
	assert.Equal(t, id, cid)
	_, ok = CallID(events[3])
	assert.False(t, ok)
}
