// Package bridge переносит асинхронные уведомления движка в один
// управляющий поток.
//
// Производители (горутины движка, хост, веб-клиенты) кладут сообщения в
// очередь без блокировки. Управляющий поток (Run) забирает их строго в
// порядке поступления и передает потребителю по одному. Мост не владеет
// потребителем: после завершения его контекста события молча
// отбрасываются.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/logger"
	"github.com/arzzra/sessionbridge/pkg/metrics"
)

var (
	// ErrRunning управляющий цикл уже запущен
	ErrRunning = errors.New("bridge control loop already running")
	// ErrClosed мост получил сообщение завершения
	ErrClosed = errors.New("bridge closed")
)

// Consumer потребитель событий в управляющем потоке.
// Tick вызывается после каждого обработанного сообщения и выполняет
// отложенную очистку.
type Consumer interface {
	HandleEvent(ctx context.Context, ev SessionEvent)
	Tick(ctx context.Context)
}

// ConsumerFunc адаптер функции к Consumer без Tick
type ConsumerFunc func(ctx context.Context, ev SessionEvent)

func (f ConsumerFunc) HandleEvent(ctx context.Context, ev SessionEvent) { f(ctx, ev) }
func (f ConsumerFunc) Tick(context.Context)                            {}

type message struct {
	kind     Kind
	ev       SessionEvent
	fn       func(ctx context.Context)
	enqueued time.Time
}

// Bridge очередь событий с одним потребителем
type Bridge struct {
	mu       sync.Mutex
	queue    []message
	wake     chan struct{}
	quitting bool
	running  bool

	consumer    Consumer
	consumerCtx context.Context

	log     logger.StructuredLogger
	metrics *metrics.Collector
}

var _ engine.Listener = (*Bridge)(nil)

// Option опция моста
type Option func(*Bridge)

// WithLogger задает логгер
func WithLogger(l logger.StructuredLogger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// WithMetrics задает метрики
func WithMetrics(m *metrics.Collector) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New создает мост
func New(opts ...Option) *Bridge {
	b := &Bridge{
		wake: make(chan struct{}, 1),
		log:  logger.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.WithComponent("bridge")
	return b
}

// Bind связывает мост с потребителем. ctx задает время жизни
// потребителя: после его отмены события отбрасываются.
func (b *Bridge) Bind(ctx context.Context, c Consumer) {
	b.mu.Lock()
	b.consumer = c
	b.consumerCtx = ctx
	b.mu.Unlock()
}

// consumerLocked возвращает живого потребителя
func (b *Bridge) consumerLocked() (Consumer, context.Context) {
	if b.consumer == nil || b.consumerCtx == nil || b.consumerCtx.Err() != nil {
		return nil, nil
	}
	return b.consumer, b.consumerCtx
}

func (b *Bridge) push(m message) bool {
	b.mu.Lock()
	if b.quitting {
		b.mu.Unlock()
		b.metrics.EventDropped(string(m.kind), "closed", false)
		return false
	}
	if m.ev != nil && b.consumerCtx != nil && b.consumerCtx.Err() != nil {
		b.mu.Unlock()
		b.metrics.EventDropped(string(m.kind), "consumer_gone", false)
		return false
	}
	m.enqueued = time.Now()
	b.queue = append(b.queue, m)
	if m.kind == kindQuit {
		b.quitting = true
	}
	b.mu.Unlock()

	b.metrics.EventEnqueued(string(m.kind))
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

// Enqueue кладет событие в очередь. Не блокируется, безопасен для
// вызова из любой горутины.
func (b *Bridge) Enqueue(ev SessionEvent) bool {
	if ev == nil {
		return false
	}
	return b.push(message{kind: ev.Kind(), ev: ev})
}

// Post выполняет fn в управляющем потоке. Возвращает false, если мост
// уже завершается.
func (b *Bridge) Post(fn func(ctx context.Context)) bool {
	if fn == nil {
		return false
	}
	return b.push(message{kind: kindPost, fn: fn})
}

// Call выполняет fn в управляющем потоке и ждет результата.
// Нельзя вызывать из самого управляющего потока.
func (b *Bridge) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	res := make(chan error, 1)
	ok := b.Post(func(cctx context.Context) {
		res <- fn(cctx)
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Quit просит управляющий цикл завершиться после обработки всех уже
// поставленных сообщений. Сообщения после Quit отбрасываются.
func (b *Bridge) Quit() {
	b.push(message{kind: kindQuit})
}

// NotifyNetworkChanged точка входа хоста для смены сети
func (b *Bridge) NotifyNetworkChanged() {
	b.Enqueue(NetworkChanged{})
}

// Len число сообщений в очереди
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Run управляющий цикл. Обрабатывает сообщения в вызывающей горутине до
// Quit (возвращает nil) или отмены ctx (возвращает ctx.Err()).
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrRunning
	}
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	b.log.Debug(ctx, "управляющий цикл запущен")
	for {
		batch := b.drain()
		for i, m := range batch {
			if m.kind == kindQuit {
				b.requeue(batch[i+1:])
				b.metrics.EventDispatched(string(m.kind), time.Since(m.enqueued))
				b.log.Debug(ctx, "управляющий цикл завершен")
				return nil
			}
			b.dispatch(ctx, m)
			if err := ctx.Err(); err != nil {
				b.requeue(batch[i+1:])
				return err
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.wake:
		}
	}
}

func (b *Bridge) drain() []message {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.queue
	b.queue = nil
	return batch
}

// requeue возвращает необработанный хвост в начало очереди
func (b *Bridge) requeue(rest []message) {
	if len(rest) == 0 {
		return
	}
	b.mu.Lock()
	b.queue = append(append([]message(nil), rest...), b.queue...)
	b.mu.Unlock()
}

func (b *Bridge) dispatch(ctx context.Context, m message) {
	b.mu.Lock()
	c, cctx := b.consumerLocked()
	b.mu.Unlock()

	if m.fn != nil {
		if cctx == nil {
			cctx = ctx
		}
		b.safely(cctx, m, func() { m.fn(cctx) })
		if c != nil {
			b.safely(cctx, m, func() { c.Tick(cctx) })
		}
		b.metrics.EventDispatched(string(m.kind), time.Since(m.enqueued))
		return
	}

	if c == nil {
		b.metrics.EventDropped(string(m.kind), "consumer_gone", true)
		b.log.Debug(ctx, "событие отброшено: потребителя нет", logger.String("kind", string(m.kind)))
		return
	}

	evCtx := cctx
	if id, ok := CallID(m.ev); ok {
		evCtx = logger.WithCallID(evCtx, int(id))
	}
	b.safely(evCtx, m, func() { c.HandleEvent(evCtx, m.ev) })
	b.safely(cctx, m, func() { c.Tick(cctx) })
	b.metrics.EventDispatched(string(m.kind), time.Since(m.enqueued))
}

// safely выполняет обработчик, перехватывая панику
func (b *Bridge) safely(ctx context.Context, m message, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(ctx, "паника в обработчике события",
				logger.String("kind", string(m.kind)),
				logger.String("panic", fmt.Sprint(r)),
				logger.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

func (b *Bridge) OnRegState(st engine.RegState) {
	b.Enqueue(RegistrationChanged{State: st})
}

func (b *Bridge) OnIncomingCall(ic engine.IncomingCall) {
	b.Enqueue(IncomingCall{Call: ic})
}

func (b *Bridge) OnCallState(info engine.CallInfo) {
	b.Enqueue(CallStateChanged{Info: info})
}

func (b *Bridge) OnCallMediaState(info engine.CallInfo) {
	b.Enqueue(CallMediaStateChanged{Info: info})
}

func (b *Bridge) OnBuddyState(info engine.BuddyInfo) {
	b.Enqueue(BuddyStateChanged{Buddy: info})
}
