// Package capture управляет жизненным циклом одной сессии захвата камеры,
// привязанной к приемнику кадров движка.
//
// Жизненный цикл сессии:
//
//	idle -> starting -> running -> stopping -> idle
//	starting -> failed -> idle
//	running  -> failed -> idle   (сбой устройства во время работы)
//
// Кадры доставляет отдельная горутина захвата. Если приемник не готов,
// кадр отбрасывается, очереди кадров нет.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/sessionbridge/pkg/devices"
	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/logger"
	"github.com/arzzra/sessionbridge/pkg/metrics"
)

const (
	evStart   = "start"
	evStarted = "started"
	evFail    = "fail"
	evReset   = "reset"
	evStop    = "stop"
	evStopped = "stopped"
)

// Controller контроллер сессии захвата одной камеры
type Controller struct {
	mu sync.Mutex

	platform Platform
	lookup   DeviceLookup
	sinks    []FrameSink
	cfg      Config

	sm *fsm.FSM

	// текущая сессия и ее ресурсы
	session  *Session
	dev      Device
	attached []FrameSink
	alive    atomic.Bool
	cancel   context.CancelFunc
	loop     *loopState

	// last параметры последнего Start, нужны для SwitchDevice
	last        *Params
	orientation engine.Orientation
	onFailure   func(error)

	log     logger.StructuredLogger
	metrics *metrics.Collector
}

// loopState состояние одной горутины захвата
type loopState struct {
	done chan struct{}
	// delivering горутина находится внутри вызовов приемников
	delivering atomic.Bool
}

// Option опция контроллера
type Option func(*Controller)

// WithConfig задает политику повтора
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithPreview добавляет поверхность предпросмотра как второй приемник
func WithPreview(s FrameSink) Option {
	return func(c *Controller) {
		if s != nil {
			c.sinks = append(c.sinks, s)
		}
	}
}

// WithLogger задает логгер
func WithLogger(l logger.StructuredLogger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics задает метрики
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithFailureHandler задает обработчик сбоев работающей сессии.
// Вызывается из горутины захвата после освобождения устройства.
func WithFailureHandler(fn func(error)) Option {
	return func(c *Controller) { c.onFailure = fn }
}

// NewController создает контроллер. sink обязательная цель кадров движка.
func NewController(p Platform, lookup DeviceLookup, sink FrameSink, opts ...Option) *Controller {
	c := &Controller{
		platform: p,
		lookup:   lookup,
		cfg:      DefaultConfig(),
		log:      logger.GetDefaultLogger(),
	}
	if sink != nil {
		c.sinks = append(c.sinks, sink)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithComponent("capture")

	c.sm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evStart, Src: []string{string(StateIdle)}, Dst: string(StateStarting)},
			{Name: evStarted, Src: []string{string(StateStarting)}, Dst: string(StateRunning)},
			{Name: evFail, Src: []string{string(StateStarting), string(StateRunning)}, Dst: string(StateFailed)},
			{Name: evReset, Src: []string{string(StateFailed)}, Dst: string(StateIdle)},
			{Name: evStop, Src: []string{string(StateRunning)}, Dst: string(StateStopping)},
			{Name: evStopped, Src: []string{string(StateStopping)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				c.log.Debug(ctx, "переход состояния захвата",
					logger.String("from", e.Src), logger.String("to", e.Dst))
			},
		},
	)
	return c
}

// OnFailure заменяет обработчик сбоев работающей сессии
func (c *Controller) OnFailure(fn func(error)) {
	c.mu.Lock()
	c.onFailure = fn
	c.mu.Unlock()
}

// State текущее состояние
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State(c.sm.Current())
}

// Session снимок текущей сессии, nil если сессия не запущена
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	s.State = State(c.sm.Current())
	return &s
}

func (c *Controller) event(name string) {
	if err := c.sm.Event(context.Background(), name); err != nil {
		var noTr fsm.NoTransitionError
		if !errors.As(err, &noTr) {
			c.log.LogError(context.Background(), err, "недопустимый переход захвата", logger.String("event", name))
		}
	}
}

// Start запускает захват. Выполняется не более одного повтора без
// ограничения частоты кадров, если это разрешено политикой.
func (c *Controller) Start(ctx context.Context, p Params) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx, p)
}

func (c *Controller) startLocked(ctx context.Context, p Params) error {
	if State(c.sm.Current()) != StateIdle {
		return ErrBusy
	}

	desc, ok := c.lookup.Lookup(p.DeviceID)
	if !ok {
		c.metrics.CaptureStart("unknown_device")
		return &StartError{Kind: DeviceOpenFailed, DeviceID: p.DeviceID, Err: ErrUnknownDevice}
	}
	if !desc.SupportsSize(p.Width, p.Height) || !desc.SupportsFormat(p.Format) {
		c.metrics.CaptureStart(ParameterRejected.String())
		return &StartError{
			Kind:     ParameterRejected,
			DeviceID: p.DeviceID,
			Err:      fmt.Errorf("%w: %dx%d %s", ErrUnsupportedParams, p.Width, p.Height, p.Format),
		}
	}
	pp := p
	c.last = &pp

	c.event(evStart)

	relaxed := false
	err := c.acquire(ctx, desc, p, p.TargetFPS)
	if err != nil && p.TargetFPS > 0 && c.retryable(err) {
		c.metrics.CaptureRetry()
		c.log.Warn(ctx, "повтор запуска без ограничения частоты",
			logger.String("device", p.DeviceID), logger.Int("fps", p.TargetFPS), logger.Err(err))
		relaxed = true
		err = c.acquire(ctx, desc, p, 0)
	}
	if err != nil {
		c.event(evFail)
		c.event(evReset)
		if kind, ok := StartErrorKind(err); ok {
			c.metrics.CaptureStart(kind.String())
		}
		return err
	}

	if c.orientation != engine.OrientUnknown {
		if oerr := c.dev.SetOrientation(c.orientation); oerr != nil {
			c.log.LogError(ctx, oerr, "ориентация не применена")
		}
	}

	c.session = &Session{
		Params:           p,
		RetryPolicy:      c.cfg.RetryPolicy,
		FrameRateRelaxed: relaxed,
		Orientation:      c.orientation,
		StartedAt:        time.Now(),
	}
	c.spawn()
	c.event(evStarted)
	c.metrics.CaptureStart("ok")
	c.log.Info(ctx, "захват запущен", logger.String("device", p.DeviceID),
		logger.Int("width", p.Width), logger.Int("height", p.Height), logger.Bool("fps_relaxed", relaxed))
	return nil
}

// retryable решает, относится ли ошибка к набору, для которого
// разрешен повтор без ограничения частоты
func (c *Controller) retryable(err error) bool {
	if c.cfg.RetryPolicy != RetryWithoutFrameRateConstraint {
		return false
	}
	if errors.Is(err, ErrFrameRateRejected) {
		return true
	}
	var pe *PlatformError
	if errors.As(err, &pe) {
		for _, code := range c.cfg.RetryTriggerCodes {
			if pe.Code == code {
				return true
			}
		}
	}
	return false
}

// acquire открывает устройство, подключает приемники и запускает поток.
// При ошибке все полученное освобождается в обратном порядке.
func (c *Controller) acquire(ctx context.Context, desc devices.Descriptor, p Params, fps int) error {
	dev, err := c.platform.Open(ctx, desc)
	if err != nil {
		return &StartError{Kind: DeviceOpenFailed, DeviceID: p.DeviceID, Err: err}
	}

	sc := StreamConfig{Width: p.Width, Height: p.Height, Format: p.Format, FPS: fps}
	attached := make([]FrameSink, 0, len(c.sinks))
	for _, s := range c.sinks {
		if err := s.Attach(sc); err != nil {
			detachAll(attached)
			c.closeDevice(ctx, dev)
			return &StartError{Kind: SinkAttachFailed, DeviceID: p.DeviceID, Err: err}
		}
		attached = append(attached, s)
	}

	if err := dev.Configure(ctx, sc); err != nil {
		detachAll(attached)
		c.closeDevice(ctx, dev)
		return &StartError{Kind: ParameterRejected, DeviceID: p.DeviceID, Err: err}
	}

	c.dev = dev
	c.attached = attached
	return nil
}

func (c *Controller) closeDevice(ctx context.Context, dev Device) {
	if err := dev.Close(); err != nil {
		c.log.LogError(ctx, err, "ошибка освобождения устройства")
	}
}

func detachAll(sinks []FrameSink) {
	for i := len(sinks) - 1; i >= 0; i-- {
		sinks[i].Detach()
	}
}

func (c *Controller) spawn() {
	ctx, cancel := context.WithCancel(context.Background())
	loop := &loopState{done: make(chan struct{})}
	c.cancel = cancel
	c.loop = loop
	c.alive.Store(true)
	go c.captureLoop(ctx, c.dev, c.attached, c.session.DeviceID, loop)
}

// captureLoop горутина захвата: читает кадры и отдает их готовым
// приемникам, не блокируясь на них
func (c *Controller) captureLoop(ctx context.Context, dev Device, sinks []FrameSink, deviceID string, loop *loopState) {
	defer close(loop.done)
	for ctx.Err() == nil {
		frame, err := dev.ReadFrame(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.failFromCapture(loop, &DeviceError{DeviceID: deviceID, Err: err})
			return
		}
		c.deliver(ctx, loop, sinks, frame)
	}
}

// deliver отдает кадр приемникам. Приемник может остановить сессию
// прямо из PushFrame, после этого кадр дальше не раздается.
func (c *Controller) deliver(ctx context.Context, loop *loopState, sinks []FrameSink, frame Frame) {
	loop.delivering.Store(true)
	defer loop.delivering.Store(false)
	for _, s := range sinks {
		if ctx.Err() != nil || !c.alive.Load() || !s.Ready() {
			c.metrics.FrameDropped()
			continue
		}
		s.PushFrame(frame)
		c.metrics.FrameDelivered()
	}
}

// failFromCapture останавливает сессию из самой горутины захвата.
// Ожидание горутины здесь пропускается.
func (c *Controller) failFromCapture(loop *loopState, cause error) {
	c.mu.Lock()
	if c.loop != loop || State(c.sm.Current()) != StateRunning {
		// Stop уже выполняется из другого потока
		c.mu.Unlock()
		return
	}
	c.alive.Store(false)
	c.cancel()
	c.cancel, c.loop = nil, nil
	if err := c.teardownLocked(); err != nil {
		c.log.LogError(context.Background(), err, "ошибка освобождения после сбоя")
	}
	c.session = nil
	c.event(evFail)
	c.event(evReset)
	cb := c.onFailure
	c.mu.Unlock()

	c.log.LogError(context.Background(), cause, "сбой устройства захвата")
	if cb != nil {
		cb(cause)
	}
}

// teardownLocked освобождает ресурсы в обратном порядке получения:
// поток и частота, приемники, устройство
func (c *Controller) teardownLocked() error {
	if c.dev == nil {
		return nil
	}
	var errs []error
	if err := c.dev.StopStream(); err != nil {
		errs = append(errs, fmt.Errorf("stop stream: %w", err))
	}
	detachAll(c.attached)
	c.attached = nil
	if err := c.dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}
	c.dev = nil
	return errors.Join(errs...)
}

// Stop останавливает сессию. Повторный вызов ничего не делает.
// Горутина захвата сначала получает сигнал, затем Stop ждет ее завершения.
// Если горутина захвата находится внутри приемника, ожидание пропускается:
// Stop мог вызвать сам приемник из PushFrame. Устройство в этот момент
// не читается, и горутина завершится сама, не трогая ресурсы сессии.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if State(c.sm.Current()) != StateRunning {
		c.mu.Unlock()
		return nil
	}
	c.event(evStop)
	c.alive.Store(false)
	cancel, loop := c.cancel, c.loop
	c.cancel, c.loop = nil, nil
	cancel()
	c.mu.Unlock()

	if !loop.delivering.Load() {
		<-loop.done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.teardownLocked()
	c.session = nil
	c.event(evStopped)
	c.log.Info(context.Background(), "захват остановлен")
	return err
}

// SwitchDevice переключает захват на другое устройство. При неудаче
// сессия возвращается на прежнее устройство, если до этого работала.
// Возвращается исходная ошибка независимо от результата отката.
func (c *Controller) SwitchDevice(ctx context.Context, newID string) error {
	c.mu.Lock()
	if _, ok := c.lookup.Lookup(newID); !ok {
		from := ""
		if c.last != nil {
			from = c.last.DeviceID
		}
		c.mu.Unlock()
		return &SwitchError{From: from, To: newID,
			Err: &StartError{Kind: DeviceOpenFailed, DeviceID: newID, Err: ErrUnknownDevice}}
	}
	if c.last == nil {
		c.mu.Unlock()
		return &SwitchError{To: newID, Err: ErrNotConfigured}
	}
	prev := *c.last
	wasRunning := State(c.sm.Current()) == StateRunning
	c.mu.Unlock()

	if wasRunning {
		if err := c.Stop(); err != nil {
			c.log.LogError(ctx, err, "ошибка остановки перед переключением")
		}
	}

	next := prev
	next.DeviceID = newID
	err := c.Start(ctx, next)
	if err == nil {
		return nil
	}

	serr := &SwitchError{From: prev.DeviceID, To: newID, Err: err}
	if wasRunning {
		if rerr := c.Start(ctx, prev); rerr != nil {
			serr.RollbackErr = rerr
		} else {
			serr.RolledBack = true
		}
	} else {
		// Сохраняем прежние параметры для следующей попытки
		c.mu.Lock()
		c.last = &prev
		c.mu.Unlock()
	}
	c.log.LogError(ctx, serr, "переключение устройства не удалось")
	return serr
}

// SetOrientation передает подсказку ориентации работающему устройству
// без перезапуска сессии. Без сессии значение применится при запуске.
func (c *Controller) SetOrientation(o engine.Orientation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orientation = o
	if c.session != nil {
		c.session.Orientation = o
	}
	if c.dev == nil {
		return nil
	}
	return c.dev.SetOrientation(o)
}

// CurrentDeviceID идентификатор устройства работающей сессии
func (c *Controller) CurrentDeviceID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return "", false
	}
	return c.session.DeviceID, true
}
