package capture

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sessionbridge/pkg/devices"
	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/logger"
)

// fakeLookup снимок перечисления для тестов
type fakeLookup map[string]devices.Descriptor

func (l fakeLookup) Lookup(id string) (devices.Descriptor, bool) {
	d, ok := l[id]
	return d, ok
}

// fakePlatform считает открытые устройства и позволяет задавать ошибки
type fakePlatform struct {
	mu sync.Mutex

	openErr   map[string]error
	configure func(id string, cfg StreamConfig) error

	opened  []*fakeDevice
	maxOpen int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{openErr: map[string]error{}}
}

func (p *fakePlatform) Open(_ context.Context, d devices.Descriptor) (Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.openErr[d.ID]; err != nil {
		return nil, err
	}
	dev := &fakeDevice{
		platform: p,
		id:       d.ID,
		frames:   make(chan Frame),
		fail:     make(chan error, 1),
	}
	p.opened = append(p.opened, dev)
	if n := p.openCountLocked(); n > p.maxOpen {
		p.maxOpen = n
	}
	return dev, nil
}

func (p *fakePlatform) openCountLocked() int {
	n := 0
	for _, d := range p.opened {
		if !d.closed {
			n++
		}
	}
	return n
}

func (p *fakePlatform) openDevices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, d := range p.opened {
		if !d.closed {
			ids = append(ids, d.id)
		}
	}
	return ids
}

func (p *fakePlatform) last() *fakeDevice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened[len(p.opened)-1]
}

func (p *fakePlatform) configs() []StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []StreamConfig
	for _, d := range p.opened {
		out = append(out, d.configured...)
	}
	return out
}

type fakeDevice struct {
	platform *fakePlatform
	id       string

	frames chan Frame
	fail   chan error

	configured []StreamConfig
	orient     engine.Orientation
	stopped    bool
	closed     bool
}

func (d *fakeDevice) Configure(_ context.Context, cfg StreamConfig) error {
	d.platform.mu.Lock()
	d.configured = append(d.configured, cfg)
	fn := d.platform.configure
	d.platform.mu.Unlock()
	if fn != nil {
		return fn(d.id, cfg)
	}
	return nil
}

func (d *fakeDevice) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case f := <-d.frames:
		return f, nil
	case err := <-d.fail:
		return Frame{}, err
	}
}

func (d *fakeDevice) StopStream() error {
	d.platform.mu.Lock()
	d.stopped = true
	d.platform.mu.Unlock()
	return nil
}

func (d *fakeDevice) SetOrientation(o engine.Orientation) error {
	d.platform.mu.Lock()
	d.orient = o
	d.platform.mu.Unlock()
	return nil
}

func (d *fakeDevice) Close() error {
	d.platform.mu.Lock()
	d.closed = true
	d.platform.mu.Unlock()
	return nil
}

func (d *fakeDevice) isClosed() bool {
	d.platform.mu.Lock()
	defer d.platform.mu.Unlock()
	return d.closed
}

// failingSink приемник, отказывающий в подключении
type failingSink struct{ HeadlessSink }

func (s *failingSink) Attach(StreamConfig) error { return errors.New("surface gone") }

var hd = []devices.FrameSize{{Width: 640, Height: 480}, {Width: 1280, Height: 720}}

func testLookup() fakeLookup {
	return fakeLookup{
		"front": {ID: "front", FrameSizes: hd, PixelFormats: []devices.PixelFormat{devices.FormatI420}},
		"back":  {ID: "back", Index: 1, FrameSizes: hd, PixelFormats: []devices.PixelFormat{devices.FormatI420}},
		"5": {ID: "5", Index: 2,
			FrameSizes: []devices.FrameSize{{Width: 640, Height: 480}}},
	}
}

func params(id string) Params {
	return Params{DeviceID: id, Width: 1280, Height: 720, Format: devices.FormatI420, TargetFPS: 30}
}

func newTestController(p *fakePlatform, sink FrameSink, opts ...Option) *Controller {
	opts = append([]Option{WithLogger(logger.NoOpLogger{})}, opts...)
	return NewController(p, testLookup(), sink, opts...)
}

func TestController_StartStop(t *testing.T) {
	p := newFakePlatform()
	sink := &HeadlessSink{}
	c := newTestController(p, sink)

	require.NoError(t, c.Start(context.Background(), params("front")))
	assert.Equal(t, StateRunning, c.State())
	assert.True(t, sink.Attached())
	assert.Equal(t, 30, sink.Config().FPS)

	s := c.Session()
	require.NotNil(t, s)
	assert.Equal(t, "front", s.DeviceID)
	assert.False(t, s.FrameRateRelaxed)

	err := c.Start(context.Background(), params("back"))
	assert.ErrorIs(t, err, ErrBusy)

	dev := p.last()
	require.NoError(t, c.Stop())
	assert.Equal(t, StateIdle, c.State())
	assert.True(t, dev.stopped)
	assert.True(t, dev.isClosed())
	assert.False(t, sink.Attached())
	assert.Nil(t, c.Session())

	// Повторная остановка ничего не делает
	require.NoError(t, c.Stop())
	assert.Equal(t, StateIdle, c.State())
}

func TestController_UnknownDevice(t *testing.T) {
	p := newFakePlatform()
	c := newTestController(p, &HeadlessSink{})

	err := c.Start(context.Background(), params("missing"))
	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, DeviceOpenFailed, se.Kind)
	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, p.opened)
}

func TestController_ParameterRejectedWithoutCaptureThread(t *testing.T) {
	p := newFakePlatform()
	c := newTestController(p, &HeadlessSink{})

	err := c.Start(context.Background(), Params{DeviceID: "5", Width: 1280, Height: 720, Format: devices.FormatI420, TargetFPS: 30})
	kind, ok := StartErrorKind(err)
	require.True(t, ok)
	assert.Equal(t, ParameterRejected, kind)
	assert.ErrorIs(t, err, ErrUnsupportedParams)
	assert.Empty(t, p.opened, "устройство не открывается")

	// Поток захвата не запущен: Stop ничего не делает
	require.NoError(t, c.Stop())
	assert.Equal(t, StateIdle, c.State())
}

func TestController_DeviceOpenFailed(t *testing.T) {
	p := newFakePlatform()
	p.openErr["front"] = &PlatformError{Code: 1, Msg: "in use"}
	c := newTestController(p, &HeadlessSink{})

	err := c.Start(context.Background(), params("front"))
	kind, ok := StartErrorKind(err)
	require.True(t, ok)
	assert.Equal(t, DeviceOpenFailed, kind)
	assert.Equal(t, StateIdle, c.State())
}

func TestController_RetryWithoutFrameRate(t *testing.T) {
	p := newFakePlatform()
	p.configure = func(_ string, cfg StreamConfig) error {
		if cfg.FPS > 0 {
			return ErrFrameRateRejected
		}
		return nil
	}
	sink := &HeadlessSink{}
	c := newTestController(p, sink)

	require.NoError(t, c.Start(context.Background(), params("front")))
	cfgs := p.configs()
	require.Len(t, cfgs, 2, "ровно один повтор")
	assert.Equal(t, 30, cfgs[0].FPS)
	assert.Equal(t, 0, cfgs[1].FPS)
	assert.True(t, c.Session().FrameRateRelaxed)
	assert.Equal(t, []string{"front"}, p.openDevices())
	require.NoError(t, c.Stop())
}

func TestController_SecondRejectionIsTerminal(t *testing.T) {
	p := newFakePlatform()
	p.configure = func(string, StreamConfig) error { return ErrFrameRateRejected }
	sink := &HeadlessSink{}
	c := newTestController(p, sink)

	err := c.Start(context.Background(), params("front"))
	kind, ok := StartErrorKind(err)
	require.True(t, ok)
	assert.Equal(t, ParameterRejected, kind)
	assert.Len(t, p.configs(), 2)
	assert.Empty(t, p.openDevices(), "устройства освобождены")
	assert.False(t, sink.Attached())
	assert.Equal(t, StateIdle, c.State())
}

func TestController_RetryTriggerCodes(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		err     error
		retried bool
	}{
		{"код устройства", DefaultConfig(), &PlatformError{Code: PlatformErrCameraDevice}, true},
		{"код сервиса", DefaultConfig(), &PlatformError{Code: PlatformErrCameraService}, true},
		{"другой код", DefaultConfig(), &PlatformError{Code: 7}, false},
		{"политика без повтора", Config{RetryPolicy: RetryNone}, ErrFrameRateRejected, false},
		{"свой набор кодов", Config{RetryPolicy: RetryWithoutFrameRateConstraint, RetryTriggerCodes: []int{7}}, &PlatformError{Code: 7}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakePlatform()
			p.configure = func(_ string, cfg StreamConfig) error {
				if cfg.FPS > 0 {
					return tt.err
				}
				return nil
			}
			c := newTestController(p, &HeadlessSink{}, WithConfig(tt.cfg))
			err := c.Start(context.Background(), params("front"))
			if tt.retried {
				require.NoError(t, err)
				assert.Len(t, p.configs(), 2)
				require.NoError(t, c.Stop())
				return
			}
			require.Error(t, err)
			assert.Len(t, p.configs(), 1)
		})
	}
}

func TestController_NoRetryWithoutFrameRateConstraint(t *testing.T) {
	p := newFakePlatform()
	p.configure = func(string, StreamConfig) error { return ErrFrameRateRejected }
	c := newTestController(p, &HeadlessSink{})

	pp := params("front")
	pp.TargetFPS = 0
	require.Error(t, c.Start(context.Background(), pp))
	assert.Len(t, p.configs(), 1)
}

func TestController_SinkAttachFailedReleasesDevice(t *testing.T) {
	p := newFakePlatform()
	sink := &HeadlessSink{}
	c := newTestController(p, sink, WithPreview(&failingSink{}))

	err := c.Start(context.Background(), params("front"))
	kind, ok := StartErrorKind(err)
	require.True(t, ok)
	assert.Equal(t, SinkAttachFailed, kind)
	assert.Empty(t, p.openDevices())
	assert.False(t, sink.Attached(), "уже подключенные приемники отключены")
	assert.Equal(t, StateIdle, c.State())
}

func TestController_SwitchUnknownKeepsSession(t *testing.T) {
	p := newFakePlatform()
	c := newTestController(p, &HeadlessSink{})
	require.NoError(t, c.Start(context.Background(), params("front")))
	dev := p.last()

	err := c.SwitchDevice(context.Background(), "missing")
	var swe *SwitchError
	require.ErrorAs(t, err, &swe)
	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.False(t, swe.RolledBack)

	assert.Equal(t, StateRunning, c.State())
	assert.False(t, dev.isClosed(), "текущая сессия не тронута")
	id, _ := c.CurrentDeviceID()
	assert.Equal(t, "front", id)
	require.NoError(t, c.Stop())
}

func TestController_Switch(t *testing.T) {
	p := newFakePlatform()
	c := newTestController(p, &HeadlessSink{})
	require.NoError(t, c.Start(context.Background(), params("front")))

	require.NoError(t, c.SwitchDevice(context.Background(), "back"))
	assert.Equal(t, []string{"back"}, p.openDevices())
	s := c.Session()
	require.NotNil(t, s)
	assert.Equal(t, 1280, s.Width)
	assert.Equal(t, 30, s.TargetFPS)
	require.NoError(t, c.Stop())
}

func TestController_SwitchRollsBack(t *testing.T) {
	p := newFakePlatform()
	p.openErr["back"] = errors.New("camera disabled")
	c := newTestController(p, &HeadlessSink{})
	require.NoError(t, c.Start(context.Background(), params("front")))

	err := c.SwitchDevice(context.Background(), "back")
	var swe *SwitchError
	require.ErrorAs(t, err, &swe)
	assert.True(t, swe.RolledBack)
	assert.NoError(t, swe.RollbackErr)
	kind, ok := StartErrorKind(err)
	require.True(t, ok)
	assert.Equal(t, DeviceOpenFailed, kind, "возвращается исходная ошибка")

	assert.Equal(t, StateRunning, c.State())
	assert.Equal(t, []string{"front"}, p.openDevices())
	require.NoError(t, c.Stop())
}

func TestController_SwitchRollbackFails(t *testing.T) {
	p := newFakePlatform()
	c := newTestController(p, &HeadlessSink{})
	require.NoError(t, c.Start(context.Background(), params("front")))

	p.mu.Lock()
	p.openErr["back"] = errors.New("camera disabled")
	p.openErr["front"] = errors.New("camera disabled")
	p.mu.Unlock()

	err := c.SwitchDevice(context.Background(), "back")
	var swe *SwitchError
	require.ErrorAs(t, err, &swe)
	assert.False(t, swe.RolledBack)
	assert.Error(t, swe.RollbackErr)
	assert.Equal(t, StateIdle, c.State())
}

func TestController_SwitchWhenIdle(t *testing.T) {
	p := newFakePlatform()
	c := newTestController(p, &HeadlessSink{})

	err := c.SwitchDevice(context.Background(), "back")
	assert.ErrorIs(t, err, ErrNotConfigured)

	// Параметры известны после первой сессии
	require.NoError(t, c.Start(context.Background(), params("front")))
	require.NoError(t, c.Stop())
	require.NoError(t, c.SwitchDevice(context.Background(), "back"))
	assert.Equal(t, StateRunning, c.State())
	require.NoError(t, c.Stop())
}

func TestController_FramesDroppedWhenSinkNotReady(t *testing.T) {
	p := newFakePlatform()
	got := make(chan Frame, 8)
	sink := &HeadlessSink{OnFrame: func(f Frame) { got <- f }}
	c := newTestController(p, sink)
	require.NoError(t, c.Start(context.Background(), params("front")))
	dev := p.last()

	sink.Pause(true)
	dev.frames <- Frame{Width: 1, Height: 1}
	// Горутина приняла следующий кадр, значит предыдущий уже обработан
	dev.frames <- Frame{Width: 9, Height: 9}
	sink.Pause(false)
	dev.frames <- Frame{Width: 2, Height: 2}
	dev.frames <- Frame{Width: 3, Height: 3}

	for f := range got {
		require.NotEqual(t, 1, f.Width, "кадр при неготовом приемнике отброшен")
		if f.Width == 2 {
			break
		}
	}

	require.NoError(t, c.Stop())
	assert.GreaterOrEqual(t, sink.Frames(), uint64(1))
}

func TestController_RuntimeFailureTearsDown(t *testing.T) {
	p := newFakePlatform()
	failed := make(chan error, 1)
	sink := &HeadlessSink{}
	c := newTestController(p, sink, WithFailureHandler(func(err error) { failed <- err }))
	require.NoError(t, c.Start(context.Background(), params("front")))
	dev := p.last()

	dev.fail <- errors.New("disconnected")

	select {
	case err := <-failed:
		var de *DeviceError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "front", de.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("обработчик сбоя не вызван")
	}

	assert.True(t, dev.isClosed(), "устройство освобождено до уведомления")
	assert.False(t, sink.Attached())
	assert.Equal(t, StateIdle, c.State())
	require.NoError(t, c.Stop())

	// После сбоя можно запустить снова
	require.NoError(t, c.Start(context.Background(), params("front")))
	require.NoError(t, c.Stop())
}

func TestController_SetOrientation(t *testing.T) {
	p := newFakePlatform()
	c := newTestController(p, &HeadlessSink{})

	// До запуска подсказка запоминается
	require.NoError(t, c.SetOrientation(engine.OrientRotate270))
	require.NoError(t, c.Start(context.Background(), params("front")))
	dev := p.last()
	assert.Equal(t, engine.OrientRotate270, dev.orient)

	require.NoError(t, c.SetOrientation(engine.OrientNatural))
	assert.Equal(t, engine.OrientNatural, dev.orient)
	assert.Len(t, p.opened, 1, "сессия не перезапускается")
	assert.Equal(t, engine.OrientNatural, c.Session().Orientation)
	require.NoError(t, c.Stop())
}

func TestController_NeverTwoRunningDevices(t *testing.T) {
	p := newFakePlatform()
	c := newTestController(p, &HeadlessSink{})
	rng := rand.New(rand.NewSource(1))
	ids := []string{"front", "back", "missing"}

	for i := 0; i < 200; i++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(3) {
		case 0:
			_ = c.Start(context.Background(), params(id))
		case 1:
			_ = c.Stop()
		case 2:
			_ = c.SwitchDevice(context.Background(), id)
		}
		open := p.openDevices()
		assert.LessOrEqual(t, len(open), 1)
		if c.State() == StateRunning {
			require.Len(t, open, 1)
			cur, _ := c.CurrentDeviceID()
			assert.Equal(t, cur, open[0])
		}
	}
	require.NoError(t, c.Stop())
	assert.LessOrEqual(t, p.maxOpen, 1)
}

func TestController_StopFromSinkDoesNotDeadlock(t *testing.T) {
	p := newFakePlatform()
	stopped := make(chan error, 1)
	var c *Controller
	sink := &HeadlessSink{}
	sink.OnFrame = func(Frame) { stopped <- c.Stop() }
	c = newTestController(p, sink)
	require.NoError(t, c.Start(context.Background(), params("front")))
	dev := p.last()

	dev.frames <- Frame{Width: 1, Height: 1}

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop из приемника не вернулся, состояние %s", c.State())
	}
	assert.Equal(t, StateIdle, c.State())
	assert.True(t, dev.isClosed())
	assert.False(t, sink.Attached())
	assert.Nil(t, c.Session())

	// Горутина захвата завершилась сама, новая сессия запускается
	sink.OnFrame = nil
	require.NoError(t, c.Start(context.Background(), params("back")))
	require.NoError(t, c.Stop())
	assert.LessOrEqual(t, p.maxOpen, 1)
}

func TestController_RejectedStartKeepsLastParams(t *testing.T) {
	p := newFakePlatform()
	c := newTestController(p, &HeadlessSink{})

	require.NoError(t, c.Start(context.Background(), params("front")))
	require.NoError(t, c.Stop())

	bad := params("front")
	bad.Width, bad.Height = 1920, 1080
	kind, ok := StartErrorKind(c.Start(context.Background(), bad))
	require.True(t, ok)
	assert.Equal(t, ParameterRejected, kind)

	require.NoError(t, c.SwitchDevice(context.Background(), "back"))
	s := c.Session()
	require.NotNil(t, s)
	assert.Equal(t, 1280, s.Width)
	assert.Equal(t, 720, s.Height)
	require.NoError(t, c.Stop())
}
