// Package testpattern платформа захвата без камеры: генерирует
// синтетические кадры I420 с заданной частотой.
package testpattern

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arzzra/sessionbridge/pkg/capture"
	"github.com/arzzra/sessionbridge/pkg/devices"
	"github.com/arzzra/sessionbridge/pkg/engine"
)

// DefaultFPS частота кадров без ограничения частоты
const DefaultFPS = 15

var errClosed = errors.New("testpattern: device closed")

// Platform платформа тестового сигнала
type Platform struct {
	// RejectExactFPS отклоняет любое точное ограничение частоты
	RejectExactFPS bool
}

// Option опция платформы
type Option func(*Platform)

// WithExactFPSRejected включает отказ от точной частоты
func WithExactFPSRejected() Option {
	return func(p *Platform) { p.RejectExactFPS = true }
}

// New создает платформу
func New(opts ...Option) *Platform {
	p := &Platform{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Descriptor описание устройства тестового сигнала для перечисления
func Descriptor() devices.Descriptor {
	return devices.Descriptor{
		ID:           "testpattern",
		Name:         "Test pattern",
		Kind:         devices.KindVideo,
		Direction:    devices.DirectionSource,
		Backend:      "testpattern",
		FrameSizes:   []devices.FrameSize{{Width: 320, Height: 240}, {Width: 640, Height: 480}, {Width: 1280, Height: 720}},
		FrameRates:   []devices.FrameRateRange{{Min: 1, Max: 30}},
		PixelFormats: []devices.PixelFormat{devices.FormatI420},
	}
}

func (p *Platform) Open(ctx context.Context, desc devices.Descriptor) (capture.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &device{platform: p, id: desc.ID}, nil
}

type device struct {
	platform *Platform
	id       string

	mu      sync.Mutex
	cfg     capture.StreamConfig
	ticker  *time.Ticker
	orient  engine.Orientation
	closed  bool
	counter uint8
}

func (d *device) Configure(_ context.Context, cfg capture.StreamConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	if cfg.FPS > 0 && d.platform.RejectExactFPS {
		return capture.ErrFrameRateRejected
	}
	fps := cfg.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	d.cfg = cfg
	d.ticker = time.NewTicker(time.Second / time.Duration(fps))
	return nil
}

func (d *device) ReadFrame(ctx context.Context) (capture.Frame, error) {
	d.mu.Lock()
	t := d.ticker
	d.mu.Unlock()
	if t == nil {
		return capture.Frame{}, errClosed
	}

	select {
	case <-ctx.Done():
		return capture.Frame{}, ctx.Err()
	case ts := <-t.C:
		return d.frame(ts), nil
	}
}

// frame строит кадр I420: яркость меняется от кадра к кадру, цветность
// нейтральная
func (d *device) frame(ts time.Time) capture.Frame {
	d.mu.Lock()
	d.counter++
	luma := d.counter
	w, h := d.cfg.Width, d.cfg.Height
	d.mu.Unlock()

	cw, ch := (w+1)/2, (h+1)/2
	y := make([]byte, w*h)
	for i := range y {
		y[i] = luma
	}
	u := make([]byte, cw*ch)
	v := make([]byte, cw*ch)
	for i := range u {
		u[i], v[i] = 128, 128
	}
	return capture.Frame{
		Width:  w,
		Height: h,
		Format: devices.FormatI420,
		Planes: []capture.Plane{
			{Data: y, RowStride: w, PixelStride: 1},
			{Data: u, RowStride: cw, PixelStride: 1},
			{Data: v, RowStride: cw, PixelStride: 1},
		},
		Timestamp: ts,
	}
}

func (d *device) StopStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ticker != nil {
		d.ticker.Stop()
		d.ticker = nil
	}
	return nil
}

func (d *device) SetOrientation(o engine.Orientation) error {
	d.mu.Lock()
	d.orient = o
	d.mu.Unlock()
	return nil
}

func (d *device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
