package capture

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrSinkAttached приемник уже подключен к другой сессии
var ErrSinkAttached = errors.New("sink already attached")

// HeadlessSink безголовая цель декодирования: принимает кадры без
// поверхности отображения и запоминает геометрию последнего кадра.
// OnFrame, если задан, вызывается синхронно из горутины захвата.
type HeadlessSink struct {
	mu       sync.Mutex
	attached bool
	cfg      StreamConfig
	last     Frame

	paused atomic.Bool
	frames atomic.Uint64

	OnFrame func(Frame)
}

// Attach подключает приемник к потоку
func (s *HeadlessSink) Attach(cfg StreamConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return ErrSinkAttached
	}
	s.attached = true
	s.cfg = cfg
	return nil
}

// Ready приемник подключен и не приостановлен
func (s *HeadlessSink) Ready() bool {
	if s.paused.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

func (s *HeadlessSink) PushFrame(f Frame) {
	s.mu.Lock()
	s.last = Frame{Width: f.Width, Height: f.Height, Format: f.Format, Timestamp: f.Timestamp}
	cb := s.OnFrame
	s.mu.Unlock()
	s.frames.Add(1)
	if cb != nil {
		cb(f)
	}
}

func (s *HeadlessSink) Detach() {
	s.mu.Lock()
	s.attached = false
	s.mu.Unlock()
}

// Pause временно делает приемник неготовым, кадры при этом отбрасываются
func (s *HeadlessSink) Pause(p bool) { s.paused.Store(p) }

// Attached сообщает, подключен ли приемник
func (s *HeadlessSink) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Config параметры потока последнего подключения
func (s *HeadlessSink) Config() StreamConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// LastFrame заголовок последнего кадра без данных плоскостей
func (s *HeadlessSink) LastFrame() Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Frames число принятых кадров
func (s *HeadlessSink) Frames() uint64 { return s.frames.Load() }
