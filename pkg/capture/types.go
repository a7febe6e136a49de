package capture

import (
	"context"
	"time"

	"github.com/arzzra/sessionbridge/pkg/devices"
	"github.com/arzzra/sessionbridge/pkg/engine"
)

// State состояние сессии захвата
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// RetryPolicy политика повторного запуска
type RetryPolicy int

const (
	RetryNone RetryPolicy = iota
	// RetryWithoutFrameRateConstraint один повтор без ограничения частоты
	RetryWithoutFrameRateConstraint
)

// Params параметры запуска
type Params struct {
	DeviceID  string
	Width     int
	Height    int
	Format    devices.PixelFormat
	TargetFPS int
}

// Session снимок текущей сессии
type Session struct {
	Params
	State       State
	RetryPolicy RetryPolicy
	// FrameRateRelaxed запуск прошел только без ограничения частоты
	FrameRateRelaxed bool
	Orientation      engine.Orientation
	StartedAt        time.Time
}

// StreamConfig согласованные параметры потока. FPS == 0 означает
// отсутствие ограничения частоты.
type StreamConfig struct {
	Width  int
	Height int
	Format devices.PixelFormat
	FPS    int
}

// Plane плоскость кадра
type Plane struct {
	Data        []byte
	RowStride   int
	PixelStride int
}

// Frame кадр с устройства. Данные принадлежат получателю только на
// время вызова PushFrame.
type Frame struct {
	Width     int
	Height    int
	Format    devices.PixelFormat
	Planes    []Plane
	Timestamp time.Time
}

// Platform платформенное API камеры
type Platform interface {
	Open(ctx context.Context, desc devices.Descriptor) (Device, error)
}

// Device открытая камера
type Device interface {
	// Configure запускает поток с заданными параметрами
	Configure(ctx context.Context, cfg StreamConfig) error
	// ReadFrame блокируется до следующего кадра или отмены ctx.
	// Вызывается только из горутины захвата.
	ReadFrame(ctx context.Context) (Frame, error)
	// StopStream снимает ограничение частоты и останавливает поток
	StopStream() error
	SetOrientation(o engine.Orientation) error
	// Close освобождает устройство
	Close() error
}

// FrameSink приемник кадров: поверхность отображения или безголовая
// цель декодирования движка
type FrameSink interface {
	Attach(cfg StreamConfig) error
	// Ready сообщает, что приемник готов принять кадр прямо сейчас
	Ready() bool
	// PushFrame не должен блокироваться. Вызов Stop из PushFrame допустим.
	PushFrame(f Frame)
	Detach()
}

// DeviceLookup последний снимок перечисления устройств
type DeviceLookup interface {
	Lookup(id string) (devices.Descriptor, bool)
}

// Config настройки контроллера
type Config struct {
	RetryPolicy RetryPolicy
	// RetryTriggerCodes коды PlatformError, при которых выполняется повтор
	// без ограничения частоты. ErrFrameRateRejected вызывает повтор всегда.
	RetryTriggerCodes []int
}

// Коды ошибок камеры, при которых исходное приложение повторяло запуск
const (
	PlatformErrCameraDevice  = 4
	PlatformErrCameraService = 5
)

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		RetryPolicy:       RetryWithoutFrameRateConstraint,
		RetryTriggerCodes: []int{PlatformErrCameraDevice, PlatformErrCameraService},
	}
}
