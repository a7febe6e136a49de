package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy сессия уже запущена или останавливается
	ErrBusy = errors.New("capture session busy")
	// ErrUnknownDevice устройства нет в последнем перечислении
	ErrUnknownDevice = errors.New("device not present in last enumeration")
	// ErrUnsupportedParams устройство не поддерживает размер или формат кадра
	ErrUnsupportedParams = errors.New("frame size or format not supported by device")
	// ErrFrameRateRejected платформа отклонила точную частоту кадров
	ErrFrameRateRejected = errors.New("frame rate constraint rejected")
	// ErrNotConfigured переключение устройства до первого Start
	ErrNotConfigured = errors.New("capture session never configured")
)

// ErrorKind вид ошибки запуска
type ErrorKind int

const (
	DeviceOpenFailed ErrorKind = iota
	SinkAttachFailed
	ParameterRejected
)

func (k ErrorKind) String() string {
	switch k {
	case DeviceOpenFailed:
		return "device_open_failed"
	case SinkAttachFailed:
		return "sink_attach_failed"
	case ParameterRejected:
		return "parameter_rejected"
	}
	return "unknown"
}

// StartError ошибка запуска сессии захвата
type StartError struct {
	Kind     ErrorKind
	DeviceID string
	Err      error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("capture start on %q: %s: %v", e.DeviceID, e.Kind, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// SwitchError ошибка переключения устройства. Err всегда исходная
// ошибка запуска на новом устройстве, независимо от результата отката.
type SwitchError struct {
	From, To string
	Err      error
	// RolledBack сессия снова работает на прежнем устройстве
	RolledBack  bool
	RollbackErr error
}

func (e *SwitchError) Error() string {
	s := fmt.Sprintf("switch capture %q -> %q: %v", e.From, e.To, e.Err)
	switch {
	case e.RolledBack:
		s += " (rolled back)"
	case e.RollbackErr != nil:
		s += fmt.Sprintf(" (rollback failed: %v)", e.RollbackErr)
	}
	return s
}

func (e *SwitchError) Unwrap() error { return e.Err }

// PlatformError код ошибки платформенного API камеры
type PlatformError struct {
	Code int
	Msg  string
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform error %d: %s", e.Code, e.Msg)
}

// DeviceError сбой устройства во время работы сессии
type DeviceError struct {
	DeviceID string
	Err      error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture device %q failed: %v", e.DeviceID, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// StartErrorKind извлекает вид ошибки запуска
func StartErrorKind(err error) (ErrorKind, bool) {
	var se *StartError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}
