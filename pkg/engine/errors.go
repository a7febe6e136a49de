package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineUnavailable движок не удалось поднять при старте.
	// Это единственная фатальная ошибка приложения.
	ErrEngineUnavailable = errors.New("engine unavailable")
	// ErrNotInitialized обращение к движку до Init или после Shutdown
	ErrNotInitialized = errors.New("engine not initialized")
	// ErrAlreadyInitialized повторный Init
	ErrAlreadyInitialized = errors.New("engine already initialized")
	// ErrNotFound объект движка с таким идентификатором не существует
	ErrNotFound = errors.New("engine object not found")
	// ErrUnsupported операция не поддерживается реализацией движка
	ErrUnsupported = errors.New("operation not supported by engine")
)

// EngineCallError ошибка вызова движка (answer/hangup/attach и т.п.).
// Передается насквозь, не интерпретируется ядром.
type EngineCallError struct {
	Op     string
	CallID CallID
	Err    error
}

func (e *EngineCallError) Error() string {
	if e.CallID >= 0 {
		return fmt.Sprintf("engine %s (call %d): %v", e.Op, e.CallID, e.Err)
	}
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineCallError) Unwrap() error { return e.Err }

// CallError оборачивает err в EngineCallError. Возвращает nil для nil.
func CallError(op string, id CallID, err error) error {
	if err == nil {
		return nil
	}
	var ce *EngineCallError
	if errors.As(err, &ce) && ce.Op == op {
		return err
	}
	return &EngineCallError{Op: op, CallID: id, Err: err}
}

// OpError то же, что CallError, для операций без звонка
func OpError(op string, err error) error {
	return CallError(op, InvalidID, err)
}
