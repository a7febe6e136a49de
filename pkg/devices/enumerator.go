// Package devices перечисляет камеры и звуковые устройства и приводит
// разные платформенные API (современное и устаревшее) к одному
// упорядоченному списку дескрипторов.
package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arzzra/sessionbridge/pkg/logger"
)

// ErrNoManager менеджер устройств еще не передан хостом
var ErrNoManager = errors.New("device manager handle not supplied")

// EnumerationError перечисление невозможно
type EnumerationError struct {
	Err error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("device enumeration: %v", e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// Backend одна реализация платформенного API устройств.
// Available отвечает за определение возможностей платформы.
type Backend interface {
	Name() string
	Available() bool
	List(ctx context.Context) ([]Descriptor, error)
}

// Manager дескриптор менеджера устройств: упорядоченный список бэкендов,
// от предпочтительного к запасному
type Manager struct {
	backends []Backend
}

// NewManager создает менеджер из бэкендов
func NewManager(backends ...Backend) *Manager {
	out := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b != nil {
			out = append(out, b)
		}
	}
	return &Manager{backends: out}
}

// Backends возвращает бэкенды менеджера
func (m *Manager) Backends() []Backend {
	return append([]Backend(nil), m.backends...)
}

// Enumerator перечислитель устройств. Хранит последний снимок, по
// которому проверяются идентификаторы устройств.
type Enumerator struct {
	mu      sync.RWMutex
	manager *Manager
	last    []Descriptor
	log     logger.StructuredLogger
}

// Option опция Enumerator
type Option func(*Enumerator)

// WithLogger задает логгер
func WithLogger(l logger.StructuredLogger) Option {
	return func(e *Enumerator) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEnumerator создает перечислитель. m может быть nil, тогда хост
// должен передать менеджер позже через SetManager.
func NewEnumerator(m *Manager, opts ...Option) *Enumerator {
	e := &Enumerator{manager: m, log: logger.GetDefaultLogger()}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithComponent("devices")
	return e
}

// SetManager передает менеджер устройств
func (e *Enumerator) SetManager(m *Manager) {
	e.mu.Lock()
	e.manager = m
	e.mu.Unlock()
}

// Enumerate строит новый снимок устройств. Устройства не открываются.
//
// Используется первый доступный бэкенд, выдавший хотя бы одно устройство.
// Если таких нет, результат состоит из одного устройства Default с
// индексом 0.
func (e *Enumerator) Enumerate(ctx context.Context) ([]Descriptor, error) {
	e.mu.RLock()
	m := e.manager
	e.mu.RUnlock()

	if m == nil {
		return nil, &EnumerationError{Err: ErrNoManager}
	}

	var found []Descriptor
	for _, b := range m.backends {
		if !b.Available() {
			e.log.Debug(ctx, "бэкенд недоступен", logger.String("backend", b.Name()))
			continue
		}
		list, err := b.List(ctx)
		if err != nil {
			e.log.LogError(ctx, err, "бэкенд не смог перечислить устройства",
				logger.String("backend", b.Name()))
			continue
		}
		if len(list) == 0 {
			continue
		}
		found = list
		break
	}

	snapshot := make([]Descriptor, 0, len(found)+1)
	if len(found) == 0 {
		snapshot = append(snapshot, DefaultDescriptor())
	} else {
		for i, d := range found {
			d = normalize(d)
			d.Index = i
			snapshot = append(snapshot, d)
		}
	}

	e.mu.Lock()
	e.last = snapshot
	e.mu.Unlock()

	e.log.Debug(ctx, "устройства перечислены", logger.Int("count", len(snapshot)))
	return cloneAll(snapshot), nil
}

// Snapshot возвращает копию последнего снимка
func (e *Enumerator) Snapshot() []Descriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneAll(e.last)
}

// Lookup ищет устройство в последнем снимке
func (e *Enumerator) Lookup(id string) (Descriptor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, d := range e.last {
		if d.ID == id {
			return clone(d), true
		}
	}
	return Descriptor{}, false
}

func cloneAll(in []Descriptor) []Descriptor {
	if in == nil {
		return nil
	}
	out := make([]Descriptor, len(in))
	for i, d := range in {
		out[i] = clone(d)
	}
	return out
}

func clone(d Descriptor) Descriptor {
	d.SampleRates = append([]int{}, d.SampleRates...)
	d.ChannelCounts = append([]int{}, d.ChannelCounts...)
	d.FrameSizes = append([]FrameSize{}, d.FrameSizes...)
	d.FrameRates = append([]FrameRateRange{}, d.FrameRates...)
	d.PixelFormats = append([]PixelFormat{}, d.PixelFormats...)
	return d
}
