package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/arzzra/sessionbridge/pkg/logger"
)

type contextState int

const (
	contextNew contextState = iota
	contextRunning
	contextShutdown
)

// Context единственный в процессе владелец движка.
//
// Создается один раз, явно инициализируется через Init и явно
// останавливается через Shutdown. Компоненты получают движок по ссылке
// из Context, глобального состояния нет.
type Context struct {
	mu         sync.Mutex
	eng        Engine
	state      contextState
	transports map[TransportType]TransportID
	log        logger.StructuredLogger
}

// ContextOption опция Context
type ContextOption func(*Context)

// WithLogger задает логгер
func WithLogger(l logger.StructuredLogger) ContextOption {
	return func(c *Context) {
		if l != nil {
			c.log = l
		}
	}
}

// NewContext создает Context для движка eng
func NewContext(eng Engine, opts ...ContextOption) *Context {
	c := &Context{
		eng:        eng,
		transports: make(map[TransportType]TransportID),
		log:        logger.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithComponent("engine")
	return c
}

// Init регистрирует слушателя, инициализирует движок, создает транспорты
// и запускает движок. Ошибка инициализации или запуска фатальна и
// оборачивает ErrEngineUnavailable. Ошибка создания отдельного
// транспорта только логируется.
func (c *Context) Init(ctx context.Context, cfg EndpointConfig, l Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case contextRunning:
		return ErrAlreadyInitialized
	case contextShutdown:
		return fmt.Errorf("%w: context already shut down", ErrEngineUnavailable)
	}
	if c.eng == nil {
		return fmt.Errorf("%w: no engine supplied", ErrEngineUnavailable)
	}

	if l != nil {
		c.eng.SetListener(l)
	}
	if err := c.eng.Init(ctx, cfg); err != nil {
		return fmt.Errorf("%w: init: %v", ErrEngineUnavailable, err)
	}

	for _, tc := range cfg.Transports {
		id, err := c.eng.TransportCreate(ctx, tc)
		if err != nil {
			c.log.LogError(ctx, err, "не удалось создать транспорт",
				logger.String("type", string(tc.Type)), logger.Int("port", tc.Port))
			continue
		}
		c.transports[tc.Type] = id
	}

	if err := c.eng.Start(ctx); err != nil {
		_ = c.eng.Destroy(ctx)
		return fmt.Errorf("%w: start: %v", ErrEngineUnavailable, err)
	}

	c.state = contextRunning
	c.log.Info(ctx, "движок запущен", logger.Int("transports", len(c.transports)))
	return nil
}

// Engine возвращает движок, если Context запущен
func (c *Context) Engine() (Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != contextRunning {
		return nil, ErrNotInitialized
	}
	return c.eng, nil
}

// Transport возвращает идентификатор созданного транспорта
func (c *Context) Transport(t TransportType) (TransportID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.transports[t]
	return id, ok
}

// Running сообщает, что движок запущен
func (c *Context) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == contextRunning
}

// Shutdown останавливает движок. Повторный вызов ничего не делает.
func (c *Context) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != contextRunning {
		c.state = contextShutdown
		return nil
	}
	c.state = contextShutdown
	c.transports = make(map[TransportType]TransportID)
	if err := c.eng.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy engine: %w", err)
	}
	c.log.Info(ctx, "движок остановлен")
	return nil
}
