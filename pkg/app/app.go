// Package app собирает софтфон из компонентов: движок под управлением
// engine.Context, мост событий, менеджер звонка, перечисление устройств,
// контроллер захвата и презентеры.
//
// Все изменения аккаунта выполняются в управляющем потоке моста, как и
// обработка событий движка.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/sessionbridge/pkg/bridge"
	"github.com/arzzra/sessionbridge/pkg/callsession"
	"github.com/arzzra/sessionbridge/pkg/capture"
	"github.com/arzzra/sessionbridge/pkg/capture/testpattern"
	"github.com/arzzra/sessionbridge/pkg/config"
	"github.com/arzzra/sessionbridge/pkg/devices"
	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/logger"
	"github.com/arzzra/sessionbridge/pkg/metrics"
	"github.com/arzzra/sessionbridge/pkg/presenter"
)

const shutdownTimeout = 10 * time.Second

// App собранное приложение
type App struct {
	cfg    *config.Config
	base   logger.StructuredLogger
	log    logger.StructuredLogger
	loader *config.Loader
	store  *config.Store

	registry *prometheus.Registry
	metrics  *metrics.Collector

	eng       engine.Engine
	engCtx    *engine.Context
	bridge    *bridge.Bridge
	devices   *devices.Enumerator
	backends  []devices.Backend
	platform  capture.Platform
	sink      *capture.HeadlessSink
	capture   *capture.Controller
	manager   *callsession.Manager
	ws        *presenter.WSPresenter
	presenter presenter.Presenter

	// состояние управляющего потока
	account    engine.AccountID
	accountCfg config.AccountConfig
	buddyCfg   []config.BuddyConfig
	buddies    []engine.BuddyID
}

// Option опция приложения
type Option func(*App)

// WithEngine подменяет движок, выбранный конфигурацией
func WithEngine(eng engine.Engine) Option {
	return func(a *App) { a.eng = eng }
}

// WithLogger задает логгер
func WithLogger(l logger.StructuredLogger) Option {
	return func(a *App) {
		if l != nil {
			a.base = l
		}
	}
}

// WithLoader включает перечитывание аккаунта при изменении файла
// конфигурации
func WithLoader(l *config.Loader) Option {
	return func(a *App) { a.loader = l }
}

// WithRegistry реестр prometheus для метрик
func WithRegistry(r *prometheus.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithCapturePlatform задает платформу камеры. По умолчанию тестовый
// сигнал.
func WithCapturePlatform(p capture.Platform) Option {
	return func(a *App) { a.platform = p }
}

// WithDeviceBackends задает бэкенды перечисления устройств
func WithDeviceBackends(b ...devices.Backend) Option {
	return func(a *App) { a.backends = b }
}

// New собирает приложение. Движок не запускается до Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	a := &App{
		cfg:     cfg,
		base:    logger.GetDefaultLogger(),
		account: engine.InvalidID,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.base.WithComponent("app")

	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	a.metrics = metrics.New(metrics.Config{Namespace: cfg.HTTP.Namespace, Registerer: a.registry})

	if a.eng == nil {
		eng, err := NewEngine(cfg, a.base)
		if err != nil {
			return nil, err
		}
		a.eng = eng
	}
	a.engCtx = engine.NewContext(a.eng, engine.WithLogger(a.base))
	a.bridge = bridge.New(bridge.WithLogger(a.base), bridge.WithMetrics(a.metrics))

	if a.backends == nil {
		a.backends = deviceBackends(cfg.Capture.Backend, a.eng)
	}
	a.devices = devices.NewEnumerator(devices.NewManager(a.backends...), devices.WithLogger(a.base))

	if a.platform == nil {
		a.platform = testpattern.New()
	}
	a.sink = &capture.HeadlessSink{}
	a.capture = capture.NewController(a.platform, a.devices, a.sink,
		capture.WithConfig(cfg.Capture.ControllerConfig()),
		capture.WithLogger(a.base),
		capture.WithMetrics(a.metrics),
		capture.WithFailureHandler(a.onCaptureFailure),
	)

	presenters := presenter.Multi{presenter.NewLogPresenter(a.base)}
	if cfg.HTTP.WebSocket {
		a.ws = presenter.NewWSPresenter(a.bridge, nil, a.base)
		presenters = append(presenters, a.ws)
	}
	a.presenter = presenters

	a.manager = callsession.New(a.eng, presenters,
		callsession.WithCapture(a.capture),
		callsession.WithConfig(callsession.Config{
			Account:       engine.InvalidID,
			VideoDevice:   engine.VideoDeviceID(cfg.Account.VideoDevice),
			AutoCapture:   cfg.Capture.Auto,
			CaptureParams: cfg.Capture.CaptureParams(),
		}),
		callsession.WithLogger(a.base),
		callsession.WithMetrics(a.metrics),
	)
	if a.ws != nil {
		a.ws.SetCommands(a.manager)
	}
	if cfg.StorePath != "" {
		a.store = config.NewStore(cfg.StorePath)
	}
	return a, nil
}

// Run запускает движок и управляющий цикл и блокируется до Stop или
// отмены ctx. Ошибка запуска движка фатальна.
func (a *App) Run(ctx context.Context) error {
	a.bridge.Bind(ctx, a.manager)
	if err := a.engCtx.Init(ctx, a.cfg.EngineEndpoint(), a.bridge); err != nil {
		return err
	}
	if _, err := a.devices.Enumerate(ctx); err != nil {
		a.log.LogError(ctx, err, "устройства не перечислены")
	}

	loopErr := make(chan error, 1)
	go func() { loopErr <- a.bridge.Run(ctx) }()

	if err := a.bridge.Call(ctx, a.setupAccount); err != nil {
		a.log.LogError(ctx, err, "аккаунт не настроен")
		a.bridge.Post(func(context.Context) {
			a.presenter.OnStatusText("Account setup failed: " + err.Error())
		})
	}
	if a.loader != nil {
		a.loader.Watch(a.onAccountChanged, func(err error) {
			a.log.LogError(context.Background(), err, "новая конфигурация отклонена")
		})
	}

	err := <-loopErr
	a.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop завершает управляющий цикл после уже поставленных событий
func (a *App) Stop() {
	a.bridge.Quit()
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.capture.Stop(); err != nil {
		a.log.LogError(ctx, err, "ошибка остановки захвата")
	}
	if a.ws != nil {
		_ = a.ws.Close()
	}
	if err := a.engCtx.Shutdown(ctx); err != nil {
		a.log.LogError(ctx, err, "ошибка остановки движка")
	}
	a.log.Info(ctx, "приложение остановлено")
}

// NotifyNetworkChanged точка входа хоста для смены сети
func (a *App) NotifyNetworkChanged() {
	a.bridge.NotifyNetworkChanged()
}

// SetVideoSurface передает поверхность хоста менеджеру звонка
func (a *App) SetVideoSurface(h engine.WindowHandle) bool {
	return a.bridge.Post(func(ctx context.Context) {
		a.manager.SetVideoSurface(ctx, h)
	})
}

// SetPreviewSurface передает поверхность предпросмотра менеджеру звонка
func (a *App) SetPreviewSurface(h engine.WindowHandle) bool {
	return a.bridge.Post(func(ctx context.Context) {
		a.manager.SetPreviewSurface(ctx, h)
	})
}

// Devices последний снимок устройств
func (a *App) Devices() []devices.Descriptor {
	return a.devices.Snapshot()
}

// Handler HTTP обработчик: /metrics и /ws
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	if a.cfg.HTTP.Metrics {
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}
	if a.ws != nil {
		mux.Handle("/ws", a.ws)
	}
	return mux
}

// onCaptureFailure вызывается из горутины захвата
func (a *App) onCaptureFailure(err error) {
	a.bridge.Post(func(ctx context.Context) {
		a.log.LogError(ctx, err, "сбой захвата")
		a.presenter.OnStatusText("Camera failed: " + err.Error())
	})
}

// setupAccount создает аккаунт из конфигурации, а без него первый
// сохраненный
func (a *App) setupAccount(ctx context.Context) error {
	acc, buddies := a.cfg.Account, a.cfg.Buddies
	if acc.ID == "" && a.store != nil {
		entries, err := a.store.Load()
		if err != nil {
			a.log.LogError(ctx, err, "сохраненные аккаунты недоступны")
		} else if len(entries) > 0 {
			acc, buddies = entries[0].Account, entries[0].Buddies
		}
	}
	if acc.ID == "" {
		a.log.Info(ctx, "аккаунт не задан")
		return nil
	}
	return a.addAccount(ctx, acc, buddies)
}

func (a *App) addAccount(ctx context.Context, acc config.AccountConfig, buddies []config.BuddyConfig) error {
	id, err := a.eng.CreateAccount(ctx, acc.Engine())
	if err != nil {
		return fmt.Errorf("create account %s: %w", acc.ID, err)
	}
	a.account, a.accountCfg, a.buddyCfg = id, acc, buddies
	a.manager.SetAccount(id)
	a.log.Info(ctx, "аккаунт добавлен", logger.Int("account", int(id)), logger.String("uri", acc.ID))

	a.buddies = a.buddies[:0]
	for _, b := range buddies {
		bid, err := a.eng.AddBuddy(ctx, id, b.Engine())
		if err != nil {
			a.log.LogError(ctx, err, "контакт не добавлен", logger.String("uri", b.URI))
			continue
		}
		a.buddies = append(a.buddies, bid)
	}
	a.persist(ctx)
	return nil
}

func (a *App) persist(ctx context.Context) {
	if a.store == nil || a.accountCfg.ID == "" {
		return
	}
	if err := a.store.Upsert(config.AccountEntry{Account: a.accountCfg, Buddies: a.buddyCfg}); err != nil {
		a.log.LogError(ctx, err, "аккаунт не сохранен", logger.String("path", a.store.Path()))
	}
}

// onAccountChanged вызывается наблюдателем файла конфигурации
func (a *App) onAccountChanged(_, updated config.AccountConfig) {
	if !a.bridge.Post(func(ctx context.Context) { a.applyAccount(ctx, updated) }) {
		a.log.Warn(context.Background(), "изменение аккаунта пропущено: цикл остановлен")
	}
}

// applyAccount применяет новую секцию аккаунта к движку
func (a *App) applyAccount(ctx context.Context, acc config.AccountConfig) {
	var err error
	switch {
	case a.account == engine.InvalidID:
		if acc.ID == "" {
			return
		}
		err = a.addAccount(ctx, acc, a.cfg.Buddies)
	case acc.ID == "":
		if err = a.eng.RemoveAccount(ctx, a.account); err == nil {
			a.log.Info(ctx, "аккаунт удален", logger.Int("account", int(a.account)))
			a.account, a.accountCfg, a.buddies = engine.InvalidID, config.AccountConfig{}, nil
			a.manager.SetAccount(engine.InvalidID)
		}
	default:
		if err = a.eng.ModifyAccount(ctx, a.account, acc.Engine()); err == nil {
			a.accountCfg = acc
			a.log.Info(ctx, "аккаунт изменен", logger.Int("account", int(a.account)))
			a.persist(ctx)
		}
	}
	if err != nil {
		a.log.LogError(ctx, err, "аккаунт не обновлен")
		a.presenter.OnStatusText("Account update failed: " + err.Error())
	}
}
