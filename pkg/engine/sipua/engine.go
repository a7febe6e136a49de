// Package sipua реализует engine.Engine поверх sipgo и pion.
//
// Реализация минимальная: REGISTER с digest-аутентификацией, звонки
// INVITE/ACK/BYE/CANCEL с одной аудио линией G.711, конференц-мост с
// звуковым устройством в слоте 0. Подписка на присутствие не
// поддерживается, видео ограничено учетом окон и ориентации.
package sipua

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"

	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/logger"
)

// Engine движок на sipgo
type Engine struct {
	mu sync.Mutex

	hostname     string
	rtpMin       int
	rtpMax       int
	secureMedia  bool
	log          logger.StructuredLogger
	listener     engine.Listener
	cfg          engine.EndpointConfig
	initialized  bool
	started      bool
	cert         *tls.Certificate
	certFinger   string
	sipPort      int
	sipTransport string

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	transports    map[engine.TransportID]engine.TransportConfig
	nextTransport engine.TransportID

	accounts map[engine.AccountID]*account
	nextAcc  engine.AccountID
	buddies  map[engine.BuddyID]*buddy
	nextBud  engine.BuddyID

	calls    map[engine.CallID]*call
	bySIPID  map[string]engine.CallID
	nextCall engine.CallID

	conf     *conference
	ports    *portPool
	windows  map[engine.WindowID]engine.WindowHandle
	previews map[engine.VideoDeviceID]engine.WindowHandle
	orients  map[engine.VideoDeviceID]engine.Orientation
	played   atomic.Uint64
	captured atomic.Uint64
}

// Option опция движка
type Option func(*Engine)

// WithLogger задает логгер
func WithLogger(l logger.StructuredLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithHostname адрес, который движок объявляет в Contact и SDP. По
// умолчанию первый не loopback IPv4 адрес хоста.
func WithHostname(host string) Option {
	return func(e *Engine) { e.hostname = host }
}

// WithRTPPorts диапазон локальных RTP портов
func WithRTPPorts(min, max int) Option {
	return func(e *Engine) {
		e.rtpMin, e.rtpMax = min, max
	}
}

// WithSecureMedia включает DTLS для медиа исходящих звонков
func WithSecureMedia(on bool) Option {
	return func(e *Engine) { e.secureMedia = on }
}

// New создает движок. Сетевые ресурсы создаются в Init и TransportCreate.
func New(opts ...Option) *Engine {
	e := &Engine{
		rtpMin: 10000,
		rtpMax: 10100,
		log:    logger.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithComponent("sipua")
	return e
}

var _ engine.Engine = (*Engine)(nil)

// SetListener регистрирует получателя уведомлений
func (e *Engine) SetListener(l engine.Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

// Init создает user agent, клиент и сервер sipgo
func (e *Engine) Init(ctx context.Context, cfg engine.EndpointConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return engine.ErrAlreadyInitialized
	}
	if e.hostname == "" {
		e.hostname = localIPv4()
	}

	uaOpts := []sipgo.UserAgentOption{sipgo.WithUserAgentHostname(e.hostname)}
	if cfg.UserAgent != "" {
		uaOpts = append(uaOpts, sipgo.WithUserAgent(cfg.UserAgent))
	}
	ua, err := sipgo.NewUA(uaOpts...)
	if err != nil {
		return fmt.Errorf("create user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(e.hostname))
	if err != nil {
		_ = ua.Close()
		return fmt.Errorf("create sip client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return fmt.Errorf("create sip server: %w", err)
	}

	if e.secureMedia {
		cert, err := selfsign.GenerateSelfSigned()
		if err != nil {
			_ = ua.Close()
			return fmt.Errorf("generate dtls certificate: %w", err)
		}
		e.cert = &cert
		e.certFinger = Fingerprint(cert.Certificate[0])
	}

	e.ua, e.client, e.server = ua, client, server
	e.cfg = cfg
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.transports = make(map[engine.TransportID]engine.TransportConfig)
	e.accounts = make(map[engine.AccountID]*account)
	e.buddies = make(map[engine.BuddyID]*buddy)
	e.calls = make(map[engine.CallID]*call)
	e.bySIPID = make(map[string]engine.CallID)
	e.windows = make(map[engine.WindowID]engine.WindowHandle)
	e.previews = make(map[engine.VideoDeviceID]engine.WindowHandle)
	e.orients = make(map[engine.VideoDeviceID]engine.Orientation)
	e.ports = newPortPool(e.rtpMin, e.rtpMax)
	e.conf = newConference(&confPort{
		name:   "sound-device",
		source: e.captureSilence,
		sink:   e.playback,
	})

	e.registerHandlers()
	e.initialized = true
	e.log.Info(ctx, "sip user agent создан",
		logger.String("hostname", e.hostname),
		logger.String("user_agent", cfg.UserAgent))
	return nil
}

func (e *Engine) registerHandlers() {
	e.server.OnInvite(e.handleInvite)
	e.server.OnAck(e.handleAck)
	e.server.OnBye(e.handleBye)
	e.server.OnCancel(e.handleCancel)
	e.server.OnOptions(e.handleOptions)
}

// TransportCreate запускает прослушивание. TLS без сертификатов не
// поддерживается.
func (e *Engine) TransportCreate(ctx context.Context, cfg engine.TransportConfig) (engine.TransportID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return engine.InvalidID, engine.ErrNotInitialized
	}
	if cfg.Type == engine.TransportTLS {
		return engine.InvalidID, fmt.Errorf("%w: tls transport without certificates", engine.ErrUnsupported)
	}

	network := string(cfg.Type)
	host := cfg.BoundAddr
	if host == "" {
		host = "0.0.0.0"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Port))

	// проверяем, что порт свободен, до запуска сервера в горутине
	if err := probeListen(network, addr); err != nil {
		return engine.InvalidID, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	srv := e.server
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := srv.ListenAndServe(e.ctx, network, addr); err != nil && e.ctx.Err() == nil {
			e.log.LogError(e.ctx, err, "sip транспорт остановлен", logger.String("addr", addr))
		}
	}()

	id := e.nextTransport
	e.nextTransport++
	e.transports[id] = cfg
	if e.sipPort == 0 {
		e.sipPort = cfg.Port
		e.sipTransport = network
	}
	e.log.Info(ctx, "sip транспорт запущен", logger.String("network", network), logger.String("addr", addr))
	return id, nil
}

func probeListen(network, addr string) error {
	switch network {
	case "udp":
		c, err := net.ListenPacket(network, addr)
		if err != nil {
			return err
		}
		return c.Close()
	case "tcp":
		l, err := net.Listen(network, addr)
		if err != nil {
			return err
		}
		return l.Close()
	}
	return fmt.Errorf("%w: network %s", engine.ErrUnsupported, network)
}

// Start запускает конференц-мост
func (e *Engine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return engine.ErrNotInitialized
	}
	if e.started {
		return nil
	}
	e.started = true
	conf := e.conf
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		conf.run(e.ctx)
	}()
	return nil
}

// Destroy завершает звонки, снимает регистрации и останавливает транспорты
func (e *Engine) Destroy(ctx context.Context) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil
	}
	calls := make([]engine.CallID, 0, len(e.calls))
	for id := range e.calls {
		calls = append(calls, id)
	}
	accs := make([]*account, 0, len(e.accounts))
	for _, a := range e.accounts {
		accs = append(accs, a)
	}
	e.mu.Unlock()

	for _, id := range calls {
		_ = e.ReleaseCall(ctx, id)
	}
	for _, a := range accs {
		a.stop()
		if a.registered() {
			e.registerOnce(ctx, a, 0)
		}
	}

	e.mu.Lock()
	e.initialized = false
	e.started = false
	cancel, ua := e.cancel, e.ua
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	return ua.Close()
}

// HandleIPChange перерегистрирует аккаунты
func (e *Engine) HandleIPChange(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return engine.ErrNotInitialized
	}
	for _, a := range e.accounts {
		if a.cfg.RegistrarURI != "" {
			e.startRegistration(a)
		}
	}
	return nil
}

// listenerLocked текущий слушатель, e.mu захвачен
func (e *Engine) listenerLocked() engine.Listener {
	if e.listener == nil {
		return nopListener{}
	}
	return e.listener
}

type nopListener struct{}

func (nopListener) OnRegState(engine.RegState)         {}
func (nopListener) OnIncomingCall(engine.IncomingCall) {}
func (nopListener) OnCallState(engine.CallInfo)        {}
func (nopListener) OnCallMediaState(engine.CallInfo)   {}
func (nopListener) OnBuddyState(engine.BuddyInfo)      {}

// captureSilence источник звукового устройства: тишина
func (e *Engine) captureSilence() []int16 {
	e.captured.Add(1)
	return make([]int16, frameSamples)
}

// playback приемник звукового устройства: только счетчик кадров
func (e *Engine) playback([]int16) {
	e.played.Add(1)
}

// PlayedFrames кадров, отданных звуковому устройству
func (e *Engine) PlayedFrames() uint64 { return e.played.Load() }

// CaptureDevMedia слот захвата звукового устройства
func (e *Engine) CaptureDevMedia(context.Context) (engine.MediaPort, error) {
	return soundDevicePort, nil
}

// PlaybackDevMedia слот воспроизведения звукового устройства
func (e *Engine) PlaybackDevMedia(context.Context) (engine.MediaPort, error) {
	return soundDevicePort, nil
}

func (e *Engine) StartTransmit(_ context.Context, src, dst engine.MediaPort) error {
	e.mu.Lock()
	conf := e.conf
	e.mu.Unlock()
	if conf == nil {
		return engine.ErrNotInitialized
	}
	return conf.connect(src, dst)
}

func (e *Engine) StopTransmit(_ context.Context, src, dst engine.MediaPort) error {
	e.mu.Lock()
	conf := e.conf
	e.mu.Unlock()
	if conf == nil {
		return engine.ErrNotInitialized
	}
	conf.disconnect(src, dst)
	return nil
}

// Links соединения конференц-моста
func (e *Engine) Links() [][2]engine.MediaPort {
	e.mu.Lock()
	conf := e.conf
	e.mu.Unlock()
	if conf == nil {
		return nil
	}
	return conf.Links()
}

// SetVideoWindow учитывает привязку окна. Видео линий этот движок не
// согласует, поэтому поверхность только запоминается.
func (e *Engine) SetVideoWindow(_ context.Context, win engine.WindowID, h engine.WindowHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return engine.ErrNotInitialized
	}
	if h.IsZero() {
		delete(e.windows, win)
		return nil
	}
	e.windows[win] = h
	return nil
}

// StartPreview запоминает поверхность предпросмотра устройства
func (e *Engine) StartPreview(_ context.Context, dev engine.VideoDeviceID, h engine.WindowHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return engine.ErrNotInitialized
	}
	if dev == engine.InvalidID {
		return fmt.Errorf("%w: capture device %d", engine.ErrNotFound, dev)
	}
	if h.IsZero() {
		delete(e.previews, dev)
		return nil
	}
	e.previews[dev] = h
	return nil
}

func (e *Engine) StopPreview(_ context.Context, dev engine.VideoDeviceID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return engine.ErrNotInitialized
	}
	delete(e.previews, dev)
	return nil
}

func (e *Engine) SetCaptureOrient(_ context.Context, dev engine.VideoDeviceID, o engine.Orientation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return engine.ErrNotInitialized
	}
	e.orients[dev] = o
	return nil
}

// AudioDevices одно синтетическое устройство
func (e *Engine) AudioDevices(context.Context) ([]engine.DeviceInfo, error) {
	return []engine.DeviceInfo{{
		ID:                0,
		Kind:              engine.DeviceAudio,
		Name:              "null",
		Driver:            "sipua",
		InputCount:        1,
		OutputCount:       1,
		DefaultSampleRate: 8000,
	}}, nil
}

// VideoDevices видеоустройства этот движок не перечисляет
func (e *Engine) VideoDevices(context.Context) ([]engine.DeviceInfo, error) {
	return nil, nil
}

// localIPv4 первый не loopback IPv4 адрес
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() {
			if ip4 := ipn.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
