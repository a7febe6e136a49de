// Package config загружает настройки приложения через viper: файл
// softphone.yaml (или json), переменные окружения SOFTPHONE_* и
// значения по умолчанию.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/arzzra/sessionbridge/pkg/capture"
	"github.com/arzzra/sessionbridge/pkg/devices"
	"github.com/arzzra/sessionbridge/pkg/engine"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "SOFTPHONE"

// Драйверы движка
const (
	DriverSIPUA = "sipua"
	DriverPJSUA = "pjsua"
)

// Config настройки приложения
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Endpoint EndpointConfig `mapstructure:"endpoint"`
	SIP      SIPConfig      `mapstructure:"sip"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Account  AccountConfig  `mapstructure:"account"`
	Buddies  []BuddyConfig  `mapstructure:"buddies"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	// StorePath JSON контейнер аккаунтов и контактов
	StorePath string `mapstructure:"store_path"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type EndpointConfig struct {
	UserAgent string `mapstructure:"user_agent"`
	MaxCalls  int    `mapstructure:"max_calls"`
}

// SIPConfig транспорты. Нулевой порт отключает транспорт.
type SIPConfig struct {
	BindAddr string `mapstructure:"bind_addr"`
	UDPPort  int    `mapstructure:"udp_port"`
	TCPPort  int    `mapstructure:"tcp_port"`
	TLSPort  int    `mapstructure:"tls_port"`
	// RTPPortMin/RTPPortMax диапазон локальных RTP портов
	RTPPortMin int `mapstructure:"rtp_port_min"`
	RTPPortMax int `mapstructure:"rtp_port_max"`
	// DTLS защищать медиа через DTLS
	DTLS bool `mapstructure:"dtls"`
}

type EngineConfig struct {
	Driver string      `mapstructure:"driver"`
	PJSUA  PJSUAConfig `mapstructure:"pjsua"`
}

// PJSUAConfig внешний процесс pjsua с telnet CLI
type PJSUAConfig struct {
	Binary       string        `mapstructure:"binary"`
	TelnetPort   int           `mapstructure:"telnet_port"`
	Args         []string      `mapstructure:"args"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
}

type AccountConfig struct {
	ID            string   `mapstructure:"id" json:"id"`
	Registrar     string   `mapstructure:"registrar" json:"registrar"`
	Proxies       []string `mapstructure:"proxies" json:"proxies,omitempty"`
	Realm         string   `mapstructure:"realm" json:"realm,omitempty"`
	Username      string   `mapstructure:"username" json:"username,omitempty"`
	Password      string   `mapstructure:"password" json:"password,omitempty"`
	RegisterOnAdd bool     `mapstructure:"register_on_add" json:"register_on_add"`
	RegTimeout    int      `mapstructure:"reg_timeout" json:"reg_timeout"`
	ICE           bool     `mapstructure:"ice" json:"ice"`
	// SRTP disabled, optional или mandatory
	SRTP string `mapstructure:"srtp" json:"srtp,omitempty"`

	VideoAutoTransmit bool `mapstructure:"video_auto_transmit" json:"video_auto_transmit"`
	VideoAutoShow     bool `mapstructure:"video_auto_show" json:"video_auto_show"`
	VideoDevice       int  `mapstructure:"video_device" json:"video_device"`
}

type BuddyConfig struct {
	URI       string `mapstructure:"uri" json:"uri"`
	Subscribe bool   `mapstructure:"subscribe" json:"subscribe"`
}

type CaptureConfig struct {
	// Backend v4l2, sysfs, engine или testpattern
	Backend string `mapstructure:"backend"`
	Device  string `mapstructure:"device"`
	Width   int    `mapstructure:"width"`
	Height  int    `mapstructure:"height"`
	Format  string `mapstructure:"format"`
	FPS     int    `mapstructure:"fps"`
	// Auto запускать захват, когда в звонке активно видео
	Auto bool `mapstructure:"auto"`
	// Retry один повтор без ограничения частоты кадров
	Retry      bool  `mapstructure:"retry"`
	RetryCodes []int `mapstructure:"retry_codes"`
}

type HTTPConfig struct {
	Addr      string `mapstructure:"addr"`
	Metrics   bool   `mapstructure:"metrics"`
	WebSocket bool   `mapstructure:"websocket"`
	Namespace string `mapstructure:"namespace"`
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Log:      LogConfig{Level: "info"},
		Endpoint: EndpointConfig{UserAgent: "sessionbridge", MaxCalls: 4},
		SIP: SIPConfig{
			UDPPort:    6000,
			TCPPort:    6000,
			TLSPort:    6001,
			RTPPortMin: 10000,
			RTPPortMax: 10100,
		},
		Engine: EngineConfig{
			Driver: DriverSIPUA,
			PJSUA: PJSUAConfig{
				Binary:       "pjsua",
				TelnetPort:   2323,
				PollInterval: time.Second,
				StartTimeout: 10 * time.Second,
			},
		},
		Account: AccountConfig{
			RegisterOnAdd: true,
			RegTimeout:    300,
			SRTP:          "disabled",
		},
		Capture: CaptureConfig{
			Backend:    "v4l2",
			Width:      640,
			Height:     480,
			Format:     string(devices.FormatI420),
			FPS:        15,
			Auto:       true,
			Retry:      true,
			RetryCodes: []int{capture.PlatformErrCameraDevice, capture.PlatformErrCameraService},
		},
		HTTP: HTTPConfig{
			Addr:      "127.0.0.1:8089",
			Metrics:   true,
			WebSocket: true,
			Namespace: "softphone",
		},
		StorePath: "softphone.json",
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.console", d.Log.Console)
	v.SetDefault("endpoint.user_agent", d.Endpoint.UserAgent)
	v.SetDefault("endpoint.max_calls", d.Endpoint.MaxCalls)
	v.SetDefault("sip.bind_addr", d.SIP.BindAddr)
	v.SetDefault("sip.udp_port", d.SIP.UDPPort)
	v.SetDefault("sip.tcp_port", d.SIP.TCPPort)
	v.SetDefault("sip.tls_port", d.SIP.TLSPort)
	v.SetDefault("sip.rtp_port_min", d.SIP.RTPPortMin)
	v.SetDefault("sip.rtp_port_max", d.SIP.RTPPortMax)
	v.SetDefault("sip.dtls", d.SIP.DTLS)
	v.SetDefault("engine.driver", d.Engine.Driver)
	v.SetDefault("engine.pjsua.binary", d.Engine.PJSUA.Binary)
	v.SetDefault("engine.pjsua.telnet_port", d.Engine.PJSUA.TelnetPort)
	v.SetDefault("engine.pjsua.poll_interval", d.Engine.PJSUA.PollInterval)
	v.SetDefault("engine.pjsua.start_timeout", d.Engine.PJSUA.StartTimeout)
	v.SetDefault("account.register_on_add", d.Account.RegisterOnAdd)
	v.SetDefault("account.reg_timeout", d.Account.RegTimeout)
	v.SetDefault("account.srtp", d.Account.SRTP)
	v.SetDefault("capture.backend", d.Capture.Backend)
	v.SetDefault("capture.width", d.Capture.Width)
	v.SetDefault("capture.height", d.Capture.Height)
	v.SetDefault("capture.format", d.Capture.Format)
	v.SetDefault("capture.fps", d.Capture.FPS)
	v.SetDefault("capture.auto", d.Capture.Auto)
	v.SetDefault("capture.retry", d.Capture.Retry)
	v.SetDefault("capture.retry_codes", d.Capture.RetryCodes)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.metrics", d.HTTP.Metrics)
	v.SetDefault("http.websocket", d.HTTP.WebSocket)
	v.SetDefault("http.namespace", d.HTTP.Namespace)
	v.SetDefault("store_path", d.StorePath)
}

// Loader читает конфигурацию и следит за изменениями файла
type Loader struct {
	v    *viper.Viper
	path string

	mu      sync.Mutex
	current *Config
}

// NewLoader создает загрузчик. Пустой path ищет softphone.{yaml,json} в
// текущем каталоге и в $HOME/.config/softphone.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("softphone")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/softphone")
	}
	return &Loader{v: v, path: path}
}

// Load читает файл (его отсутствие не ошибка), окружение и значения по
// умолчанию
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFile путь прочитанного файла, пусто если файла нет
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch следит за файлом конфигурации. onAccount вызывается из горутины
// наблюдателя, когда изменилась секция аккаунта. Ошибки разбора
// передаются в onError, текущая конфигурация при этом сохраняется.
func (l *Loader) Watch(onAccount func(old, updated AccountConfig), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}

		l.mu.Lock()
		prev := l.current
		l.current = cfg
		l.mu.Unlock()

		if prev == nil || !prev.Account.Equal(cfg.Account) {
			var old AccountConfig
			if prev != nil {
				old = prev.Account
			}
			onAccount(old, cfg.Account)
		}
	})
	l.v.WatchConfig()
}

// Current последняя успешно прочитанная конфигурация
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Validate проверяет значения
func (c *Config) Validate() error {
	switch c.Engine.Driver {
	case DriverSIPUA, DriverPJSUA:
	default:
		return fmt.Errorf("invalid engine driver: %s (must be sipua or pjsua)", c.Engine.Driver)
	}
	if c.SIP.UDPPort == 0 && c.SIP.TCPPort == 0 && c.SIP.TLSPort == 0 {
		return errors.New("at least one SIP transport port is required")
	}
	if c.SIP.RTPPortMin > c.SIP.RTPPortMax {
		return fmt.Errorf("invalid rtp port range %d-%d", c.SIP.RTPPortMin, c.SIP.RTPPortMax)
	}
	if _, err := parseSRTP(c.Account.SRTP); err != nil {
		return err
	}
	if c.Capture.Width < 0 || c.Capture.Height < 0 || c.Capture.FPS < 0 {
		return errors.New("capture geometry must not be negative")
	}
	return nil
}

func parseSRTP(s string) (engine.SRTPUse, error) {
	switch strings.ToLower(s) {
	case "", "disabled":
		return engine.SRTPDisabled, nil
	case "optional":
		return engine.SRTPOptional, nil
	case "mandatory":
		return engine.SRTPMandatory, nil
	}
	return engine.SRTPDisabled, fmt.Errorf("invalid srtp mode: %s", s)
}

// Equal сравнивает секции аккаунта
func (a AccountConfig) Equal(b AccountConfig) bool {
	if len(a.Proxies) != len(b.Proxies) {
		return false
	}
	for i := range a.Proxies {
		if a.Proxies[i] != b.Proxies[i] {
			return false
		}
	}
	a.Proxies, b.Proxies = nil, nil
	return a == b
}

// EngineEndpoint параметры запуска движка
func (c *Config) EngineEndpoint() engine.EndpointConfig {
	cfg := engine.EndpointConfig{
		UserAgent: c.Endpoint.UserAgent,
		MaxCalls:  c.Endpoint.MaxCalls,
	}
	add := func(t engine.TransportType, port int) {
		if port > 0 {
			cfg.Transports = append(cfg.Transports, engine.TransportConfig{Type: t, Port: port, BoundAddr: c.SIP.BindAddr})
		}
	}
	add(engine.TransportUDP, c.SIP.UDPPort)
	add(engine.TransportTCP, c.SIP.TCPPort)
	add(engine.TransportTLS, c.SIP.TLSPort)
	return cfg
}

// Engine переводит секцию аккаунта в конфигурацию движка
func (a AccountConfig) Engine() engine.AccountConfig {
	srtp, _ := parseSRTP(a.SRTP)
	out := engine.AccountConfig{
		IDURI:                     a.ID,
		RegistrarURI:              a.Registrar,
		ProxyURIs:                 append([]string(nil), a.Proxies...),
		RegisterOnAdd:             a.RegisterOnAdd,
		RegTimeout:                a.RegTimeout,
		ICEEnabled:                a.ICE,
		SRTP:                      srtp,
		VideoAutoTransmitOutgoing: a.VideoAutoTransmit,
		VideoAutoShowIncoming:     a.VideoAutoShow,
		VideoCaptureDevice:        engine.VideoDeviceID(a.VideoDevice),
	}
	if a.Username != "" {
		realm := a.Realm
		if realm == "" {
			realm = "*"
		}
		out.Credentials = []engine.AuthCredential{{
			Scheme: "digest", Realm: realm, Username: a.Username, Password: a.Password,
		}}
	}
	return out
}

// Engine переводит контакт в конфигурацию движка
func (b BuddyConfig) Engine() engine.BuddyConfig {
	return engine.BuddyConfig{URI: b.URI, Subscribe: b.Subscribe}
}

// CaptureParams параметры сессии захвата
func (c CaptureConfig) CaptureParams() capture.Params {
	return capture.Params{
		DeviceID:  c.Device,
		Width:     c.Width,
		Height:    c.Height,
		Format:    devices.PixelFormat(strings.ToUpper(c.Format)),
		TargetFPS: c.FPS,
	}
}

// ControllerConfig политика повтора контроллера захвата
func (c CaptureConfig) ControllerConfig() capture.Config {
	cfg := capture.Config{RetryPolicy: capture.RetryNone}
	if c.Retry {
		cfg.RetryPolicy = capture.RetryWithoutFrameRateConstraint
		cfg.RetryTriggerCodes = append([]int(nil), c.RetryCodes...)
	}
	return cfg
}
