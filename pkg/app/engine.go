package app

import (
	"context"
	"fmt"

	"github.com/arzzra/sessionbridge/pkg/capture/testpattern"
	"github.com/arzzra/sessionbridge/pkg/config"
	"github.com/arzzra/sessionbridge/pkg/devices"
	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/engine/pjsua"
	"github.com/arzzra/sessionbridge/pkg/engine/sipua"
	"github.com/arzzra/sessionbridge/pkg/logger"
)

// NewEngine создает движок выбранного в конфигурации драйвера
func NewEngine(cfg *config.Config, log logger.StructuredLogger) (engine.Engine, error) {
	switch cfg.Engine.Driver {
	case config.DriverSIPUA, "":
		return sipua.New(
			sipua.WithLogger(log),
			sipua.WithRTPPorts(cfg.SIP.RTPPortMin, cfg.SIP.RTPPortMax),
			sipua.WithSecureMedia(cfg.SIP.DTLS),
		), nil
	case config.DriverPJSUA:
		p := cfg.Engine.PJSUA
		opts := pjsua.Options{
			Binary:       p.Binary,
			TelnetPort:   p.TelnetPort,
			Args:         p.Args,
			PollInterval: p.PollInterval,
			StartTimeout: p.StartTimeout,
		}
		// пароль pjsua принимает только в командной строке
		if cfg.Account.ID != "" && cfg.Account.Username != "" {
			acc := cfg.Account.Engine()
			opts.Account = &acc
		}
		return pjsua.New(opts, pjsua.WithLogger(log)), nil
	}
	return nil, fmt.Errorf("unknown engine driver %q", cfg.Engine.Driver)
}

// deviceBackends бэкенды перечисления камер, от предпочтительного к
// запасному. Тестовый сигнал замыкает список, чтобы захват был возможен
// и без камеры.
func deviceBackends(backend string, eng engine.DeviceLister) []devices.Backend {
	pattern := &devices.StaticBackend{Label: "testpattern", Devices: []devices.Descriptor{testpattern.Descriptor()}}
	switch backend {
	case "sysfs":
		return []devices.Backend{&devices.SysfsBackend{}, pattern}
	case "engine":
		return []devices.Backend{&devices.EngineBackend{Lister: eng, Video: true}, pattern}
	case "testpattern":
		return []devices.Backend{pattern}
	}
	return []devices.Backend{&devices.V4L2Backend{}, &devices.SysfsBackend{}, pattern}
}

// ListDevices перечисляет устройства без запуска движка. Бэкенд движка
// в этом режиме недоступен.
func ListDevices(ctx context.Context, cfg *config.Config, log logger.StructuredLogger) ([]devices.Descriptor, error) {
	enum := devices.NewEnumerator(devices.NewManager(deviceBackends(cfg.Capture.Backend, nil)...), devices.WithLogger(log))
	return enum.Enumerate(ctx)
}
