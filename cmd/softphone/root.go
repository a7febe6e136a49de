package main

import (
	"github.com/spf13/cobra"

	"github.com/arzzra/sessionbridge/pkg/config"
	"github.com/arzzra/sessionbridge/pkg/logger"
)

// rootOptions общие флаги всех подкоманд
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "softphone",
		Short: "SIP softphone session bridge",
		Long: `Softphone relays SIP engine callbacks to a single control loop,
keeps at most one active call and attaches audio, video windows and
camera capture to it.`,
		Version:       version,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./softphone.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")

	root.AddCommand(newRunCmd(opts), newDevicesCmd(opts), newVersionCmd())
	return root
}

// load читает конфигурацию и настраивает логгер по умолчанию
func (o *rootOptions) load() (*config.Loader, *config.Config, logger.StructuredLogger, error) {
	loader := config.NewLoader(o.configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	level := cfg.Log.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	log := logger.New(logger.Config{Level: logger.ParseLevel(level), Console: cfg.Log.Console})
	logger.SetDefaultLogger(log)
	return loader, cfg, log, nil
}
