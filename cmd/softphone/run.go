package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arzzra/sessionbridge/pkg/app"
	"github.com/arzzra/sessionbridge/pkg/logger"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the engine and the control loop",
		Long: `Start the SIP engine, register the configured account and serve
/metrics and the /ws presenter. SIGHUP reports a network change,
SIGINT or SIGTERM stop the softphone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader, cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			if f := loader.ConfigFile(); f != "" {
				log.Info(cmd.Context(), "конфигурация загружена", logger.String("file", f))
			}

			a, err := app.New(cfg, app.WithLogger(log), app.WithLoader(loader))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						log.Info(ctx, "смена сети")
						a.NotifyNetworkChanged()
					}
				}
			}()

			if cfg.HTTP.Addr != "" && (cfg.HTTP.Metrics || cfg.HTTP.WebSocket) {
				srv := &http.Server{
					Addr:              cfg.HTTP.Addr,
					Handler:           a.Handler(),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					log.Info(ctx, "HTTP сервер запущен", logger.String("addr", cfg.HTTP.Addr))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.LogError(ctx, err, "HTTP сервер остановлен с ошибкой")
					}
				}()
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
			}

			return a.Run(ctx)
		},
	}
}
