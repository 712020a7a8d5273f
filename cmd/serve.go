package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/api"
	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/monitoring"
)

var (
	servePort     int
	serveNoAlerts bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the alert checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, config.ModeServe)
		if err != nil {
			return err
		}
		defer env.Close()

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", resolvePort(servePort)),
			Handler:           newAPIServer(env).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		if !serveNoAlerts && cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store, env.breakerReporters()...),
				monitoring.NewAlerter(cfg.Monitoring),
				env.Metrics,
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func newAPIServer(env *engine) *api.Server {
	return api.New(api.Deps{
		Store:     env.Store,
		Campaigns: env.Campaigns,
		Deals:     env.Deals,
		Research:  env.Research,
		Metrics:   env.Metrics,
		Gatherer:  env.Registry,
	}, cfg.Server.AllowedOrigins)
}

func resolvePort(flagPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfg.Server.Port
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoAlerts, "no-alerts", false, "disable the background alert checker")
	rootCmd.AddCommand(serveCmd)
}
