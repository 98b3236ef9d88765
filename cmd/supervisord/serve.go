package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gpt153/supervisor-kernel/kernel"
	"github.com/gpt153/supervisor-kernel/kernel/cmdlog"
	"github.com/gpt153/supervisor-kernel/kernel/emit"
	"github.com/gpt153/supervisor-kernel/kernel/events"
	"github.com/gpt153/supervisor-kernel/kernel/mcp"
	"github.com/gpt153/supervisor-kernel/kernel/session"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP admin endpoint and Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)

			st, err := openStore(cfg.Store)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			redactor := newRedactor(cfg.Redact, logger)
			ev := events.NewLog(st, nil, logger)
			deps := mcp.Deps{
				Registry:    session.NewRegistry(st, ev, nil, cfg.Session.StaleThreshold(), logger),
				Checkpoints: session.NewManager(st, ev, float64(cfg.Session.CheckpointThresholdPct), logger),
				Events:      ev,
				Commands:    cmdlog.NewRecorder(st, redactor, logger),
				Machine:     kernel.NewStateMachine(st, emit.NewLogEmitter(logger), redactor, logger),
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go deps.Registry.RunSweeper(ctx, cfg.Session.SweepInterval())

			mux := http.NewServeMux()
			mux.Handle("/mcp", mcp.NewHTTPHandler(deps))
			mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})
			server := &http.Server{
				Addr:        cfg.Server.Addr,
				Handler:     mux,
				ReadTimeout: 30 * time.Second,
			}

			var metricsServer *http.Server
			if cfg.Server.MetricsAddr != "" {
				metricsMux := http.NewServeMux()
				metricsMux.Handle("/metrics", promhttp.Handler())
				metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}
				go func() {
					logger.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics listening")
					if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						logger.Error().Err(err).Msg("metrics listener failed")
					}
				}()
			}

			serveErr := make(chan error, 1)
			go func() {
				logger.Info().
					Str("addr", cfg.Server.Addr).
					Str("backend", cfg.Store.Backend).
					Msg("mcp endpoint listening")
				if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()

			select {
			case err := <-serveErr:
				return err
			case <-ctx.Done():
			}

			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if metricsServer != nil {
				_ = metricsServer.Shutdown(shutdownCtx)
			}
			return server.Shutdown(shutdownCtx)
		},
	}
}
