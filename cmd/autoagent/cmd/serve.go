package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session API over HTTP",
	Long: `Start the HTTP API: sessions, approvals, a server-sent event stream,
health checks and Prometheus metrics. Engine settings are reloaded when the
config file changes.`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: server.addr)")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	a, err := newApp(ctx, cfg, configPath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	if res := a.preflight.Run(ctx); !res.OK {
		logger.Warn("preflight checks failed", "errors", res.Errors)
	}

	srv := api.NewServer(a.engine, a.gateway, a.bus,
		api.WithLogger(logger),
		api.WithConversationStore(a.store),
		api.WithMetricsHandler(a.metrics.Handler()),
		api.WithHealthChecker(a.preflight),
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
		api.WithBaseContext(ctx),
	)
	logger.Info("serving", "addr", cfg.Server.Addr, "config", configPath)
	return srv.ListenAndServe(ctx, cfg.Server.Addr)
}
