package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fkchat/fkchat/pkg/config"
	"github.com/fkchat/fkchat/pkg/kvstore"
	"github.com/fkchat/fkchat/pkg/log"
	"github.com/fkchat/fkchat/pkg/metrics"
	"github.com/fkchat/fkchat/pkg/statusrpc"
	"github.com/fkchat/fkchat/pkg/token"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "status-server",
	Short: "fkchat status and token service",
	Long: `status-server issues and validates login tokens and tracks the
chat-server fleet so logins land on the least loaded server. Token
records live in Redis; the chat-server registry is in memory and
rebuilt from heartbeat reports after a restart.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"status-server version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.Flags().String("config", "", "Path to the configuration file")
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load("status", configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSONOutput,
	})
	logger := log.WithComponent("main")

	if cfg.Status.JWTSecret == "" {
		return fmt.Errorf("status.jwt_secret must be set")
	}

	kv := kvstore.Dial(cfg.Redis)
	registry := token.NewRegistry()
	svc, err := token.NewService(kv, registry, token.Options{
		Secret:          cfg.Status.JWTSecret,
		TokenTTL:        cfg.Status.TokenTTL,
		ReportGrace:     cfg.Status.ReportGrace,
		CleanupInterval: cfg.Status.CleanupInterval,
	})
	if err != nil {
		return err
	}
	svc.Start()

	server := statusrpc.NewServer(svc)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Status.ListenAddr); err != nil {
			errCh <- err
		}
	}()

	serveMetrics(cfg.Metrics)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		svc.Stop()
		return err
	}

	server.Stop()
	svc.Stop()
	return nil
}

func serveMetrics(cfg config.MetricsConfig) {
	if !cfg.Enabled {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		logger := log.WithComponent("metrics")
		logger.Info().Str("addr", cfg.ListenAddr).Msg("metrics listener started")
		if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()
}
