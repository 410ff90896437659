package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fkchat/fkchat/pkg/chat"
	"github.com/fkchat/fkchat/pkg/config"
	"github.com/fkchat/fkchat/pkg/log"
	"github.com/fkchat/fkchat/pkg/metrics"
	"github.com/fkchat/fkchat/pkg/rpcpool"
	"github.com/fkchat/fkchat/pkg/statusrpc"
	"github.com/fkchat/fkchat/pkg/workerpool"
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
	Use:   "chat-server",
	Short: "fkchat TCP chat server",
	Long: `chat-server terminates client TCP connections speaking the framed
chat protocol. Sessions authenticate with a token minted by the status
service; the server registers itself with that service and reports its
load so logins spread across the fleet.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"chat-server version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.Flags().String("config", "", "Path to the configuration file")
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load("chat", configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSONOutput,
	})
	logger := log.WithComponent("main")

	pool := workerpool.New(workerpool.Config{
		Workers:         cfg.Workers.Count,
		ChannelCapacity: cfg.Workers.ChannelCapacity,
	})

	rpc, err := rpcpool.Dial(cfg.RPC.StatusAddr, cfg.RPC)
	if err != nil {
		pool.Stop()
		return fmt.Errorf("failed to dial status service: %w", err)
	}
	statusClient := statusrpc.NewPooledClient(rpc, cfg.RPC.CallTimeout)

	srv := chat.NewServer(cfg.Chat, statusClient, pool)
	if err := srv.Start(); err != nil {
		pool.Stop()
		_ = rpc.Close()
		return err
	}

	serveMetrics(cfg.Metrics)
	stopGauges := startGauges(pool)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	stopGauges()
	srv.Stop()
	if !pool.WaitForCompletion(5 * time.Second) {
		logger.Warn().Msg("worker pool did not drain before shutdown")
	}
	pool.Stop()
	if err := rpc.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close rpc pool")
	}
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

// startGauges samples the worker pool load until the returned stop
// function runs.
func startGauges(pool *workerpool.Pool) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.WorkerPoolLoad.Set(float64(pool.CurrentLoad()))
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}
