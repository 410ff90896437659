package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fkchat/fkchat/pkg/config"
	"github.com/fkchat/fkchat/pkg/dbpool"
	"github.com/fkchat/fkchat/pkg/gateway"
	"github.com/fkchat/fkchat/pkg/kvstore"
	"github.com/fkchat/fkchat/pkg/log"
	"github.com/fkchat/fkchat/pkg/metrics"
	"github.com/fkchat/fkchat/pkg/rpcpool"
	"github.com/fkchat/fkchat/pkg/statusrpc"
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
	Use:   "gate-server",
	Short: "fkchat HTTP gateway",
	Long: `gate-server is the HTTP front door of the fkchat platform. It
serves registration, login and password-reset endpoints, backed by
MySQL for accounts, Redis for verification codes and the status
service for token issuance.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"gate-server version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.Flags().String("config", "", "Path to the configuration file")
	rootCmd.Flags().Bool("init-db", false, "Create the users table before serving")
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	initDB, _ := cmd.Flags().GetBool("init-db")

	cfg, err := config.Load("gate", configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSONOutput,
	})
	logger := log.WithComponent("main")

	db, err := dbpool.Open(cfg.MySQL)
	if err != nil {
		return fmt.Errorf("failed to open database pool: %w", err)
	}
	defer db.Close()

	kv := kvstore.Dial(cfg.Redis)

	rpc, err := rpcpool.Dial(cfg.RPC.StatusAddr, cfg.RPC)
	if err != nil {
		return fmt.Errorf("failed to dial status service: %w", err)
	}
	defer rpc.Close()
	statusClient := statusrpc.NewPooledClient(rpc, cfg.RPC.CallTimeout)

	users := gateway.NewUsers(db)
	if initDB {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := users.EnsureTable(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to create users table: %w", err)
		}
		logger.Info().Msg("users table ready")
	}

	gw := gateway.New(cfg.Gate, users, kv, statusClient)
	if err := gw.Start(); err != nil {
		return err
	}

	serveMetrics(cfg.Metrics)
	stopGauges := startGauges(db)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	stopGauges()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(ctx); err != nil {
		return err
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

// startGauges samples pool state into the gauges until the returned
// stop function runs.
func startGauges(db *dbpool.Pool) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				free, total := db.Stats()
				metrics.DBConnectionsInUse.Set(float64(total - free))
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}
