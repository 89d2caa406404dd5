package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/everclear-protocol/settler/pkg/chain"
	"github.com/everclear-protocol/settler/pkg/config"
	"github.com/everclear-protocol/settler/pkg/metrics"
	"github.com/everclear-protocol/settler/pkg/pricing"
	"github.com/everclear-protocol/settler/pkg/server"
	"github.com/everclear-protocol/settler/pkg/settler"
	"github.com/everclear-protocol/settler/pkg/store"
	"github.com/everclear-protocol/settler/utils/pkg/logger"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	configFlag := flag.String("config", "settler.yaml", "path to the protocol config file (or set CONFIG_FILE env var)")
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address (or set LISTEN_ADDR env var)")

	postgresURLFlag := flag.String("postgres-url", "", "Postgres connection URL (or set POSTGRES_URL env var)")
	migrateFlag := flag.Bool("migrate", false, "run database migrations at startup (or set POSTGRES_RUN_MIGRATIONS=true env var)")

	hubRPCFlag := flag.String("hub-rpc-url", "", "hub chain RPC URL (or set HUB_RPC_URL env var)")
	gaugeFlag := flag.String("gauge-address", "", "gauge contract address on the hub (or set GAUGE_ADDRESS env var)")
	distributorFlag := flag.String("reward-distributor-address", "", "reward distributor contract address on the hub (or set REWARD_DISTRIBUTOR_ADDRESS env var)")

	coingeckoKeyFlag := flag.String("coingecko-api-key", "", "CoinGecko pro API key (or set COINGECKO_API_KEY env var)")

	settleIntervalFlag := flag.Duration("settle-interval", 5*time.Minute, "settlement loop interval (or set SETTLE_INTERVAL env var)")
	batchLimitFlag := flag.Int("reconcile-batch-limit", 100, "lock event reconciliation batch size")

	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	if env := os.Getenv("CONFIG_FILE"); env != "" {
		*configFlag = env
	}
	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("POSTGRES_URL"); env != "" {
		*postgresURLFlag = env
	}
	if os.Getenv("POSTGRES_RUN_MIGRATIONS") == "true" {
		*migrateFlag = true
	}
	if env := os.Getenv("HUB_RPC_URL"); env != "" {
		*hubRPCFlag = env
	}
	if env := os.Getenv("GAUGE_ADDRESS"); env != "" {
		*gaugeFlag = env
	}
	if env := os.Getenv("REWARD_DISTRIBUTOR_ADDRESS"); env != "" {
		*distributorFlag = env
	}
	if env := os.Getenv("COINGECKO_API_KEY"); env != "" {
		*coingeckoKeyFlag = env
	}
	if env := os.Getenv("SETTLE_INTERVAL"); env != "" {
		interval, err := time.ParseDuration(env)
		if err != nil {
			return fmt.Errorf("invalid SETTLE_INTERVAL %q: %w", env, err)
		}
		*settleIntervalFlag = interval
	}

	log := logger.New(*verboseFlag)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	if *postgresURLFlag == "" {
		return fmt.Errorf("--postgres-url is required")
	}
	if *hubRPCFlag == "" {
		return fmt.Errorf("--hub-rpc-url is required")
	}

	protocol, err := config.Load(*configFlag)
	if err != nil {
		return fmt.Errorf("failed to load protocol config: %w", err)
	}
	log.Info("loaded protocol config",
		"network", protocol.Network, "hub_domain", protocol.HubDomain,
		"domains", len(protocol.Domains),
		"staking_tokens", len(protocol.StakingTokens), "volume_tokens", len(protocol.VolumeTokens))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *migrateFlag {
		log.Info("running database migrations")
		if err := store.Migrate(*postgresURLFlag); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	pool, err := store.Connect(ctx, *postgresURLFlag)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	db, err := store.New(store.Config{Logger: log, Pool: pool})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	reader, err := chain.New(chain.Config{
		Logger:            log,
		RPCURL:            *hubRPCFlag,
		Gauge:             *gaugeFlag,
		RewardDistributor: *distributorFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create chain reader: %w", err)
	}

	oracle, err := pricing.New(pricing.Config{
		Logger:  log,
		APIKey:  *coingeckoKeyFlag,
		Network: protocol.Network,
	})
	if err != nil {
		return fmt.Errorf("failed to create price oracle: %w", err)
	}

	srv, err := server.New(server.Config{
		ListenAddr:        *listenAddrFlag,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		VersionInfo:       server.VersionInfo{Version: version, Commit: commit, Date: date},
		SettlerConfig: settler.Config{
			Logger:              log,
			Store:               db,
			Chain:               reader,
			Oracle:              oracle,
			Protocol:            protocol,
			Interval:            *settleIntervalFlag,
			ReconcileBatchLimit: *batchLimitFlag,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run(ctx)
}
