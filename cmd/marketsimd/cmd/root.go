package cmd

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/openalpha/market-sim/api"
	"github.com/openalpha/market-sim/api/websocket"
	"github.com/openalpha/market-sim/candle"
	"github.com/openalpha/market-sim/engine"
	"github.com/openalpha/market-sim/logging"
	"github.com/openalpha/market-sim/pool"
	"github.com/openalpha/market-sim/queue"
	"github.com/openalpha/market-sim/types"
)

const shutdownTimeout = 10 * time.Second

// NewRootCmd creates the root command for marketsimd.
func NewRootCmd() *cobra.Command {
	var (
		host      string
		port      int
		logLevel  string
		benchMode bool
	)

	rootCmd := &cobra.Command{
		Use:   "marketsimd",
		Short: "Real-time market trading simulator",
		Long: `marketsimd runs synthetic trading simulations: a trader population,
price evolution, candle aggregation and a websocket event stream, driven
over an HTTP control API.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// .env is optional; environment always wins over defaults.
			_ = godotenv.Load()

			cfg := serverConfig(host, port, benchMode)
			logging.Init(loggingConfig(logLevel))
			return runServer(cmd.Context(), cfg)
		},
	}

	rootCmd.Flags().StringVar(&host, "host", envString("MARKETSIM_HOST", "0.0.0.0"), "server host")
	rootCmd.Flags().IntVar(&port, "port", envInt("MARKETSIM_PORT", 8080), "server port")
	rootCmd.Flags().StringVar(&logLevel, "log-level", envString("MARKETSIM_LOG_LEVEL", "info"), "log level")
	rootCmd.Flags().BoolVar(&benchMode, "bench", false, "disable rate limiting for benchmarks")

	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func runServer(ctx context.Context, cfg *api.Config) error {
	log := logging.NewComponentLogger("main")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tradePool := pool.New("trades", pool.TradePoolSize, pool.TradePoolPrefill,
		func() *types.Trade { return &types.Trade{} },
		func(t *types.Trade) { *t = types.Trade{} })
	positionPool := pool.New("positions", pool.PositionPoolSize, pool.PositionPoolPrefill,
		func() *types.Position { return &types.Position{} },
		func(p *types.Position) { *p = types.Position{} })

	monitor := pool.NewMonitor()
	monitor.Register(tradePool)
	monitor.Register(positionPool)
	monitor.Start(ctx)

	txq := queue.New()
	txq.Start(ctx)

	// The manager, coordinator and hub reference each other, so the
	// adapters are bound after all three exist.
	control := &api.ControlAdapter{}
	hub := websocket.NewHub(control)

	history := &historyProxy{}
	samples := candle.NewCoordinator(history, hub, envInt64("MARKETSIM_CANDLE_INTERVAL_MS", 0))
	samples.Start(ctx)

	manager := engine.NewManager(hub, samples, txq, tradePool, positionPool)
	control.Manager = manager
	history.manager = manager

	go hub.Run(ctx)

	server := api.NewServer(cfg, manager, hub, txq, monitor)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	log.WithFields(map[string]any{
		"host": cfg.Host,
		"port": cfg.Port,
	}).Info("marketsimd started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server failed")
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown error")
	}
	cancel()
	manager.Shutdown()
	samples.Shutdown()
	txq.Shutdown()
	monitor.Stop()

	log.Info("marketsimd exited")
	return nil
}

// historyProxy defers the candle coordinator's history target until the
// manager exists.
type historyProxy struct {
	manager *engine.Manager
}

func (p *historyProxy) SetPriceHistory(simulationID string, candles []types.Candle) {
	if p.manager != nil {
		p.manager.SetPriceHistory(simulationID, candles)
	}
}

func serverConfig(host string, port int, benchMode bool) *api.Config {
	cfg := api.DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.DisableRateLimit = benchMode
	return cfg
}

func loggingConfig(level string) logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = envString("MARKETSIM_LOG_FORMAT", cfg.Format)
	cfg.Output = envString("MARKETSIM_LOG_OUTPUT", cfg.Output)
	cfg.Directory = envString("MARKETSIM_LOG_DIR", cfg.Directory)
	return cfg
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the application version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("marketsimd v0.1.0")
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
