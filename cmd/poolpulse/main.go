package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"poolpulse/internal/api"
	"poolpulse/internal/chain"
	"poolpulse/internal/config"
	"poolpulse/internal/dex"
	"poolpulse/internal/explorer"
	"poolpulse/internal/fees"
	"poolpulse/internal/ingest"
	"poolpulse/internal/pricefeed"
	"poolpulse/internal/service"
	"poolpulse/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "poolpulse",
		Short:        "Liquidity-pool transfer ingestion and pricing service",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion engine and HTTP API",
		RunE:  runServe,
	}

	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	serveCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	serveCmd.Flags().String("rpc", "", "Ethereum RPC URL")
	serveCmd.Flags().String("explorer-url", "https://api.etherscan.io/api", "block explorer API base URL")
	serveCmd.Flags().String("explorer-api-key", "", "block explorer API key")
	serveCmd.Flags().String("pricefeed-url", "https://api.binance.com", "spot price API base URL")
	serveCmd.Flags().String("fee-symbol", "ETHUSDT", "trading pair used to price gas fees")
	serveCmd.Flags().Duration("poll-interval", 10*time.Second, "sleep between polling iterations")
	serveCmd.Flags().Int("max-batch", 20, "max transfers persisted per iteration")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(serveCmd)

	swapPriceCmd := &cobra.Command{
		Use:   "swap-price <tx-hash> <pool-address>",
		Short: "Decode the execution price of a transaction's swap logs",
		Args:  cobra.ExactArgs(2),
		RunE:  runSwapPrice,
	}

	swapPriceCmd.Flags().String("rpc", "", "Ethereum RPC URL")
	swapPriceCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(swapPriceCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.PGDSN == "" {
		return fmt.Errorf("pg dsn is required")
	}
	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	explorerClient := explorer.NewClient(cfg.ExplorerURL, cfg.ExplorerAPIKey, logger)
	priceClient := pricefeed.NewClient(cfg.PriceFeedURL, logger)
	feeCalc := fees.NewCalculator(priceClient, cfg.FeeQuoteSymbol, logger)

	decoder, err := dex.NewPriceDecoder(chainClient, logger)
	if err != nil {
		return fmt.Errorf("build swap decoder: %w", err)
	}

	engine := ingest.NewEngine(ingest.Config{
		PollInterval: cfg.PollInterval,
		MaxBatch:     cfg.MaxBatch,
	}, store, store, explorerClient, feeCalc, ingest.NewTaskRegistry(), logger)
	defer engine.Shutdown()

	svc := service.New(store, store, explorerClient, engine, feeCalc, decoder, logger)
	server := api.NewServer(svc, logger)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("poolpulse start",
		zap.String("listen", cfg.ListenAddr),
		zap.String("explorer_url", cfg.ExplorerURL),
		zap.String("pricefeed_url", cfg.PriceFeedURL),
		zap.String("fee_symbol", cfg.FeeQuoteSymbol),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Int("max_batch", cfg.MaxBatch),
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	return nil
}

func runSwapPrice(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	decoder, err := dex.NewPriceDecoder(chainClient, logger)
	if err != nil {
		return fmt.Errorf("build swap decoder: %w", err)
	}

	executions, err := decoder.ExecutionPrices(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(executions)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
