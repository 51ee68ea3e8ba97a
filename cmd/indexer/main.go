package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"starkscope/internal/abi"
	"starkscope/internal/chain"
	"starkscope/internal/config"
	"starkscope/internal/factory"
	"starkscope/internal/felt"
	"starkscope/internal/indexer"
	"starkscope/internal/metrics"
	"starkscope/internal/model"
	"starkscope/internal/storage"
	"starkscope/internal/storage/pebble"
	"starkscope/internal/storage/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:          "indexer",
		Short:        "Starknet event indexer",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Sync blocks and decode events of the configured source",
		RunE:  runIndexer,
	}

	runCmd.Flags().String("rpc", "", "Starknet RPC URL")
	runCmd.Flags().Uint64("chain-id", 0, "numeric chain id used to key stored data")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	runCmd.Flags().String("cache", config.CachePostgres, "RPC result cache (postgres, pebble, none)")
	runCmd.Flags().String("cache-path", "./data/rpc-cache", "pebble cache directory")
	runCmd.Flags().Uint64("finality-depth", 10, "blocks behind head considered final")
	runCmd.Flags().Int("max-retries", 9, "maximum retry attempts per request")
	runCmd.Flags().Duration("retry-backoff", 250*time.Millisecond, "initial retry backoff")
	runCmd.Flags().Duration("retry-max-backoff", 10*time.Second, "maximum retry backoff")
	runCmd.Flags().Int("workers", 8, "concurrent block fetches")
	runCmd.Flags().Uint64("batch-size", 100, "blocks per batch")
	runCmd.Flags().Uint64("from", 0, "start block (inclusive)")
	runCmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest")
	runCmd.Flags().Bool("include-traces", false, "store traces of matched transactions")
	runCmd.Flags().String("source", "Contract", "source name used in event names")
	runCmd.Flags().String("abi", "", "contract ABI JSON path")
	runCmd.Flags().StringSlice("address", nil, "contract addresses (comma-separated)")
	runCmd.Flags().StringSlice("event", nil, "event names or selectors to decode (comma-separated), empty means all")
	runCmd.Flags().StringSlice("factory-address", nil, "factory contract addresses (comma-separated)")
	runCmd.Flags().String("factory-abi", "", "factory ABI JSON path, defaults to abi")
	runCmd.Flags().String("factory-event", "", "factory creation event name or selector")
	runCmd.Flags().String("factory-parameter", "", "creation event parameter holding the child address")
	runCmd.Flags().String("unparsed-out", "./data/unparsed_logs.jsonl", "JSONL path for logs that failed to decode")
	runCmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSelectorCmd())
	root.AddCommand(newABICmd())
	root.AddCommand(newFactoryCmd())
	root.AddCommand(newEventsCmd())
	root.AddCommand(newInspectCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runIndexer(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	contractABI, err := loadABI(cfg.ABIPath)
	if err != nil {
		return err
	}
	var factoryABI *abi.ABI
	if cfg.FactoryABIPath != "" {
		if factoryABI, err = loadABI(cfg.FactoryABIPath); err != nil {
			return err
		}
	}
	src, err := buildSource(cfg, contractABI, factoryABI)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		metrics.StartServer(ctx, cfg.MetricsAddr, logger)
	}

	store, err := postgres.NewStore(ctx, cfg.PGDSN, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	var (
		cache      chain.Cache
		pruner     provisionalPruner
		clientConf = chain.Config{
			URL:          cfg.RPCURL,
			ChainID:      cfg.ChainID,
			MaxRetries:   cfg.MaxRetries,
			RetryBackoff: cfg.RetryBackoff,
			MaxBackoff:   cfg.RetryMaxBackoff,
		}
	)
	switch cfg.Cache {
	case config.CachePostgres:
		cache, pruner = store, store
	case config.CachePebble:
		pebbleDB, err := pebble.Open(cfg.CachePath)
		if err != nil {
			return err
		}
		defer pebbleDB.Close()
		cache, pruner = pebbleDB, pebbleDB
	}

	chainClient, err := chain.NewClient(ctx, clientConf, cache, logger)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	networkID, err := chainClient.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}

	registry := newLogRegistry(src, logger)
	sink := storage.NewJsonlStorage(cfg.UnparsedOut)

	runner := indexer.NewRunner(indexer.RunConfig{
		ChainID:       cfg.ChainID,
		FromBlock:     cfg.FromBlock,
		ToBlock:       cfg.ToBlock,
		BatchSize:     cfg.BatchSize,
		Workers:       cfg.Workers,
		FinalityDepth: cfg.FinalityDepth,
		IncludeTraces: cfg.IncludeTraces,
		Sources:       []*indexer.Source{src},
	}, chainClient, store, registry, sink, logger)

	logger.Info("indexer start",
		zap.String("rpc", cfg.RPCURL),
		zap.Uint64("chain_id", cfg.ChainID),
		zap.String("network", networkID),
		zap.String("fragment", src.Fragment(cfg.ChainID)),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("to", cfg.ToBlock),
		zap.Int("workers", cfg.Workers),
		zap.Uint64("batch_size", cfg.BatchSize),
		zap.String("cache", cfg.Cache),
		zap.String("unparsed_out", cfg.UnparsedOut),
	)

	runErr := runner.Run(ctx)
	// entries above finality may be reorged away; drop them even after a failed run. A run
	// that failed before learning the finalized block leaves the cache untouched.
	if pruner != nil && chainClient.FinalizedBlock() > 0 {
		pruneCtx := ctx
		if ctx.Err() != nil {
			pruneCtx = context.Background()
		}
		pruned, err := pruner.PruneProvisional(pruneCtx, cfg.ChainID, chainClient.FinalizedBlock())
		if err != nil {
			logger.Error("prune rpc cache failed", zap.Error(err))
			if runErr == nil {
				runErr = fmt.Errorf("prune rpc cache: %w", err)
			}
		} else {
			logger.Info("rpc cache pruned", zap.Int("entries", pruned), zap.Uint64("finalized", chainClient.FinalizedBlock()))
		}
	}
	return runErr
}

// provisionalPruner drops cached RPC results above the finalized block.
type provisionalPruner interface {
	PruneProvisional(ctx context.Context, chainID, finalized uint64) (int, error)
}

func loadABI(path string) (*abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read abi: %w", err)
	}
	a, err := abi.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse abi %s: %w", path, err)
	}
	return a, nil
}

// buildSource resolves the configured source. The factory creation event is looked up in
// factoryABI, falling back to contractABI when it is nil.
func buildSource(cfg config.Config, contractABI, factoryABI *abi.ABI) (*indexer.Source, error) {
	selectors, err := indexer.ParseSelectors(cfg.Events)
	if err != nil {
		return nil, err
	}
	src := &indexer.Source{
		Name:      cfg.Source,
		ABI:       contractABI,
		Selectors: selectors,
		FromBlock: cfg.FromBlock,
	}
	if cfg.ToBlock != 0 {
		to := cfg.ToBlock
		src.ToBlock = &to
	}

	if len(cfg.FactoryAddresses) == 0 {
		src.Addresses, err = indexer.ParseAddresses(cfg.Addresses)
		return src, err
	}

	if factoryABI == nil {
		factoryABI = contractABI
	}
	f, err := buildFactory(cfg.ChainID, factoryABI, cfg.FactoryAddresses, cfg.FactoryEvent, cfg.FactoryParameter, nil, nil)
	if err != nil {
		return nil, err
	}
	src.Factory = &f
	return src, nil
}

func buildFactory(chainID uint64, contractABI *abi.ABI, addresses []string, event, parameter string, from, to *uint64) (factory.Factory, error) {
	lookup := event
	if felt.IsHex(event) {
		selector, err := felt.ToHex64(event)
		if err != nil {
			return factory.Factory{}, fmt.Errorf("factory event: %w", err)
		}
		lookup = selector
	}
	meta, ok := abi.BuildEvents(contractABI).Lookup(lookup)
	if !ok {
		return factory.Factory{}, fmt.Errorf("factory event %q not found in abi", event)
	}
	return factory.Build(factory.Spec{
		ChainID:       chainID,
		Addresses:     addresses,
		Event:         meta,
		ABI:           contractABI,
		ParameterPath: parameter,
		FromBlock:     from,
		ToBlock:       to,
	})
}

// newLogRegistry registers a debug logger for every event the source decodes.
func newLogRegistry(src *indexer.Source, logger *zap.Logger) *indexer.Registry {
	registry := indexer.NewRegistry()
	logEvent := func(_ context.Context, ev model.DecodedEvent) error {
		logger.Debug("event decoded",
			zap.String("event", ev.EventName),
			zap.Uint64("block_number", ev.BlockNumber),
			zap.Uint64("log_index", ev.LogIndex),
			zap.String("address", ev.Address),
			zap.String("tx_hash", ev.TxHash),
		)
		return nil
	}
	for name := range abi.BuildEvents(src.ABI).BySafeName {
		registry.On(src.Name+":"+name, logEvent)
	}
	return registry
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
