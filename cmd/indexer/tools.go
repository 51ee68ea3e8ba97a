package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"starkscope/internal/abi"
	"starkscope/internal/chain"
	"starkscope/internal/config"
	"starkscope/internal/felt"
	"starkscope/internal/indexer"
)

func newSelectorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selector <name>...",
		Short: "Print the starknet_keccak selector of event or function names",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", abi.ComputeSelector(name), name)
			}
			return nil
		},
	}
}

func newABICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abi <path>",
		Short: "List the events and functions of an ABI with their safe names and selectors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contractABI, err := loadABI(args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tSAFE NAME\tSELECTOR\tFULL NAME")
			printIndex(w, "event", abi.BuildEvents(contractABI))
			printIndex(w, "function", abi.BuildFunctions(contractABI))
			return w.Flush()
		},
	}
	return cmd
}

func printIndex(w *tabwriter.Writer, kind string, idx abi.Index) {
	names := make([]string, 0, len(idx.BySafeName))
	for name := range idx.BySafeName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		meta := idx.BySafeName[name]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", kind, meta.SafeName, meta.Selector, meta.FullName)
	}
}

func newFactoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "factory",
		Short: "Resolve a factory declaration and print its canonical id",
		RunE:  runFactory,
	}
	cmd.Flags().Uint64("chain-id", 0, "numeric chain id")
	cmd.Flags().String("abi", "", "factory ABI JSON path")
	cmd.Flags().StringSlice("factory-address", nil, "factory contract addresses (comma-separated)")
	cmd.Flags().String("factory-event", "", "creation event name or selector")
	cmd.Flags().String("factory-parameter", "", "creation event parameter holding the child address")
	cmd.Flags().Uint64("from", 0, "first block the factory is active")
	cmd.Flags().Uint64("to", 0, "last block the factory is active")
	return cmd
}

func runFactory(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	chainID, _ := flags.GetUint64("chain-id")
	path, _ := flags.GetString("abi")
	addresses, _ := flags.GetStringSlice("factory-address")
	event, _ := flags.GetString("factory-event")
	parameter, _ := flags.GetString("factory-parameter")
	if path == "" || len(addresses) == 0 || event == "" || parameter == "" {
		return fmt.Errorf("abi, factory-address, factory-event and factory-parameter are required")
	}

	var from, to *uint64
	if flags.Changed("from") {
		v, _ := flags.GetUint64("from")
		from = &v
	}
	if flags.Changed("to") {
		v, _ := flags.GetUint64("to")
		to = &v
	}

	contractABI, err := loadABI(path)
	if err != nil {
		return err
	}
	canonical, err := indexer.ParseAddresses(addresses)
	if err != nil {
		return err
	}
	f, err := buildFactory(chainID, contractABI, canonical, event, parameter, from, to)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:        %s\n", f.ID())
	fmt.Fprintf(out, "selector:  %s\n", f.EventSelector)
	fmt.Fprintf(out, "location:  %s\n", f.ChildAddressLocation)
	return nil
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Fetch raw events of a contract over a block range as JSON lines",
		RunE:  runEvents,
	}
	cmd.Flags().String("rpc", "", "Starknet RPC URL")
	cmd.Flags().Int("max-retries", 9, "maximum retry attempts per request")
	cmd.Flags().String("address", "", "emitting contract address")
	cmd.Flags().StringSlice("event", nil, "event names or selectors matched on the first key (comma-separated)")
	cmd.Flags().Uint64("from", 0, "start block (inclusive)")
	cmd.Flags().Uint64("to", 0, "end block (inclusive), defaults to latest")
	cmd.Flags().Int("chunk-size", 1000, "events per page")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadRPC(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	filter, err := eventFilter(cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := chain.NewClient(ctx, chain.Config{
		URL:          cfg.RPCURL,
		ChainID:      cfg.ChainID,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		MaxBackoff:   cfg.RetryMaxBackoff,
	}, nil, logger)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer client.Close()

	if !cmd.Flags().Changed("to") {
		if filter.ToBlock, err = client.BlockNumber(ctx); err != nil {
			return fmt.Errorf("get latest block: %w", err)
		}
		if filter.ToBlock < filter.FromBlock {
			return fmt.Errorf("from block %d is ahead of latest block %d", filter.FromBlock, filter.ToBlock)
		}
	}
	events, err := client.AllEvents(ctx, filter)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	logger.Debug("events fetched", zap.Int("count", len(events)), zap.Uint64("from", filter.FromBlock), zap.Uint64("to", filter.ToBlock))
	return nil
}

func eventFilter(flags *pflag.FlagSet) (chain.EventFilter, error) {
	address, _ := flags.GetString("address")
	events, _ := flags.GetStringSlice("event")
	from, _ := flags.GetUint64("from")
	to, _ := flags.GetUint64("to")
	chunkSize, _ := flags.GetInt("chunk-size")
	if flags.Changed("to") && to < from {
		return chain.EventFilter{}, fmt.Errorf("to block %d is before from block %d", to, from)
	}

	filter := chain.EventFilter{FromBlock: from, ToBlock: to, ChunkSize: chunkSize}
	if address != "" {
		canonical, err := felt.ToHex64(address)
		if err != nil {
			return chain.EventFilter{}, fmt.Errorf("address: %w", err)
		}
		filter.Address = canonical
	}
	selectors, err := indexer.ParseSelectors(events)
	if err != nil {
		return chain.EventFilter{}, err
	}
	if len(selectors) > 0 {
		filter.Keys = [][]string{selectors}
	}
	return filter, nil
}
