package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"starkscope/internal/config"
	"starkscope/internal/interval"
	"starkscope/internal/model"
	"starkscope/internal/storage/postgres"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Read back what the sync store holds",
	}
	cmd.PersistentFlags().String("pg-dsn", "", "Postgres DSN")
	cmd.PersistentFlags().Uint64("chain-id", 0, "numeric chain id used to key stored data")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	coverage := &cobra.Command{
		Use:   "coverage <fragment>",
		Short: "Print the synced intervals of a fragment within a block range",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspectCoverage,
	}
	coverage.Flags().Uint64("from", 0, "start block (inclusive)")
	coverage.Flags().Uint64("to", 0, "end block (inclusive), 0 means unbounded")

	transactions := &cobra.Command{
		Use:   "transactions <block>",
		Short: "List the stored transactions of a block",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspectTransactions,
	}

	cmd.AddCommand(coverage, transactions)
	return cmd
}

// withStore opens the sync store configured on cmd and hands it to fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *postgres.Store, chainID uint64) error) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadStore(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	chainID, _ := cmd.Flags().GetUint64("chain-id")
	if chainID == 0 {
		return fmt.Errorf("chain id is required")
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Debug("inspect", zap.String("command", cmd.Name()), zap.Uint64("chain_id", chainID))
	return fn(ctx, store, chainID)
}

func runInspectCoverage(cmd *cobra.Command, args []string) error {
	from, _ := cmd.Flags().GetUint64("from")
	to, _ := cmd.Flags().GetUint64("to")
	if to == 0 {
		to = ^uint64(0)
	}
	if to < from {
		return fmt.Errorf("to block %d is before from block %d", to, from)
	}
	window := interval.Interval{From: from, To: to}

	return withStore(cmd, func(ctx context.Context, store *postgres.Store, chainID uint64) error {
		set, err := store.GetIntervals(ctx, chainID, args[0])
		if err != nil {
			return err
		}
		printCoverage(cmd.OutOrStdout(), set, window)
		return nil
	})
}

// printCoverage writes the covered ranges of set inside window, the gaps between them,
// and the block up to which coverage is unbroken from window.From.
func printCoverage(out io.Writer, set interval.Set, window interval.Interval) {
	covered := interval.Intersection(set, interval.Set{window})
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tFROM\tTO\tBLOCKS")
	for _, iv := range covered {
		fmt.Fprintf(w, "synced\t%d\t%d\t%d\n", iv.From, iv.To, iv.To-iv.From+1)
	}
	if len(covered) > 0 {
		// gaps are only meaningful between the first and last covered block
		span := interval.Interval{From: covered[0].From, To: covered[len(covered)-1].To}
		for _, gap := range interval.Difference(interval.Set{span}, covered) {
			fmt.Fprintf(w, "missing\t%d\t%d\t%d\n", gap.From, gap.To, gap.To-gap.From+1)
		}
	}
	_ = w.Flush()

	fmt.Fprintf(out, "synced blocks: %d\n", interval.Sum(covered))
	if end, ok := interval.ContiguousEnd(covered, window.From); ok {
		fmt.Fprintf(out, "contiguous through: %d\n", end)
	} else {
		fmt.Fprintf(out, "contiguous through: none (block %d not synced)\n", window.From)
	}
}

func runInspectTransactions(cmd *cobra.Command, args []string) error {
	var block uint64
	if _, err := fmt.Sscan(args[0], &block); err != nil {
		return fmt.Errorf("block number %q: %w", args[0], err)
	}
	return withStore(cmd, func(ctx context.Context, store *postgres.Store, chainID uint64) error {
		txs, err := store.Transactions(ctx, chainID, block)
		if err != nil {
			return err
		}
		return printTransactions(cmd.OutOrStdout(), txs)
	})
}

func printTransactions(out io.Writer, txs []model.Transaction) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tTYPE\tVERSION\tHASH")
	for _, tx := range txs {
		common := tx.Common()
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", common.Index, tx.Type(), common.Version, common.Hash)
	}
	return w.Flush()
}
