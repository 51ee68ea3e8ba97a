package indexer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"starkscope/internal/factory"
	"starkscope/internal/interval"
	"starkscope/internal/metrics"
	"starkscope/internal/model"
	"starkscope/internal/storage"
	"starkscope/internal/storage/postgres"
)

// ChainClient is the subset of chain.Client the runner reads through.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetBlockWithTxs(ctx context.Context, number uint64) (*model.Block, error)
	GetTransactionReceipt(ctx context.Context, txHash string, blockNumber uint64) (*model.Receipt, error)
	TraceTransaction(ctx context.Context, txHash string, blockNumber uint64) (*model.TransactionTrace, error)
	SetFinalizedBlock(n uint64)
}

// Store is the subset of the sync store the runner writes to.
type Store interface {
	GetIntervals(ctx context.Context, chainID uint64, fragment string) (interval.Set, error)
	PersistBlock(ctx context.Context, unit postgres.BlockUnit) error
	UpsertFactory(ctx context.Context, f factory.Factory) error
	ChildAddresses(ctx context.Context, factoryID string, toBlock uint64) ([]postgres.ChildAddress, error)
}

// RunConfig holds runtime settings for the indexer.
type RunConfig struct {
	ChainID       uint64
	FromBlock     uint64
	ToBlock       uint64
	BatchSize     uint64
	Workers       int
	FinalityDepth uint64
	IncludeTraces bool
	Sources       []*Source
}

// Runner syncs the configured sources of one chain into the store.
type Runner struct {
	cfg      RunConfig
	chain    ChainClient
	store    Store
	registry *Registry
	sink     storage.DecodeErrorSink
	logger   *zap.Logger
	label    string

	coverage *interval.Cache
	children *childSet
}

// NewRunner builds a Runner with its dependencies. registry and sink may be nil.
func NewRunner(cfg RunConfig, chainClient ChainClient, store Store, registry *Registry, sink storage.DecodeErrorSink, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = storage.Discard{}
	}
	return &Runner{
		cfg:      cfg,
		chain:    chainClient,
		store:    store,
		registry: registry,
		sink:     sink,
		logger:   logger.With(zap.Uint64("chain_id", cfg.ChainID)),
		label:    metrics.ChainLabel(cfg.ChainID),
		coverage: interval.NewCache(),
		children: newChildSet(),
	}
}

// Run syncs every block in [FromBlock, ToBlock] that some source has not covered yet.
// ToBlock 0 means the latest block.
func (r *Runner) Run(ctx context.Context) error {
	if r.chain == nil {
		return fmt.Errorf("chain client is nil")
	}
	if r.store == nil {
		return fmt.Errorf("store is nil")
	}
	if r.cfg.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}
	if r.cfg.Workers <= 0 {
		return fmt.Errorf("workers must be greater than zero")
	}
	if len(r.cfg.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	for _, src := range r.cfg.Sources {
		if err := src.prepare(); err != nil {
			return err
		}
	}

	latest, err := r.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get latest block: %w", err)
	}
	if latest >= r.cfg.FinalityDepth {
		r.chain.SetFinalizedBlock(latest - r.cfg.FinalityDepth)
	}

	from := r.cfg.FromBlock
	to := r.cfg.ToBlock
	if to == 0 || to > latest {
		if to > latest {
			r.logger.Warn("to block is beyond chain head, clamping", zap.Uint64("to", to), zap.Uint64("latest", latest))
		}
		to = latest
	}
	if from > to {
		r.logger.Info("nothing to sync", zap.Uint64("from", from), zap.Uint64("to", to))
		return nil
	}

	plan, err := r.plan(ctx, from, to)
	if err != nil {
		return err
	}
	if len(plan.blocks) == 0 {
		r.logger.Info("range already synced", zap.Uint64("from", from), zap.Uint64("to", to))
		return nil
	}
	r.logger.Info("sync plan", zap.Uint64("from", from), zap.Uint64("to", to), zap.Uint64("missing_blocks", interval.Sum(plan.blocks)))

	for _, missing := range plan.blocks {
		chunks, err := interval.Chunks(missing, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, chunk := range chunks {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			r.logger.Info("fetch blocks", zap.Uint64("from", chunk.From), zap.Uint64("to", chunk.To))
			fetched, err := r.fetchRange(ctx, chunk)
			if err != nil {
				return err
			}
			events := 0
			for _, fb := range fetched {
				n, err := r.persist(ctx, fb, plan)
				if err != nil {
					return err
				}
				events += n
			}
			r.logger.Info("batch complete", zap.Int("events", events), zap.Uint64("from", chunk.From), zap.Uint64("to", chunk.To))
		}
	}
	return nil
}

// fetchRange downloads every block of chunk with a bounded worker pool. Results are
// returned in block order.
func (r *Runner) fetchRange(ctx context.Context, chunk interval.Interval) ([]*fetchedBlock, error) {
	count := chunk.To - chunk.From + 1
	out := make([]*fetchedBlock, count)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for i := uint64(0); i < count; i++ {
		i := i
		g.Go(func() error {
			fb, err := r.fetchBlock(gctx, chunk.From+i)
			if err != nil {
				return fmt.Errorf("fetch block %d: %w", chunk.From+i, err)
			}
			out[i] = fb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runner) fetchBlock(ctx context.Context, number uint64) (*fetchedBlock, error) {
	block, err := r.chain.GetBlockWithTxs(ctx, number)
	if err != nil {
		return nil, err
	}
	if block.BlockNumber != number {
		return nil, fmt.Errorf("provider returned block %d", block.BlockNumber)
	}
	receipts := make([]*model.Receipt, len(block.Transactions))
	for i, tx := range block.Transactions {
		receipt, err := r.chain.GetTransactionReceipt(ctx, tx.Common().Hash, number)
		if err != nil {
			return nil, fmt.Errorf("receipt %s: %w", tx.Common().Hash, err)
		}
		receipts[i] = receipt
	}
	return &fetchedBlock{block: block, receipts: receipts}, nil
}

// persist commits one block, then reports skipped events and dispatches decoded ones.
// It returns the number of decoded events.
func (r *Runner) persist(ctx context.Context, fb *fetchedBlock, plan *syncPlan) (int, error) {
	res, err := r.transform(ctx, fb, plan)
	if err != nil {
		return 0, err
	}
	if err := r.reportFailures(res.failures); err != nil {
		return 0, err
	}
	if err := r.store.PersistBlock(ctx, res.unit); err != nil {
		return 0, fmt.Errorf("persist block %d: %w", fb.block.BlockNumber, err)
	}
	metrics.BlocksSyncedTotal.WithLabelValues(r.label).Inc()

	for _, update := range res.unit.Coverage {
		set := r.coverage.Merge(update.Fragment, update.Range)
		if end, ok := interval.ContiguousEnd(set, plan.start(update.Fragment)); ok {
			metrics.CoverageEnd.WithLabelValues(r.label, update.Fragment).Set(float64(end))
		}
	}

	for _, ev := range res.decoded {
		if err := r.registry.Dispatch(ctx, ev); err != nil {
			return 0, err
		}
	}
	return len(res.decoded), nil
}

func (r *Runner) reportFailures(failures []model.DecodeError) error {
	if len(failures) == 0 {
		return nil
	}
	metrics.EventsUnparsedTotal.WithLabelValues(r.label).Add(float64(len(failures)))
	for _, f := range failures {
		r.logger.Warn("event skipped: decode failed",
			zap.Uint64("block_number", f.BlockNumber),
			zap.Uint64("log_index", f.LogIndex),
			zap.String("address", f.Address),
			zap.String("selector", f.Selector),
			zap.String("event", f.Event),
			zap.String("error", f.Error),
		)
	}
	if err := r.sink.PutDecodeErrors(failures); err != nil {
		return fmt.Errorf("record decode errors: %w", err)
	}
	return nil
}

// Coverage returns the in-memory coverage of a fragment as of the last persisted block.
func (r *Runner) Coverage(fragment string) interval.Set {
	return r.coverage.Get(fragment)
}

type planEntry struct {
	src      *Source
	fragment string
	from     uint64
	missing  interval.Set
}

// syncPlan is the per-source work of one Run.
type syncPlan struct {
	entries []planEntry
	blocks  interval.Set
}

// plan loads coverage for each source, registers factories and preloads their known
// children.
func (r *Runner) plan(ctx context.Context, from, to uint64) (*syncPlan, error) {
	plan := &syncPlan{blocks: interval.Set{}}
	for _, src := range r.cfg.Sources {
		lo, hi, ok := src.bounds(from, to)
		if !ok {
			continue
		}
		fragment := src.Fragment(r.cfg.ChainID)

		if src.Factory != nil {
			if err := r.store.UpsertFactory(ctx, *src.Factory); err != nil {
				return nil, fmt.Errorf("register factory %s: %w", src.Factory.ID(), err)
			}
			known, err := r.store.ChildAddresses(ctx, src.Factory.ID(), to)
			if err != nil {
				return nil, fmt.Errorf("load children of %s: %w", src.Factory.ID(), err)
			}
			for _, child := range known {
				r.children.add(src.Factory.ID(), child.Address)
			}
		}

		covered, err := r.store.GetIntervals(ctx, r.cfg.ChainID, fragment)
		if err != nil {
			return nil, fmt.Errorf("load coverage %s: %w", fragment, err)
		}
		r.coverage.Set(fragment, covered)

		missing := interval.Difference(interval.Set{{From: lo, To: hi}}, covered)
		r.logger.Debug("source coverage",
			zap.String("fragment", fragment),
			zap.Stringers("covered", []interval.Interval(covered)),
			zap.Uint64("missing_blocks", interval.Sum(missing)),
		)
		plan.entries = append(plan.entries, planEntry{src: src, fragment: fragment, from: lo, missing: missing})
		plan.blocks = interval.Union(plan.blocks, missing)
	}
	return plan, nil
}

// activeSources returns the sources that still need block n.
func (p *syncPlan) activeSources(n uint64) []*Source {
	var out []*Source
	for _, e := range p.entries {
		if e.missing.Contains(n) {
			out = append(out, e.src)
		}
	}
	return out
}

func (p *syncPlan) start(fragment string) uint64 {
	for _, e := range p.entries {
		if e.fragment == fragment {
			return e.from
		}
	}
	return 0
}

// childSet tracks factory children per factory id.
type childSet struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

func newChildSet() *childSet {
	return &childSet{sets: make(map[string]map[string]struct{})}
}

// add returns false when address was already known.
func (c *childSet) add(factoryID, address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sets[factoryID]
	if !ok {
		set = make(map[string]struct{})
		c.sets[factoryID] = set
	}
	if _, ok := set[address]; ok {
		return false
	}
	set[address] = struct{}{}
	return true
}

func (c *childSet) has(factoryID, address string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sets[factoryID][address]
	return ok
}
