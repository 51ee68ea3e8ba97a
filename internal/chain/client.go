package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"starkscope/internal/metrics"
)

// Config holds the client's connection and retry settings.
type Config struct {
	URL          string
	ChainID      uint64
	MaxRetries   int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// RequestOptions tune a single Request.
type RequestOptions struct {
	// RetryNullBlockRequest treats a null result as a transient miss.
	RetryNullBlockRequest bool
	// BlockNumber scopes the cached result to a block.
	BlockNumber *uint64
	// Immutable caches a result that has no block scope.
	Immutable bool
	// Fresh bypasses cached results for blocks that are not final yet.
	Fresh bool
	// NoCache skips the cache entirely.
	NoCache bool
}

var nullResult = json.RawMessage("null")

// Client issues Starknet JSON-RPC calls with retry, coalescing and an optional result cache.
type Client struct {
	rpcClient *rpc.Client
	chainID   uint64
	label     string
	policy    retryPolicy
	cache     Cache
	logger    *zap.Logger

	group     singleflight.Group
	finalized atomic.Uint64
}

// NewClient dials cfg.URL. cache may be nil.
func NewClient(ctx context.Context, cfg Config, cache Cache, logger *zap.Logger) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	return newClient(rpcClient, cfg, cache, logger), nil
}

func newClient(rpcClient *rpc.Client, cfg Config, cache Cache, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		rpcClient: rpcClient,
		chainID:   cfg.ChainID,
		label:     metrics.ChainLabel(cfg.ChainID),
		policy: retryPolicy{
			maxRetries: cfg.MaxRetries,
			baseDelay:  cfg.RetryBackoff,
			maxDelay:   cfg.MaxBackoff,
		},
		cache:  cache,
		logger: logger.With(zap.Uint64("chain_id", cfg.ChainID)),
	}
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// Chain returns the configured chain id.
func (c *Client) Chain() uint64 {
	return c.chainID
}

// SetFinalizedBlock moves the finality watermark forward. Lower values are ignored.
func (c *Client) SetFinalizedBlock(n uint64) {
	for {
		cur := c.finalized.Load()
		if n <= cur || c.finalized.CompareAndSwap(cur, n) {
			return
		}
	}
}

// FinalizedBlock returns the finality watermark.
func (c *Client) FinalizedBlock() uint64 {
	return c.finalized.Load()
}

// Request performs method with positional params. Identical concurrent requests share
// one network call and its outcome. A null result is returned as the JSON literal null
// unless RetryNullBlockRequest is set.
func (c *Client) Request(ctx context.Context, method string, params []any, opts RequestOptions) (json.RawMessage, error) {
	fp, err := Fingerprint(method, params)
	if err != nil {
		return nil, err
	}
	key := c.flightKey(fp, opts)

	for {
		ch := c.group.DoChan(key, func() (any, error) {
			return c.do(ctx, method, params, fp, opts)
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				// the shared call ran under another caller's context
				if res.Shared && ctx.Err() == nil && isContextErr(res.Err) {
					continue
				}
				return nil, res.Err
			}
			return res.Val.(json.RawMessage), nil
		}
	}
}

func (c *Client) flightKey(fp string, opts RequestOptions) string {
	key := fmt.Sprintf("%d:%s", c.chainID, fp)
	if opts.Fresh {
		key += ":fresh"
	}
	if opts.NoCache {
		key += ":nocache"
	}
	if opts.RetryNullBlockRequest {
		key += ":nullretry"
	}
	return key
}

func (c *Client) do(ctx context.Context, method string, params []any, fp string, opts RequestOptions) (json.RawMessage, error) {
	if c.cacheable(opts) {
		cached, ok, err := c.cache.GetRPCResult(ctx, c.chainID, fp)
		switch {
		case err != nil:
			c.logger.Warn("rpc cache read failed", zap.String("method", method), zap.String("fingerprint", fp), zap.Error(err))
		case ok && c.usable(cached, opts):
			metrics.RPCCacheHitsTotal.WithLabelValues(c.label, method).Inc()
			return cached.Result, nil
		}
	}

	var result json.RawMessage
	call := func(ctx context.Context, attempt int) error {
		var raw json.RawMessage
		err := c.rpcClient.CallContext(ctx, &raw, method, params...)
		if err != nil && !errors.Is(err, rpc.ErrNoResult) {
			metrics.RPCRequestsTotal.WithLabelValues(c.label, method, "error").Inc()
			if isPermanent(err) {
				return permanent(err)
			}
			return err
		}
		if isNull(raw) {
			metrics.RPCRequestsTotal.WithLabelValues(c.label, method, "null").Inc()
			if opts.RetryNullBlockRequest {
				return ErrNullResult
			}
			result = nullResult
			return nil
		}
		metrics.RPCRequestsTotal.WithLabelValues(c.label, method, "ok").Inc()
		result = raw
		return nil
	}
	onRetry := func(attempt int, err error) {
		reason := retryReason(err)
		metrics.RPCRetriesTotal.WithLabelValues(c.label, method, reason).Inc()
		c.logger.Debug("retrying rpc request",
			zap.String("method", method),
			zap.String("fingerprint", fp),
			zap.Int("attempt", attempt),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}

	attempts, err := c.policy.run(ctx, call, onRetry)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		if isRateLimit(err) {
			err = fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return nil, &RequestError{Method: method, Fingerprint: fp, Attempts: attempts, Err: err}
	}

	if c.cacheable(opts) && !isNull(result) {
		entry := CachedResult{Result: result, BlockNumber: opts.BlockNumber}
		if err := c.cache.PutRPCResult(ctx, c.chainID, fp, entry); err != nil {
			c.logger.Warn("rpc cache write failed", zap.String("method", method), zap.String("fingerprint", fp), zap.Error(err))
		}
	}
	return result, nil
}

func (c *Client) cacheable(opts RequestOptions) bool {
	return c.cache != nil && !opts.NoCache && (opts.BlockNumber != nil || opts.Immutable)
}

// usable reports whether a cached entry may answer the request. Entries above the
// finality watermark are provisional and skipped for Fresh reads.
func (c *Client) usable(cached CachedResult, opts RequestOptions) bool {
	if cached.BlockNumber == nil || *cached.BlockNumber <= c.FinalizedBlock() {
		return true
	}
	return !opts.Fresh
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, nullResult)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
