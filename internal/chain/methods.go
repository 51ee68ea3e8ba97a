package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"starkscope/internal/model"
)

type blockID struct {
	BlockNumber uint64 `json:"block_number"`
}

// EventFilter is the starknet_getEvents filter.
type EventFilter struct {
	FromBlock         uint64     `json:"-"`
	ToBlock           uint64     `json:"-"`
	Address           string     `json:"address,omitempty"`
	Keys              [][]string `json:"keys,omitempty"`
	ChunkSize         int        `json:"chunk_size"`
	ContinuationToken string     `json:"continuation_token,omitempty"`
}

func (f EventFilter) MarshalJSON() ([]byte, error) {
	type Alias EventFilter
	return json.Marshal(struct {
		Alias
		FromBlock blockID `json:"from_block"`
		ToBlock   blockID `json:"to_block"`
	}{
		Alias:     Alias(f),
		FromBlock: blockID{f.FromBlock},
		ToBlock:   blockID{f.ToBlock},
	})
}

const defaultChunkSize = 1000

// ChainID returns the provider's starknet_chainId felt.
func (c *Client) ChainID(ctx context.Context) (string, error) {
	var id string
	if err := c.call(ctx, &id, "starknet_chainId", nil, RequestOptions{Immutable: true}); err != nil {
		return "", err
	}
	return id, nil
}

// BlockNumber returns the latest accepted block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	if err := c.call(ctx, &n, "starknet_blockNumber", nil, RequestOptions{NoCache: true}); err != nil {
		return 0, err
	}
	return n, nil
}

// GetBlockWithTxs fetches a block with its transactions. A null result at the chain head
// is retried.
func (c *Client) GetBlockWithTxs(ctx context.Context, number uint64) (*model.Block, error) {
	var block model.Block
	opts := c.blockScoped(number)
	opts.RetryNullBlockRequest = true
	if err := c.call(ctx, &block, "starknet_getBlockWithTxs", []any{blockID{number}}, opts); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetTransactionReceipt fetches the receipt of txHash, cached under blockNumber.
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash string, blockNumber uint64) (*model.Receipt, error) {
	var receipt model.Receipt
	opts := c.blockScoped(blockNumber)
	if err := c.call(ctx, &receipt, "starknet_getTransactionReceipt", []any{txHash}, opts); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// TraceTransaction fetches the call tree of txHash, cached under blockNumber.
func (c *Client) TraceTransaction(ctx context.Context, txHash string, blockNumber uint64) (*model.TransactionTrace, error) {
	var trace model.TransactionTrace
	opts := c.blockScoped(blockNumber)
	if err := c.call(ctx, &trace, "starknet_traceTransaction", []any{txHash}, opts); err != nil {
		return nil, err
	}
	return &trace, nil
}

// GetEvents fetches a single page of events.
func (c *Client) GetEvents(ctx context.Context, filter EventFilter) (*model.EventsPage, error) {
	if filter.ChunkSize <= 0 {
		filter.ChunkSize = defaultChunkSize
	}
	opts := RequestOptions{}
	if filter.FromBlock == filter.ToBlock {
		opts = c.blockScoped(filter.ToBlock)
	}
	var page model.EventsPage
	if err := c.call(ctx, &page, "starknet_getEvents", []any{filter}, opts); err != nil {
		return nil, err
	}
	return &page, nil
}

// AllEvents follows continuation tokens until the filter range is exhausted.
func (c *Client) AllEvents(ctx context.Context, filter EventFilter) ([]model.Event, error) {
	var out []model.Event
	for {
		page, err := c.GetEvents(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Events...)
		if page.ContinuationToken == "" {
			return out, nil
		}
		filter.ContinuationToken = page.ContinuationToken
	}
}

// blockScoped caches a result under block n. Blocks above the finality watermark are
// read fresh so that a reorged result is never replayed from the cache.
func (c *Client) blockScoped(n uint64) RequestOptions {
	return RequestOptions{BlockNumber: &n, Fresh: n > c.FinalizedBlock()}
}

func (c *Client) call(ctx context.Context, out any, method string, params []any, opts RequestOptions) error {
	raw, err := c.Request(ctx, method, params, opts)
	if err != nil {
		return err
	}
	if isNull(raw) {
		return fmt.Errorf("%s: %w", method, ErrNullResult)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
