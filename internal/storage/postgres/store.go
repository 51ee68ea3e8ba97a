// Package postgres is the pgx-backed sync store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"starkscope/internal/chain"
	"starkscope/internal/factory"
	"starkscope/internal/interval"
	"starkscope/internal/model"
	"starkscope/internal/syncstore"
)

// Store persists synced chain data, coverage, factories and cached RPC results.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewStore(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ChildAddress is a contract announced by a factory.
type ChildAddress struct {
	FactoryID   string
	Address     string
	BlockNumber uint64
}

// CoverageUpdate marks a block range as synced for a fragment.
type CoverageUpdate struct {
	Fragment string
	Range    interval.Interval
}

// BlockUnit is everything synced for one block. It commits as a whole.
type BlockUnit struct {
	ChainID      uint64
	Block        syncstore.BlockRow
	Transactions []syncstore.TransactionRow
	Receipts     []syncstore.TransactionReceiptRow
	Logs         []syncstore.LogRow
	Traces       []syncstore.TraceRow
	Children     []ChildAddress
	Coverage     []CoverageUpdate
}

// PersistBlock writes unit and merges its coverage in one transaction. Re-persisting
// the same block is a no-op for rows already present.
func (s *Store) PersistBlock(ctx context.Context, unit BlockUnit) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		queueBlock(batch, unit.Block)
		for _, row := range unit.Transactions {
			queueTransaction(batch, row)
		}
		for _, row := range unit.Receipts {
			queueReceipt(batch, row)
		}
		for _, row := range unit.Logs {
			queueLog(batch, row)
		}
		for _, row := range unit.Traces {
			queueTrace(batch, row)
		}
		for _, child := range unit.Children {
			queueChildAddress(batch, unit.ChainID, child)
		}
		if err := execBatch(ctx, tx, batch); err != nil {
			return fmt.Errorf("persist block %d: %w", unit.Block.Number, err)
		}

		for _, update := range unit.Coverage {
			if _, err := mergeIntervals(ctx, tx, unit.ChainID, update.Fragment, update.Range); err != nil {
				return fmt.Errorf("merge coverage %s: %w", update.Fragment, err)
			}
		}
		return nil
	})
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	n := batch.Len()
	if n == 0 {
		return nil
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return br.Close()
}

func queueBlock(batch *pgx.Batch, r syncstore.BlockRow) {
	batch.Queue(`
		INSERT INTO blocks (
			chain_id, number, timestamp, hash, parent_hash, new_root, sequencer_address,
			starknet_version, status, l1_da_mode, l1_gas_price, l1_data_gas_price
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (chain_id, number) DO UPDATE SET status = EXCLUDED.status
	`,
		int64(r.ChainID), int64(r.Number), int64(r.Timestamp), r.Hash, r.ParentHash, r.NewRoot,
		r.SequencerAddress, r.StarknetVersion, r.Status, r.L1DAMode, r.L1GasPrice, r.L1DataGasPrice,
	)
}

const transactionColumns = `
	chain_id, block_number, transaction_index, hash, type, version, sender_address, nonce,
	calldata, signature, max_fee, resource_bounds, tip, paymaster_data, account_deployment_data,
	nonce_da_mode, fee_da_mode, class_hash, compiled_class_hash, contract_address_salt,
	constructor_calldata, contract_address, entry_point_selector`

func queueTransaction(batch *pgx.Batch, r syncstore.TransactionRow) {
	batch.Queue(`
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (chain_id, block_number, transaction_index) DO NOTHING
	`,
		int64(r.ChainID), int64(r.BlockNumber), int64(r.TransactionIndex), r.Hash, r.Type, r.Version,
		r.SenderAddress, r.Nonce, r.Calldata, r.Signature, r.MaxFee, r.ResourceBounds, r.Tip,
		r.PaymasterData, r.AccountDeploymentData, r.NonceDAMode, r.FeeDAMode, r.ClassHash,
		r.CompiledClassHash, r.ContractAddressSalt, r.ConstructorCalldata, r.ContractAddress,
		r.EntryPointSelector,
	)
}

func queueReceipt(batch *pgx.Batch, r syncstore.TransactionReceiptRow) {
	batch.Queue(`
		INSERT INTO transaction_receipts (
			chain_id, block_number, transaction_index, transaction_hash, actual_fee, fee_unit,
			execution_status, finality_status, execution_resources, messages_sent, revert_reason,
			contract_address, message_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (chain_id, block_number, transaction_index)
		DO UPDATE SET finality_status = EXCLUDED.finality_status
	`,
		int64(r.ChainID), int64(r.BlockNumber), int64(r.TransactionIndex), r.TransactionHash,
		r.ActualFee, r.FeeUnit, r.ExecutionStatus, r.FinalityStatus, r.ExecutionResources,
		r.MessagesSent, r.RevertReason, r.ContractAddress, r.MessageHash,
	)
}

func queueLog(batch *pgx.Batch, r syncstore.LogRow) {
	batch.Queue(`
		INSERT INTO logs (
			chain_id, block_number, log_index, transaction_index, block_hash, transaction_hash,
			address, topic0, topic1, topic2, topic3, keys, data
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (chain_id, block_number, log_index) DO NOTHING
	`,
		int64(r.ChainID), int64(r.BlockNumber), int64(r.LogIndex), int64(r.TransactionIndex),
		r.BlockHash, r.TransactionHash, r.Address, r.Topic0, r.Topic1, r.Topic2, r.Topic3,
		r.Keys, r.Data,
	)
}

func queueTrace(batch *pgx.Batch, r syncstore.TraceRow) {
	batch.Queue(`
		INSERT INTO traces (
			chain_id, block_number, transaction_index, trace_index, transaction_hash, type,
			from_address, to_address, entry_point_selector, input, output, resources, error, subcalls
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (chain_id, block_number, transaction_index, trace_index) DO NOTHING
	`,
		int64(r.ChainID), int64(r.BlockNumber), int64(r.TransactionIndex), r.TraceIndex,
		r.TransactionHash, r.Type, r.From, r.To, r.EntryPointSelector, r.Input, r.Output,
		r.Resources, r.Error, r.Subcalls,
	)
}

func queueChildAddress(batch *pgx.Batch, chainID uint64, c ChildAddress) {
	batch.Queue(`
		INSERT INTO factory_addresses (factory_id, chain_id, address, block_number)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (factory_id, address)
		DO UPDATE SET block_number = LEAST(factory_addresses.block_number, EXCLUDED.block_number)
	`, c.FactoryID, int64(chainID), c.Address, int64(c.BlockNumber))
}

// mergeIntervals locks the coverage row and rewrites it with rs merged in.
func mergeIntervals(ctx context.Context, tx pgx.Tx, chainID uint64, fragment string, rs ...interval.Interval) (interval.Set, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO intervals (chain_id, fragment) VALUES ($1, $2)
		ON CONFLICT (chain_id, fragment) DO NOTHING
	`, int64(chainID), fragment); err != nil {
		return nil, err
	}

	var raw []byte
	if err := tx.QueryRow(ctx, `
		SELECT ranges FROM intervals WHERE chain_id = $1 AND fragment = $2 FOR UPDATE
	`, int64(chainID), fragment).Scan(&raw); err != nil {
		return nil, err
	}
	var set interval.Set
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode ranges: %w", err)
	}
	set = interval.Union(set, rs)

	encoded, err := json.Marshal(set)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE intervals SET ranges = $3::jsonb, updated_at = now()
		WHERE chain_id = $1 AND fragment = $2
	`, int64(chainID), fragment, string(encoded)); err != nil {
		return nil, err
	}
	return set, nil
}

// GetIntervals returns the synced ranges of (chainID, fragment).
func (s *Store) GetIntervals(ctx context.Context, chainID uint64, fragment string) (interval.Set, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT ranges FROM intervals WHERE chain_id = $1 AND fragment = $2
	`, int64(chainID), fragment).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return interval.Set{}, nil
	}
	if err != nil {
		return nil, err
	}
	var set interval.Set
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode ranges: %w", err)
	}
	return set, nil
}

// UpsertFactory registers f under its identity.
func (s *Store) UpsertFactory(ctx context.Context, f factory.Factory) error {
	addresses, err := json.Marshal(f.Addresses)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO factories (id, chain_id, addresses, event_selector, child_address_location, from_block, to_block)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, f.ID(), int64(f.ChainID), string(addresses), f.EventSelector, f.ChildAddressLocation,
		optionalBlock(f.FromBlock), optionalBlock(f.ToBlock))
	return err
}

// ChildAddresses returns addresses announced by factoryID up to and including toBlock.
func (s *Store) ChildAddresses(ctx context.Context, factoryID string, toBlock uint64) ([]ChildAddress, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, block_number FROM factory_addresses
		WHERE factory_id = $1 AND block_number <= $2
		ORDER BY block_number, address
	`, factoryID, int64(toBlock))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChildAddress
	for rows.Next() {
		var (
			c     = ChildAddress{FactoryID: factoryID}
			block int64
		)
		if err := rows.Scan(&c.Address, &block); err != nil {
			return nil, err
		}
		c.BlockNumber = uint64(block)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Transactions loads the transactions of a block as typed variants.
func (s *Store) Transactions(ctx context.Context, chainID, blockNumber uint64) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions WHERE chain_id = $1 AND block_number = $2
		ORDER BY transaction_index
	`, int64(chainID), int64(blockNumber))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var (
			r                        syncstore.TransactionRow
			chainCol, block, txIndex int64
		)
		if err := rows.Scan(
			&chainCol, &block, &txIndex, &r.Hash, &r.Type, &r.Version, &r.SenderAddress, &r.Nonce,
			&r.Calldata, &r.Signature, &r.MaxFee, &r.ResourceBounds, &r.Tip, &r.PaymasterData,
			&r.AccountDeploymentData, &r.NonceDAMode, &r.FeeDAMode, &r.ClassHash,
			&r.CompiledClassHash, &r.ContractAddressSalt, &r.ConstructorCalldata,
			&r.ContractAddress, &r.EntryPointSelector,
		); err != nil {
			return nil, err
		}
		r.ChainID, r.BlockNumber, r.TransactionIndex = uint64(chainCol), uint64(block), uint64(txIndex)
		tx, err := syncstore.DecodeTransactionRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// GetRPCResult implements chain.Cache.
func (s *Store) GetRPCResult(ctx context.Context, chainID uint64, fingerprint string) (chain.CachedResult, bool, error) {
	var (
		result string
		block  *int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT result, block_number FROM rpc_request_results WHERE chain_id = $1 AND request_hash = $2
	`, int64(chainID), fingerprint).Scan(&result, &block)
	if errors.Is(err, pgx.ErrNoRows) {
		return chain.CachedResult{}, false, nil
	}
	if err != nil {
		return chain.CachedResult{}, false, err
	}
	out := chain.CachedResult{Result: json.RawMessage(result)}
	if block != nil {
		n := uint64(*block)
		out.BlockNumber = &n
	}
	return out, true, nil
}

// PutRPCResult implements chain.Cache. Provisional entries are overwritten on refetch.
func (s *Store) PutRPCResult(ctx context.Context, chainID uint64, fingerprint string, res chain.CachedResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rpc_request_results (chain_id, request_hash, block_number, result)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain_id, request_hash)
		DO UPDATE SET result = EXCLUDED.result, block_number = EXCLUDED.block_number, updated_at = now()
	`, int64(chainID), fingerprint, optionalBlock(res.BlockNumber), string(res.Result))
	return err
}

// PruneProvisional deletes cached results scoped to blocks above finalized for chainID.
// It returns the number removed.
func (s *Store) PruneProvisional(ctx context.Context, chainID, finalized uint64) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM rpc_request_results WHERE chain_id = $1 AND block_number > $2
	`, int64(chainID), int64(finalized))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func optionalBlock(b *uint64) *int64 {
	if b == nil {
		return nil
	}
	v := int64(*b)
	return &v
}
