package indexer

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"starkscope/internal/felt"
	"starkscope/internal/interval"
	"starkscope/internal/model"
	"starkscope/internal/storage/postgres"
	"starkscope/internal/syncstore"
)

type fetchedBlock struct {
	block    *model.Block
	receipts []*model.Receipt
}

type blockResult struct {
	unit     postgres.BlockUnit
	decoded  []model.DecodedEvent
	failures []model.DecodeError
}

// transform turns a fetched block into its persistence unit. It runs in block order
// because factory children discovered here widen the address set of later events.
func (r *Runner) transform(ctx context.Context, fb *fetchedBlock, plan *syncPlan) (*blockResult, error) {
	chainID := r.cfg.ChainID
	number := fb.block.BlockNumber

	blockRow, err := syncstore.EncodeBlock(chainID, fb.block)
	if err != nil {
		return nil, fmt.Errorf("encode block %d: %w", number, err)
	}
	res := &blockResult{unit: postgres.BlockUnit{ChainID: chainID, Block: blockRow}}

	active := plan.activeSources(number)
	matchedTx := make(map[int]struct{})
	logIndex := uint64(0)

	for i, tx := range fb.block.Transactions {
		receipt := fb.receipts[i]
		for _, ev := range receipt.Events {
			ev.BlockNumber = number
			ev.BlockHash = fb.block.BlockHash
			ev.TransactionHash = tx.Common().Hash
			ev.TransactionIndex = uint64(i)
			ev.LogIndex = logIndex
			logIndex++

			matched, err := r.matchEvent(ev, active, res)
			if err != nil {
				return nil, fmt.Errorf("block %d log %d: %w", number, ev.LogIndex, err)
			}
			if !matched {
				continue
			}
			row, err := syncstore.EncodeLog(chainID, ev)
			if err != nil {
				return nil, fmt.Errorf("encode log %d/%d: %w", number, ev.LogIndex, err)
			}
			res.unit.Logs = append(res.unit.Logs, row)
			matchedTx[i] = struct{}{}
		}
	}

	indexes := make([]int, 0, len(matchedTx))
	for i := range matchedTx {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		if err := r.appendTransaction(ctx, res, fb, i); err != nil {
			return nil, err
		}
	}

	for _, src := range active {
		res.unit.Coverage = append(res.unit.Coverage, postgres.CoverageUpdate{
			Fragment: src.Fragment(chainID),
			Range:    interval.Interval{From: number, To: number},
		})
	}
	return res, nil
}

// matchEvent records factory children announced by ev and decodes ev for every active
// source watching its emitter. It reports whether ev should be stored.
func (r *Runner) matchEvent(ev model.Event, active []*Source, res *blockResult) (bool, error) {
	emitter, err := felt.ToHex64(ev.FromAddress)
	if err != nil {
		return false, err
	}
	matched := false

	for _, src := range active {
		f := src.Factory
		if f == nil || !f.Matches(ev) {
			continue
		}
		matched = true
		child, err := f.ChildAddress(ev)
		if err != nil {
			res.failures = append(res.failures, r.decodeFailure(ev, emitter, "", err))
			continue
		}
		if r.children.add(f.ID(), child) {
			res.unit.Children = append(res.unit.Children, postgres.ChildAddress{
				FactoryID:   f.ID(),
				Address:     child,
				BlockNumber: ev.BlockNumber,
			})
			r.logger.Debug("factory child discovered",
				zap.String("factory", f.ID()),
				zap.String("address", child),
				zap.Uint64("block_number", ev.BlockNumber),
			)
		}
	}

	for _, src := range active {
		if !r.watches(src, emitter) {
			continue
		}
		matched = true
		if len(ev.Keys) == 0 {
			continue
		}
		selector, err := felt.ToHex64(ev.Keys[0])
		if err != nil {
			res.failures = append(res.failures, r.decodeFailure(ev, emitter, "", err))
			continue
		}
		meta, ok := src.event(selector)
		if !ok {
			continue
		}
		args, err := src.ABI.DecodeEvent(meta, ev.Keys, ev.Data)
		if err != nil {
			res.failures = append(res.failures, r.decodeFailure(ev, emitter, src.Name+":"+meta.SafeName, err))
			continue
		}
		res.decoded = append(res.decoded, model.DecodedEvent{
			ChainID:     r.cfg.ChainID,
			BlockNumber: ev.BlockNumber,
			TxHash:      ev.TransactionHash,
			LogIndex:    ev.LogIndex,
			Address:     emitter,
			EventName:   src.Name + ":" + meta.SafeName,
			Selector:    selector,
			Args:        args,
		})
	}
	return matched, nil
}

func (r *Runner) watches(src *Source, emitter string) bool {
	if src.Factory != nil {
		return r.children.has(src.Factory.ID(), emitter)
	}
	return src.watchesStatic(emitter)
}

func (r *Runner) decodeFailure(ev model.Event, emitter, name string, err error) model.DecodeError {
	var selector string
	if len(ev.Keys) > 0 {
		selector = ev.Keys[0]
	}
	return model.DecodeError{
		ChainID:     r.cfg.ChainID,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TransactionHash,
		LogIndex:    ev.LogIndex,
		Address:     emitter,
		Selector:    selector,
		Event:       name,
		Error:       err.Error(),
	}
}

func (r *Runner) appendTransaction(ctx context.Context, res *blockResult, fb *fetchedBlock, i int) error {
	chainID := r.cfg.ChainID
	number := fb.block.BlockNumber
	tx := fb.block.Transactions[i]

	txRow, err := syncstore.EncodeTransaction(chainID, number, tx)
	if err != nil {
		return fmt.Errorf("encode transaction %d/%d: %w", number, i, err)
	}
	receiptRow, err := syncstore.EncodeTransactionReceipt(chainID, number, uint64(i), fb.receipts[i])
	if err != nil {
		return fmt.Errorf("encode receipt %d/%d: %w", number, i, err)
	}
	res.unit.Transactions = append(res.unit.Transactions, txRow)
	res.unit.Receipts = append(res.unit.Receipts, receiptRow)

	if !r.cfg.IncludeTraces {
		return nil
	}
	trace, err := r.chain.TraceTransaction(ctx, tx.Common().Hash, number)
	if err != nil {
		return fmt.Errorf("trace transaction %s: %w", tx.Common().Hash, err)
	}
	for _, node := range trace.Flatten() {
		row, err := syncstore.EncodeTrace(chainID, number, uint64(i), tx.Common().Hash, node)
		if err != nil {
			return err
		}
		res.unit.Traces = append(res.unit.Traces, row)
	}
	return nil
}
