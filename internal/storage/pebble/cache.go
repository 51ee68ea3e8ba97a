// Package pebble is an embedded RPC result cache for runs without Postgres.
package pebble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble/v2"

	"starkscope/internal/chain"
)

const (
	prefixRPC = "rpc:" // chainID:fingerprint -> flag | block | result

	flagNoBlock byte = 0
	flagBlock   byte = 1
	headerSize       = 9
)

// Cache stores RPC results in a pebble database.
type Cache struct {
	db *pebble.DB
}

func Open(path string) (*Cache, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func rpcKey(chainID uint64, fingerprint string) []byte {
	return []byte(fmt.Sprintf("%s%d:%s", prefixRPC, chainID, fingerprint))
}

// GetRPCResult implements chain.Cache.
func (c *Cache) GetRPCResult(_ context.Context, chainID uint64, fingerprint string) (chain.CachedResult, bool, error) {
	val, closer, err := c.db.Get(rpcKey(chainID, fingerprint))
	if errors.Is(err, pebble.ErrNotFound) {
		return chain.CachedResult{}, false, nil
	}
	if err != nil {
		return chain.CachedResult{}, false, err
	}
	defer closer.Close()

	if len(val) < headerSize {
		return chain.CachedResult{}, false, fmt.Errorf("corrupt cache entry %s", fingerprint)
	}
	out := chain.CachedResult{
		// val is only valid until closer.Close
		Result: append([]byte(nil), val[headerSize:]...),
	}
	if val[0] == flagBlock {
		n := binary.BigEndian.Uint64(val[1:headerSize])
		out.BlockNumber = &n
	}
	return out, true, nil
}

// PutRPCResult implements chain.Cache.
func (c *Cache) PutRPCResult(_ context.Context, chainID uint64, fingerprint string, res chain.CachedResult) error {
	val := make([]byte, headerSize, headerSize+len(res.Result))
	if res.BlockNumber != nil {
		val[0] = flagBlock
		binary.BigEndian.PutUint64(val[1:headerSize], *res.BlockNumber)
	} else {
		val[0] = flagNoBlock
	}
	val = append(val, res.Result...)
	return c.db.Set(rpcKey(chainID, fingerprint), val, pebble.Sync)
}

// PruneProvisional deletes block-scoped entries above finalized for chainID, so that
// results from an abandoned head are never replayed. It returns the number removed.
func (c *Cache) PruneProvisional(_ context.Context, chainID, finalized uint64) (int, error) {
	prefix := []byte(fmt.Sprintf("%s%d:", prefixRPC, chainID))
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	batch := c.db.NewBatch()
	defer batch.Close()

	removed := 0
	for iter.First(); iter.Valid(); iter.Next() {
		val := iter.Value()
		if len(val) < headerSize || val[0] != flagBlock {
			continue
		}
		if binary.BigEndian.Uint64(val[1:headerSize]) <= finalized {
			continue
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return 0, err
		}
		removed++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, batch.Commit(pebble.Sync)
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
