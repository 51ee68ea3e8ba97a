package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// CachedResult is one stored RPC response.
type CachedResult struct {
	Result json.RawMessage
	// BlockNumber is nil for requests that do not depend on a block.
	BlockNumber *uint64
}

// Cache persists RPC results by (chain, fingerprint).
type Cache interface {
	GetRPCResult(ctx context.Context, chainID uint64, fingerprint string) (CachedResult, bool, error)
	PutRPCResult(ctx context.Context, chainID uint64, fingerprint string, result CachedResult) error
}

type fingerprintInput struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Fingerprint is the deterministic hash of a request. Map keys are serialized in
// sorted order, so logically equal params hash equally.
func Fingerprint(method string, params []any) (string, error) {
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(fingerprintInput{Method: method, Params: params})
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", method, err)
	}
	return hexutil.Encode(crypto.Keccak256(payload)), nil
}
