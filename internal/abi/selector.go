package abi

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"starkscope/internal/felt"
)

var selectorMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 250), big.NewInt(1))

// ShortName strips any namespace path, keeping the final "::" segment.
func ShortName(fullName string) string {
	if idx := strings.LastIndex(fullName, "::"); idx >= 0 {
		return fullName[idx+2:]
	}
	return fullName
}

// ComputeSelector returns the starknet_keccak of the short name of fullName.
// Events and functions share the algorithm.
func ComputeSelector(fullName string) string {
	hash := crypto.Keccak256([]byte(ShortName(fullName)))
	v := new(big.Int).SetBytes(hash)
	v.And(v, selectorMask)
	out, _ := felt.BigToHex64(v)
	return out
}
