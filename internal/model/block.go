package model

import (
	"encoding/json"
	"fmt"
)

// GasPrice is a gas price quoted in both fee tokens.
type GasPrice struct {
	PriceInFri string `json:"price_in_fri"`
	PriceInWei string `json:"price_in_wei"`
}

// Block is a block returned by starknet_getBlockWithTxs.
type Block struct {
	Status           string        `json:"status"`
	BlockHash        string        `json:"block_hash"`
	ParentHash       string        `json:"parent_hash"`
	BlockNumber      uint64        `json:"block_number"`
	NewRoot          string        `json:"new_root"`
	Timestamp        uint64        `json:"timestamp"`
	SequencerAddress string        `json:"sequencer_address"`
	L1GasPrice       GasPrice      `json:"l1_gas_price"`
	L1DataGasPrice   GasPrice      `json:"l1_data_gas_price"`
	L1DAMode         string        `json:"l1_da_mode"`
	StarknetVersion  string        `json:"starknet_version"`
	Transactions     []Transaction `json:"-"`
}

// UnmarshalJSON decodes a block and its tagged transaction list.
func (b *Block) UnmarshalJSON(data []byte) error {
	type Alias Block
	var aux struct {
		Alias
		Transactions []json.RawMessage `json:"transactions"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*b = Block(aux.Alias)
	b.Transactions = make([]Transaction, 0, len(aux.Transactions))
	for i, raw := range aux.Transactions {
		tx, err := UnmarshalTransaction(raw)
		if err != nil {
			return fmt.Errorf("transaction %d: %w", i, err)
		}
		b.Transactions = append(b.Transactions, tx.withIndex(uint64(i)))
	}
	return nil
}
