package model

import (
	"encoding/json"
	"testing"
)

func TestBlockUnmarshalDispatchesTransactionTypes(t *testing.T) {
	raw := `{
	  "status": "ACCEPTED_ON_L1",
	  "block_hash": "0x1",
	  "parent_hash": "0x0",
	  "block_number": 10,
	  "timestamp": 1700000000,
	  "l1_gas_price": {"price_in_fri": "0x10", "price_in_wei": "0x20"},
	  "transactions": [
	    {"type": "INVOKE", "version": "0x0", "transaction_hash": "0xa", "contract_address": "0x5", "entry_point_selector": "0x6", "calldata": [], "signature": []},
	    {"type": "DECLARE", "version": "0x2", "transaction_hash": "0xb", "sender_address": "0x7", "class_hash": "0x8", "compiled_class_hash": "0x9", "signature": [], "nonce": "0x1", "max_fee": "0x1"},
	    {"type": "DEPLOY", "version": "0x0", "transaction_hash": "0xc", "class_hash": "0x8", "contract_address_salt": "0x1", "constructor_calldata": ["0x1"]},
	    {"type": "DEPLOY_ACCOUNT", "version": "0x1", "transaction_hash": "0xd", "class_hash": "0x8", "contract_address_salt": "0x2", "constructor_calldata": [], "signature": [], "nonce": "0x0"},
	    {"type": "L1_HANDLER", "version": "0x0", "transaction_hash": "0xe", "contract_address": "0x5", "entry_point_selector": "0x6", "calldata": ["0x1"], "nonce": "0x3"}
	  ]
	}`

	var block Block
	if err := json.Unmarshal([]byte(raw), &block); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if block.BlockNumber != 10 || block.L1GasPrice.PriceInWei != "0x20" {
		t.Fatalf("block header mismatch: %+v", block)
	}

	want := []TxType{TxInvoke, TxDeclare, TxDeploy, TxDeployAccount, TxL1Handler}
	if len(block.Transactions) != len(want) {
		t.Fatalf("expected %d transactions, got %d", len(want), len(block.Transactions))
	}
	for i, tx := range block.Transactions {
		if tx.Type() != want[i] {
			t.Fatalf("tx %d type %s, want %s", i, tx.Type(), want[i])
		}
		if tx.Common().Index != uint64(i) {
			t.Fatalf("tx %d index %d", i, tx.Common().Index)
		}
	}

	invoke := block.Transactions[0].(InvokeTransaction)
	if invoke.SenderAddress != "0x5" || invoke.EntryPointSelector == nil || *invoke.EntryPointSelector != "0x6" {
		t.Fatalf("v0 invoke not normalized: %+v", invoke)
	}
	if invoke.Nonce != nil {
		t.Fatalf("v0 invoke should have no nonce")
	}
}

func TestUnmarshalTransactionUnknownType(t *testing.T) {
	if _, err := UnmarshalTransaction(json.RawMessage(`{"type": "MYSTERY"}`)); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
