package model

import (
	"encoding/json"
	"testing"
)

func TestTransactionTraceFlatten(t *testing.T) {
	raw := `{
	  "type": "INVOKE",
	  "validate_invocation": {"contract_address": "0xa", "caller_address": "0x0", "call_type": "CALL", "calldata": [], "result": [], "calls": []},
	  "execute_invocation": {
	    "contract_address": "0xa", "caller_address": "0x0", "call_type": "CALL", "calldata": ["0x1"], "result": ["0x2"],
	    "calls": [
	      {"contract_address": "0xb", "caller_address": "0xa", "call_type": "CALL", "calldata": [], "result": [], "calls": [
	        {"contract_address": "0xc", "caller_address": "0xb", "call_type": "LIBRARY_CALL", "calldata": [], "result": [], "calls": []}
	      ]},
	      {"contract_address": "0xd", "caller_address": "0xa", "call_type": "CALL", "calldata": [], "result": [], "calls": [], "revert_reason": "boom"}
	    ]
	  }
	}`

	var trace TransactionTrace
	if err := json.Unmarshal([]byte(raw), &trace); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	nodes := trace.Flatten()
	if len(nodes) != 5 {
		t.Fatalf("expected 5 nodes, got %d", len(nodes))
	}
	wantTo := []string{"0xa", "0xa", "0xb", "0xc", "0xd"}
	for i, node := range nodes {
		if node.TraceIndex != i {
			t.Fatalf("node %d has trace index %d", i, node.TraceIndex)
		}
		if node.To != wantTo[i] {
			t.Fatalf("node %d to = %s, want %s", i, node.To, wantTo[i])
		}
	}
	if nodes[1].Subcalls != 2 || nodes[2].Subcalls != 1 {
		t.Fatalf("subcall counts mismatch: %d %d", nodes[1].Subcalls, nodes[2].Subcalls)
	}
	if nodes[3].Type != "LIBRARY_CALL" || nodes[4].Error != "boom" {
		t.Fatalf("unexpected node fields: %+v %+v", nodes[3], nodes[4])
	}
}

func TestTransactionTraceFlattenRevertedExecution(t *testing.T) {
	raw := `{"type": "INVOKE", "execute_invocation": {"revert_reason": "out of gas"}}`
	var trace TransactionTrace
	if err := json.Unmarshal([]byte(raw), &trace); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	nodes := trace.Flatten()
	if len(nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(nodes))
	}
	if nodes[0].Type != RevertedCallType || nodes[0].Error != "out of gas" || nodes[0].To != "" || nodes[0].From != "" {
		t.Fatalf("unexpected reverted node %+v", nodes[0])
	}
}
