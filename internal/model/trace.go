package model

import "encoding/json"

// FunctionInvocation is one node of a starknet_traceTransaction call tree.
type FunctionInvocation struct {
	ContractAddress    string               `json:"contract_address"`
	EntryPointSelector string               `json:"entry_point_selector"`
	Calldata           []string             `json:"calldata"`
	CallerAddress      string               `json:"caller_address"`
	ClassHash          string               `json:"class_hash"`
	EntryPointType     string               `json:"entry_point_type"`
	CallType           string               `json:"call_type"`
	Result             []string             `json:"result"`
	Calls              []FunctionInvocation `json:"calls"`
	ExecutionResources json.RawMessage      `json:"execution_resources,omitempty"`
	RevertReason       string               `json:"revert_reason,omitempty"`
	IsReverted         bool                 `json:"is_reverted,omitempty"`
}

// TransactionTrace is the result of starknet_traceTransaction.
type TransactionTrace struct {
	Type                  TxType              `json:"type"`
	ValidateInvocation    *FunctionInvocation `json:"validate_invocation,omitempty"`
	ExecuteInvocation     *FunctionInvocation `json:"execute_invocation,omitempty"`
	FeeTransferInvocation *FunctionInvocation `json:"fee_transfer_invocation,omitempty"`
	ConstructorInvocation *FunctionInvocation `json:"constructor_invocation,omitempty"`
	FunctionInvocation    *FunctionInvocation `json:"function_invocation,omitempty"`
}

// Trace is one flattened call-graph node.
type Trace struct {
	Type               string
	From               string
	To                 string
	EntryPointSelector string
	Input              []string
	Output             []string
	Resources          json.RawMessage
	Error              string
	Subcalls           int
	TraceIndex         int
}

// RevertedCallType marks the trace node of a reverted execution.
const RevertedCallType = "REVERTED"

// Flatten walks the invocation trees depth-first (validate, execute, fee transfer) and
// assigns trace indexes in visit order.
func (t TransactionTrace) Flatten() []Trace {
	var out []Trace
	roots := []*FunctionInvocation{
		t.ValidateInvocation,
		t.ExecuteInvocation,
		t.ConstructorInvocation,
		t.FunctionInvocation,
		t.FeeTransferInvocation,
	}
	for _, root := range roots {
		switch {
		case root == nil:
		case root.ContractAddress == "" && root.RevertReason != "":
			// a reverted execution carries only its revert reason
			out = append(out, Trace{Type: RevertedCallType, Error: root.RevertReason, TraceIndex: len(out)})
		default:
			out = flatten(out, root)
		}
	}
	return out
}

func flatten(out []Trace, inv *FunctionInvocation) []Trace {
	out = append(out, Trace{
		Type:               inv.CallType,
		From:               inv.CallerAddress,
		To:                 inv.ContractAddress,
		EntryPointSelector: inv.EntryPointSelector,
		Input:              inv.Calldata,
		Output:             inv.Result,
		Resources:          inv.ExecutionResources,
		Error:              inv.RevertReason,
		Subcalls:           len(inv.Calls),
		TraceIndex:         len(out),
	})
	for i := range inv.Calls {
		out = flatten(out, &inv.Calls[i])
	}
	return out
}
