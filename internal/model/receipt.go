package model

import "encoding/json"

// FeePayment is an amount paid in a fee token.
type FeePayment struct {
	Amount string `json:"amount"`
	Unit   string `json:"unit"`
}

// MessageToL1 is a message sent from L2 to L1 during execution.
type MessageToL1 struct {
	FromAddress string   `json:"from_address"`
	ToAddress   string   `json:"to_address"`
	Payload     []string `json:"payload"`
}

// Receipt is the execution outcome of a transaction.
type Receipt struct {
	TransactionHash    string          `json:"transaction_hash"`
	Type               TxType          `json:"type"`
	ActualFee          FeePayment      `json:"actual_fee"`
	ExecutionStatus    string          `json:"execution_status"`
	FinalityStatus     string          `json:"finality_status"`
	BlockHash          string          `json:"block_hash"`
	BlockNumber        uint64          `json:"block_number"`
	MessagesSent       []MessageToL1   `json:"messages_sent"`
	Events             []Event         `json:"events"`
	ExecutionResources json.RawMessage `json:"execution_resources"`
	RevertReason       *string         `json:"revert_reason,omitempty"`
	ContractAddress    *string         `json:"contract_address,omitempty"`
	MessageHash        *string         `json:"message_hash,omitempty"`
}
