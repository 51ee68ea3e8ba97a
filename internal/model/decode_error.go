package model

// DecodeError records an event that could not be parsed against its ABI. The event
// is skipped, not dropped silently.
type DecodeError struct {
	ChainID     uint64 `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint64 `json:"log_index"`
	Address     string `json:"address"`
	Selector    string `json:"selector"`
	Event       string `json:"event,omitempty"`
	Error       string `json:"error"`
}
