package model

// Event is one emitted event (log). Location fields are filled in by the indexer.
type Event struct {
	FromAddress      string   `json:"from_address"`
	Keys             []string `json:"keys"`
	Data             []string `json:"data"`
	BlockHash        string   `json:"block_hash,omitempty"`
	BlockNumber      uint64   `json:"block_number,omitempty"`
	TransactionHash  string   `json:"transaction_hash,omitempty"`
	TransactionIndex uint64   `json:"-"`
	LogIndex         uint64   `json:"-"`
}

// EventsPage is one page of starknet_getEvents.
type EventsPage struct {
	Events            []Event `json:"events"`
	ContinuationToken string  `json:"continuation_token,omitempty"`
}

// DecodedEvent is an event whose keys and data were parsed against a contract ABI.
type DecodedEvent struct {
	ChainID     uint64         `json:"chain_id"`
	BlockNumber uint64         `json:"block_number"`
	TxHash      string         `json:"tx_hash"`
	LogIndex    uint64         `json:"log_index"`
	Address     string         `json:"address"`
	EventName   string         `json:"event_name"`
	Selector    string         `json:"selector"`
	Args        map[string]any `json:"args"`
}
