package syncstore

// Row types mirror the sync store tables. Nullable columns are pointers.

type BlockRow struct {
	ChainID          uint64
	Number           uint64
	Timestamp        uint64
	Hash             string
	ParentHash       string
	NewRoot          string
	SequencerAddress string
	StarknetVersion  string
	Status           string
	L1DAMode         string
	L1GasPrice       string
	L1DataGasPrice   string
}

type TransactionRow struct {
	ChainID               uint64
	BlockNumber           uint64
	TransactionIndex      uint64
	Hash                  string
	Type                  string
	Version               string
	SenderAddress         *string
	Nonce                 *string
	Calldata              *string
	Signature             *string
	MaxFee                *string
	ResourceBounds        *string
	Tip                   *string
	PaymasterData         *string
	AccountDeploymentData *string
	NonceDAMode           *string
	FeeDAMode             *string
	ClassHash             *string
	CompiledClassHash     *string
	ContractAddressSalt   *string
	ConstructorCalldata   *string
	ContractAddress       *string
	EntryPointSelector    *string
}

type TransactionReceiptRow struct {
	ChainID            uint64
	BlockNumber        uint64
	TransactionIndex   uint64
	TransactionHash    string
	ActualFee          string
	FeeUnit            string
	ExecutionStatus    string
	FinalityStatus     string
	ExecutionResources string
	MessagesSent       string
	RevertReason       *string
	ContractAddress    *string
	MessageHash        *string
}

type LogRow struct {
	ChainID          uint64
	BlockNumber      uint64
	TransactionIndex uint64
	LogIndex         uint64
	BlockHash        string
	TransactionHash  string
	Address          string
	Topic0           *string
	Topic1           *string
	Topic2           *string
	Topic3           *string
	Keys             string
	Data             string
}

type TraceRow struct {
	ChainID            uint64
	BlockNumber        uint64
	TransactionIndex   uint64
	TraceIndex         int
	TransactionHash    string
	Type               string
	From               *string
	To                 *string
	EntryPointSelector *string
	Input              string
	Output             string
	Resources          *string
	Error              *string
	Subcalls           int
}
