package model

import (
	"encoding/json"
	"fmt"
)

// TxType tags the transaction variant.
type TxType string

const (
	TxInvoke        TxType = "INVOKE"
	TxDeclare       TxType = "DECLARE"
	TxDeploy        TxType = "DEPLOY"
	TxDeployAccount TxType = "DEPLOY_ACCOUNT"
	TxL1Handler     TxType = "L1_HANDLER"
)

// Transaction is one of InvokeTransaction, DeclareTransaction, DeployTransaction,
// DeployAccountTransaction or L1HandlerTransaction. Variant-specific fields are only
// reachable through the concrete type.
type Transaction interface {
	Type() TxType
	Common() TxCommon
	withIndex(i uint64) Transaction
}

// TxCommon holds fields shared by every variant.
type TxCommon struct {
	Hash    string `json:"transaction_hash"`
	Version string `json:"version"`
	Index   uint64 `json:"-"`
}

// ResourceBound caps one resource of a v3 transaction.
type ResourceBound struct {
	MaxAmount       string `json:"max_amount"`
	MaxPricePerUnit string `json:"max_price_per_unit"`
}

// ResourceBounds lists the resource caps of a v3 transaction.
type ResourceBounds struct {
	L1Gas     ResourceBound  `json:"l1_gas"`
	L2Gas     ResourceBound  `json:"l2_gas"`
	L1DataGas *ResourceBound `json:"l1_data_gas,omitempty"`
}

// FeeFields are the fee settings of account transactions. MaxFee is set up to v2,
// the remaining fields from v3 on.
type FeeFields struct {
	MaxFee         *string         `json:"max_fee,omitempty"`
	ResourceBounds *ResourceBounds `json:"resource_bounds,omitempty"`
	Tip            *string         `json:"tip,omitempty"`
	PaymasterData  []string        `json:"paymaster_data,omitempty"`
	NonceDAMode    *string         `json:"nonce_data_availability_mode,omitempty"`
	FeeDAMode      *string         `json:"fee_data_availability_mode,omitempty"`
}

type InvokeTransaction struct {
	TxCommon
	FeeFields
	SenderAddress         string   `json:"sender_address"`
	Calldata              []string `json:"calldata"`
	Signature             []string `json:"signature"`
	Nonce                 *string  `json:"nonce,omitempty"`
	EntryPointSelector    *string  `json:"entry_point_selector,omitempty"`
	AccountDeploymentData []string `json:"account_deployment_data,omitempty"`
}

type DeclareTransaction struct {
	TxCommon
	FeeFields
	SenderAddress         string   `json:"sender_address"`
	ClassHash             string   `json:"class_hash"`
	CompiledClassHash     *string  `json:"compiled_class_hash,omitempty"`
	Signature             []string `json:"signature"`
	Nonce                 *string  `json:"nonce,omitempty"`
	AccountDeploymentData []string `json:"account_deployment_data,omitempty"`
}

type DeployTransaction struct {
	TxCommon
	ClassHash           string   `json:"class_hash"`
	ContractAddressSalt string   `json:"contract_address_salt"`
	ConstructorCalldata []string `json:"constructor_calldata"`
}

type DeployAccountTransaction struct {
	TxCommon
	FeeFields
	ClassHash           string   `json:"class_hash"`
	ContractAddressSalt string   `json:"contract_address_salt"`
	ConstructorCalldata []string `json:"constructor_calldata"`
	Signature           []string `json:"signature"`
	Nonce               string   `json:"nonce"`
}

type L1HandlerTransaction struct {
	TxCommon
	ContractAddress    string   `json:"contract_address"`
	EntryPointSelector string   `json:"entry_point_selector"`
	Calldata           []string `json:"calldata"`
	Nonce              string   `json:"nonce"`
}

func (InvokeTransaction) Type() TxType        { return TxInvoke }
func (DeclareTransaction) Type() TxType       { return TxDeclare }
func (DeployTransaction) Type() TxType        { return TxDeploy }
func (DeployAccountTransaction) Type() TxType { return TxDeployAccount }
func (L1HandlerTransaction) Type() TxType     { return TxL1Handler }

func (t InvokeTransaction) Common() TxCommon        { return t.TxCommon }
func (t DeclareTransaction) Common() TxCommon       { return t.TxCommon }
func (t DeployTransaction) Common() TxCommon        { return t.TxCommon }
func (t DeployAccountTransaction) Common() TxCommon { return t.TxCommon }
func (t L1HandlerTransaction) Common() TxCommon     { return t.TxCommon }

func (t InvokeTransaction) withIndex(i uint64) Transaction        { t.Index = i; return t }
func (t DeclareTransaction) withIndex(i uint64) Transaction       { t.Index = i; return t }
func (t DeployTransaction) withIndex(i uint64) Transaction        { t.Index = i; return t }
func (t DeployAccountTransaction) withIndex(i uint64) Transaction { t.Index = i; return t }
func (t L1HandlerTransaction) withIndex(i uint64) Transaction     { t.Index = i; return t }

// WithIndex returns a copy of tx positioned at index i within its block.
func WithIndex(tx Transaction, i uint64) Transaction {
	return tx.withIndex(i)
}

// UnmarshalTransaction decodes a JSON transaction into its variant.
func UnmarshalTransaction(raw json.RawMessage) (Transaction, error) {
	var head struct {
		Type            TxType `json:"type"`
		ContractAddress string `json:"contract_address"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case TxInvoke:
		var tx InvokeTransaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return nil, err
		}
		// v0 invokes name the target contract_address instead of sender_address.
		if tx.SenderAddress == "" {
			tx.SenderAddress = head.ContractAddress
		}
		return tx, nil
	case TxDeclare:
		var tx DeclareTransaction
		err := json.Unmarshal(raw, &tx)
		return tx, err
	case TxDeploy:
		var tx DeployTransaction
		err := json.Unmarshal(raw, &tx)
		return tx, err
	case TxDeployAccount:
		var tx DeployAccountTransaction
		err := json.Unmarshal(raw, &tx)
		return tx, err
	case TxL1Handler:
		var tx L1HandlerTransaction
		err := json.Unmarshal(raw, &tx)
		return tx, err
	default:
		return nil, fmt.Errorf("unknown transaction type %q", head.Type)
	}
}
