package syncstore

import (
	"encoding/json"
	"fmt"

	"starkscope/internal/model"
)

// DecodeTransactionRow rebuilds the transaction variant stored in row.
func DecodeTransactionRow(row TransactionRow) (model.Transaction, error) {
	common := model.TxCommon{Hash: row.Hash, Version: row.Version, Index: row.TransactionIndex}
	d := &decoder{}

	var tx model.Transaction
	switch model.TxType(row.Type) {
	case model.TxInvoke:
		tx = model.InvokeTransaction{
			TxCommon:              common,
			FeeFields:             d.fees(row),
			SenderAddress:         deref(row.SenderAddress),
			Calldata:              d.list(row.Calldata),
			Signature:             d.list(row.Signature),
			Nonce:                 row.Nonce,
			EntryPointSelector:    row.EntryPointSelector,
			AccountDeploymentData: d.list(row.AccountDeploymentData),
		}
	case model.TxDeclare:
		tx = model.DeclareTransaction{
			TxCommon:              common,
			FeeFields:             d.fees(row),
			SenderAddress:         deref(row.SenderAddress),
			ClassHash:             deref(row.ClassHash),
			CompiledClassHash:     row.CompiledClassHash,
			Signature:             d.list(row.Signature),
			Nonce:                 row.Nonce,
			AccountDeploymentData: d.list(row.AccountDeploymentData),
		}
	case model.TxDeploy:
		tx = model.DeployTransaction{
			TxCommon:            common,
			ClassHash:           deref(row.ClassHash),
			ContractAddressSalt: deref(row.ContractAddressSalt),
			ConstructorCalldata: d.list(row.ConstructorCalldata),
		}
	case model.TxDeployAccount:
		tx = model.DeployAccountTransaction{
			TxCommon:            common,
			FeeFields:           d.fees(row),
			ClassHash:           deref(row.ClassHash),
			ContractAddressSalt: deref(row.ContractAddressSalt),
			ConstructorCalldata: d.list(row.ConstructorCalldata),
			Signature:           d.list(row.Signature),
			Nonce:               deref(row.Nonce),
		}
	case model.TxL1Handler:
		tx = model.L1HandlerTransaction{
			TxCommon:           common,
			ContractAddress:    deref(row.ContractAddress),
			EntryPointSelector: deref(row.EntryPointSelector),
			Calldata:           d.list(row.Calldata),
			Nonce:              deref(row.Nonce),
		}
	default:
		return nil, fmt.Errorf("transaction %s: unknown type %q", row.Hash, row.Type)
	}
	if d.err != nil {
		return nil, fmt.Errorf("transaction %s: %w", row.Hash, d.err)
	}
	return tx, nil
}

type decoder struct {
	err error
}

func (d *decoder) list(s *string) []string {
	if s == nil || d.err != nil {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(*s), &out); err != nil {
		d.err = err
		return nil
	}
	return out
}

func (d *decoder) fees(row TransactionRow) model.FeeFields {
	f := model.FeeFields{
		MaxFee:        row.MaxFee,
		Tip:           row.Tip,
		PaymasterData: d.list(row.PaymasterData),
		NonceDAMode:   row.NonceDAMode,
		FeeDAMode:     row.FeeDAMode,
	}
	if row.ResourceBounds != nil && d.err == nil {
		var rb model.ResourceBounds
		if err := json.Unmarshal([]byte(*row.ResourceBounds), &rb); err != nil {
			d.err = err
		} else {
			f.ResourceBounds = &rb
		}
	}
	return f
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
