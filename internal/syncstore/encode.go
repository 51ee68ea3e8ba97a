// Package syncstore maps decoded chain objects to sync store rows. Every address and
// hash goes through the felt codec; variable-shape substructures are stored as JSON text.
package syncstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"starkscope/internal/felt"
	"starkscope/internal/model"
)

// EncodeBlock maps a block to its row.
func EncodeBlock(chainID uint64, b *model.Block) (BlockRow, error) {
	var (
		row = BlockRow{
			ChainID:         chainID,
			Number:          b.BlockNumber,
			Timestamp:       b.Timestamp,
			StarknetVersion: b.StarknetVersion,
			Status:          b.Status,
			L1DAMode:        b.L1DAMode,
		}
		err error
	)
	if row.Hash, err = hexField("block_hash", b.BlockHash); err != nil {
		return BlockRow{}, err
	}
	if row.ParentHash, err = hexField("parent_hash", b.ParentHash); err != nil {
		return BlockRow{}, err
	}
	if row.NewRoot, err = hexField("new_root", b.NewRoot); err != nil {
		return BlockRow{}, err
	}
	if row.SequencerAddress, err = hexField("sequencer_address", b.SequencerAddress); err != nil {
		return BlockRow{}, err
	}
	if row.L1GasPrice, err = jsonText(b.L1GasPrice); err != nil {
		return BlockRow{}, err
	}
	if row.L1DataGasPrice, err = jsonText(b.L1DataGasPrice); err != nil {
		return BlockRow{}, err
	}
	return row, nil
}

// EncodeTransaction maps a transaction of any kind to its row. Columns the kind does not
// carry stay nil.
func EncodeTransaction(chainID, blockNumber uint64, tx model.Transaction) (TransactionRow, error) {
	common := tx.Common()
	hash, err := hexField("transaction_hash", common.Hash)
	if err != nil {
		return TransactionRow{}, err
	}
	row := TransactionRow{
		ChainID:          chainID,
		BlockNumber:      blockNumber,
		TransactionIndex: common.Index,
		Hash:             hash,
		Type:             string(tx.Type()),
		Version:          common.Version,
	}

	e := &encoder{}
	switch t := tx.(type) {
	case model.InvokeTransaction:
		row.SenderAddress = e.hex("sender_address", &t.SenderAddress)
		row.Nonce = t.Nonce
		row.Calldata = e.json(t.Calldata)
		row.Signature = e.json(t.Signature)
		row.EntryPointSelector = e.hex("entry_point_selector", t.EntryPointSelector)
		row.AccountDeploymentData = e.jsonOmitEmpty(t.AccountDeploymentData)
		e.fees(&row, t.FeeFields)
	case model.DeclareTransaction:
		row.SenderAddress = e.hex("sender_address", &t.SenderAddress)
		row.ClassHash = e.hex("class_hash", &t.ClassHash)
		row.CompiledClassHash = e.hex("compiled_class_hash", t.CompiledClassHash)
		row.Nonce = t.Nonce
		row.Signature = e.json(t.Signature)
		row.AccountDeploymentData = e.jsonOmitEmpty(t.AccountDeploymentData)
		e.fees(&row, t.FeeFields)
	case model.DeployTransaction:
		row.ClassHash = e.hex("class_hash", &t.ClassHash)
		row.ContractAddressSalt = e.hex("contract_address_salt", &t.ContractAddressSalt)
		row.ConstructorCalldata = e.json(t.ConstructorCalldata)
	case model.DeployAccountTransaction:
		row.ClassHash = e.hex("class_hash", &t.ClassHash)
		row.ContractAddressSalt = e.hex("contract_address_salt", &t.ContractAddressSalt)
		row.ConstructorCalldata = e.json(t.ConstructorCalldata)
		row.Signature = e.json(t.Signature)
		row.Nonce = &t.Nonce
		e.fees(&row, t.FeeFields)
	case model.L1HandlerTransaction:
		row.ContractAddress = e.hex("contract_address", &t.ContractAddress)
		row.EntryPointSelector = e.hex("entry_point_selector", &t.EntryPointSelector)
		row.Calldata = e.json(t.Calldata)
		row.Nonce = &t.Nonce
	default:
		return TransactionRow{}, fmt.Errorf("unsupported transaction %T", tx)
	}
	if e.err != nil {
		return TransactionRow{}, fmt.Errorf("transaction %s: %w", hash, e.err)
	}
	return row, nil
}

// EncodeTransactionReceipt maps a receipt to its row.
func EncodeTransactionReceipt(chainID, blockNumber, txIndex uint64, r *model.Receipt) (TransactionReceiptRow, error) {
	hash, err := hexField("transaction_hash", r.TransactionHash)
	if err != nil {
		return TransactionReceiptRow{}, err
	}
	e := &encoder{}
	row := TransactionReceiptRow{
		ChainID:          chainID,
		BlockNumber:      blockNumber,
		TransactionIndex: txIndex,
		TransactionHash:  hash,
		ActualFee:        r.ActualFee.Amount,
		FeeUnit:          r.ActualFee.Unit,
		ExecutionStatus:  r.ExecutionStatus,
		FinalityStatus:   r.FinalityStatus,
		RevertReason:     sanitizePtr(r.RevertReason),
		ContractAddress:  e.hex("contract_address", r.ContractAddress),
		MessageHash:      r.MessageHash,
	}
	row.ExecutionResources = "null"
	if len(r.ExecutionResources) > 0 {
		row.ExecutionResources = string(r.ExecutionResources)
	}
	if messages := e.json(nonNil(r.MessagesSent)); messages != nil {
		row.MessagesSent = *messages
	}
	if e.err != nil {
		return TransactionReceiptRow{}, fmt.Errorf("receipt %s: %w", hash, e.err)
	}
	return row, nil
}

// EncodeLog maps an event to its row. The first four keys fill topic0..topic3 and the full
// key list is kept as JSON.
func EncodeLog(chainID uint64, ev model.Event) (LogRow, error) {
	address, err := hexField("from_address", ev.FromAddress)
	if err != nil {
		return LogRow{}, err
	}
	keys := make([]string, len(ev.Keys))
	for i, k := range ev.Keys {
		if keys[i], err = hexField("keys", k); err != nil {
			return LogRow{}, err
		}
	}
	data, err := EncodeData(ev.Data)
	if err != nil {
		return LogRow{}, err
	}
	keysJSON, err := jsonText(keys)
	if err != nil {
		return LogRow{}, err
	}

	row := LogRow{
		ChainID:          chainID,
		BlockNumber:      ev.BlockNumber,
		TransactionIndex: ev.TransactionIndex,
		LogIndex:         ev.LogIndex,
		Address:          address,
		Keys:             keysJSON,
		Data:             data,
	}
	if row.BlockHash, err = hexField("block_hash", ev.BlockHash); err != nil {
		return LogRow{}, err
	}
	if row.TransactionHash, err = hexField("transaction_hash", ev.TransactionHash); err != nil {
		return LogRow{}, err
	}
	topics := []**string{&row.Topic0, &row.Topic1, &row.Topic2, &row.Topic3}
	for i := 0; i < len(topics) && i < len(keys); i++ {
		k := keys[i]
		*topics[i] = &k
	}
	return row, nil
}

// EncodeTrace maps one flattened call-graph node to its row.
func EncodeTrace(chainID, blockNumber, txIndex uint64, txHash string, tr model.Trace) (TraceRow, error) {
	hash, err := hexField("transaction_hash", txHash)
	if err != nil {
		return TraceRow{}, err
	}
	e := &encoder{}
	row := TraceRow{
		ChainID:            chainID,
		BlockNumber:        blockNumber,
		TransactionIndex:   txIndex,
		TraceIndex:         tr.TraceIndex,
		TransactionHash:    hash,
		Type:               tr.Type,
		EntryPointSelector: e.hex("entry_point_selector", nonEmpty(tr.EntryPointSelector)),
		Subcalls:           tr.Subcalls,
	}
	row.From = e.hex("caller_address", nonEmpty(tr.From))
	row.To = e.hex("contract_address", nonEmpty(tr.To))
	if input := e.json(nonNil(tr.Input)); input != nil {
		row.Input = *input
	}
	if output := e.json(nonNil(tr.Output)); output != nil {
		row.Output = *output
	}
	if len(tr.Resources) > 0 {
		resources := string(tr.Resources)
		row.Resources = &resources
	}
	row.Error = sanitizePtr(nonEmpty(tr.Error))
	if e.err != nil {
		return TraceRow{}, fmt.Errorf("trace %s/%d: %w", hash, tr.TraceIndex, e.err)
	}
	return row, nil
}

// EncodeData serializes event data felts as "0x" followed by each felt's 64 hex digits.
func EncodeData(data []string) (string, error) {
	var b strings.Builder
	b.Grow(2 + len(data)*felt.Width)
	b.WriteString("0x")
	for _, d := range data {
		h, err := hexField("data", d)
		if err != nil {
			return "", err
		}
		b.WriteString(h[2:])
	}
	return b.String(), nil
}

// DecodeData splits a serialized data payload back into canonical felts.
func DecodeData(payload string) ([]string, error) {
	if !strings.HasPrefix(payload, "0x") {
		return nil, fmt.Errorf("data payload: %w", felt.ErrInvalidHex)
	}
	body := payload[2:]
	if len(body)%felt.Width != 0 {
		return nil, fmt.Errorf("data payload length %d is not a multiple of %d", len(body), felt.Width)
	}
	out := make([]string, 0, len(body)/felt.Width)
	for i := 0; i < len(body); i += felt.Width {
		word, err := felt.ToHex64("0x" + body[i:i+felt.Width])
		if err != nil {
			return nil, fmt.Errorf("data payload word %d: %w", i/felt.Width, err)
		}
		out = append(out, word)
	}
	return out, nil
}

// encoder accumulates the first error across field conversions.
type encoder struct {
	err error
}

func (e *encoder) hex(field string, v *string) *string {
	if v == nil || e.err != nil {
		return nil
	}
	h, err := hexField(field, *v)
	if err != nil {
		e.err = err
		return nil
	}
	return &h
}

func (e *encoder) json(v any) *string {
	if e.err != nil {
		return nil
	}
	s, err := jsonText(v)
	if err != nil {
		e.err = err
		return nil
	}
	return &s
}

func (e *encoder) jsonOmitEmpty(v []string) *string {
	if len(v) == 0 {
		return nil
	}
	return e.json(v)
}

func (e *encoder) fees(row *TransactionRow, f model.FeeFields) {
	row.MaxFee = f.MaxFee
	row.Tip = f.Tip
	row.NonceDAMode = f.NonceDAMode
	row.FeeDAMode = f.FeeDAMode
	if f.ResourceBounds != nil {
		row.ResourceBounds = e.json(f.ResourceBounds)
	}
	row.PaymasterData = e.jsonOmitEmpty(f.PaymasterData)
}

func hexField(field, v string) (string, error) {
	h, err := felt.ToHex64(v)
	if err != nil {
		return "", fmt.Errorf("%s: %w", field, err)
	}
	return h, nil
}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
