package abi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"starkscope/internal/felt"
)

// ErrTruncated is returned when a payload ends before every member was decoded.
var ErrTruncated = errors.New("payload truncated")

// fieldPrime is the Starknet field modulus 2^251 + 17*2^192 + 1.
var fieldPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 251)
	p.Add(p, new(big.Int).Mul(big.NewInt(17), new(big.Int).Lsh(big.NewInt(1), 192)))
	return p.Add(p, big.NewInt(1))
}()

var halfPrime = new(big.Int).Rsh(fieldPrime, 1)

type reader struct {
	felts []string
	pos   int
}

func (r *reader) next() (*big.Int, string, error) {
	if r.pos >= len(r.felts) {
		return nil, "", ErrTruncated
	}
	raw := r.felts[r.pos]
	r.pos++
	v, err := felt.HexToBig(raw)
	if err != nil {
		return nil, "", err
	}
	return v, raw, nil
}

func (r *reader) remaining() int {
	return len(r.felts) - r.pos
}

type decodeFunc func(a *ABI, typ string, r *reader) (any, error)

// decoders maps a type's base name to its decode function. Types not listed here are
// resolved against the ABI's struct and enum definitions.
var decoders map[string]decodeFunc

func init() {
	decoders = map[string]decodeFunc{
		"felt":            decodeFelt,
		"felt252":         decodeFelt,
		"ContractAddress": decodeFelt,
		"ClassHash":       decodeFelt,
		"StorageAddress":  decodeFelt,
		"EthAddress":      decodeFelt,
		"bytes31":         decodeFelt,
		"bool":            decodeBool,
		"u8":              decodeUnsigned(8),
		"u16":             decodeUnsigned(16),
		"u32":             decodeUnsigned(32),
		"u64":             decodeUnsigned(64),
		"u128":            decodeUnsigned(128),
		"usize":           decodeUnsigned(64),
		"i8":              decodeSigned(8),
		"i16":             decodeSigned(16),
		"i32":             decodeSigned(32),
		"i64":             decodeSigned(64),
		"i128":            decodeSigned(128),
		"u256":            decodeU256,
		"Array":           decodeArray,
		"Span":            decodeArray,
		"ByteArray":       decodeByteArray,
	}
}

// DecodeEvent decodes an emitted event's keys and data against its metadata. keys[0]
// is the selector and is not part of the arguments. Any surplus or missing felts
// fail the decode.
func (a *ABI) DecodeEvent(meta *Meta, keys []string, data []string) (map[string]any, error) {
	if meta == nil {
		return nil, fmt.Errorf("nil event metadata")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s: missing selector key", meta.FullName)
	}
	keyReader := &reader{felts: keys[1:]}
	dataReader := &reader{felts: data}

	args := make(map[string]any, len(meta.Item.Members))
	for _, m := range meta.Item.Members {
		r := dataReader
		if m.Kind == KindKey {
			r = keyReader
		}
		v, err := a.decode(m.Type, r, 0)
		if err != nil {
			return nil, fmt.Errorf("%s.%s (%s): %w", meta.FullName, m.Name, m.Type, err)
		}
		args[m.Name] = v
	}
	if n := keyReader.remaining(); n > 0 {
		return nil, fmt.Errorf("%s: %d unexpected trailing keys", meta.FullName, n)
	}
	if n := dataReader.remaining(); n > 0 {
		return nil, fmt.Errorf("%s: %d unexpected trailing data felts", meta.FullName, n)
	}
	return args, nil
}

func (a *ABI) decode(typ string, r *reader, depth int) (any, error) {
	if depth > 32 {
		return nil, fmt.Errorf("%w: type nesting too deep at %s", ErrUnsupportedType, typ)
	}
	typ = strings.TrimSpace(typ)
	if typ == "()" {
		return nil, nil
	}
	if fn, ok := decoders[BaseName(typ)]; ok {
		return fn(a, typ, r)
	}
	if isTupleLiteral(typ) {
		elems := splitTuple(typ)
		out := make([]any, 0, len(elems))
		for _, elem := range elems {
			v, err := a.decode(elem, r, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	if item, ok := a.structs[typ]; ok {
		out := make(map[string]any, len(item.Members))
		for _, m := range item.Members {
			v, err := a.decode(m.Type, r, depth+1)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", m.Name, err)
			}
			out[m.Name] = v
		}
		return out, nil
	}
	if item, ok := a.enums[typ]; ok {
		idx, _, err := r.next()
		if err != nil {
			return nil, err
		}
		if !idx.IsInt64() || idx.Int64() >= int64(len(item.Variants)) {
			return nil, fmt.Errorf("variant index %s out of range for %s", idx, typ)
		}
		variant := item.Variants[idx.Int64()]
		v, err := a.decode(variant.Type, r, depth+1)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", variant.Name, err)
		}
		return map[string]any{"variant": variant.Name, "value": v}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, typ)
}

func decodeFelt(_ *ABI, _ string, r *reader) (any, error) {
	v, _, err := r.next()
	if err != nil {
		return nil, err
	}
	return felt.BigToHex64(v)
}

func decodeBool(_ *ABI, _ string, r *reader) (any, error) {
	v, raw, err := r.next()
	if err != nil {
		return nil, err
	}
	switch {
	case v.Sign() == 0:
		return false, nil
	case v.Cmp(big.NewInt(1)) == 0:
		return true, nil
	default:
		return nil, fmt.Errorf("invalid bool %s", raw)
	}
}

func decodeUnsigned(bits uint) decodeFunc {
	return func(_ *ABI, typ string, r *reader) (any, error) {
		v, raw, err := r.next()
		if err != nil {
			return nil, err
		}
		if v.BitLen() > int(bits) {
			return nil, fmt.Errorf("%s overflows %s", raw, typ)
		}
		if bits <= 64 {
			return v.Uint64(), nil
		}
		return v, nil
	}
}

func decodeSigned(bits uint) decodeFunc {
	return func(_ *ABI, typ string, r *reader) (any, error) {
		v, raw, err := r.next()
		if err != nil {
			return nil, err
		}
		if v.Cmp(halfPrime) > 0 {
			v = new(big.Int).Sub(v, fieldPrime)
		}
		limit := new(big.Int).Lsh(big.NewInt(1), bits-1)
		if v.Cmp(limit) >= 0 || v.Cmp(new(big.Int).Neg(limit)) < 0 {
			return nil, fmt.Errorf("%s overflows %s", raw, typ)
		}
		if bits <= 64 {
			return v.Int64(), nil
		}
		return v, nil
	}
}

func decodeU256(_ *ABI, _ string, r *reader) (any, error) {
	low, _, err := r.next()
	if err != nil {
		return nil, err
	}
	high, _, err := r.next()
	if err != nil {
		return nil, err
	}
	if low.BitLen() > 128 || high.BitLen() > 128 {
		return nil, fmt.Errorf("u256 limb overflows 128 bits")
	}
	return new(big.Int).Add(new(big.Int).Lsh(high, 128), low), nil
}

func decodeArray(a *ABI, typ string, r *reader) (any, error) {
	start := strings.Index(typ, "<")
	end := strings.LastIndex(typ, ">")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: malformed generic %s", ErrUnsupportedType, typ)
	}
	elem := typ[start+1 : end]

	n, _, err := r.next()
	if err != nil {
		return nil, err
	}
	if !n.IsInt64() || n.Int64() > int64(r.remaining()) {
		return nil, fmt.Errorf("%w: array length %s exceeds payload", ErrTruncated, n)
	}
	out := make([]any, 0, n.Int64())
	for i := int64(0); i < n.Int64(); i++ {
		v, err := a.decode(elem, r, 1)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// decodeByteArray reads the Cairo ByteArray layout: word count, full 31-byte words,
// pending word, pending word length.
func decodeByteArray(_ *ABI, _ string, r *reader) (any, error) {
	n, _, err := r.next()
	if err != nil {
		return nil, err
	}
	if !n.IsInt64() || n.Int64() > int64(r.remaining()) {
		return nil, fmt.Errorf("%w: byte array length %s exceeds payload", ErrTruncated, n)
	}
	var sb strings.Builder
	for i := int64(0); i < n.Int64(); i++ {
		word, _, err := r.next()
		if err != nil {
			return nil, err
		}
		if word.BitLen() > 31*8 {
			return nil, fmt.Errorf("byte array word %d wider than 31 bytes", i)
		}
		sb.Write(word.FillBytes(make([]byte, 31)))
	}
	pending, _, err := r.next()
	if err != nil {
		return nil, err
	}
	pendingLen, _, err := r.next()
	if err != nil {
		return nil, err
	}
	if !pendingLen.IsInt64() || pendingLen.Int64() > 30 {
		return nil, fmt.Errorf("invalid pending word length %s", pendingLen)
	}
	if pendingLen.Int64() > 0 {
		if pending.BitLen() > int(pendingLen.Int64())*8 {
			return nil, fmt.Errorf("pending word wider than %s bytes", pendingLen)
		}
		sb.Write(pending.FillBytes(make([]byte, pendingLen.Int64())))
	}
	return sb.String(), nil
}
