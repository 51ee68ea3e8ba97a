package abi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FeltWidth is the serialized width of one felt in the data payload (64 hex digits).
const FeltWidth = 64

// ErrUnsupportedType is returned for types without a fixed serialized width.
var ErrUnsupportedType = errors.New("unsupported abi type")

var singleFelt = map[string]struct{}{
	"felt":            {},
	"felt252":         {},
	"ContractAddress": {},
	"ClassHash":       {},
	"EthAddress":      {},
	"StorageAddress":  {},
	"bytes31":         {},
	"bool":            {},
	"u8":              {},
	"u16":             {},
	"u32":             {},
	"u64":             {},
	"u128":            {},
	"i8":              {},
	"i16":             {},
	"i32":             {},
	"i64":             {},
	"i128":            {},
	"usize":           {},
}

var multiFelt = map[string]int{
	"u256": 2,
	"u512": 4,
}

var dynamicTypes = map[string]struct{}{
	"Array":     {},
	"Span":      {},
	"ByteArray": {},
}

var addressTypes = map[string]struct{}{
	"ContractAddress": {},
	"felt252":         {},
	"felt":            {},
	"address":         {},
}

// BaseName returns the short name of a type, ignoring generic arguments:
// "core::array::Array::<core::felt252>" yields "Array".
func BaseName(typ string) string {
	if idx := strings.Index(typ, "<"); idx >= 0 {
		typ = strings.TrimSuffix(typ[:idx], "::")
	}
	return ShortName(typ)
}

// IsAddressType reports whether typ can carry a contract address.
func IsAddressType(typ string) bool {
	_, ok := addressTypes[BaseName(typ)]
	return ok
}

// IsTuple reports whether typ is a tuple or an ABI-defined struct.
func (a *ABI) IsTuple(typ string) bool {
	if isTupleLiteral(typ) {
		return true
	}
	_, ok := a.structs[typ]
	return ok && !isFixedCore(typ)
}

// BytesConsumed returns the serialized width of a member.
func (a *ABI) BytesConsumed(member Member) (int, error) {
	w, err := a.width(member.Type, 0)
	if err != nil {
		return 0, fmt.Errorf("member %q: %w", member.Name, err)
	}
	return w, nil
}

// NestedOffset walks a dot-separated path (already split) into nested tuples or structs
// and returns the offset of the terminal field relative to the start of member.
func (a *ABI) NestedOffset(member Member, path []string) (int, error) {
	if len(path) == 0 {
		return 0, nil
	}
	children, err := a.children(member)
	if err != nil {
		return 0, err
	}

	offset := 0
	for _, child := range children {
		if child.Name == path[0] {
			if len(path) == 1 {
				if _, err := a.BytesConsumed(child); err != nil {
					return 0, err
				}
				return offset, nil
			}
			rest, err := a.NestedOffset(child, path[1:])
			if err != nil {
				return 0, err
			}
			return offset + rest, nil
		}
		w, err := a.BytesConsumed(child)
		if err != nil {
			return 0, err
		}
		offset += w
	}

	names := make([]string, 0, len(children))
	for _, child := range children {
		names = append(names, child.Name)
	}
	return 0, fmt.Errorf("no field %q in %q (%s); fields: %s", path[0], member.Name, member.Type, strings.Join(names, ", "))
}

func (a *ABI) children(member Member) ([]Member, error) {
	if _, ok := dynamicTypes[BaseName(member.Type)]; ok {
		return nil, fmt.Errorf("%w: cannot address into dynamic member %q (%s)", ErrUnsupportedType, member.Name, member.Type)
	}
	if isTupleLiteral(member.Type) {
		elems := splitTuple(member.Type)
		out := make([]Member, 0, len(elems))
		for i, elem := range elems {
			out = append(out, Member{Name: strconv.Itoa(i), Type: elem})
		}
		return out, nil
	}
	if item, ok := a.structs[member.Type]; ok {
		return item.Members, nil
	}
	return nil, fmt.Errorf("member %q of type %s is not a tuple", member.Name, member.Type)
}

func (a *ABI) width(typ string, depth int) (int, error) {
	if depth > 32 {
		return 0, fmt.Errorf("%w: type nesting too deep at %s", ErrUnsupportedType, typ)
	}
	typ = strings.TrimSpace(typ)
	if typ == "()" {
		return 0, nil
	}
	base := BaseName(typ)
	if _, ok := dynamicTypes[base]; ok {
		return 0, fmt.Errorf("%w: %s has no fixed width", ErrUnsupportedType, typ)
	}
	if n, ok := multiFelt[base]; ok {
		return n * FeltWidth, nil
	}
	if _, ok := singleFelt[base]; ok {
		return FeltWidth, nil
	}
	if isTupleLiteral(typ) {
		total := 0
		for _, elem := range splitTuple(typ) {
			w, err := a.width(elem, depth+1)
			if err != nil {
				return 0, err
			}
			total += w
		}
		return total, nil
	}
	if item, ok := a.structs[typ]; ok {
		total := 0
		for _, m := range item.Members {
			w, err := a.width(m.Type, depth+1)
			if err != nil {
				return 0, err
			}
			total += w
		}
		return total, nil
	}
	if _, ok := a.enums[typ]; ok {
		return 0, fmt.Errorf("%w: enum %s has no fixed width", ErrUnsupportedType, typ)
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, typ)
}

// isFixedCore reports core types that ABIs sometimes also declare as structs (u256).
func isFixedCore(typ string) bool {
	_, ok := multiFelt[BaseName(typ)]
	return ok
}

func isTupleLiteral(typ string) bool {
	typ = strings.TrimSpace(typ)
	return len(typ) > 2 && typ[0] == '(' && typ[len(typ)-1] == ')'
}

// splitTuple splits "(a, b<c, d>, (e, f))" into its top-level element types.
func splitTuple(typ string) []string {
	inner := strings.TrimSpace(typ)
	inner = inner[1 : len(inner)-1]
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '(', '<':
			depth++
		case ')', '>':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(inner[start:i]))
				start = i + 1
			}
		}
	}
	if last := strings.TrimSpace(inner[start:]); last != "" {
		out = append(out, last)
	}
	return out
}
