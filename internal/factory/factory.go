// Package factory resolves factory discovery rules: which logs announce child contracts
// and where in those logs the child address lives.
package factory

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"starkscope/internal/abi"
	"starkscope/internal/felt"
	"starkscope/internal/model"
)

// Location tags for the child address.
const (
	locationTopicPrefix  = "topic"
	locationOffsetPrefix = "offset"
	maxTopicSlot         = 3
)

// Spec is a user-declared factory.
type Spec struct {
	ChainID       uint64
	Addresses     []string
	Event         *abi.Meta
	ABI           *abi.ABI
	ParameterPath string
	FromBlock     *uint64
	ToBlock       *uint64
}

// Factory is the canonical discovery rule derived from a Spec.
type Factory struct {
	ChainID              uint64
	Addresses            []string
	EventSelector        string
	ChildAddressLocation string
	FromBlock            *uint64
	ToBlock              *uint64
}

// ValidationError reports a parameter path that cannot be resolved against the event.
type ValidationError struct {
	Event     string
	Parameter string
	Reason    string
	Allowed   []string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("factory event %q parameter %q: %s", e.Event, e.Parameter, e.Reason)
	if len(e.Allowed) > 0 {
		msg += "; allowed: " + strings.Join(e.Allowed, ", ")
	}
	return msg
}

// Build resolves spec into a canonical Factory.
func Build(spec Spec) (Factory, error) {
	if spec.Event == nil {
		return Factory{}, fmt.Errorf("factory event is required")
	}
	if spec.ABI == nil {
		return Factory{}, fmt.Errorf("factory abi is required")
	}
	addresses, err := CanonicalAddresses(spec.Addresses)
	if err != nil {
		return Factory{}, err
	}
	if len(addresses) == 0 {
		return Factory{}, fmt.Errorf("factory requires at least one address")
	}

	location, err := ChildAddressLocation(spec.ABI, spec.Event, spec.ParameterPath)
	if err != nil {
		return Factory{}, err
	}

	return Factory{
		ChainID:              spec.ChainID,
		Addresses:            addresses,
		EventSelector:        abi.ComputeSelector(spec.Event.FullName),
		ChildAddressLocation: location,
		FromBlock:            spec.FromBlock,
		ToBlock:              spec.ToBlock,
	}, nil
}

// CanonicalAddresses hex-codecs, deduplicates and sorts addresses.
func CanonicalAddresses(inputs []string) ([]string, error) {
	seen := make(map[string]struct{}, len(inputs))
	out := make([]string, 0, len(inputs))
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		addr, err := felt.ToHex64(input)
		if err != nil {
			return nil, fmt.Errorf("factory address: %w", err)
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

// ChildAddressLocation resolves a dot-separated parameter path into either a topic slot
// ("topic1".."topic3") or a data payload offset ("offsetN").
func ChildAddressLocation(a *abi.ABI, event *abi.Meta, parameterPath string) (string, error) {
	segments := strings.Split(parameterPath, ".")
	head := segments[0]

	if len(segments) == 1 {
		for i, m := range abi.KeyMembers(event.Item) {
			if m.Name != head {
				continue
			}
			if i >= maxTopicSlot {
				return "", &ValidationError{
					Event:     event.FullName,
					Parameter: parameterPath,
					Reason:    fmt.Sprintf("key member at position %d is beyond topic%d", i+1, maxTopicSlot),
				}
			}
			return locationTopicPrefix + strconv.Itoa(i+1), nil
		}
	}

	data := abi.DataMembers(event.Item)
	offset := 0
	for _, m := range data {
		if m.Name != head {
			w, err := a.BytesConsumed(m)
			if err != nil {
				return "", fmt.Errorf("factory event %q: %w", event.FullName, err)
			}
			offset += w
			continue
		}

		if len(segments) == 1 {
			if !abi.IsAddressType(m.Type) {
				return "", &ValidationError{
					Event:     event.FullName,
					Parameter: parameterPath,
					Reason:    fmt.Sprintf("type %s is not an address type", m.Type),
				}
			}
			return locationOffsetPrefix + strconv.Itoa(offset), nil
		}

		if !a.IsTuple(m.Type) {
			return "", &ValidationError{
				Event:     event.FullName,
				Parameter: parameterPath,
				Reason:    fmt.Sprintf("type %s is not a tuple and has no field %q", m.Type, segments[1]),
			}
		}
		nested, err := a.NestedOffset(m, segments[1:])
		if err != nil {
			return "", &ValidationError{Event: event.FullName, Parameter: parameterPath, Reason: err.Error()}
		}
		return locationOffsetPrefix + strconv.Itoa(offset+nested), nil
	}

	allowed := make([]string, 0, len(event.Item.Members))
	for _, m := range event.Item.Members {
		allowed = append(allowed, m.Name)
	}
	return "", &ValidationError{
		Event:     event.FullName,
		Parameter: parameterPath,
		Reason:    "parameter not found",
		Allowed:   allowed,
	}
}

// ID is the deterministic identity used to deduplicate factories in storage.
func (f Factory) ID() string {
	return strings.Join([]string{
		strconv.FormatUint(f.ChainID, 10),
		strings.Join(f.Addresses, "."),
		f.EventSelector,
		f.ChildAddressLocation,
		formatBound(f.FromBlock),
		formatBound(f.ToBlock),
	}, "_")
}

// InRange reports whether blockNumber falls inside the factory's optional bounds.
func (f Factory) InRange(blockNumber uint64) bool {
	if f.FromBlock != nil && blockNumber < *f.FromBlock {
		return false
	}
	if f.ToBlock != nil && blockNumber > *f.ToBlock {
		return false
	}
	return true
}

// Matches reports whether ev is a creation event announced by this factory.
func (f Factory) Matches(ev model.Event) bool {
	if len(ev.Keys) == 0 || !f.InRange(ev.BlockNumber) {
		return false
	}
	selector, err := felt.ToHex64(ev.Keys[0])
	if err != nil || selector != f.EventSelector {
		return false
	}
	from, err := felt.ToHex64(ev.FromAddress)
	if err != nil {
		return false
	}
	idx := sort.SearchStrings(f.Addresses, from)
	return idx < len(f.Addresses) && f.Addresses[idx] == from
}

// ChildAddress extracts the child address announced by ev.
func (f Factory) ChildAddress(ev model.Event) (string, error) {
	switch {
	case strings.HasPrefix(f.ChildAddressLocation, locationTopicPrefix):
		slot, err := strconv.Atoi(strings.TrimPrefix(f.ChildAddressLocation, locationTopicPrefix))
		if err != nil {
			return "", fmt.Errorf("bad location %s: %w", f.ChildAddressLocation, err)
		}
		if slot >= len(ev.Keys) {
			return "", fmt.Errorf("event has %d keys, need topic%d", len(ev.Keys), slot)
		}
		return felt.ToHex64(ev.Keys[slot])
	case strings.HasPrefix(f.ChildAddressLocation, locationOffsetPrefix):
		offset, err := strconv.Atoi(strings.TrimPrefix(f.ChildAddressLocation, locationOffsetPrefix))
		if err != nil {
			return "", fmt.Errorf("bad location %s: %w", f.ChildAddressLocation, err)
		}
		idx := offset / abi.FeltWidth
		if offset%abi.FeltWidth != 0 || idx >= len(ev.Data) {
			return "", fmt.Errorf("event data has %d felts, need offset %d", len(ev.Data), offset)
		}
		return felt.ToHex64(ev.Data[idx])
	default:
		return "", fmt.Errorf("unknown child address location %q", f.ChildAddressLocation)
	}
}

func formatBound(b *uint64) string {
	if b == nil {
		return "undefined"
	}
	return strconv.FormatUint(*b, 10)
}
