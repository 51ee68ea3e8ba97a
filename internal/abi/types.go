package abi

import (
	"encoding/json"
	"fmt"
)

// Item kinds as they appear in Cairo ABIs.
const (
	ItemFunction    = "function"
	ItemL1Handler   = "l1_handler"
	ItemConstructor = "constructor"
	ItemEvent       = "event"
	ItemStruct      = "struct"
	ItemEnum        = "enum"
	ItemInterface   = "interface"
	ItemImpl        = "impl"
)

// Member kinds for event members and enum variants.
const (
	KindKey    = "key"
	KindData   = "data"
	KindNested = "nested"
	KindFlat   = "flat"

	EventKindStruct = "struct"
	EventKindEnum   = "enum"
)

// LegacyContainer names the synthetic enum event that wraps normalized legacy events.
const LegacyContainer = "__legacy__::Event"

// Member is a named, typed slot of a struct, event, function signature or enum variant.
type Member struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Kind string `json:"kind,omitempty"`
}

// Item is one entry of a Cairo ABI.
type Item struct {
	Type            string   `json:"type"`
	Name            string   `json:"name"`
	Kind            string   `json:"kind,omitempty"`
	Inputs          []Member `json:"inputs,omitempty"`
	Outputs         []Member `json:"outputs,omitempty"`
	Members         []Member `json:"members,omitempty"`
	Variants        []Member `json:"variants,omitempty"`
	Items           []Item   `json:"items,omitempty"`
	Keys            []Member `json:"keys,omitempty"`
	Data            []Member `json:"data,omitempty"`
	StateMutability string   `json:"state_mutability,omitempty"`
	InterfaceName   string   `json:"interface_name,omitempty"`
}

// ABI is a parsed and normalized contract ABI.
type ABI struct {
	Items   []Item
	structs map[string]Item
	enums   map[string]Item
}

// Parse decodes a JSON ABI and normalizes legacy event shapes.
func Parse(data []byte) (*ABI, error) {
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return New(items), nil
}

// New builds an ABI from items, normalizing legacy events.
func New(items []Item) *ABI {
	normalized := Normalize(items)
	a := &ABI{
		Items:   normalized,
		structs: make(map[string]Item),
		enums:   make(map[string]Item),
	}
	for _, item := range normalized {
		switch item.Type {
		case ItemStruct:
			a.structs[item.Name] = item
		case ItemEnum:
			a.enums[item.Name] = item
		}
	}
	return a
}

// Normalize rewrites legacy events (flat inputs, or Cairo 0 keys/data lists, no kind tag)
// into struct-kind events whose members carry explicit kinds, and wraps them into a
// synthetic enum container. Modern items pass through unchanged.
func Normalize(items []Item) []Item {
	out := make([]Item, 0, len(items)+1)
	var variants []Member
	for _, item := range items {
		if item.Type != ItemEvent || item.Kind != "" {
			out = append(out, item)
			continue
		}
		members := make([]Member, 0, len(item.Keys)+len(item.Inputs)+len(item.Data))
		for _, m := range item.Keys {
			members = append(members, Member{Name: m.Name, Type: m.Type, Kind: KindKey})
		}
		for _, m := range item.Inputs {
			members = append(members, Member{Name: m.Name, Type: m.Type, Kind: KindData})
		}
		for _, m := range item.Data {
			members = append(members, Member{Name: m.Name, Type: m.Type, Kind: KindData})
		}
		out = append(out, Item{
			Type:    ItemEvent,
			Name:    item.Name,
			Kind:    EventKindStruct,
			Members: members,
		})
		variants = append(variants, Member{Name: ShortName(item.Name), Type: item.Name, Kind: KindFlat})
	}
	if len(variants) > 0 {
		out = append(out, Item{
			Type:     ItemEvent,
			Name:     LegacyContainer,
			Kind:     EventKindEnum,
			Variants: variants,
		})
	}
	return out
}

// Struct returns the struct definition named name.
func (a *ABI) Struct(name string) (Item, bool) {
	item, ok := a.structs[name]
	return item, ok
}

// Enum returns the enum definition named name.
func (a *ABI) Enum(name string) (Item, bool) {
	item, ok := a.enums[name]
	return item, ok
}

// KeyMembers returns the indexed members of an event in declaration order.
func KeyMembers(event Item) []Member {
	return membersOfKind(event, KindKey)
}

// DataMembers returns the non-indexed members of an event in declaration order.
func DataMembers(event Item) []Member {
	return membersOfKind(event, KindData)
}

func membersOfKind(event Item, kind string) []Member {
	out := make([]Member, 0, len(event.Members))
	for _, m := range event.Members {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}
