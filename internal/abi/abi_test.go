package abi

import (
	"errors"
	"math/big"
	"strings"
	"testing"
)

const testABIJSON = `[
  {"type": "struct", "name": "core::integer::u256", "members": [
    {"name": "low", "type": "core::integer::u128"},
    {"name": "high", "type": "core::integer::u128"}
  ]},
  {"type": "struct", "name": "demo::PoolKey", "members": [
    {"name": "token0", "type": "core::starknet::contract_address::ContractAddress"},
    {"name": "token1", "type": "core::starknet::contract_address::ContractAddress"},
    {"name": "fee", "type": "core::integer::u128"}
  ]},
  {"type": "struct", "name": "demo::Created", "members": [
    {"name": "key", "type": "demo::PoolKey"},
    {"name": "pool", "type": "core::starknet::contract_address::ContractAddress"}
  ]},
  {"type": "enum", "name": "core::bool", "variants": [
    {"name": "False", "type": "()"},
    {"name": "True", "type": "()"}
  ]},
  {"type": "interface", "name": "demo::IFactory", "items": [
    {"type": "function", "name": "create_pool", "inputs": [], "outputs": [], "state_mutability": "external"},
    {"type": "function", "name": "owner", "inputs": [], "outputs": [], "state_mutability": "view"}
  ]},
  {"type": "interface", "name": "demo::IOwnable", "items": [
    {"type": "function", "name": "owner", "inputs": [], "outputs": [], "state_mutability": "view"}
  ]},
  {"type": "event", "name": "demo::factory::Transfer", "kind": "struct", "members": [
    {"name": "from", "type": "core::starknet::contract_address::ContractAddress", "kind": "key"},
    {"name": "to", "type": "core::starknet::contract_address::ContractAddress", "kind": "key"},
    {"name": "amount", "type": "core::integer::u256", "kind": "data"}
  ]},
  {"type": "event", "name": "demo::token::Transfer", "kind": "struct", "members": [
    {"name": "value", "type": "core::felt252", "kind": "data"}
  ]},
  {"type": "event", "name": "demo::factory::PoolCreated", "kind": "struct", "members": [
    {"name": "deployer", "type": "core::starknet::contract_address::ContractAddress", "kind": "key"},
    {"name": "token0", "type": "core::starknet::contract_address::ContractAddress", "kind": "data"},
    {"name": "token1", "type": "core::starknet::contract_address::ContractAddress", "kind": "data"},
    {"name": "fee", "type": "core::integer::u32", "kind": "data"},
    {"name": "tick_spacing", "type": "core::integer::u32", "kind": "data"},
    {"name": "pool", "type": "core::starknet::contract_address::ContractAddress", "kind": "data"}
  ]},
  {"type": "event", "name": "demo::factory::Event", "kind": "enum", "variants": [
    {"name": "Transfer", "type": "demo::factory::Transfer", "kind": "nested"},
    {"name": "PoolCreated", "type": "demo::factory::PoolCreated", "kind": "nested"}
  ]}
]`

func mustParse(t *testing.T, data string) *ABI {
	t.Helper()
	parsed, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return parsed
}

func TestComputeSelectorKnownValue(t *testing.T) {
	want := "0x0099cd8bde557814842a3121e8ddfd433a539b8c9f14bf31ebf108d12e6196e9"
	if got := ComputeSelector("Transfer"); got != want {
		t.Fatalf("selector mismatch: %s != %s", got, want)
	}
}

func TestComputeSelectorIgnoresNamespace(t *testing.T) {
	if ComputeSelector("a::b::Foo") != ComputeSelector("Foo") {
		t.Fatalf("selector should only depend on the short name")
	}
	if ComputeSelector("Foo") == ComputeSelector("Bar") {
		t.Fatalf("distinct names should not share a selector")
	}
}

func TestBuildEventsSkipsEnumsAndDisambiguates(t *testing.T) {
	idx := BuildEvents(mustParse(t, testABIJSON))

	if len(idx.BySafeName) != 3 {
		t.Fatalf("expected 3 events, got %d", len(idx.BySafeName))
	}
	if _, ok := idx.BySafeName["Event"]; ok {
		t.Fatalf("enum container should not be indexed")
	}
	if _, ok := idx.BySafeName["Transfer"]; ok {
		t.Fatalf("colliding short name should not be used as safe name")
	}
	for _, name := range []string{"demo::factory::Transfer", "demo::token::Transfer", "PoolCreated"} {
		if _, ok := idx.BySafeName[name]; !ok {
			t.Fatalf("missing safe name %s", name)
		}
	}

	created := idx.BySafeName["PoolCreated"]
	if created.Selector != ComputeSelector("PoolCreated") {
		t.Fatalf("selector mismatch for PoolCreated")
	}
	if idx.BySelector[created.Selector] != created {
		t.Fatalf("selector index should point to the same record")
	}
	if meta, ok := idx.Lookup(created.Selector); !ok || meta.FullName != "demo::factory::PoolCreated" {
		t.Fatalf("lookup by selector failed")
	}
}

func TestBuildFunctionsSuffixAndCollisions(t *testing.T) {
	idx := BuildFunctions(mustParse(t, testABIJSON))

	if _, ok := idx.BySafeName["create_pool()"]; !ok {
		t.Fatalf("expected create_pool() safe name, got %v", keys(idx.BySafeName))
	}
	if _, ok := idx.BySafeName["demo::IFactory::owner"]; !ok {
		t.Fatalf("expected namespaced owner, got %v", keys(idx.BySafeName))
	}
	if _, ok := idx.BySafeName["demo::IOwnable::owner"]; !ok {
		t.Fatalf("expected namespaced owner, got %v", keys(idx.BySafeName))
	}
	if _, ok := idx.BySafeName["owner()"]; ok {
		t.Fatalf("colliding function should not get a short safe name")
	}
}

func TestLegacyEventsNormalized(t *testing.T) {
	legacy := `[
	  {"type": "event", "name": "Transfer", "inputs": [
	    {"name": "from_", "type": "felt"},
	    {"name": "to", "type": "felt"},
	    {"name": "value", "type": "Uint256"}
	  ]},
	  {"type": "event", "name": "Approval", "keys": [{"name": "owner", "type": "felt"}], "data": [{"name": "spender", "type": "felt"}]}
	]`
	parsed := mustParse(t, legacy)

	var container *Item
	for i := range parsed.Items {
		if parsed.Items[i].Name == LegacyContainer {
			container = &parsed.Items[i]
		}
	}
	if container == nil || container.Kind != EventKindEnum || len(container.Variants) != 2 {
		t.Fatalf("expected synthetic legacy container, got %+v", container)
	}

	idx := BuildEvents(parsed)
	transfer, ok := idx.BySafeName["Transfer"]
	if !ok {
		t.Fatalf("legacy event not indexed")
	}
	if transfer.Item.Kind != EventKindStruct {
		t.Fatalf("legacy event kind = %q", transfer.Item.Kind)
	}
	for _, m := range transfer.Item.Members {
		if m.Kind != KindData {
			t.Fatalf("legacy input %s should be data, got %s", m.Name, m.Kind)
		}
	}
	approval := idx.BySafeName["Approval"]
	if len(KeyMembers(approval.Item)) != 1 || len(DataMembers(approval.Item)) != 1 {
		t.Fatalf("cairo 0 keys/data not normalized: %+v", approval.Item.Members)
	}
}

func TestBytesConsumed(t *testing.T) {
	parsed := mustParse(t, testABIJSON)
	cases := []struct {
		typ  string
		want int
	}{
		{"core::felt252", 64},
		{"core::starknet::contract_address::ContractAddress", 64},
		{"core::integer::u32", 64},
		{"core::integer::u256", 128},
		{"demo::PoolKey", 192},
		{"demo::Created", 256},
		{"(core::felt252, core::integer::u256)", 192},
		{"core::bool", 64},
	}
	for _, tc := range cases {
		got, err := parsed.BytesConsumed(Member{Name: "x", Type: tc.typ})
		if err != nil {
			t.Fatalf("%s: %v", tc.typ, err)
		}
		if got != tc.want {
			t.Fatalf("%s: width %d, want %d", tc.typ, got, tc.want)
		}
	}

	for _, typ := range []string{"core::array::Array::<core::felt252>", "core::byte_array::ByteArray", "demo::Unknown"} {
		if _, err := parsed.BytesConsumed(Member{Name: "x", Type: typ}); !errors.Is(err, ErrUnsupportedType) {
			t.Fatalf("%s: expected ErrUnsupportedType, got %v", typ, err)
		}
	}
}

func TestNestedOffset(t *testing.T) {
	parsed := mustParse(t, testABIJSON)
	created := Member{Name: "created", Type: "demo::Created"}

	got, err := parsed.NestedOffset(created, []string{"pool"})
	if err != nil || got != 192 {
		t.Fatalf("pool offset = %d, %v", got, err)
	}
	got, err = parsed.NestedOffset(created, []string{"key", "token1"})
	if err != nil || got != 64 {
		t.Fatalf("key.token1 offset = %d, %v", got, err)
	}
	got, err = parsed.NestedOffset(Member{Name: "t", Type: "(core::integer::u256, core::felt252)"}, []string{"1"})
	if err != nil || got != 128 {
		t.Fatalf("tuple offset = %d, %v", got, err)
	}

	if _, err := parsed.NestedOffset(created, []string{"missing"}); err == nil || !strings.Contains(err.Error(), "key, pool") {
		t.Fatalf("expected missing field error listing fields, got %v", err)
	}
	if _, err := parsed.NestedOffset(created, []string{"pool", "deeper"}); err == nil {
		t.Fatalf("expected error walking into a non-tuple")
	}
	arr := Member{Name: "list", Type: "core::array::Array::<demo::PoolKey>"}
	if _, err := parsed.NestedOffset(arr, []string{"token0"}); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected unsupported error through array, got %v", err)
	}
}

func TestDecodeEvent(t *testing.T) {
	parsed := mustParse(t, testABIJSON)
	idx := BuildEvents(parsed)
	meta := idx.BySafeName["demo::factory::Transfer"]

	keys := []string{meta.Selector, "0x1", "0x2"}
	data := []string{"0x5", "0x1"}
	args, err := parsed.DecodeEvent(meta, keys, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if args["from"] != "0x"+strings.Repeat("0", 63)+"1" {
		t.Fatalf("from mismatch: %v", args["from"])
	}
	want := new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(5))
	if amount, ok := args["amount"].(*big.Int); !ok || amount.Cmp(want) != 0 {
		t.Fatalf("amount mismatch: %v", args["amount"])
	}

	if _, err := parsed.DecodeEvent(meta, keys, data[:1]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected truncation error, got %v", err)
	}
	if _, err := parsed.DecodeEvent(meta, keys, append(data, "0x9")); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestDecodeDynamicTypes(t *testing.T) {
	items := []Item{
		{Type: ItemEvent, Name: "demo::Named", Kind: EventKindStruct, Members: []Member{
			{Name: "name", Type: "core::byte_array::ByteArray", Kind: KindData},
			{Name: "ids", Type: "core::array::Array::<core::integer::u8>", Kind: KindData},
			{Name: "delta", Type: "core::integer::i32", Kind: KindData},
		}},
	}
	parsed := New(items)
	meta := BuildEvents(parsed).BySafeName["Named"]

	minusOne := new(big.Int).Sub(fieldPrime, big.NewInt(1))
	data := []string{
		"0x0", "0x616263", "0x3", // "abc"
		"0x2", "0x7", "0x8",
		"0x" + minusOne.Text(16),
	}
	args, err := parsed.DecodeEvent(meta, []string{meta.Selector}, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if args["name"] != "abc" {
		t.Fatalf("name mismatch: %v", args["name"])
	}
	ids, ok := args["ids"].([]any)
	if !ok || len(ids) != 2 || ids[0] != uint64(7) {
		t.Fatalf("ids mismatch: %v", args["ids"])
	}
	if args["delta"] != int64(-1) {
		t.Fatalf("delta mismatch: %v", args["delta"])
	}
}

func keys(m map[string]*Meta) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
