package postgres

import (
	"context"
	"encoding/json"
	"os"
	"reflect"
	"strings"
	"testing"

	"starkscope/internal/chain"
	"starkscope/internal/felt"
	"starkscope/internal/interval"
	"starkscope/internal/model"
	"starkscope/internal/syncstore"
)

func TestMigrationsOrdered(t *testing.T) {
	migrations, err := Migrations()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(migrations) < 3 {
		t.Fatalf("expected embedded migrations, got %d", len(migrations))
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i-1].Name >= migrations[i].Name {
			t.Fatalf("migrations out of order: %s >= %s", migrations[i-1].Name, migrations[i].Name)
		}
	}
	for _, m := range migrations {
		if !strings.Contains(m.SQL, "IF NOT EXISTS") {
			t.Fatalf("migration %s should be idempotent", m.Name)
		}
	}
}

// newTestStore connects to INDEXER_TEST_PG_DSN; the schema is expected to be disposable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("INDEXER_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("INDEXER_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	store, err := NewStore(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// second run must be a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	const cleanup = `
		DELETE FROM factory_addresses WHERE chain_id = 999001;
		DELETE FROM factories WHERE chain_id = 999001;
		DELETE FROM blocks WHERE chain_id = 999001;
		DELETE FROM transactions WHERE chain_id = 999001;
		DELETE FROM transaction_receipts WHERE chain_id = 999001;
		DELETE FROM logs WHERE chain_id = 999001;
		DELETE FROM traces WHERE chain_id = 999001;
		DELETE FROM intervals WHERE chain_id = 999001;
		DELETE FROM rpc_request_results WHERE chain_id = 999001;
	`
	if _, err := store.pool.Exec(ctx, cleanup); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	return store
}

const testChain = 999001

func TestPersistBlockMergesCoverage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, r := range []interval.Interval{{From: 10, To: 20}, {From: 15, To: 25}, {From: 30, To: 30}} {
		block, err := syncstore.EncodeBlock(testChain, &model.Block{
			BlockHash: "0x1", ParentHash: "0x0", BlockNumber: r.To, NewRoot: "0x2", SequencerAddress: "0x3",
		})
		if err != nil {
			t.Fatalf("encode block: %v", err)
		}
		unit := BlockUnit{ChainID: testChain, Block: block, Coverage: []CoverageUpdate{{Fragment: "frag", Range: r}}}
		if err := store.PersistBlock(ctx, unit); err != nil {
			t.Fatalf("persist %v: %v", r, err)
		}
	}
	got, err := store.GetIntervals(ctx, testChain, "frag")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := interval.Set{{From: 10, To: 25}, {From: 30, To: 30}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	empty, err := store.GetIntervals(ctx, testChain, "unknown")
	if err != nil || len(empty) != 0 {
		t.Fatalf("unknown fragment should have no coverage: %v %v", empty, err)
	}
}

func TestPersistBlockIsAtomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	block, err := syncstore.EncodeBlock(testChain, &model.Block{
		BlockHash: "0x1", ParentHash: "0x0", BlockNumber: 5, NewRoot: "0x2", SequencerAddress: "0x3",
	})
	if err != nil {
		t.Fatalf("encode block: %v", err)
	}
	tx, err := syncstore.EncodeTransaction(testChain, 5, model.L1HandlerTransaction{
		TxCommon:           model.TxCommon{Hash: "0xaa", Version: "0x0"},
		ContractAddress:    "0x4",
		EntryPointSelector: "0x5",
		Calldata:           []string{"0x1"},
		Nonce:              "0x0",
	})
	if err != nil {
		t.Fatalf("encode tx: %v", err)
	}

	// a child address of an unregistered factory violates its foreign key
	bad := BlockUnit{
		ChainID:      testChain,
		Block:        block,
		Transactions: []syncstore.TransactionRow{tx},
		Children:     []ChildAddress{{FactoryID: "missing", Address: felt.MustHex64("0x6"), BlockNumber: 5}},
		Coverage:     []CoverageUpdate{{Fragment: "atomic", Range: interval.Interval{From: 5, To: 5}}},
	}
	if err := store.PersistBlock(ctx, bad); err == nil {
		t.Fatalf("expected persist failure")
	}
	var count int
	if err := store.pool.QueryRow(ctx, `SELECT count(*) FROM blocks WHERE chain_id = $1`, testChain).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("failed unit should leave no rows, found %d blocks", count)
	}
	if got, _ := store.GetIntervals(ctx, testChain, "atomic"); len(got) != 0 {
		t.Fatalf("failed unit should leave coverage unchanged, got %v", got)
	}

	good := BlockUnit{
		ChainID:      testChain,
		Block:        block,
		Transactions: []syncstore.TransactionRow{tx},
		Coverage:     []CoverageUpdate{{Fragment: "atomic", Range: interval.Interval{From: 5, To: 5}}},
	}
	if err := store.PersistBlock(ctx, good); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := store.PersistBlock(ctx, good); err != nil {
		t.Fatalf("re-persist should be idempotent: %v", err)
	}
	txs, err := store.Transactions(ctx, testChain, 5)
	if err != nil {
		t.Fatalf("load transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Type() != model.TxL1Handler {
		t.Fatalf("unexpected transactions %#v", txs)
	}
	if got, _ := store.GetIntervals(ctx, testChain, "atomic"); !reflect.DeepEqual(got, interval.Set{{From: 5, To: 5}}) {
		t.Fatalf("coverage should include block 5, got %v", got)
	}
}

func TestRPCResultCache(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.GetRPCResult(ctx, testChain, "0xmissing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	block := uint64(42)
	if err := store.PutRPCResult(ctx, testChain, "0xfp", chain.CachedResult{Result: json.RawMessage(`{"a":1}`), BlockNumber: &block}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutRPCResult(ctx, testChain, "0xfp", chain.CachedResult{Result: json.RawMessage(`{"a":2}`), BlockNumber: &block}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, ok, err := store.GetRPCResult(ctx, testChain, "0xfp")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(got.Result) != `{"a":2}` || got.BlockNumber == nil || *got.BlockNumber != 42 {
		t.Fatalf("unexpected cached result %+v", got)
	}
}

func TestPruneProvisionalRPCResults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	final, provisional := uint64(10), uint64(11)
	entries := map[string]chain.CachedResult{
		"0xfinal":       {Result: json.RawMessage(`1`), BlockNumber: &final},
		"0xprovisional": {Result: json.RawMessage(`2`), BlockNumber: &provisional},
		"0ximmutable":   {Result: json.RawMessage(`3`)},
	}
	for fp, res := range entries {
		if err := store.PutRPCResult(ctx, testChain, fp, res); err != nil {
			t.Fatalf("put %s: %v", fp, err)
		}
	}

	removed, err := store.PruneProvisional(ctx, testChain, 10)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", removed)
	}
	for fp, want := range map[string]bool{"0xfinal": true, "0xprovisional": false, "0ximmutable": true} {
		if _, ok, err := store.GetRPCResult(ctx, testChain, fp); err != nil || ok != want {
			t.Fatalf("%s: expected present=%v, got %v (err %v)", fp, want, ok, err)
		}
	}
}

func TestChildAddresses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	selector := felt.MustHex64("0x1")
	if _, err := store.pool.Exec(ctx, `
		INSERT INTO factories (id, chain_id, addresses, event_selector, child_address_location)
		VALUES ('f1', $1, '[]'::jsonb, $2, 'topic1')
	`, testChain, selector); err != nil {
		t.Fatalf("insert factory: %v", err)
	}

	block, _ := syncstore.EncodeBlock(testChain, &model.Block{BlockHash: "0x9", ParentHash: "0x8", BlockNumber: 9, NewRoot: "0x1", SequencerAddress: "0x1"})
	unit := BlockUnit{
		ChainID: testChain,
		Block:   block,
		Children: []ChildAddress{
			{FactoryID: "f1", Address: felt.MustHex64("0xb"), BlockNumber: 9},
			{FactoryID: "f1", Address: felt.MustHex64("0xa"), BlockNumber: 9},
		},
	}
	if err := store.PersistBlock(ctx, unit); err != nil {
		t.Fatalf("persist: %v", err)
	}
	children, err := store.ChildAddresses(ctx, "f1", 9)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 2 || children[0].Address != felt.MustHex64("0xa") {
		t.Fatalf("unexpected children %+v", children)
	}
	if before, _ := store.ChildAddresses(ctx, "f1", 8); len(before) != 0 {
		t.Fatalf("children should be bounded by block, got %+v", before)
	}
}
