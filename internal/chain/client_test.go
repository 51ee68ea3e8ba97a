package chain

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"starkscope/internal/metrics"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcServer struct {
	*httptest.Server
	calls atomic.Int32
}

// newRPCServer serves JSON-RPC with handle. handle gets the 1-based call number and
// returns an HTTP status and the raw result (ignored for non-200 statuses).
func newRPCServer(t *testing.T, handle func(call int, req rpcRequest) (int, string)) *rpcServer {
	t.Helper()
	s := &rpcServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		call := int(s.calls.Add(1))
		status, result := handle(call, req)
		if status != http.StatusOK {
			http.Error(w, http.StatusText(status), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + result + `}`))
	}))
	t.Cleanup(s.Close)
	return s
}

func dialTest(t *testing.T, url string, maxRetries int, cache Cache) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), Config{
		URL:          url,
		ChainID:      7,
		MaxRetries:   maxRetries,
		RetryBackoff: time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
	}, cache, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

const blockJSON = `{"status":"ACCEPTED_ON_L2","block_hash":"0xabc","parent_hash":"0xabb","block_number":5,"new_root":"0x1","timestamp":1700000000,"sequencer_address":"0x2","l1_gas_price":{"price_in_fri":"0x3","price_in_wei":"0x4"},"l1_data_gas_price":{"price_in_fri":"0x5","price_in_wei":"0x6"},"l1_da_mode":"BLOB","starknet_version":"0.13.2","transactions":[]}`

func TestRequestRetriesAfterRateLimit(t *testing.T) {
	srv := newRPCServer(t, func(call int, req rpcRequest) (int, string) {
		if call == 1 {
			return http.StatusTooManyRequests, ""
		}
		return http.StatusOK, `"0x534e5f4d41494e"`
	})
	c := dialTest(t, srv.URL, 3, nil)

	id, err := c.ChainID(context.Background())
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	if id != "0x534e5f4d41494e" {
		t.Fatalf("unexpected chain id %s", id)
	}
	if got := srv.calls.Load(); got != 2 {
		t.Fatalf("expected 2 network calls, got %d", got)
	}
}

func TestRequestRetriesNullBlock(t *testing.T) {
	srv := newRPCServer(t, func(call int, req rpcRequest) (int, string) {
		if call == 1 {
			return http.StatusOK, "null"
		}
		return http.StatusOK, blockJSON
	})
	c := dialTest(t, srv.URL, 3, nil)

	block, err := c.GetBlockWithTxs(context.Background(), 5)
	if err != nil {
		t.Fatalf("get block: %v", err)
	}
	if block.BlockNumber != 5 || block.BlockHash != "0xabc" {
		t.Fatalf("unexpected block %+v", block)
	}
	if got := srv.calls.Load(); got != 2 {
		t.Fatalf("expected 2 network calls, got %d", got)
	}
}

func TestRequestNullWithoutRetryOption(t *testing.T) {
	srv := newRPCServer(t, func(call int, req rpcRequest) (int, string) {
		return http.StatusOK, "null"
	})
	c := dialTest(t, srv.URL, 3, nil)

	raw, err := c.Request(context.Background(), "starknet_getBlockWithTxs", []any{blockID{5}}, RequestOptions{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !isNull(raw) {
		t.Fatalf("expected null result, got %s", raw)
	}
	if got := srv.calls.Load(); got != 1 {
		t.Fatalf("expected 1 network call, got %d", got)
	}
}

func TestRequestCoalescesIdenticalCalls(t *testing.T) {
	release := make(chan struct{})
	arrived := make(chan struct{}, 4)
	srv := newRPCServer(t, func(call int, req rpcRequest) (int, string) {
		arrived <- struct{}{}
		<-release
		return http.StatusOK, "42"
	})
	c := dialTest(t, srv.URL, 0, nil)

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := c.Request(context.Background(), "starknet_blockNumber", nil, RequestOptions{NoCache: true})
			results[i], errs[i] = string(raw), err
		}(i)
	}

	<-arrived
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != "42" {
			t.Fatalf("caller %d got %s", i, results[i])
		}
	}
	if got := srv.calls.Load(); got != 1 {
		t.Fatalf("expected 1 network call, got %d", got)
	}
}

func TestRequestRateLimitExhausted(t *testing.T) {
	srv := newRPCServer(t, func(call int, req rpcRequest) (int, string) {
		return http.StatusTooManyRequests, ""
	})
	c := dialTest(t, srv.URL, 2, nil)

	_, err := c.BlockNumber(context.Background())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T", err)
	}
	if reqErr.Attempts != 3 || reqErr.Method != "starknet_blockNumber" || reqErr.Fingerprint == "" {
		t.Fatalf("unexpected request error %+v", reqErr)
	}
	if got := srv.calls.Load(); got != 3 {
		t.Fatalf("expected 3 network calls, got %d", got)
	}
}

func TestRequestCancelStopsRetries(t *testing.T) {
	arrived := make(chan struct{}, 16)
	srv := newRPCServer(t, func(call int, req rpcRequest) (int, string) {
		arrived <- struct{}{}
		return http.StatusInternalServerError, ""
	})
	c, err := NewClient(context.Background(), Config{
		URL:          srv.URL,
		ChainID:      7,
		MaxRetries:   10,
		RetryBackoff: time.Minute,
	}, nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.BlockNumber(ctx)
		done <- err
	}()

	<-arrived
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("request did not stop after cancel")
	}
	if got := srv.calls.Load(); got != 1 {
		t.Fatalf("expected 1 network call, got %d", got)
	}
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]CachedResult
}

func (m *memCache) GetRPCResult(_ context.Context, chainID uint64, fp string) (CachedResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.entries[fp]
	return res, ok, nil
}

func (m *memCache) PutRPCResult(_ context.Context, chainID uint64, fp string, res CachedResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]CachedResult)
	}
	m.entries[fp] = res
	return nil
}

func TestRequestCacheFinality(t *testing.T) {
	srv := newRPCServer(t, func(call int, req rpcRequest) (int, string) {
		return http.StatusOK, `{"n":` + string(rune('0'+call)) + `}`
	})
	cache := &memCache{}
	c := dialTest(t, srv.URL, 0, cache)
	ctx := context.Background()
	block := uint64(5)
	hits := metrics.RPCCacheHitsTotal.WithLabelValues("7", "starknet_getStateUpdate")
	before := testutil.ToFloat64(hits)

	first, err := c.Request(ctx, "starknet_getStateUpdate", []any{blockID{5}}, RequestOptions{BlockNumber: &block})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := c.Request(ctx, "starknet_getStateUpdate", []any{blockID{5}}, RequestOptions{BlockNumber: &block})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if string(first) != string(second) || srv.calls.Load() != 1 {
		t.Fatalf("provisional entry should be served: %s %s calls=%d", first, second, srv.calls.Load())
	}

	fresh, err := c.Request(ctx, "starknet_getStateUpdate", []any{blockID{5}}, RequestOptions{BlockNumber: &block, Fresh: true})
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	if string(fresh) != `{"n":2}` || srv.calls.Load() != 2 {
		t.Fatalf("fresh read should bypass provisional entry: %s calls=%d", fresh, srv.calls.Load())
	}

	c.SetFinalizedBlock(10)
	final, err := c.Request(ctx, "starknet_getStateUpdate", []any{blockID{5}}, RequestOptions{BlockNumber: &block, Fresh: true})
	if err != nil {
		t.Fatalf("final: %v", err)
	}
	if string(final) != `{"n":2}` || srv.calls.Load() != 2 {
		t.Fatalf("final entry should be served from cache: %s calls=%d", final, srv.calls.Load())
	}
	if got := testutil.ToFloat64(hits) - before; got != 2 {
		t.Fatalf("expected 2 cache hits, got %v", got)
	}

	c.SetFinalizedBlock(3)
	if c.FinalizedBlock() != 10 {
		t.Fatalf("finalized block should not move backwards")
	}
}

func TestGetBlockRefetchesProvisionalBlock(t *testing.T) {
	hashes := []string{"0xabc", "0xdef", "0x123"}
	srv := newRPCServer(t, func(call int, req rpcRequest) (int, string) {
		return http.StatusOK, strings.Replace(blockJSON, `"block_hash":"0xabc"`, `"block_hash":"`+hashes[call-1]+`"`, 1)
	})
	c := dialTest(t, srv.URL, 0, &memCache{})
	ctx := context.Background()

	c.SetFinalizedBlock(4)
	first, err := c.GetBlockWithTxs(ctx, 5)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	// block 5 is above finality, so a reorged block must be read again
	second, err := c.GetBlockWithTxs(ctx, 5)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.BlockHash != "0xabc" || second.BlockHash != "0xdef" || srv.calls.Load() != 2 {
		t.Fatalf("provisional block should be refetched: %s %s calls=%d", first.BlockHash, second.BlockHash, srv.calls.Load())
	}

	c.SetFinalizedBlock(5)
	final, err := c.GetBlockWithTxs(ctx, 5)
	if err != nil {
		t.Fatalf("final: %v", err)
	}
	if final.BlockHash != "0xdef" || srv.calls.Load() != 2 {
		t.Fatalf("final block should come from the latest cached read: %s calls=%d", final.BlockHash, srv.calls.Load())
	}
}

func TestRequestInvalidParamsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32602,"message":"Invalid params"}}`))
	}))
	t.Cleanup(srv.Close)
	c := dialTest(t, srv.URL, 5, nil)

	_, err := c.Request(context.Background(), "starknet_getBlockWithTxs", []any{"bad"}, RequestOptions{})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Attempts != 1 {
		t.Fatalf("expected RequestError after 1 attempt, got %v", err)
	}
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.ErrorCode() != -32602 {
		t.Fatalf("provider error should be preserved, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("invalid params should not be retried, got %d calls", got)
	}
}

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{codeError{code: -32602}, true},
		{codeError{code: -32601}, true},
		{codeError{code: 33}, true},
		{codeError{code: -32005}, false},
		{codeError{code: 24}, false},
		{errors.New("connection reset"), false},
	}
	for i, tc := range cases {
		if got := isPermanent(tc.err); got != tc.want {
			t.Fatalf("case %d (%v): expected %v, got %v", i, tc.err, tc.want, got)
		}
	}
}

type codeError struct{ code int }

func (e codeError) Error() string  { return "provider error" }
func (e codeError) ErrorCode() int { return e.code }

func TestIsRateLimit(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{rpc.HTTPError{StatusCode: http.StatusTooManyRequests}, true},
		{rpc.HTTPError{StatusCode: http.StatusBadGateway}, false},
		{codeError{code: -32005}, true},
		{codeError{code: -32602}, false},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("daily rate limit reached"), true},
		{errors.New("connection reset"), false},
	}
	for i, tc := range cases {
		if got := isRateLimit(tc.err); got != tc.want {
			t.Fatalf("case %d (%v): expected %v, got %v", i, tc.err, tc.want, got)
		}
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a, err := Fingerprint("starknet_getEvents", []any{map[string]any{"b": 1, "a": 2}})
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	b, _ := Fingerprint("starknet_getEvents", []any{map[string]any{"a": 2, "b": 1}})
	if a != b {
		t.Fatalf("fingerprint should not depend on map order")
	}
	other, _ := Fingerprint("starknet_getEvents", []any{map[string]any{"a": 3, "b": 1}})
	if a == other {
		t.Fatalf("different params should produce different fingerprints")
	}
	empty, _ := Fingerprint("starknet_chainId", nil)
	emptySlice, _ := Fingerprint("starknet_chainId", []any{})
	if empty != emptySlice {
		t.Fatalf("nil and empty params should hash equally")
	}
}
