package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// RPCRequestsTotal counts network JSON-RPC calls per chain, method and outcome
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starkscope_rpc_requests_total",
			Help: "Total JSON-RPC calls sent to the provider",
		},
		[]string{"chain", "method", "status"},
	)

	// RPCRetriesTotal counts retried calls by reason (rate_limit, null_block, error)
	RPCRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starkscope_rpc_retries_total",
			Help: "Total JSON-RPC retries",
		},
		[]string{"chain", "method", "reason"},
	)

	// RPCCacheHitsTotal counts requests served from the result cache
	RPCCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starkscope_rpc_cache_hits_total",
			Help: "Total JSON-RPC requests answered from the cache",
		},
		[]string{"chain", "method"},
	)

	// EventsUnparsedTotal counts events skipped because they did not decode against their ABI
	EventsUnparsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starkscope_events_unparsed_total",
			Help: "Total events skipped after a decode failure",
		},
		[]string{"chain"},
	)

	// BlocksSyncedTotal counts blocks persisted per chain
	BlocksSyncedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starkscope_blocks_synced_total",
			Help: "Total blocks persisted",
		},
		[]string{"chain"},
	)

	// CoverageEnd shows the last block of the contiguous synced prefix per fragment
	CoverageEnd = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "starkscope_coverage_end_block",
			Help: "Last block of the contiguous synchronized range",
		},
		[]string{"chain", "fragment"},
	)
)

func init() {
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRetriesTotal)
	prometheus.MustRegister(RPCCacheHitsTotal)
	prometheus.MustRegister(EventsUnparsedTotal)
	prometheus.MustRegister(BlocksSyncedTotal)
	prometheus.MustRegister(CoverageEnd)
}

// ChainLabel formats a chain id as a metric label.
func ChainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}

// StartServer serves /metrics on addr until ctx is done.
func StartServer(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
