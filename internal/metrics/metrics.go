// Package metrics exposes Prometheus collectors for the deposit monitor.
//
// Collectors are registered via promauto at package init and served from
// the /metrics endpoint. Label cardinality is kept low: chain id and a
// small closed set of outcome/kind strings.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HeadBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chainwatch_head_block",
		Help: "Latest known head block number per chain",
	}, []string{"chain"})

	LastCheckedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chainwatch_last_checked_block",
		Help: "Highest contiguous block number fully processed per chain",
	}, []string{"chain"})

	BlocksBehind = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chainwatch_blocks_behind",
		Help: "Gap between known head and last checked block per chain",
	}, []string{"chain"})

	RPCCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainwatch_rpc_calls_total",
		Help: "Outbound RPC calls by kind and outcome",
	}, []string{"kind", "outcome"})

	RateLimitEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainwatch_rate_limit_events_total",
		Help: "Rate-limit classified RPC failures per chain",
	}, []string{"chain"})

	BreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chainwatch_breaker_open",
		Help: "1 while the circuit breaker is open for a chain",
	}, []string{"chain"})

	StreamConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chainwatch_stream_connected",
		Help: "1 while the newHeads subscription is live for a chain",
	}, []string{"chain"})

	StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainwatch_stream_reconnects_total",
		Help: "Stream subscription reconnect attempts per chain",
	}, []string{"chain"})

	ActivitiesInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainwatch_activities_inserted_total",
		Help: "Activity rows newly inserted, by chain and type",
	}, []string{"chain", "type"})

	ActivitiesDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainwatch_activities_duplicate_total",
		Help: "Idempotent inserts swallowed as duplicates, by chain and type",
	}, []string{"chain", "type"})

	EmitDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainwatch_emit_dropped_total",
		Help: "Realtime events dropped because a client buffer was full",
	})

	BalanceRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainwatch_balance_refreshes_total",
		Help: "Coalesced balance refreshes by outcome",
	}, []string{"outcome"})

	WithdrawRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainwatch_withdraw_requests_total",
		Help: "Withdrawal requests by outcome",
	}, []string{"outcome"})

	WalletsMonitored = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chainwatch_wallets_monitored",
		Help: "Number of monitored wallet addresses per chain",
	}, []string{"chain"})
)

// Chain renders a chain id as a metric label.
func Chain(id uint64) string {
	return strconv.FormatUint(id, 10)
}
