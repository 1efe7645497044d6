package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HeadBlock tracks the last block committed by the sync driver
	HeadBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_head_block",
			Help: "Last block committed to the database",
		},
		[]string{"chain"},
	)

	// FinalizedBlock tracks the committed finalized head
	FinalizedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_finalized_block",
			Help: "Finalized head committed to the database",
		},
		[]string{"chain"},
	)

	// BatchesTotal counts committed transactions
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_batches_total",
			Help: "Total number of batches committed",
		},
		[]string{"chain"},
	)

	// BlocksProcessed counts blocks handed to the mapping handler
	BlocksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_blocks_processed_total",
			Help: "Total number of blocks processed",
		},
		[]string{"chain", "finality"},
	)

	// RevertsTotal counts rollbacks of unfinalized state
	RevertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_reverts_total",
			Help: "Total number of reverts",
		},
		[]string{"chain"},
	)

	// ForksTotal counts streams that ended on divergence
	ForksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_forks_total",
			Help: "Total number of forks detected",
		},
		[]string{"chain"},
	)

	// ConsistencyRetries counts local retries of data consistency errors
	ConsistencyRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainsync_consistency_retries_total",
			Help: "Total number of retried data consistency errors",
		},
	)

	// GapFills counts sub-ranges re-fetched to close holes
	GapFills = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainsync_gap_fills_total",
			Help: "Total number of gap fill fetches",
		},
	)

	// WindowSize tracks the number of buffered hot blocks
	WindowSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_window_size",
			Help: "Blocks buffered in the hot window",
		},
		[]string{"chain"},
	)

	// SplitDuration tracks cold split fetch latency
	SplitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainsync_split_duration_seconds",
			Help:    "Cold split fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain"},
	)

	// RPCCallsTotal tracks RPC calls per chain and provider
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"chain", "provider", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per chain and provider
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"chain", "provider", "error_type"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainsync_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "provider", "method"},
	)

	// DBConnectionPoolUsage tracks open connections as a percentage of the pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainsync_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)

	// DBTxRetries counts transactions retried after a serialization conflict
	DBTxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainsync_db_tx_retries_total",
			Help: "Total number of transactions retried after a serialization conflict",
		},
	)
)
