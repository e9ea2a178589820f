package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksProcessed tracks total blocks committed per indexer
	BlocksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_blocks_processed_total",
			Help: "Total number of blocks committed",
		},
		[]string{"indexer"},
	)

	// BatchesTotal tracks batch outcomes per indexer
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_batches_total",
			Help: "Total number of batches by outcome",
		},
		[]string{"indexer", "outcome"},
	)

	// DispatchLatency tracks the time spent inside handler code per batch
	DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexer_dispatch_latency_seconds",
			Help:    "Handler dispatch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"indexer", "mode"},
	)

	// CursorHeight tracks the last committed height per indexer
	CursorHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_cursor_height",
			Help: "Last committed block height",
		},
		[]string{"indexer"},
	)

	// Halts tracks indexers that stopped scheduling batches
	Halts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_halts_total",
			Help: "Total number of indexer halts by kind",
		},
		[]string{"indexer", "kind"},
	)

	// FFICalls tracks host function calls made by sandboxed modules
	FFICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_ffi_calls_total",
			Help: "Total number of host function calls",
		},
		[]string{"indexer", "function"},
	)

	// SourceLatency tracks block source calls
	SourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexer_source_latency_seconds",
			Help:    "Block source call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// SourceErrors tracks block source failures
	SourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_source_errors_total",
			Help: "Total number of block source errors",
		},
		[]string{"source", "error_type"},
	)

	// SchemaDeploys tracks deploy outcomes per namespace
	SchemaDeploys = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_schema_deploys_total",
			Help: "Total number of schema deploys by outcome",
		},
		[]string{"namespace", "outcome"},
	)

	// DBConnectionPoolUsage tracks the share of open connections in percent
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "indexer_db_connection_pool_usage",
			Help: "Open connections as a percentage of the pool limit",
		},
	)
)
