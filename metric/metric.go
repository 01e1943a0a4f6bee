package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespaceSync        = "synchronizer"
	namespaceTxSelector  = "txselector"
	namespaceTxStore     = "txstore"
	namespaceCoordinator = "coordinator"
	namespaceFees        = "fees"
)

var (
	// Reorgs block reorg count
	Reorgs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceSync,
			Name:      "reorgs",
			Help:      "",
		})

	// LastBlockNum last block synced
	LastBlockNum = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceSync,
			Name:      "synced_last_block_num",
			Help:      "",
		})

	// EthLastBlockNum last eth block synced
	EthLastBlockNum = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceSync,
			Name:      "eth_last_block_num",
			Help:      "",
		})

	// LastBatchNum last batch synced
	LastBatchNum = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceSync,
			Name:      "synced_last_batch_num",
			Help:      "",
		})

	// Replays confirmed batches not built by this node
	Replays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceSync,
			Name:      "replayed_batches_total",
			Help:      "",
		})

	// PurgedTxs pending txs deleted after a block, by cause
	PurgedTxs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceSync,
			Name:      "purged_txs_total",
			Help:      "",
		}, []string{"cause"})

	// PendingTxs pending tx count
	PendingTxs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceTxStore,
			Name:      "pending_txs",
			Help:      "",
		})

	// RejectedTxs txs rejected at admission, by reason
	RejectedTxs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceTxStore,
			Name:      "rejected_txs_total",
			Help:      "",
		}, []string{"reason"})

	// TxSelection tx selection count
	TxSelection = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceTxSelector,
			Name:      "txselection_total",
			Help:      "",
		})

	// SelectedTxs selected tx count of the last selection
	SelectedTxs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceTxSelector,
			Name:      "selected_txs",
			Help:      "",
		})

	// GasBalance gas balance of the last selection
	GasBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceTxSelector,
			Name:      "gas_balance",
			Help:      "",
		})

	// PublishedBatches published rollup count
	PublishedBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceCoordinator,
			Name:      "published_batches_total",
			Help:      "",
		})

	// PipelineState current state of the pipeline
	PipelineState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceCoordinator,
			Name:      "pipeline_state",
			Help:      "",
		})

	// WaitServerProof duration time to get the calculated
	// proof from the server.
	WaitServerProof = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespaceCoordinator,
			Name:      "wait_server_proof",
			Help:      "",
		}, []string{"batch_number", "pipeline_number"})

	// GasPrice last gas price read from the feed, in wei
	GasPrice = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceFees,
			Name:      "gas_price",
			Help:      "",
		})

	// AssetPrice last asset price read from the feeds, in wei
	AssetPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespaceFees,
			Name:      "asset_price",
			Help:      "",
		}, []string{"asset"})
)

func init() {
	prometheus.MustRegister(Reorgs)
	prometheus.MustRegister(LastBlockNum)
	prometheus.MustRegister(EthLastBlockNum)
	prometheus.MustRegister(LastBatchNum)
	prometheus.MustRegister(Replays)
	prometheus.MustRegister(PurgedTxs)
	prometheus.MustRegister(PendingTxs)
	prometheus.MustRegister(RejectedTxs)
	prometheus.MustRegister(TxSelection)
	prometheus.MustRegister(SelectedTxs)
	prometheus.MustRegister(GasBalance)
	prometheus.MustRegister(PublishedBatches)
	prometheus.MustRegister(PipelineState)
	prometheus.MustRegister(WaitServerProof)
	prometheus.MustRegister(GasPrice)
	prometheus.MustRegister(AssetPrice)
}

// MeasureDuration measure the method execution duration
// and save it into a histogram metric
func MeasureDuration(histogram *prometheus.HistogramVec, start time.Time, lvs ...string) {
	duration := time.Since(start)
	histogram.WithLabelValues(lvs...).Observe(float64(duration.Milliseconds()))
}
