package prometheus

import "github.com/prometheus/client_golang/prometheus"

const (
	vendorRequestBucketStart  = 0.1
	vendorRequestBucketFactor = 2.0
	vendorRequestBucketCount  = 10
)

const (
	reconcileSweepBucketStart  = 0.5
	reconcileSweepBucketFactor = 2.0
	reconcileSweepBucketCount  = 10
)

const (
	minioOperationBucketStart  = 0.1
	minioOperationBucketFactor = 2.0
	minioOperationBucketCount  = 10
)

var WebhookEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Webhook events received, by kind and outcome",
	},
	[]string{"kind", "outcome"},
)

var ActiveWebsocketConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "active_websocket_connections",
		Help: "Currently registered websocket sessions",
	},
)

var BroadcastDeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "broadcast_deliveries_total",
		Help: "Messages delivered to websocket subscribers, by frame type",
	},
	[]string{"frame_type"},
)

var VendorRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "vendor_request_duration_seconds",
		Help: "Time taken by a vendor API request including retries",
		Buckets: prometheus.ExponentialBuckets(
			vendorRequestBucketStart,
			vendorRequestBucketFactor,
			vendorRequestBucketCount,
		),
	},
	[]string{"method"},
)

var ReconcileSweepDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name: "reconcile_sweep_duration_seconds",
		Help: "Time taken by one stale-call reconciliation sweep",
		Buckets: prometheus.ExponentialBuckets(
			reconcileSweepBucketStart,
			reconcileSweepBucketFactor,
			reconcileSweepBucketCount,
		),
	},
)

var MinioOperationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "minio_operation_duration_seconds",
		Help: "Time taken by a MinIO operation including retries",
		Buckets: prometheus.ExponentialBuckets(
			minioOperationBucketStart,
			minioOperationBucketFactor,
			minioOperationBucketCount,
		),
	},
	[]string{"operation"},
)

func init() {
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(ActiveWebsocketConnections)
	prometheus.MustRegister(BroadcastDeliveriesTotal)
	prometheus.MustRegister(VendorRequestDuration)
	prometheus.MustRegister(ReconcileSweepDuration)
	prometheus.MustRegister(MinioOperationDuration)
}
