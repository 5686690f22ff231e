package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_realtime"

var (
	SamplesIngested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "samples_ingested_total", Help: "Location samples accepted into the ingest buffer"})
	SamplesDropped  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "samples_dropped_total", Help: "Location samples rejected at the boundary"}, []string{"reason"})

	BatchesPublished   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "batches_published_total", Help: "Per-trip batch envelopes published to the broker"})
	BatchPublishErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "batch_publish_errors_total", Help: "Per-trip publish failures"})
	BatchLatency       = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_publish_seconds",
		Help:      "Time to publish one batch window",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
	})
	EnvelopesDelivered  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "envelopes_delivered_total", Help: "Envelopes handed to local connections"})
	EnvelopesDuplicate  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "envelopes_duplicate_total", Help: "Envelopes dropped as duplicate or out of order"})
	ActiveRooms         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_rooms", Help: "Trip rooms with at least one local member"})
	ConnectionsLocal    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connections", Help: "Connections owned by this process"})
	ConnectionsEvicted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "connections_evicted_total", Help: "Connections evicted for missed heartbeats"})
	DeliveryBufferDrops = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "delivery_buffer_drops_total", Help: "Messages dropped because a connection send buffer was full"})

	SOSTriggered   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "sos_triggered_total", Help: "SOS trigger calls by outcome"}, []string{"outcome"})
	SOSTaskResults = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "sos_task_results_total", Help: "SOS task attempts by kind and result"}, []string{"kind", "result"})
	SOSEscalations = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sos_escalations_total", Help: "SOS tasks escalated after exhausting retries"})
	SOSCompletion  = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sos_completion_seconds",
		Help:      "Trigger to completed latency",
		Buckets:   []float64{.025, .05, .1, .2, .3, .5, 1, 2},
	})

	PoolQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "pool_queue_depth", Help: "Queued jobs per worker pool"}, []string{"pool"})
	PoolRejected   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "pool_rejected_total", Help: "Jobs rejected because a pool queue was full"}, []string{"pool"})

	SyncRowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "sync_rows_written_total", Help: "History rows upserted per sink"}, []string{"sink"})
	SyncErrors      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "sync_errors_total", Help: "Failed history flushes per sink"}, []string{"sink"})
	ReplayTrimmed   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "replay_trimmed_total", Help: "Replay entries removed by retention"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
