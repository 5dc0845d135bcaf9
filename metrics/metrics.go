package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "gowal"

var (
	// InsertsTotal counts records copied into the log buffer
	InsertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "log",
		Name:      "inserts_total",
		Help:      "Number of records inserted into the log buffer",
	})

	InsertedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "log",
		Name:      "inserted_bytes_total",
		Help:      "Bytes of log records inserted into the log buffer",
	})

	// BufferWaitsTotal counts inserts that had to wait, by reason
	BufferWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "log",
		Name:      "waits_total",
		Help:      "Number of times an insert waited for buffer or log space",
	}, []string{"reason"})

	FlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "log",
		Name:      "flushes_total",
		Help:      "Number of flush daemon write+sync cycles",
	})

	// FlushDuration stores the time of one write+sync cycle
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "log",
		Name:      "flush_duration_seconds",
		Help:      "Time taken to write and sync one batch of log buffer",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	FlushedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "log",
		Name:      "flushed_bytes_total",
		Help:      "Bytes written to partitions by the flush daemon, padding included",
	})

	// DurableLSN exports the packed durable LSN
	DurableLSN = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "log",
		Name:      "durable_lsn",
		Help:      "Packed LSN up to which the log is durable",
	})

	CompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "log",
		Name:      "compensations_total",
		Help:      "In-place compensation attempts partitioned by result",
	}, []string{"result"})

	SpaceAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "space",
		Name:      "available_bytes",
		Help:      "Log bytes producers may still consume",
	})

	SpaceReservedForChkpt = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "space",
		Name:      "chkpt_reserved_bytes",
		Help:      "Log bytes set aside so a checkpoint can complete",
	})

	PartitionsScavengedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "partition",
		Name:      "scavenged_total",
		Help:      "Number of partitions destroyed by scavenging",
	})

	CloseMinRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "partition",
		Name:      "close_min_retries_total",
		Help:      "Number of times a slot was still needed when rotating",
	})

	CheckpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chkpt",
		Name:      "taken_total",
		Help:      "Number of completed checkpoints",
	})

	CheckpointDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "chkpt",
		Name:      "duration_seconds",
		Help:      "Time taken to write one checkpoint",
	})
)
