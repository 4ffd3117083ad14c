package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mtholden/libcat/internal/util"
)

// Metrics bundles Prometheus collectors for the catalog service.
type Metrics struct {
	Registry            *prometheus.Registry
	LookupsTotal        *prometheus.CounterVec
	LookupDuration      prometheus.Histogram
	LookupRetriesTotal  prometheus.Counter
	BatchRecordsTotal   *prometheus.CounterVec
	IngestRowsTotal     *prometheus.CounterVec
	ScanEventsTotal     *prometheus.CounterVec
}

// New constructs and registers all metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	lookups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libcat_lookups_total",
			Help: "Total provider lookups by final outcome.",
		},
		[]string{"outcome"},
	)
	lookupDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "libcat_lookup_duration_seconds",
			Help:    "Provider lookup latency including retries.",
			Buckets: prometheus.DefBuckets,
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "libcat_lookup_retries_total",
			Help: "Total provider lookup retry attempts scheduled.",
		},
	)
	batchRecords := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libcat_batch_records_total",
			Help: "Records processed by batch enhancement, by result.",
		},
		[]string{"result"},
	)
	ingestRows := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libcat_ingest_rows_total",
			Help: "Spreadsheet rows processed by classification.",
		},
		[]string{"result"},
	)
	scanEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libcat_scan_events_total",
			Help: "Scan-assign events by result.",
		},
		[]string{"result"},
	)

	registry.MustRegister(lookups, lookupDuration, retries, batchRecords, ingestRows, scanEvents)

	return &Metrics{
		Registry:           registry,
		LookupsTotal:       lookups,
		LookupDuration:     lookupDuration,
		LookupRetriesTotal: retries,
		BatchRecordsTotal:  batchRecords,
		IngestRowsTotal:    ingestRows,
		ScanEventsTotal:    scanEvents,
	}
}

// RegisterQuota exposes the shared provider limiter as gauges: the
// configured per-window quota and the slots currently free.
func (m *Metrics) RegisterQuota(limiter *util.QuotaLimiter) {
	if m == nil || limiter == nil {
		return
	}

	limit := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "libcat_lookup_quota_limit",
		Help: "Provider lookups allowed per rolling window.",
	})
	limit.Set(float64(limiter.Quota()))

	available := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "libcat_lookup_quota_available",
		Help: "Provider lookup slots currently free in the rolling window.",
	}, func() float64 {
		return float64(limiter.Available())
	})

	m.Registry.MustRegister(limit, available)
}

// IncLookup increments the lookup counter for a final outcome label.
func (m *Metrics) IncLookup(outcome string) {
	if m == nil {
		return
	}
	m.LookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveLookupDuration records a lookup duration.
func (m *Metrics) ObserveLookupDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.LookupDuration.Observe(d.Seconds())
}

// IncRetry increments the retry counter.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.LookupRetriesTotal.Inc()
}

// IncBatchRecord increments the batch record counter for a result label.
func (m *Metrics) IncBatchRecord(result string) {
	if m == nil {
		return
	}
	m.BatchRecordsTotal.WithLabelValues(result).Inc()
}

// IncIngestRow increments the ingest row counter for a result label.
func (m *Metrics) IncIngestRow(result string) {
	if m == nil {
		return
	}
	m.IngestRowsTotal.WithLabelValues(result).Inc()
}

// IncScanEvent increments the scan event counter for a result label.
func (m *Metrics) IncScanEvent(result string) {
	if m == nil {
		return
	}
	m.ScanEventsTotal.WithLabelValues(result).Inc()
}
