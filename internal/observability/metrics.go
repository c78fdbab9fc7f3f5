package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	memoryAppendTotal    *prometheus.CounterVec
	memoryDuplicateTotal *prometheus.CounterVec
	memoryAppendDuration prometheus.Histogram

	knowledgeWriteTotal *prometheus.CounterVec

	searchDuration     prometheus.Histogram
	searchResults      prometheus.Histogram
	searchIndexEntries *prometheus.GaugeVec
	indexSyncDuration  prometheus.Histogram

	syncCompleteTotal *prometheus.CounterVec
	syncItemsTotal    *prometheus.CounterVec
	syncStaleSources  *prometheus.GaugeVec
	connectorRunTotal *prometheus.CounterVec

	migrationRowsTotal *prometheus.CounterVec
	migrationErrors    *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			memoryAppendTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_entries_appended_total",
					Help: "New memory entries written by source.",
				},
				[]string{"source"},
			),
			memoryDuplicateTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_entries_duplicate_total",
					Help: "Memory entries skipped because their id already existed, by source.",
				},
				[]string{"source"},
			),
			memoryAppendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_append_duration_seconds",
					Help:    "Memory batch append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			knowledgeWriteTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "knowledge_writes_total",
					Help: "Knowledge file rewrites by document kind.",
				},
				[]string{"kind"},
			),
			searchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "search_duration_seconds",
					Help:    "Hybrid search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			searchResults: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "search_results",
					Help:    "Number of results returned per hybrid search.",
					Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
				},
			),
			searchIndexEntries: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "search_index_documents",
					Help: "Documents in the search index by project and layer.",
				},
				[]string{"project", "layer"},
			),
			indexSyncDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "search_index_sync_duration_seconds",
					Help:    "Search index sync duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			syncCompleteTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sync_complete_total",
					Help: "Recorded successful syncs by project and source.",
				},
				[]string{"project", "source"},
			),
			syncItemsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sync_items_total",
					Help: "Items reported by successful syncs, by project and source.",
				},
				[]string{"project", "source"},
			),
			syncStaleSources: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "sync_stale_sources",
					Help: "Number of canonical sources currently stale, by project.",
				},
				[]string{"project"},
			),
			connectorRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "connector_runs_total",
					Help: "Connector runs by source and status.",
				},
				[]string{"source", "status"},
			),
			migrationRowsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "migration_rows_total",
					Help: "Legacy rows migrated into project journals, by source.",
				},
				[]string{"source"},
			),
			migrationErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "migration_errors_total",
					Help: "Per-source migration failures.",
				},
				[]string{"source"},
			),
		}

		prometheus.MustRegister(
			m.memoryAppendTotal,
			m.memoryDuplicateTotal,
			m.memoryAppendDuration,
			m.knowledgeWriteTotal,
			m.searchDuration,
			m.searchResults,
			m.searchIndexEntries,
			m.indexSyncDuration,
			m.syncCompleteTotal,
			m.syncItemsTotal,
			m.syncStaleSources,
			m.connectorRunTotal,
			m.migrationRowsTotal,
			m.migrationErrors,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordMemoryAppend(source string, written, duplicates int, duration time.Duration) {
	m := getMetrics()
	m.memoryAppendTotal.WithLabelValues(source).Add(float64(written))
	m.memoryDuplicateTotal.WithLabelValues(source).Add(float64(duplicates))
	m.memoryAppendDuration.Observe(duration.Seconds())
}

func RecordKnowledgeWrite(kind string) {
	getMetrics().knowledgeWriteTotal.WithLabelValues(kind).Inc()
}

func RecordSearch(duration time.Duration, results int) {
	m := getMetrics()
	m.searchDuration.Observe(duration.Seconds())
	m.searchResults.Observe(float64(results))
}

func RecordIndexSync(duration time.Duration) {
	getMetrics().indexSyncDuration.Observe(duration.Seconds())
}

func SetIndexDocuments(project, layer string, total int) {
	getMetrics().searchIndexEntries.WithLabelValues(project, layer).Set(float64(total))
}

func RecordSyncComplete(project, source string, items int) {
	m := getMetrics()
	m.syncCompleteTotal.WithLabelValues(project, source).Inc()
	if items > 0 {
		m.syncItemsTotal.WithLabelValues(project, source).Add(float64(items))
	}
}

func SetStaleSources(project string, count int) {
	getMetrics().syncStaleSources.WithLabelValues(project).Set(float64(count))
}

func RecordConnectorRun(source string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().connectorRunTotal.WithLabelValues(source, status).Inc()
}

func RecordMigration(source string, rows int, err error) {
	m := getMetrics()
	if err != nil {
		m.migrationErrors.WithLabelValues(source).Inc()
		return
	}
	m.migrationRowsTotal.WithLabelValues(source).Add(float64(rows))
}
