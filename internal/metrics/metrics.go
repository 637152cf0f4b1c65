package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	docsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docpipe",
			Name:      "documents_ingested_total",
			Help:      "Documents accepted at ingest, by kind",
		},
		[]string{"kind"},
	)

	docsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docpipe",
			Name:      "documents_processed_total",
			Help:      "Documents reaching a terminal state (completed, failed, kb_parse_failed)",
		},
		[]string{"result"},
	)

	conversionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docpipe",
			Name:      "conversion_duration_seconds",
			Help:      "Markdown conversion duration by strategy",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"strategy"},
	)

	visionPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docpipe",
			Name:      "vision_pages_total",
			Help:      "Scanned pages sent to the vision model, by result",
		},
		[]string{"result"},
	)

	kbRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docpipe",
			Name:      "kb_requests_total",
			Help:      "Knowledge-base API requests by operation and result",
		},
		[]string{"op", "result"},
	)

	kbParseWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docpipe",
			Name:      "kb_parse_wait_seconds",
			Help:      "Time from KB upload to a terminal parse state",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	reportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docpipe",
			Name:      "reports_total",
			Help:      "Report workflow calls by result",
		},
		[]string{"result"},
	)

	reportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docpipe",
			Name:      "report_duration_seconds",
			Help:      "Report workflow duration",
			Buckets:   []float64{1, 5, 15, 60, 120, 300, 600, 1200},
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docpipe",
			Name:      "queue_depth",
			Help:      "Queue depth gauges for the process stream and dlq",
		},
		[]string{"queue"},
	)

	workersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docpipe",
			Name:      "workers_busy",
			Help:      "Workers currently running a job",
		},
	)

	pollersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docpipe",
			Name:      "pollers_active",
			Help:      "Parse pollers currently running",
		},
	)
)

// Init registers collectors.
func Init() {
	prometheus.MustRegister(
		docsIngested, docsProcessed, conversionDuration, visionPages,
		kbRequests, kbParseWait, reportsTotal, reportDuration,
		queueDepth, workersBusy, pollersActive,
	)
}

// Handler returns the http.Handler for /metrics.
func Handler() http.Handler { return promhttp.Handler() }

func IncIngested(kind string) { docsIngested.WithLabelValues(kind).Inc() }

func IncProcessed(result string) { docsProcessed.WithLabelValues(result).Inc() }

func ObserveConversion(strategy string, dur time.Duration) {
	conversionDuration.WithLabelValues(strategy).Observe(dur.Seconds())
}

func IncVisionPage(result string) { visionPages.WithLabelValues(result).Inc() }

func ObserveKBRequest(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	kbRequests.WithLabelValues(op, result).Inc()
}

func ObserveParseWait(dur time.Duration) { kbParseWait.Observe(dur.Seconds()) }

func ObserveReport(result string, dur time.Duration) {
	reportsTotal.WithLabelValues(result).Inc()
	reportDuration.Observe(dur.Seconds())
}

func SetQueueDepth(queue string, v int64) { queueDepth.WithLabelValues(queue).Set(float64(v)) }

func WorkerBusy(delta int) { workersBusy.Add(float64(delta)) }

func PollerStarted() { pollersActive.Inc() }
func PollerStopped() { pollersActive.Dec() }
