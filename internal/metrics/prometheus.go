package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes ingestion metrics through Prometheus.
type Recorder struct {
	cycles          *prometheus.CounterVec
	fetchErrors     *prometheus.CounterVec
	recordsWritten  prometheus.Counter
	lastPrice       *prometheus.GaugeVec
	cycleDuration   prometheus.Histogram
	commitDuration  prometheus.Histogram
	lastCommitEpoch prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotelake_cycles_total",
				Help: "Ingestion cycles by final status",
			},
			[]string{"status"},
		),
		fetchErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotelake_fetch_errors_total",
				Help: "Instruments excluded from a tick, by error kind",
			},
			[]string{"kind"},
		),
		recordsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "quotelake_records_written_total",
			Help: "Records committed to the archive",
		}),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotelake_last_price",
				Help: "Last archived price for a symbol",
			},
			[]string{"symbol"},
		),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "quotelake_cycle_duration_seconds",
			Help:    "Duration of a full ingestion cycle",
			Buckets: prometheus.DefBuckets,
		}),
		commitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "quotelake_commit_duration_seconds",
			Help:    "Duration of a batch commit",
			Buckets: prometheus.DefBuckets,
		}),
		lastCommitEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "quotelake_last_commit_timestamp_seconds",
			Help: "Unix time of the last committed batch",
		}),
	}
}

func (r *Recorder) RecordCycle(status string, d time.Duration) {
	r.cycles.WithLabelValues(status).Inc()
	r.cycleDuration.Observe(d.Seconds())
}

func (r *Recorder) RecordFetchError(kind string) {
	r.fetchErrors.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordCommit(rows int, d time.Duration, at time.Time) {
	r.recordsWritten.Add(float64(rows))
	r.commitDuration.Observe(d.Seconds())
	r.lastCommitEpoch.Set(float64(at.Unix()))
}

func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}
