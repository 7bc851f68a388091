package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const pre = "mamlink_"

var fetchBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Measures groups all gateway metrics.
var Measures = struct {
	Fetches       *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	Publishes     *prometheus.CounterVec
	Coalesced     prometheus.Counter
	Payments      *prometheus.CounterVec
	ThingsOnline  prometheus.Gauge
	ItemChanges   prometheus.Counter
}{
	Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "fetches_total",
		Help: "Stream fetches by outcome (data, empty, error).",
	}, []string{"outcome"}),
	FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    pre + "fetch_duration_seconds",
		Buckets: fetchBuckets,
		Help:    "Duration of a stream fetch through the helper.",
	}),
	Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "publishes_total",
		Help: "Stream publishes by kind (batch, handshake, release) and outcome.",
	}, []string{"kind", "outcome"}),
	Coalesced: prometheus.NewCounter(prometheus.CounterOpts{
		Name: pre + "coalesced_changes_total",
		Help: "Item changes merged into an already pending batch.",
	}),
	Payments: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "payments_total",
		Help: "Payments by direction (received, sent, confirmed).",
	}, []string{"direction"}),
	ThingsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: pre + "things_online",
		Help: "Things currently online.",
	}),
	ItemChanges: prometheus.NewCounter(prometheus.CounterOpts{
		Name: pre + "item_changes_total",
		Help: "Item state changes received from MQTT or Modbus.",
	}),
}

func init() {
	prometheus.MustRegister(
		Measures.Fetches,
		Measures.FetchDuration,
		Measures.Publishes,
		Measures.Coalesced,
		Measures.Payments,
		Measures.ThingsOnline,
		Measures.ItemChanges,
	)
}

func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
