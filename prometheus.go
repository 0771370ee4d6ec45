package nvme

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver exports completions as Prometheus metrics
type PrometheusObserver struct {
	ops      *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	depth    *prometheus.GaugeVec
	rejected prometheus.Counter
	timeouts prometheus.Counter
}

// NewPrometheusObserver creates the collectors and registers them with reg.
// Every series carries labels.
func NewPrometheusObserver(reg prometheus.Registerer, labels prometheus.Labels) (*PrometheusObserver, error) {
	buckets := make([]float64, len(LatencyBuckets))
	for i, ns := range LatencyBuckets {
		buckets[i] = float64(ns) / 1e9
	}

	o := &PrometheusObserver{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "nvme",
			Name:        "requests_total",
			Help:        "Completed block requests by operation and result.",
			ConstLabels: labels,
		}, []string{"op", "result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "nvme",
			Name:        "transferred_bytes_total",
			Help:        "Payload bytes moved by successful reads and writes.",
			ConstLabels: labels,
		}, []string{"op"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "nvme",
			Name:        "request_duration_seconds",
			Help:        "Time from submission to completion.",
			Buckets:     buckets,
			ConstLabels: labels,
		}, []string{"op"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "nvme",
			Name:        "queue_in_flight",
			Help:        "Requests in flight on an I/O queue, sampled at submission.",
			ConstLabels: labels,
		}, []string{"qid"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "nvme",
			Name:        "rejected_requests_total",
			Help:        "Requests refused before reaching a submission queue.",
			ConstLabels: labels,
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "nvme",
			Name:        "abandoned_waits_total",
			Help:        "Synchronous waits that ended before their command completed.",
			ConstLabels: labels,
		}),
	}

	for _, c := range []prometheus.Collector{o.ops, o.bytes, o.latency, o.depth, o.rejected, o.timeouts} {
		if err := reg.Register(c); err != nil {
			return nil, WrapError("register_metrics", err)
		}
	}
	return o, nil
}

func result(success bool) string {
	if success {
		return "ok"
	}
	return "error"
}

func (o *PrometheusObserver) observe(op string, bytes uint64, latencyNs uint64, success bool) {
	o.ops.WithLabelValues(op, result(success)).Inc()
	if success && bytes > 0 {
		o.bytes.WithLabelValues(op).Add(float64(bytes))
	}
	o.latency.WithLabelValues(op).Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.observe("read", bytes, latencyNs, success)
}

func (o *PrometheusObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.observe("write", bytes, latencyNs, success)
}

func (o *PrometheusObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.observe("flush", 0, latencyNs, success)
}

func (o *PrometheusObserver) ObserveQueueDepth(qid uint16, depth uint32) {
	o.depth.WithLabelValues(strconv.Itoa(int(qid))).Set(float64(depth))
}

func (o *PrometheusObserver) ObserveRejected() { o.rejected.Inc() }
func (o *PrometheusObserver) ObserveTimeout()  { o.timeouts.Inc() }

var _ Observer = (*PrometheusObserver)(nil)
