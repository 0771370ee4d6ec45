package nvme

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are the upper bounds of the latency histogram in
// nanoseconds, 1us to 10s in decades.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks completions seen by a Device. All fields are updated
// from completion handlers and may be read concurrently.
type Metrics struct {
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64
	FlushOps atomic.Uint64

	// payload bytes of successful transfers
	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	// completions with a non-zero status
	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	FlushErrors atomic.Uint64

	// Rejected counts requests refused before reaching the ring; Timeouts
	// counts waits abandoned while the command stayed outstanding.
	Rejected atomic.Uint64
	Timeouts atomic.Uint64

	// in-flight requests sampled at submit
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyBuckets[i] counts completions with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano, 0 while running
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a completed read
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a completed write
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFlush records a completed flush
func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordRejected records a request the dispatcher refused
func (m *Metrics) RecordRejected() {
	m.Rejected.Add(1)
}

// RecordTimeout records an abandoned wait
func (m *Metrics) RecordTimeout() {
	m.Timeouts.Add(1)
}

// RecordQueueDepth records the number of requests in flight on a queue
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current || m.MaxQueueDepth.CompareAndSwap(current, depth) {
			return
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped
func (m *Metrics) Stop() {
	m.StopTime.CompareAndSwap(0, time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates
type MetricsSnapshot struct {
	ReadOps  uint64
	WriteOps uint64
	FlushOps uint64

	ReadBytes  uint64
	WriteBytes uint64

	ReadErrors  uint64
	WriteErrors uint64
	FlushErrors uint64
	Rejected    uint64
	Timeouts    uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64 // bytes per second
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64 // percent of completions with an error status
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:       m.ReadOps.Load(),
		WriteOps:      m.WriteOps.Load(),
		FlushOps:      m.FlushOps.Load(),
		ReadBytes:     m.ReadBytes.Load(),
		WriteBytes:    m.WriteBytes.Load(),
		ReadErrors:    m.ReadErrors.Load(),
		WriteErrors:   m.WriteErrors.Load(),
		FlushErrors:   m.FlushErrors.Load(),
		Rejected:      m.Rejected.Load(),
		Timeouts:      m.Timeouts.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}
	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.FlushOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	if n := m.QueueDepthCount.Load(); n > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(n)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	start, stop := m.StartTime.Load(), m.StopTime.Load()
	if stop == 0 {
		stop = time.Now().UnixNano()
	}
	snap.UptimeNs = uint64(stop - start)

	if snap.UptimeNs > 0 {
		secs := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / secs
		snap.WriteIOPS = float64(snap.WriteOps) / secs
		snap.ReadBandwidth = float64(snap.ReadBytes) / secs
		snap.WriteBandwidth = float64(snap.WriteBytes) / secs
	}

	if snap.TotalOps > 0 {
		errs := snap.ReadErrors + snap.WriteErrors + snap.FlushErrors
		snap.ErrorRate = float64(errs) / float64(snap.TotalOps) * 100.0
	}

	for i := range numLatencyBuckets {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = percentile(snap.LatencyHistogram[:], opCount, 0.50)
		snap.LatencyP99Ns = percentile(snap.LatencyHistogram[:], opCount, 0.99)
		snap.LatencyP999Ns = percentile(snap.LatencyHistogram[:], opCount, 0.999)
	}
	return snap
}

// percentile estimates the latency at p (0.0-1.0) from cumulative bucket
// counts, interpolating linearly inside the bucket that crosses it
func percentile(hist []uint64, total uint64, p float64) uint64 {
	target := uint64(float64(total) * p)

	var lower, prevCount uint64
	for i, upper := range LatencyBuckets {
		count := hist[i]
		if count >= target {
			if count == prevCount {
				return upper
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return lower + uint64(fraction*float64(upper-lower))
		}
		lower, prevCount = upper, count
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes every counter and restarts the uptime clock
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.ReadOps, &m.WriteOps, &m.FlushOps,
		&m.ReadBytes, &m.WriteBytes,
		&m.ReadErrors, &m.WriteErrors, &m.FlushErrors,
		&m.Rejected, &m.Timeouts,
		&m.QueueDepthTotal, &m.QueueDepthCount,
		&m.TotalLatencyNs, &m.OpCount,
	} {
		c.Store(0)
	}
	m.MaxQueueDepth.Store(0)
	for i := range numLatencyBuckets {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives every completion and queue-depth sample. Calls come
// from queue drain goroutines and must not block.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveQueueDepth(qid uint16, depth uint32)
	ObserveRejected()
	ObserveTimeout()
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveFlush(uint64, bool)         {}
func (NoOpObserver) ObserveQueueDepth(uint16, uint32)  {}
func (NoOpObserver) ObserveRejected()                  {}
func (NoOpObserver) ObserveTimeout()                   {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.metrics.RecordFlush(latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueDepth(_ uint16, depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

func (o *MetricsObserver) ObserveRejected() { o.metrics.RecordRejected() }
func (o *MetricsObserver) ObserveTimeout()  { o.metrics.RecordTimeout() }

// MultiObserver fans every observation out to each of its observers
type MultiObserver []Observer

func (m MultiObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveRead(bytes, latencyNs, success)
	}
}

func (m MultiObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveWrite(bytes, latencyNs, success)
	}
}

func (m MultiObserver) ObserveFlush(latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveFlush(latencyNs, success)
	}
}

func (m MultiObserver) ObserveQueueDepth(qid uint16, depth uint32) {
	for _, o := range m {
		o.ObserveQueueDepth(qid, depth)
	}
}

func (m MultiObserver) ObserveRejected() {
	for _, o := range m {
		o.ObserveRejected()
	}
}

func (m MultiObserver) ObserveTimeout() {
	for _, o := range m {
		o.ObserveTimeout()
	}
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
	_ Observer = MultiObserver(nil)
)
