package nvme

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordRead(4096, 1_000_000, true)
	m.RecordWrite(8192, 2_000_000, true)
	m.RecordRead(512, 500_000, false)
	m.RecordFlush(100_000, true)

	snap = m.Snapshot()
	if snap.ReadOps != 2 {
		t.Errorf("Expected 2 read ops, got %d", snap.ReadOps)
	}
	if snap.WriteOps != 1 {
		t.Errorf("Expected 1 write op, got %d", snap.WriteOps)
	}
	if snap.FlushOps != 1 {
		t.Errorf("Expected 1 flush op, got %d", snap.FlushOps)
	}

	// failed transfers move no bytes
	if snap.ReadBytes != 4096 {
		t.Errorf("Expected 4096 read bytes, got %d", snap.ReadBytes)
	}
	if snap.TotalBytes != 4096+8192 {
		t.Errorf("Expected %d total bytes, got %d", 4096+8192, snap.TotalBytes)
	}
	if snap.ReadErrors != 1 || snap.WriteErrors != 0 {
		t.Errorf("Expected 1 read error and no write errors, got %d/%d", snap.ReadErrors, snap.WriteErrors)
	}

	if snap.ErrorRate < 24.9 || snap.ErrorRate > 25.1 {
		t.Errorf("Expected error rate ~25%%, got %.1f%%", snap.ErrorRate)
	}
}

func TestMetricsRejectedAndTimeouts(t *testing.T) {
	m := NewMetrics()
	m.RecordRejected()
	m.RecordRejected()
	m.RecordTimeout()

	snap := m.Snapshot()
	if snap.Rejected != 2 || snap.Timeouts != 1 {
		t.Errorf("Expected 2 rejected and 1 timeout, got %d/%d", snap.Rejected, snap.Timeouts)
	}
	if snap.TotalOps != 0 {
		t.Errorf("Rejected requests never complete, got %d ops", snap.TotalOps)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordQueueDepth(10)
	m.RecordQueueDepth(20)
	m.RecordQueueDepth(15)

	snap := m.Snapshot()
	if snap.MaxQueueDepth != 20 {
		t.Errorf("Expected max queue depth 20, got %d", snap.MaxQueueDepth)
	}
	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgQueueDepth < expectedAvg-0.1 || snap.AvgQueueDepth > expectedAvg+0.1 {
		t.Errorf("Expected avg queue depth %.1f, got %.1f", expectedAvg, snap.AvgQueueDepth)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordRead(1024, 1_000_000, true)
	m.RecordWrite(1024, 2_000_000, true)

	if got := m.Snapshot().AvgLatencyNs; got != 1_500_000 {
		t.Errorf("Expected avg latency 1500000 ns, got %d ns", got)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	stopped := m.StopTime.Load()
	time.Sleep(5 * time.Millisecond)
	m.Stop()
	if m.StopTime.Load() != stopped {
		t.Error("A second Stop should keep the first stop time")
	}

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1_000_000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordRead(1024, 1_000_000, true)
	m.RecordWrite(2048, 2_000_000, true)
	m.RecordQueueDepth(10)
	m.RecordTimeout()
	m.Stop()

	m.Reset()

	snap := m.Snapshot()
	if snap.TotalOps != 0 || snap.TotalBytes != 0 {
		t.Errorf("Expected no ops or bytes after reset, got %d/%d", snap.TotalOps, snap.TotalBytes)
	}
	if snap.MaxQueueDepth != 0 || snap.Timeouts != 0 {
		t.Errorf("Expected zero depth and timeouts after reset, got %d/%d", snap.MaxQueueDepth, snap.Timeouts)
	}
	if m.StopTime.Load() != 0 {
		t.Error("Reset should restart the uptime clock")
	}
}

func TestObserver(t *testing.T) {
	var noop Observer = NoOpObserver{}
	noop.ObserveRead(1024, 1_000_000, true)
	noop.ObserveFlush(1_000_000, true)
	noop.ObserveQueueDepth(1, 10)
	noop.ObserveTimeout()

	a, b := NewMetrics(), NewMetrics()
	obs := MultiObserver{NewMetricsObserver(a), NewMetricsObserver(b)}

	obs.ObserveRead(1024, 1_000_000, true)
	obs.ObserveWrite(2048, 2_000_000, false)
	obs.ObserveQueueDepth(2, 7)
	obs.ObserveRejected()

	for _, m := range []*Metrics{a, b} {
		snap := m.Snapshot()
		if snap.ReadOps != 1 || snap.ReadBytes != 1024 {
			t.Errorf("Expected 1 read of 1024 bytes, got %d/%d", snap.ReadOps, snap.ReadBytes)
		}
		if snap.WriteOps != 1 || snap.WriteErrors != 1 || snap.WriteBytes != 0 {
			t.Errorf("Expected 1 failed write, got ops=%d errors=%d bytes=%d", snap.WriteOps, snap.WriteErrors, snap.WriteBytes)
		}
		if snap.MaxQueueDepth != 7 || snap.Rejected != 1 {
			t.Errorf("Expected depth 7 and 1 rejected, got %d/%d", snap.MaxQueueDepth, snap.Rejected)
		}
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	start := time.Now()
	m.StartTime.Store(start.UnixNano())
	m.RecordRead(1024, 1_000_000, true)
	m.RecordWrite(2048, 2_000_000, true)
	m.StopTime.Store(start.Add(time.Second).UnixNano())

	snap := m.Snapshot()
	if snap.ReadIOPS < 0.9 || snap.ReadIOPS > 1.1 {
		t.Errorf("Expected ReadIOPS ~1.0, got %.2f", snap.ReadIOPS)
	}
	if snap.WriteIOPS < 0.9 || snap.WriteIOPS > 1.1 {
		t.Errorf("Expected WriteIOPS ~1.0, got %.2f", snap.WriteIOPS)
	}
	if snap.ReadBandwidth < 1000 || snap.ReadBandwidth > 1050 {
		t.Errorf("Expected ReadBandwidth ~1024, got %.2f", snap.ReadBandwidth)
	}
	if snap.WriteBandwidth < 2000 || snap.WriteBandwidth > 2100 {
		t.Errorf("Expected WriteBandwidth ~2048, got %.2f", snap.WriteBandwidth)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	// 50 at 500us, 49 at 5ms, 1 at 50ms
	for range 50 {
		m.RecordRead(4096, 500_000, true)
	}
	for range 49 {
		m.RecordWrite(4096, 5_000_000, true)
	}
	m.RecordWrite(4096, 50_000_000, true)

	snap := m.Snapshot()
	if snap.TotalOps != 100 {
		t.Errorf("Expected 100 total ops, got %d", snap.TotalOps)
	}
	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}
	if snap.LatencyHistogram[numLatencyBuckets-1] != 100 {
		t.Errorf("Expected the last cumulative bucket to hold every op, got %d", snap.LatencyHistogram[numLatencyBuckets-1])
	}
}
