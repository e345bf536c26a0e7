package metrics

import (
	"math"
	"testing"
	"time"

	"meshmon/internal/model"
)

func TestSummarize_Basic(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	snr := 4.0
	items := []model.ProbeResult{
		{Timestamp: now.Add(-2 * time.Hour), Status: model.ProbeSuccess, RTT: time.Hour},
		{Timestamp: now.Add(-10 * time.Second), Status: model.ProbeSuccess, RTT: 10 * time.Millisecond, HopsTo: 1, HopsBack: 2, SNR: &snr},
		{Timestamp: now.Add(-5 * time.Second), Status: model.ProbeSuccess, RTT: 20 * time.Millisecond, HopsTo: 3, HopsBack: 2},
		{Timestamp: now.Add(-4 * time.Second), Status: model.ProbeTimeout},
	}
	s := Summarize(items, now.Add(-1*time.Minute))
	if s.Count != 3 || s.Successes != 2 || s.Timeouts != 1 {
		t.Fatalf("count=%d successes=%d timeouts=%d", s.Count, s.Successes, s.Timeouts)
	}
	if math.Abs(s.SuccessRate-66.666) > 0.01 {
		t.Fatalf("success_rate=%.2f", s.SuccessRate)
	}
	if s.AvgRTTMs != 15 {
		t.Fatalf("avg_rtt=%.2f", s.AvgRTTMs)
	}
	if s.MinRTTMs != 10 || s.MaxRTTMs != 20 {
		t.Fatalf("min/max=%.2f/%.2f", s.MinRTTMs, s.MaxRTTMs)
	}
	if s.P95RTTMs != 20 {
		t.Fatalf("p95=%.2f", s.P95RTTMs)
	}
	if s.AvgHopsTo != 2 || s.AvgHopsBack != 2 {
		t.Fatalf("hops=%.2f/%.2f", s.AvgHopsTo, s.AvgHopsBack)
	}
	if s.AvgSNR != 4 || s.SNRSamples != 1 {
		t.Fatalf("snr=%.2f samples=%d", s.AvgSNR, s.SNRSamples)
	}
}

func TestSummarize_SingleSample(t *testing.T) {
	t.Parallel()

	s := Summarize([]model.ProbeResult{{Status: model.ProbeSuccess, RTT: time.Second}}, time.Time{})
	if s.StdDevRTTMs != 0 || s.AvgRTTMs != 1000 {
		t.Fatalf("avg=%.2f std=%.2f", s.AvgRTTMs, s.StdDevRTTMs)
	}
}

func TestSummarizeByTarget(t *testing.T) {
	t.Parallel()

	items := []model.ProbeResult{
		{Target: "!00000001", Status: model.ProbeSuccess},
		{Target: "1", Status: model.ProbeTimeout},
		{Target: "!00000002", Status: model.ProbeSuccess},
	}
	got := SummarizeByTarget(items, time.Time{})
	if len(got) != 2 || got["!00000001"].Count != 2 || got["!00000002"].Count != 1 {
		t.Fatalf("by target: %+v", got)
	}
}

func TestPercentile_Edges(t *testing.T) {
	t.Parallel()

	values := []float64{1, 2, 3, 4}
	if got := percentile(values, 0); got != 1 {
		t.Fatalf("p0=%v", got)
	}
	if got := percentile(values, 1); got != 4 {
		t.Fatalf("p100=%v", got)
	}
	if got := percentile(values, 0.5); got != 2 {
		t.Fatalf("p50=%v", got)
	}
}
