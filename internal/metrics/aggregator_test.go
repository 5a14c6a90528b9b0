package metrics_test

import (
	"math"
	"testing"
	"time"

	"github.com/saveenergy/losstest/internal/metrics"
	"github.com/saveenergy/losstest/pkg/types"
)

func TestAggregatorEmpty(t *testing.T) {
	s := metrics.NewAggregator().Finalize()
	if s.Sent != 0 || s.Received != 0 || s.Lost != 0 {
		t.Fatalf("counts = %+v, want zero", s)
	}
	if s.LossPercent != 0 {
		t.Fatalf("loss = %v, want 0", s.LossPercent)
	}
	if s.RTT.Count != 0 || s.RTT.AvgMs != 0 {
		t.Fatalf("rtt = %+v, want zero", s.RTT)
	}
}

func TestAggregatorCountsAndLoss(t *testing.T) {
	a := metrics.NewAggregator()
	for i := 0; i < 100; i++ {
		o := types.Outcome{Sequence: uint64(i), Sent: true}
		if i%4 != 0 {
			o.Received = true
			o.RTT = time.Duration(i) * time.Millisecond
		}
		a.Record(o)
	}
	a.Record(types.Outcome{Sequence: 100})

	s := a.Finalize()
	if s.Sent != 100 {
		t.Fatalf("sent = %d, want 100", s.Sent)
	}
	if s.Lost != 25 || s.Received != 75 {
		t.Fatalf("received=%d lost=%d, want 75/25", s.Received, s.Lost)
	}
	if s.Sent != s.Received+s.Lost {
		t.Fatalf("sent %d != received %d + lost %d", s.Sent, s.Received, s.Lost)
	}
	if s.LossPercent != 25 {
		t.Fatalf("loss = %v, want 25", s.LossPercent)
	}
	if s.RTT.Count != 75 {
		t.Fatalf("rtt count = %d, want 75", s.RTT.Count)
	}
}

func TestAggregatorAllLost(t *testing.T) {
	a := metrics.NewAggregator()
	for i := 0; i < 10; i++ {
		a.Record(types.Outcome{Sequence: uint64(i), Sent: true})
	}
	s := a.Finalize()
	if s.LossPercent != 100 {
		t.Fatalf("loss = %v, want 100", s.LossPercent)
	}
	if s.RTT.Count != 0 || s.RTT.MaxMs != 0 {
		t.Fatalf("rtt = %+v, want empty", s.RTT)
	}
}

func TestAggregatorSideCounters(t *testing.T) {
	a := metrics.NewAggregator()
	a.CountMalformed()
	a.CountStale()
	a.CountStale()
	s := a.Finalize()
	if s.Malformed != 1 || s.Stale != 2 {
		t.Fatalf("malformed=%d stale=%d, want 1/2", s.Malformed, s.Stale)
	}
	if s.Sent != 0 {
		t.Fatalf("side counters changed sent: %d", s.Sent)
	}
}

func TestCalculateRTT(t *testing.T) {
	samples := []time.Duration{
		10 * time.Millisecond,
		30 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
	}
	s := metrics.CalculateRTT(samples)

	if s.MinMs != 10 || s.MaxMs != 40 {
		t.Fatalf("min/max = %v/%v, want 10/40", s.MinMs, s.MaxMs)
	}
	if s.AvgMs != 25 {
		t.Fatalf("avg = %v, want 25", s.AvgMs)
	}
	if s.MinMs > s.AvgMs || s.AvgMs > s.MaxMs {
		t.Fatalf("ordering violated: %+v", s)
	}
	// |30-10| + |20-30| + |40-20| = 50 over 3 gaps
	if math.Abs(s.JitterMs-50.0/3.0) > 1e-9 {
		t.Fatalf("jitter = %v, want %v", s.JitterMs, 50.0/3.0)
	}
	if s.P50Ms != 30 || s.P99Ms != 40 {
		t.Fatalf("p50/p99 = %v/%v, want 30/40", s.P50Ms, s.P99Ms)
	}
}

func TestCalculateJitterSingleSample(t *testing.T) {
	if got := metrics.CalculateJitter([]time.Duration{5 * time.Millisecond}); got != 0 {
		t.Fatalf("jitter = %v, want 0", got)
	}
}

func TestLossPercent(t *testing.T) {
	tests := []struct {
		sent, lost int64
		want       float64
	}{
		{0, 0, 0},
		{10, 0, 0},
		{10, 10, 100},
		{8, 2, 25},
	}
	for _, tt := range tests {
		if got := metrics.LossPercent(tt.sent, tt.lost); got != tt.want {
			t.Fatalf("LossPercent(%d, %d) = %v, want %v", tt.sent, tt.lost, got, tt.want)
		}
	}
}
