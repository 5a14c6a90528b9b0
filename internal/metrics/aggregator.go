package metrics

import (
	"time"

	"github.com/saveenergy/losstest/pkg/types"
)

// Aggregator accumulates per-packet outcomes for one run. It has a single
// owner (the probe loop) and is not safe for concurrent use.
type Aggregator struct {
	sent      int64
	received  int64
	lost      int64
	malformed int64
	stale     int64
	samples   []time.Duration
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		samples: make([]time.Duration, 0, 1024),
	}
}

// Record appends one outcome. Outcomes that were never put on the wire are
// ignored so Sent == Received + Lost always holds.
func (a *Aggregator) Record(o types.Outcome) {
	if !o.Sent {
		return
	}
	a.sent++
	if !o.Received {
		a.lost++
		return
	}
	a.received++
	rtt := o.RTT
	if rtt < 0 {
		rtt = 0
	}
	a.samples = append(a.samples, rtt)
}

// CountMalformed notes a reply that could not be decoded.
func (a *Aggregator) CountMalformed() { a.malformed++ }

// CountStale notes a reply for a sequence that was already resolved.
func (a *Aggregator) CountStale() { a.stale++ }

// Finalize reduces the tallies into a Summary. It does not mutate the
// aggregator and may be called at any time, including before any Record.
func (a *Aggregator) Finalize() types.Summary {
	return types.Summary{
		Sent:        a.sent,
		Received:    a.received,
		Lost:        a.lost,
		LossPercent: LossPercent(a.sent, a.lost),
		RTT:         CalculateRTT(a.samples),
		Malformed:   a.malformed,
		Stale:       a.stale,
	}
}
