package echo

import (
	"math/rand/v2"
	"time"
)

// Impairment decides the fate of each reply before it is written back.
// It simulates a lossy or slow path without touching the network.
type Impairment interface {
	Decide(p []byte) (drop bool, delay time.Duration)
}

// ImpairmentFunc adapts a function to Impairment.
type ImpairmentFunc func(p []byte) (bool, time.Duration)

func (f ImpairmentFunc) Decide(p []byte) (bool, time.Duration) { return f(p) }

// RandomLoss drops each reply with probability Rate and delays the rest by
// Delay.
type RandomLoss struct {
	Rate  float64
	Delay time.Duration
}

func (r RandomLoss) Decide([]byte) (bool, time.Duration) {
	if r.Rate > 0 && rand.Float64() < r.Rate {
		return true, 0
	}
	return false, r.Delay
}
