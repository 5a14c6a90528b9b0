// Package diagnostic interprets raw loss and round-trip metrics into
// human/agent-readable grades, ratings, and suitability assessments.
package diagnostic

import (
	"fmt"
	"strings"

	"github.com/saveenergy/losstest/pkg/types"
)

// Interpretation holds the semantic interpretation of a loss test.
type Interpretation struct {
	Grade           string   `json:"grade"`
	Summary         string   `json:"summary"`
	LatencyRating   string   `json:"latency_rating"`
	LossRating      string   `json:"loss_rating"`
	StabilityRating string   `json:"stability_rating"`
	SuitableFor     []string `json:"suitable_for"`
	Concerns        []string `json:"concerns"`
}

// Params are the raw metrics to interpret. A negative LossPercent means loss
// was not measured.
type Params struct {
	Sent        int64
	LossPercent float64
	LatencyMs   float64
	JitterMs    float64
	P99Ms       float64
}

// FromSummary maps a run summary onto Params.
func FromSummary(s types.Summary) Params {
	p := Params{
		Sent:        s.Sent,
		LossPercent: s.LossPercent,
		LatencyMs:   s.RTT.AvgMs,
		JitterMs:    s.RTT.JitterMs,
		P99Ms:       s.RTT.P99Ms,
	}
	if s.Sent == 0 {
		p.LossPercent = -1
	}
	return p
}

// Interpret produces a diagnostic Interpretation from raw metrics.
func Interpret(p Params) *Interpretation {
	interp := &Interpretation{
		SuitableFor: []string{},
		Concerns:    []string{},
	}

	interp.LatencyRating = rateLatency(p.LatencyMs)
	interp.LossRating = rateLoss(p.LossPercent)
	interp.StabilityRating = rateStability(p.JitterMs, p.LatencyMs, p.P99Ms)

	interp.SuitableFor = suitability(p)
	interp.Concerns = concerns(p)

	interp.Grade = computeGrade(interp.LatencyRating, interp.LossRating, interp.StabilityRating)
	if p.LossPercent >= 100 {
		interp.Grade = "F"
	}
	interp.Summary = buildSummary(interp.Grade, p)

	return interp
}

func rateLatency(ms float64) string {
	switch {
	case ms <= 0:
		return "unknown"
	case ms <= 20:
		return "excellent"
	case ms <= 50:
		return "good"
	case ms <= 100:
		return "fair"
	default:
		return "poor"
	}
}

func rateLoss(pct float64) string {
	switch {
	case pct < 0:
		return "unknown"
	case pct == 0:
		return "excellent"
	case pct <= 0.5:
		return "good"
	case pct <= 2:
		return "fair"
	case pct <= 5:
		return "degraded"
	default:
		return "poor"
	}
}

// rateStability looks at jitter and at how far the tail sits above the mean.
func rateStability(jitterMs, avgMs, p99Ms float64) string {
	if jitterMs <= 0 && avgMs <= 0 {
		return "unknown"
	}
	spread := 0.0
	if avgMs > 0 && p99Ms > avgMs {
		spread = p99Ms / avgMs
	}
	switch {
	case jitterMs > 30 || spread > 5:
		return "unstable"
	case jitterMs > 10 || spread > 3:
		return "degraded"
	case jitterMs > 5:
		return "fair"
	default:
		return "stable"
	}
}

func suitability(p Params) []string {
	s := []string{}
	measured := p.LossPercent >= 0 && p.LatencyMs > 0

	if !measured {
		return s
	}

	// Browsing tolerates some loss and latency.
	if p.LossPercent < 5 && p.LatencyMs < 200 {
		s = append(s, "web_browsing")
	}

	// Streaming buffers hide jitter but not sustained loss.
	if p.LossPercent < 2 && p.LatencyMs < 150 {
		s = append(s, "streaming")
	}

	// VoIP: latency < 150ms, jitter < 30ms, loss < 1%
	if p.LossPercent < 1 && p.LatencyMs < 150 && p.JitterMs < 30 {
		s = append(s, "voip")
	}

	// Video conferencing: latency < 100ms, jitter < 30ms, loss < 1%
	if p.LossPercent < 1 && p.LatencyMs < 100 && p.JitterMs < 30 {
		s = append(s, "video_conferencing")
	}

	// Gaming: latency < 50ms, jitter < 15ms, loss < 1%
	if p.LossPercent < 1 && p.LatencyMs < 50 && p.JitterMs < 15 {
		s = append(s, "gaming")
	}

	return s
}

func concerns(p Params) []string {
	c := []string{}

	if p.LossPercent >= 100 {
		c = append(c, "no_replies")
	} else if p.LossPercent > 1 {
		c = append(c, "packet_loss")
	}
	if p.LatencyMs > 100 {
		c = append(c, "high_latency")
	}
	if p.JitterMs > 30 {
		c = append(c, "high_jitter")
	}
	if p.LatencyMs > 0 && p.P99Ms > 5*p.LatencyMs {
		c = append(c, "latency_spikes")
	}
	if p.Sent > 0 && p.Sent < 10 {
		c = append(c, "small_sample")
	}

	return c
}

var ratingScore = map[string]int{
	"excellent": 4,
	"stable":    4,
	"good":      3,
	"fair":      2,
	"degraded":  1,
	"poor":      0,
	"unstable":  0,
	"unknown":   2, // neutral default
}

func computeGrade(latency, loss, stability string) string {
	score := ratingScore[latency] + ratingScore[loss] + ratingScore[stability]
	// Max score = 12 (4+4+4)
	switch {
	case score >= 11:
		return "A"
	case score >= 9:
		return "B"
	case score >= 6:
		return "C"
	case score >= 3:
		return "D"
	default:
		return "F"
	}
}

var gradeDesc = map[string]string{
	"A": "Excellent",
	"B": "Good",
	"C": "Fair",
	"D": "Poor",
	"F": "Very poor",
}

func buildSummary(grade string, p Params) string {
	parts := []string{}
	if p.LossPercent >= 0 {
		parts = append(parts, fmt.Sprintf("%.1f%% loss", p.LossPercent))
	}
	if p.LatencyMs > 0 {
		parts = append(parts, fmt.Sprintf("%.0fms latency", p.LatencyMs))
	}
	if p.JitterMs > 0 {
		parts = append(parts, fmt.Sprintf("%.1fms jitter", p.JitterMs))
	}

	summary := gradeDesc[grade] + " path"
	if len(parts) > 0 {
		summary += ": " + strings.Join(parts, ", ")
	}
	return summary
}
