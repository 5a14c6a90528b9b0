package types

import "time"

type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

func (p Protocol) Valid() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// Outcome is the result of one transmission attempt. RTT is only meaningful
// when Received is true.
type Outcome struct {
	Sequence uint64
	Sent     bool
	Received bool
	RTT      time.Duration
}

type RTTSummary struct {
	Count    int     `json:"count"`
	MinMs    float64 `json:"min_ms"`
	MaxMs    float64 `json:"max_ms"`
	AvgMs    float64 `json:"avg_ms"`
	P50Ms    float64 `json:"p50_ms"`
	P95Ms    float64 `json:"p95_ms"`
	P99Ms    float64 `json:"p99_ms"`
	JitterMs float64 `json:"jitter_ms"`
}

// Summary is the finalized statistics of a run. Sent == Received + Lost.
type Summary struct {
	Sent        int64      `json:"sent"`
	Received    int64      `json:"received"`
	Lost        int64      `json:"lost"`
	LossPercent float64    `json:"loss_percent"`
	RTT         RTTSummary `json:"rtt"`
	Malformed   int64      `json:"malformed"`
	Stale       int64      `json:"stale"`
}

type ProxyInfo struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Authenticated bool   `json:"authenticated"`
}

// RunConfig is the reportable view of a run's configuration. Credentials
// never appear here.
type RunConfig struct {
	Host           string     `json:"host"`
	Port           int        `json:"port"`
	Protocol       Protocol   `json:"protocol"`
	MessageSize    int        `json:"message_size"`
	Count          int        `json:"count,omitempty"`
	RuntimeSeconds float64    `json:"runtime_seconds,omitempty"`
	TimeoutSeconds float64    `json:"timeout_seconds"`
	Window         int        `json:"window"`
	IntervalMs     float64    `json:"interval_ms"`
	Proxy          *ProxyInfo `json:"proxy,omitempty"`
}

// SchemaVersion is the semantic version of the JSON report schema.
const SchemaVersion = "1.0"

type Report struct {
	SchemaVersion    string    `json:"schema_version"`
	ID               string    `json:"id"`
	Status           RunStatus `json:"status"`
	Config           RunConfig `json:"config"`
	Summary          Summary   `json:"summary"`
	Path             *PathInfo `json:"path,omitempty"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	DurationSeconds  float64   `json:"duration_seconds"`
	PacketsPerSecond float64   `json:"packets_per_second"`
	Error            string    `json:"error,omitempty"`
}

// ServerStats is a point-in-time view of echo server counters.
type ServerStats struct {
	Protocols        []string  `json:"protocols"`
	PacketsReceived  int64     `json:"packets_received"`
	PacketsEchoed    int64     `json:"packets_echoed"`
	PacketsDropped   int64     `json:"packets_dropped"`
	BytesEchoed      int64     `json:"bytes_echoed"`
	ActiveTCPConns   int64     `json:"active_tcp_conns"`
	TotalTCPConns    int64     `json:"total_tcp_conns"`
	UptimeSeconds    float64   `json:"uptime_seconds"`
	PacketsPerSecond float64   `json:"packets_per_second"`
	Timestamp        time.Time `json:"timestamp"`
}
