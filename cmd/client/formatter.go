package client

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/saveenergy/losstest/pkg/diagnostic"
	"github.com/saveenergy/losstest/pkg/errors"
	"github.com/saveenergy/losstest/pkg/types"
)

func (f *JSONFormatter) FormatStart(*Config) {}

func (f *JSONFormatter) FormatProgress(types.Summary) {}

func (f *JSONFormatter) FormatComplete(r *types.Report, interp *diagnostic.Interpretation) {
	enc := json.NewEncoder(f.writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(jsonResult{Report: r, Interpretation: interp}); err != nil {
		fmt.Fprintf(f.errWriter, "losstest client: json encode error: %v\n", err)
	}
}

func (f *JSONFormatter) FormatError(err error) {
	code := errors.Code(err)
	if code == "" {
		code = "RUN_FAILED"
	}
	resp := JSONErrorResponse{
		SchemaVersion: types.SchemaVersion,
		Error:         true,
		Code:          code,
		Message:       err.Error(),
	}
	if encErr := json.NewEncoder(f.writer).Encode(resp); encErr != nil {
		fmt.Fprintf(f.errWriter, "losstest client: error: %v\n", err)
	}
}

func (f *PlainFormatter) FormatStart(*Config) {}

func (f *PlainFormatter) FormatProgress(s types.Summary) {
	if !f.verbose {
		return
	}
	fmt.Fprintf(f.errWriter, "progress sent=%d received=%d lost=%d loss_percent=%.2f\n",
		s.Sent, s.Received, s.Lost, s.LossPercent)
}

func (f *PlainFormatter) FormatComplete(r *types.Report, interp *diagnostic.Interpretation) {
	fmt.Fprintf(f.writer, "id=%s\n", r.ID)
	fmt.Fprintf(f.writer, "status=%s\n", r.Status)
	fmt.Fprintf(f.writer, "host=%s\n", r.Config.Host)
	fmt.Fprintf(f.writer, "port=%d\n", r.Config.Port)
	fmt.Fprintf(f.writer, "protocol=%s\n", r.Config.Protocol)
	fmt.Fprintf(f.writer, "message_size=%d\n", r.Config.MessageSize)
	if r.Config.Proxy != nil {
		fmt.Fprintf(f.writer, "proxy=%s:%d\n", r.Config.Proxy.Host, r.Config.Proxy.Port)
	}
	s := r.Summary
	fmt.Fprintf(f.writer, "sent=%d\n", s.Sent)
	fmt.Fprintf(f.writer, "received=%d\n", s.Received)
	fmt.Fprintf(f.writer, "lost=%d\n", s.Lost)
	fmt.Fprintf(f.writer, "loss_percent=%.2f\n", s.LossPercent)
	fmt.Fprintf(f.writer, "rtt_min_ms=%.3f\n", s.RTT.MinMs)
	fmt.Fprintf(f.writer, "rtt_avg_ms=%.3f\n", s.RTT.AvgMs)
	fmt.Fprintf(f.writer, "rtt_max_ms=%.3f\n", s.RTT.MaxMs)
	fmt.Fprintf(f.writer, "rtt_p50_ms=%.3f\n", s.RTT.P50Ms)
	fmt.Fprintf(f.writer, "rtt_p95_ms=%.3f\n", s.RTT.P95Ms)
	fmt.Fprintf(f.writer, "rtt_p99_ms=%.3f\n", s.RTT.P99Ms)
	fmt.Fprintf(f.writer, "jitter_ms=%.3f\n", s.RTT.JitterMs)
	if f.verbose {
		fmt.Fprintf(f.writer, "malformed=%d\n", s.Malformed)
		fmt.Fprintf(f.writer, "stale=%d\n", s.Stale)
	}
	fmt.Fprintf(f.writer, "duration_seconds=%.3f\n", r.DurationSeconds)
	fmt.Fprintf(f.writer, "packets_per_second=%.1f\n", r.PacketsPerSecond)
	if interp != nil {
		fmt.Fprintf(f.writer, "grade=%s\n", interp.Grade)
	}
	if r.Error != "" {
		fmt.Fprintf(f.writer, "error=%q\n", r.Error)
	}
}

func (f *PlainFormatter) FormatError(err error) {
	fmt.Fprintf(f.errWriter, "losstest client: error: %v\n", err)
}

func (f *InteractiveFormatter) color(code, text string) string {
	if f.noColor {
		return text
	}
	return "\033[" + code + "m" + text + "\033[0m"
}

func (f *InteractiveFormatter) FormatStart(cfg *Config) {
	via := ""
	if cfg.ProxyHost != "" {
		via = fmt.Sprintf(" via SOCKS5 %s:%d", cfg.ProxyHost, cfg.ProxyPort)
	}
	bound := fmt.Sprintf("%s messages", formatNumber(int64(cfg.Messages)))
	if cfg.Runtime > 0 {
		bound = fmt.Sprintf("%.1fs", cfg.Runtime)
	}
	fmt.Fprintf(f.writer, "Testing %s:%d/%s%s (%d bytes, %s)\n",
		cfg.Host, cfg.Port, cfg.Protocol, via, cfg.Size, bound)
}

func (f *InteractiveFormatter) FormatProgress(s types.Summary) {
	if f.noProgress {
		return
	}
	f.progressed = true
	fmt.Fprintf(f.writer, "\rSent: %s  Received: %s  Lost: %s  Loss: %.2f%%",
		formatNumber(s.Sent), formatNumber(s.Received), formatNumber(s.Lost), s.LossPercent)
}

func (f *InteractiveFormatter) FormatComplete(r *types.Report, interp *diagnostic.Interpretation) {
	if f.progressed {
		fmt.Fprintln(f.writer)
	}
	s := r.Summary
	fmt.Fprintln(f.writer, "\nResults:")
	fmt.Fprintf(f.writer, " %s %s sent\n", f.color("37", "Packets:"), formatNumber(s.Sent))
	fmt.Fprintf(f.writer, "  %s received\n", formatNumber(s.Received))
	fmt.Fprintf(f.writer, "  %s lost\n", formatNumber(s.Lost))
	lossColor := "32"
	if s.LossPercent > 1.0 {
		lossColor = "31"
	}
	fmt.Fprintf(f.writer, " %s %.2f%%\n", f.color(lossColor, "Packet Loss:"), s.LossPercent)
	if s.RTT.Count > 0 {
		fmt.Fprintf(f.writer, " %s %.3f ms (avg)\n", f.color("33", "RTT:"), s.RTT.AvgMs)
		fmt.Fprintf(f.writer, "  %.3f ms (min)\n", s.RTT.MinMs)
		fmt.Fprintf(f.writer, "  %.3f ms (max)\n", s.RTT.MaxMs)
		if f.verbose {
			fmt.Fprintf(f.writer, "  %.3f ms (p50)\n", s.RTT.P50Ms)
			fmt.Fprintf(f.writer, "  %.3f ms (p95)\n", s.RTT.P95Ms)
			fmt.Fprintf(f.writer, "  %.3f ms (p99)\n", s.RTT.P99Ms)
		}
		fmt.Fprintf(f.writer, " %s %.3f ms\n", f.color("35", "Jitter:"), s.RTT.JitterMs)
	}
	if f.verbose && (s.Malformed > 0 || s.Stale > 0) {
		fmt.Fprintf(f.writer, " Discarded: %d malformed, %d stale\n", s.Malformed, s.Stale)
	}
	fmt.Fprintf(f.writer, " %s %.2fs (%.1f packets/s)\n", f.color("37", "Time:"), r.DurationSeconds, r.PacketsPerSecond)
	if interp != nil {
		fmt.Fprintf(f.writer, " %s %s (%s)\n", f.color("36", "Grade:"), interp.Grade, interp.Summary)
		if len(interp.Concerns) > 0 {
			fmt.Fprintf(f.writer, "  concerns: %s\n", strings.Join(interp.Concerns, ", "))
		}
	}
	if r.Status != types.RunStatusCompleted {
		fmt.Fprintf(f.writer, " %s %s\n", f.color("31", "Status:"), r.Status)
	}
}

func (f *InteractiveFormatter) FormatError(err error) {
	if f.progressed {
		fmt.Fprintln(f.writer)
	}
	fmt.Fprintf(f.errWriter, "losstest client: error: %v\n", err)
}

func formatNumber(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	var result strings.Builder
	if neg {
		result.WriteByte('-')
	}
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(r)
	}
	return result.String()
}
