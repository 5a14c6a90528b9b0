package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/saveenergy/losstest/internal/probe"
	"github.com/saveenergy/losstest/internal/results"
	"github.com/saveenergy/losstest/internal/socks5"
	"github.com/saveenergy/losstest/pkg/diagnostic"
	"github.com/saveenergy/losstest/pkg/types"
)

// probeConfig converts validated CLI settings into a probe run config.
func probeConfig(config *Config) probe.Config {
	cfg := probe.DefaultConfig()
	cfg.Host = config.Host
	cfg.Port = config.Port
	cfg.Protocol = types.Protocol(config.Protocol)
	cfg.MessageSize = config.Size
	cfg.Count = config.Messages
	cfg.Runtime = seconds(config.Runtime)
	cfg.Timeout = seconds(config.Timeout)
	cfg.Window = config.Window
	cfg.Interval = time.Duration(config.Interval * float64(time.Millisecond))
	if config.ProxyHost != "" {
		cfg.Proxy = &probe.ProxyConfig{
			Host:     config.ProxyHost,
			Port:     config.ProxyPort,
			Username: config.ProxyUsername,
			Password: config.ProxyPassword,
			Forward:  socks5.FromEnvironment(),
		}
	}
	return cfg
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// formatterReporter hands finished reports to an OutputFormatter.
type formatterReporter struct {
	formatter OutputFormatter
}

func (r formatterReporter) Report(report *types.Report) error {
	interp := diagnostic.Interpret(diagnostic.FromSummary(report.Summary))
	r.formatter.FormatComplete(report, interp)
	return nil
}

// quietFormatter prints nothing but errors.
type quietFormatter struct {
	errWriter io.Writer
}

func (quietFormatter) FormatStart(*Config)                                       {}
func (quietFormatter) FormatProgress(types.Summary)                              {}
func (quietFormatter) FormatComplete(*types.Report, *diagnostic.Interpretation) {}
func (f quietFormatter) FormatError(err error) {
	fmt.Fprintf(f.errWriter, "losstest client: error: %v\n", err)
}

func runTest(ctx context.Context, config *Config, formatter OutputFormatter) (*types.Report, error) {
	cfg := probeConfig(config)
	if config.NoProgress {
		cfg.ProgressInterval = 0
	}

	d, err := probe.NewDriver(cfg, probe.WithObserver(probe.ObserverFunc(formatter.FormatProgress)))
	if err != nil {
		return nil, err
	}

	reporters := []probe.Reporter{formatterReporter{formatter: formatter}}
	if config.Save {
		dataDir := config.DataDir
		if dataDir == "" {
			dataDir = results.DefaultDataDir()
		}
		store, err := results.Open(dataDir, results.DefaultMaxResults)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		defer store.Close()
		reporters = append(reporters, store)
	}

	formatter.FormatStart(config)
	return probe.Execute(ctx, d, reporters...)
}
