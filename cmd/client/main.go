// Package client implements the `losstest client` subcommand: it runs one
// loss test against an echo server, optionally through a SOCKS5 proxy.
package client

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/saveenergy/losstest/internal/logging"
	"github.com/saveenergy/losstest/pkg/errors"
)

const (
	exitSuccess   = 0
	exitFailure   = 1
	exitUsage     = 2
	exitInterrupt = 130
)

const (
	defaultHost       = "localhost"
	defaultPort       = 5000
	defaultProtocol   = "udp"
	defaultSize       = 1024
	defaultTimeout    = 1.0
	defaultWindow     = 1
	defaultIntervalMs = 1.0
	defaultProxyPort  = 1080
)

// isTerminal is swapped in tests.
var isTerminal = func(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Run executes the client with the given arguments and returns an exit code.
func Run(args []string, version string) int {
	return run(args, version, os.Stdout, os.Stderr)
}

func run(args []string, version string, stdout, stderr io.Writer) int {
	flagConfig, flagsSet, exitCode, err := parseFlags(args, version, stdout)
	if err != nil {
		io.WriteString(stderr, "losstest client: error: "+err.Error()+"\n")
		return exitCode
	}
	if flagConfig == nil {
		return exitCode
	}

	configFile, err := loadConfigFile()
	if err != nil {
		io.WriteString(stderr, "losstest client: warning: failed to load config file: "+err.Error()+"\n")
	}

	config, err := mergeConfig(flagConfig, configFile, flagsSet)
	if err != nil {
		io.WriteString(stderr, "losstest client: error: "+err.Error()+"\n")
		return exitUsage
	}
	if err := validateConfig(config); err != nil {
		io.WriteString(stderr, "losstest client: error: "+err.Error()+"\n")
		return exitUsage
	}

	initLogging(config)

	if !config.JSON && !config.Plain && !isTerminal(stdout) {
		config.Plain = true
	}
	formatter := createFormatter(config, stdout, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := runTest(ctx, config, formatter)
	if err != nil {
		// A JSON report already carries the run error.
		if !config.JSON || report == nil {
			formatter.FormatError(err)
		}
		if errors.Code(err) == errors.ErrCodeCancelled {
			return exitInterrupt
		}
		return exitFailure
	}
	if report == nil {
		return exitFailure
	}
	return exitSuccess
}

// initLogging keeps library logs out of the way unless asked for.
func initLogging(config *Config) {
	level := logging.LevelWarn
	if config.Verbose {
		level = logging.LevelInfo
	}
	if config.Quiet || config.JSON {
		level = logging.LevelError
	}
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		if lvl, ok := logging.ParseLevel(env); ok {
			level = lvl
		}
	}
	logging.Init(level)
	logging.SetLevel(level)
}

func createFormatter(config *Config, stdout, stderr io.Writer) OutputFormatter {
	if config.JSON {
		return &JSONFormatter{writer: stdout, errWriter: stderr}
	}
	if config.Quiet {
		return quietFormatter{errWriter: stderr}
	}
	if config.Plain {
		return NewPlainFormatter(stdout, stderr, config.Verbose)
	}
	return NewInteractiveFormatter(stdout, stderr, config.Verbose, config.NoColor, config.NoProgress)
}
