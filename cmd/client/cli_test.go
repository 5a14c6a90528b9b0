package client

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseFlagsPositionalAddress(t *testing.T) {
	isolateEnv(t)
	var out bytes.Buffer
	cfg, set, code, err := parseFlags([]string{"-p", "tcp", "-n", "5", "echo.example.com:6000"}, "test", &out)
	if err != nil || code != 0 {
		t.Fatalf("parseFlags: code=%d err=%v", code, err)
	}
	if cfg.Host != "echo.example.com" || cfg.Port != 6000 {
		t.Fatalf("target = %s:%d", cfg.Host, cfg.Port)
	}
	for _, name := range []string{"host", "port", "protocol", "messages"} {
		if !set[name] {
			t.Errorf("flagsSet[%q] = false", name)
		}
	}
}

func TestParseFlagsPositionalAlias(t *testing.T) {
	dir := isolateEnv(t)
	writeConfigFile(t, dir, "targets:\n  lab:\n    host: 10.0.0.5\n")
	cfg, set, _, err := parseFlags([]string{"lab"}, "test", &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Target != "lab" || !set["target"] {
		t.Fatalf("target = %q set=%v", cfg.Target, set["target"])
	}
}

func TestParseFlagsExitEarly(t *testing.T) {
	isolateEnv(t)
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"--version"}, "losstest test"},
		{[]string{"-h"}, "Usage: losstest client"},
		{[]string{"--targets"}, "No targets configured"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		cfg, _, code, err := parseFlags(tt.args, "test", &out)
		if cfg != nil || err != nil || code != exitSuccess {
			t.Fatalf("%v: cfg=%v code=%d err=%v", tt.args, cfg, code, err)
		}
		if !strings.Contains(out.String(), tt.want) {
			t.Errorf("%v: output %q missing %q", tt.args, out.String(), tt.want)
		}
	}
}

func TestParseFlagsErrors(t *testing.T) {
	isolateEnv(t)
	for _, args := range [][]string{
		{"--bogus"},
		{"a", "b"},
		{"host:notaport"},
	} {
		_, _, code, err := parseFlags(args, "test", &bytes.Buffer{})
		if err == nil || code != exitUsage {
			t.Errorf("%v: code=%d err=%v, want usage error", args, code, err)
		}
	}
}

func validConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5000,
		Protocol: "udp",
		Messages: 100,
		Size:     64,
		Timeout:  1,
		Window:   1,
		Interval: 1,
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"proxied", func(c *Config) { c.ProxyHost = "127.0.0.1"; c.ProxyPort = 1080 }, true},
		{"empty host", func(c *Config) { c.Host = " " }, false},
		{"bad protocol", func(c *Config) { c.Protocol = "quic" }, false},
		{"bad port", func(c *Config) { c.Port = 70000 }, false},
		{"count and runtime", func(c *Config) { c.Messages = 10; c.Runtime = 1 }, false},
		{"negative count", func(c *Config) { c.Messages = -1 }, false},
		{"runtime instead of count", func(c *Config) { c.Messages = 0; c.Runtime = 0.5 }, true},
		{"neither count nor runtime", func(c *Config) { c.Messages = 0 }, false},
		{"runtime rounds to zero", func(c *Config) { c.Messages = 0; c.Runtime = 1e-10 }, false},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, false},
		{"zero window", func(c *Config) { c.Window = 0 }, false},
		{"negative interval", func(c *Config) { c.Interval = -1 }, false},
		{"bad proxy port", func(c *Config) { c.ProxyHost = "p"; c.ProxyPort = 0 }, false},
		{"credentials without proxy", func(c *Config) { c.ProxyUsername = "u" }, false},
		{"json and plain", func(c *Config) { c.JSON = true; c.Plain = true }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if (err == nil) != tt.ok {
				t.Fatalf("validateConfig() error = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
