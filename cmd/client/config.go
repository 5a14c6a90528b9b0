package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type ProxyFileConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

type TargetConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port,omitempty"`
	Name     string           `yaml:"name,omitempty"`
	Protocol string           `yaml:"protocol,omitempty"`
	Proxy    *ProxyFileConfig `yaml:"proxy,omitempty"`
}

type ConfigFile struct {
	DefaultTarget string                  `yaml:"default_target,omitempty"`
	Targets       map[string]TargetConfig `yaml:"targets,omitempty"`

	Host       string           `yaml:"host,omitempty"`
	Port       int              `yaml:"port,omitempty"`
	Protocol   string           `yaml:"protocol,omitempty"`
	Messages   int              `yaml:"messages,omitempty"`
	Runtime    float64          `yaml:"runtime,omitempty"`
	Size       int              `yaml:"size,omitempty"`
	Timeout    float64          `yaml:"timeout,omitempty"`
	Window     int              `yaml:"window,omitempty"`
	Interval   float64          `yaml:"interval_ms,omitempty"`
	Proxy      *ProxyFileConfig `yaml:"proxy,omitempty"`
	DataDir    string           `yaml:"data_dir,omitempty"`
	Save       bool             `yaml:"save,omitempty"`
	JSON       bool             `yaml:"json,omitempty"`
	Plain      bool             `yaml:"plain,omitempty"`
	Verbose    bool             `yaml:"verbose,omitempty"`
	Quiet      bool             `yaml:"quiet,omitempty"`
	NoColor    bool             `yaml:"no_color,omitempty"`
	NoProgress bool             `yaml:"no_progress,omitempty"`
}

func getConfigPath() string {
	if p := os.Getenv("LOSSTEST_CONFIG"); p != "" {
		return p
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "losstest", "config.yaml")
}

func loadConfigFile() (*ConfigFile, error) {
	configPath := getConfigPath()
	if configPath == "" {
		return nil, nil
	}

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := validateConfigFile(&config); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}

	return &config, nil
}

func applyProxy(result *Config, p *ProxyFileConfig) {
	if p == nil || p.Host == "" {
		return
	}
	result.ProxyHost = p.Host
	result.ProxyPort = p.Port
	if result.ProxyPort == 0 {
		result.ProxyPort = defaultProxyPort
	}
	result.ProxyUsername = p.Username
	result.ProxyPassword = p.Password
}

// applyTarget copies a named target over result. It reports false when the
// config file has no such target.
func applyTarget(result *Config, configFile *ConfigFile, alias string) bool {
	if configFile == nil || alias == "" {
		return false
	}
	target, ok := configFile.Targets[alias]
	if !ok {
		return false
	}
	result.Host = target.Host
	if target.Port > 0 {
		result.Port = target.Port
	}
	if target.Protocol != "" {
		result.Protocol = target.Protocol
	}
	applyProxy(result, target.Proxy)
	return true
}

// mergeConfig layers defaults, the config file, LOSSTEST_* env vars and
// explicitly set flags, in that order.
func mergeConfig(flagConfig *Config, configFile *ConfigFile, flagsSet map[string]bool) (*Config, error) {
	result := &Config{
		Host:     defaultHost,
		Port:     defaultPort,
		Protocol: defaultProtocol,
		Size:     defaultSize,
		Timeout:  defaultTimeout,
		Window:   defaultWindow,
		Interval: defaultIntervalMs,
	}

	if configFile != nil {
		if configFile.Host != "" {
			result.Host = configFile.Host
		}
		if configFile.Port > 0 {
			result.Port = configFile.Port
		}
		if configFile.Protocol != "" {
			result.Protocol = configFile.Protocol
		}
		applyProxy(result, configFile.Proxy)
		applyTarget(result, configFile, configFile.DefaultTarget)

		if configFile.Messages > 0 {
			result.Messages = configFile.Messages
		}
		if configFile.Runtime > 0 {
			result.Runtime = configFile.Runtime
		}
		if configFile.Size > 0 {
			result.Size = configFile.Size
		}
		if configFile.Timeout > 0 {
			result.Timeout = configFile.Timeout
		}
		if configFile.Window > 0 {
			result.Window = configFile.Window
		}
		if configFile.Interval > 0 {
			result.Interval = configFile.Interval
		}
		result.DataDir = configFile.DataDir
		result.Save = configFile.Save
		result.JSON = configFile.JSON
		result.Plain = configFile.Plain
		result.Verbose = configFile.Verbose
		result.Quiet = configFile.Quiet
		result.NoColor = configFile.NoColor
		result.NoProgress = configFile.NoProgress
	}

	if val := os.Getenv("LOSSTEST_HOST"); val != "" {
		result.Host = val
	}
	if val := os.Getenv("LOSSTEST_PROTOCOL"); val != "" {
		result.Protocol = val
	}
	envInts := []struct {
		name string
		dst  *int
	}{
		{"LOSSTEST_PORT", &result.Port},
		{"LOSSTEST_MESSAGES", &result.Messages},
		{"LOSSTEST_SIZE", &result.Size},
		{"LOSSTEST_WINDOW", &result.Window},
		{"LOSSTEST_PROXY_PORT", &result.ProxyPort},
	}
	for _, e := range envInts {
		if val := os.Getenv(e.name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("invalid %s value %q (must be integer)", e.name, val)
			}
			*e.dst = n
		}
	}
	envFloats := []struct {
		name string
		dst  *float64
	}{
		{"LOSSTEST_RUNTIME", &result.Runtime},
		{"LOSSTEST_TIMEOUT", &result.Timeout},
		{"LOSSTEST_INTERVAL_MS", &result.Interval},
	}
	for _, e := range envFloats {
		if val := os.Getenv(e.name); val != "" {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s value %q (must be a number)", e.name, val)
			}
			*e.dst = f
		}
	}
	if val := os.Getenv("LOSSTEST_PROXY_HOST"); val != "" {
		result.ProxyHost = val
		if result.ProxyPort == 0 {
			result.ProxyPort = defaultProxyPort
		}
	}
	if val := os.Getenv("LOSSTEST_PROXY_USERNAME"); val != "" {
		result.ProxyUsername = val
	}
	if val := os.Getenv("LOSSTEST_PROXY_PASSWORD"); val != "" {
		result.ProxyPassword = val
	}
	if os.Getenv("NO_COLOR") != "" {
		result.NoColor = true
	}

	if flagsSet["target"] {
		if !applyTarget(result, configFile, flagConfig.Target) {
			return nil, fmt.Errorf("unknown target %q (see --targets)", flagConfig.Target)
		}
		result.Target = flagConfig.Target
	}
	if flagsSet["host"] {
		result.Host = flagConfig.Host
	}
	if flagsSet["port"] {
		result.Port = flagConfig.Port
	}
	if flagsSet["protocol"] {
		result.Protocol = flagConfig.Protocol
	}
	// --messages and --runtime are alternatives; setting one clears the other.
	if flagsSet["messages"] {
		result.Messages = flagConfig.Messages
		if !flagsSet["runtime"] {
			result.Runtime = 0
		}
	}
	if flagsSet["runtime"] {
		result.Runtime = flagConfig.Runtime
		if !flagsSet["messages"] {
			result.Messages = 0
		}
	}
	if flagsSet["size"] {
		result.Size = flagConfig.Size
	}
	if flagsSet["timeout"] {
		result.Timeout = flagConfig.Timeout
	}
	if flagsSet["window"] {
		result.Window = flagConfig.Window
	}
	if flagsSet["interval"] {
		result.Interval = flagConfig.Interval
	}
	if flagsSet["proxy-host"] {
		result.ProxyHost = flagConfig.ProxyHost
		if result.ProxyPort == 0 {
			result.ProxyPort = defaultProxyPort
		}
	}
	if flagsSet["proxy-port"] {
		result.ProxyPort = flagConfig.ProxyPort
	}
	if flagsSet["proxy-username"] {
		result.ProxyUsername = flagConfig.ProxyUsername
	}
	if flagsSet["proxy-password"] {
		result.ProxyPassword = flagConfig.ProxyPassword
	}
	if flagsSet["json"] {
		result.JSON = flagConfig.JSON
	}
	if flagsSet["plain"] {
		result.Plain = flagConfig.Plain
	}
	if flagsSet["verbose"] {
		result.Verbose = flagConfig.Verbose
	}
	if flagsSet["quiet"] {
		result.Quiet = flagConfig.Quiet
	}
	if flagsSet["no-color"] {
		result.NoColor = flagConfig.NoColor
	}
	if flagsSet["no-progress"] {
		result.NoProgress = flagConfig.NoProgress
	}
	if flagsSet["save"] {
		result.Save = flagConfig.Save
	}
	if flagsSet["data-dir"] {
		result.DataDir = flagConfig.DataDir
	}

	return result, nil
}

func validateConfigFile(config *ConfigFile) error {
	if config.Protocol != "" && config.Protocol != "tcp" && config.Protocol != "udp" {
		return fmt.Errorf("invalid protocol: %s (must be tcp or udp)", config.Protocol)
	}
	if config.DefaultTarget != "" {
		if _, ok := config.Targets[config.DefaultTarget]; !ok {
			return fmt.Errorf("default_target %q is not defined under targets", config.DefaultTarget)
		}
	}
	for alias, target := range config.Targets {
		if target.Host == "" {
			return fmt.Errorf("target %q: host is required", alias)
		}
		if target.Protocol != "" && target.Protocol != "tcp" && target.Protocol != "udp" {
			return fmt.Errorf("target %q: invalid protocol %s", alias, target.Protocol)
		}
	}
	if config.Messages > 0 && config.Runtime > 0 {
		return fmt.Errorf("set at most one of messages and runtime")
	}
	if config.Messages < 0 || config.Runtime < 0 || config.Timeout < 0 || config.Size < 0 {
		return fmt.Errorf("messages, runtime, timeout and size must not be negative")
	}
	return nil
}
