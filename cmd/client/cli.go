package client

import (
	"flag"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

func parseFlags(args []string, version string, stdout io.Writer) (*Config, map[string]bool, int, error) {
	config := &Config{}
	flagsSet := make(map[string]bool)

	flagSet := flag.NewFlagSet("losstest client", flag.ContinueOnError)
	flagSet.SetOutput(stdout)
	flagSet.Usage = func() { printUsage(stdout) }
	flagSet.StringVar(&config.Host, "host", "", "Echo server host")
	flagSet.IntVar(&config.Port, "port", 0, "Echo server port")
	flagSet.StringVar(&config.Protocol, "protocol", "", "Protocol: tcp or udp")
	flagSet.StringVar(&config.Protocol, "p", "", "Protocol: tcp or udp (short)")
	flagSet.IntVar(&config.Messages, "messages", 0, "Number of messages to send")
	flagSet.IntVar(&config.Messages, "n", 0, "Number of messages to send (short)")
	flagSet.Float64Var(&config.Runtime, "runtime", 0, "Test duration in seconds")
	flagSet.Float64Var(&config.Runtime, "t", 0, "Test duration in seconds (short)")
	flagSet.IntVar(&config.Size, "size", 0, "Message size in bytes")
	flagSet.Float64Var(&config.Timeout, "timeout", 0, "Reply timeout in seconds")
	flagSet.IntVar(&config.Window, "window", 0, "Packets allowed in flight")
	flagSet.Float64Var(&config.Interval, "interval", 0, "Delay between sends in milliseconds")
	flagSet.StringVar(&config.ProxyHost, "proxy-host", "", "SOCKS5 proxy host")
	flagSet.IntVar(&config.ProxyPort, "proxy-port", 0, "SOCKS5 proxy port")
	flagSet.StringVar(&config.ProxyUsername, "proxy-username", "", "SOCKS5 proxy username")
	flagSet.StringVar(&config.ProxyPassword, "proxy-password", "", "SOCKS5 proxy password")
	flagSet.StringVar(&config.Target, "target", "", "Target alias from the config file")
	flagSet.StringVar(&config.Target, "T", "", "Target alias from the config file (short)")
	flagSet.BoolVar(&config.JSON, "json", false, "Output results as JSON")
	flagSet.BoolVar(&config.Plain, "plain", false, "Plain text output")
	flagSet.BoolVar(&config.Verbose, "verbose", false, "Verbose output")
	flagSet.BoolVar(&config.Verbose, "v", false, "Verbose output (short)")
	flagSet.BoolVar(&config.Quiet, "quiet", false, "Quiet mode (errors only)")
	flagSet.BoolVar(&config.Quiet, "q", false, "Quiet mode (errors only) (short)")
	flagSet.BoolVar(&config.NoColor, "no-color", false, "Disable color output")
	flagSet.BoolVar(&config.NoProgress, "no-progress", false, "Disable progress output")
	flagSet.BoolVar(&config.Save, "save", false, "Save the result to local history")
	flagSet.StringVar(&config.DataDir, "data-dir", "", "History directory")

	versionFlag := flagSet.Bool("version", false, "Print version")
	help := flagSet.Bool("help", false, "Show help")
	flagSet.BoolVar(help, "h", false, "Show help (short)")
	targets := flagSet.Bool("targets", false, "List configured targets")

	if err := flagSet.Parse(args); err != nil {
		return nil, nil, exitUsage, err
	}

	flagSet.Visit(func(f *flag.Flag) {
		flagsSet[f.Name] = true
		switch f.Name {
		case "p":
			flagsSet["protocol"] = true
		case "n":
			flagsSet["messages"] = true
		case "t":
			flagsSet["runtime"] = true
		case "T":
			flagsSet["target"] = true
		case "v":
			flagsSet["verbose"] = true
		case "q":
			flagsSet["quiet"] = true
		case "h":
			flagsSet["help"] = true
		}
	})

	if *targets {
		listTargets(stdout)
		return nil, nil, exitSuccess, nil
	}

	if *versionFlag {
		fmt.Fprintf(stdout, "losstest %s\n", version)
		return nil, nil, exitSuccess, nil
	}

	if *help {
		printUsage(stdout)
		return nil, nil, exitSuccess, nil
	}

	rest := flagSet.Args()
	if len(rest) > 1 {
		return nil, nil, exitUsage, fmt.Errorf("too many positional arguments")
	}
	if len(rest) == 1 {
		if err := applyPositional(config, flagsSet, rest[0]); err != nil {
			return nil, nil, exitUsage, err
		}
	}

	return config, flagsSet, 0, nil
}

// applyPositional treats the argument as a target alias when the config file
// defines it and as host[:port] otherwise.
func applyPositional(config *Config, flagsSet map[string]bool, arg string) error {
	configFile, _ := loadConfigFile()
	if configFile != nil {
		if _, ok := configFile.Targets[arg]; ok {
			config.Target = arg
			flagsSet["target"] = true
			return nil
		}
	}
	host, portStr, err := net.SplitHostPort(arg)
	if err != nil {
		config.Host = arg
		flagsSet["host"] = true
		return nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port in %q", arg)
	}
	config.Host = host
	config.Port = port
	flagsSet["host"] = true
	flagsSet["port"] = true
	return nil
}

func listTargets(w io.Writer) {
	configFile, err := loadConfigFile()
	if err != nil {
		fmt.Fprintf(w, "losstest client: warning: %v\n", err)
	}

	fmt.Fprintln(w, "Configured Targets:")
	fmt.Fprintln(w)

	if configFile == nil || len(configFile.Targets) == 0 {
		fmt.Fprintln(w, "  No targets configured.")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Add targets to ~/.config/losstest/config.yaml:")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  targets:")
		fmt.Fprintln(w, "    lab:")
		fmt.Fprintln(w, "      host: 10.0.0.5")
		fmt.Fprintln(w, "      port: 5000")
		fmt.Fprintln(w, "    edge:")
		fmt.Fprintln(w, "      host: edge.example.com")
		fmt.Fprintln(w, "      protocol: tcp")
		fmt.Fprintln(w, "      proxy: {host: 127.0.0.1, port: 1080}")
		fmt.Fprintln(w)
		return
	}

	fmt.Fprintf(w, "  %-12s %-20s %s\n", "ALIAS", "NAME", "ADDRESS")
	fmt.Fprintf(w, "  %-12s %-20s %s\n", "-----", "----", "-------")
	aliases := make([]string, 0, len(configFile.Targets))
	for alias := range configFile.Targets {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		target := configFile.Targets[alias]
		defaultMark := ""
		if alias == configFile.DefaultTarget {
			defaultMark = " *"
		}
		name := target.Name
		if name == "" {
			name = alias
		}
		port := target.Port
		if port == 0 {
			port = defaultPort
		}
		addr := net.JoinHostPort(target.Host, strconv.Itoa(port))
		if target.Proxy != nil {
			addr += " via " + target.Proxy.Host
		}
		fmt.Fprintf(w, "  %-12s %-20s %s%s\n", alias, name, addr, defaultMark)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  * = default target")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: losstest client -T <alias> or losstest client <alias>")
}

func validateConfig(config *Config) error {
	if strings.TrimSpace(config.Host) == "" {
		return fmt.Errorf("host is required\n\n" +
			"Use: losstest client --host echo.example.com\n" +
			"See: losstest client --help")
	}
	if config.Protocol != "tcp" && config.Protocol != "udp" {
		return fmt.Errorf("invalid protocol: %s\n\n"+
			"Protocol must be 'tcp' or 'udp'.\n"+
			"Use: losstest client -p tcp  or  losstest client -p udp\n"+
			"See: losstest client --help", config.Protocol)
	}
	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", config.Port)
	}
	if config.Messages > 0 && config.Runtime > 0 {
		return fmt.Errorf("--messages and --runtime are mutually exclusive\n\n" +
			"Use: losstest client -n 1000  or  losstest client -t 30\n" +
			"See: losstest client --help")
	}
	if config.Messages < 0 || config.Runtime < 0 {
		return fmt.Errorf("--messages and --runtime must not be negative")
	}
	if config.Messages == 0 && config.Runtime == 0 {
		return fmt.Errorf("either --messages or --runtime must be specified\n\n" +
			"Use: losstest client -n 1000  or  losstest client -t 30\n" +
			"See: losstest client --help")
	}
	if config.Runtime > 0 && seconds(config.Runtime) < time.Millisecond {
		return fmt.Errorf("invalid runtime: %g (must be at least 0.001 seconds)", config.Runtime)
	}
	if config.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: %g (must be > 0 seconds)", config.Timeout)
	}
	if config.Window < 1 {
		return fmt.Errorf("invalid window: %d (must be >= 1)", config.Window)
	}
	if config.Interval < 0 {
		return fmt.Errorf("invalid interval: %g (must not be negative)", config.Interval)
	}
	if config.ProxyHost != "" && (config.ProxyPort < 1 || config.ProxyPort > 65535) {
		return fmt.Errorf("invalid proxy port: %d (must be 1-65535)", config.ProxyPort)
	}
	if config.ProxyHost == "" && (config.ProxyUsername != "" || config.ProxyPassword != "") {
		return fmt.Errorf("proxy credentials given without --proxy-host")
	}
	if config.JSON && config.Plain {
		return fmt.Errorf("--json and --plain are mutually exclusive")
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: losstest client [flags] [target | host[:port]]

Measure packet loss and round-trip time against a losstest echo server.

Target Selection:
  losstest client <alias>            Use target alias from config
  losstest client <host[:port]>      Use address directly
  losstest client -T <alias>         Select target by alias
  losstest client --targets          List configured targets

Flags:
  -h, --help               Show help
  --version                Print version
  --host string            Echo server host (default: localhost)
  --port int               Echo server port (default: 5000)
  -p, --protocol string    Protocol: tcp, udp (default: udp)
  -n, --messages int       Number of messages to send
  -t, --runtime float      Run for this many seconds instead
                           (one of --messages or --runtime is required)
  --size int               Message size in bytes (default: 1024)
  --timeout float          Reply timeout in seconds (default: 1)
  --window int             Packets in flight (default: 1)
  --interval float         Delay between sends in ms (default: 1)
  --json                   Output results as JSON
  --plain                  Plain key=value output
  -v, --verbose            Verbose output
  -q, --quiet              Quiet mode (errors only)
  --no-color               Disable color output
  --no-progress            Disable progress output
  --save                   Save the result to local history
  --data-dir string        History directory

SOCKS5 Proxy:
  --proxy-host string      Route the test through a SOCKS5 proxy
  --proxy-port int         Proxy port (default: 1080)
  --proxy-username string  Username, if the proxy requires it
  --proxy-password string  Password, if the proxy requires it

Configuration file: ~/.config/losstest/config.yaml

Environment:
  LOSSTEST_HOST, LOSSTEST_PORT, LOSSTEST_PROTOCOL, LOSSTEST_MESSAGES,
  LOSSTEST_RUNTIME, LOSSTEST_SIZE, LOSSTEST_TIMEOUT, LOSSTEST_WINDOW,
  LOSSTEST_INTERVAL_MS, LOSSTEST_PROXY_HOST, LOSSTEST_PROXY_PORT,
  LOSSTEST_PROXY_USERNAME, LOSSTEST_PROXY_PASSWORD
  ALL_PROXY, NO_PROXY      Reach the SOCKS5 proxy through another proxy
  NO_COLOR                 Disable colors (standard convention)

Examples:
  losstest client --host 10.0.0.5 -n 1000
  losstest client -p tcp -t 30 echo.example.com:5000
  losstest client --proxy-host 127.0.0.1 --proxy-port 1080 --host echo.example.com -n 100
  losstest client --json --save -n 100 lab
`)
}
