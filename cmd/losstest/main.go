package main

import (
	"fmt"
	"os"
	"strings"

	check "github.com/saveenergy/losstest/cmd/check"
	client "github.com/saveenergy/losstest/cmd/client"
	mcpcmd "github.com/saveenergy/losstest/cmd/mcp"
	server "github.com/saveenergy/losstest/cmd/server"
)

var version = "dev"

var (
	runServer  = server.Run
	runClient  = client.Run
	runHistory = client.RunHistory
	runCheck   = check.Run
	runMCP     = mcpcmd.Run
)

func main() {
	os.Exit(run(os.Args[1:], version))
}

func run(args []string, version string) int {
	if len(args) == 0 {
		return runServer(nil, version)
	}

	switch args[0] {
	case "server":
		return runServer(args[1:], version)
	case "client":
		return runClient(args[1:], version)
	case "history":
		return runHistory(args[1:], version)
	case "check":
		return runCheck(args[1:], version)
	case "mcp":
		return runMCP(version)
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version", "--version":
		fmt.Printf("losstest %s\n", version)
		return 0
	default:
		if strings.HasPrefix(args[0], "-") {
			return runServer(args, version)
		}
		fmt.Fprintf(os.Stderr, "losstest: unknown command %q\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintf(os.Stdout, `Usage: losstest <command> [args]

Commands:
  server    Run the TCP/UDP echo server (default when no command provided)
  client    Measure packet loss and RTT against an echo server
  check     Quick 20-packet path check with an A-F grade
  history   List or show runs saved with "client --save"
  mcp       Run as MCP server (stdio transport, for AI agents)

Examples:
  losstest server --protocol both --port 5000
  losstest client -p udp -n 1000 echo.example.com
  losstest client --proxy-host 127.0.0.1 --proxy-port 1080 echo.example.com
  losstest check --json echo.example.com:5000
  losstest history --limit 10
  losstest mcp
`)
}
