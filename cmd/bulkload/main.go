// Command bulkload streams rows from local CSV/TSV/JSON/Parquet files into
// a remote table via a bulk-upsert RPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/tableflow/bulkload/internal/app"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	serverFlags := flag.NewFlagSet("server", flag.ContinueOnError)
	serverAddr := serverFlags.String("server", "localhost:2135", "remote table service address")
	metricsAddr := serverFlags.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")

	args := os.Args[1:]
	serverArgs, coreArgs := splitServerFlags(args)
	if err := serverFlags.Parse(serverArgs); err != nil {
		os.Exit(2)
	}

	cfg, err := app.ParseArgs(coreArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage()
		os.Exit(2)
	}

	result, err := app.Run(context.Background(), cfg, app.Options{ServerAddr: *serverAddr, MetricsAddr: *metricsAddr})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "run %s: %d bytes in %s\n", result.RunID, result.BytesRead, result.Elapsed)
}

// splitServerFlags separates the -server/-metrics-addr pair (consumed here)
// from everything else (consumed by app.ParseArgs), since both layers share
// one flat argv with no subcommand prefix.
func splitServerFlags(args []string) (serverArgs, rest []string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-server", "--server", "-metrics-addr", "--metrics-addr":
			serverArgs = append(serverArgs, args[i])
			if i+1 < len(args) {
				i++
				serverArgs = append(serverArgs, args[i])
			}
		default:
			rest = append(rest, args[i])
		}
	}
	return serverArgs, rest
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "bulkload - concurrent bulk ingestion client")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  bulkload -table <path> [options] [file ...]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Run 'bulkload -h' is not supported directly; see internal/app.ParseArgs for the full flag list.")
}
