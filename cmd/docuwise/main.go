// Command docuwise serves the document question answering API and offers
// ingest and query subcommands for local use.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/teilomillet/docuwise/config"
)

const usage = `USAGE:
    docuwise [-config path] <command> [options]

COMMANDS:
    serve     Start the HTTP API
    ingest    Ingest PDF files, globs or URLs
    query     Ask a question over the ingested documents
    files     List stored files

Run 'docuwise <command> -h' for command options.
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	configPath := ""
	for len(args) > 0 && (args[0] == "-config" || args[0] == "--config") {
		if len(args) < 2 {
			fmt.Fprint(os.Stderr, usage)
			return 2
		}
		configPath = args[1]
		args = args[2:]
	}
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	if args[0] == "-h" || args[0] == "-help" || args[0] == "--help" {
		fmt.Fprint(os.Stdout, usage)
		return 0
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		err = runServe(ctx, cfg, rest)
	case "ingest":
		err = runIngest(ctx, cfg, rest)
	case "query":
		err = runQuery(ctx, cfg, rest)
	case "files":
		err = runFiles(ctx, cfg, rest)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n%s", cmd, usage)
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
