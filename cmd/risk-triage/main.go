// Package main provides the analyst triage TUI over stored scored events.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"secureops/internal/config"
	"secureops/internal/storage"
	"secureops/internal/tui"
	"secureops/internal/tui/scenes"
)

var (
	version = "dev"
)

func main() {
	var (
		showVersion bool
		minScore    int
		limit       int
		window      time.Duration
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.IntVar(&minScore, "min-score", -1, "Minimum final score to show (default from config)")
	flag.IntVar(&limit, "limit", 0, "Maximum events to list (default from config)")
	flag.DurationVar(&window, "window", 24*time.Hour, "How far back to look")
	flag.Parse()

	if showVersion {
		fmt.Printf("risk-triage %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	opts := scenes.Options{
		RefreshInterval: cfg.Triage.RefreshInterval,
		Limit:           cfg.Triage.Limit,
		MinScore:        cfg.Triage.MinScore,
		Window:          window,
	}
	if minScore >= 0 {
		opts.MinScore = minScore
	}
	if limit > 0 {
		opts.Limit = limit
	}

	fmt.Println("Starting secureops triage...")
	fmt.Printf("Connecting to ClickHouse: %v\n", cfg.Storage.ClickHouse.Hosts)

	client, err := storage.NewClickHouseClient(cfg.Storage.ClickHouse)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if storage.IsConnectionError(err) {
			fmt.Fprintln(os.Stderr, "Check storage.clickhouse.hosts or SECUREOPS_CLICKHOUSE_HOST.")
		}
		os.Exit(1)
	}
	defer client.Close()

	if err := tui.Run(client, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
