// Command gfsplan prints the GFS files a simulation window needs: the remote
// URL each one is fetched from and where it is staged locally. It reads the
// same environment as the service, so the plan matches what a run would fetch.
//
// Usage:
//
//	go run ./cmd/gfsplan \
//	  -start 2024-03-01T12:00:00Z \
//	  -end 2024-03-02T00:00:00Z \
//	  -interval 3
package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/couchcryptid/wrf-run-service/internal/config"
	"github.com/couchcryptid/wrf-run-service/internal/domain"
	"github.com/couchcryptid/wrf-run-service/internal/gfs"
	"github.com/couchcryptid/wrf-run-service/internal/observability"
)

func main() {
	start := flag.String("start", "", "window start, RFC3339")
	end := flag.String("end", "", "window end, RFC3339")
	interval := flag.Int("interval", 3, "input interval in hours")
	check := flag.Bool("check", true, "validate the window against GFS availability and retention")
	flag.Parse()

	if *start == "" || *end == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*start, *end, *interval, *check); code != 0 {
		os.Exit(code)
	}
}

func run(startArg, endArg string, interval int, check bool) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		return 1
	}

	w := domain.SimulationWindow{InputIntervalHours: interval, OutputIntervalMinutes: 60}
	if w.Start, err = time.Parse(time.RFC3339, startArg); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: parse -start: %v\n", err)
		return 1
	}
	if w.End, err = time.Parse(time.RFC3339, endArg); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: parse -end: %v\n", err)
		return 1
	}

	if check {
		if err := w.Validate(domain.Now(), cfg.GfsAvailabilityLag, cfg.GfsRetention); err != nil {
			fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
			return 1
		}
	}

	logger := observability.NewLogger(cfg)
	files := gfs.NewFetcher(cfg, logger, observability.NewMetrics()).Plan(w)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VALID\tFILE\tURL\tLOCAL")
	for _, f := range files {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.ValidTime.Format(time.RFC3339), f.Name(), f.RemoteURL(), f.LocalPath())
	}
	if err := tw.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: write plan: %v\n", err)
		return 1
	}
	fmt.Printf("\n%d files\n", len(files))
	return 0
}
