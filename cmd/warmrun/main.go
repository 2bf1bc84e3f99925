// Command warmrun runs one warm job without the HTTP server, for external schedulers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammed-shakir/warmcache/internal/app"
	"github.com/mohammed-shakir/warmcache/internal/core/config"
	"github.com/mohammed-shakir/warmcache/internal/core/observability"
	"github.com/mohammed-shakir/warmcache/internal/jobs"
	"github.com/mohammed-shakir/warmcache/internal/logger"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

type options struct {
	job     string
	force   bool
	secret  string
	asJSON  bool
	listAll bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("warmrun", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.job, "job", "", "job to run (see -list)")
	fs.BoolVar(&o.force, "force", false, "run regardless of the scheduled hour; needs -secret")
	fs.StringVar(&o.secret, "secret", os.Getenv("MANUAL_SECRET"), "manual override secret")
	fs.BoolVar(&o.asJSON, "json", false, "print the report as JSON")
	fs.BoolVar(&o.listAll, "list", false, "list jobs and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.job == "" && !o.listAll {
		return o, errors.New("-job is required")
	}
	return o, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "warmrun:", err)
		return exitUsage
	}

	cfg := config.FromEnv()
	zl := logger.Build(logger.Config{
		Level:   cfg.LogLevel,
		Console: cfg.LogConsole,
		Service: "warmrun",
	}, stderr)
	log := logger.NewSlog(&zl)
	for _, w := range cfg.Warnings {
		log.Warn("config fallback", "detail", w)
	}
	observability.Init(nil, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		return exitFail
	}
	defer func() { _ = a.Close() }()

	if o.listAll {
		for _, j := range a.Runner.Jobs() {
			fmt.Fprintln(stdout, j)
		}
		return exitOK
	}

	rep, err := a.Runner.Run(ctx, o.job, jobs.Trigger{Force: o.force, Secret: o.secret, Source: "cli"})
	switch {
	case errors.Is(err, jobs.ErrUnknownJob):
		fmt.Fprintln(stderr, "warmrun:", err)
		return exitUsage
	case err != nil && !errors.Is(err, jobs.ErrSweepFailed):
		log.Error("warm failed", "job", o.job, "err", err)
		return exitFail
	}

	if o.asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
	} else if rep.Skipped {
		fmt.Fprintf(stdout, "%s: skipped (%s, hour %d)\n", rep.Job, rep.Decision.Reason, rep.Decision.CurrentHour)
	} else {
		s := rep.Summary
		fmt.Fprintf(stdout, "%s: %s warmed=%d partial=%d failed=%d skipped=%d in %dms\n",
			s.Job, s.Outcome(), s.Warmed, s.Partial, s.Failed, s.Skipped, s.TotalMs)
	}
	if errors.Is(err, jobs.ErrSweepFailed) {
		return exitFail
	}
	return exitOK
}
