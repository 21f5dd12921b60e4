// Package main is the entry point for the scc editor core CLI. It
// compiles and runs a source file through the build pipeline with the
// extension system active.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/scclabs/scc/internal/app"
	"github.com/scclabs/scc/internal/build"
	"github.com/scclabs/scc/internal/build/process"
	"github.com/scclabs/scc/internal/config"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	configPath     string
	logLevel       string
	compileOnly    bool
	listExtensions bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	application, err := app.New(cfg,
		app.WithOutput(func(stream process.Stream, text string) {
			if stream == process.Stderr {
				fmt.Fprint(os.Stderr, text)
				return
			}
			fmt.Print(text)
		}),
		app.WithNotify(func(extension, message string) {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", extension, message)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := application.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer application.Shutdown(context.Background())

	if opts.listExtensions {
		printExtensions(application)
		return 0
	}

	source := flag.Arg(0)
	if source == "" {
		flag.Usage()
		return 2
	}

	application.OpenFile(source)

	done := make(chan buildOutcome, 1)
	report := func(result *build.Result, err error) {
		done <- buildOutcome{result, err}
	}
	if opts.compileOnly {
		application.Compile(ctx, source, report)
	} else {
		application.CompileAndRun(ctx, source, report)
	}

	select {
	case outcome := <-done:
		return outcome.exitCode()
	case <-ctx.Done():
		application.StopBuild()
		return 130
	}
}

type buildOutcome struct {
	result *build.Result
	err    error
}

func (o buildOutcome) exitCode() int {
	if o.err != nil {
		if errors.Is(o.err, build.ErrToolchainUnavailable) {
			fmt.Fprintf(os.Stderr, "Error: compiler not available: %v\n", o.err)
			return 127
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", o.err)
		return 1
	}
	if o.result.Success {
		return 0
	}
	for _, d := range o.result.Diagnostics {
		fmt.Fprintf(os.Stderr, "%s\n", d)
	}
	return 1
}

func printExtensions(application *app.Application) {
	registry := application.Extensions().Registry()
	for _, rec := range registry.List() {
		status := "disabled"
		if rec.Enabled {
			status = "enabled"
		}
		if rec.LastErr != nil {
			status = fmt.Sprintf("error: %v", rec.LastErr)
		}
		fmt.Printf("%-24s %-10s %s\n", rec.Manifest.Name, rec.Manifest.Version, status)
	}
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.configPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&opts.compileOnly, "compile-only", false, "Compile without running")
	flag.BoolVar(&opts.listExtensions, "extensions", false, "List installed extensions and exit")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "scc - compile-and-run editor core\n\n")
		fmt.Fprintf(os.Stderr, "Usage: scc [options] source.cpp\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  scc main.cpp                Compile and run\n")
		fmt.Fprintf(os.Stderr, "  scc -compile-only main.cpp  Compile only\n")
		fmt.Fprintf(os.Stderr, "  scc -extensions             List installed extensions\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("scc %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	if opts.logLevel != "" {
		switch opts.logLevel {
		case "debug", "info", "warn", "error":
		default:
			fmt.Fprintf(os.Stderr, "Error: invalid log level %q\n", opts.logLevel)
			os.Exit(1)
		}
	}

	return opts
}
