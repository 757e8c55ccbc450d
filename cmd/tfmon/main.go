package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tfmon/internal/app"
)

func main() {
	var (
		cfgPath  string
		check    bool
		validate bool
		selftest bool
	)
	flag.StringVar(&cfgPath, "config", "./tfmon.yaml", "path to config file (yaml or json)")
	flag.BoolVar(&check, "check", false, "run exactly one check cycle, print per-target status, exit")
	flag.BoolVar(&validate, "validate", false, "validate the config and print a summary, no network")
	flag.BoolVar(&selftest, "selftest", false, "run the pipeline against scripted outcomes, no network")
	flag.Parse()

	if validate {
		if err := app.ValidateConfig(cfgPath, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "config invalid:", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if selftest {
		go func() { <-sigCh; cancel() }()
		if err := app.SelfTest(ctx, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "self-test failed:", err)
			os.Exit(1)
		}
		return
	}

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if check {
		go func() { <-sigCh; cancel() }()
		err := a.CheckOnce(ctx, os.Stdout)
		if cerr := a.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "check failed:", err)
			os.Exit(1)
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		_ = a.Close()
		os.Exit(1)
	}

	// Block until a signal arrives or the app dies on its own.
	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", a.Err())
		os.Exit(1)
	}
}
