package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"pdfchat/internal/healthcheck"
	"pdfchat/internal/util"
)

func main() {
	policy := healthcheck.DefaultPolicy()
	url := flag.String("url", "http://127.0.0.1:8080/healthz", "liveness endpoint to probe")
	flag.IntVar(&policy.Attempts, "attempts", policy.Attempts, "total probes before giving up")
	flag.DurationVar(&policy.Initial, "initial", policy.Initial, "delay after the first failure")
	flag.DurationVar(&policy.Max, "max", policy.Max, "upper bound on the delay between probes")
	flag.DurationVar(&policy.Timeout, "timeout", policy.Timeout, "per-probe timeout")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	if policy.Attempts <= 0 || policy.Initial <= 0 || policy.Max < policy.Initial {
		fmt.Fprintln(os.Stderr, "healthcheck: attempts and initial must be positive and max >= initial")
		os.Exit(2)
	}

	logger := util.InitLogger(*logLevel, "healthcheck")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prober := healthcheck.NewProber(&http.Client{}, logger)
	attempts, err := prober.Wait(ctx, *url, policy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %s unhealthy after %d attempts: %v\n", *url, attempts, err)
		stop()
		os.Exit(1)
	}
	logger.Info("healthy", "url", *url, "attempts", attempts)
}
