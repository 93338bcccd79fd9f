package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/kstaniek/go-canary/internal/metrics"
)

// socketReady is reported by /ready: true while a command holds an open socket.
var socketReady atomic.Bool

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(parent context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return 2
	}
	if cfg.command == "version" {
		fmt.Fprintf(stdout, "canary %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metrics.SetReadinessFunc(func() bool { return socketReady.Load() && ctx.Err() == nil })
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
		if cfg.mdnsEnable {
			startMDNSAdvert(ctx, cfg, l)
		}
	}

	err = runCommand(ctx, cfg, l, stdout)
	stop()
	wg.Wait()
	if err != nil {
		l.Error("command_failed", "command", cfg.command, "error", err)
		return 1
	}
	return 0
}

func runCommand(ctx context.Context, cfg *appConfig, l *slog.Logger, out io.Writer) error {
	switch cfg.command {
	case "dump":
		return runDump(ctx, cfg, l, out)
	case "send":
		return runSend(ctx, cfg, l)
	case "isotp-send":
		return runISOTPSend(ctx, cfg, l)
	case "isotp-recv":
		return runISOTPRecv(ctx, cfg, l, out)
	case "ifindex":
		return runIfindex(cfg, out)
	}
	return fmt.Errorf("unknown command %q", cfg.command)
}
