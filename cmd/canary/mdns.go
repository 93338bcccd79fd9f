package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_canary-metrics._tcp"

// registerMDNS is a hook for tests.
var registerMDNS = func(instance, service, domain string, port int, txt []string) (func(), error) {
	svc, err := zeroconf.Register(instance, service, domain, port, txt, nil)
	if err != nil {
		return nil, err
	}
	return svc.Shutdown, nil
}

// metricsPort extracts the TCP port from a listen address such as ":9100".
func metricsPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("metrics-addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("metrics-addr %q: invalid port", addr)
	}
	return port, nil
}

func mdnsTXT(cfg *appConfig) []string {
	return []string{
		"command=" + cfg.command,
		"if=" + cfg.canIf,
		"version=" + version,
		"commit=" + commit,
	}
}

// startMDNS registers the metrics endpoint and returns a cleanup function.
// The registration is also withdrawn when ctx is done.
func startMDNS(ctx context.Context, cfg *appConfig) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	port, err := metricsPort(cfg.metricsAddr)
	if err != nil {
		return nil, err
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("canary-%s", host)
	}
	shutdown, err := registerMDNS(instance, mdnsServiceType, "local.", port, mdnsTXT(cfg))
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-done:
		}
		shutdown()
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-stopped
	}, nil
}

func startMDNSAdvert(ctx context.Context, cfg *appConfig, l *slog.Logger) {
	if _, err := startMDNS(ctx, cfg); err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "addr", cfg.metricsAddr)
}
