// Copyright (c) Firegate Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The sockfwd command is a transparent TCP forwarder built on the
// synchronous-socket layer: every accepted connection is spliced to a
// fixed destination by moving segment queues between the two legs,
// with no payload copies. It doubles as the layer's smoke-test
// binary and exports its connection metrics over a debug endpoint.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/firegate-io/firegate/sockbuf"
	"github.com/firegate-io/firegate/sockconn"
	"github.com/firegate-io/firegate/sockhook"
	"github.com/firegate-io/firegate/types/logger"
)

func main() {
	fs := flag.NewFlagSet("sockfwd", flag.ContinueOnError)
	var (
		listenAddr = fs.String("listen", ":8443", "address to accept connections on")
		dst        = fs.String("dst", "", "host:port to forward connections to")
		backlog    = fs.Int("backlog", 128, "accepted connections allowed in handshake at once")
		debugAddr  = fs.String("debug-addr", "127.0.0.1:8081", "listening address for the debug/metrics endpoint; empty to disable")
		verbose    = fs.Bool("verbose", false, "log per-connection events")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("SOCKFWD")); err != nil {
		log.Fatalf("sockfwd: %v", err)
	}
	if *dst == "" {
		log.Fatal("sockfwd: --dst is required")
	}

	logf := logger.Logf(log.Printf)
	connLogf := logf
	if !*verbose {
		connLogf = logger.Discard
	}

	promReg := prometheus.NewRegistry()
	cfg := sockconn.Config{
		Logf:     connLogf,
		Registry: sockhook.NewRegistry(),
		Arena:    sockbuf.NewArena(),
		Metrics:  sockconn.NewMetrics(promReg),
	}

	fwd := newForwarder(cfg, *dst, connLogf)
	if err := fwd.register(cfg.Registry); err != nil {
		log.Fatalf("sockfwd: %v", err)
	}

	l := sockconn.New(cfg)
	if err := l.InstallType(typeDownstream); err != nil {
		log.Fatalf("sockfwd: %v", err)
	}
	if err := l.Bind(*listenAddr); err != nil {
		log.Fatalf("sockfwd: %v", err)
	}
	if err := l.Listen(*backlog); err != nil {
		log.Fatalf("sockfwd: %v", err)
	}
	logf("sockfwd: forwarding %v -> %v", l.LocalAddr(), *dst)

	if *debugAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*debugAddr, mux); err != nil {
				logf("sockfwd: debug endpoint: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logf("sockfwd: shutting down")
	l.Close()
	if err := l.Release(); err != nil {
		logf("sockfwd: release: %v", err)
	}
}
