// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

// Noodled serves the resource-tree REST boundary described in
// spec.md §6 over HTTP, grounded on cmd/coordinated/http.go's
// restserver.NewRouter/ListenAndServe pairing, extended with a
// negroni middleware chain and a Prometheus /metrics endpoint the
// teacher's CBOR-RPC daemon never needed.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/negroni"

	"github.com/noodle-run/noodle/backend"
	"github.com/noodle-run/noodle/icrm/echo"
	"github.com/noodle-run/noodle/modcache"
	"github.com/noodle-run/noodle/restserver"
	"github.com/noodle-run/noodle/snapshot"
)

func main() {
	log := logrus.StandardLogger()

	var be backend.Backend
	be.Implementation = "memory"
	flag.Var(&be, "backend", "impl:[address] of the resource tree storage (memory, postgres:<dsn>)")
	bind := flag.String("bind", ":5980", "address to listen on")
	baseURL := flag.String("base-url", "http://localhost:5980", "this host's externally-reachable base URL")
	configPath := flag.String("config", "", "noodle-config YAML file naming ICRM and template descriptors")
	tempRoot := flag.String("temp-root", "/tmp/noodle-snapshots", "scratch directory for snapshot packing/transfer")
	socketDir := flag.String("socket-dir", "/tmp/noodle-sockets", "directory holding level-p CRM Unix-domain sockets")
	launcherPath := flag.String("launcher", "noodle-launcher", "path to the child-process launcher template binary")
	flag.Parse()

	registry := modcache.NewRegistry()
	echo.Register(registry)

	cfg := defaultModuleConfig()
	if *configPath != "" {
		loaded, err := loadModuleConfig(*configPath)
		if err != nil {
			log.WithError(err).Fatal("loading module config")
		}
		cfg = loaded
	}
	cache := modcache.New(cfg, registry)

	tree, locks, closeBackend, err := be.Open(cache, log)
	if err != nil {
		log.WithError(err).Fatal("opening resource tree backend")
	}
	defer closeBackend()

	mgr := snapshot.NewManager(*tempRoot, tree, cache, locks, log)

	deps := restserver.Deps{
		Tree:     tree,
		Locks:    locks,
		Cache:    cache,
		Snapshot: mgr,
		BaseURL:  *baseURL,
		Launch:   newLauncher(*launcherPath, *socketDir),
		Log:      log,
	}

	r := mux.NewRouter()
	restserver.PopulateRouter(r, deps)
	r.Handle("/metrics", promhttp.Handler())

	n := negroni.New(negroni.NewRecovery(), negroni.NewLogger(), metricsMiddleware{})
	n.UseHandler(r)

	server := &http.Server{Addr: *bind, Handler: n}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info("shutting down: releasing process-level CRMs")
		locks.ReleaseAllProcessServers(shutdownProcessServer(*socketDir))
		os.Exit(0)
	}()

	log.WithField("bind", *bind).Info("noodled listening")
	if err := server.ListenAndServe(); err != nil {
		log.WithError(err).Fatal("serving HTTP")
	}
}
