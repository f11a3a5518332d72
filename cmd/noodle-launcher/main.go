// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

// Noodle-launcher is the standard launcher template spec.md §4.4
// describes: a standalone binary parameterized by
// (icrm_tag, server_address, node_key, launch_params) that a
// handle.Launcher implementation spawns via exec.Command for every
// level-'p' activation. It resolves the template named by its
// -template flag (default "echo") from a module cache that knows only
// the icrm/echo package, constructs the CRM, and serves it over a Unix-domain socket derived from
// server_address -- exactly where handle.Local polls for it.
//
// Grounded on danos-configd's exec.Command-spawned child-process
// servers and on goordinated/main.go's CBOR-RPC accept loop, adapted
// from a TCP listener to the Unix-domain socket handle.Local expects.
package main

import (
	"encoding/json"
	"flag"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/noodle-run/noodle/icrm/echo"
	"github.com/noodle-run/noodle/modcache"
	"github.com/noodle-run/noodle/rpcwire"
)

func main() {
	log := logrus.StandardLogger()

	icrmTag := flag.String("icrm-tag", "", "ICRM tag this activation was requested under")
	serverAddress := flag.String("server-address", "", "deterministic CRM server address assigned by the lock table")
	nodeKey := flag.String("node-key", "", "node key being activated")
	launchParams := flag.String("launch-params", "", "JSON-encoded launch params from the node record")
	socketDir := flag.String("socket-dir", "/tmp/noodle-sockets", "directory to create the rendezvous Unix-domain socket in")
	templateName := flag.String("template", echo.TemplateName, "resource-node template name to construct")
	flag.Parse()

	if *serverAddress == "" || *nodeKey == "" {
		log.Fatal("noodle-launcher: -server-address and -node-key are required")
	}

	registry := modcache.NewRegistry()
	echo.Register(registry)
	cache := modcache.New(modcache.Config{
		Templates: []modcache.TemplateEntry{{Name: echo.TemplateName}},
	}, registry)

	tmpl, err := cache.ResolveTemplate(*templateName)
	if err != nil {
		log.WithError(err).Fatal("resolving template")
	}

	var params map[string]interface{}
	if *launchParams != "" {
		if err := json.Unmarshal([]byte(*launchParams), &params); err != nil {
			log.WithError(err).Fatal("decoding launch params")
		}
	}

	crm, err := tmpl.NewCRM(params)
	if err != nil {
		log.WithError(err).Fatal("constructing CRM")
	}

	socketPath := socketPathFor(*socketDir, *serverAddress)
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		log.WithError(err).Fatal("creating socket directory")
	}
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		log.WithError(err).Fatal("listening on rendezvous socket")
	}
	defer listener.Close()

	log.WithFields(logrus.Fields{
		"icrm_tag":       *icrmTag,
		"node_key":       *nodeKey,
		"server_address": *serverAddress,
		"socket":         socketPath,
	}).Info("noodle-launcher ready")

	// route interprets the opaque bytes handle.Local's Invoke sends as
	// a "routing" RPC call. The encoding is specific to the echo
	// template -- a real template would define its own.
	route := func(request []byte) ([]byte, error) {
		out, err := crm.(interface {
			Echo(string) (string, error)
		}).Echo(string(request))
		return []byte(out), err
	}

	var shuttingDown bool
	server := &rpcwire.Server{
		Target:     crm,
		Route:      route,
		OnShutdown: func() { shuttingDown = true },
		Log:        log,
	}

	for !shuttingDown {
		conn, err := listener.Accept()
		if err != nil {
			log.WithError(err).Fatal("accepting connection")
		}
		if err := server.Serve(conn); err != nil {
			log.WithError(err).Warn("connection ended")
		}
	}
}

// socketPathFor mirrors handle.Local's private socketPath derivation
// so the launched child listens exactly where the parent polls.
func socketPathFor(socketDir, serverAddress string) string {
	name := strings.ReplaceAll(serverAddress, "://", "_") + ".sock"
	return filepath.Join(socketDir, name)
}
