// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"net"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/noodle-run/noodle/handle"
	"github.com/noodle-run/noodle/rpcwire"
)

// newLauncher returns a handle.Launcher that runs the noodle-launcher
// binary at launcherPath as a child process, passing it the four
// parameters spec.md §4.4 names plus -socket-dir. socketDir must match the
// parent's handle.Options.SocketDir so the child listens where the
// parent polls.
func newLauncher(launcherPath, socketDir string) handle.Launcher {
	return func(icrmTag, serverAddress, nodeKey, launchParams string) (*exec.Cmd, error) {
		cmd := exec.Command(launcherPath,
			"-icrm-tag", icrmTag,
			"-server-address", serverAddress,
			"-node-key", nodeKey,
			"-launch-params", launchParams,
			"-socket-dir", socketDir,
		)
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return cmd, nil
	}
}

// socketPathFor mirrors handle.Local's private socketPath derivation:
// a CRM server address maps to a Unix-domain socket name by replacing
// "://" with "_" and appending ".sock", so a launched child and the
// parent polling it agree on where to rendezvous without any side
// channel.
func socketPathFor(socketDir, serverAddress string) string {
	name := strings.ReplaceAll(serverAddress, "://", "_") + ".sock"
	return filepath.Join(socketDir, name)
}

// shutdownProcessServer dials a level-'p' CRM's socket and sends the
// built-in RPC shutdown method, used by corenode.LockTable's
// ReleaseAllProcessServers during graceful daemon teardown.
func shutdownProcessServer(socketDir string) func(serverAddress string) error {
	return func(serverAddress string) error {
		conn, err := net.DialTimeout("unix", socketPathFor(socketDir, serverAddress), time.Second)
		if err != nil {
			return err
		}
		defer conn.Close()
		router, err := rpcwire.NewConnRouter(conn)
		if err != nil {
			return err
		}
		return router.Shutdown()
	}
}
