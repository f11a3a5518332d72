// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

// Package handle implements corenode.NodeHandle: the polymorphic
// activation/termination state machine described in spec.md §4.4 and
// §4.7, collapsed from what would otherwise be a class hierarchy into
// one interface with three concrete types (Local, Remote, Proxy),
// per spec.md §9's re-architecture guidance.
package handle

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/noodle-run/noodle/corenode"
	"github.com/noodle-run/noodle/modcache"
	"github.com/noodle-run/noodle/rpcwire"
)

// pingCeiling is the hard ceiling on blocking activation: even with
// timeout unset (unbounded lock acquisition), the ping-poll phase
// itself never waits past this, per spec.md §4.4.
const pingCeiling = 60 * time.Second

// pingInterval is the fixed tick used while polling ping, both for
// the blocking 60s ceiling and for the cooperative timeout*10 ticks.
const pingInterval = 100 * time.Millisecond

// Launcher spawns the child process that will run tag's CRM under a
// standard launcher template, parameterized the way spec.md §4.4
// describes: (icrm_tag, server_address, node_key, launch_params). It
// returns the *exec.Cmd so the caller can track and eventually kill
// it. Grounded on danos-configd/server/user_process.go's
// exec.Command-based child process wrapper.
type Launcher func(icrmTag, serverAddress, nodeKey, launchParams string) (*exec.Cmd, error)

// Options configures a Local handle's runtime dependencies.
type Options struct {
	Cache    *modcache.Cache
	Locks    corenode.LockTable
	Launch   Launcher
	Clock    clock.Clock
	Log      *logrus.Logger
	// SocketDir holds the Unix-domain sockets level-'p' CRM
	// servers listen on.
	SocketDir string
}

// Local is the common-case corenode.NodeHandle variant: a node whose
// CRM runs either in the caller's own process (level 'l') or in a
// spawned child process reached over an in-memory RPC socket (level
// 'p'). Both levels share one state machine; only activation and
// termination differ.
type Local struct {
	mu sync.Mutex

	nodeKey      string
	icrmTag      string
	templateName string
	launchParams string
	mode         corenode.AccessMode

	opts Options

	state         corenode.HandleState
	lockID        string
	serverAddress string
	crm           corenode.CRM
	router        rpcwire.Router
	cmd           *exec.Cmd
}

// NewLocal builds a Local handle for an already-loaded node record.
// It does not acquire a lock or start anything; call Activate or
// ActivateContext to do that.
func NewLocal(nodeKey, icrmTag string, rec *corenode.NodeRecord, mode corenode.AccessMode, opts Options) *Local {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.SocketDir == "" {
		opts.SocketDir = "/tmp/noodle-sockets"
	}
	return &Local{
		nodeKey:      nodeKey,
		icrmTag:      icrmTag,
		templateName: rec.TemplateName,
		launchParams: rec.LaunchParams,
		mode:         mode,
		opts:         opts,
		state:        corenode.HandleNew,
	}
}

func (h *Local) NodeKey() string                 { return h.nodeKey }
func (h *Local) State() corenode.HandleState     { return h.state }
func (h *Local) ServerAddress() string           { return h.serverAddress }
func (h *Local) LockID() string                  { return h.lockID }

// scheme returns "local" for in-process CRMs or "memory" for
// child-process CRMs, per spec.md §4.4's addressing scheme.
func (h *Local) scheme() string {
	if h.mode.Level == corenode.LevelLocal {
		return "local"
	}
	return "memory"
}

func addressFor(scheme, nodeKey, lockID string) string {
	return fmt.Sprintf("%s://%s_%s", scheme, corenode.FlatKey(nodeKey), lockID)
}

func (h *Local) Activate(timeout, retryInterval float64) error {
	return h.activate(context.Background(), false, timeout, retryInterval)
}

func (h *Local) ActivateContext(ctx context.Context, timeout, retryInterval float64) error {
	return h.activate(ctx, true, timeout, retryInterval)
}

func (h *Local) activate(ctx context.Context, cooperative bool, timeout, retryInterval float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != corenode.HandleNew {
		return corenode.ErrValidation{Msg: fmt.Sprintf("handle for %s is not new", h.nodeKey)}
	}

	timeoutDur := secondsToDuration(timeout)
	retryDur := secondsToDuration(retryInterval)

	var lockID string
	var err error
	if cooperative {
		lockID, err = h.opts.Locks.AcquireContext(ctx, h.nodeKey, h.mode.Type, h.mode.Level, timeoutDur, retryDur)
	} else {
		lockID, err = h.opts.Locks.Acquire(h.nodeKey, h.mode.Type, h.mode.Level, timeoutDur, retryDur)
	}
	if err != nil {
		h.state = corenode.HandleError
		return err
	}
	h.lockID = lockID
	h.state = corenode.HandleLockHeld
	h.serverAddress = addressFor(h.scheme(), h.nodeKey, h.lockID)

	if h.mode.Level == corenode.LevelLocal {
		if err := h.activateLocalCRM(); err != nil {
			h.failAndReleaseLocked(err)
			return err
		}
		h.state = corenode.HandleActive
		return nil
	}

	if err := h.activateChildProcess(ctx, cooperative, timeout); err != nil {
		h.failAndReleaseLocked(err)
		return err
	}
	h.state = corenode.HandleActive
	return nil
}

func (h *Local) failAndReleaseLocked(cause error) {
	h.state = corenode.HandleError
	_ = h.opts.Locks.Release(h.lockID)
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// activateLocalCRM instantiates the CRM directly in this process and
// wires Invoke straight to it via rpcwire.DispatchBytes -- there is no
// transport at all for level 'l'.
func (h *Local) activateLocalCRM() error {
	tmpl, err := h.opts.Cache.ResolveTemplate(h.templateName)
	if err != nil {
		return err
	}
	launchParams, err := decodeLaunchParams(h.launchParams)
	if err != nil {
		return err
	}
	crm, err := tmpl.NewCRM(launchParams)
	if err != nil {
		return err
	}
	h.crm = crm
	h.router = &rpcwire.InProcRouter{
		Dispatch: func(request []byte) ([]byte, error) {
			return rpcwire.DispatchBytes(crm, noRouteHandler, h.opts.Log, request)
		},
	}
	return nil
}

func noRouteHandler([]byte) ([]byte, error) {
	return nil, fmt.Errorf("handle: routing method not supported by local CRM")
}

// activateChildProcess spawns the launcher template, then polls ping
// at a fixed 100ms tick up to a hard ceiling -- 60s for the blocking
// variant, timeout*10 ticks for the cooperative one -- per spec.md
// §4.4/§4.5.
func (h *Local) activateChildProcess(ctx context.Context, cooperative bool, timeout float64) error {
	if h.opts.Launch == nil {
		return fmt.Errorf("handle: no launcher configured for process-level activation")
	}

	cmd, err := h.opts.Launch(h.icrmTag, h.serverAddress, h.nodeKey, h.launchParams)
	if err != nil {
		return err
	}
	h.cmd = cmd

	socketPath := h.socketPath()

	var ticks int
	if cooperative {
		ticks = int(timeout * 10)
		if ticks <= 0 {
			ticks = 600 // 60s worth of 100ms ticks when timeout is unset
		}
	} else {
		ticks = int(pingCeiling / pingInterval)
	}

	for i := 0; i < ticks; i++ {
		if router, ok := h.tryDial(socketPath); ok {
			h.router = router
			return nil
		}
		if cooperative {
			timer := h.opts.Clock.Timer(pingInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else {
			h.opts.Clock.Sleep(pingInterval)
		}
	}
	return corenode.ErrTimeout{NodeKey: h.nodeKey, Op: "CRM server ping"}
}

func (h *Local) socketPath() string {
	name := strings.ReplaceAll(h.serverAddress, "://", "_") + ".sock"
	return filepath.Join(h.opts.SocketDir, name)
}

func (h *Local) tryDial(socketPath string) (*rpcwire.ConnRouter, bool) {
	conn, err := net.DialTimeout("unix", socketPath, pingInterval)
	if err != nil {
		return nil, false
	}
	router, err := rpcwire.NewConnRouter(conn)
	if err != nil {
		conn.Close()
		return nil, false
	}
	if !router.Ping() {
		router.Close()
		return nil, false
	}
	return router, true
}

func decodeLaunchParams(encoded string) (map[string]interface{}, error) {
	if encoded == "" {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(encoded), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *Local) Invoke(request []byte) ([]byte, error) {
	h.mu.Lock()
	router := h.router
	state := h.state
	h.mu.Unlock()

	if state != corenode.HandleActive {
		return nil, corenode.ErrValidation{Msg: fmt.Sprintf("handle for %s is not active", h.nodeKey)}
	}
	return router.Send(request)
}

func (h *Local) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == corenode.HandleClosed {
		return nil
	}

	var termErr error
	switch h.mode.Level {
	case corenode.LevelLocal:
		if h.crm != nil {
			termErr = h.crm.Terminate()
		}
	case corenode.LevelProcess:
		if h.router != nil {
			if connRouter, ok := h.router.(*rpcwire.ConnRouter); ok {
				_ = connRouter.Shutdown()
			}
			termErr = h.router.Close()
		}
		if h.cmd != nil && h.cmd.Process != nil {
			_ = h.cmd.Wait()
		}
	}

	if h.lockID != "" {
		if err := h.opts.Locks.Release(h.lockID); err != nil && termErr == nil {
			termErr = err
		}
	}
	h.state = corenode.HandleClosed
	return termErr
}
