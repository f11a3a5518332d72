// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package handle

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/noodle-run/noodle/corenode"
)

// Proxy is the corenode.NodeHandle variant used when a local record
// has access_info set: it behaves like Remote but additionally
// acquires a local lock, so the local tree's lock invariants are
// enforced even for nodes whose CRM actually lives on a remote peer,
// per spec.md §4.4.
type Proxy struct {
	mu sync.Mutex

	localNodeKey string
	mode         corenode.AccessMode
	locks        corenode.LockTable
	remote       *Remote

	state  corenode.HandleState
	lockID string
}

// NewProxy builds a Proxy handle for localNodeKey, whose access_info
// points at baseURL/remoteNodeKey.
func NewProxy(localNodeKey, baseURL, remoteNodeKey, icrmTag string, mode corenode.AccessMode, locks corenode.LockTable, log *logrus.Logger) *Proxy {
	return &Proxy{
		localNodeKey: localNodeKey,
		mode:         mode,
		locks:        locks,
		remote:       NewRemote(baseURL, remoteNodeKey, icrmTag, mode.Type, log),
		state:        corenode.HandleNew,
	}
}

func (h *Proxy) NodeKey() string             { return h.localNodeKey }
func (h *Proxy) State() corenode.HandleState { return h.state }
func (h *Proxy) ServerAddress() string       { return h.remote.ServerAddress() }
func (h *Proxy) LockID() string              { return h.lockID }

func (h *Proxy) Activate(timeout, retryInterval float64) error {
	return h.activate(context.Background(), false, timeout, retryInterval)
}

func (h *Proxy) ActivateContext(ctx context.Context, timeout, retryInterval float64) error {
	return h.activate(ctx, true, timeout, retryInterval)
}

func (h *Proxy) activate(ctx context.Context, cooperative bool, timeout, retryInterval float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != corenode.HandleNew {
		return corenode.ErrValidation{Msg: fmt.Sprintf("handle for %s is not new", h.localNodeKey)}
	}

	timeoutDur := secondsToDuration(timeout)
	retryDur := secondsToDuration(retryInterval)

	var lockID string
	var err error
	if cooperative {
		lockID, err = h.locks.AcquireContext(ctx, h.localNodeKey, h.mode.Type, h.mode.Level, timeoutDur, retryDur)
	} else {
		lockID, err = h.locks.Acquire(h.localNodeKey, h.mode.Type, h.mode.Level, timeoutDur, retryDur)
	}
	if err != nil {
		h.state = corenode.HandleError
		return err
	}
	h.lockID = lockID
	h.state = corenode.HandleLockHeld

	var remoteErr error
	if cooperative {
		remoteErr = h.remote.ActivateContext(ctx, timeout, retryInterval)
	} else {
		remoteErr = h.remote.Activate(timeout, retryInterval)
	}
	if remoteErr != nil {
		h.state = corenode.HandleError
		_ = h.locks.Release(h.lockID)
		return remoteErr
	}

	h.state = corenode.HandleActive
	return nil
}

func (h *Proxy) Invoke(request []byte) ([]byte, error) {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()
	if state != corenode.HandleActive {
		return nil, corenode.ErrValidation{Msg: fmt.Sprintf("handle for %s is not active", h.localNodeKey)}
	}
	return h.remote.Invoke(request)
}

func (h *Proxy) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == corenode.HandleClosed {
		return nil
	}

	remoteErr := h.remote.Terminate()
	var lockErr error
	if h.lockID != "" {
		lockErr = h.locks.Release(h.lockID)
	}
	h.state = corenode.HandleClosed

	if remoteErr != nil {
		return remoteErr
	}
	return lockErr
}
