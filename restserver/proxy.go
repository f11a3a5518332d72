// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package restserver

import (
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/noodle-run/noodle/corenode"
	"github.com/noodle-run/noodle/handle"
	"github.com/noodle-run/noodle/restdata"
)

// handleRegistry tracks activated corenode.NodeHandle values across
// the stateless GET/POST/DELETE sequence a /proxy/ session makes,
// keyed by the lock_id the activating GET returned.
type handleRegistry struct {
	mu     sync.Mutex
	byLock map[string]corenode.NodeHandle
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{byLock: make(map[string]corenode.NodeHandle)}
}

func (r *handleRegistry) put(lockID string, h corenode.NodeHandle) {
	r.mu.Lock()
	r.byLock[lockID] = h
	r.mu.Unlock()
}

func (r *handleRegistry) get(lockID string) (corenode.NodeHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byLock[lockID]
	return h, ok
}

func (r *handleRegistry) remove(lockID string) {
	r.mu.Lock()
	delete(r.byLock, lockID)
	r.mu.Unlock()
}

func (api *restAPI) populateProxy(r *mux.Router) {
	r.Path("/proxy/").Methods("GET", "HEAD").Name("proxy-activate").Handler(&resourceHandler{
		Context: api.Context,
		Get:     api.ActivateProxy,
	})
	r.Path("/proxy/").Methods("POST").Name("proxy-invoke").HandlerFunc(api.InvokeProxy)
	r.Path("/proxy/").Methods("DELETE").Name("proxy-terminate").HandlerFunc(api.TerminateProxy)
}

// ActivateProxy serves GET /proxy/?node_key=...&icrm_tag=...&lock_type={r,w}&timeout=...&retry_interval=....
//
// The route table carries lock_type but not access level, since
// /proxy/ exists specifically to give a caller (possibly remote)
// network access to a running CRM -- so this always activates at
// process level ('p'). Same-process callers that only need tree
// exclusivity, without paying for CRM activation, use /node/link's
// level 'l' lock instead.
func (api *restAPI) ActivateProxy(ctx *context) (interface{}, error) {
	nodeKey := ctx.NodeKey()
	lockType, err := ctx.LockType()
	if err != nil {
		return nil, err
	}
	icrmTag := ctx.ICRMTag()

	rec, _, err := api.Tree.LoadRecord(nodeKey, false)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, corenode.ErrNoSuchNode{NodeKey: nodeKey}
	}
	if rec.IsResourceSet() {
		return nil, corenode.ErrResourceSet{NodeKey: nodeKey}
	}
	if icrmTag != "" {
		ok, reason, err := api.Cache.Match(icrmTag, rec.TemplateName)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, corenode.ErrICRMMismatch{ICRMTag: icrmTag, Template: rec.TemplateName, Reason: reason}
		}
	}

	timeout, err := ctx.Float64Param("timeout", 0)
	if err != nil {
		return nil, corenode.ErrValidation{Msg: err.Error()}
	}
	retry, err := ctx.Float64Param("retry_interval", 0.1)
	if err != nil {
		return nil, corenode.ErrValidation{Msg: err.Error()}
	}

	mode := corenode.AccessMode{Level: corenode.LevelProcess, Type: lockType}

	var h corenode.NodeHandle
	if rec.IsProxy() {
		baseURL, remoteKey, ok := corenode.SplitRemoteReference(rec.AccessInfo)
		if !ok {
			return nil, corenode.ErrValidation{Msg: "malformed access_info on proxy node " + nodeKey}
		}
		h = handle.NewProxy(nodeKey, baseURL, remoteKey, icrmTag, mode, api.Locks, api.Log)
	} else {
		h = handle.NewLocal(nodeKey, icrmTag, rec, mode, handle.Options{
			Cache:  api.Cache,
			Locks:  api.Locks,
			Launch: api.Launch,
			Log:    api.Log,
		})
	}

	if err := h.Activate(timeout, retry); err != nil {
		return nil, err
	}
	api.handles.put(h.LockID(), h)

	return restdata.LockResponse{LockID: h.LockID(), ServerAddress: h.ServerAddress()}, nil
}

// InvokeProxy serves POST /proxy/?node_key=...&lock_id=..., forwarding
// the request body as an opaque RPC request to the held handle and
// writing its opaque RPC response back untouched -- neither side of
// this exchange is restdata-shaped, so it bypasses resourceHandler's
// JSON content negotiation entirely.
func (api *restAPI) InvokeProxy(resp http.ResponseWriter, req *http.Request) {
	lockID := req.URL.Query().Get("lock_id")
	h, ok := api.handles.get(lockID)
	if !ok {
		writeProxyError(resp, corenode.ErrNoSuchLock{LockID: lockID})
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeProxyError(resp, corenode.ErrValidation{Msg: err.Error()})
		return
	}

	out, err := h.Invoke(body)
	if err != nil {
		writeProxyError(resp, err)
		return
	}

	resp.Header().Set("Content-Type", "application/octet-stream")
	resp.WriteHeader(http.StatusOK)
	_, _ = resp.Write(out)
}

// TerminateProxy serves DELETE /proxy/?node_key=...&lock_id=....
func (api *restAPI) TerminateProxy(resp http.ResponseWriter, req *http.Request) {
	lockID := req.URL.Query().Get("lock_id")
	h, ok := api.handles.get(lockID)
	if !ok {
		writeProxyError(resp, corenode.ErrNoSuchLock{LockID: lockID})
		return
	}

	err := h.Terminate()
	api.handles.remove(lockID)
	if err != nil {
		writeProxyError(resp, err)
		return
	}
	resp.WriteHeader(http.StatusNoContent)
}

func writeProxyError(resp http.ResponseWriter, err error) {
	errResp := restdata.ErrorResponse{Error: "error", Message: err.Error()}
	errResp.FromError(err)
	resp.Header().Set("Content-Type", restdata.V1JSONMediaType)
	resp.WriteHeader(corenode.HTTPStatusFor(err))
	_ = restdata.Encode(resp, errResp)
}
