// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package restserver

import (
	"encoding/base64"
	"time"

	"github.com/gorilla/mux"

	"github.com/noodle-run/noodle/corenode"
	"github.com/noodle-run/noodle/restdata"
	"github.com/noodle-run/noodle/snapshot"
)

func (api *restAPI) populateNode(r *mux.Router) {
	r.Path("/node/").Methods("GET", "HEAD").Name("node").Handler(&resourceHandler{
		Context: api.Context,
		Get:     api.GetNodeInfo,
	})
	r.Path("/node/link").Methods("GET", "HEAD").Name("node-link").Handler(&resourceHandler{
		Context: api.Context,
		Get:     api.LinkNode,
	})
	r.Path("/node/unlink").Methods("GET", "HEAD").Name("node-unlink").Handler(&resourceHandler{
		Context: api.Context,
		Get:     api.UnlinkNode,
	})
	r.Path("/node/mount").Methods("POST").Name("node-mount").Handler(&resourceHandler{
		Representation: restdata.MountRequest{},
		Context:        api.Context,
		Post:           api.MountNode,
	})
	r.Path("/node/unmount").Methods("POST").Name("node-unmount").Handler(&resourceHandler{
		Context: api.Context,
		Post: func(ctx *context, _ interface{}) (interface{}, error) {
			return api.UnmountNode(ctx)
		},
	})
	r.Path("/node/push").Methods("POST").Name("node-push").Handler(&resourceHandler{
		Representation: pushRequest{},
		Context:        api.Context,
		Post:           api.PushNode,
	})
	r.Path("/node/pull").Methods("POST").Name("node-pull").Handler(&resourceHandler{
		Representation: pullRequest{},
		Context:        api.Context,
		Post:           api.PullNode,
	})
	r.Path("/node/packing").Methods("POST").Name("node-packing").Handler(&resourceHandler{
		Context: api.Context,
		Post: func(ctx *context, _ interface{}) (interface{}, error) {
			return api.PackNode(ctx)
		},
	})
	r.Path("/node/pull_from").Methods("POST").Name("node-pull-from").Handler(&resourceHandler{
		Representation: restdata.PushChunkRequest{},
		Context:        api.Context,
		Post:           api.ReceivePushedChunk,
	})
	r.Path("/node/push_to").Methods("GET", "HEAD").Name("node-push-to").Handler(&resourceHandler{
		Context: api.Context,
		Get:     api.ServePushToChunk,
	})
}

// GetNodeInfo serves GET /node/?node_key=...&child_start_index=...&child_end_index=....
func (api *restAPI) GetNodeInfo(ctx *context) (interface{}, error) {
	nodeKey := ctx.NodeKey()
	childStart, err := ctx.IntParam("child_start_index", 0)
	if err != nil {
		return nil, corenode.ErrValidation{Msg: err.Error()}
	}
	childEnd, err := ctx.IntParam("child_end_index", -1)
	if err != nil {
		return nil, corenode.ErrValidation{Msg: err.Error()}
	}

	info, err := api.Tree.GetInfo(nodeKey, childStart, childEnd)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, corenode.ErrNoSuchNode{NodeKey: nodeKey}
	}

	out := restdata.NodeInfo{
		NamedResource: restdata.NamedResource{NodeKey: info.NodeKey},
		ParentKey:     info.ParentKey,
		TemplateName:  info.TemplateName,
		LaunchParams:  info.LaunchParams,
		AccessInfo:    info.AccessInfo,
		IsResourceSet: info.IsResourceSet(),
		IsProxy:       info.IsProxy(),
		CreatedAt:     info.CreatedAt,
	}
	for _, child := range info.Children {
		out.Children = append(out.Children, restdata.NodeShort{
			NamedResource: restdata.NamedResource{NodeKey: child.NodeKey},
			TemplateName:  child.TemplateName,
		})
	}
	return out, nil
}

// LinkNode serves GET /node/link?icrm_tag=...&node_key=...&access_mode={r,w}.
//
// This acquires a level-"l" lock directly against the tree's lock
// table; it does not spin up a CRM, which is what /proxy/ is for. It
// exists for callers that need tree-level exclusivity -- a bulk
// operation across several nodes, say -- without the overhead of CRM
// activation.
func (api *restAPI) LinkNode(ctx *context) (interface{}, error) {
	nodeKey := ctx.NodeKey()
	lockType, err := ctx.LockType()
	if err != nil {
		return nil, err
	}

	if tag := ctx.ICRMTag(); tag != "" {
		rec, _, err := api.Tree.LoadRecord(nodeKey, false)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, corenode.ErrNoSuchNode{NodeKey: nodeKey}
		}
		ok, reason, err := api.Cache.Match(tag, rec.TemplateName)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, corenode.ErrICRMMismatch{ICRMTag: tag, Template: rec.TemplateName, Reason: reason}
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

	lockID, err := api.Locks.Acquire(nodeKey, lockType, corenode.LevelLocal, secondsToDuration(timeout), secondsToDuration(retry))
	if err != nil {
		return nil, err
	}
	return restdata.LockResponse{LockID: lockID, ServerAddress: "local://" + corenode.FlatKey(nodeKey) + "_" + lockID}, nil
}

// UnlinkNode serves GET /node/unlink?node_key=...&lock_id=....
func (api *restAPI) UnlinkNode(ctx *context) (interface{}, error) {
	lockID := ctx.LockID()
	if lockID == "" {
		return nil, corenode.ErrValidation{Msg: "lock_id is required"}
	}
	if err := api.Locks.Release(lockID); err != nil {
		return nil, err
	}
	return successResponse{Success: true}, nil
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type mountResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	NodeKey string `json:"node_key"`
}

// MountNode serves POST /node/mount?node_key=..., with the request
// body carrying either mount_params (local template) or base_url plus
// remote_node_key (proxy mount).
func (api *restAPI) MountNode(ctx *context, in interface{}) (interface{}, error) {
	req := in.(*restdata.MountRequest)
	nodeKey := ctx.NodeKey()
	if nodeKey == "" {
		return nil, corenode.ErrValidation{Msg: "node_key is required"}
	}

	if req.BaseURL != "" {
		if _, err := api.Tree.Proxy(nodeKey, req.TemplateName, req.BaseURL, req.RemoteKey); err != nil {
			return nil, err
		}
		return mountResponse{Success: true, NodeKey: nodeKey}, nil
	}

	if _, err := api.Tree.Mount(nodeKey, req.TemplateName, req.MountParams); err != nil {
		return nil, err
	}
	return mountResponse{Success: true, NodeKey: nodeKey}, nil
}

// UnmountNode serves POST /node/unmount?node_key=....
func (api *restAPI) UnmountNode(ctx *context) (interface{}, error) {
	nodeKey := ctx.NodeKey()
	_, err := api.Tree.Unmount(nodeKey)
	return nil, err
}

type pushRequest struct {
	TemplateName  string `json:"template_name"`
	SourceNodeKey string `json:"source_node_key"`
	TargetNodeKey string `json:"target_node_key"`
}

type pullRequest struct {
	TemplateName  string `json:"template_name"`
	TargetNodeKey string `json:"target_node_key"`
	SourceNodeKey string `json:"source_node_key"`
}

// PushNode serves POST /node/push: this host holds source_node_key,
// and target_node_key is a remote reference "<url>::<key>".
func (api *restAPI) PushNode(ctx *context, in interface{}) (interface{}, error) {
	req := in.(*pushRequest)
	baseURL, tgtKey, ok := corenode.SplitRemoteReference(req.TargetNodeKey)
	if !ok {
		return nil, corenode.ErrValidation{Msg: "target_node_key must be a remote reference"}
	}
	client := snapshot.NewClient(api.Snapshot.TempRoot(), api.Log)
	if err := client.Push(api.Snapshot, baseURL, req.SourceNodeKey, req.TemplateName, tgtKey); err != nil {
		return nil, err
	}
	return successResponse{Success: true}, nil
}

// PullNode serves POST /node/pull: this host mounts target_node_key,
// and source_node_key is a remote reference "<url>::<key>".
func (api *restAPI) PullNode(ctx *context, in interface{}) (interface{}, error) {
	req := in.(*pullRequest)
	baseURL, srcKey, ok := corenode.SplitRemoteReference(req.SourceNodeKey)
	if !ok {
		return nil, corenode.ErrValidation{Msg: "source_node_key must be a remote reference"}
	}

	tmpl, err := api.Cache.ResolveTemplate(req.TemplateName)
	if err != nil {
		return nil, err
	}
	if exists, err := api.Tree.Has(req.TargetNodeKey); err != nil {
		return nil, err
	} else if !exists {
		if _, err := api.Tree.Mount(req.TargetNodeKey, req.TemplateName, nil); err != nil {
			return nil, err
		}
	}

	client := snapshot.NewClient(api.Snapshot.TempRoot(), api.Log)
	if err := client.Pull(baseURL, srcKey, req.TargetNodeKey, tmpl); err != nil {
		return nil, err
	}
	return mountResponse{Success: true, NodeKey: req.TargetNodeKey}, nil
}

// PackNode serves POST /node/packing?node_key=..., the first step of
// a remote peer pulling this node's resource: it builds (or reuses)
// the archive and holds a read lock on it until ServePushToChunk's
// last chunk is served.
func (api *restAPI) PackNode(ctx *context) (interface{}, error) {
	nodeKey := ctx.NodeKey()
	size, err := api.Snapshot.PrepareServe(nodeKey)
	if err != nil {
		return nil, err
	}
	return restdata.PackingResponse{FileSize: size}, nil
}

// ServePushToChunk serves GET /node/push_to?node_key=...&chunk_index=...&chunk_size=...,
// reading from the archive PackNode prepared and releasing its locks
// once the last chunk has gone out.
func (api *restAPI) ServePushToChunk(ctx *context) (interface{}, error) {
	nodeKey := ctx.NodeKey()
	chunkIndex, err := ctx.IntParam("chunk_index", 0)
	if err != nil {
		return nil, corenode.ErrValidation{Msg: err.Error()}
	}
	chunkSize, err := ctx.IntParam("chunk_size", snapshot.ChunkSize)
	if err != nil {
		return nil, corenode.ErrValidation{Msg: err.Error()}
	}

	data, isLast, err := snapshot.ReadChunk(api.Snapshot.PackingCachePath(nodeKey), chunkIndex, chunkSize)
	if err != nil {
		return nil, err
	}
	if isLast {
		if err := api.Snapshot.FinishServe(nodeKey); err != nil {
			return nil, err
		}
	}
	return restdata.ChunkResponse{
		ChunkIndex:  chunkIndex,
		ChunkData:   base64.StdEncoding.EncodeToString(data),
		IsLastChunk: isLast,
	}, nil
}

// ReceivePushedChunk serves POST /node/pull_from, the target side of
// a push transfer: it appends a received chunk to a local scratch
// file and, on the last chunk, mounts target_node_key and unpacks it.
func (api *restAPI) ReceivePushedChunk(ctx *context, in interface{}) (interface{}, error) {
	req := in.(*restdata.PushChunkRequest)
	data, err := base64.StdEncoding.DecodeString(req.ChunkData)
	if err != nil {
		return nil, corenode.ErrValidation{Msg: err.Error()}
	}

	localPath := api.Snapshot.PushReceivePath(req.TargetNodeKey)
	if err := snapshot.WriteChunk(localPath, req.ChunkIndex, snapshot.ChunkSize, data); err != nil {
		return nil, err
	}
	if !req.IsLastChunk {
		return nil, nil
	}

	tmpl, err := api.Cache.ResolveTemplate(req.TemplateName)
	if err != nil {
		return nil, err
	}
	if exists, err := api.Tree.Has(req.TargetNodeKey); err != nil {
		return nil, err
	} else if !exists {
		if _, err := api.Tree.Mount(req.TargetNodeKey, req.TemplateName, nil); err != nil {
			return nil, err
		}
	}
	if err := tmpl.Unpack(req.TargetNodeKey, localPath); err != nil {
		return nil, err
	}
	return nil, nil
}
