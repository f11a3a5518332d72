// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package restclient

import (
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/noodle-run/noodle/restdata"
)

// Node is a client-side handle on one node resource. It holds no
// server-side state beyond the node key and client's base URL.
type Node struct {
	resource
	client *Client
	key    string
}

// Key returns the dotted node key this handle addresses.
func (n *Node) Key() string { return n.key }

// withQuery returns n's URL with path appended as an additional path
// segment (empty for n's own resource) and query set from pairs,
// skipping any pair whose value is empty.
func (n *Node) withQuery(path string, pairs map[string]string) (*url.URL, error) {
	base := n.URL
	if path != "" {
		rel, err := url.Parse(path)
		if err != nil {
			return nil, err
		}
		base = base.ResolveReference(rel)
	}
	u := *base
	q := u.Query()
	q.Set("node_key", n.key)
	for k, v := range pairs {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return &u, nil
}

// GetInfo fetches the node's record and a page of its direct
// children. childStart/childEnd of -1 requests no paging.
func (n *Node) GetInfo(childStart, childEnd int) (*restdata.NodeInfo, error) {
	u, err := n.withQuery("", map[string]string{
		"child_start_index": intParam(childStart),
		"child_end_index":   intParam(childEnd),
	})
	if err != nil {
		return nil, err
	}
	var out restdata.NodeInfo
	if err := n.Do("GET", u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Link acquires a tree-level ("l") lock on this node without
// activating a CRM. icrmTag may be empty to skip the ICRM/template
// compatibility check.
func (n *Node) Link(icrmTag string, lockType string, timeout, retryInterval float64) (*restdata.LockResponse, error) {
	u, err := n.withQuery("link", map[string]string{
		"icrm_tag":       icrmTag,
		"access_mode":    lockType,
		"timeout":        floatParam(timeout),
		"retry_interval": floatParam(retryInterval),
	})
	if err != nil {
		return nil, err
	}
	var out restdata.LockResponse
	if err := n.Do("GET", u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unlink releases a lock previously returned by Link.
func (n *Node) Unlink(lockID string) error {
	u, err := n.withQuery("unlink", map[string]string{"lock_id": lockID})
	if err != nil {
		return err
	}
	return n.Do("GET", u, nil, nil)
}

// Mount creates a local node backed by templateName, passing
// mountParams to its template's Mount hook.
func (n *Node) Mount(templateName string, mountParams map[string]interface{}) error {
	u, err := n.withQuery("mount", nil)
	if err != nil {
		return err
	}
	req := restdata.MountRequest{TemplateName: templateName, MountParams: mountParams}
	return n.Do("POST", u, &req, nil)
}

// MountProxy creates a node whose access_info forwards to a node
// hosted at baseURL's server, under remoteKey.
func (n *Node) MountProxy(templateName, baseURL, remoteKey string) error {
	u, err := n.withQuery("mount", nil)
	if err != nil {
		return err
	}
	req := restdata.MountRequest{TemplateName: templateName, BaseURL: baseURL, RemoteKey: remoteKey}
	return n.Do("POST", u, &req, nil)
}

// Unmount deletes this node and its subtree.
func (n *Node) Unmount() error {
	u, err := n.withQuery("unmount", nil)
	if err != nil {
		return err
	}
	return n.Do("POST", u, nil, nil)
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

// Push sends this node's resource to targetNodeKey, a remote
// reference "<base-url>::<remote-key>".
func (n *Node) Push(templateName, targetNodeKey string) error {
	u, err := n.withQuery("push", nil)
	if err != nil {
		return err
	}
	req := pushRequest{TemplateName: templateName, SourceNodeKey: n.key, TargetNodeKey: targetNodeKey}
	return n.Do("POST", u, &req, nil)
}

// Pull populates this node's resource from sourceNodeKey, a remote
// reference "<base-url>::<remote-key>".
func (n *Node) Pull(templateName, sourceNodeKey string) error {
	u, err := n.withQuery("pull", nil)
	if err != nil {
		return err
	}
	req := pullRequest{TemplateName: templateName, TargetNodeKey: n.key, SourceNodeKey: sourceNodeKey}
	return n.Do("POST", u, &req, nil)
}

// Pack prepares this node's resource to be served in chunks and
// returns the archive's exact on-disk size.
func (n *Node) Pack() (int64, error) {
	u, err := n.withQuery("packing", nil)
	if err != nil {
		return 0, err
	}
	var out restdata.PackingResponse
	if err := n.Do("POST", u, nil, &out); err != nil {
		return 0, err
	}
	return out.FileSize, nil
}

// PullChunk fetches one chunk of a previously Pack-ed archive.
func (n *Node) PullChunk(chunkIndex, chunkSize int) (data []byte, isLast bool, err error) {
	u, err := n.withQuery("push_to", map[string]string{
		"chunk_index": intParam(chunkIndex),
		"chunk_size":  intParam(chunkSize),
	})
	if err != nil {
		return nil, false, err
	}
	var out restdata.ChunkResponse
	if err := n.Do("GET", u, nil, &out); err != nil {
		return nil, false, err
	}
	data, err = base64.StdEncoding.DecodeString(out.ChunkData)
	if err != nil {
		return nil, false, err
	}
	return data, out.IsLastChunk, nil
}

// PushChunk sends one chunk of an archive to be unpacked at this
// node, mounting it from templateName on the final chunk.
func (n *Node) PushChunk(templateName string, chunkIndex int, data []byte, isLast bool) error {
	u, err := n.withQuery("pull_from", nil)
	if err != nil {
		return err
	}
	req := restdata.PushChunkRequest{
		TemplateName:  templateName,
		TargetNodeKey: n.key,
		ChunkIndex:    chunkIndex,
		ChunkData:     base64.StdEncoding.EncodeToString(data),
		IsLastChunk:   isLast,
	}
	return n.Do("POST", u, &req, nil)
}

func intParam(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

func floatParam(v float64) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%g", v)
}
