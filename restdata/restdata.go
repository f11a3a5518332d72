// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

// Package restdata defines the JSON wire representations exchanged
// across the HTTP boundary described in spec.md §6, plus the
// content-negotiation and error-mapping machinery restserver uses to
// serve them.
package restdata

import "time"

// V1JSONMediaType is the preferred, most specific MIME type for the
// JSON representation of this content.
const V1JSONMediaType = "application/vnd.noodle.v1+json"

// JSONMediaType requests the most recent version of the JSON
// representation of this content.
const JSONMediaType = "application/vnd.noodle+json"

// Resource is a base type for all resources in this module.
type Resource struct {
	// URL points at this resource.
	URL string `json:"url"`
}

// NamedResource is a resource with a node key.
type NamedResource struct {
	Resource

	// NodeKey holds the dotted node key identifying this resource.
	NodeKey string `json:"node_key"`
}

// RootData is returned by the root path.
type RootData struct {
	Resource

	// NodeURL is the bare path for mount, unmount, get_info, and
	// load_record operations on a single node; the node is named by
	// a "node_key" query parameter.
	NodeURL string `json:"node_url"`

	// LockURL is the bare path for releasing and inspecting a single
	// lock; the lock is named by a "lock_id" query parameter.
	LockURL string `json:"lock_url"`

	// ProxyURL handles the activation relay endpoint: GET to
	// activate a handle, POST to invoke against an active one,
	// DELETE to terminate it.
	ProxyURL string `json:"proxy_url"`
}

// NodeShort provides minimal data to identify a single node, used in
// list/child projections.
type NodeShort struct {
	NamedResource

	// TemplateName is empty for a resource set.
	TemplateName string `json:"template_name,omitempty"`
}

// NodeInfo is the representation returned by get_info: a node record
// plus a paged view of its direct children.
type NodeInfo struct {
	NamedResource

	ParentKey     string      `json:"parent_key,omitempty"`
	TemplateName  string      `json:"template_name,omitempty"`
	LaunchParams  string      `json:"launch_params,omitempty"`
	AccessInfo    string      `json:"access_info,omitempty"`
	IsResourceSet bool        `json:"is_resource_set"`
	IsProxy       bool        `json:"is_proxy"`
	CreatedAt     time.Time   `json:"created_at"`
	Children      []NodeShort `json:"children"`
}

// NodeRecord is the full representation returned by load_record,
// optionally cascading into direct children.
type NodeRecord struct {
	NamedResource

	ParentKey    string       `json:"parent_key,omitempty"`
	TemplateName string       `json:"template_name,omitempty"`
	LaunchParams string       `json:"launch_params,omitempty"`
	AccessInfo   string       `json:"access_info,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	Children     []NodeRecord `json:"children,omitempty"`
}

// MountRequest is the body of a mount or proxy POST.
type MountRequest struct {
	TemplateName string                 `json:"template_name,omitempty"`
	MountParams  map[string]interface{} `json:"mount_params,omitempty"`
	BaseURL      string                 `json:"base_url,omitempty"`
	RemoteKey    string                 `json:"remote_node_key,omitempty"`
}

// MountResponse reports whether a mount/proxy call created a fresh
// record (false means the node already existed).
type MountResponse struct {
	NamedResource
	Created bool `json:"created"`
}

// LockResponse is returned by a successful node-handle activation: the
// caller's lock_id and the CRM server address to invoke against.
type LockResponse struct {
	LockID        string `json:"lock_id"`
	ServerAddress string `json:"server_address"`
}

// LockInfo is the representation returned when inspecting a single
// lock record.
type LockInfo struct {
	LockID      string    `json:"lock_id"`
	NodeKey     string    `json:"node_key"`
	LockType    string    `json:"lock_type"`
	AccessLevel string    `json:"access_level"`
	CreatedAt   time.Time `json:"created_at"`
}

// PackingResponse is returned by the packing endpoint: the archive's
// actual on-disk size, always taken from os.Stat per the REDESIGN
// FLAG that file_size must never be estimated.
type PackingResponse struct {
	FileSize int64 `json:"file_size"`
}

// ChunkResponse is one chunk of a pull transfer.
type ChunkResponse struct {
	ChunkIndex  int    `json:"chunk_index"`
	ChunkData   string `json:"chunk_data"`
	IsLastChunk bool   `json:"is_last_chunk"`
}

// PushChunkRequest is one chunk of a push transfer, POSTed to
// pull_from.
type PushChunkRequest struct {
	TemplateName  string `json:"template_name"`
	TargetNodeKey string `json:"target_node_key"`
	SourceNodeKey string `json:"source_node_key"`
	ChunkIndex    int    `json:"chunk_index"`
	ChunkData     string `json:"chunk_data"`
	IsLastChunk   bool   `json:"is_last_chunk"`
}

// ErrorResponse can be a response to any method, generally accompanied
// by a failing HTTP status code.
type ErrorResponse struct {
	// Error is a short description of the failure: the name of a
	// typed corenode error, the string "panic", or "error" for
	// anything else.
	Error string `json:"error"`

	// Message is a human-readable description of the failure.
	Message string `json:"message"`

	// Value is an extra parameter to the error if applicable (the
	// node key a NotFound or Locked error refers to).
	Value string `json:"value,omitempty"`

	// Stack holds a formatted backtrace, if the method failed due
	// to a panic.
	Stack string `json:"stack,omitempty"`
}
