// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

// Package restclient provides an HTTP client for the resource-tree
// REST boundary served by github.com/noodle-run/noodle/restserver.
//
// Call New with the URL of the server's root document, for instance:
//
//	c, err := restclient.New("http://localhost:5980/noodle")
package restclient

import (
	"net/url"

	"github.com/noodle-run/noodle/restdata"
)

// Client is the entry point into the REST API: a reachable root
// document carrying the paths of every other resource.
type Client struct {
	resource
	Representation restdata.RootData
}

// New creates a Client pointed at the noodle root document at
// baseURL (the server's /noodle path), fetching it immediately.
func New(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{resource: resource{URL: u}}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh re-fetches the root document.
func (c *Client) Refresh() error {
	c.Representation = restdata.RootData{}
	return c.Get(&c.Representation)
}

// Node returns a handle on the node resource at key. It does not
// contact the server; call GetInfo on the result to do that. NodeURL
// is a bare path, not a URI template: spec.md §6 routes every
// resource by query parameter, so key is attached to each request
// by withQuery rather than expanded into the URL.
func (c *Client) Node(key string) (*Node, error) {
	u, err := c.URL.Parse(c.Representation.NodeURL)
	if err != nil {
		return nil, err
	}
	return &Node{resource: resource{URL: u}, client: c, key: key}, nil
}

// Lock returns a handle on the lock resource identified by lockID.
// LockURL is a bare path, not a URI template: spec.md §6 routes every
// resource by query parameter, so lock_id is attached directly
// instead of being expanded into the URL.
func (c *Client) Lock(lockID string) (*Lock, error) {
	base, err := c.URL.Parse(c.Representation.LockURL)
	if err != nil {
		return nil, err
	}
	u := *base
	q := u.Query()
	q.Set("lock_id", lockID)
	u.RawQuery = q.Encode()
	return &Lock{resource: resource{URL: &u}, lockID: lockID}, nil
}
