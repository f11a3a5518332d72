// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package restclient

import (
	"bytes"
	"io"
	"net/http"
	"net/url"

	"github.com/noodle-run/noodle/restdata"
)

// Proxy is a client-side handle on an activated process-level ("p")
// CRM, reached through the server's /proxy/ relay. Unlike Node, it
// carries live session state (lock_id) between calls.
type Proxy struct {
	base   *url.URL
	lockID string
}

// Activate serves the GET half of a /proxy/ session: it acquires a
// process-level lock on nodeKey and brings its CRM up. icrmTag may be
// empty to skip the ICRM/template compatibility check.
func (n *Node) Activate(icrmTag, lockType string, timeout, retryInterval float64) (*Proxy, error) {
	base, err := n.client.URL.Parse(n.client.Representation.ProxyURL)
	if err != nil {
		return nil, err
	}
	u := *base
	q := u.Query()
	q.Set("node_key", n.key)
	q.Set("icrm_tag", icrmTag)
	q.Set("lock_type", lockType)
	if s := floatParam(timeout); s != "" {
		q.Set("timeout", s)
	}
	if s := floatParam(retryInterval); s != "" {
		q.Set("retry_interval", s)
	}
	u.RawQuery = q.Encode()

	r := resource{URL: &u}
	var out restdata.LockResponse
	if err := r.Get(&out); err != nil {
		return nil, err
	}
	return &Proxy{base: base, lockID: out.LockID}, nil
}

// LockID returns the lock identifying this activation.
func (p *Proxy) LockID() string { return p.lockID }

// Invoke forwards an opaque RPC request to the activated CRM and
// returns its opaque response bytes. Neither side of this exchange is
// restdata-shaped, matching restserver.InvokeProxy's raw byte body.
func (p *Proxy) Invoke(request []byte) ([]byte, error) {
	u := *p.base
	q := u.Query()
	q.Set("lock_id", p.lockID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequest("POST", u.String(), bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkHTTPStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// Terminate tears the CRM down and releases its lock.
func (p *Proxy) Terminate() error {
	u := *p.base
	q := u.Query()
	q.Set("lock_id", p.lockID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequest("DELETE", u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkHTTPStatus(resp)
}
