// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package handle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/jtacoma/uritemplates"
	"github.com/sirupsen/logrus"

	"github.com/noodle-run/noodle/corenode"
)

// Remote is the corenode.NodeHandle variant created when a node key
// is a remote reference: it performs an HTTP handshake against the
// peer's activation endpoint to obtain a remote lock, then proxies
// every Invoke call through the peer's relay endpoint, per spec.md
// §4.4. Grounded on restclient/rest.go's resource.Do/Template
// request-building pattern, simplified to carry opaque byte bodies
// instead of JSON representations.
type Remote struct {
	mu sync.Mutex

	remoteNodeKey string
	baseURL       string
	icrmTag       string
	lockType      corenode.LockType

	client *http.Client
	log    *logrus.Logger

	state         corenode.HandleState
	lockID        string
	serverAddress string
}

// NewRemote builds a handle that proxies to remoteNodeKey on the peer
// at baseURL.
func NewRemote(baseURL, remoteNodeKey, icrmTag string, lockType corenode.LockType, log *logrus.Logger) *Remote {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Remote{
		baseURL:       baseURL,
		remoteNodeKey: remoteNodeKey,
		icrmTag:       icrmTag,
		lockType:      lockType,
		client:        http.DefaultClient,
		log:           log,
		state:         corenode.HandleNew,
	}
}

func (h *Remote) NodeKey() string             { return h.remoteNodeKey }
func (h *Remote) State() corenode.HandleState { return h.state }
func (h *Remote) ServerAddress() string       { return h.serverAddress }
func (h *Remote) LockID() string              { return h.lockID }

// relayURL is the peer's relay endpoint for this node:
// "<base-url>/noodle/proxy/?node_key=<remote-key>".
func (h *Remote) relayURL() (*url.URL, error) {
	tmpl, err := uritemplates.Parse("{+base}/noodle/proxy/{?node_key}")
	if err != nil {
		return nil, err
	}
	expanded, err := tmpl.Expand(map[string]interface{}{
		"base":     h.baseURL,
		"node_key": h.remoteNodeKey,
	})
	if err != nil {
		return nil, err
	}
	return url.Parse(expanded)
}

func (h *Remote) Activate(timeout, retryInterval float64) error {
	return h.activate(context.Background(), timeout, retryInterval)
}

func (h *Remote) ActivateContext(ctx context.Context, timeout, retryInterval float64) error {
	return h.activate(ctx, timeout, retryInterval)
}

func (h *Remote) activate(ctx context.Context, timeout, retryInterval float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != corenode.HandleNew {
		return corenode.ErrValidation{Msg: fmt.Sprintf("handle for %s is not new", h.remoteNodeKey)}
	}

	base, err := h.relayURL()
	if err != nil {
		return corenode.ErrValidation{Msg: err.Error()}
	}
	h.serverAddress = base.String()

	q := base.Query()
	q.Set("icrm_tag", h.icrmTag)
	q.Set("lock_type", string(h.lockType))
	q.Set("retry_interval", strconv.FormatFloat(retryInterval, 'f', -1, 64))
	if timeout > 0 {
		q.Set("timeout", strconv.FormatFloat(timeout, 'f', -1, 64))
	}
	base.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return corenode.ErrTransportFailure{URL: h.baseURL, Err: err}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.state = corenode.HandleError
		return corenode.ErrTransportFailure{URL: h.baseURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		h.state = corenode.HandleError
		return peerError(h.baseURL, resp)
	}

	var info struct {
		LockID string `json:"lock_id"`
	}
	if err := decodeJSONBody(resp, &info); err != nil {
		h.state = corenode.HandleError
		return corenode.ErrTransportFailure{URL: h.baseURL, Err: err}
	}

	h.lockID = info.LockID
	h.state = corenode.HandleActive
	return nil
}

// Invoke POSTs the opaque request bytes to the relay URL with the
// remote lock_id attached, per spec.md §4.4's
// "<server_address>&lock_id=<remote_lock_id>" RPC client address.
func (h *Remote) Invoke(request []byte) ([]byte, error) {
	h.mu.Lock()
	state := h.state
	lockID := h.lockID
	h.mu.Unlock()

	if state != corenode.HandleActive {
		return nil, corenode.ErrValidation{Msg: fmt.Sprintf("handle for %s is not active", h.remoteNodeKey)}
	}

	base, err := h.relayURL()
	if err != nil {
		return nil, corenode.ErrValidation{Msg: err.Error()}
	}
	q := base.Query()
	q.Set("lock_id", lockID)
	base.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodPost, base.String(), bytes.NewReader(request))
	if err != nil {
		return nil, corenode.ErrTransportFailure{URL: h.baseURL, Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, corenode.ErrTransportFailure{URL: h.baseURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, peerError(h.baseURL, resp)
	}
	return io.ReadAll(resp.Body)
}

func (h *Remote) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == corenode.HandleClosed {
		return nil
	}

	base, err := h.relayURL()
	if err == nil {
		q := base.Query()
		q.Set("lock_id", h.lockID)
		base.RawQuery = q.Encode()

		req, reqErr := http.NewRequest(http.MethodDelete, base.String(), nil)
		if reqErr == nil {
			if resp, doErr := h.client.Do(req); doErr == nil {
				resp.Body.Close()
			} else {
				err = doErr
			}
		} else {
			err = reqErr
		}
	}

	h.state = corenode.HandleClosed
	if err != nil {
		return corenode.ErrTransportFailure{URL: h.baseURL, Err: err}
	}
	return nil
}

func peerError(baseURL string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return corenode.ErrTransportFailure{URL: baseURL, Err: fmt.Errorf("peer returned %s: %s", resp.Status, string(body))}
}
