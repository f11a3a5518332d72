// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package snapshot

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jtacoma/uritemplates"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/noodle-run/noodle/corenode"
)

// Peer is the subset of HTTP behavior a transfer needs against a
// remote noodled instance: issuing the packing/push_to/pull_from
// requests described in spec.md §4.6. Kept as an interface so tests
// can substitute an in-process stub instead of a real *http.Client.
type Peer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client drives the initiator side of both transfer directions
// against a peer's /noodle/node/* endpoints.
type Client struct {
	HTTP    Peer
	TempDir string
	Log     *logrus.Logger
}

// NewClient builds a Client rooted at tempDir for scratch files.
func NewClient(tempDir string, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{HTTP: http.DefaultClient, TempDir: tempDir, Log: log}
}

type packingResponse struct {
	FileSize int64 `json:"file_size"`
}

type chunkResponse struct {
	ChunkIndex  int    `json:"chunk_index"`
	ChunkData   string `json:"chunk_data"`
	IsLastChunk bool   `json:"is_last_chunk"`
}

func decodeJSON(resp *http.Response, out interface{}) error {
	var h codec.JsonHandle
	return codec.NewDecoder(resp.Body, &h).Decode(out)
}

func nonTwoXX(baseURL string, resp *http.Response) error {
	return corenode.ErrTransportFailure{URL: baseURL, Err: fmt.Errorf("peer returned %s", resp.Status)}
}

// Pull copies srcKey from the peer at baseURL into targetNodeKey using
// tmpl's unpack hook, per spec.md §4.6's pull algorithm (initiator runs
// on the destination peer). Pull does not mount targetNodeKey itself.
func (c *Client) Pull(baseURL, srcKey, targetNodeKey string, tmpl *corenode.Template) (err error) {
	size, err := c.requestPacking(baseURL, srcKey)
	if err != nil {
		return err
	}
	c.Log.WithFields(logrus.Fields{"source": srcKey, "target": targetNodeKey, "size": size}).Info("pulling snapshot")

	localPath := filepath.Join(c.TempDir, "pull", corenode.FlatKey(targetNodeKey)+".tar.gz")
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	defer func() {
		if removeErr := os.Remove(localPath); removeErr != nil && !os.IsNotExist(removeErr) {
			c.Log.WithError(removeErr).Warn("failed to clean up pull temp file")
		}
	}()

	chunkIndex := 0
	for {
		data, isLast, fetchErr := c.fetchPushToChunk(baseURL, srcKey, chunkIndex, ChunkSize)
		if fetchErr != nil {
			return fetchErr
		}
		if writeErr := WriteChunk(localPath, chunkIndex, ChunkSize, data); writeErr != nil {
			return writeErr
		}
		if isLast {
			break
		}
		chunkIndex++
	}

	if err := tmpl.Unpack(targetNodeKey, localPath); err != nil {
		return err
	}
	return nil
}

// Push copies sourceNodeKey's local resource to tgtKey on the peer at
// baseURL, sending templateName with every chunk, per spec.md §4.6's
// push algorithm (initiator runs on the source peer).
func (c *Client) Push(mgr *Manager, baseURL, sourceNodeKey, templateName, tgtKey string) error {
	archivePath := mgr.pushCachePath(sourceNodeKey)
	size, nodeLockID, tarLockID, err := mgr.Pack(sourceNodeKey, archivePath)
	if err != nil {
		return err
	}
	c.Log.WithFields(logrus.Fields{"source": sourceNodeKey, "target": tgtKey, "size": size}).Info("pushing snapshot")
	defer func() {
		if relErr := mgr.ReleaseTransfer(archivePath, nodeLockID, tarLockID); relErr != nil {
			c.Log.WithError(relErr).Warn("failed to release push transfer locks")
		}
	}()

	chunkIndex := 0
	for {
		data, isLast, readErr := ReadChunk(archivePath, chunkIndex, ChunkSize)
		if readErr != nil {
			return readErr
		}
		if err := c.postPullFrom(baseURL, templateName, tgtKey, sourceNodeKey, chunkIndex, data, isLast); err != nil {
			return err
		}
		if isLast {
			break
		}
		chunkIndex++
	}
	return nil
}

func (c *Client) requestPacking(baseURL, srcKey string) (int64, error) {
	tmpl, err := uritemplates.Parse("{+base}/noodle/node/packing{?node_key}")
	if err != nil {
		return 0, err
	}
	expanded, err := tmpl.Expand(map[string]interface{}{"base": baseURL, "node_key": srcKey})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequest(http.MethodPost, expanded, nil)
	if err != nil {
		return 0, corenode.ErrTransportFailure{URL: baseURL, Err: err}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, corenode.ErrTransportFailure{URL: baseURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return 0, nonTwoXX(baseURL, resp)
	}
	var out packingResponse
	if err := decodeJSON(resp, &out); err != nil {
		return 0, corenode.ErrTransportFailure{URL: baseURL, Err: err}
	}
	return out.FileSize, nil
}

func (c *Client) fetchPushToChunk(baseURL, srcKey string, chunkIndex, chunkSize int) ([]byte, bool, error) {
	base, err := url.Parse(baseURL + "/noodle/node/push_to")
	if err != nil {
		return nil, false, corenode.ErrValidation{Msg: err.Error()}
	}
	q := base.Query()
	q.Set("node_key", srcKey)
	q.Set("chunk_index", strconv.Itoa(chunkIndex))
	q.Set("chunk_size", strconv.Itoa(chunkSize))
	base.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, false, corenode.ErrTransportFailure{URL: baseURL, Err: err}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, false, corenode.ErrTransportFailure{URL: baseURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, false, nonTwoXX(baseURL, resp)
	}
	var out chunkResponse
	if err := decodeJSON(resp, &out); err != nil {
		return nil, false, corenode.ErrTransportFailure{URL: baseURL, Err: err}
	}
	data, err := base64.StdEncoding.DecodeString(out.ChunkData)
	if err != nil {
		return nil, false, corenode.ErrTransportFailure{URL: baseURL, Err: err}
	}
	return data, out.IsLastChunk, nil
}

func (c *Client) postPullFrom(baseURL, templateName, targetNodeKey, sourceNodeKey string, chunkIndex int, data []byte, isLast bool) error {
	payload := map[string]interface{}{
		"template_name":   templateName,
		"target_node_key": targetNodeKey,
		"source_node_key": sourceNodeKey,
		"chunk_index":     chunkIndex,
		"chunk_data":      base64.StdEncoding.EncodeToString(data),
		"is_last_chunk":   isLast,
	}
	var body []byte
	var h codec.JsonHandle
	if err := codec.NewEncoderBytes(&body, &h).Encode(payload); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/noodle/node/pull_from", bytes.NewReader(body))
	if err != nil {
		return corenode.ErrTransportFailure{URL: baseURL, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return corenode.ErrTransportFailure{URL: baseURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nonTwoXX(baseURL, resp)
	}
	return nil
}
