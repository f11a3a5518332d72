// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package rpcwire

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ugorji/go/codec"
)

// Router is the explicit transport interface spec.md §9 calls for in
// place of the teacher's dynamically-injected "client" attribute: a
// stub is just a struct holding a Router plus an ICRM tag.
type Router interface {
	// Send writes an opaque request and blocks for its matching
	// response.
	Send(request []byte) (response []byte, err error)

	// Close releases the underlying connection.
	Close() error
}

// ConnRouter implements Router over a net.Conn carrying a plain stream
// of CBOR-RPC messages (CBOR values delimit themselves; there is no
// separate length framing), grounded on goordinated/main.go's
// bufio.Reader/Writer + codec.Decoder/Encoder pairing.
type ConnRouter struct {
	conn    net.Conn
	handle  *codec.CborHandle
	encoder *codec.Encoder
	decoder *codec.Decoder
	mu      sync.Mutex
	nextID  uint64
}

// NewConnRouter wraps conn in a ConnRouter.  conn is typically a TCP
// or Unix-domain socket connection to a child-process CRM server.
func NewConnRouter(conn net.Conn) (*ConnRouter, error) {
	handle, err := NewCBORHandle()
	if err != nil {
		return nil, err
	}
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	return &ConnRouter{
		conn:    conn,
		handle:  handle,
		encoder: codec.NewEncoder(writer, handle),
		decoder: codec.NewDecoder(reader, handle),
	}, nil
}

// Send implements Router by wrapping the opaque bytes as the sole
// parameter of a "routing" CBOR-RPC call and waiting for the matching
// response.  Because ConnRouter serializes one request at a time
// under its mutex, correlating by ID is a formality, but the field
// is still carried to stay wire-compatible with a server that
// pipelines.
func (r *ConnRouter) Send(request []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := atomic.AddUint64(&r.nextID, 1)
	req := Request{Method: MethodRouting, ID: id, Params: []interface{}{request}}
	if err := r.encoder.Encode(req); err != nil {
		return nil, fmt.Errorf("rpcwire: send: %w", err)
	}
	var resp Response
	if err := r.decoder.Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("rpcwire: connection closed")
		}
		return nil, fmt.Errorf("rpcwire: receive: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("rpcwire: remote error: %s", resp.Error)
	}
	bytes, _ := resp.Result.([]byte)
	return bytes, nil
}

// Ping sends the built-in "ping" method and reports whether the
// server answered without error.
func (r *ConnRouter) Ping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := atomic.AddUint64(&r.nextID, 1)
	req := Request{Method: MethodPing, ID: id}
	if err := r.encoder.Encode(req); err != nil {
		return false
	}
	var resp Response
	if err := r.decoder.Decode(&resp); err != nil {
		return false
	}
	return resp.Error == ""
}

// Shutdown sends the built-in "shutdown" method; the server is
// expected to close the connection afterward.
func (r *ConnRouter) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := atomic.AddUint64(&r.nextID, 1)
	req := Request{Method: MethodShutdown, ID: id}
	if err := r.encoder.Encode(req); err != nil {
		return err
	}
	var resp Response
	_ = r.decoder.Decode(&resp)
	return nil
}

func (r *ConnRouter) Close() error {
	return r.conn.Close()
}

// InProcRouter implements Router directly against a CRM value in the
// caller's own process, used by level-'l' handles where there is no
// transport at all -- method calls go straight through.
type InProcRouter struct {
	Dispatch func(request []byte) ([]byte, error)
}

func (r *InProcRouter) Send(request []byte) ([]byte, error) {
	return r.Dispatch(request)
}

func (r *InProcRouter) Close() error { return nil }
