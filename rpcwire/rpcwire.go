// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

// Package rpcwire defines the opaque message-routing primitive the
// spec treats as a black box: a request/response envelope with three
// built-in methods ("ping", "routing", "shutdown") carried over CBOR,
// grounded on the teacher project's cborrpc package (the CBOR-RPC
// format used between goordinated and its clients). Where the teacher
// used reflection plus dynamic attribute injection to wire a client's
// RPC transport, this package exposes the explicit Router interface
// spec.md §9 asks for instead.
package rpcwire

import (
	"reflect"

	"github.com/google/uuid"
	"github.com/ugorji/go/codec"
)

// Request is a single CBOR-RPC request, identical in shape to the
// teacher's cborrpc.Request.
type Request struct {
	Method string
	ID     uint64
	Params []interface{}
}

// Response is a single CBOR-RPC response.
type Response struct {
	ID     uint64
	Result interface{}
	Error  string
}

// uuidExt lets request/response params carry uuid.UUID values over
// CBOR without them decaying to plain byte slices, mirroring the
// teacher's uuidExt for satori/go.uuid.
type uuidExt struct{}

func (uuidExt) WriteExt(v interface{}) []byte {
	id := v.(uuid.UUID)
	b, _ := id.MarshalBinary()
	return b
}

func (uuidExt) ReadExt(v interface{}, data []byte) {
	panic("uuidExt.ReadExt not implemented")
}

func (uuidExt) ConvertExt(v interface{}) interface{} {
	id := v.(uuid.UUID)
	return id[:]
}

func (uuidExt) UpdateExt(dest interface{}, v interface{}) {
	b := v.([]byte)
	idp := dest.(*uuid.UUID)
	copy(idp[:], b)
}

// NewCBORHandle returns a codec.CborHandle configured with this
// package's extensions, ready to be shared by an encoder/decoder pair.
func NewCBORHandle() (*codec.CborHandle, error) {
	h := &codec.CborHandle{}
	var id uuid.UUID
	if err := h.SetExt(reflect.TypeOf(id), 37, uuidExt{}); err != nil {
		return nil, err
	}
	return h, nil
}

// Built-in method names every CRM server must answer, regardless of
// what the CRM itself implements.
const (
	MethodPing     = "ping"
	MethodRouting  = "routing"
	MethodShutdown = "shutdown"
)
