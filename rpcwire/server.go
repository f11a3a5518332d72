// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package rpcwire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

// Server answers CBOR-RPC connections for a single activated CRM,
// dispatching by reflection exactly as goordinated/main.go's
// doRequest does, plus the three built-in methods the spec calls out
// as always present: ping, routing, and shutdown.
type Server struct {
	// Target is the CRM (or any other object) whose exported
	// methods answer arbitrary RPC calls that aren't one of the
	// three built-ins.
	Target interface{}

	// Route handles the "routing" method: it receives the opaque
	// byte-string parameter and returns an opaque byte-string
	// result. Required.
	Route func(request []byte) ([]byte, error)

	// OnShutdown is called once when a "shutdown" request is
	// received, after the response has been queued; Serve returns
	// shortly afterward.
	OnShutdown func()

	Log *logrus.Logger
}

// Serve answers RPC requests on conn until it is closed or a
// shutdown request arrives.  It is meant to run in the child process
// spawned for a level-'p' handle.
func (s *Server) Serve(conn net.Conn) error {
	defer conn.Close()

	handle, err := NewCBORHandle()
	if err != nil {
		return err
	}
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	decoder := codec.NewDecoder(reader, handle)
	encoder := codec.NewEncoder(writer, handle)

	targetV := reflect.ValueOf(s.Target)

	for {
		var req Request
		err := decoder.Decode(&req)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("rpcwire: decode request: %w", err)
		}

		resp := s.dispatch(targetV, req)
		if err := encoder.Encode(resp); err != nil {
			return fmt.Errorf("rpcwire: encode response: %w", err)
		}
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("rpcwire: flush response: %w", err)
		}

		if req.Method == MethodShutdown {
			if s.OnShutdown != nil {
				s.OnShutdown()
			}
			return nil
		}
	}
}

// DispatchBytes decodes a single CBOR-RPC request from requestBytes,
// dispatches it against target exactly as Serve's loop would, and
// returns the encoded response. It is the in-process counterpart of
// Serve/ConnRouter: level-'l' handles have no transport at all, so
// handle.Local wires this into an InProcRouter instead of opening a
// net.Conn to itself.
func DispatchBytes(target interface{}, route func([]byte) ([]byte, error), log *logrus.Logger, requestBytes []byte) ([]byte, error) {
	handle, err := NewCBORHandle()
	if err != nil {
		return nil, err
	}

	var req Request
	decoder := codec.NewDecoderBytes(requestBytes, handle)
	if err := decoder.Decode(&req); err != nil {
		return nil, fmt.Errorf("rpcwire: decode request: %w", err)
	}

	s := &Server{Target: target, Route: route, Log: log}
	resp := s.dispatch(reflect.ValueOf(target), req)

	var out []byte
	encoder := codec.NewEncoderBytes(&out, handle)
	if err := encoder.Encode(resp); err != nil {
		return nil, fmt.Errorf("rpcwire: encode response: %w", err)
	}
	return out, nil
}

// dispatch answers one request, recovering from any panic in a CRM
// method the same way goordinated/main.go's doRequest does.
func (s *Server) dispatch(targetV reflect.Value, req Request) (resp Response) {
	resp.ID = req.ID

	defer func() {
		if oops := recover(); oops != nil {
			buf := make([]byte, 65536)
			n := runtime.Stack(buf, false)
			if s.Log != nil {
				s.Log.WithField("panic", oops).Error(string(buf[:n]))
			}
			resp.Error = fmt.Sprintf("%v", oops)
		}
	}()

	switch req.Method {
	case MethodPing:
		resp.Result = true
		return resp
	case MethodShutdown:
		resp.Result = true
		return resp
	case MethodRouting:
		if len(req.Params) != 1 {
			resp.Error = "routing expects exactly one parameter"
			return resp
		}
		body, ok := req.Params[0].([]byte)
		if !ok {
			resp.Error = "routing parameter must be a byte string"
			return resp
		}
		out, err := s.Route(body)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Result = out
		return resp
	}

	method := snakeToCamel(req.Method)
	funcV := targetV.MethodByName(method)
	if !funcV.IsValid() {
		resp.Error = fmt.Sprintf("no such method %v", method)
		return resp
	}

	params, err := createParamList(funcV, req.Params)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}

	returns := funcV.Call(params)
	if len(returns) == 0 {
		resp.Error = "empty return from method"
		return resp
	}
	last := returns[len(returns)-1].Interface()
	if errV, ok := last.(error); ok {
		if errV != nil {
			resp.Error = errV.Error()
			return resp
		}
		returns = returns[:len(returns)-1]
	}
	switch len(returns) {
	case 0:
		resp.Result = nil
	case 1:
		resp.Result = returns[0].Interface()
	default:
		results := make([]interface{}, len(returns))
		for i, rv := range returns {
			results[i] = rv.Interface()
		}
		resp.Result = results
	}
	return resp
}

// snakeToCamel mirrors goordinated/main.go's method-name mapping:
// "get_names" becomes "GetNames" so RPC method names stay
// snake_case on the wire while Go methods stay idiomatic CamelCase.
func snakeToCamel(s string) string {
	words := strings.Split(s, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, "")
}

// createParamList converts a request's untyped parameter slice into
// reflect.Values assignable to funcV's parameter types, the way
// cborrpc.CreateParamList does for the teacher's CBOR-RPC dispatch.
func createParamList(funcV reflect.Value, params []interface{}) ([]reflect.Value, error) {
	funcT := funcV.Type()
	if funcT.NumIn() != len(params) {
		return nil, errors.New("wrong number of parameters")
	}
	out := make([]reflect.Value, len(params))
	for i, p := range params {
		want := funcT.In(i)
		if p == nil {
			out[i] = reflect.Zero(want)
			continue
		}
		pv := reflect.ValueOf(p)
		if pv.Type().AssignableTo(want) {
			out[i] = pv
			continue
		}
		if pv.Type().ConvertibleTo(want) {
			out[i] = pv.Convert(want)
			continue
		}
		return nil, fmt.Errorf("parameter %d: cannot use %s as %s", i, pv.Type(), want)
	}
	return out, nil
}
