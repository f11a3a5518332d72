// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package restdata

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/noodle-run/noodle/corenode"
)

// ErrorStatus describes errors that correspond to specific HTTP status
// codes.
type ErrorStatus interface {
	// HTTPStatus returns the HTTP status code for this error.
	HTTPStatus() int
}

// ErrUnsupportedMediaType is returned from Decode() if the provided
// Content-Type: is unrecognized.  This translates directly into the
// equivalent HTTP 415 error.
type ErrUnsupportedMediaType struct {
	Type string
}

func (e ErrUnsupportedMediaType) Error() string {
	return fmt.Sprintf("unsupported media type %q", e.Type)
}

// HTTPStatus returns a fixed 415 Unsupported Media Type error code.
func (e ErrUnsupportedMediaType) HTTPStatus() int {
	return http.StatusUnsupportedMediaType
}

// ErrBadRequest is returned as an error when there is an error decoding
// HTTP headers or the request body.
type ErrBadRequest struct {
	Err error
}

func (e ErrBadRequest) Error() string {
	return e.Err.Error()
}

// HTTPStatus returns a fixed 400 Bad Request HTTP status code.
func (e ErrBadRequest) HTTPStatus() int {
	return http.StatusBadRequest
}

// FromError populates an ErrorResponse to fill in its fields based on
// an error value, naming the corenode error type so ToError can
// reconstruct it on the other side of the wire.
func (e *ErrorResponse) FromError(err error) {
	switch et := err.(type) {
	case corenode.ErrNoSuchNode:
		e.Error, e.Value = "ErrNoSuchNode", et.NodeKey
	case corenode.ErrNoSuchTemplate:
		e.Error, e.Value = "ErrNoSuchTemplate", et.Name
	case corenode.ErrNoSuchICRM:
		e.Error, e.Value = "ErrNoSuchICRM", et.Tag
	case corenode.ErrNoSuchLock:
		e.Error, e.Value = "ErrNoSuchLock", et.LockID
	case corenode.ErrMissingParent:
		e.Error, e.Value = "ErrMissingParent", et.ParentKey
	case corenode.ErrResourceSet:
		e.Error, e.Value = "ErrResourceSet", et.NodeKey
	case corenode.ErrNodeLocked:
		e.Error, e.Value = "ErrNodeLocked", et.NodeKey
	case corenode.ErrICRMMismatch:
		e.Error, e.Value = "ErrICRMMismatch", et.Reason
	case corenode.ErrTimeout:
		e.Error, e.Value = "ErrTimeout", et.NodeKey
	case corenode.ErrTransportFailure:
		e.Error, e.Value = "ErrTransportFailure", et.URL
	case corenode.ErrValidation:
		e.Error = "ErrValidation"
	default:
		e.Error = "error"
	}
	e.Message = err.Error()
}

// ToError converts e back to a corenode error, if that is possible.
// If not, returns a plain error with e.Message text.
func (e *ErrorResponse) ToError() error {
	switch e.Error {
	case "ErrNoSuchNode":
		return corenode.ErrNoSuchNode{NodeKey: e.Value}
	case "ErrNoSuchTemplate":
		return corenode.ErrNoSuchTemplate{Name: e.Value}
	case "ErrNoSuchICRM":
		return corenode.ErrNoSuchICRM{Tag: e.Value}
	case "ErrNoSuchLock":
		return corenode.ErrNoSuchLock{LockID: e.Value}
	case "ErrMissingParent":
		return corenode.ErrMissingParent{ParentKey: e.Value}
	case "ErrResourceSet":
		return corenode.ErrResourceSet{NodeKey: e.Value}
	case "ErrNodeLocked":
		return corenode.ErrNodeLocked{NodeKey: e.Value}
	case "ErrICRMMismatch":
		return corenode.ErrICRMMismatch{Reason: e.Value}
	case "ErrTimeout":
		return corenode.ErrTimeout{NodeKey: e.Value}
	case "ErrTransportFailure":
		return corenode.ErrTransportFailure{URL: e.Value, Err: errors.New(e.Message)}
	case "ErrValidation":
		return corenode.ErrValidation{Msg: e.Message}
	default:
		return errors.New(e.Message)
	}
}

// FromPanic populates an error response based on a panic.  Typical use
// is:
//
//	defer func() {
//	    if obj := recover(); obj != nil {
//	        resp := restdata.ErrorResponse{}
//	        resp.FromPanic(obj)
//	        // write resp out as makes sense
//	    }
//	}()
func (e *ErrorResponse) FromPanic(obj interface{}) {
	e.Error = "panic"
	if recoveredError, isError := obj.(error); isError {
		e.Message = recoveredError.Error()
	} else {
		e.Message = fmt.Sprintf("%+v", obj)
	}
	var stack [4096]byte
	n := runtime.Stack(stack[:], false)
	e.Stack = string(stack[:n])
}
