// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package restdata

import (
	"io"
	"mime"

	"github.com/ugorji/go/codec"
)

// Decode tries to decode a restdata object from a reader, such as an
// HTTP request or response body.  out must be a pointer type.
func Decode(contentType string, r io.Reader, out interface{}) error {
	if contentType == "" {
		// RFC 7231 section 3.1.1.5
		contentType = "application/octet-stream"
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return err
	}

	switch mediaType {
	case "text/json", "application/json", JSONMediaType, V1JSONMediaType:
		mediaType = V1JSONMediaType
	default:
		return ErrUnsupportedMediaType{Type: mediaType}
	}

	switch mediaType {
	case V1JSONMediaType:
		jsonHandle := &codec.JsonHandle{}
		decoder := codec.NewDecoder(r, jsonHandle)
		return decoder.Decode(out)
	default:
		return ErrUnsupportedMediaType{Type: mediaType}
	}
}

// Encode writes out as JSON to w using the same codec handle used
// throughout the REST boundary and the RPC wire protocol.
func Encode(w io.Writer, out interface{}) error {
	jsonHandle := &codec.JsonHandle{}
	encoder := codec.NewEncoder(w, jsonHandle)
	return encoder.Encode(out)
}
