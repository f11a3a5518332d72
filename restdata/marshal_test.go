// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package restdata

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeJSON(t *testing.T) {
	var out NodeRecord
	err := Decode(V1JSONMediaType, strings.NewReader(`{"node_key":"a.b","template_name":"demo"}`), &out)
	assert.NoError(t, err)
	assert.Equal(t, "a.b", out.NodeKey)
	assert.Equal(t, "demo", out.TemplateName)
}

func TestDecodeDefaultsToOctetStream(t *testing.T) {
	var out NodeRecord
	err := Decode("", strings.NewReader(`{}`), &out)
	assert.IsType(t, ErrUnsupportedMediaType{}, err)
}

func TestDecodeUnsupportedMediaType(t *testing.T) {
	var out NodeRecord
	err := Decode("application/xml", strings.NewReader(`<x/>`), &out)
	assert.IsType(t, ErrUnsupportedMediaType{}, err)
}

func TestEncodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := MountResponse{NamedResource: NamedResource{NodeKey: "a.b"}, Created: true}
	assert.NoError(t, Encode(&buf, in))

	var out MountResponse
	assert.NoError(t, Decode(V1JSONMediaType, &buf, &out))
	assert.Equal(t, in, out)
}
