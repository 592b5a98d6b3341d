// Copyright 2016 Symantec, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	commonpb "go.temporal.io/api/common/v1"
	"go.temporal.io/sdk/converter"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec, err := NewPayloadCodec(testKey)
	require.NoError(t, err)

	payload := &commonpb.Payload{Data: []byte(`{"server_name":"trr1-u9"}`)}

	sealed, err := codec.Encode([]*commonpb.Payload{payload})
	require.NoError(t, err)
	require.Len(t, sealed, 1)

	assert.Equal(t, encodingEncrypted,
		string(sealed[0].Metadata[converter.MetadataEncoding]))
	assert.NotContains(t, string(sealed[0].Data), "trr1-u9")

	opened, err := codec.Decode(sealed)
	require.NoError(t, err)
	require.Len(t, opened, 1)
	assert.Equal(t, payload.Data, opened[0].Data)
}

func TestDecodePassesPlainPayloadsThrough(t *testing.T) {
	codec, err := NewPayloadCodec(testKey)
	require.NoError(t, err)

	payload := &commonpb.Payload{Data: []byte("plain")}

	opened, err := codec.Decode([]*commonpb.Payload{payload})
	require.NoError(t, err)
	assert.Equal(t, payload, opened[0])
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	codec, err := NewPayloadCodec(testKey)
	require.NoError(t, err)

	_, err = codec.Decode([]*commonpb.Payload{{
		Metadata: map[string][]byte{
			converter.MetadataEncoding: []byte(encodingEncrypted),
		},
		Data: []byte("short"),
	}})
	assert.Error(t, err)
}

func TestNewPayloadCodecRejectsBadKey(t *testing.T) {
	_, err := NewPayloadCodec([]byte("too short"))
	assert.Error(t, err)
}

func TestDataConverterWithoutKey(t *testing.T) {
	dc, err := DataConverter(nil)
	require.NoError(t, err)
	assert.Equal(t, converter.GetDefaultDataConverter(), dc)
}
