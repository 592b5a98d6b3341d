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

// Package codec encrypts Temporal payloads with a shared key. Workflow
// parameters carry IPMI and Foreman credentials, which must not land in the
// Temporal server's history store in clear text.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	commonpb "go.temporal.io/api/common/v1"
	"go.temporal.io/sdk/converter"
)

const encodingEncrypted = "binary/encrypted"

// PayloadCodec seals payloads with AES-GCM. All masters, workers and ctl
// invocations of one location share the key.
type PayloadCodec struct {
	aead cipher.AEAD
}

func NewPayloadCodec(key []byte) (*PayloadCodec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &PayloadCodec{aead: aead}, nil
}

func (c *PayloadCodec) Encode(payloads []*commonpb.Payload) ([]*commonpb.Payload, error) {
	result := make([]*commonpb.Payload, len(payloads))

	for i, p := range payloads {
		plain, err := p.Marshal()
		if err != nil {
			return payloads, err
		}

		nonce := make([]byte, c.aead.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, err
		}

		result[i] = &commonpb.Payload{
			Metadata: map[string][]byte{
				converter.MetadataEncoding: []byte(encodingEncrypted),
			},
			Data: c.aead.Seal(nonce, nonce, plain, nil),
		}
	}

	return result, nil
}

func (c *PayloadCodec) Decode(payloads []*commonpb.Payload) ([]*commonpb.Payload, error) {
	result := make([]*commonpb.Payload, len(payloads))

	for i, p := range payloads {
		// Plain payloads pass through, so a keyless deployment can be
		// upgraded one process at a time.
		if string(p.Metadata[converter.MetadataEncoding]) != encodingEncrypted {
			result[i] = p

			continue
		}

		nonceSize := c.aead.NonceSize()
		if len(p.Data) < nonceSize {
			return nil, errors.New("payload shorter than nonce")
		}

		plain, err := c.aead.Open(nil, p.Data[:nonceSize], p.Data[nonceSize:], nil)
		if err != nil {
			return payloads, err
		}

		result[i] = &commonpb.Payload{}
		if err := result[i].Unmarshal(plain); err != nil {
			return payloads, err
		}
	}

	return result, nil
}

// DataConverter wraps the default converter with payload encryption when a
// key is configured; an empty key returns the default converter untouched.
func DataConverter(key []byte) (converter.DataConverter, error) {
	if len(key) == 0 {
		return converter.GetDefaultDataConverter(), nil
	}

	codec, err := NewPayloadCodec(key)
	if err != nil {
		return nil, err
	}

	return converter.NewCodecDataConverter(
		converter.GetDefaultDataConverter(), codec), nil
}
