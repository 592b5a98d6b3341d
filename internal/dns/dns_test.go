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

package dns

import (
	"bytes"
	"context"
	"errors"
	"testing"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/derrors"
)

type toolCall struct {
	name string
	args []string
}

type nopProc struct{ err error }

func (p *nopProc) Run() error { return p.err }

func installFakeTool(t *testing.T, calls *[]toolCall, runErr error) {
	t.Helper()

	origProc, origPath := dnsProcFactory, dnsPathFactory

	t.Cleanup(func() {
		dnsProcFactory, dnsPathFactory = origProc, origPath
	})

	dnsPathFactory = func(file string) (string, error) { return "/usr/bin/" + file, nil }
	dnsProcFactory = func(_ context.Context, _, _ *bytes.Buffer,
		name string, arg ...string) dnsProc {
		*calls = append(*calls, toolCall{name: name, args: arg})

		return &nopProc{err: runErr}
	}
}

func TestToolEnsureArgs(t *testing.T) {
	var calls []toolCall

	installFakeTool(t, &calls, nil)

	m, err := New(daemon.DNSConfig{Driver: "tool", Tool: "dnsupdate", TTL: 3600})
	require.NoError(t, err)

	require.NoError(t, m.Ensure(context.Background(), "host1.example.com", "10.0.0.4"))
	require.Len(t, calls, 1)
	assert.Equal(t, "/usr/bin/dnsupdate", calls[0].name)
	assert.Equal(t, []string{
		"--action", "change",
		"--fqdn", "host1.example.com",
		"--type", "A,PTR",
		"--value", "10.0.0.4",
		"--ttl", "3600",
	}, calls[0].args)
}

func TestToolDeleteFailureIsExecError(t *testing.T) {
	var calls []toolCall

	installFakeTool(t, &calls, errors.New("exit status 2"))

	m, err := New(daemon.DNSConfig{Driver: "tool", Tool: "dnsupdate", TTL: 3600})
	require.NoError(t, err)

	err = m.Delete(context.Background(), "host1.example.com", "10.0.0.4")

	var execErr *derrors.ExecError
	require.ErrorAs(t, err, &execErr)
}

func TestRFC2136EnsureBuildsUpdates(t *testing.T) {
	m := &rfc2136Maintainer{
		server: "ns1.example.com:53",
		zone:   "example.com",
		ttl:    3600,
	}

	var sent []*mdns.Msg

	m.exchange = func(_ context.Context, msg *mdns.Msg) (*mdns.Msg, error) {
		sent = append(sent, msg.Copy())

		reply := new(mdns.Msg)
		reply.Rcode = mdns.RcodeSuccess

		return reply, nil
	}

	require.NoError(t, m.Ensure(context.Background(), "host1.example.com", "10.0.0.4"))
	require.Len(t, sent, 2)

	forward := sent[0]
	require.Len(t, forward.Question, 1)
	assert.Equal(t, "example.com.", forward.Question[0].Name)

	reverse := sent[1]
	require.Len(t, reverse.Question, 1)
	assert.Equal(t, "0.0.10.in-addr.arpa.", reverse.Question[0].Name)

	var foundPTR bool

	for _, rr := range reverse.Ns {
		if ptr, ok := rr.(*mdns.PTR); ok {
			foundPTR = true

			assert.Equal(t, "4.0.0.10.in-addr.arpa.", ptr.Hdr.Name)
			assert.Equal(t, "host1.example.com.", ptr.Ptr)
		}
	}

	assert.True(t, foundPTR, "reverse update carries no PTR insert")
}

func TestRFC2136RefusedUpdate(t *testing.T) {
	m := &rfc2136Maintainer{zone: "example.com", ttl: 3600}

	m.exchange = func(_ context.Context, _ *mdns.Msg) (*mdns.Msg, error) {
		reply := new(mdns.Msg)
		reply.Rcode = mdns.RcodeRefused

		return reply, nil
	}

	err := m.Ensure(context.Background(), "host1.example.com", "10.0.0.4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REFUSED")
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(daemon.DNSConfig{Driver: "nope"})
	assert.ErrorIs(t, err, derrors.ErrInvalidData)
}
