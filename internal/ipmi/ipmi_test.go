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

package ipmi

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
)

type fakeSNMP struct {
	values map[string]any
	err    error
}

func (f *fakeSNMP) Connect() error { return f.err }
func (f *fakeSNMP) Close() error   { return nil }

func (f *fakeSNMP) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	packet := &gosnmp.SnmpPacket{}

	for _, oid := range oids {
		packet.Variables = append(packet.Variables, gosnmp.SnmpPDU{
			Name:  oid,
			Value: f.values[oid],
		})
	}

	return packet, nil
}

func snmpClient(values map[string]any) *Client {
	c := NewClient(daemon.IPMIConfig{SNMPCommunity: "public"})
	c.snmpFactory = func(string) snmpConn { return &fakeSNMP{values: values} }

	return c
}

func TestIdentifyDell(t *testing.T) {
	c := snmpClient(map[string]any{
		sysObjectIDOID:    ".1.3.6.1.4.1.674.10892.5",
		dellServiceTagOID: []byte("ABC1234"),
		dellModelOID:      []byte("PowerEdge R640"),
	})

	identity, err := c.Identify(context.Background(), "10.0.1.4")
	require.NoError(t, err)
	assert.Equal(t, "Dell", identity.Brand)
	assert.Equal(t, "ABC1234", identity.Serial)
	assert.Equal(t, "PowerEdge R640", identity.Model)
	assert.Equal(t, db.AssetTypeServer, identity.Type)
}

func TestIdentifyChassisManager(t *testing.T) {
	c := snmpClient(map[string]any{
		sysObjectIDOID:    ".1.3.6.1.4.1.674.10892.5",
		dellServiceTagOID: []byte("CHS1234"),
		dellModelOID:      []byte("PowerEdge VRTX CMC"),
	})

	identity, err := c.Identify(context.Background(), "10.0.1.4")
	require.NoError(t, err)
	assert.Equal(t, db.AssetTypeChassis, identity.Type)
}

func TestIdentifyUnsupportedVendor(t *testing.T) {
	c := snmpClient(map[string]any{
		sysObjectIDOID: ".1.3.6.1.4.1.9999.1",
	})

	_, err := c.Identify(context.Background(), "10.0.1.4")
	assert.ErrorIs(t, err, derrors.ErrIgnore)
}

func TestIdentifyUnreachable(t *testing.T) {
	c := NewClient(daemon.IPMIConfig{})
	c.snmpFactory = func(string) snmpConn {
		return &fakeSNMP{err: errors.New("timeout")}
	}

	_, err := c.Identify(context.Background(), "10.0.1.4")
	assert.ErrorIs(t, err, derrors.ErrNotFound)
}

// fakeProc replays canned responses per command line.
type fakeProc struct {
	stdout *bytes.Buffer
	out    string
	err    error
}

func (p *fakeProc) Run() error {
	p.stdout.WriteString(p.out)

	return p.err
}

type procCall struct {
	name string
	args []string
}

// installFakeTools replaces the exec layer; respond maps on the joined
// argument string.
func installFakeTools(t *testing.T, calls *[]procCall,
	respond func(name string, args []string) (string, error)) {
	t.Helper()

	origProc, origPath := procFactory, pathFactory
	origAttempts, origInterval := toolAttempts, toolInterval

	t.Cleanup(func() {
		procFactory, pathFactory = origProc, origPath
		toolAttempts, toolInterval = origAttempts, origInterval
	})

	toolAttempts = 2
	toolInterval = time.Millisecond

	pathFactory = func(file string) (string, error) { return "/usr/bin/" + file, nil }
	procFactory = func(_ context.Context, stdout, _ *bytes.Buffer,
		name string, arg ...string) bmcProc {
		*calls = append(*calls, procCall{name: name, args: arg})

		out, err := respond(name, arg)

		return &fakeProc{stdout: stdout, out: out, err: err}
	}
}

func TestRestartPXEPowerCycle(t *testing.T) {
	var calls []procCall

	installFakeTools(t, &calls, func(_ string, args []string) (string, error) {
		if strings.Contains(strings.Join(args, " "), "power status") {
			return "Chassis Power is on\n", nil
		}

		return "", nil
	})

	c := NewClient(daemon.IPMIConfig{Login: "root", Password: "secret"})
	asset := &db.Asset{Serial: "SER1", IP: "10.0.1.4"}

	require.NoError(t, c.RestartPXE(context.Background(), asset))
	require.Len(t, calls, 3)

	assert.Contains(t, strings.Join(calls[0].args, " "), "chassis bootdev pxe")
	assert.Contains(t, strings.Join(calls[2].args, " "), "chassis power cycle")
}

func TestRestartPXEPowersOnWhenOff(t *testing.T) {
	var calls []procCall

	installFakeTools(t, &calls, func(_ string, args []string) (string, error) {
		if strings.Contains(strings.Join(args, " "), "power status") {
			return "Chassis Power is off\n", nil
		}

		return "", nil
	})

	c := NewClient(daemon.IPMIConfig{Login: "root", Password: "secret"})

	require.NoError(t, c.RestartPXE(context.Background(), &db.Asset{IP: "10.0.1.4"}))
	assert.Contains(t, strings.Join(calls[2].args, " "), "chassis power on")
}

func TestToolOutputScrubbed(t *testing.T) {
	var calls []procCall

	installFakeTools(t, &calls, func(string, []string) (string, error) {
		return "auth failed for secret\n", errors.New("exit status 1")
	})

	c := NewClient(daemon.IPMIConfig{Login: "root", Password: "secret"})

	err := c.PowerOff(context.Background(), &db.Asset{IP: "10.0.1.4"})
	require.Error(t, err)

	var execErr *derrors.ExecError
	require.ErrorAs(t, err, &execErr)
	assert.NotContains(t, execErr.Output, "secret")
	assert.Contains(t, execErr.Output, "********")

	// Failed calls are retried.
	assert.Len(t, calls, 2)
}

func TestPXEMACParsesInventory(t *testing.T) {
	var calls []procCall

	installFakeTools(t, &calls, func(string, []string) (string, error) {
		return "Device Description: Integrated NIC 1 Port 1\n" +
			"Current MAC Address: AA:BB:CC:DD:EE:0F\n", nil
	})

	c := NewClient(daemon.IPMIConfig{Login: "root", Password: "secret"})
	asset := &db.Asset{Serial: "SER1", IP: "10.0.1.4", Brand: "Dell"}

	mac, err := c.PXEMAC(context.Background(), asset, "")
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:0f", mac)

	require.Len(t, calls, 1)
	assert.Equal(t, "/usr/bin/idracadm7", calls[0].name)
}

func TestPXEMACUnsupportedBrand(t *testing.T) {
	c := NewClient(daemon.IPMIConfig{})

	_, err := c.PXEMAC(context.Background(), &db.Asset{Brand: "Acme"}, "")
	assert.ErrorIs(t, err, derrors.ErrIgnore)
}
