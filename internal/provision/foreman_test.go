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

package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
	testdb "github.com/Symantec/dao-control/internal/testing/db"
)

type saltCall struct {
	args []string
}

type nopSaltProc struct{ err error }

func (p *nopSaltProc) Run() error { return p.err }

func installFakeSalt(t *testing.T, calls *[]saltCall) {
	t.Helper()

	origProc, origPath := saltProcFactory, saltPathFactory

	t.Cleanup(func() {
		saltProcFactory, saltPathFactory = origProc, origPath
	})

	saltPathFactory = func(file string) (string, error) { return "/usr/bin/" + file, nil }
	saltProcFactory = func(_ context.Context, _, _ *bytes.Buffer,
		_ string, arg ...string) saltProc {
		*calls = append(*calls, saltCall{args: arg})

		return &nopSaltProc{}
	}
}

func quickRetries(t *testing.T) {
	t.Helper()

	origAttempts, origInterval := foremanAttempts, foremanInterval

	t.Cleanup(func() {
		foremanAttempts, foremanInterval = origAttempts, origInterval
	})

	foremanAttempts = 2
	foremanInterval = time.Millisecond
}

// foremanStub emulates the handful of Foreman endpoints the driver touches.
type foremanStub struct {
	t            *testing.T
	createdHosts []map[string]any
	deleted      []string
	sshUp        bool
	building     bool
}

func (f *foremanStub) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/operatingsystems", func(w http.ResponseWriter, _ *http.Request) {
		f.reply(w, map[string]any{"results": []map[string]any{
			{"id": 7, "name": "VerifyOS", "title": "VerifyOS 1.0"},
			{"id": 9, "name": "CentOS", "title": "CentOS 7.9"},
		}})
	})

	mux.HandleFunc("GET /api/environments", func(w http.ResponseWriter, _ *http.Request) {
		f.reply(w, map[string]any{"results": []map[string]any{{"id": 3}}})
	})

	mux.HandleFunc("GET /api/subnets", func(w http.ResponseWriter, _ *http.Request) {
		f.reply(w, map[string]any{"results": []map[string]any{}})
	})

	mux.HandleFunc("POST /api/subnets", func(w http.ResponseWriter, _ *http.Request) {
		f.reply(w, map[string]any{"id": 12})
	})

	mux.HandleFunc("POST /api/hosts", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&payload))

		host, _ := payload["host"].(map[string]any)
		f.createdHosts = append(f.createdHosts, host)

		f.reply(w, map[string]any{"id": 55})
	})

	mux.HandleFunc("DELETE /api/hosts/", func(w http.ResponseWriter, r *http.Request) {
		f.deleted = append(f.deleted, r.URL.Path)
		// The driver must treat an absent host as success.
		w.WriteHeader(http.StatusNotFound)
	})

	mux.HandleFunc("GET /api/hosts/", func(w http.ResponseWriter, _ *http.Request) {
		f.reply(w, map[string]any{"ip": "10.0.0.4", "build": f.building})
	})

	return mux
}

func (f *foremanStub) reply(w http.ResponseWriter, v any) {
	require.NoError(f.t, json.NewEncoder(w).Encode(v))
}

func newTestDriver(t *testing.T, stub *foremanStub) (*foremanDriver, *db.Store) {
	t.Helper()
	quickRetries(t)

	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	sqlDB, err := testdb.WithTestDatabase(t)
	require.NoError(t, err)

	t.Cleanup(func() { sqlDB.Close() })

	store := db.NewStore(sqlDB)

	orch := NewOrchestrator(daemon.SaltConfig{})
	orch.dial = func(_ context.Context, _ string) (net.Conn, error) {
		if stub.sshUp {
			client, server := net.Pipe()
			go server.Close()

			return client, nil
		}

		return nil, errors.New("connection refused")
	}

	driver, err := New("foreman", daemon.ForemanConfig{
		URL:           srv.URL,
		User:          "api",
		Password:      "secret",
		S1OSName:      "VerifyOS",
		S1Environment: "verify_{role}",
		S2Environment: "prod_{cluster}",
	}, store, orch)
	require.NoError(t, err)

	return driver.(*foremanDriver), store
}

func testServer(t *testing.T, store *db.Store) *db.Server {
	t.Helper()

	ctx := context.Background()

	_, err := store.SubnetEnsure(ctx, &db.Subnet{
		Name:     "trr1-mgmt",
		Location: "DC",
		Type:     "mgmt",
		IP:       "10.0.0.0",
		Mask:     "255.255.255.0",
		Gateway:  "10.0.0.1",
		VlanTag:  101,
	})
	require.NoError(t, err)

	return &db.Server{
		Name:   "host1.example.com",
		Role:   "web",
		PXEMac: "aa:bb:cc:dd:ee:01",
		PXEIP:  "10.0.0.4",
		OSArgs: map[string]string{"os": "CentOS"},
		Asset:  &db.Asset{Location: "DC"},
		Cluster: &db.Cluster{
			Name: "web-east",
		},
	}
}

func TestServerS0S1CreatesVerificationHost(t *testing.T) {
	stub := &foremanStub{t: t}
	driver, store := newTestDriver(t, stub)
	server := testServer(t, store)

	require.NoError(t, driver.ServerS0S1(context.Background(), server))

	// Old host removed first, then the new one created.
	require.Len(t, stub.deleted, 1)
	assert.Contains(t, stub.deleted[0], "host1.example.com")

	require.Len(t, stub.createdHosts, 1)
	host := stub.createdHosts[0]
	assert.Equal(t, "host1.example.com", host["name"])
	assert.Equal(t, "aa:bb:cc:dd:ee:01", host["mac"])
	assert.Equal(t, "10.0.0.4", host["ip"])
	assert.Equal(t, true, host["build"])
	assert.Equal(t, float64(7), host["operatingsystem_id"])
	assert.Equal(t, float64(12), host["subnet_id"])
}

func TestServerS1S2DropsMinionKey(t *testing.T) {
	var saltCalls []saltCall

	installFakeSalt(t, &saltCalls)

	stub := &foremanStub{t: t}
	driver, store := newTestDriver(t, stub)
	server := testServer(t, store)

	require.NoError(t, driver.ServerS1S2(context.Background(), server))

	require.Len(t, saltCalls, 1)
	assert.Equal(t, []string{"-y", "-d", "host1.example.com"}, saltCalls[0].args)

	require.Len(t, stub.createdHosts, 1)
	assert.Equal(t, float64(9), stub.createdHosts[0]["operatingsystem_id"])
}

// seedTopologyRack wires a rack with a bonded two-net layout: subnets hang
// off a recorded switch, the way discovery records them.
func seedTopologyRack(t *testing.T, store *db.Store) *db.Rack {
	t.Helper()

	ctx := context.Background()

	netmap, err := store.NetworkMapCreate(ctx, &db.NetworkMap{
		Name:   "std-40",
		PXENic: "eth0",
		Topology: db.Topology{
			Bonds: []db.Bond{
				{Name: "bond0", Slaves: []string{"eth0", "eth1"}, Nets: []string{"mgmt", "prod"}},
			},
			Nets: []string{"mgmt", "prod"},
		},
	})
	require.NoError(t, err)

	rack, err := store.RackCreate(ctx, &db.Rack{
		Name: "trr1", Location: "DC", NetworkMapID: netmap.ID,
	})
	require.NoError(t, err)

	rack.NetworkMap = netmap

	swAsset, err := store.AssetCreate(ctx, &db.Asset{
		Name: "trr1-sw0", Serial: "FSW001", Type: db.AssetTypeNetworkDevice,
		Status: db.AssetStatusDiscovered, Location: "DC", RackID: rack.ID,
	})
	require.NoError(t, err)

	device, err := store.NetworkDeviceEnsure(ctx, "trr1-sw0", swAsset.ID)
	require.NoError(t, err)

	for _, sub := range []*db.Subnet{
		{Name: "trr1-mgmt", Location: "DC", Type: "mgmt",
			IP: "10.0.0.0", Mask: "255.255.255.0", Gateway: "10.0.0.1", VlanTag: 101},
		{Name: "trr1-prod", Location: "DC", Type: "prod",
			IP: "10.1.0.0", Mask: "255.255.255.0", Gateway: "10.1.0.1", VlanTag: 200},
	} {
		subnet, err := store.SubnetEnsure(ctx, sub)
		require.NoError(t, err)

		require.NoError(t, store.SwitchInterfaceEnsure(ctx, &db.SwitchInterface{
			Name: fmt.Sprintf("vlan%d", subnet.VlanTag),
			IP:   subnet.Gateway, DeviceID: device.ID, SubnetID: subnet.ID,
		}))
	}

	return rack
}

func TestServerS1S2BuildsTopologyInterfaces(t *testing.T) {
	var saltCalls []saltCall

	installFakeSalt(t, &saltCalls)

	stub := &foremanStub{t: t}
	driver, store := newTestDriver(t, stub)

	server := testServer(t, store)
	server.Rack = seedTopologyRack(t, store)
	server.Interfaces = []*db.ServerInterface{
		{Name: "eth0", MAC: "aa:bb:cc:dd:ee:01"},
		{Name: "eth1", MAC: "aa:bb:cc:dd:ee:02"},
	}

	require.NoError(t, driver.ServerS1S2(context.Background(), server))

	require.Len(t, stub.createdHosts, 1)

	ifaces, ok := stub.createdHosts[0]["interfaces_attributes"].(map[string]any)
	require.True(t, ok)
	require.Len(t, ifaces, 3)

	bond, _ := ifaces["0"].(map[string]any)
	require.NotNil(t, bond)
	assert.Equal(t, "bond", bond["type"])
	assert.Equal(t, "bond0", bond["identifier"])
	assert.Equal(t, "802.3ad", bond["mode"])
	assert.Equal(t, "miimon=100 xmit_hash_policy=1", bond["bond_options"])
	assert.Equal(t, "eth0,eth1", bond["attached_devices"])
	assert.Equal(t, "aa:bb:cc:dd:ee:01", bond["mac"])

	mgmt, _ := ifaces["1"].(map[string]any)
	require.NotNil(t, mgmt)
	assert.Equal(t, "bond0.101", mgmt["identifier"])
	assert.Equal(t, "101", mgmt["tag"])
	assert.Equal(t, "bond0", mgmt["attached_to"])
	assert.Equal(t, true, mgmt["virtual"])
	assert.Equal(t, true, mgmt["provision"])
	assert.Equal(t, false, mgmt["primary"])
	assert.Equal(t, "10.0.0.4", mgmt["ip"])

	// Without an explicit gateway net, prod carries the default route.
	prod, _ := ifaces["2"].(map[string]any)
	require.NotNil(t, prod)
	assert.Equal(t, "200", prod["tag"])
	assert.Equal(t, true, prod["primary"])
	assert.Equal(t, false, prod["provision"])
}

func TestServerS1S2MissingTopologySubnet(t *testing.T) {
	var saltCalls []saltCall

	installFakeSalt(t, &saltCalls)

	stub := &foremanStub{t: t}
	driver, store := newTestDriver(t, stub)

	server := testServer(t, store)
	server.Rack = seedTopologyRack(t, store)
	server.Rack.NetworkMap.Topology.Bonds[0].Nets = []string{"mgmt", "storage"}

	err := driver.ServerS1S2(context.Background(), server)
	require.ErrorIs(t, err, derrors.ErrInvalidData)
	assert.Contains(t, err.Error(), "storage")
}

func TestServerS1S2NeedsOS(t *testing.T) {
	stub := &foremanStub{t: t}
	driver, store := newTestDriver(t, stub)
	server := testServer(t, store)
	server.OSArgs = nil

	err := driver.ServerS1S2(context.Background(), server)
	assert.ErrorIs(t, err, derrors.ErrInvalidData)
}

func TestIsProvisionedWaitsForBuild(t *testing.T) {
	stub := &foremanStub{t: t, building: true}
	driver, store := newTestDriver(t, stub)

	err := driver.IsProvisioned(context.Background(), testServer(t, store))
	require.ErrorIs(t, err, derrors.ErrProvisionIncomplete)
	assert.Contains(t, err.Error(), "Waiting build completed")
}

func TestIsProvisionedWaitsForSSH(t *testing.T) {
	stub := &foremanStub{t: t}
	driver, store := newTestDriver(t, stub)

	err := driver.IsProvisioned(context.Background(), testServer(t, store))
	require.ErrorIs(t, err, derrors.ErrProvisionIncomplete)
	assert.Contains(t, err.Error(), "Waiting SSH port up")
}

func TestIsProvisionedDone(t *testing.T) {
	stub := &foremanStub{t: t, sshUp: true}
	driver, store := newTestDriver(t, stub)

	require.NoError(t, driver.IsProvisioned(context.Background(), testServer(t, store)))
}

func TestOSList(t *testing.T) {
	stub := &foremanStub{t: t}
	driver, _ := newTestDriver(t, stub)

	oses, err := driver.OSList(context.Background())
	require.NoError(t, err)
	require.Len(t, oses, 2)
	assert.Equal(t, "VerifyOS", oses[0].Name)
}

func TestRequestRetriesServerErrors(t *testing.T) {
	quickRetries(t)

	var hits int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		w.Write([]byte(`{}`)) //nolint:errcheck // ok to ignore this error
	}))
	defer srv.Close()

	baseURL := mustURL(t, srv.URL)
	client := &foremanClient{
		baseURL:    baseURL,
		httpClient: srv.Client(),
	}

	_, err := client.request(context.Background(), http.MethodGet, "/api/hosts/x", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, hits)
}

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()

	u, err := url.Parse(s)
	require.NoError(t, err)

	return u
}

func TestPatchEnvironment(t *testing.T) {
	server := &db.Server{Role: "web", Cluster: &db.Cluster{Name: "web-east"}}

	assert.Equal(t, "verify_web", patchEnvironment("verify_{role}", server))
	assert.Equal(t, "prod_web-east", patchEnvironment("prod_{cluster}", server))
}
