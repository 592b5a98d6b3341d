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

package discovery

import (
	"context"
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
	"github.com/Symantec/dao-control/internal/ipmi"
	"github.com/Symantec/dao-control/internal/switchval"
	testdb "github.com/Symantec/dao-control/internal/testing/db"
)

type fakeBMC struct {
	identity   *ipmi.Identity
	identifies int
	identErr   error
	pxeMAC     string
}

func (f *fakeBMC) Identify(_ context.Context, _ string) (*ipmi.Identity, error) {
	f.identifies++

	return f.identity, f.identErr
}

func (f *fakeBMC) PXEMAC(_ context.Context, _ *db.Asset, _ string) (string, error) {
	return f.pxeMAC, nil
}

type fakePlacer struct {
	placement *switchval.Placement
	err       error
}

func (f *fakePlacer) ServerPlacement(_ context.Context, _ *db.Rack,
	_ string) (*switchval.Placement, error) {
	return f.placement, f.err
}

type allocCall struct {
	subnet    string
	serial    string
	mac       string
	requested string
}

type fakeAlloc struct {
	ip    string
	calls []allocCall
}

func (f *fakeAlloc) Allocate(_ context.Context, _ *db.Rack, subnet *db.Subnet,
	serial, mac, requested string) (string, error) {
	f.calls = append(f.calls, allocCall{
		subnet:    subnet.Type,
		serial:    serial,
		mac:       mac,
		requested: requested,
	})

	if requested != "" {
		return requested, nil
	}

	return f.ip, nil
}

// seedRackWithSubnets builds the full chain a sighting walks: rack ->
// switch asset -> network device -> switch interface -> subnet.
func seedRackWithSubnets(t *testing.T, store *db.Store) *db.Rack {
	t.Helper()

	ctx := context.Background()

	netmap, err := store.NetworkMapCreate(ctx, &db.NetworkMap{
		Name:   "std-40",
		PXENic: "eth0",
	})
	require.NoError(t, err)

	rack, err := store.RackCreate(ctx, &db.Rack{
		Name:         "trr1",
		Location:     "DC",
		NetworkMapID: netmap.ID,
	})
	require.NoError(t, err)

	ipmiSubnet, err := store.SubnetEnsure(ctx, &db.Subnet{
		Name: "trr1-ipmi", Location: "DC", Type: "ipmi",
		IP: "10.0.1.0", Mask: "255.255.255.0", Gateway: "10.0.1.1", VlanTag: 100,
	})
	require.NoError(t, err)

	mgmtSubnet, err := store.SubnetEnsure(ctx, &db.Subnet{
		Name: "trr1-mgmt", Location: "DC", Type: "mgmt",
		IP: "10.0.0.0", Mask: "255.255.255.0", Gateway: "10.0.0.1", VlanTag: 101,
	})
	require.NoError(t, err)

	swAsset, err := store.AssetCreate(ctx, &db.Asset{
		Name: "trr1-sw0", Serial: "FSW001", Type: db.AssetTypeNetworkDevice,
		Status: db.AssetStatusDiscovered, Location: "DC", RackID: rack.ID,
	})
	require.NoError(t, err)

	device, err := store.NetworkDeviceEnsure(ctx, "trr1-sw0", swAsset.ID)
	require.NoError(t, err)

	for i, subnet := range []*db.Subnet{ipmiSubnet, mgmtSubnet} {
		require.NoError(t, store.SwitchInterfaceEnsure(ctx, &db.SwitchInterface{
			Name:     "vlan" + string(rune('0'+i)),
			IP:       subnet.Gateway,
			DeviceID: device.ID,
			SubnetID: subnet.ID,
		}))
	}

	return rack
}

func newEngine(t *testing.T) (*Engine, *db.Store, *fakeBMC, *fakeAlloc) {
	t.Helper()

	sqlDB, err := testdb.WithTestDatabase(t)
	require.NoError(t, err)

	t.Cleanup(func() { sqlDB.Close() })

	store := db.NewStore(sqlDB)
	seedRackWithSubnets(t, store)

	bmc := &fakeBMC{
		identity: &ipmi.Identity{
			Brand: "Dell", Model: "R640", Serial: "SER1",
			Type: db.AssetTypeServer,
		},
		pxeMAC: "aa:bb:cc:dd:ee:10",
	}
	alloc := &fakeAlloc{ip: "10.0.0.4"}
	place := &fakePlacer{placement: &switchval.Placement{ServerNumber: 7, RackUnit: 9}}

	engine, err := NewEngine(store, bmc, place, alloc, Config{
		Location:     "DC",
		SpareCluster: "spare-pool",
		MgmtVlan:     101,
	})
	require.NoError(t, err)

	return engine, store, bmc, alloc
}

func TestSightingEnrollsServer(t *testing.T) {
	engine, store, _, alloc := newEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.20", "AA:BB:CC:DD:EE:02"))

	asset, err := store.AssetGetBySerial(ctx, "SER1")
	require.NoError(t, err)
	assert.Equal(t, "Dell", asset.Brand)
	assert.Equal(t, "aa:bb:cc:dd:ee:02", asset.MAC)

	server, err := store.ServerGetByName(ctx, "discovery_SER1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusUnmanaged, server.Status)
	assert.Equal(t, db.StatusValidated, server.TargetStatus)
	assert.Equal(t, "10.0.0.4", server.PXEIP)
	assert.Equal(t, 7, server.ServerNumber)
	assert.Equal(t, 9, server.RackUnit)
	assert.Equal(t, "spare", server.Role)

	ifaces, err := store.ServerInterfaces(ctx, server.ID)
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	assert.Equal(t, "eth0", ifaces[0].Name)

	require.Len(t, alloc.calls, 2)
}

func TestSightingRecordsBMCAddress(t *testing.T) {
	engine, _, _, alloc := newEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.20", "aa:bb:cc:dd:ee:02"))

	// The sighted BMC address is pinned on the ipmi subnet before the
	// server's own PXE address comes from the mgmt pool.
	require.Len(t, alloc.calls, 2)
	assert.Equal(t, allocCall{
		subnet:    "ipmi",
		serial:    "SER1",
		mac:       "aa:bb:cc:dd:ee:02",
		requested: "10.0.1.20",
	}, alloc.calls[0])
	assert.Equal(t, "mgmt", alloc.calls[1].subnet)
	assert.Empty(t, alloc.calls[1].requested)
}

func TestSightingIdempotent(t *testing.T) {
	engine, _, bmc, alloc := newEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.20", "aa:bb:cc:dd:ee:02"))
	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.20", "aa:bb:cc:dd:ee:02"))

	assert.Equal(t, 1, bmc.identifies)
	assert.Len(t, alloc.calls, 2)
}

func TestSightingIgnoresNonBMC(t *testing.T) {
	engine, store, bmc, _ := newEngine(t)
	bmc.identity = nil
	bmc.identErr = derrors.NotFound("no snmp")

	ctx := context.Background()

	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.30", "aa:bb:cc:dd:ee:03"))
	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.30", "aa:bb:cc:dd:ee:03"))

	// The ignored cache stops the second probe.
	assert.Equal(t, 1, bmc.identifies)

	_, err := store.AssetGetByMAC(ctx, "aa:bb:cc:dd:ee:03")
	assert.ErrorIs(t, err, derrors.ErrNotFound)
}

func TestResetFlushesCaches(t *testing.T) {
	engine, _, bmc, _ := newEngine(t)
	bmc.identity = nil
	bmc.identErr = derrors.NotFound("no snmp")

	ctx := context.Background()

	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.30", "aa:bb:cc:dd:ee:03"))

	engine.Reset()

	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.30", "aa:bb:cc:dd:ee:03"))
	assert.Equal(t, 2, bmc.identifies)
}

func TestSightingRefreshesMovedAsset(t *testing.T) {
	engine, store, _, alloc := newEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.20", "aa:bb:cc:dd:ee:02"))

	// Same BMC shows up with a new lease.
	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.21", "aa:bb:cc:dd:ee:02"))

	asset, err := store.AssetGetBySerial(ctx, "SER1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.1.21", asset.IP)

	// The moved address is re-pinned on the ipmi subnet.
	last := alloc.calls[len(alloc.calls)-1]
	assert.Equal(t, "ipmi", last.subnet)
	assert.Equal(t, "10.0.1.21", last.requested)
}

func TestSightingIgnoresChassisManager(t *testing.T) {
	engine, store, bmc, _ := newEngine(t)
	bmc.identity = &ipmi.Identity{
		Brand: "Dell", Model: "PowerEdge VRTX CMC", Serial: "CHS1",
		Type: db.AssetTypeChassis,
	}

	ctx := context.Background()

	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.40", "aa:bb:cc:dd:ee:04"))

	// The chassis lands in inventory with its own type, but no server row.
	asset, err := store.AssetGetBySerial(ctx, "CHS1")
	require.NoError(t, err)
	assert.Equal(t, db.AssetTypeChassis, asset.Type)

	_, err = store.ServerGetByAsset(ctx, asset.ID)
	assert.ErrorIs(t, err, derrors.ErrNotFound)

	// Second lease answered from the ignored cache.
	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.40", "aa:bb:cc:dd:ee:04"))
	assert.Equal(t, 1, bmc.identifies)
}

func TestDisabledEngine(t *testing.T) {
	engine, store, bmc, _ := newEngine(t)
	engine.cfg.Disabled = true
	ctx := context.Background()

	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.20", "aa:bb:cc:dd:ee:02"))
	assert.Equal(t, 0, bmc.identifies)

	// A forced sighting overrides a disabled auto-enroll.
	require.NoError(t, engine.ForcedSighting(ctx, "10.0.1.20", "aa:bb:cc:dd:ee:02"))
	assert.Equal(t, 1, bmc.identifies)

	_, err := store.ServerGetByName(ctx, "discovery_SER1")
	require.NoError(t, err)
}

func TestSightingProtectedAsset(t *testing.T) {
	engine, store, _, _ := newEngine(t)
	ctx := context.Background()

	rack, err := store.RackGet(ctx, "trr1", "DC")
	require.NoError(t, err)

	_, err = store.AssetCreate(ctx, &db.Asset{
		Name: "SER1", Serial: "SER1", MAC: "aa:bb:cc:dd:ee:02",
		IP: "10.0.1.20", Type: db.AssetTypeServer,
		Status: db.AssetStatusDiscovered, Location: "DC",
		Protected: true, RackID: rack.ID,
	})
	require.NoError(t, err)

	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.20", "aa:bb:cc:dd:ee:02"))

	asset, err := store.AssetGetBySerial(ctx, "SER1")
	require.NoError(t, err)
	assert.Equal(t, db.AssetStatusNew, asset.Status)

	_, err = store.ServerGetByName(ctx, "discovery_SER1")
	assert.ErrorIs(t, err, derrors.ErrNotFound)
}

func TestSightingMACMismatch(t *testing.T) {
	engine, store, _, _ := newEngine(t)
	ctx := context.Background()

	rack, err := store.RackGet(ctx, "trr1", "DC")
	require.NoError(t, err)

	// Same serial known under another BMC MAC.
	_, err = store.AssetCreate(ctx, &db.Asset{
		Name: "SER1", Serial: "SER1", MAC: "aa:bb:cc:dd:ee:99",
		Type: db.AssetTypeServer, Status: db.AssetStatusDiscovered,
		Location: "DC", RackID: rack.ID,
	})
	require.NoError(t, err)

	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.20", "aa:bb:cc:dd:ee:02"))

	asset, err := store.AssetGetBySerial(ctx, "SER1")
	require.NoError(t, err)
	assert.Equal(t, db.AssetStatusMismatch, asset.Status)

	_, err = store.ServerGetByName(ctx, "discovery_SER1")
	assert.ErrorIs(t, err, derrors.ErrNotFound)
}

func TestSightingForeignRackNotCached(t *testing.T) {
	engine, store, bmc, _ := newEngine(t)
	engine.cfg.WorkerName = "w1"
	ctx := context.Background()

	// The fixture rack has no owning worker, so the sighting is not ours.
	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.20", "aa:bb:cc:dd:ee:02"))
	assert.Equal(t, 0, bmc.identifies)

	_, err := store.AssetGetBySerial(ctx, "SER1")
	assert.ErrorIs(t, err, derrors.ErrNotFound)

	// Nothing was cached: once the scope matches, the same pair enrolls.
	engine.cfg.WorkerName = ""
	require.NoError(t, engine.DHCPSighting(ctx, "10.0.1.20", "aa:bb:cc:dd:ee:02"))
	assert.Equal(t, 1, bmc.identifies)
}

func TestParseSighting(t *testing.T) {
	mac, err := net.ParseMAC("aa:bb:cc:dd:ee:02")
	require.NoError(t, err)

	pkt, err := dhcpv4.New(
		dhcpv4.WithHwAddr(mac),
		dhcpv4.WithYourIP(net.ParseIP("10.0.1.20")),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeAck),
	)
	require.NoError(t, err)

	ip, gotMAC, ok := parseSighting(pkt.ToBytes())
	require.True(t, ok)
	assert.Equal(t, "10.0.1.20", ip)
	assert.Equal(t, "aa:bb:cc:dd:ee:02", gotMAC)

	// Discovers and requests are not sightings.
	pkt.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRequest))

	_, _, ok = parseSighting(pkt.ToBytes())
	assert.False(t, ok)

	_, _, ok = parseSighting([]byte("not a dhcp packet"))
	assert.False(t, ok)
}
