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

package db_test

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
	testdb "github.com/Symantec/dao-control/internal/testing/db"
)

func newStore(t *testing.T) *db.Store {
	t.Helper()

	sqlDB, err := testdb.WithTestDatabase(t)
	require.NoError(t, err)

	t.Cleanup(func() { sqlDB.Close() })

	return db.NewStore(sqlDB)
}

func seedRack(t *testing.T, store *db.Store, name string) *db.Rack {
	t.Helper()

	ctx := context.Background()

	worker, err := store.WorkerUpsert(ctx, "w1", "DC", "temporal://w1@dao")
	require.NoError(t, err)

	rack, err := store.RackCreate(ctx, &db.Rack{
		Name:     name,
		Location: "DC",
		WorkerID: worker.ID,
	})
	require.NoError(t, err)

	return rack
}

func seedServer(t *testing.T, store *db.Store, rack *db.Rack, serial string) *db.Server {
	t.Helper()

	ctx := context.Background()

	asset, err := store.AssetCreate(ctx, &db.Asset{
		Name:     serial,
		Serial:   serial,
		MAC:      "aa:bb:cc:dd:ee:01",
		IP:       "10.0.0.7",
		Type:     db.AssetTypeServer,
		Status:   db.AssetStatusDiscovered,
		Location: rack.Location,
		RackID:   rack.ID,
	})
	require.NoError(t, err)

	server, err := store.ServerCreate(ctx, &db.Server{
		Name:         "discovery_" + serial,
		Status:       db.StatusUnmanaged,
		TargetStatus: db.StatusValidated,
		Role:         "spare",
		AssetID:      asset.ID,
	})
	require.NoError(t, err)

	return server
}

func mustIP(t *testing.T, s string) net.IP {
	t.Helper()

	ip := net.ParseIP(s)
	require.NotNil(t, ip, "bad ip literal %q", s)

	return ip
}

func TestWorkerUpsert(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first, err := store.WorkerUpsert(ctx, "w1", "DC", "temporal://w1@dao")
	require.NoError(t, err)

	second, err := store.WorkerUpsert(ctx, "w1", "DC", "temporal://w1-new@dao")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "temporal://w1-new@dao", second.URL)
}

func TestRackCreateDuplicate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	seedRack(t, store, "R1")

	_, err := store.RackCreate(ctx, &db.Rack{Name: "R1", Location: "DC"})
	assert.ErrorIs(t, err, derrors.ErrConflict)
}

func TestRackGetJoinsWorker(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	seedRack(t, store, "R1")

	rack, err := store.RackGet(ctx, "R1", "DC")
	require.NoError(t, err)
	require.NotNil(t, rack.Worker)
	assert.Equal(t, "w1", rack.Worker.Name)
}

func TestServerVersionIncrements(t *testing.T) {
	store := newStore(t)
	rack := seedRack(t, store, "R1")
	server := seedServer(t, store, rack, "S123")
	ctx := context.Background()

	assert.Equal(t, int64(1), server.Version)

	server.Message = "first update"
	require.NoError(t, store.ServerUpdate(ctx, server))
	assert.Equal(t, int64(2), server.Version)

	reloaded, err := store.ServerGet(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reloaded.Version)
	assert.Equal(t, "first update", reloaded.Message)
}

func TestServerUpdateVersionConflict(t *testing.T) {
	store := newStore(t)
	rack := seedRack(t, store, "R1")
	server := seedServer(t, store, rack, "S123")
	ctx := context.Background()

	stale, err := store.ServerGet(ctx, server.ID)
	require.NoError(t, err)

	server.Message = "winner"
	require.NoError(t, store.ServerUpdate(ctx, server))

	stale.Message = "loser"
	err = store.ServerUpdate(ctx, stale)
	assert.ErrorIs(t, err, derrors.ErrVersionConflict)
}

func TestServerUpdateRejectsUnknownStatus(t *testing.T) {
	store := newStore(t)
	rack := seedRack(t, store, "R1")
	server := seedServer(t, store, rack, "S123")

	server.Status = db.Status("Exploded")
	err := store.ServerUpdate(context.Background(), server)
	assert.ErrorIs(t, err, derrors.ErrInvalidData)
}

func TestServerMessageTruncated(t *testing.T) {
	store := newStore(t)
	rack := seedRack(t, store, "R1")
	server := seedServer(t, store, rack, "S123")
	ctx := context.Background()

	server.Message = strings.Repeat("x", 1000)
	require.NoError(t, store.ServerUpdate(ctx, server))

	reloaded, err := store.ServerGet(ctx, server.ID)
	require.NoError(t, err)
	assert.Len(t, reloaded.Message, 253)
}

func TestServerSoftDelete(t *testing.T) {
	store := newStore(t)
	rack := seedRack(t, store, "R1")
	server := seedServer(t, store, rack, "S123")
	ctx := context.Background()

	require.NoError(t, store.ServerSoftDelete(ctx, server))

	_, err := store.ServerGet(ctx, server.ID)
	assert.ErrorIs(t, err, derrors.ErrNotFound)

	// The asset slot is free for a new server row.
	recreated, err := store.ServerCreate(ctx, &db.Server{
		Name:         "discovery_S123",
		Status:       db.StatusUnmanaged,
		TargetStatus: db.StatusValidated,
		AssetID:      server.AssetID,
	})
	require.NoError(t, err)
	assert.NotEqual(t, server.ID, recreated.ID)
}

func TestPortUniqueIP(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.PortCreate(ctx, &db.Port{
		RackName: "R1", DeviceID: "S123", VlanTag: 100, IP: "10.0.0.7",
	})
	require.NoError(t, err)

	_, err = store.PortCreate(ctx, &db.Port{
		RackName: "R1", DeviceID: "S999", VlanTag: 100, IP: "10.0.0.7",
	})
	assert.ErrorIs(t, err, derrors.ErrConflict)
}

func TestSKUFindNotFound(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.SKUFind(ctx, "DC", "2xE5-2680", "128GB", "4x960GB-SSD")
	require.ErrorIs(t, err, derrors.ErrNotFound)
	assert.Contains(t, err.Error(), "cpu:2xE5-2680, ram:128GB, disks:4x960GB-SSD")
}

func TestSubnetByContainment(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.SubnetEnsure(ctx, &db.Subnet{
		Name: "R1-ipmi", Location: "DC", Type: "ipmi",
		IP: "10.0.0.0", Mask: "255.255.255.0", VlanTag: 100,
	})
	require.NoError(t, err)

	subnet, err := store.SubnetByContainment(ctx, "DC", mustIP(t, "10.0.0.42"))
	require.NoError(t, err)
	assert.Equal(t, 100, subnet.VlanTag)

	_, err = store.SubnetByContainment(ctx, "DC", mustIP(t, "192.168.9.1"))
	assert.ErrorIs(t, err, derrors.ErrNotFound)
}

func TestNetworkMapPortLookup(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	netMap, err := store.NetworkMapCreate(ctx, &db.NetworkMap{
		Name:     "std-40",
		PXENic:   "eth0",
		UnitBase: 2,
		UnitStep: 2,
		PortMap: []db.PortMapEntry{
			{SwitchIndex: 1, PortNo: 1, ServerNumber: 1},
			{SwitchIndex: 1, PortNo: 2, ServerNumber: 2},
		},
	})
	require.NoError(t, err)

	loaded, err := store.NetworkMapGet(ctx, netMap.ID)
	require.NoError(t, err)

	number, ok := loaded.ServerNumber(1, 2)
	require.True(t, ok)
	assert.Equal(t, 2, number)
	assert.Equal(t, 6, loaded.RackUnit(number))

	_, ok = loaded.ServerNumber(2, 1)
	assert.False(t, ok)
}
