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

package switchval

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
	testdb "github.com/Symantec/dao-control/internal/testing/db"
)

type swCall struct {
	args []string
}

type fakeSwProc struct {
	stdout *bytes.Buffer
	out    string
	err    error
}

func (p *fakeSwProc) Run() error {
	p.stdout.WriteString(p.out)

	return p.err
}

func installFakeSwitchconf(t *testing.T, calls *[]swCall,
	respond func(args []string) (string, error)) {
	t.Helper()

	origProc, origPath := swProcFactory, swPathFactory

	t.Cleanup(func() {
		swProcFactory, swPathFactory = origProc, origPath
	})

	swPathFactory = func(file string) (string, error) { return "/usr/bin/" + file, nil }
	swProcFactory = func(_ context.Context, stdout, _ *bytes.Buffer,
		_ string, arg ...string) swProc {
		*calls = append(*calls, swCall{args: arg})

		out, err := respond(arg)

		return &fakeSwProc{stdout: stdout, out: out, err: err}
	}
}

func newValidator(t *testing.T) (*Validator, *db.Store) {
	t.Helper()

	sqlDB, err := testdb.WithTestDatabase(t)
	require.NoError(t, err)

	t.Cleanup(func() { sqlDB.Close() })

	store := db.NewStore(sqlDB)

	v, err := New(store, "switchconf", true)
	require.NoError(t, err)

	return v, store
}

func testRack(t *testing.T, store *db.Store) *db.Rack {
	t.Helper()

	ctx := context.Background()

	netmap, err := store.NetworkMapCreate(ctx, &db.NetworkMap{
		Name:     "std-40",
		PXENic:   "eth0",
		UnitBase: 2,
		UnitStep: 1,
		PortMap: []db.PortMapEntry{
			{SwitchIndex: 0, PortNo: 12, ServerNumber: 7},
			{SwitchIndex: 1, PortNo: 12, ServerNumber: 7},
		},
	})
	require.NoError(t, err)

	rack, err := store.RackCreate(ctx, &db.Rack{
		Name:         "trr1",
		Location:     "DC",
		NetworkMapID: netmap.ID,
	})
	require.NoError(t, err)

	rack.NetworkMap = netmap

	return rack
}

func TestValidateForRackPassesAndCaches(t *testing.T) {
	var calls []swCall

	installFakeSwitchconf(t, &calls, func([]string) (string, error) {
		return "", nil
	})

	v, store := newValidator(t)
	rack := testRack(t, store)
	ctx := context.Background()

	require.NoError(t, v.ValidateForRack(ctx, rack))
	require.NoError(t, v.ValidateForRack(ctx, rack))

	// Second call answered from the cache.
	assert.Len(t, calls, 1)

	v.Forget(rack.Name)
	require.NoError(t, v.ValidateForRack(ctx, rack))
	assert.Len(t, calls, 2)
}

func TestValidateForRackDemotesBMCWarnings(t *testing.T) {
	var calls []swCall

	installFakeSwitchconf(t, &calls, func([]string) (string, error) {
		return "warning: BMC MAC aa:bb:cc:dd:ee:02 on unexpected port 14\n", nil
	})

	v, store := newValidator(t)

	require.NoError(t, v.ValidateForRack(context.Background(), testRack(t, store)))
}

func TestValidateForRackFails(t *testing.T) {
	var calls []swCall

	installFakeSwitchconf(t, &calls, func([]string) (string, error) {
		return "port 12 vlan mismatch: want 101 got 102\n", nil
	})

	v, store := newValidator(t)

	err := v.ValidateForRack(context.Background(), testRack(t, store))
	require.ErrorIs(t, err, derrors.ErrInvalidData)
	assert.Contains(t, err.Error(), "vlan mismatch")
}

func TestServerPlacement(t *testing.T) {
	var calls []swCall

	installFakeSwitchconf(t, &calls, func([]string) (string, error) {
		return "trr1-sw0.dc.example.com 12\n", nil
	})

	v, store := newValidator(t)
	rack := testRack(t, store)

	placement, err := v.ServerPlacement(context.Background(), rack, "AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	assert.Equal(t, 7, placement.ServerNumber)
	assert.Equal(t, 9, placement.RackUnit)
	assert.Equal(t, 12, placement.PortNo)

	// The tool is invoked with the normalized mac.
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].args, "aa:bb:cc:dd:ee:01")
}

func TestServerPlacementUnknownPort(t *testing.T) {
	var calls []swCall

	installFakeSwitchconf(t, &calls, func([]string) (string, error) {
		return "trr1-sw0.dc.example.com 39\n", nil
	})

	v, store := newValidator(t)

	_, err := v.ServerPlacement(context.Background(), testRack(t, store), "aa:bb:cc:dd:ee:01")
	assert.ErrorIs(t, err, derrors.ErrNotFound)
}

func TestValidateForServerSlotMoved(t *testing.T) {
	var calls []swCall

	installFakeSwitchconf(t, &calls, func([]string) (string, error) {
		return "trr1-sw0.dc.example.com 12\n", nil
	})

	v, store := newValidator(t)
	rack := testRack(t, store)

	server := &db.Server{Name: "host1", PXEMac: "aa:bb:cc:dd:ee:01", ServerNumber: 3}

	err := v.ValidateForServer(context.Background(), rack, server)
	assert.ErrorIs(t, err, derrors.ErrConflict)

	server.ServerNumber = 7
	require.NoError(t, v.ValidateForServer(context.Background(), rack, server))
}

func TestDiscoverRecordsSwitches(t *testing.T) {
	var calls []swCall

	installFakeSwitchconf(t, &calls, func([]string) (string, error) {
		return "trr1-sw0.dc.example.com FSW001 N9K-C93180 10.0.1.2 aa:bb:cc:00:01:02\n" +
			"trr1-sw1.dc.example.com FSW002 N9K-C93180 10.0.1.3 aa:bb:cc:00:01:03\n", nil
	})

	v, store := newValidator(t)
	rack := testRack(t, store)
	ctx := context.Background()

	require.NoError(t, v.Discover(ctx, rack))

	// Second run must be idempotent.
	require.NoError(t, v.Discover(ctx, rack))

	switches, err := store.SwitchesByRack(ctx, rack.Name)
	require.NoError(t, err)
	require.Len(t, switches, 2)

	asset, err := store.AssetGetBySerial(ctx, "FSW001")
	require.NoError(t, err)
	assert.Equal(t, db.AssetTypeNetworkDevice, asset.Type)
}

type swProcFn func() error

func (f swProcFn) Run() error { return f() }

func TestToolRunsSerialized(t *testing.T) {
	origProc, origPath := swProcFactory, swPathFactory

	t.Cleanup(func() {
		swProcFactory, swPathFactory = origProc, origPath
	})

	var (
		running atomic.Int32
		overlap atomic.Bool
	)

	swPathFactory = func(file string) (string, error) { return "/usr/bin/" + file, nil }
	swProcFactory = func(_ context.Context, stdout, _ *bytes.Buffer,
		_ string, _ ...string) swProc {
		return swProcFn(func() error {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			defer running.Add(-1)

			time.Sleep(5 * time.Millisecond)
			stdout.WriteString("trr1-sw0.dc.example.com 12\n")

			return nil
		})
	}

	v, store := newValidator(t)
	rack := testRack(t, store)

	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, _, err := v.Locate(context.Background(), rack.Name, "aa:bb:cc:dd:ee:01")
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	// One vendor session at a time; parallel callers queue on the tool.
	assert.False(t, overlap.Load())
}

func TestDisabledValidatorPasses(t *testing.T) {
	v, store := newValidator(t)
	v.enabled = false

	rack := testRack(t, store)

	require.NoError(t, v.ValidateForRack(context.Background(), rack))
	require.NoError(t, v.ValidateForServer(context.Background(), rack, &db.Server{}))
}
