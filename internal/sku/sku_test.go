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

package sku_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
	"github.com/Symantec/dao-control/internal/sku"
	testdb "github.com/Symantec/dao-control/internal/testing/db"
	"github.com/Symantec/dao-control/internal/validation"
)

func newMatcher(t *testing.T) (*sku.Matcher, *db.Store) {
	t.Helper()

	sqlDB, err := testdb.WithTestDatabase(t)
	require.NoError(t, err)

	t.Cleanup(func() { sqlDB.Close() })

	store := db.NewStore(sqlDB)

	return sku.NewMatcher(store), store
}

func TestNormalizeSize(t *testing.T) {
	assert.Equal(t, "128GB", sku.NormalizeSize("137438953472"))
	assert.Equal(t, "128GB", sku.NormalizeSize("128 GiB"))
	assert.Equal(t, "960GB", sku.NormalizeSize("960GB"))
	assert.Equal(t, "960GB", sku.NormalizeSize(" 960 gb "))
}

func TestStorageString(t *testing.T) {
	disks := []validation.Disk{
		{Name: "sda", Size: "960GB", Type: "SSD"},
		{Name: "sdb", Size: "960GB", Type: "ssd"},
		{Name: "sdc", Size: "480GB", Type: "SSD"},
	}

	assert.Equal(t, "1x480GB-SSD,2x960GB-SSD", sku.StorageString(disks))
}

func TestMatch(t *testing.T) {
	matcher, store := newMatcher(t)
	ctx := context.Background()

	created, err := store.SKUCreate(ctx, &db.SKU{
		Name:     "web-small",
		Location: "DC",
		CPU:      "2xE5-2680",
		RAM:      "128GB",
		Storage:  "4x960GB-SSD",
	})
	require.NoError(t, err)

	info := &validation.HardwareInfo{
		CPU: "2xE5-2680",
		RAM: "137438953472",
		Disks: []validation.Disk{
			{Name: "sda", Size: "960GB", Type: "SSD"},
			{Name: "sdb", Size: "960GB", Type: "SSD"},
			{Name: "sdc", Size: "960GB", Type: "SSD"},
			{Name: "sdd", Size: "960GB", Type: "SSD"},
		},
	}

	matched, err := matcher.Match(ctx, "DC", info)
	require.NoError(t, err)
	assert.Equal(t, created.ID, matched.ID)
}

func TestUpdateRackQuota(t *testing.T) {
	matcher, store := newMatcher(t)
	ctx := context.Background()

	rack, err := store.RackCreate(ctx, &db.Rack{Name: "trr1", Location: "DC"})
	require.NoError(t, err)

	small, err := store.SKUCreate(ctx, &db.SKU{
		Name: "web-small", Location: "DC",
		CPU: "2xE5-2680", RAM: "128GB", Storage: "4x960GB-SSD",
	})
	require.NoError(t, err)

	large, err := store.SKUCreate(ctx, &db.SKU{
		Name: "web-large", Location: "DC",
		CPU: "2xE5-2690", RAM: "256GB", Storage: "8x960GB-SSD",
	})
	require.NoError(t, err)

	seed := func(serial string, skuID int64) {
		asset, err := store.AssetCreate(ctx, &db.Asset{
			Name: serial, Serial: serial,
			MAC:  "aa:bb:cc:dd:ee:" + serial[len(serial)-2:],
			Type: db.AssetTypeServer, Status: db.AssetStatusDiscovered,
			Location: "DC", RackID: rack.ID,
		})
		require.NoError(t, err)

		_, err = store.ServerCreate(ctx, &db.Server{
			Name:         "discovery_" + serial,
			Status:       db.StatusValidated,
			TargetStatus: db.StatusValidated,
			Role:         "spare",
			SKUID:        skuID,
			AssetID:      asset.ID,
		})
		require.NoError(t, err)
	}

	seed("SER01", small.ID)
	seed("SER02", small.ID)
	seed("SER03", large.ID)
	// A server that never matched stays out of the counts.
	seed("SER04", 0)

	require.NoError(t, matcher.UpdateRackQuota(ctx, rack))

	reloaded, err := store.RackGet(ctx, "trr1", "DC")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"web-small": 2, "web-large": 1},
		reloaded.SKUQuota)
}

func TestMatchNotFoundMessage(t *testing.T) {
	matcher, _ := newMatcher(t)

	info := &validation.HardwareInfo{
		CPU:   "2xE5-2680",
		RAM:   "128GB",
		Disks: []validation.Disk{{Size: "960GB", Type: "SSD"}},
	}

	_, err := matcher.Match(context.Background(), "DC", info)
	require.ErrorIs(t, err, derrors.ErrNotFound)
	assert.Contains(t, err.Error(), "cpu:2xE5-2680, ram:128GB, disks:1x960GB-SSD")
}
