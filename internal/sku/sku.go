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

// Package sku matches reported hardware against the SKU catalog. Matching
// is exact on the normalized (cpu, ram, storage) triple; a near miss is a
// catalog gap, not a fuzzy-match problem.
package sku

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/validation"
)

type Matcher struct {
	store *db.Store

	// mu serializes quota recomputes; concurrent validation cycles on the
	// same rack would race on the read-count-write.
	mu sync.Mutex
}

func NewMatcher(store *db.Store) *Matcher {
	return &Matcher{store: store}
}

// Match resolves the SKU for the reported hardware. The NotFound message
// carries the normalized triple so operators can add the missing catalog
// row verbatim.
func (m *Matcher) Match(ctx context.Context, location string,
	info *validation.HardwareInfo) (*db.SKU, error) {
	return m.store.SKUFind(ctx, location,
		strings.TrimSpace(info.CPU),
		NormalizeSize(info.RAM),
		StorageString(info.Disks))
}

// UpdateRackQuota recounts the rack's servers per SKU name and persists the
// result on the rack row.
func (m *Matcher) UpdateRackQuota(ctx context.Context, rack *db.Rack) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	servers, err := m.store.ServersByRack(ctx, rack.Name, "")
	if err != nil {
		return err
	}

	catalog, err := m.store.SKUList(ctx, rack.Location)
	if err != nil {
		return err
	}

	names := make(map[int64]string, len(catalog))
	for _, sku := range catalog {
		names[sku.ID] = sku.Name
	}

	quota := map[string]int{}

	for _, server := range servers {
		if name, ok := names[server.SKUID]; ok {
			quota[name]++
		}
	}

	rack.SKUQuota = quota

	return m.store.RackUpdate(ctx, rack)
}

// NormalizeSize renders a size in the catalog form: "137438953472" and
// "128 GiB" both become "128GB", "960GB" stays "960GB". Agents report raw
// byte counts; humans write units.
func NormalizeSize(s string) string {
	s = strings.TrimSpace(s)

	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		s = humanize.IBytes(n)
	}

	s = strings.ToUpper(strings.ReplaceAll(s, " ", ""))

	// Binary unit suffixes collapse to the catalog spelling: GIB -> GB.
	return strings.Replace(s, "IB", "B", 1)
}

// StorageString folds the disk list into the catalog form, e.g. two disk
// groups render as "2x480GB-SSD,4x960GB-SSD". Groups are sorted for a
// stable key.
func StorageString(disks []validation.Disk) string {
	counts := make(map[string]int)

	for _, disk := range disks {
		key := NormalizeSize(disk.Size)
		if disk.Type != "" {
			key += "-" + strings.ToUpper(disk.Type)
		}

		counts[key]++
	}

	groups := make([]string, 0, len(counts))
	for key, n := range counts {
		groups = append(groups, fmt.Sprintf("%dx%s", n, key))
	}

	sort.Strings(groups)

	return strings.Join(groups, ",")
}
