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

// Package allocator implements per-subnet IP assignment keyed by
// (rack, serial, vlan). Allocation is idempotent: repeated calls with the
// same arguments return the same IP and keep exactly one Port row.
package allocator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
)

// Distributor pushes committed Port rows to the DHCP plane.
type Distributor interface {
	// ReloadAllocations asks the DHCP server to re-read its allocations.
	// The reload is always a superset of committed Port rows at the moment
	// of the call.
	ReloadAllocations(ctx context.Context) error
	// EnsureSubnets re-syncs which subnets the DHCP plane serves.
	EnsureSubnets(ctx context.Context, subnets []*db.Subnet) error
}

type Allocator struct {
	store       *db.Store
	dist        Distributor
	net2vlan    map[string]int
	firstOffset int
	lastOffset  int

	// mu serializes IP selection; concurrent callers observe strictly
	// consistent assignment.
	mu sync.Mutex
}

func New(store *db.Store, dist Distributor, net2vlan map[string]int,
	firstOffset, lastOffset int) *Allocator {
	return &Allocator{
		store:       store,
		dist:        dist,
		net2vlan:    net2vlan,
		firstOffset: firstOffset,
		lastOffset:  lastOffset,
	}
}

// Allocate assigns an IP for (rack, subnet vlan, serial). An existing Port
// row wins; a requested IP that differs from it is a conflict. Otherwise
// the requested IP is claimed, or the lowest unused address in the subnet's
// allocatable window is chosen. The Port row persists even when the
// downstream DHCP reload fails; the returned error is then retriable.
func (a *Allocator) Allocate(ctx context.Context, rack *db.Rack,
	subnet *db.Subnet, serial, mac, requested string) (string, error) {
	ip, err := a.allocate(ctx, rack, subnet, serial, mac, requested)
	if err != nil {
		return "", err
	}

	if err := a.dist.ReloadAllocations(ctx); err != nil {
		return ip, fmt.Errorf("dhcp reload after allocating %s: %w", ip, err)
	}

	return ip, nil
}

func (a *Allocator) allocate(ctx context.Context, rack *db.Rack,
	subnet *db.Subnet, serial, mac, requested string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, err := a.store.PortGet(ctx, rack.Name, subnet.VlanTag, serial)
	if err == nil {
		if requested != "" && requested != port.IP {
			return "", derrors.Conflict(
				"port for %q on vlan %d holds %s, requested %s",
				serial, subnet.VlanTag, port.IP, requested)
		}

		return port.IP, nil
	} else if !errors.Is(err, derrors.ErrNotFound) {
		return "", err
	}

	ip := requested
	if ip == "" {
		ip, err = a.lowestFree(ctx, rack, subnet)
		if err != nil {
			return "", err
		}
	}

	_, err = a.store.PortCreate(ctx, &db.Port{
		RackName: rack.Name,
		DeviceID: serial,
		VlanTag:  subnet.VlanTag,
		IP:       ip,
		MAC:      mac,
		SubnetID: subnet.ID,
	})
	if err != nil {
		return "", err
	}

	log.Info().
		Str("rack", rack.Name).
		Str("serial", serial).
		Str("ip", ip).
		Int("vlan", subnet.VlanTag).
		Msg("Allocated port")

	return ip, nil
}

// lowestFree walks subnet[first .. last] and returns the first address not
// held by another Port in the same vlan on the same rack.
func (a *Allocator) lowestFree(ctx context.Context, rack *db.Rack, subnet *db.Subnet) (string, error) {
	ipNet := subnet.IPNet()
	if ipNet == nil {
		return "", derrors.InvalidData("subnet %q has no parseable network", subnet.Name)
	}

	network := binary.BigEndian.Uint32(ipNet.IP.To4())
	ones, bits := ipNet.Mask.Size()
	broadcast := network + (1 << uint(bits-ones)) - 1

	first := network + uint32(a.firstOffset)

	if subnet.FirstIP != "" {
		firstIP := net.ParseIP(subnet.FirstIP)
		if firstIP == nil || !ipNet.Contains(firstIP) {
			return "", derrors.InvalidData("subnet %q first ip %q outside network",
				subnet.Name, subnet.FirstIP)
		}

		first = binary.BigEndian.Uint32(firstIP.To4())
	}

	// lastOffset counts back from the broadcast address.
	last := broadcast + uint32(int32(a.lastOffset))

	ports, err := a.store.PortsByRackVlan(ctx, rack.Name, subnet.VlanTag)
	if err != nil {
		return "", err
	}

	used := make(map[uint32]bool, len(ports))

	for _, port := range ports {
		ip := net.ParseIP(port.IP)
		if ip != nil && ip.To4() != nil {
			used[binary.BigEndian.Uint32(ip.To4())] = true
		}
	}

	for candidate := first; candidate <= last; candidate++ {
		if !used[candidate] {
			return uint32ToIP(candidate).String(), nil
		}
	}

	return "", derrors.Conflict("no free ip in subnet %q vlan %d",
		subnet.Name, subnet.VlanTag)
}

// DeleteForSerial removes every Port for a serial except any in ignoredNet
// (e.g. "ipmi" kept during re-imaging), then triggers a DHCP reload.
func (a *Allocator) DeleteForSerial(ctx context.Context, serial, ignoredNet string) error {
	a.mu.Lock()

	keepVlan, keep := a.net2vlan[ignoredNet]

	ports, err := a.store.PortsBySerial(ctx, serial)
	if err != nil {
		a.mu.Unlock()

		return err
	}

	var removed int

	for _, port := range ports {
		if keep && port.VlanTag == keepVlan {
			continue
		}

		if err := a.store.PortDelete(ctx, port); err != nil {
			a.mu.Unlock()

			return err
		}

		removed++
	}

	a.mu.Unlock()

	if removed == 0 {
		return nil
	}

	return a.dist.ReloadAllocations(ctx)
}

// EnsureSubnets re-syncs the DHCP plane with the management and IPMI
// subnets of every rack the worker owns. The sync is always whole-worker,
// never per-rack.
func (a *Allocator) EnsureSubnets(ctx context.Context, workerID int64) error {
	racks, err := a.store.RacksByWorker(ctx, workerID)
	if err != nil {
		return err
	}

	var managed []*db.Subnet

	for _, rack := range racks {
		subnets, err := a.store.SubnetsByRack(ctx, rack.Name)
		if err != nil {
			return err
		}

		for _, subnet := range subnets {
			if subnet.Type == "mgmt" || subnet.Type == "ipmi" {
				managed = append(managed, subnet)
			}
		}
	}

	return a.dist.EnsureSubnets(ctx, managed)
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)

	return ip
}
