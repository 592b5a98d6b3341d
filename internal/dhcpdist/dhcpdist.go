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

// Package dhcpdist distributes committed IP allocations to the DHCP plane.
// Two drivers exist: "agent" pushes allocations to a remote DHCP agent over
// HTTP, "dhcpd" renders a local reservations file and restarts dhcpd.
package dhcpdist

import (
	"context"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
)

// Distributor keeps the DHCP plane in sync with the Port table.
type Distributor interface {
	ReloadAllocations(ctx context.Context) error
	EnsureSubnets(ctx context.Context, subnets []*db.Subnet) error
}

type factory func(cfg daemon.DHCPConfig, store *db.Store) (Distributor, error)

var drivers = map[string]factory{
	"agent": newAgentDistributor,
	"dhcpd": newDHCPDDistributor,
}

// New returns the distributor named by cfg.Driver.
func New(cfg daemon.DHCPConfig, store *db.Store) (Distributor, error) {
	create, ok := drivers[cfg.Driver]
	if !ok {
		return nil, derrors.InvalidData("unknown dhcp driver %q", cfg.Driver)
	}

	return create(cfg, store)
}
