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

package dhcpdist

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/spf13/afero"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/db"
)

const systemctlBin = "/bin/systemctl"

type systemctlClient interface {
	CombinedOutputSystemctlCommand(context.Context, ...string) (string, error)
}

type execSystemctlClient struct{}

func (s *execSystemctlClient) CombinedOutputSystemctlCommand(ctx context.Context,
	args ...string) (string, error) {
	args = append([]string{systemctlBin}, args...)
	cmd := exec.CommandContext(ctx, "sudo", args...)

	out, err := cmd.CombinedOutput()

	return string(out), err
}

// dhcpdDistributor renders host reservations into an include file of a local
// ISC dhcpd and restarts the unit. Subnet declarations stay in the main
// dhcpd.conf managed outside this process; EnsureSubnets only restarts.
type dhcpdDistributor struct {
	fs        afero.Fs
	client    systemctlClient
	store     *db.Store
	unit      string
	hostsPath string
}

func newDHCPDDistributor(cfg daemon.DHCPConfig, store *db.Store) (Distributor, error) {
	return &dhcpdDistributor{
		fs:        afero.NewOsFs(),
		client:    &execSystemctlClient{},
		store:     store,
		unit:      cfg.Service,
		hostsPath: cfg.HostsPath,
	}, nil
}

func (d *dhcpdDistributor) ReloadAllocations(ctx context.Context) error {
	ports, err := d.store.PortsAll(ctx)
	if err != nil {
		return err
	}

	if err := afero.WriteFile(d.fs, d.hostsPath, renderHosts(ports), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", d.hostsPath, err)
	}

	return d.restart(ctx)
}

func (d *dhcpdDistributor) EnsureSubnets(ctx context.Context, _ []*db.Subnet) error {
	return d.restart(ctx)
}

func (d *dhcpdDistributor) restart(ctx context.Context) error {
	out, err := d.client.CombinedOutputSystemctlCommand(ctx, "restart", d.unit)
	if err != nil {
		return fmt.Errorf("failed to restart %s, out: %s, err: %w", d.unit, out, err)
	}

	return nil
}

func renderHosts(ports []*db.Port) []byte {
	var b strings.Builder

	b.WriteString("# Managed by dao-worker. Do not edit.\n")

	for _, port := range ports {
		if port.MAC == "" {
			continue
		}

		// Host names must be unique per dhcpd; serial+vlan is.
		fmt.Fprintf(&b, "host %s-%d {\n", port.DeviceID, port.VlanTag)
		fmt.Fprintf(&b, "  hardware ethernet %s;\n", port.MAC)
		fmt.Fprintf(&b, "  fixed-address %s;\n", port.IP)
		b.WriteString("}\n")
	}

	return []byte(b.String())
}
