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

package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
	"github.com/Symantec/dao-control/internal/validation"
)

// checkValidated is the Validating stage check: wait for the validation
// image, interrogate the in-band agent, lay out the RAID, pin the SKU,
// verify the switch side, then land the server in Validated.
func (s *Service) checkValidated(ctx context.Context, server *db.Server) error {
	if server.Rack == nil {
		return derrors.InvalidData("server %s has no rack", server.Name)
	}

	if server.PXEIP == "" {
		return derrors.InvalidData("server %s has no pxe ip", server.Name)
	}

	if err := s.deps.Prov.IsProvisioned(ctx, server); err != nil {
		return err
	}

	if err := s.deps.Agent.Ping(ctx, server.PXEIP); err != nil {
		return err
	}

	info, err := s.deps.Agent.ServerInfo(ctx, server.PXEIP)
	if err != nil {
		return err
	}

	raidReport, err := s.deps.Agent.ConfigureRAID(ctx, server.PXEIP, server)
	if err != nil {
		return err
	}

	if raidReport != "" {
		return derrors.InvalidData("raid configuration failed: %s", raidReport)
	}

	report, err := s.deps.Agent.RunScript(ctx, server.PXEIP, server)
	if err != nil {
		return err
	}

	if report != "" {
		return derrors.InvalidData("validation script failed: %s", report)
	}

	skuRow, err := s.deps.SKU.Match(ctx, s.cfg.Common.Location, info)
	if err != nil {
		if errors.Is(err, derrors.ErrNotFound) {
			return fmt.Errorf("SKU not found for %s: %w", server.Name, err)
		}

		return err
	}

	server.SKUID = skuRow.ID
	server.HDDType = info.HDDType

	if err := s.finalize(ctx, server, info); err != nil {
		return err
	}

	if err := s.deps.Switch.ValidateForServer(ctx, server.Rack, server); err != nil {
		return err
	}

	server.Status = db.StatusValidated
	server.Message = ""

	if err := s.deps.Store.ServerUpdate(ctx, server); err != nil {
		return err
	}

	if err := s.deps.SKU.UpdateRackQuota(ctx, server.Rack); err != nil {
		return err
	}

	log.Info().
		Str("server", server.Name).
		Str("sku", skuRow.Name).
		Msg("Server validated")

	for _, hook := range s.deps.Hooks {
		if err := hook.Validated(ctx, server); err != nil {
			return err
		}
	}

	return s.deps.Proc.Next(ctx, server)
}

// checkProvisioned is the Provisioning stage check: once the back-end calls
// the build complete and SSH answers, the server is Provisioned.
func (s *Service) checkProvisioned(ctx context.Context, server *db.Server) error {
	if err := s.deps.Prov.IsProvisioned(ctx, server); err != nil {
		return err
	}

	server.Status = db.StatusProvisioned
	server.Message = ""

	if err := s.deps.Store.ServerUpdate(ctx, server); err != nil {
		return err
	}

	log.Info().Str("server", server.Name).Msg("Server provisioned")

	for _, hook := range s.deps.Hooks {
		if err := hook.Provisioned(ctx, server); err != nil {
			return err
		}
	}

	return s.deps.Proc.Next(ctx, server)
}

// finalize backfills what only the booted validation image can tell us: the
// in-band interface list, the slot behind the switch port, the canonical
// name and FQDN.
func (s *Service) finalize(ctx context.Context, server *db.Server,
	info *validation.HardwareInfo) error {
	rack := server.Rack

	placement, err := s.deps.Switch.ServerPlacement(ctx, rack, server.PXEMac)
	if err == nil {
		server.ServerNumber = placement.ServerNumber
		server.RackUnit = placement.RackUnit
	} else if !errors.Is(err, derrors.ErrNotFound) {
		return err
	}

	s.assignName(server, rack)

	ifaces := make([]*db.ServerInterface, 0, len(info.Interfaces))

	for _, iface := range info.Interfaces {
		mac := db.NormalizeMAC(iface.MAC)

		row := &db.ServerInterface{Name: iface.Name, MAC: mac}
		if mac == server.PXEMac {
			row.IP = server.PXEIP
		}

		ifaces = append(ifaces, row)
	}

	if len(ifaces) > 0 {
		if err := s.deps.Store.ServerInterfacesReplace(ctx, server.ID, ifaces); err != nil {
			return err
		}
	}

	return nil
}

// assignName replaces the discovery placeholder with the canonical
// rack-and-unit name once the rack unit is known.
func (s *Service) assignName(server *db.Server, rack *db.Rack) {
	if strings.HasPrefix(server.Name, "discovery_") && server.RackUnit > 0 {
		server.Name = fmt.Sprintf("%s-u%d", strings.ToLower(rack.Name), server.RackUnit)
	}

	if zone := s.cfg.Worker.DefaultDNSZone; zone != "" && server.FQDN == "" {
		server.FQDN = server.Name + "." + zone
	}
}
