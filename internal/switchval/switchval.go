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

// Package switchval checks the network side of a rack: switch config
// sanity per rack, cabling per server, and the MAC-to-port lookups that
// pin a server to its slot. Everything goes through the site switchconf
// tool, which knows how to talk to the actual switch vendors.
package switchval

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
)

const rackResultCacheSize = 128

var (
	// Exec injection points for unit tests.
	swProcFactory swProcFactoryFn = func(ctx context.Context, stdout,
		stderr *bytes.Buffer, name string, arg ...string) swProc {
		cmd := exec.CommandContext(ctx, name, arg...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		return cmd
	}

	swPathFactory = exec.LookPath
)

type swProc interface {
	Run() error
}

type swProcFactoryFn func(ctx context.Context, stdout, stderr *bytes.Buffer, name string, arg ...string) swProc

// switchIndexRe pulls the switch index out of names like trr1-sw2.dc.net.
var switchIndexRe = regexp.MustCompile(`-sw(\d+)\b`)

// Validator runs switch-side checks for racks and servers.
type Validator struct {
	store *db.Store
	// passed remembers racks whose config check succeeded; switch configs
	// change rarely and the check is expensive.
	passed  *lru.Cache[string, bool]
	tool    string
	enabled bool
	// mu serializes tool runs; switchconf holds one vendor session per
	// switch and concurrent runs trip the session limit.
	mu sync.Mutex
}

func New(store *db.Store, tool string, enabled bool) (*Validator, error) {
	passed, err := lru.New[string, bool](rackResultCacheSize)
	if err != nil {
		return nil, err
	}

	return &Validator{
		store:   store,
		passed:  passed,
		tool:    tool,
		enabled: enabled,
	}, nil
}

// ValidateForRack verifies the switch configuration of a rack. Lines about
// BMC MACs in the report are warnings; a BMC showing up on an unexpected
// port is routine during re-cabling and must not block the whole rack.
func (v *Validator) ValidateForRack(ctx context.Context, rack *db.Rack) error {
	if !v.enabled {
		return nil
	}

	if ok, _ := v.passed.Get(rack.Name); ok {
		return nil
	}

	out, err := v.run(ctx, "--rack", rack.Name, "--action", "verify")
	if err != nil {
		return err
	}

	var failures []string

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.Contains(strings.ToLower(line), "bmc mac") {
			log.Warn().Str("rack", rack.Name).Msg(line)

			continue
		}

		failures = append(failures, line)
	}

	if len(failures) > 0 {
		return derrors.InvalidData("switch config of %s: %s",
			rack.Name, strings.Join(failures, "; "))
	}

	v.passed.Add(rack.Name, true)

	return nil
}

// Forget drops the cached verify result of a rack, forcing the next
// ValidateForRack to hit the switches again.
func (v *Validator) Forget(rackName string) {
	v.passed.Remove(rackName)
}

// Placement is where a server sits according to the switches.
type Placement struct {
	SwitchName   string `json:"switch_name"`
	PortNo       int    `json:"port_no"`
	ServerNumber int    `json:"server_number"`
	RackUnit     int    `json:"rack_unit"`
}

// Locate resolves the switch port a MAC is learned on.
func (v *Validator) Locate(ctx context.Context, rackName, mac string) (string, int, error) {
	out, err := v.run(ctx, "--rack", rackName, "--action", "find-mac",
		"--mac", db.NormalizeMAC(mac))
	if err != nil {
		return "", 0, err
	}

	// One line: "<switch-fqdn> <port-number>".
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) != 2 {
		return "", 0, derrors.NotFound("mac %s not learned on rack %s", mac, rackName)
	}

	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, derrors.InvalidData("bad port %q for mac %s", fields[1], mac)
	}

	return fields[0], port, nil
}

// ServerPlacement maps a PXE MAC to the server number and rack unit the
// rack's network map assigns to its switch port.
func (v *Validator) ServerPlacement(ctx context.Context, rack *db.Rack, mac string) (*Placement, error) {
	if rack.NetworkMap == nil {
		return nil, derrors.InvalidData("rack %s has no network map", rack.Name)
	}

	switchName, port, err := v.Locate(ctx, rack.Name, mac)
	if err != nil {
		return nil, err
	}

	m := switchIndexRe.FindStringSubmatch(switchName)
	if m == nil {
		return nil, derrors.InvalidData("switch name %q carries no index", switchName)
	}

	switchIndex, _ := strconv.Atoi(m[1])

	number, ok := rack.NetworkMap.ServerNumber(switchIndex, port)
	if !ok {
		return nil, derrors.NotFound("no slot for switch %d port %d in map of %s",
			switchIndex, port, rack.Name)
	}

	return &Placement{
		SwitchName:   switchName,
		PortNo:       port,
		ServerNumber: number,
		RackUnit:     rack.NetworkMap.RackUnit(number),
	}, nil
}

// ValidateForServer checks one server's cabling: the PXE MAC must be
// learned on the port its slot owns, and a previously pinned slot must not
// move.
func (v *Validator) ValidateForServer(ctx context.Context, rack *db.Rack, server *db.Server) error {
	if !v.enabled {
		return nil
	}

	placement, err := v.ServerPlacement(ctx, rack, server.PXEMac)
	if err != nil {
		return fmt.Errorf("placing %s: %w", server.Name, err)
	}

	if server.ServerNumber != 0 && server.ServerNumber != placement.ServerNumber {
		return derrors.Conflict("server %s moved from slot %d to %d",
			server.Name, server.ServerNumber, placement.ServerNumber)
	}

	return nil
}

// Discover enumerates the switches of a rack and records them as network
// device assets.
func (v *Validator) Discover(ctx context.Context, rack *db.Rack) error {
	out, err := v.run(ctx, "--rack", rack.Name, "--action", "list")
	if err != nil {
		return err
	}

	// One switch per line: "<name> <serial> <model> <ip> <mac>".
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 5 {
			continue
		}

		name, serial, model, ip, mac := fields[0], fields[1], fields[2], fields[3], fields[4]

		asset, err := v.store.AssetGetBySerial(ctx, serial)
		if err != nil {
			asset, err = v.store.AssetCreate(ctx, &db.Asset{
				Name:     name,
				Serial:   serial,
				Model:    model,
				MAC:      db.NormalizeMAC(mac),
				IP:       ip,
				Type:     db.AssetTypeNetworkDevice,
				Status:   db.AssetStatusDiscovered,
				Location: rack.Location,
				RackID:   rack.ID,
			})
		}

		if err != nil {
			return fmt.Errorf("recording switch %s: %w", serial, err)
		}

		device, err := v.store.NetworkDeviceEnsure(ctx, name, asset.ID)
		if err != nil {
			return err
		}

		if err := v.store.SwitchInterfaceEnsure(ctx, &db.SwitchInterface{
			Name:     "mgmt0",
			MAC:      db.NormalizeMAC(mac),
			IP:       ip,
			DeviceID: device.ID,
		}); err != nil {
			return err
		}

		log.Info().
			Str("rack", rack.Name).
			Str("switch", name).
			Msg("Recorded switch")
	}

	return nil
}

func (v *Validator) run(ctx context.Context, args ...string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	bin, err := swPathFactory(v.tool)
	if err != nil {
		return "", derrors.NotFound("%s executable: %s", v.tool, err)
	}

	var stdout, stderr bytes.Buffer

	cmd := swProcFactory(ctx, &stdout, &stderr, bin, args...)

	if err := cmd.Run(); err != nil {
		code := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}

		return "", &derrors.ExecError{Output: stdout.String() + stderr.String(), Code: code}
	}

	return stdout.String(), nil
}
