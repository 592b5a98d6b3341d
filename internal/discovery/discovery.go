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

// Package discovery turns DHCP sightings of BMCs into inventory. A new MAC
// on an IPMI subnet is probed over SNMP, recorded as an asset, given a PXE
// allocation and a server row in Unmanaged state. Everything is idempotent;
// DHCP is chatty and the same BMC shows up over and over.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
	"github.com/Symantec/dao-control/internal/ipmi"
	"github.com/Symantec/dao-control/internal/switchval"
)

const seenCacheSize = 4096

// errNotOurs marks a sighting on a rack owned by another worker. It is not
// cached: ownership moves and the next sighting re-checks.
var errNotOurs = errors.New("rack owned by another worker")

// bmcProber is the BMC side of discovery; *ipmi.Client satisfies it.
type bmcProber interface {
	Identify(ctx context.Context, ip string) (*ipmi.Identity, error)
	PXEMAC(ctx context.Context, asset *db.Asset, nic string) (string, error)
}

// placer pins a PXE MAC to a rack slot; *switchval.Validator satisfies it.
type placer interface {
	ServerPlacement(ctx context.Context, rack *db.Rack, mac string) (*switchval.Placement, error)
}

// ipAllocator hands out PXE addresses; *allocator.Allocator satisfies it.
type ipAllocator interface {
	Allocate(ctx context.Context, rack *db.Rack, subnet *db.Subnet,
		serial, mac, requested string) (string, error)
}

// Config is the policy knob set of the engine.
type Config struct {
	Location     string
	SpareCluster string
	// WorkerName scopes discovery: sightings on racks owned by another
	// worker are dropped.
	WorkerName string
	// MgmtVlan is the vlan of the subnets PXE addresses come from.
	MgmtVlan int
	Disabled bool
}

// Engine processes DHCP sightings.
type Engine struct {
	store *db.Store
	bmc   bmcProber
	place placer
	alloc ipAllocator
	cfg   Config

	// discovered remembers (ip, mac) pairs with a finished inventory row,
	// processing keeps re-entrant sightings out while one is in flight,
	// ignored holds pairs that turned out to be uninteresting. The ignored
	// set is operator-flushable via Reset.
	discovered *lru.Cache[string, bool]
	processing *lru.Cache[string, bool]
	ignored    *lru.Cache[string, bool]
}

func NewEngine(store *db.Store, bmc bmcProber, place placer,
	alloc ipAllocator, cfg Config) (*Engine, error) {
	discovered, err := lru.New[string, bool](seenCacheSize)
	if err != nil {
		return nil, err
	}

	processing, err := lru.New[string, bool](seenCacheSize)
	if err != nil {
		return nil, err
	}

	ignored, err := lru.New[string, bool](seenCacheSize)
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:      store,
		bmc:        bmc,
		place:      place,
		alloc:      alloc,
		cfg:        cfg,
		discovered: discovered,
		processing: processing,
		ignored:    ignored,
	}, nil
}

// Reset flushes the sighting caches so the next DHCP packet re-runs the
// whole flow. Operators use it after fixing cabling or SNMP credentials.
func (e *Engine) Reset() {
	e.discovered.Purge()
	e.processing.Purge()
	e.ignored.Purge()
}

// ForgetMAC drops every cached sighting of one MAC, so a re-cabled BMC is
// re-processed on its next lease without flushing the whole cache.
func (e *Engine) ForgetMAC(mac string) {
	mac = db.NormalizeMAC(mac)
	suffix := "|" + mac

	for _, cache := range []*lru.Cache[string, bool]{e.discovered, e.ignored} {
		for _, key := range cache.Keys() {
			if strings.HasSuffix(key, suffix) {
				cache.Remove(key)
			}
		}
	}
}

// DHCPSighting handles one (ip, mac) pair seen on DHCP.
func (e *Engine) DHCPSighting(ctx context.Context, ip, mac string) error {
	return e.sight(ctx, ip, mac, false)
}

// ForcedSighting reprocesses a pair past the ignored cache and past a
// disabled auto-enroll; operators reach it through the dhcp hook.
func (e *Engine) ForcedSighting(ctx context.Context, ip, mac string) error {
	return e.sight(ctx, ip, mac, true)
}

func (e *Engine) sight(ctx context.Context, ip, mac string, force bool) error {
	mac = db.NormalizeMAC(mac)
	key := ip + "|" + mac

	if ok, _ := e.discovered.Get(key); ok {
		return nil
	}

	if ok, _ := e.ignored.Get(key); ok && !force {
		return nil
	}

	if _, loaded := e.processing.Get(key); loaded {
		return nil
	}

	e.processing.Add(key, true)
	defer e.processing.Remove(key)

	err := e.process(ctx, ip, mac, force)

	switch {
	case err == nil:
		e.discovered.Add(key, true)
	case errors.Is(err, errNotOurs):
		return nil
	case errors.Is(err, derrors.ErrIgnore):
		log.Debug().Str("ip", ip).Str("mac", mac).Msg("Ignoring DHCP sighting")
		e.ignored.Add(key, true)

		return nil
	}

	return err
}

func (e *Engine) process(ctx context.Context, ip, mac string, force bool) error {
	asset, err := e.store.AssetGetByMAC(ctx, mac)

	switch {
	case err == nil:
		return e.refresh(ctx, asset, ip)
	case errors.Is(err, derrors.ErrNotFound):
		if e.cfg.Disabled && !force {
			return derrors.Ignore("auto-enroll is disabled")
		}

		return e.enroll(ctx, ip, mac)
	default:
		return err
	}
}

// refresh keeps a known asset's address current and backfills the server
// row if an earlier enrollment died halfway.
func (e *Engine) refresh(ctx context.Context, asset *db.Asset, ip string) error {
	if asset.IP != ip {
		asset.IP = ip
		if err := e.store.AssetUpdate(ctx, asset); err != nil {
			return err
		}

		if asset.Rack != nil {
			err := e.recordBMCLease(ctx, asset.Rack, asset.Serial, asset.MAC, ip)
			if err != nil {
				return err
			}
		}

		log.Info().
			Str("serial", asset.Serial).
			Str("ip", ip).
			Msg("Asset moved to new address")
	}

	if asset.Protected {
		return e.revertProtected(ctx, asset)
	}

	if asset.Type != db.AssetTypeServer {
		return derrors.Ignore("asset %s is a %s, not a server",
			asset.Serial, asset.Type)
	}

	_, err := e.store.ServerGetByAsset(ctx, asset.ID)
	if errors.Is(err, derrors.ErrNotFound) {
		return e.finalize(ctx, asset)
	}

	return err
}

// enroll records a brand-new BMC. Anything that does not speak our SNMP
// dialect is ignored, not failed: IPMI subnets carry plenty of gear that is
// not a server.
func (e *Engine) enroll(ctx context.Context, ip, mac string) error {
	rack, err := e.rackForIP(ctx, ip)
	if err != nil {
		return err
	}

	identity, err := e.bmc.Identify(ctx, ip)
	if err != nil {
		if errors.Is(err, derrors.ErrNotFound) {
			return derrors.Ignore("no SNMP identity at %s", ip)
		}

		return err
	}

	assetType := identity.Type
	if assetType == "" {
		assetType = db.AssetTypeServer
	}

	asset, err := e.store.AssetGetBySerial(ctx, identity.Serial)

	switch {
	case err == nil:
		if asset.MAC != "" && asset.MAC != mac {
			asset.Status = db.AssetStatusMismatch
			if err := e.store.AssetUpdate(ctx, asset); err != nil {
				return err
			}

			log.Warn().
				Str("serial", asset.Serial).
				Str("known_mac", asset.MAC).
				Str("seen_mac", mac).
				Msg("Asset MAC changed since last discovery")

			return derrors.Ignore("mac mismatch for serial %s", asset.Serial)
		}

		moved := asset.IP != ip

		asset.MAC = mac
		asset.IP = ip
		asset.Type = assetType

		if asset.Protected {
			return e.revertProtected(ctx, asset)
		}

		if err := e.store.AssetUpdate(ctx, asset); err != nil {
			return err
		}

		if moved {
			err := e.recordBMCLease(ctx, rack, asset.Serial, mac, ip)
			if err != nil {
				return err
			}
		}
	case errors.Is(err, derrors.ErrNotFound):
		if err := e.recordBMCLease(ctx, rack, identity.Serial, mac, ip); err != nil {
			return err
		}

		asset, err = e.store.AssetCreate(ctx, &db.Asset{
			Name:     identity.Serial,
			Serial:   identity.Serial,
			Brand:    identity.Brand,
			Model:    identity.Model,
			MAC:      mac,
			IP:       ip,
			Type:     assetType,
			Status:   db.AssetStatusDiscovered,
			Location: e.cfg.Location,
			RackID:   rack.ID,
		})
		if err != nil {
			return err
		}
	default:
		return err
	}

	if asset.Rack == nil {
		asset.Rack = rack
	}

	if asset.Type != db.AssetTypeServer {
		return derrors.Ignore("asset %s is a %s, not a server",
			asset.Serial, asset.Type)
	}

	log.Info().
		Str("serial", asset.Serial).
		Str("rack", rack.Name).
		Str("brand", asset.Brand).
		Msg("Discovered server BMC")

	return e.finalize(ctx, asset)
}

// finalize gives a discovered asset its server row: PXE MAC from the
// vendor tool, slot from the switches, a PXE address from the allocator.
func (e *Engine) finalize(ctx context.Context, asset *db.Asset) error {
	rack := asset.Rack
	if rack == nil {
		return derrors.InvalidData("asset %s has no rack", asset.Serial)
	}

	pxeMAC, err := e.bmc.PXEMAC(ctx, asset, pxeNIC(rack))
	if err != nil {
		return fmt.Errorf("pxe mac of %s: %w", asset.Serial, err)
	}

	var serverNumber, rackUnit int

	placement, err := e.place.ServerPlacement(ctx, rack, pxeMAC)
	if err == nil {
		serverNumber = placement.ServerNumber
		rackUnit = placement.RackUnit
	} else if !errors.Is(err, derrors.ErrNotFound) {
		return err
	}

	subnet, err := e.mgmtSubnet(ctx, rack)
	if err != nil {
		return err
	}

	pxeIP, err := e.alloc.Allocate(ctx, rack, subnet, asset.Serial, pxeMAC, "")
	if err != nil {
		return err
	}

	cluster, err := e.store.ClusterEnsure(ctx, e.cfg.SpareCluster, e.cfg.Location, "spare")
	if err != nil {
		return err
	}

	// Target Validated so one operator trigger is all it takes; nothing
	// moves until the trigger locks the server.
	server, err := e.store.ServerCreate(ctx, &db.Server{
		Name:         "discovery_" + asset.Serial,
		Status:       db.StatusUnmanaged,
		TargetStatus: db.StatusValidated,
		PXEMac:       pxeMAC,
		PXEIP:        pxeIP,
		Role:         "spare",
		ServerNumber: serverNumber,
		RackUnit:     rackUnit,
		AssetID:      asset.ID,
		ClusterID:    cluster.ID,
	})
	if err != nil {
		if errors.Is(err, derrors.ErrConflict) {
			// Lost the race against a parallel sighting; the row exists.
			return nil
		}

		return err
	}

	err = e.store.ServerInterfacesReplace(ctx, server.ID, []*db.ServerInterface{{
		Name: pxeNIC(rack),
		MAC:  pxeMAC,
		IP:   pxeIP,
	}})
	if err != nil {
		return err
	}

	asset.Status = db.AssetStatusDiscovered
	if err := e.store.AssetUpdate(ctx, asset); err != nil {
		return err
	}

	log.Info().
		Str("server", server.Name).
		Str("pxe_ip", pxeIP).
		Int("slot", serverNumber).
		Msg("Enrolled discovered server")

	return nil
}

// revertProtected parks a protected asset back in New so nothing downstream
// touches it until the operator lifts the flag.
func (e *Engine) revertProtected(ctx context.Context, asset *db.Asset) error {
	asset.Status = db.AssetStatusNew

	if err := e.store.AssetUpdate(ctx, asset); err != nil {
		return err
	}

	return derrors.Ignore("asset %s is protected", asset.Serial)
}

// rackForIP finds the rack owning the IPMI subnet an address sits in.
func (e *Engine) rackForIP(ctx context.Context, ip string) (*db.Rack, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, derrors.InvalidData("bad ip %q", ip)
	}

	subnet, err := e.store.SubnetByContainment(ctx, e.cfg.Location, parsed)
	if err != nil {
		return nil, derrors.Ignore("no managed subnet contains %s", ip)
	}

	rack, err := e.store.RackBySubnet(ctx, subnet.ID)
	if err != nil {
		return nil, derrors.Ignore("no rack serves subnet of %s", ip)
	}

	if e.cfg.WorkerName != "" &&
		(rack.Worker == nil || rack.Worker.Name != e.cfg.WorkerName) {
		return nil, errNotOurs
	}

	return rack, nil
}

// recordBMCLease pins the BMC's DHCP address as a port on the rack's ipmi
// subnet, so the allocator keeps handing the same address back after a DHCP
// restart.
func (e *Engine) recordBMCLease(ctx context.Context, rack *db.Rack,
	serial, mac, ip string) error {
	subnet, err := e.ipmiSubnet(ctx, rack)
	if err != nil {
		return err
	}

	_, err = e.alloc.Allocate(ctx, rack, subnet, serial, mac, ip)

	return err
}

func (e *Engine) mgmtSubnet(ctx context.Context, rack *db.Rack) (*db.Subnet, error) {
	subnets, err := e.store.SubnetsByRack(ctx, rack.Name)
	if err != nil {
		return nil, err
	}

	for _, subnet := range subnets {
		if subnet.Type == "mgmt" || subnet.VlanTag == e.cfg.MgmtVlan {
			return subnet, nil
		}
	}

	return nil, derrors.NotFound("rack %s has no mgmt subnet", rack.Name)
}

func (e *Engine) ipmiSubnet(ctx context.Context, rack *db.Rack) (*db.Subnet, error) {
	subnets, err := e.store.SubnetsByRack(ctx, rack.Name)
	if err != nil {
		return nil, err
	}

	for _, subnet := range subnets {
		if subnet.Type == "ipmi" {
			return subnet, nil
		}
	}

	return nil, derrors.NotFound("rack %s has no ipmi subnet", rack.Name)
}

func pxeNIC(rack *db.Rack) string {
	if rack.NetworkMap != nil && rack.NetworkMap.PXENic != "" {
		return rack.NetworkMap.PXENic
	}

	return ""
}
