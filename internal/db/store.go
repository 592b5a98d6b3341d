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

// Package db implements the durable inventory: racks, assets, servers,
// interfaces, subnets, ports, clusters, SKUs, workers and the change log.
//
// All rows are soft-deleted (deleted_at + deleted=id); default queries
// exclude soft-deleted rows. Server writes use optimistic concurrency via
// the version column.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/Symantec/dao-control/internal/derrors"
)

const (
	getWorkerStmt         = "SELECT * FROM worker WHERE id = $1 AND deleted = 0;"
	getWorkerByNameStmt   = "SELECT * FROM worker WHERE name = $1 AND location = $2 AND deleted = 0;"
	workersByLocationStmt = "SELECT * FROM worker WHERE location = $1 AND deleted = 0 ORDER BY name;"
	insertWorkerStmt      = `
INSERT INTO worker (key, name, location, url, created_at, updated_at)
	VALUES ('', $1, $2, $3, $4, $4);
`
	updateWorkerURLStmt = "UPDATE worker SET url = $1, updated_at = $2 WHERE id = $3;"

	getRackStmt       = "SELECT * FROM rack WHERE name = $1 AND location = $2 AND deleted = 0;"
	listRacksStmt     = "SELECT * FROM rack WHERE location = $1 AND deleted = 0 ORDER BY name;"
	racksByWorkerStmt = "SELECT * FROM rack WHERE worker_id = $1 AND deleted = 0 ORDER BY name;"
	insertRackStmt    = `
INSERT INTO rack (key, name, location, status, gw_ip, environment, sku_quota,
	worker_id, network_map_id, meta, created_at, updated_at)
	VALUES ('', $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10);
`
	updateRackStmt = `
UPDATE rack SET status = $1, gw_ip = $2, environment = $3, sku_quota = $4,
	worker_id = $5, network_map_id = $6, meta = $7, updated_at = $8
	WHERE id = $9;
`

	getNetworkMapStmt    = "SELECT * FROM network_map WHERE id = $1 AND deleted = 0;"
	insertNetworkMapStmt = `
INSERT INTO network_map (key, name, pxe_nic, port_map, unit_base, unit_step,
	topology, created_at, updated_at)
	VALUES ('', $1, $2, $3, $4, $5, $6, $7, $7);
`

	getSubnetStmt      = "SELECT * FROM subnet WHERE ip = $1 AND vlan_tag = $2 AND deleted = 0;"
	subnetsByLocStmt   = "SELECT * FROM subnet WHERE location = $1 AND deleted = 0;"
	subnetsByRackStmt  = `
SELECT DISTINCT s.* FROM subnet AS s
	JOIN switch_interface AS si ON si.subnet_id = s.id
	JOIN network_device AS nd ON si.device_id = nd.id
	JOIN asset AS a ON nd.asset_id = a.id
	JOIN rack AS r ON a.rack_id = r.id
	WHERE r.name = $1 AND s.deleted = 0 AND si.deleted = 0
	AND nd.deleted = 0 AND a.deleted = 0 AND r.deleted = 0
	ORDER BY s.vlan_tag;
`
	rackBySubnetStmt = `
SELECT DISTINCT r.* FROM rack AS r
	JOIN asset AS a ON a.rack_id = r.id
	JOIN network_device AS nd ON nd.asset_id = a.id
	JOIN switch_interface AS si ON si.device_id = nd.id
	WHERE si.subnet_id = $1 AND r.deleted = 0 AND a.deleted = 0
	AND nd.deleted = 0 AND si.deleted = 0;
`
	insertSubnetStmt = `
INSERT INTO subnet (key, name, location, type, ip, mask, gateway, vlan_tag,
	tagged, first_ip, created_at, updated_at)
	VALUES ('', $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10);
`

	getAssetBySerialStmt = "SELECT * FROM asset WHERE serial = $1 AND deleted = 0;"
	getAssetByMACStmt    = "SELECT * FROM asset WHERE mac = $1 AND deleted = 0;"
	insertAssetStmt      = `
INSERT INTO asset (key, name, serial, brand, model, mac, ip, type, status,
	location, protected, rack_id, created_at, updated_at)
	VALUES ('', $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12);
`
	updateAssetStmt = `
UPDATE asset SET name = $1, brand = $2, model = $3, mac = $4, ip = $5,
	type = $6, status = $7, protected = $8, rack_id = $9, updated_at = $10
	WHERE id = $11;
`

	getServerStmt        = "SELECT * FROM server WHERE id = $1 AND deleted = 0;"
	getServerByAssetStmt = "SELECT * FROM server WHERE asset_id = $1 AND deleted = 0;"
	getServerByNameStmt  = "SELECT * FROM server WHERE name = $1 AND deleted = 0;"
	serversByRackStmt    = `
SELECT srv.* FROM server AS srv
	JOIN asset AS a ON srv.asset_id = a.id
	JOIN rack AS r ON a.rack_id = r.id
	WHERE r.name = $1 AND srv.deleted = 0 AND a.deleted = 0 AND r.deleted = 0
	ORDER BY srv.id;
`
	insertServerStmt = `
INSERT INTO server (key, name, status, target_status, pxe_mac, pxe_ip, role,
	fqdn, server_number, rack_unit, hdd_type, os_args, gw_net, lock_id,
	message, meta, description, version, asset_id, cluster_id, sku_id,
	created_at, updated_at)
	VALUES ('', $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
	$15, $16, 1, $17, $18, $19, $20, $20);
`
	updateServerStmt = `
UPDATE server SET name = $1, status = $2, target_status = $3, pxe_mac = $4,
	pxe_ip = $5, role = $6, fqdn = $7, server_number = $8, rack_unit = $9,
	hdd_type = $10, os_args = $11, gw_net = $12, lock_id = $13, message = $14,
	meta = $15, description = $16, cluster_id = $17, sku_id = $18,
	version = version + 1, updated_at = $19
	WHERE id = $20 AND version = $21 AND deleted = 0;
`
	softDeleteServerStmt = `
UPDATE server SET deleted = id, deleted_at = $1, updated_at = $1 WHERE id = $2;
`

	interfacesByServerStmt     = "SELECT * FROM server_interface WHERE server_id = $1 AND deleted = 0 ORDER BY name;"
	softDeleteInterfacesStmt   = "UPDATE server_interface SET deleted = id, deleted_at = $1 WHERE server_id = $2 AND deleted = 0;"
	insertServerInterfaceStmt  = `
INSERT INTO server_interface (key, name, mac, ip, mask, gw, server_id,
	created_at, updated_at)
	VALUES ('', $1, $2, $3, $4, $5, $6, $7, $7);
`

	getDeviceByAssetStmt = "SELECT * FROM network_device WHERE asset_id = $1 AND deleted = 0;"
	devicesByRackStmt    = `
SELECT nd.* FROM network_device AS nd
	JOIN asset AS a ON nd.asset_id = a.id
	JOIN rack AS r ON a.rack_id = r.id
	WHERE r.name = $1 AND nd.deleted = 0 AND a.deleted = 0 AND r.deleted = 0
	ORDER BY nd.name;
`
	insertDeviceStmt = `
INSERT INTO network_device (key, name, asset_id, created_at, updated_at)
	VALUES ('', $1, $2, $3, $3);
`
	switchIfacesByDeviceStmt  = "SELECT * FROM switch_interface WHERE device_id = $1 AND deleted = 0 ORDER BY name;"
	getSwitchIfaceByIPStmt    = "SELECT * FROM switch_interface WHERE device_id = $1 AND ip = $2 AND deleted = 0;"
	insertSwitchInterfaceStmt = `
INSERT INTO switch_interface (key, name, mac, ip, mask, gw, state, device_id,
	subnet_id, created_at, updated_at)
	VALUES ('', $1, $2, $3, $4, $5, $6, $7, $8, $9, $9);
`

	getPortStmt = `
SELECT * FROM port WHERE rack_name = $1 AND vlan_tag = $2 AND device_id = $3
	AND deleted = 0;
`
	portsByRackVlanStmt = "SELECT * FROM port WHERE rack_name = $1 AND vlan_tag = $2 AND deleted = 0;"
	portsBySerialStmt   = "SELECT * FROM port WHERE device_id = $1 AND deleted = 0;"
	portsAllStmt        = "SELECT * FROM port WHERE deleted = 0 ORDER BY ip;"
	insertPortStmt      = `
INSERT INTO port (key, rack_name, device_id, vlan_tag, ip, mac, subnet_id,
	created_at, updated_at)
	VALUES ('', $1, $2, $3, $4, $5, $6, $7, $7);
`
	softDeletePortStmt = "UPDATE port SET deleted = id, deleted_at = $1 WHERE id = $2;"

	getClusterStmt    = "SELECT * FROM cluster WHERE name = $1 AND location = $2 AND deleted = 0;"
	insertClusterStmt = `
INSERT INTO cluster (key, name, location, type, created_at, updated_at)
	VALUES ('', $1, $2, $3, $4, $4);
`

	getSKUStmt = `
SELECT * FROM sku WHERE location = $1 AND cpu = $2 AND ram = $3
	AND storage = $4 AND deleted = 0;
`
	listSKUsStmt  = "SELECT * FROM sku WHERE location = $1 AND deleted = 0 ORDER BY name;"
	insertSKUStmt = `
INSERT INTO sku (key, name, location, cpu, ram, storage, description,
	created_at, updated_at)
	VALUES ('', $1, $2, $3, $4, $5, $6, $7, $7);
`

	insertChangeLogStmt = `
INSERT INTO change_log (type, object_id, old, new, user, created_at)
	VALUES ($1, $2, $3, $4, $5, $6);
`
	changeLogByObjectStmt = `
SELECT * FROM change_log WHERE type = $1 AND object_id = $2 ORDER BY id;
`
)

func now() int64 {
	return time.Now().Unix()
}

// NormalizeMAC lowercases a MAC and accepts both aa:bb and aa-bb forms.
func NormalizeMAC(mac string) string {
	return strings.ToLower(strings.ReplaceAll(mac, "-", ":"))
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for schema maintenance commands.
func (s *Store) DB() *sql.DB {
	return s.db
}

func notFound(err error, format string, a ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return derrors.NotFound(format, a...)
	}

	return err
}

// Workers

// WorkerUpsert registers a worker, upserting by (name, location).
func (s *Store) WorkerUpsert(ctx context.Context, name, location, url string) (*Worker, error) {
	worker := &Worker{}

	err := worker.ScanRow(s.db.QueryRowContext(ctx, getWorkerByNameStmt, name, location))
	if errors.Is(err, sql.ErrNoRows) {
		res, err := s.db.ExecContext(ctx, insertWorkerStmt, name, location, url, now())
		if err != nil {
			return nil, err
		}

		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}

		return s.WorkerGet(ctx, id)
	} else if err != nil {
		return nil, err
	}

	if worker.URL != url {
		if _, err := s.db.ExecContext(ctx, updateWorkerURLStmt, url, now(), worker.ID); err != nil {
			return nil, err
		}

		worker.URL = url
	}

	return worker, nil
}

func (s *Store) WorkerGet(ctx context.Context, id int64) (*Worker, error) {
	worker := &Worker{}

	err := worker.ScanRow(s.db.QueryRowContext(ctx, getWorkerStmt, id))
	if err != nil {
		return nil, notFound(err, "worker %d", id)
	}

	return worker, nil
}

func (s *Store) WorkerGetByName(ctx context.Context, name, location string) (*Worker, error) {
	worker := &Worker{}

	err := worker.ScanRow(s.db.QueryRowContext(ctx, getWorkerByNameStmt, name, location))
	if err != nil {
		return nil, notFound(err, "worker %q in %q", name, location)
	}

	return worker, nil
}

func (s *Store) WorkersByLocation(ctx context.Context, location string) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx, workersByLocationStmt, location)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // ok to ignore this error

	var workers []*Worker

	for rows.Next() {
		worker := &Worker{}
		if err := worker.ScanRow(rows); err != nil {
			return nil, err
		}

		workers = append(workers, worker)
	}

	return workers, rows.Err()
}

// Racks

// RackGet returns the rack with its worker and network map joined in.
func (s *Store) RackGet(ctx context.Context, name, location string) (*Rack, error) {
	rack := &Rack{}

	err := rack.ScanRow(s.db.QueryRowContext(ctx, getRackStmt, name, location))
	if err != nil {
		return nil, notFound(err, "rack %q in %q", name, location)
	}

	return rack, s.loadRackRefs(ctx, rack)
}

func (s *Store) loadRackRefs(ctx context.Context, rack *Rack) error {
	if rack.WorkerID != 0 {
		worker, err := s.WorkerGet(ctx, rack.WorkerID)
		if err != nil && !errors.Is(err, derrors.ErrNotFound) {
			return err
		}

		rack.Worker = worker
	}

	if rack.NetworkMapID != 0 {
		netMap, err := s.NetworkMapGet(ctx, rack.NetworkMapID)
		if err != nil && !errors.Is(err, derrors.ErrNotFound) {
			return err
		}

		rack.NetworkMap = netMap
	}

	return nil
}

func (s *Store) RackList(ctx context.Context, location string) ([]*Rack, error) {
	return s.queryRacks(ctx, listRacksStmt, location)
}

func (s *Store) RacksByWorker(ctx context.Context, workerID int64) ([]*Rack, error) {
	return s.queryRacks(ctx, racksByWorkerStmt, workerID)
}

func (s *Store) queryRacks(ctx context.Context, stmt string, arg any) ([]*Rack, error) {
	rows, err := s.db.QueryContext(ctx, stmt, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // ok to ignore this error

	var racks []*Rack

	for rows.Next() {
		rack := &Rack{}
		if err := rack.ScanRow(rows); err != nil {
			return nil, err
		}

		racks = append(racks, rack)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, rack := range racks {
		if err := s.loadRackRefs(ctx, rack); err != nil {
			return nil, err
		}
	}

	return racks, nil
}

// RackBySubnet resolves the rack whose switches serve a subnet.
func (s *Store) RackBySubnet(ctx context.Context, subnetID int64) (*Rack, error) {
	rack := &Rack{}

	err := rack.ScanRow(s.db.QueryRowContext(ctx, rackBySubnetStmt, subnetID))
	if err != nil {
		return nil, notFound(err, "rack serving subnet %d", subnetID)
	}

	return rack, s.loadRackRefs(ctx, rack)
}

func (s *Store) RackCreate(ctx context.Context, rack *Rack) (*Rack, error) {
	meta, err := marshalMap(rack.Meta)
	if err != nil {
		return nil, err
	}

	quota, err := marshalQuota(rack.SKUQuota)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, insertRackStmt,
		rack.Name, rack.Location, rack.Status, rack.GatewayIP, rack.Environment,
		quota, nullID(rack.WorkerID), nullID(rack.NetworkMapID), meta, now())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, derrors.Conflict("rack %q already exists in %q", rack.Name, rack.Location)
		}

		return nil, err
	}

	rack.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return s.RackGet(ctx, rack.Name, rack.Location)
}

func (s *Store) RackUpdate(ctx context.Context, rack *Rack) error {
	meta, err := marshalMap(rack.Meta)
	if err != nil {
		return err
	}

	quota, err := marshalQuota(rack.SKUQuota)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, updateRackStmt,
		rack.Status, rack.GatewayIP, rack.Environment, quota,
		nullID(rack.WorkerID), nullID(rack.NetworkMapID), meta, now(), rack.ID)

	return err
}

// Network maps

func (s *Store) NetworkMapGet(ctx context.Context, id int64) (*NetworkMap, error) {
	netMap := &NetworkMap{}

	err := netMap.ScanRow(s.db.QueryRowContext(ctx, getNetworkMapStmt, id))
	if err != nil {
		return nil, notFound(err, "network map %d", id)
	}

	return netMap, nil
}

func (s *Store) NetworkMapCreate(ctx context.Context, netMap *NetworkMap) (*NetworkMap, error) {
	portMap, err := json.Marshal(netMap.PortMap)
	if err != nil {
		return nil, err
	}

	topology, err := json.Marshal(netMap.Topology)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, insertNetworkMapStmt,
		netMap.Name, netMap.PXENic, string(portMap), netMap.UnitBase,
		netMap.UnitStep, string(topology), now())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, derrors.Conflict("network map %q already exists", netMap.Name)
		}

		return nil, err
	}

	netMap.ID, err = res.LastInsertId()

	return netMap, err
}

// Subnets

func (s *Store) SubnetGet(ctx context.Context, networkIP string, vlanTag int) (*Subnet, error) {
	subnet := &Subnet{}

	err := subnet.ScanRow(s.db.QueryRowContext(ctx, getSubnetStmt, networkIP, vlanTag))
	if err != nil {
		return nil, notFound(err, "subnet %s vlan %d", networkIP, vlanTag)
	}

	return subnet, nil
}

func (s *Store) SubnetsByRack(ctx context.Context, rackName string) ([]*Subnet, error) {
	return s.querySubnets(ctx, subnetsByRackStmt, rackName)
}

// SubnetByContainment resolves the subnet of a location that contains ip.
func (s *Store) SubnetByContainment(ctx context.Context, location string, ip net.IP) (*Subnet, error) {
	subnets, err := s.querySubnets(ctx, subnetsByLocStmt, location)
	if err != nil {
		return nil, err
	}

	for _, subnet := range subnets {
		if subnet.Contains(ip) {
			return subnet, nil
		}
	}

	return nil, derrors.NotFound("no subnet contains %s in %q", ip, location)
}

func (s *Store) querySubnets(ctx context.Context, stmt string, arg any) ([]*Subnet, error) {
	rows, err := s.db.QueryContext(ctx, stmt, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // ok to ignore this error

	var subnets []*Subnet

	for rows.Next() {
		subnet := &Subnet{}
		if err := subnet.ScanRow(rows); err != nil {
			return nil, err
		}

		subnets = append(subnets, subnet)
	}

	return subnets, rows.Err()
}

// SubnetEnsure creates the subnet unless one already exists for
// (network ip, vlan).
func (s *Store) SubnetEnsure(ctx context.Context, subnet *Subnet) (*Subnet, error) {
	existing, err := s.SubnetGet(ctx, subnet.IP, subnet.VlanTag)
	if err == nil {
		return existing, nil
	} else if !errors.Is(err, derrors.ErrNotFound) {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, insertSubnetStmt,
		subnet.Name, subnet.Location, subnet.Type, subnet.IP, subnet.Mask,
		subnet.Gateway, subnet.VlanTag, subnet.Tagged, subnet.FirstIP, now())
	if err != nil {
		return nil, err
	}

	subnet.ID, err = res.LastInsertId()

	return subnet, err
}

// Assets

func (s *Store) AssetGetBySerial(ctx context.Context, serial string) (*Asset, error) {
	asset := &Asset{}

	err := asset.ScanRow(s.db.QueryRowContext(ctx, getAssetBySerialStmt, serial))
	if err != nil {
		return nil, notFound(err, "asset %q", serial)
	}

	return asset, s.loadAssetRack(ctx, asset)
}

// AssetGetByMAC resolves an asset by IPMI MAC. More than one live row for
// the same MAC is an inventory corruption surfaced as ManyFound.
func (s *Store) AssetGetByMAC(ctx context.Context, mac string) (*Asset, error) {
	rows, err := s.db.QueryContext(ctx, getAssetByMACStmt, NormalizeMAC(mac))
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // ok to ignore this error

	var assets []*Asset

	for rows.Next() {
		asset := &Asset{}
		if err := asset.ScanRow(rows); err != nil {
			return nil, err
		}

		assets = append(assets, asset)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(assets) {
	case 0:
		return nil, derrors.NotFound("asset with mac %q", mac)
	case 1:
		return assets[0], s.loadAssetRack(ctx, assets[0])
	default:
		return nil, derrors.ManyFound("%d assets with mac %q", len(assets), mac)
	}
}

func (s *Store) loadAssetRack(ctx context.Context, asset *Asset) error {
	if asset.RackID == 0 {
		return nil
	}

	rack := &Rack{}

	err := rack.ScanRow(s.db.QueryRowContext(ctx,
		"SELECT * FROM rack WHERE id = $1 AND deleted = 0;", asset.RackID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	} else if err != nil {
		return err
	}

	asset.Rack = rack

	return s.loadRackRefs(ctx, rack)
}

func (s *Store) AssetCreate(ctx context.Context, asset *Asset) (*Asset, error) {
	res, err := s.db.ExecContext(ctx, insertAssetStmt,
		asset.Name, asset.Serial, asset.Brand, asset.Model,
		NormalizeMAC(asset.MAC), asset.IP, asset.Type, asset.Status,
		asset.Location, asset.Protected, nullID(asset.RackID), now())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, derrors.Conflict("asset %q already exists", asset.Serial)
		}

		return nil, err
	}

	asset.ID, err = res.LastInsertId()

	return asset, err
}

func (s *Store) AssetUpdate(ctx context.Context, asset *Asset) error {
	_, err := s.db.ExecContext(ctx, updateAssetStmt,
		asset.Name, asset.Brand, asset.Model, NormalizeMAC(asset.MAC),
		asset.IP, asset.Type, asset.Status, asset.Protected,
		nullID(asset.RackID), now(), asset.ID)

	return err
}

// Servers

// ServerGet returns the server with asset, rack, cluster and interfaces
// joined in.
func (s *Store) ServerGet(ctx context.Context, id int64) (*Server, error) {
	server := &Server{}

	err := server.ScanRow(s.db.QueryRowContext(ctx, getServerStmt, id))
	if err != nil {
		return nil, notFound(err, "server %d", id)
	}

	return server, s.loadServerRefs(ctx, server)
}

func (s *Store) ServerGetByAsset(ctx context.Context, assetID int64) (*Server, error) {
	server := &Server{}

	err := server.ScanRow(s.db.QueryRowContext(ctx, getServerByAssetStmt, assetID))
	if err != nil {
		return nil, notFound(err, "server for asset %d", assetID)
	}

	return server, s.loadServerRefs(ctx, server)
}

func (s *Store) ServerGetByName(ctx context.Context, name string) (*Server, error) {
	server := &Server{}

	err := server.ScanRow(s.db.QueryRowContext(ctx, getServerByNameStmt, name))
	if err != nil {
		return nil, notFound(err, "server %q", name)
	}

	return server, s.loadServerRefs(ctx, server)
}

func (s *Store) loadServerRefs(ctx context.Context, server *Server) error {
	asset := &Asset{}

	err := asset.ScanRow(s.db.QueryRowContext(ctx,
		"SELECT * FROM asset WHERE id = $1;", server.AssetID))
	if err != nil {
		return err
	}

	if err := s.loadAssetRack(ctx, asset); err != nil {
		return err
	}

	server.Asset = asset
	server.Rack = asset.Rack

	if server.ClusterID != 0 {
		cluster := &Cluster{}

		err := cluster.ScanRow(s.db.QueryRowContext(ctx,
			"SELECT * FROM cluster WHERE id = $1 AND deleted = 0;", server.ClusterID))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if err == nil {
			server.Cluster = cluster
		}
	}

	ifaces, err := s.ServerInterfaces(ctx, server.ID)
	if err != nil {
		return err
	}

	server.Interfaces = ifaces

	return nil
}

// ServersByRack returns rack servers, optionally filtered by status
// (empty status matches all).
func (s *Store) ServersByRack(ctx context.Context, rackName string, status Status) ([]*Server, error) {
	rows, err := s.db.QueryContext(ctx, serversByRackStmt, rackName)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // ok to ignore this error

	var servers []*Server

	for rows.Next() {
		server := &Server{}
		if err := server.ScanRow(rows); err != nil {
			return nil, err
		}

		if status != "" && server.Status != status {
			continue
		}

		servers = append(servers, server)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, server := range servers {
		if err := s.loadServerRefs(ctx, server); err != nil {
			return nil, err
		}
	}

	return servers, nil
}

func (s *Store) ServerCreate(ctx context.Context, server *Server) (*Server, error) {
	if !server.Status.Valid() || !server.TargetStatus.Valid() {
		return nil, derrors.InvalidData("invalid status %q/%q",
			server.Status, server.TargetStatus)
	}

	osArgs, meta, descr, err := marshalServerBlobs(server)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, insertServerStmt,
		server.Name, server.Status, server.TargetStatus,
		NormalizeMAC(server.PXEMac), server.PXEIP, server.Role, server.FQDN,
		server.ServerNumber, server.RackUnit, server.HDDType, osArgs,
		server.GatewayNet, server.LockID, server.Message, meta, descr,
		server.AssetID, nullID(server.ClusterID), nullID(server.SKUID), now())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, derrors.Conflict("server for asset %d already exists", server.AssetID)
		}

		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return s.ServerGet(ctx, id)
}

// ServerUpdate persists server under optimistic concurrency: the write
// succeeds only when the in-memory version matches the stored one, and
// increments the version. Lost races surface as VersionConflict.
func (s *Store) ServerUpdate(ctx context.Context, server *Server) error {
	if !server.Status.Valid() || !server.TargetStatus.Valid() {
		return derrors.InvalidData("invalid status %q/%q",
			server.Status, server.TargetStatus)
	}

	server.Message = TruncateMessage(server.Message)

	osArgs, meta, descr, err := marshalServerBlobs(server)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, updateServerStmt,
		server.Name, server.Status, server.TargetStatus,
		NormalizeMAC(server.PXEMac), server.PXEIP, server.Role, server.FQDN,
		server.ServerNumber, server.RackUnit, server.HDDType, osArgs,
		server.GatewayNet, server.LockID, server.Message, meta, descr,
		nullID(server.ClusterID), nullID(server.SKUID), now(),
		server.ID, server.Version)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		if _, err := s.ServerGet(ctx, server.ID); err != nil {
			return err
		}

		return derrors.VersionConflict("server %d version %d", server.ID, server.Version)
	}

	server.Version++

	return nil
}

func (s *Store) ServerSoftDelete(ctx context.Context, server *Server) error {
	ts := now()

	if _, err := s.db.ExecContext(ctx, softDeleteServerStmt, ts, server.ID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, softDeleteInterfacesStmt, ts, server.ID)

	return err
}

func (s *Store) ServerInterfaces(ctx context.Context, serverID int64) ([]*ServerInterface, error) {
	rows, err := s.db.QueryContext(ctx, interfacesByServerStmt, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // ok to ignore this error

	var ifaces []*ServerInterface

	for rows.Next() {
		iface := &ServerInterface{}
		if err := iface.ScanRow(rows); err != nil {
			return nil, err
		}

		ifaces = append(ifaces, iface)
	}

	return ifaces, rows.Err()
}

// ServerInterfacesReplace swaps the full interface set of a server.
func (s *Store) ServerInterfacesReplace(ctx context.Context, serverID int64, ifaces []*ServerInterface) error {
	ts := now()

	if _, err := s.db.ExecContext(ctx, softDeleteInterfacesStmt, ts, serverID); err != nil {
		return err
	}

	for _, iface := range ifaces {
		_, err := s.db.ExecContext(ctx, insertServerInterfaceStmt,
			iface.Name, NormalizeMAC(iface.MAC), iface.IP, iface.Mask,
			iface.Gateway, serverID, ts)
		if err != nil {
			return err
		}
	}

	return nil
}

// Network devices

func (s *Store) NetworkDeviceBySerial(ctx context.Context, serial string) (*NetworkDevice, error) {
	asset, err := s.AssetGetBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}

	device := &NetworkDevice{}

	err = device.ScanRow(s.db.QueryRowContext(ctx, getDeviceByAssetStmt, asset.ID))
	if err != nil {
		return nil, notFound(err, "network device %q", serial)
	}

	device.Asset = asset

	return device, s.loadDeviceInterfaces(ctx, device)
}

func (s *Store) NetworkDeviceEnsure(ctx context.Context, name string, assetID int64) (*NetworkDevice, error) {
	device := &NetworkDevice{}

	err := device.ScanRow(s.db.QueryRowContext(ctx, getDeviceByAssetStmt, assetID))
	if err == nil {
		return device, s.loadDeviceInterfaces(ctx, device)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, insertDeviceStmt, name, assetID, now())
	if err != nil {
		return nil, err
	}

	device.Name = name
	device.AssetID = assetID
	device.ID, err = res.LastInsertId()

	return device, err
}

func (s *Store) SwitchesByRack(ctx context.Context, rackName string) ([]*NetworkDevice, error) {
	rows, err := s.db.QueryContext(ctx, devicesByRackStmt, rackName)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // ok to ignore this error

	var devices []*NetworkDevice

	for rows.Next() {
		device := &NetworkDevice{}
		if err := device.ScanRow(rows); err != nil {
			return nil, err
		}

		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, device := range devices {
		asset := &Asset{}

		err := asset.ScanRow(s.db.QueryRowContext(ctx,
			"SELECT * FROM asset WHERE id = $1;", device.AssetID))
		if err != nil {
			return nil, err
		}

		device.Asset = asset

		if err := s.loadDeviceInterfaces(ctx, device); err != nil {
			return nil, err
		}
	}

	return devices, nil
}

func (s *Store) loadDeviceInterfaces(ctx context.Context, device *NetworkDevice) error {
	rows, err := s.db.QueryContext(ctx, switchIfacesByDeviceStmt, device.ID)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck // ok to ignore this error

	for rows.Next() {
		iface := &SwitchInterface{}
		if err := iface.ScanRow(rows); err != nil {
			return err
		}

		device.Interfaces = append(device.Interfaces, iface)
	}

	return rows.Err()
}

// SwitchInterfaceEnsure creates the interface unless the device already has
// one with the same ip.
func (s *Store) SwitchInterfaceEnsure(ctx context.Context, iface *SwitchInterface) error {
	existing := &SwitchInterface{}

	err := existing.ScanRow(s.db.QueryRowContext(ctx, getSwitchIfaceByIPStmt,
		iface.DeviceID, iface.IP))
	if err == nil {
		iface.ID = existing.ID

		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	res, err := s.db.ExecContext(ctx, insertSwitchInterfaceStmt,
		iface.Name, NormalizeMAC(iface.MAC), iface.IP, iface.Mask,
		iface.Gateway, iface.State, iface.DeviceID, nullID(iface.SubnetID), now())
	if err != nil {
		return err
	}

	iface.ID, err = res.LastInsertId()

	return err
}

// Ports

func (s *Store) PortGet(ctx context.Context, rackName string, vlanTag int, serial string) (*Port, error) {
	port := &Port{}

	err := port.ScanRow(s.db.QueryRowContext(ctx, getPortStmt, rackName, vlanTag, serial))
	if err != nil {
		return nil, notFound(err, "port for %q vlan %d on %q", serial, vlanTag, rackName)
	}

	return port, nil
}

func (s *Store) PortsByRackVlan(ctx context.Context, rackName string, vlanTag int) ([]*Port, error) {
	return s.queryPorts(ctx, portsByRackVlanStmt, rackName, vlanTag)
}

func (s *Store) PortsBySerial(ctx context.Context, serial string) ([]*Port, error) {
	return s.queryPorts(ctx, portsBySerialStmt, serial)
}

// PortsAll returns every live allocation, ordered by IP. The DHCP plane
// renders its host reservations from this set.
func (s *Store) PortsAll(ctx context.Context) ([]*Port, error) {
	return s.queryPorts(ctx, portsAllStmt)
}

func (s *Store) queryPorts(ctx context.Context, stmt string, args ...any) ([]*Port, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // ok to ignore this error

	var ports []*Port

	for rows.Next() {
		port := &Port{}
		if err := port.ScanRow(rows); err != nil {
			return nil, err
		}

		ports = append(ports, port)
	}

	return ports, rows.Err()
}

func (s *Store) PortCreate(ctx context.Context, port *Port) (*Port, error) {
	res, err := s.db.ExecContext(ctx, insertPortStmt,
		port.RackName, port.DeviceID, port.VlanTag, port.IP,
		NormalizeMAC(port.MAC), nullID(port.SubnetID), now())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, derrors.Conflict("ip %s already allocated", port.IP)
		}

		return nil, err
	}

	port.ID, err = res.LastInsertId()

	return port, err
}

func (s *Store) PortDelete(ctx context.Context, port *Port) error {
	_, err := s.db.ExecContext(ctx, softDeletePortStmt, now(), port.ID)

	return err
}

// Clusters

func (s *Store) ClusterGet(ctx context.Context, name, location string) (*Cluster, error) {
	cluster := &Cluster{}

	err := cluster.ScanRow(s.db.QueryRowContext(ctx, getClusterStmt, name, location))
	if err != nil {
		return nil, notFound(err, "cluster %q in %q", name, location)
	}

	return cluster, nil
}

func (s *Store) ClusterEnsure(ctx context.Context, name, location, typ string) (*Cluster, error) {
	cluster, err := s.ClusterGet(ctx, name, location)
	if err == nil {
		return cluster, nil
	} else if !errors.Is(err, derrors.ErrNotFound) {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, insertClusterStmt, name, location, typ, now())
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &Cluster{common: common{ID: id}, Name: name, Location: location, Type: typ}, nil
}

// SKUs

func (s *Store) SKUFind(ctx context.Context, location, cpu, ram, storage string) (*SKU, error) {
	sku := &SKU{}

	err := sku.ScanRow(s.db.QueryRowContext(ctx, getSKUStmt, location, cpu, ram, storage))
	if err != nil {
		return nil, notFound(err, "sku for cpu:%s, ram:%s, disks:%s", cpu, ram, storage)
	}

	return sku, nil
}

func (s *Store) SKUList(ctx context.Context, location string) ([]*SKU, error) {
	rows, err := s.db.QueryContext(ctx, listSKUsStmt, location)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // ok to ignore this error

	var skus []*SKU

	for rows.Next() {
		sku := &SKU{}
		if err := sku.ScanRow(rows); err != nil {
			return nil, err
		}

		skus = append(skus, sku)
	}

	return skus, rows.Err()
}

func (s *Store) SKUCreate(ctx context.Context, sku *SKU) (*SKU, error) {
	res, err := s.db.ExecContext(ctx, insertSKUStmt,
		sku.Name, sku.Location, sku.CPU, sku.RAM, sku.Storage,
		sku.Description, now())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, derrors.Conflict("sku %q already exists", sku.Name)
		}

		return nil, err
	}

	sku.ID, err = res.LastInsertId()

	return sku, err
}

// Change log

// ChangeLogAdd appends a before/after record for an auditable mutation.
func (s *Store) ChangeLogAdd(ctx context.Context, typ string, objectID int64, old, updated any, user string) error {
	oldJSON, err := json.Marshal(old)
	if err != nil {
		return err
	}

	newJSON, err := json.Marshal(updated)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, insertChangeLogStmt,
		typ, objectID, string(oldJSON), string(newJSON), user, now())

	return err
}

func (s *Store) ChangeLogList(ctx context.Context, typ string, objectID int64) ([]*ChangeLog, error) {
	rows, err := s.db.QueryContext(ctx, changeLogByObjectStmt, typ, objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // ok to ignore this error

	var entries []*ChangeLog

	for rows.Next() {
		entry := &ChangeLog{}
		if err := entry.ScanRow(rows); err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Helpers

// messageLimit bounds the operator-visible message column.
const messageLimit = 253

// TruncateMessage bounds a human-readable message to the column limit.
func TruncateMessage(msg string) string {
	if len(msg) > messageLimit {
		return msg[:messageLimit]
	}

	return msg
}

func marshalServerBlobs(server *Server) (string, string, string, error) {
	if server.OSArgs == nil {
		server.OSArgs = map[string]string{}
	}

	if server.Meta == nil {
		server.Meta = map[string]any{}
	}

	if server.Description == nil {
		server.Description = map[string]any{}
	}

	osArgs, err := json.Marshal(server.OSArgs)
	if err != nil {
		return "", "", "", err
	}

	meta, err := json.Marshal(server.Meta)
	if err != nil {
		return "", "", "", err
	}

	descr, err := json.Marshal(server.Description)
	if err != nil {
		return "", "", "", err
	}

	return string(osArgs), string(meta), string(descr), nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}

	b, err := json.Marshal(m)

	return string(b), err
}

func marshalQuota(q map[string]int) (string, error) {
	if q == nil {
		q = map[string]int{}
	}

	b, err := json.Marshal(q)

	return string(b), err
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}

	return id
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
