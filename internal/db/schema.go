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

package db

import (
	"context"
	"database/sql"
)

// Every table carries the bookkeeping columns: created_at/updated_at,
// soft-delete pair (deleted_at, deleted) and an opaque key. Soft delete
// stores the row id in `deleted` so partial unique indexes over
// (col, deleted) keep uniqueness among live rows only.
const (
	rackTable = `
CREATE TABLE IF NOT EXISTS rack (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	key TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	location TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT '',
	gw_ip TEXT NOT NULL DEFAULT '',
	environment TEXT NOT NULL DEFAULT '',
	sku_quota TEXT NOT NULL DEFAULT '{}',
	worker_id INTEGER,
	network_map_id INTEGER,
	meta TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER,
	deleted INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(worker_id) REFERENCES worker(id),
	FOREIGN KEY(network_map_id) REFERENCES network_map(id),
	UNIQUE(name, location, deleted)
);
`
	workerTable = `
CREATE TABLE IF NOT EXISTS worker (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	key TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	location TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER,
	deleted INTEGER NOT NULL DEFAULT 0,
	UNIQUE(name, location, deleted)
);
`
	networkMapTable = `
CREATE TABLE IF NOT EXISTS network_map (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	key TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	pxe_nic TEXT NOT NULL DEFAULT '',
	port_map TEXT NOT NULL DEFAULT '[]',
	unit_base INTEGER NOT NULL DEFAULT 0,
	unit_step INTEGER NOT NULL DEFAULT 1,
	topology TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER,
	deleted INTEGER NOT NULL DEFAULT 0,
	UNIQUE(name, deleted)
);
`
	subnetTable = `
CREATE TABLE IF NOT EXISTS subnet (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	key TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	location TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	ip TEXT NOT NULL,
	mask TEXT NOT NULL,
	gateway TEXT NOT NULL DEFAULT '',
	vlan_tag INTEGER NOT NULL,
	tagged BOOL NOT NULL DEFAULT false,
	first_ip TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER,
	deleted INTEGER NOT NULL DEFAULT 0,
	UNIQUE(ip, vlan_tag, deleted)
);
`
	assetTable = `
CREATE TABLE IF NOT EXISTS asset (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	key TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	serial TEXT NOT NULL,
	brand TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	mac TEXT NOT NULL DEFAULT '',
	ip TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'New',
	location TEXT NOT NULL DEFAULT '',
	protected BOOL NOT NULL DEFAULT false,
	rack_id INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER,
	deleted INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(rack_id) REFERENCES rack(id),
	UNIQUE(serial, deleted)
);
`
	serverTable = `
CREATE TABLE IF NOT EXISTS server (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	key TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'Unknown',
	target_status TEXT NOT NULL DEFAULT 'Unmanaged',
	pxe_mac TEXT NOT NULL DEFAULT '',
	pxe_ip TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT '',
	fqdn TEXT NOT NULL DEFAULT '',
	server_number INTEGER NOT NULL DEFAULT 0,
	rack_unit INTEGER NOT NULL DEFAULT 0,
	hdd_type TEXT NOT NULL DEFAULT '',
	os_args TEXT NOT NULL DEFAULT '{}',
	gw_net TEXT NOT NULL DEFAULT 'mgmt',
	lock_id TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	meta TEXT NOT NULL DEFAULT '{}',
	description TEXT NOT NULL DEFAULT '{}',
	version INTEGER NOT NULL DEFAULT 0,
	asset_id INTEGER NOT NULL,
	cluster_id INTEGER,
	sku_id INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER,
	deleted INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(asset_id) REFERENCES asset(id),
	FOREIGN KEY(cluster_id) REFERENCES cluster(id),
	FOREIGN KEY(sku_id) REFERENCES sku(id),
	UNIQUE(asset_id, deleted)
);
`
	serverInterfaceTable = `
CREATE TABLE IF NOT EXISTS server_interface (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	key TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	mac TEXT NOT NULL DEFAULT '',
	ip TEXT NOT NULL DEFAULT '',
	mask TEXT NOT NULL DEFAULT '',
	gw TEXT NOT NULL DEFAULT '',
	server_id INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER,
	deleted INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(server_id) REFERENCES server(id)
);
`
	networkDeviceTable = `
CREATE TABLE IF NOT EXISTS network_device (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	key TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	asset_id INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER,
	deleted INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(asset_id) REFERENCES asset(id),
	UNIQUE(asset_id, deleted)
);
`
	switchInterfaceTable = `
CREATE TABLE IF NOT EXISTS switch_interface (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	key TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	mac TEXT NOT NULL DEFAULT '',
	ip TEXT NOT NULL DEFAULT '',
	mask TEXT NOT NULL DEFAULT '',
	gw TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	device_id INTEGER NOT NULL,
	subnet_id INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER,
	deleted INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(device_id) REFERENCES network_device(id),
	FOREIGN KEY(subnet_id) REFERENCES subnet(id)
);
`
	portTable = `
CREATE TABLE IF NOT EXISTS port (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	key TEXT NOT NULL DEFAULT '',
	rack_name TEXT NOT NULL,
	device_id TEXT NOT NULL,
	vlan_tag INTEGER NOT NULL,
	ip TEXT NOT NULL,
	mac TEXT NOT NULL DEFAULT '',
	subnet_id INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER,
	deleted INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(subnet_id) REFERENCES subnet(id),
	UNIQUE(ip, deleted)
);
`
	clusterTable = `
CREATE TABLE IF NOT EXISTS cluster (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	key TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	location TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER,
	deleted INTEGER NOT NULL DEFAULT 0,
	UNIQUE(name, location, deleted)
);
`
	skuTable = `
CREATE TABLE IF NOT EXISTS sku (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	key TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	location TEXT NOT NULL DEFAULT '',
	cpu TEXT NOT NULL DEFAULT '',
	ram TEXT NOT NULL DEFAULT '',
	storage TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER,
	deleted INTEGER NOT NULL DEFAULT 0,
	UNIQUE(name, location, deleted)
);
`
	changeLogTable = `
CREATE TABLE IF NOT EXISTS change_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	type TEXT NOT NULL,
	object_id INTEGER NOT NULL,
	old TEXT NOT NULL DEFAULT '',
	new TEXT NOT NULL DEFAULT '',
	user TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`
	schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY NOT NULL,
	applied_at INTEGER NOT NULL
);
`
)

// SchemaVersion is the version recorded by the latest known migration.
const SchemaVersion = 1

var orderedSchemaStmts = []string{
	workerTable,
	networkMapTable,
	rackTable,
	subnetTable,
	assetTable,
	clusterTable,
	skuTable,
	serverTable,
	serverInterfaceTable,
	networkDeviceTable,
	switchInterfaceTable,
	portTable,
	changeLogTable,
	schemaVersionTable,
}

// EnsureSchema applies the inventory schema within a single transaction and
// records the schema version. It is idempotent.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	for _, stmt := range orderedSchemaStmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback() //nolint:errcheck // rollback error is irrelevant here

			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES ($1, $2);",
		SchemaVersion, now())
	if err != nil {
		tx.Rollback() //nolint:errcheck // rollback error is irrelevant here

		return err
	}

	return tx.Commit()
}

// CurrentSchemaVersion returns the highest applied schema version, or 0 when
// the database has no schema yet.
func CurrentSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int

	err := db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version;").Scan(&version)
	if err != nil {
		return 0, err
	}

	return version, nil
}
