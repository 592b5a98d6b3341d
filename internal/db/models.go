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
	"encoding/json"
	"net"
)

// scanner is satisfied by both *sql.Row and *sql.Rows so the same ScanRow
// helpers serve single-row and list queries.
type scanner interface {
	Scan(dest ...any) error
}

type common struct {
	Key       string `json:"key"`
	ID        int64  `json:"id"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	DeletedAt int64  `json:"deleted_at,omitempty"`
	Deleted   int64  `json:"-"`
}

func (c *common) scanCommonTail(deletedAt *int64) {
	if deletedAt != nil {
		c.DeletedAt = *deletedAt
	}
}

type Worker struct {
	common
	Name     string `json:"name"`
	Location string `json:"location"`
	URL      string `json:"url"`
}

func (w *Worker) ScanRow(row scanner) error {
	var deletedAt *int64

	err := row.Scan(
		&w.ID,
		&w.Key,
		&w.Name,
		&w.Location,
		&w.URL,
		&w.CreatedAt,
		&w.UpdatedAt,
		&deletedAt,
		&w.Deleted,
	)
	if err != nil {
		return err
	}

	w.scanCommonTail(deletedAt)

	return nil
}

// PortMapEntry maps a physical switch port to a server number. The set of
// entries replaces any computed port-to-number expression: resolution is a
// plain table lookup.
type PortMapEntry struct {
	SwitchIndex  int `json:"switch_index"`
	PortNo       int `json:"port_no"`
	ServerNumber int `json:"server_number"`
}

// Bond describes a link-aggregation group in a rack's topology.
type Bond struct {
	Name   string   `json:"name"`
	Slaves []string `json:"slaves"`
	Nets   []string `json:"nets"`
}

// Topology captures the per-rack interface/bond/vlan layout.
type Topology struct {
	Bonds []Bond   `json:"bonds"`
	Nets  []string `json:"nets"`
}

// NetworkMap is the declarative description of a rack's physical network.
// Immutable once referenced by a rack in production.
type NetworkMap struct {
	common
	Name     string         `json:"name"`
	PXENic   string         `json:"pxe_nic"`
	PortMap  []PortMapEntry `json:"port_map"`
	Topology Topology       `json:"topology"`
	UnitBase int            `json:"unit_base"`
	UnitStep int            `json:"unit_step"`
}

func (n *NetworkMap) ScanRow(row scanner) error {
	var (
		deletedAt         *int64
		portMap, topology string
	)

	err := row.Scan(
		&n.ID,
		&n.Key,
		&n.Name,
		&n.PXENic,
		&portMap,
		&n.UnitBase,
		&n.UnitStep,
		&topology,
		&n.CreatedAt,
		&n.UpdatedAt,
		&deletedAt,
		&n.Deleted,
	)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(portMap), &n.PortMap); err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(topology), &n.Topology); err != nil {
		return err
	}

	n.scanCommonTail(deletedAt)

	return nil
}

// ServerNumber resolves (switchIndex, portNo) through the port map.
// The boolean is false when the port is not mapped.
func (n *NetworkMap) ServerNumber(switchIndex, portNo int) (int, bool) {
	for _, e := range n.PortMap {
		if e.SwitchIndex == switchIndex && e.PortNo == portNo {
			return e.ServerNumber, true
		}
	}

	return 0, false
}

// RackUnit converts a server number to a rack unit.
func (n *NetworkMap) RackUnit(serverNumber int) int {
	step := n.UnitStep
	if step == 0 {
		step = 1
	}

	return n.UnitBase + step*serverNumber
}

type Rack struct {
	common
	Name         string         `json:"name"`
	Location     string         `json:"location"`
	Status       string         `json:"status"`
	GatewayIP    string         `json:"gw_ip"`
	Environment  string         `json:"environment"`
	Meta         map[string]any `json:"meta"`
	// SKUQuota counts the assigned servers per SKU name, recomputed after
	// every SKU match.
	SKUQuota     map[string]int `json:"sku_quota"`
	WorkerID     int64          `json:"worker_id"`
	NetworkMapID int64          `json:"network_map_id"`

	// Joined, populated by the joined reads only.
	Worker     *Worker     `json:"-"`
	NetworkMap *NetworkMap `json:"-"`
}

func (r *Rack) ScanRow(row scanner) error {
	var (
		deletedAt              *int64
		workerID, networkMapID *int64
		meta, skuQuota         string
	)

	err := row.Scan(
		&r.ID,
		&r.Key,
		&r.Name,
		&r.Location,
		&r.Status,
		&r.GatewayIP,
		&r.Environment,
		&skuQuota,
		&workerID,
		&networkMapID,
		&meta,
		&r.CreatedAt,
		&r.UpdatedAt,
		&deletedAt,
		&r.Deleted,
	)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(meta), &r.Meta); err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(skuQuota), &r.SKUQuota); err != nil {
		return err
	}

	if workerID != nil {
		r.WorkerID = *workerID
	}

	if networkMapID != nil {
		r.NetworkMapID = *networkMapID
	}

	r.scanCommonTail(deletedAt)

	return nil
}

type Subnet struct {
	common
	Name     string `json:"name"`
	Location string `json:"location"`
	Type     string `json:"type"`
	IP       string `json:"ip"`
	Mask     string `json:"mask"`
	Gateway  string `json:"gateway"`
	FirstIP  string `json:"first_ip"`
	VlanTag  int    `json:"vlan_tag"`
	Tagged   bool   `json:"tagged"`
}

func (s *Subnet) ScanRow(row scanner) error {
	var deletedAt *int64

	err := row.Scan(
		&s.ID,
		&s.Key,
		&s.Name,
		&s.Location,
		&s.Type,
		&s.IP,
		&s.Mask,
		&s.Gateway,
		&s.VlanTag,
		&s.Tagged,
		&s.FirstIP,
		&s.CreatedAt,
		&s.UpdatedAt,
		&deletedAt,
		&s.Deleted,
	)
	if err != nil {
		return err
	}

	s.scanCommonTail(deletedAt)

	return nil
}

// IPNet returns the subnet as a *net.IPNet.
func (s *Subnet) IPNet() *net.IPNet {
	ip := net.ParseIP(s.IP)
	mask := net.IPMask(net.ParseIP(s.Mask).To4())

	if ip == nil || mask == nil {
		return nil
	}

	return &net.IPNet{IP: ip.Mask(mask), Mask: mask}
}

// Contains reports whether ip belongs to the subnet.
func (s *Subnet) Contains(ip net.IP) bool {
	n := s.IPNet()

	return n != nil && n.Contains(ip)
}

type Asset struct {
	common
	Name      string `json:"name"`
	Serial    string `json:"serial"`
	Brand     string `json:"brand"`
	Model     string `json:"model"`
	MAC       string `json:"mac"`
	IP        string `json:"ip"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Location  string `json:"location"`
	Protected bool   `json:"protected"`
	RackID    int64  `json:"rack_id"`

	Rack *Rack `json:"-"`
}

func (a *Asset) ScanRow(row scanner) error {
	var (
		deletedAt *int64
		rackID    *int64
	)

	err := row.Scan(
		&a.ID,
		&a.Key,
		&a.Name,
		&a.Serial,
		&a.Brand,
		&a.Model,
		&a.MAC,
		&a.IP,
		&a.Type,
		&a.Status,
		&a.Location,
		&a.Protected,
		&rackID,
		&a.CreatedAt,
		&a.UpdatedAt,
		&deletedAt,
		&a.Deleted,
	)
	if err != nil {
		return err
	}

	if rackID != nil {
		a.RackID = *rackID
	}

	a.scanCommonTail(deletedAt)

	return nil
}

type Server struct {
	common
	Name         string            `json:"name"`
	Status       Status            `json:"status"`
	TargetStatus Status            `json:"target_status"`
	PXEMac       string            `json:"pxe_mac"`
	PXEIP        string            `json:"pxe_ip"`
	Role         string            `json:"role"`
	FQDN         string            `json:"fqdn"`
	HDDType      string            `json:"hdd_type"`
	OSArgs       map[string]string `json:"os_args"`
	GatewayNet   string            `json:"gw_net"`
	LockID       string            `json:"lock_id"`
	Message      string            `json:"message"`
	Meta         map[string]any    `json:"meta"`
	Description  map[string]any    `json:"description"`
	ServerNumber int               `json:"server_number"`
	RackUnit     int               `json:"rack_unit"`
	Version      int64             `json:"version"`
	AssetID      int64             `json:"asset_id"`
	ClusterID    int64             `json:"cluster_id"`
	SKUID        int64             `json:"sku_id"`

	// Joined, populated by the joined reads only.
	Asset      *Asset             `json:"-"`
	Rack       *Rack              `json:"-"`
	Cluster    *Cluster           `json:"-"`
	Interfaces []*ServerInterface `json:"-"`
}

func (s *Server) ScanRow(row scanner) error {
	var (
		deletedAt           *int64
		clusterID, skuID    *int64
		osArgs, meta, descr string
	)

	err := row.Scan(
		&s.ID,
		&s.Key,
		&s.Name,
		&s.Status,
		&s.TargetStatus,
		&s.PXEMac,
		&s.PXEIP,
		&s.Role,
		&s.FQDN,
		&s.ServerNumber,
		&s.RackUnit,
		&s.HDDType,
		&osArgs,
		&s.GatewayNet,
		&s.LockID,
		&s.Message,
		&meta,
		&descr,
		&s.Version,
		&s.AssetID,
		&clusterID,
		&skuID,
		&s.CreatedAt,
		&s.UpdatedAt,
		&deletedAt,
		&s.Deleted,
	)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(osArgs), &s.OSArgs); err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(meta), &s.Meta); err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(descr), &s.Description); err != nil {
		return err
	}

	if clusterID != nil {
		s.ClusterID = *clusterID
	}

	if skuID != nil {
		s.SKUID = *skuID
	}

	s.scanCommonTail(deletedAt)

	return nil
}

// Locked reports whether a task currently claims this server.
func (s *Server) Locked() bool {
	return s.LockID != ""
}

// Ironicated reports whether the server is under external control and must
// not be driven by the state machine.
func (s *Server) Ironicated() bool {
	v, ok := s.Meta["ironicated"].(bool)

	return ok && v
}

type ServerInterface struct {
	common
	Name     string `json:"name"`
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Mask     string `json:"mask"`
	Gateway  string `json:"gw"`
	ServerID int64  `json:"server_id"`
}

func (i *ServerInterface) ScanRow(row scanner) error {
	var deletedAt *int64

	err := row.Scan(
		&i.ID,
		&i.Key,
		&i.Name,
		&i.MAC,
		&i.IP,
		&i.Mask,
		&i.Gateway,
		&i.ServerID,
		&i.CreatedAt,
		&i.UpdatedAt,
		&deletedAt,
		&i.Deleted,
	)
	if err != nil {
		return err
	}

	i.scanCommonTail(deletedAt)

	return nil
}

type NetworkDevice struct {
	common
	Name    string `json:"name"`
	AssetID int64  `json:"asset_id"`

	Asset      *Asset             `json:"-"`
	Interfaces []*SwitchInterface `json:"-"`
}

func (d *NetworkDevice) ScanRow(row scanner) error {
	var deletedAt *int64

	err := row.Scan(
		&d.ID,
		&d.Key,
		&d.Name,
		&d.AssetID,
		&d.CreatedAt,
		&d.UpdatedAt,
		&deletedAt,
		&d.Deleted,
	)
	if err != nil {
		return err
	}

	d.scanCommonTail(deletedAt)

	return nil
}

type SwitchInterface struct {
	common
	Name     string `json:"name"`
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Mask     string `json:"mask"`
	Gateway  string `json:"gw"`
	State    string `json:"state"`
	DeviceID int64  `json:"device_id"`
	SubnetID int64  `json:"subnet_id"`
}

func (i *SwitchInterface) ScanRow(row scanner) error {
	var (
		deletedAt *int64
		subnetID  *int64
	)

	err := row.Scan(
		&i.ID,
		&i.Key,
		&i.Name,
		&i.MAC,
		&i.IP,
		&i.Mask,
		&i.Gateway,
		&i.State,
		&i.DeviceID,
		&subnetID,
		&i.CreatedAt,
		&i.UpdatedAt,
		&deletedAt,
		&i.Deleted,
	)
	if err != nil {
		return err
	}

	if subnetID != nil {
		i.SubnetID = *subnetID
	}

	i.scanCommonTail(deletedAt)

	return nil
}

// Port is a DHCP lease record, keyed by serial for idempotent allocation.
type Port struct {
	common
	RackName string `json:"rack_name"`
	DeviceID string `json:"device_id"`
	IP       string `json:"ip"`
	MAC      string `json:"mac"`
	VlanTag  int    `json:"vlan_tag"`
	SubnetID int64  `json:"subnet_id"`
}

func (p *Port) ScanRow(row scanner) error {
	var (
		deletedAt *int64
		subnetID  *int64
	)

	err := row.Scan(
		&p.ID,
		&p.Key,
		&p.RackName,
		&p.DeviceID,
		&p.VlanTag,
		&p.IP,
		&p.MAC,
		&subnetID,
		&p.CreatedAt,
		&p.UpdatedAt,
		&deletedAt,
		&p.Deleted,
	)
	if err != nil {
		return err
	}

	if subnetID != nil {
		p.SubnetID = *subnetID
	}

	p.scanCommonTail(deletedAt)

	return nil
}

type Cluster struct {
	common
	Name     string `json:"name"`
	Location string `json:"location"`
	Type     string `json:"type"`
}

func (c *Cluster) ScanRow(row scanner) error {
	var deletedAt *int64

	err := row.Scan(
		&c.ID,
		&c.Key,
		&c.Name,
		&c.Location,
		&c.Type,
		&c.CreatedAt,
		&c.UpdatedAt,
		&deletedAt,
		&c.Deleted,
	)
	if err != nil {
		return err
	}

	c.scanCommonTail(deletedAt)

	return nil
}

// SKU is a catalog entry matched by exact string equality during validation.
type SKU struct {
	common
	Name        string `json:"name"`
	Location    string `json:"location"`
	CPU         string `json:"cpu"`
	RAM         string `json:"ram"`
	Storage     string `json:"storage"`
	Description string `json:"description"`
}

func (s *SKU) ScanRow(row scanner) error {
	var deletedAt *int64

	err := row.Scan(
		&s.ID,
		&s.Key,
		&s.Name,
		&s.Location,
		&s.CPU,
		&s.RAM,
		&s.Storage,
		&s.Description,
		&s.CreatedAt,
		&s.UpdatedAt,
		&deletedAt,
		&s.Deleted,
	)
	if err != nil {
		return err
	}

	s.scanCommonTail(deletedAt)

	return nil
}

// ChangeLog is an append-only record of an auditable mutation.
type ChangeLog struct {
	Type      string `json:"type"`
	Old       string `json:"old"`
	New       string `json:"new"`
	User      string `json:"user"`
	ID        int64  `json:"id"`
	ObjectID  int64  `json:"object_id"`
	CreatedAt int64  `json:"created_at"`
}

func (c *ChangeLog) ScanRow(row scanner) error {
	return row.Scan(
		&c.ID,
		&c.Type,
		&c.ObjectID,
		&c.Old,
		&c.New,
		&c.User,
		&c.CreatedAt,
	)
}
