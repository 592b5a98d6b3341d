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

// Package worker is the per-location rack worker. It registers itself in the
// inventory, exposes rack-scoped operations as Temporal workflows on its own
// task queue, and runs the periodic loop that advances Validating and
// Provisioning servers.
package worker

import (
	"context"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
	"github.com/Symantec/dao-control/internal/processor"
	"github.com/Symantec/dao-control/internal/provision"
	"github.com/Symantec/dao-control/internal/switchval"
	"github.com/Symantec/dao-control/internal/validation"
	"github.com/Symantec/dao-control/internal/workflow"
)

// validationAgent is the in-band agent side of a stage check;
// *validation.Client satisfies it.
type validationAgent interface {
	Ping(ctx context.Context, ip string) error
	ServerInfo(ctx context.Context, ip string) (*validation.HardwareInfo, error)
	ConfigureRAID(ctx context.Context, ip string, server *db.Server) (string, error)
	RunScript(ctx context.Context, ip string, server *db.Server) (string, error)
}

// serverValidator is the switch side; *switchval.Validator satisfies it.
type serverValidator interface {
	ValidateForServer(ctx context.Context, rack *db.Rack, server *db.Server) error
	ServerPlacement(ctx context.Context, rack *db.Rack, mac string) (*switchval.Placement, error)
	Discover(ctx context.Context, rack *db.Rack) error
	Forget(rackName string)
}

// skuMatcher pins hardware to a catalog entry and keeps the per-rack SKU
// counts current; *sku.Matcher satisfies it.
type skuMatcher interface {
	Match(ctx context.Context, location string, info *validation.HardwareInfo) (*db.SKU, error)
	UpdateRackQuota(ctx context.Context, rack *db.Rack) error
}

// discoveryEngine receives DHCP sightings; *discovery.Engine satisfies it.
type discoveryEngine interface {
	DHCPSighting(ctx context.Context, ip, mac string) error
	ForcedSighting(ctx context.Context, ip, mac string) error
	ForgetMAC(mac string)
	Reset()
}

// portAllocator releases leases on decommission; *allocator.Allocator
// satisfies it.
type portAllocator interface {
	DeleteForSerial(ctx context.Context, serial, ignoredNet string) error
	EnsureSubnets(ctx context.Context, workerID int64) error
}

// Deps are the collaborators of one worker process, composed in main.
type Deps struct {
	Store  *db.Store
	Proc   *processor.Processor
	Prov   provision.Driver
	Agent  validationAgent
	SKU    skuMatcher
	Switch serverValidator
	Engine discoveryEngine
	Alloc  portAllocator
	Hooks  []Hook
}

type Service struct {
	cfg   *daemon.Config
	deps  Deps
	tasks *taskRegistry

	// row is the inventory registration, set by Register.
	row *db.Worker
}

func NewService(cfg *daemon.Config, deps Deps) *Service {
	return &Service{
		cfg:   cfg,
		deps:  deps,
		tasks: newTaskRegistry(),
	}
}

// Register upserts this worker's inventory row by (name, location) and syncs
// the DHCP plane subnets of every owned rack.
func (s *Service) Register(ctx context.Context, taskQueue string) error {
	row, err := s.deps.Store.WorkerUpsert(ctx,
		s.cfg.Worker.Name, s.cfg.Common.Location, taskQueue)
	if err != nil {
		return err
	}

	s.row = row

	return s.deps.Alloc.EnsureSubnets(ctx, row.ID)
}

type ValidateServerParam struct {
	ServerName string `json:"server_name"`
	User       string `json:"user"`
}

type ProvisionServerParam struct {
	ServerName string `json:"server_name"`
	Cluster    string `json:"cluster"`
	Role       string `json:"role"`
	OS         string `json:"os"`
	User       string `json:"user"`
}

type StopServerParam struct {
	ServerName string `json:"server_name"`
	Force      bool   `json:"force"`
}

type DHCPHookParam struct {
	IP    string `json:"ip"`
	MAC   string `json:"mac"`
	Force bool   `json:"force"`
}

type RackTriggerParam struct {
	RackName string            `json:"rack_name"`
	Target   string            `json:"target"`
	Cluster  string            `json:"cluster"`
	Role     string            `json:"role"`
	HDDType  string            `json:"hdd_type,omitempty"`
	OSArgs   map[string]string `json:"os_args,omitempty"`
	User     string            `json:"user"`
}

type RackRenumberParam struct {
	RackName string `json:"rack_name"`
}

type SwitchDiscoverParam struct {
	RackName string `json:"rack_name"`
}

type ServerDeleteParam struct {
	ServerName string `json:"server_name"`
}

type OSListParam struct{}

type DiscoveryResetParam struct {
	MAC string `json:"mac,omitempty"`
}

type HealthParam struct{}

type Health struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Racks    int    `json:"racks"`
}

func (s *Service) ConfigurationWorkflows() map[string]any {
	return map[string]any{
		"validate-server":  workflow.Exec[ValidateServerParam](s.ValidateServer),
		"provision-server": workflow.Exec[ProvisionServerParam](s.ProvisionServer),
		"stop-server":      workflow.Exec[StopServerParam](s.StopServer),
		"dhcp-hook":        workflow.Exec[DHCPHookParam](s.DHCPHook),
		"rack-trigger": workflow.ExecWithResult[RackTriggerParam,
			[]processor.TriggerResult](s.RackTrigger),
		"rack-renumber":   workflow.ExecWithResult[RackRenumberParam, int](s.RackRenumber),
		"switch-discover": workflow.Exec[SwitchDiscoverParam](s.SwitchDiscover),
		"server-delete":   workflow.Exec[ServerDeleteParam](s.ServerDelete),
		"os-list":         workflow.ExecWithResult[OSListParam, []provision.OS](s.OSList),
		"discovery-reset": workflow.Exec[DiscoveryResetParam](
			s.DiscoveryReset),
		"health-check": workflow.ExecWithResult[HealthParam, Health](s.Health),
	}
}

func (s *Service) ConfigurationActivities() map[string]any {
	return map[string]any{}
}

// ValidateServer points one server at Validated and starts it moving.
func (s *Service) ValidateServer(ctx context.Context, param ValidateServerParam) error {
	server, err := s.loadIdleServer(ctx, param.ServerName)
	if err != nil {
		return err
	}

	return s.trigger(ctx, server, db.StatusValidated, nil, "", param.User)
}

// ProvisionServer points one server at Provisioned. Cluster, role and OS are
// mandatory; a box cannot be built without a destination.
func (s *Service) ProvisionServer(ctx context.Context, param ProvisionServerParam) error {
	if param.Cluster == "" || param.Role == "" || param.OS == "" {
		return derrors.InvalidData("provisioning needs cluster, role and os")
	}

	server, err := s.loadIdleServer(ctx, param.ServerName)
	if err != nil {
		return err
	}

	cluster, err := s.deps.Store.ClusterGet(ctx, param.Cluster, s.cfg.Common.Location)
	if err != nil {
		return err
	}

	if server.OSArgs == nil {
		server.OSArgs = map[string]string{}
	}

	server.OSArgs["os"] = param.OS
	server.Role = param.Role

	return s.trigger(ctx, server, db.StatusProvisioned, cluster, param.Role, param.User)
}

func (s *Service) loadIdleServer(ctx context.Context, name string) (*db.Server, error) {
	server, err := s.deps.Store.ServerGetByName(ctx, name)
	if err != nil {
		return nil, err
	}

	switch {
	case server.Locked():
		return nil, derrors.Conflict("server %s is busy", name)
	case server.Asset != nil && server.Asset.Protected:
		return nil, derrors.Conflict("server %s is protected", name)
	case server.Ironicated():
		return nil, derrors.Conflict("server %s is managed by ironic", name)
	}

	return server, nil
}

func (s *Service) trigger(ctx context.Context, server *db.Server,
	target db.Status, cluster *db.Cluster, role, user string) error {
	before := *server

	server.TargetStatus = target
	server.LockID = newLockID()

	if cluster != nil {
		server.ClusterID = cluster.ID
		server.Cluster = cluster
	}

	if role != "" {
		server.Role = role
	}

	if err := s.deps.Store.ServerUpdate(ctx, server); err != nil {
		return err
	}

	if err := s.deps.Store.ChangeLogAdd(ctx, "server", server.ID,
		&before, server, user); err != nil {
		return err
	}

	if err := s.deps.Proc.Next(ctx, server); err != nil {
		return s.deps.Proc.Error(ctx, server, err)
	}

	return nil
}

// StopServer cancels the in-flight stage task of a server. Without a task,
// Force breaks the lock and parks the server in Unknown.
func (s *Service) StopServer(ctx context.Context, param StopServerParam) error {
	server, err := s.deps.Store.ServerGetByName(ctx, param.ServerName)
	if err != nil {
		return err
	}

	if server.Status != db.StatusValidating && server.Status != db.StatusProvisioning {
		return derrors.InvalidData(
			"server %s is %s; only validating or provisioning servers can be stopped",
			server.Name, server.Status)
	}

	if s.tasks.cancel(server.ID) {
		return nil
	}

	if !param.Force {
		return derrors.NotFound("no running task for server %s", server.Name)
	}

	server.Status = db.StatusUnknown
	server.LockID = ""
	server.Message = "Force unlocked by operator"

	return s.deps.Store.ServerUpdate(ctx, server)
}

// DHCPHook feeds one sighting into the discovery engine. Force flushes prior
// verdicts for the MAC and overrides a disabled auto-enroll, so operators
// can retry an ignored BMC.
func (s *Service) DHCPHook(ctx context.Context, param DHCPHookParam) error {
	if param.Force {
		s.deps.Engine.ForgetMAC(param.MAC)

		return s.deps.Engine.ForcedSighting(ctx, param.IP, param.MAC)
	}

	return s.deps.Engine.DHCPSighting(ctx, param.IP, param.MAC)
}

// RackTrigger starts every eligible server of an owned rack toward target.
func (s *Service) RackTrigger(ctx context.Context,
	param RackTriggerParam) ([]processor.TriggerResult, error) {
	rack, err := s.ownedRack(ctx, param.RackName)
	if err != nil {
		return nil, err
	}

	return s.deps.Proc.RackTrigger(ctx, rack, processor.TriggerRequest{
		Target:  db.Status(param.Target),
		Cluster: param.Cluster,
		Role:    param.Role,
		HDDType: param.HDDType,
		OSArgs:  param.OSArgs,
		User:    param.User,
	})
}

// RackRenumber recomputes server_number and rack_unit for every server of a
// rack from the switch port map, and gives discovery-named servers their
// canonical name. Returns the number of updated servers.
func (s *Service) RackRenumber(ctx context.Context, param RackRenumberParam) (int, error) {
	rack, err := s.ownedRack(ctx, param.RackName)
	if err != nil {
		return 0, err
	}

	servers, err := s.deps.Store.ServersByRack(ctx, rack.Name, "")
	if err != nil {
		return 0, err
	}

	updated := 0

	for _, server := range servers {
		if server.PXEMac == "" || server.Locked() {
			continue
		}

		placement, err := s.deps.Switch.ServerPlacement(ctx, rack, server.PXEMac)
		if err != nil {
			// An uncabled or moved box keeps its old numbers.
			continue
		}

		server.ServerNumber = placement.ServerNumber
		server.RackUnit = placement.RackUnit
		s.assignName(server, rack)

		if err := s.deps.Store.ServerUpdate(ctx, server); err != nil {
			return updated, err
		}

		updated++
	}

	return updated, nil
}

// SwitchDiscover enumerates the switches of an owned rack and records them
// as network device assets. The cached rack verify result is dropped so the
// next validation sees the fresh cabling.
func (s *Service) SwitchDiscover(ctx context.Context, param SwitchDiscoverParam) error {
	rack, err := s.ownedRack(ctx, param.RackName)
	if err != nil {
		return err
	}

	if err := s.deps.Switch.Discover(ctx, rack); err != nil {
		return err
	}

	s.deps.Switch.Forget(rack.Name)

	return nil
}

// ServerDelete tears a server down: provisioning host record, DNS entries
// and DHCP leases go, the server row is soft-deleted, the asset stays so the
// next DHCP sighting re-enrolls it.
func (s *Service) ServerDelete(ctx context.Context, param ServerDeleteParam) error {
	server, err := s.deps.Store.ServerGetByName(ctx, param.ServerName)
	if err != nil {
		return err
	}

	if server.Locked() {
		return derrors.Conflict("server %s is busy", server.Name)
	}

	if err := s.deps.Prov.ServerDelete(ctx, server); err != nil {
		return err
	}

	for _, hook := range s.deps.Hooks {
		if err := hook.Deleted(ctx, server); err != nil {
			return err
		}
	}

	if server.Asset != nil {
		err = s.deps.Alloc.DeleteForSerial(ctx, server.Asset.Serial, "ipmi")
		if err != nil {
			return err
		}

		// The sighting cache keys on the BMC MAC; flush it so the next
		// lease re-enrolls the kept asset.
		s.deps.Engine.ForgetMAC(server.Asset.MAC)
	}

	s.deps.Engine.ForgetMAC(server.PXEMac)

	return s.deps.Store.ServerSoftDelete(ctx, server)
}

func (s *Service) OSList(ctx context.Context, _ OSListParam) ([]provision.OS, error) {
	return s.deps.Prov.OSList(ctx)
}

// DiscoveryReset flushes the sighting caches, wholesale or for one MAC.
func (s *Service) DiscoveryReset(_ context.Context, param DiscoveryResetParam) error {
	if param.MAC == "" {
		s.deps.Engine.Reset()

		return nil
	}

	s.deps.Engine.ForgetMAC(param.MAC)

	return nil
}

func (s *Service) Health(ctx context.Context, _ HealthParam) (Health, error) {
	health := Health{
		Name:     s.cfg.Worker.Name,
		Location: s.cfg.Common.Location,
	}

	if s.row == nil {
		return health, derrors.InvalidData("worker is not registered")
	}

	racks, err := s.deps.Store.RacksByWorker(ctx, s.row.ID)
	if err != nil {
		return health, err
	}

	health.Racks = len(racks)

	return health, nil
}

// ownedRack loads a rack of this location and rejects racks owned by another
// worker; a misrouted command must never advance foreign servers.
func (s *Service) ownedRack(ctx context.Context, name string) (*db.Rack, error) {
	rack, err := s.deps.Store.RackGet(ctx, name, s.cfg.Common.Location)
	if err != nil {
		return nil, err
	}

	if s.row == nil || rack.WorkerID != s.row.ID {
		return nil, derrors.Conflict("rack %s is not owned by worker %s",
			rack.Name, s.cfg.Worker.Name)
	}

	return rack, nil
}
