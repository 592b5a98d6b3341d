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

// Package master is the coordinator. It serves the operator-facing RPC
// surface on the master@dao task queue: fleet-scoped reads run against the
// inventory directly, rack-scoped commands are routed to the owning worker's
// task queue.
package master

import (
	"context"
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
	"github.com/Symantec/dao-control/internal/processor"
	"github.com/Symantec/dao-control/internal/provision"
	"github.com/Symantec/dao-control/internal/worker"
	"github.com/Symantec/dao-control/internal/workflow"
)

const (
	routeCacheSize = 128
	routeCacheTTL  = time.Minute
)

// Context is carried by every operator call. Location scopes all reads and
// writes; cross-location references fail with a conflict.
type Context struct {
	ReplyTo  string `json:"reply_to"`
	User     string `json:"user"`
	Location string `json:"location"`
}

// transport forwards commands to worker task queues. The Temporal-backed
// implementation lives in transport.go; tests substitute a recorder.
type transport interface {
	Send(ctx context.Context, queue, name string, arg any) error
	Call(ctx context.Context, queue, name string, arg, result any) error
}

type Service struct {
	cfg       *daemon.Config
	store     *db.Store
	transport transport

	// routes caches rack name to worker task queue.
	routes *expirable.LRU[string, string]
}

func NewService(cfg *daemon.Config, store *db.Store, transport transport) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		transport: transport,
		routes:    expirable.NewLRU[string, string](routeCacheSize, nil, routeCacheTTL),
	}
}

type ServerListParam struct {
	Context
	Rack   string `json:"rack,omitempty"`
	Status string `json:"status,omitempty"`
}

type RackListParam struct {
	Context
}

type RackTriggerParam struct {
	Context
	Rack    string            `json:"rack"`
	Target  string            `json:"target"`
	Cluster string            `json:"cluster,omitempty"`
	Role    string            `json:"role,omitempty"`
	HDDType string            `json:"hdd_type,omitempty"`
	OSArgs  map[string]string `json:"os_args,omitempty"`
}

type RackRenumberParam struct {
	Context
	Rack string `json:"rack"`
}

type SwitchDiscoverParam struct {
	Context
	Rack string `json:"rack"`
}

type ServerValidateParam struct {
	Context
	Server string `json:"server"`
}

type ServerProvisionParam struct {
	Context
	Server  string `json:"server"`
	Cluster string `json:"cluster"`
	Role    string `json:"role"`
	OS      string `json:"os"`
}

type ServerStopParam struct {
	Context
	Server string `json:"server"`
	Force  bool   `json:"force"`
}

type ServerDeleteParam struct {
	Context
	Server string `json:"server"`
}

type AssetProtectParam struct {
	Context
	Serial string `json:"serial"`
	On     bool   `json:"on"`
}

type SKUListParam struct {
	Context
}

type OSListParam struct {
	Context
	// Worker selects the worker whose back-end is asked; default is the
	// first registered worker of the location.
	Worker string `json:"worker,omitempty"`
}

type DiscoveryResetParam struct {
	Context
	Worker string `json:"worker,omitempty"`
	MAC    string `json:"mac,omitempty"`
}

type DHCPHookParam struct {
	Context
	IP    string `json:"ip"`
	MAC   string `json:"mac"`
	Force bool   `json:"force"`
}

type HealthParam struct {
	Context
}

type HealthResult struct {
	Location string          `json:"location"`
	Workers  []worker.Health `json:"workers"`
	Failed   []string        `json:"failed,omitempty"`
}

func (s *Service) ConfigurationWorkflows() map[string]any {
	return map[string]any{
		"server-list": workflow.ExecWithResult[ServerListParam,
			[]*db.Server](s.ServerList),
		"rack-list": workflow.ExecWithResult[RackListParam, []*db.Rack](s.RackList),
		"rack-trigger": workflow.ExecWithResult[RackTriggerParam,
			[]processor.TriggerResult](s.RackTrigger),
		"rack-renumber":    workflow.ExecWithResult[RackRenumberParam, int](s.RackRenumber),
		"switch-discover":  workflow.Exec[SwitchDiscoverParam](s.SwitchDiscover),
		"server-validate":  workflow.Exec[ServerValidateParam](s.ServerValidate),
		"server-provision": workflow.Exec[ServerProvisionParam](s.ServerProvision),
		"server-stop":      workflow.Exec[ServerStopParam](s.ServerStop),
		"server-delete":    workflow.Exec[ServerDeleteParam](s.ServerDelete),
		"asset-protect":    workflow.Exec[AssetProtectParam](s.AssetProtect),
		"sku-list":         workflow.ExecWithResult[SKUListParam, []*db.SKU](s.SKUList),
		"os-list": workflow.ExecWithResult[OSListParam,
			[]provision.OS](s.OSList),
		"discovery-reset": workflow.Exec[DiscoveryResetParam](s.DiscoveryReset),
		"dhcp-hook":       workflow.Exec[DHCPHookParam](s.DHCPHook),
		"health-check":    workflow.ExecWithResult[HealthParam, HealthResult](s.Health),
	}
}

func (s *Service) ConfigurationActivities() map[string]any {
	return map[string]any{}
}

// guard rejects calls whose Context names another location than the one
// this coordinator serves.
func (s *Service) guard(opCtx Context) error {
	if opCtx.Location != "" && opCtx.Location != s.cfg.Common.Location {
		return derrors.Conflict("location %q is served by another coordinator",
			opCtx.Location)
	}

	return nil
}

func (s *Service) ServerList(ctx context.Context,
	param ServerListParam) ([]*db.Server, error) {
	if err := s.guard(param.Context); err != nil {
		return nil, err
	}

	racks, err := s.racksInScope(ctx, param.Rack)
	if err != nil {
		return nil, err
	}

	var servers []*db.Server

	for _, rack := range racks {
		rackServers, err := s.store.ServersByRack(ctx, rack.Name, db.Status(param.Status))
		if err != nil {
			return nil, err
		}

		servers = append(servers, rackServers...)
	}

	return servers, nil
}

func (s *Service) racksInScope(ctx context.Context, name string) ([]*db.Rack, error) {
	if name != "" {
		rack, err := s.store.RackGet(ctx, name, s.cfg.Common.Location)
		if err != nil {
			return nil, err
		}

		return []*db.Rack{rack}, nil
	}

	return s.store.RackList(ctx, s.cfg.Common.Location)
}

func (s *Service) RackList(ctx context.Context, param RackListParam) ([]*db.Rack, error) {
	if err := s.guard(param.Context); err != nil {
		return nil, err
	}

	return s.store.RackList(ctx, s.cfg.Common.Location)
}

func (s *Service) RackTrigger(ctx context.Context,
	param RackTriggerParam) ([]processor.TriggerResult, error) {
	if err := s.guard(param.Context); err != nil {
		return nil, err
	}

	queue, err := s.rackQueue(ctx, param.Rack)
	if err != nil {
		return nil, err
	}

	var results []processor.TriggerResult

	err = s.transport.Call(ctx, queue, "rack-trigger", worker.RackTriggerParam{
		RackName: param.Rack,
		Target:   param.Target,
		Cluster:  param.Cluster,
		Role:     param.Role,
		HDDType:  param.HDDType,
		OSArgs:   param.OSArgs,
		User:     param.User,
	}, &results)

	return results, err
}

func (s *Service) RackRenumber(ctx context.Context, param RackRenumberParam) (int, error) {
	if err := s.guard(param.Context); err != nil {
		return 0, err
	}

	queue, err := s.rackQueue(ctx, param.Rack)
	if err != nil {
		return 0, err
	}

	var updated int

	err = s.transport.Call(ctx, queue, "rack-renumber",
		worker.RackRenumberParam{RackName: param.Rack}, &updated)

	return updated, err
}

func (s *Service) SwitchDiscover(ctx context.Context, param SwitchDiscoverParam) error {
	if err := s.guard(param.Context); err != nil {
		return err
	}

	queue, err := s.rackQueue(ctx, param.Rack)
	if err != nil {
		return err
	}

	return s.transport.Call(ctx, queue, "switch-discover",
		worker.SwitchDiscoverParam{RackName: param.Rack}, nil)
}

func (s *Service) ServerValidate(ctx context.Context, param ServerValidateParam) error {
	if err := s.guard(param.Context); err != nil {
		return err
	}

	queue, err := s.serverQueue(ctx, param.Server)
	if err != nil {
		return err
	}

	return s.transport.Send(ctx, queue, "validate-server",
		worker.ValidateServerParam{ServerName: param.Server, User: param.User})
}

func (s *Service) ServerProvision(ctx context.Context, param ServerProvisionParam) error {
	if err := s.guard(param.Context); err != nil {
		return err
	}

	queue, err := s.serverQueue(ctx, param.Server)
	if err != nil {
		return err
	}

	return s.transport.Send(ctx, queue, "provision-server", worker.ProvisionServerParam{
		ServerName: param.Server,
		Cluster:    param.Cluster,
		Role:       param.Role,
		OS:         param.OS,
		User:       param.User,
	})
}

func (s *Service) ServerStop(ctx context.Context, param ServerStopParam) error {
	if err := s.guard(param.Context); err != nil {
		return err
	}

	queue, err := s.serverQueue(ctx, param.Server)
	if err != nil {
		return err
	}

	return s.transport.Call(ctx, queue, "stop-server",
		worker.StopServerParam{ServerName: param.Server, Force: param.Force}, nil)
}

func (s *Service) ServerDelete(ctx context.Context, param ServerDeleteParam) error {
	if err := s.guard(param.Context); err != nil {
		return err
	}

	queue, err := s.serverQueue(ctx, param.Server)
	if err != nil {
		return err
	}

	return s.transport.Call(ctx, queue, "server-delete",
		worker.ServerDeleteParam{ServerName: param.Server}, nil)
}

// AssetProtect toggles the protected flag; a protected asset is exempt from
// all automated changes. Fleet-scoped, with a change-log entry.
func (s *Service) AssetProtect(ctx context.Context, param AssetProtectParam) error {
	if err := s.guard(param.Context); err != nil {
		return err
	}

	asset, err := s.store.AssetGetBySerial(ctx, param.Serial)
	if err != nil {
		return err
	}

	if asset.Location != s.cfg.Common.Location {
		return derrors.Conflict("asset %s lives in %q", param.Serial, asset.Location)
	}

	if asset.Protected == param.On {
		return nil
	}

	before := *asset
	asset.Protected = param.On

	if err := s.store.AssetUpdate(ctx, asset); err != nil {
		return err
	}

	return s.store.ChangeLogAdd(ctx, "asset", asset.ID, &before, asset, param.User)
}

func (s *Service) SKUList(ctx context.Context, param SKUListParam) ([]*db.SKU, error) {
	if err := s.guard(param.Context); err != nil {
		return nil, err
	}

	return s.store.SKUList(ctx, s.cfg.Common.Location)
}

func (s *Service) OSList(ctx context.Context, param OSListParam) ([]provision.OS, error) {
	if err := s.guard(param.Context); err != nil {
		return nil, err
	}

	queue, err := s.workerQueue(ctx, param.Worker)
	if err != nil {
		return nil, err
	}

	var result []provision.OS
	err = s.transport.Call(ctx, queue, "os-list", worker.OSListParam{}, &result)

	return result, err
}

// DiscoveryReset flushes discovery caches on one worker or on all of them.
func (s *Service) DiscoveryReset(ctx context.Context, param DiscoveryResetParam) error {
	if err := s.guard(param.Context); err != nil {
		return err
	}

	if param.Worker != "" {
		row, err := s.store.WorkerGetByName(ctx, param.Worker, s.cfg.Common.Location)
		if err != nil {
			return err
		}

		return s.transport.Send(ctx, row.URL, "discovery-reset",
			worker.DiscoveryResetParam{MAC: param.MAC})
	}

	rows, err := s.store.WorkersByLocation(ctx, s.cfg.Common.Location)
	if err != nil {
		return err
	}

	for _, row := range rows {
		err := s.transport.Send(ctx, row.URL, "discovery-reset",
			worker.DiscoveryResetParam{MAC: param.MAC})
		if err != nil {
			return err
		}
	}

	return nil
}

// DHCPHook routes an operator-injected sighting to the worker owning the
// subnet that contains the address.
func (s *Service) DHCPHook(ctx context.Context, param DHCPHookParam) error {
	if err := s.guard(param.Context); err != nil {
		return err
	}

	ip := net.ParseIP(param.IP)
	if ip == nil {
		return derrors.InvalidData("bad ip %q", param.IP)
	}

	subnet, err := s.store.SubnetByContainment(ctx, s.cfg.Common.Location, ip)
	if err != nil {
		return err
	}

	rack, err := s.store.RackBySubnet(ctx, subnet.ID)
	if err != nil {
		return err
	}

	queue, err := s.rackQueue(ctx, rack.Name)
	if err != nil {
		return err
	}

	return s.transport.Send(ctx, queue, "dhcp-hook", worker.DHCPHookParam{
		IP:    param.IP,
		MAC:   param.MAC,
		Force: param.Force,
	})
}

// Health pings every registered worker of the location.
func (s *Service) Health(ctx context.Context, param HealthParam) (HealthResult, error) {
	result := HealthResult{Location: s.cfg.Common.Location}

	if err := s.guard(param.Context); err != nil {
		return result, err
	}

	rows, err := s.store.WorkersByLocation(ctx, s.cfg.Common.Location)
	if err != nil {
		return result, err
	}

	for _, row := range rows {
		var health worker.Health

		err := s.transport.Call(ctx, row.URL, "health-check",
			worker.HealthParam{}, &health)
		if err != nil {
			result.Failed = append(result.Failed, row.Name)

			continue
		}

		result.Workers = append(result.Workers, health)
	}

	return result, nil
}
