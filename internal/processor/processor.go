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

// Package processor is the lifecycle state machine. Next moves a server one
// step toward its target status, Error parks it in the matching *WithErrors
// state, RackTrigger starts whole racks moving. The processor only decides
// and records; long-running stage checks live in the worker loop.
package processor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
	"github.com/Symantec/dao-control/internal/provision"
)

// pxeRestarter is the power side of a stage start; *ipmi.Client satisfies it.
type pxeRestarter interface {
	RestartPXE(ctx context.Context, asset *db.Asset) error
}

// rackValidator checks the switch side of a whole rack; *switchval.Validator
// satisfies it.
type rackValidator interface {
	ValidateForRack(ctx context.Context, rack *db.Rack) error
}

type Processor struct {
	store  *db.Store
	prov   provision.Driver
	pxe    pxeRestarter
	netval rackValidator
}

func New(store *db.Store, prov provision.Driver, pxe pxeRestarter,
	netval rackValidator) *Processor {
	return &Processor{store: store, prov: prov, pxe: pxe, netval: netval}
}

// Next advances a server one stage toward its target. Reaching (or
// exceeding) the target releases the lock; a server in a state with no
// outgoing edge toward the target releases the lock too, so nothing stays
// locked forever.
func (p *Processor) Next(ctx context.Context, server *db.Server) error {
	if server.Status.Index() >= server.TargetStatus.Index() {
		return p.finish(ctx, server, "Target status ok")
	}

	switch server.Status {
	case db.StatusUnmanaged:
		return p.startStage(ctx, server, db.StatusValidating, p.prov.ServerS0S1)
	case db.StatusValidated:
		return p.startStage(ctx, server, db.StatusProvisioning, p.prov.ServerS1S2)
	default:
		return p.finish(ctx, server,
			fmt.Sprintf("No path from %s to %s", server.Status, server.TargetStatus))
	}
}

func (p *Processor) startStage(ctx context.Context, server *db.Server,
	next db.Status, stage func(context.Context, *db.Server) error) error {
	// A server only enters Validating once its rack's switch config holds
	// up; one bad ToR would fail the whole rack server by server.
	if next == db.StatusValidating {
		if err := p.validateRack(ctx, server.Rack); err != nil {
			return err
		}
	}

	if err := stage(ctx, server); err != nil {
		return err
	}

	if server.Asset != nil {
		if err := p.pxe.RestartPXE(ctx, server.Asset); err != nil {
			return err
		}
	}

	server.Status = next
	server.Message = ""

	log.Info().
		Str("server", server.Name).
		Str("status", string(next)).
		Str("target", string(server.TargetStatus)).
		Msg("Stage started")

	return p.store.ServerUpdate(ctx, server)
}

// validateRack runs the switch-side rack check and records the verdict on
// the rack row.
func (p *Processor) validateRack(ctx context.Context, rack *db.Rack) error {
	if rack == nil {
		return nil
	}

	if err := p.netval.ValidateForRack(ctx, rack); err != nil {
		return err
	}

	if rack.Status != string(db.StatusValidated) {
		rack.Status = string(db.StatusValidated)

		if err := p.store.RackUpdate(ctx, rack); err != nil {
			return err
		}
	}

	return nil
}

// Error parks the server. Validating failures land in ValidatedWithErrors,
// Provisioning failures in ProvisionedWithErrors, anything else is Unknown.
// The cause becomes the server message, truncated by the store.
func (p *Processor) Error(ctx context.Context, server *db.Server, cause error) error {
	switch server.Status {
	case db.StatusValidating:
		server.Status = db.StatusValidatedWithErrors
	case db.StatusProvisioning:
		server.Status = db.StatusProvisionedWithErrors
	default:
		server.Status = db.StatusUnknown
	}

	server.LockID = ""
	server.Message = cause.Error()

	log.Warn().
		Str("server", server.Name).
		Str("status", string(server.Status)).
		Err(cause).
		Msg("Stage failed")

	return p.store.ServerUpdate(ctx, server)
}

// Stop releases the lock so the worker loop drops the server. The status
// stays; a stopped Validating box is still Validating until re-triggered.
func (p *Processor) Stop(ctx context.Context, server *db.Server) error {
	server.TargetStatus = server.Status

	return p.finish(ctx, server, "Stopped by operator")
}

func (p *Processor) finish(ctx context.Context, server *db.Server, message string) error {
	server.LockID = ""
	server.Message = message

	return p.store.ServerUpdate(ctx, server)
}

// TriggerResult reports what RackTrigger did per server.
type TriggerResult struct {
	ServerName string `json:"server_name"`
	Skipped    string `json:"skipped,omitempty"`
	ServerID   int64  `json:"server_id"`
}

// TriggerRequest describes one rack trigger: the target status plus the
// placement and build parameters stamped on every started server.
type TriggerRequest struct {
	Target  db.Status
	Cluster string
	Role    string
	HDDType string
	OSArgs  map[string]string
	User    string
}

// RackTrigger points every eligible server of a rack at the requested
// target and starts it moving. Busy, protected and ironicated servers are
// skipped, as are servers already at or past the target and servers that
// would need a cluster and role the request does not carry.
func (p *Processor) RackTrigger(ctx context.Context, rack *db.Rack,
	req TriggerRequest) ([]TriggerResult, error) {
	if !req.Target.ValidTarget() {
		return nil, derrors.InvalidData("%q is not a valid target status", req.Target)
	}

	needsPlacement := req.Target.Index() >= db.StatusProvisioned.Index()

	var cluster *db.Cluster

	if req.Cluster != "" {
		var err error

		cluster, err = p.store.ClusterGet(ctx, req.Cluster, rack.Location)
		if err != nil {
			return nil, err
		}
	}

	servers, err := p.store.ServersByRack(ctx, rack.Name, "")
	if err != nil {
		return nil, err
	}

	results := make([]TriggerResult, 0, len(servers))

	for _, server := range servers {
		result := TriggerResult{ServerID: server.ID, ServerName: server.Name}

		switch {
		case server.Locked():
			result.Skipped = "busy"
		case server.Asset != nil && server.Asset.Protected:
			result.Skipped = "protected"
		case server.Ironicated():
			result.Skipped = "managed by ironic"
		case req.Target.Index() <= server.Status.Index():
			result.Skipped = "already at or past target"
		case needsPlacement && (req.Cluster == "" || req.Role == ""):
			result.Skipped = "needs a cluster and role"
		}

		if result.Skipped != "" {
			results = append(results, result)

			continue
		}

		before := *server

		server.TargetStatus = req.Target
		server.LockID = uuid.NewString()

		if cluster != nil {
			server.ClusterID = cluster.ID
			server.Cluster = cluster
		}

		if req.Role != "" {
			server.Role = req.Role
		}

		if req.HDDType != "" {
			server.HDDType = req.HDDType
		}

		if len(req.OSArgs) > 0 {
			if server.OSArgs == nil {
				server.OSArgs = map[string]string{}
			}

			for k, v := range req.OSArgs {
				server.OSArgs[k] = v
			}
		}

		if err := p.store.ServerUpdate(ctx, server); err != nil {
			return nil, err
		}

		if err := p.store.ChangeLogAdd(ctx, "server", server.ID,
			&before, server, req.User); err != nil {
			return nil, err
		}

		if err := p.Next(ctx, server); err != nil {
			// The trigger stands; record the failure and move on to the
			// rest of the rack.
			if errNext := p.Error(ctx, server, err); errNext != nil {
				return nil, errNext
			}
		}

		results = append(results, result)
	}

	return results, nil
}
