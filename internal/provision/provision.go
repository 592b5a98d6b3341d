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

// Package provision drives the OS installation backend. Stage S0->S1 puts a
// server into the verification OS, S1->S2 installs the target OS for its
// role. Foreman is the only wired driver; the registry keeps the seam.
package provision

import (
	"context"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
)

// OS is one installable operating system of the backend.
type OS struct {
	Name  string `json:"name"`
	Title string `json:"title"`
	ID    int64  `json:"id"`
}

// Driver is the provisioning backend contract. IsProvisioned returns nil
// once the install finished and the host is reachable; before that it
// returns ProvisionIncomplete with a human-readable wait reason.
type Driver interface {
	ServerS0S1(ctx context.Context, server *db.Server) error
	ServerS1S2(ctx context.Context, server *db.Server) error
	ServerDelete(ctx context.Context, server *db.Server) error
	IsProvisioned(ctx context.Context, server *db.Server) error
	OSList(ctx context.Context) ([]OS, error)
}

type factory func(cfg daemon.ForemanConfig, store *db.Store, orch *Orchestrator) (Driver, error)

var drivers = map[string]factory{
	"foreman": newForemanDriver,
}

// New returns the driver registered under name.
func New(name string, cfg daemon.ForemanConfig, store *db.Store,
	orch *Orchestrator) (Driver, error) {
	create, ok := drivers[name]
	if !ok {
		return nil, derrors.InvalidData("unknown provisioning driver %q", name)
	}

	return create(cfg, store, orch)
}
