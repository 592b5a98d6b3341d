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

	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
	"github.com/Symantec/dao-control/internal/dns"
)

// Hook observes lifecycle milestones. Hooks run in order after the status is
// persisted; a hook failure fails the stage.
type Hook interface {
	Validated(ctx context.Context, server *db.Server) error
	Provisioned(ctx context.Context, server *db.Server) error
	Deleted(ctx context.Context, server *db.Server) error
}

type hookFactory func(maintainer dns.Maintainer) Hook

var hooks = map[string]hookFactory{
	"noop": func(dns.Maintainer) Hook { return NopHook{} },
	"dns":  func(m dns.Maintainer) Hook { return &DNSHook{maintainer: m} },
}

// NewHook returns the hook registered under name.
func NewHook(name string, maintainer dns.Maintainer) (Hook, error) {
	create, ok := hooks[name]
	if !ok {
		return nil, derrors.InvalidData("unknown hook %q", name)
	}

	return create(maintainer), nil
}

type NopHook struct{}

func (NopHook) Validated(context.Context, *db.Server) error   { return nil }
func (NopHook) Provisioned(context.Context, *db.Server) error { return nil }
func (NopHook) Deleted(context.Context, *db.Server) error     { return nil }

// DNSHook keeps A and PTR records current for servers that reach
// Provisioned, and removes them again on delete via the maintainer.
type DNSHook struct {
	maintainer dns.Maintainer
}

func (h *DNSHook) Validated(context.Context, *db.Server) error { return nil }

func (h *DNSHook) Provisioned(ctx context.Context, server *db.Server) error {
	fqdn := server.FQDN
	if fqdn == "" {
		fqdn = server.Name
	}

	if fqdn == "" || server.PXEIP == "" {
		return nil
	}

	return h.maintainer.Ensure(ctx, fqdn, server.PXEIP)
}

func (h *DNSHook) Deleted(ctx context.Context, server *db.Server) error {
	fqdn := server.FQDN
	if fqdn == "" {
		fqdn = server.Name
	}

	if fqdn == "" || server.PXEIP == "" {
		return nil
	}

	return h.maintainer.Delete(ctx, fqdn, server.PXEIP)
}
