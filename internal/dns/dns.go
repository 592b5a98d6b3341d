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

// Package dns maintains forward and reverse records for provisioned
// servers. The "tool" driver shells out to a site-specific helper, the
// "rfc2136" driver sends dynamic updates straight to the authoritative
// server.
package dns

import (
	"context"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/derrors"
)

// Maintainer keeps A and PTR records in sync for one fqdn/ip pair.
type Maintainer interface {
	Ensure(ctx context.Context, fqdn, ip string) error
	Delete(ctx context.Context, fqdn, ip string) error
}

type factory func(cfg daemon.DNSConfig) (Maintainer, error)

var drivers = map[string]factory{
	"tool":    newToolMaintainer,
	"rfc2136": newRFC2136Maintainer,
}

// New returns the maintainer named by cfg.Driver.
func New(cfg daemon.DNSConfig) (Maintainer, error) {
	create, ok := drivers[cfg.Driver]
	if !ok {
		return nil, derrors.InvalidData("unknown dns driver %q", cfg.Driver)
	}

	return create(cfg)
}
