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

package master

import (
	"context"

	"github.com/Symantec/dao-control/internal/derrors"
)

// rackQueue resolves the task queue of the worker owning a rack, cached for
// a minute; worker reassignment takes effect on the next cache miss.
func (s *Service) rackQueue(ctx context.Context, rackName string) (string, error) {
	if queue, ok := s.routes.Get(rackName); ok {
		return queue, nil
	}

	rack, err := s.store.RackGet(ctx, rackName, s.cfg.Common.Location)
	if err != nil {
		return "", err
	}

	if rack.WorkerID == 0 {
		return "", derrors.Conflict("rack %s has no worker", rack.Name)
	}

	row, err := s.store.WorkerGet(ctx, rack.WorkerID)
	if err != nil {
		return "", err
	}

	s.routes.Add(rackName, row.URL)

	return row.URL, nil
}

// serverQueue routes a server-scoped command through the server's rack.
func (s *Service) serverQueue(ctx context.Context, serverName string) (string, error) {
	server, err := s.store.ServerGetByName(ctx, serverName)
	if err != nil {
		return "", err
	}

	rack := server.Rack
	if rack == nil && server.Asset != nil {
		rack = server.Asset.Rack
	}

	if rack == nil {
		return "", derrors.InvalidData("server %s has no rack", serverName)
	}

	if rack.Location != s.cfg.Common.Location {
		return "", derrors.Conflict("server %s lives in %q", serverName, rack.Location)
	}

	return s.rackQueue(ctx, rack.Name)
}

// workerQueue picks a named worker, or any registered one when the caller
// does not care.
func (s *Service) workerQueue(ctx context.Context, name string) (string, error) {
	if name != "" {
		row, err := s.store.WorkerGetByName(ctx, name, s.cfg.Common.Location)
		if err != nil {
			return "", err
		}

		return row.URL, nil
	}

	rows, err := s.store.WorkersByLocation(ctx, s.cfg.Common.Location)
	if err != nil {
		return "", err
	}

	if len(rows) == 0 {
		return "", derrors.NotFound("no workers registered in %q",
			s.cfg.Common.Location)
	}

	return rows[0].URL, nil
}
