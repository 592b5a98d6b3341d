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
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
)

// scanInterval is a variable so tests can shrink it.
var scanInterval = 30 * time.Second

func newLockID() string {
	return uuid.NewString()
}

// taskRegistry enforces per-server mutual exclusion across the stage-check
// goroutines and carries the cancel handles stop-server uses.
type taskRegistry struct {
	mu    sync.Mutex
	tasks map[int64]context.CancelFunc
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{tasks: make(map[int64]context.CancelFunc)}
}

// claim reserves a server id and returns a cancelable child context. A
// second claim of the same id fails fast.
func (r *taskRegistry) claim(ctx context.Context, id int64) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; ok {
		return nil, false
	}

	ctx, cancel := context.WithCancel(ctx)
	r.tasks[id] = cancel

	return ctx, true
}

func (r *taskRegistry) release(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.tasks[id]; ok {
		cancel()
		delete(r.tasks, id)
	}
}

// cancel signals the running task of a server, if any.
func (r *taskRegistry) cancel(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancel, ok := r.tasks[id]
	if ok {
		cancel()
	}

	return ok
}

// Run is the periodic stage-check loop. Every tick it scans the owned racks
// and spawns one goroutine per locked Validating or Provisioning server.
func (s *Service) Run(ctx context.Context) error {
	if s.row == nil {
		return derrors.InvalidData("worker is not registered")
	}

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Service) scan(ctx context.Context) {
	racks, err := s.deps.Store.RacksByWorker(ctx, s.row.ID)
	if err != nil {
		log.Error().Err(err).Msg("Rack scan failed")

		return
	}

	for _, rack := range racks {
		s.scanRack(ctx, rack, db.StatusValidating, s.checkValidated)
		s.scanRack(ctx, rack, db.StatusProvisioning, s.checkProvisioned)
	}
}

func (s *Service) scanRack(ctx context.Context, rack *db.Rack,
	status db.Status, check func(context.Context, *db.Server) error) {
	servers, err := s.deps.Store.ServersByRack(ctx, rack.Name, status)
	if err != nil {
		log.Error().Err(err).Str("rack", rack.Name).Msg("Server scan failed")

		return
	}

	for _, server := range servers {
		if !server.Locked() || server.Ironicated() {
			continue
		}

		s.spawn(ctx, server, check)
	}
}

func (s *Service) spawn(ctx context.Context, server *db.Server,
	check func(context.Context, *db.Server) error) {
	taskCtx, ok := s.tasks.claim(ctx, server.ID)
	if !ok {
		return
	}

	go func() {
		defer s.tasks.release(server.ID)
		s.runCheck(taskCtx, server, check)
	}()
}

// runCheck classifies a stage-check outcome. Ignore and ProvisionIncomplete
// refresh the message and keep the status; a cancel means an operator stop;
// everything else parks the server via the state machine.
func (s *Service) runCheck(ctx context.Context, server *db.Server,
	check func(context.Context, *db.Server) error) {
	err := check(ctx, server)
	if err == nil {
		return
	}

	// The task context may already be dead; persistence must not be.
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case errors.Is(err, context.Canceled):
		err = s.deps.Proc.Error(persistCtx, server, errors.New("Stopped by user"))
	case errors.Is(err, derrors.ErrIgnore),
		errors.Is(err, derrors.ErrProvisionIncomplete):
		server.Message = err.Error()
		err = s.deps.Store.ServerUpdate(persistCtx, server)
	default:
		err = s.deps.Proc.Error(persistCtx, server, err)
	}

	if err != nil {
		log.Error().Err(err).Str("server", server.Name).Msg("Stage check bookkeeping failed")
	}
}
