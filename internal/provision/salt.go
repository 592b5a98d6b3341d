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

package provision

import (
	"bytes"
	"context"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/derrors"
)

var (
	// Exec injection points for unit tests.
	saltProcFactory saltProcFactoryFn = func(ctx context.Context, stdout,
		stderr *bytes.Buffer, name string, arg ...string) saltProc {
		cmd := exec.CommandContext(ctx, name, arg...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		return cmd
	}

	saltPathFactory = exec.LookPath
)

type saltProc interface {
	Run() error
}

type saltProcFactoryFn func(ctx context.Context, stdout, stderr *bytes.Buffer, name string, arg ...string) saltProc

// Orchestrator covers the config-management side effects of re-imaging.
// When a host is recreated its old salt minion key must go, otherwise the
// fresh minion can never register.
type Orchestrator struct {
	// dial is replaced in tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)

	// key deletion on the salt master is not concurrency safe
	mu sync.Mutex
}

func NewOrchestrator(_ daemon.SaltConfig) *Orchestrator {
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	o := &Orchestrator{}
	o.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	return o
}

// HostRecreated drops the minion key of a re-imaged host. A key that is
// already gone is fine.
func (o *Orchestrator) HostRecreated(ctx context.Context, fqdn string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	bin, err := saltPathFactory("salt-key")
	if err != nil {
		return derrors.NotFound("salt-key executable: %s", err)
	}

	var stdout, stderr bytes.Buffer

	cmd := saltProcFactory(ctx, &stdout, &stderr, bin, "-y", "-d", fqdn)

	if err := cmd.Run(); err != nil {
		code := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}

		return &derrors.ExecError{Output: stdout.String() + stderr.String(), Code: code}
	}

	log.Info().Str("fqdn", fqdn).Msg("Dropped salt minion key")

	return nil
}

// IsUp reports whether the host answers on the SSH port, the cheapest "the
// OS is really installed and booted" signal.
func (o *Orchestrator) IsUp(ctx context.Context, ip string) bool {
	conn, err := o.dial(ctx, net.JoinHostPort(ip, "22"))
	if err != nil {
		return false
	}

	conn.Close() //nolint:errcheck // ok to ignore this error

	return true
}
