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

package dns

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/derrors"
)

var (
	// Injection points for unit tests, same shape as the BMC exec layer.
	dnsProcFactory dnsProcFactoryFn = func(ctx context.Context, stdout,
		stderr *bytes.Buffer, name string, arg ...string) dnsProc {
		cmd := exec.CommandContext(ctx, name, arg...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		return cmd
	}

	dnsPathFactory = exec.LookPath
)

type dnsProc interface {
	Run() error
}

type dnsProcFactoryFn func(ctx context.Context, stdout, stderr *bytes.Buffer, name string, arg ...string) dnsProc

// toolMaintainer drives the site DNS helper. The helper owns both zones;
// one invocation updates the A and PTR records together.
type toolMaintainer struct {
	tool string
	ttl  int
}

func newToolMaintainer(cfg daemon.DNSConfig) (Maintainer, error) {
	if cfg.Tool == "" {
		return nil, derrors.InvalidData("dns tool driver needs dns.tool")
	}

	return &toolMaintainer{tool: cfg.Tool, ttl: cfg.TTL}, nil
}

func (m *toolMaintainer) Ensure(ctx context.Context, fqdn, ip string) error {
	return m.run(ctx, "change", fqdn, ip)
}

func (m *toolMaintainer) Delete(ctx context.Context, fqdn, ip string) error {
	return m.run(ctx, "delete", fqdn, ip)
}

func (m *toolMaintainer) run(ctx context.Context, action, fqdn, ip string) error {
	bin, err := dnsPathFactory(m.tool)
	if err != nil {
		return derrors.NotFound("%s executable: %s", m.tool, err)
	}

	args := []string{
		"--action", action,
		"--fqdn", fqdn,
		"--type", "A,PTR",
		"--value", ip,
		"--ttl", strconv.Itoa(m.ttl),
	}

	var stdout, stderr bytes.Buffer

	cmd := dnsProcFactory(ctx, &stdout, &stderr, bin, args...)

	if err := cmd.Run(); err != nil {
		code := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}

		log.Error().
			Str("fqdn", fqdn).
			Str("action", action).
			Msg("DNS tool failed")

		return &derrors.ExecError{Output: stdout.String() + stderr.String(), Code: code}
	}

	return nil
}
