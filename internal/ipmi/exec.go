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

package ipmi

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/Symantec/dao-control/internal/derrors"
)

// BMCs are slow and occasionally drop sessions; every tool call gets a
// retry budget. Vars so tests can shrink the budget.
var (
	toolAttempts uint64 = 5
	toolInterval      = 3 * time.Second
	toolTimeout       = 20 * time.Minute
)

var (
	// procFactory holds the implementation of a function that will return a
	// command that can be called with Run(). The real `os/exec`-based
	// implementation is replaced by a mock in unit tests.
	procFactory bmcProcFactory = func(ctx context.Context, stdout,
		stderr *bytes.Buffer, name string, arg ...string) bmcProc {
		cmd := exec.CommandContext(ctx, name, arg...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		return cmd
	}

	// pathFactory resolves the full path of a tool binary; mocked in tests.
	pathFactory osPathFactory = exec.LookPath
)

type bmcProc interface {
	Run() error
}

type bmcProcFactory func(ctx context.Context, stdout, stderr *bytes.Buffer, name string, arg ...string) bmcProc

type osPathFactory func(file string) (string, error)

// runTool executes a BMC tool with retries. Whatever the tool prints comes
// back with every occurrence of the password replaced, so credentials never
// reach logs or error messages.
func runTool(ctx context.Context, password, name string, args ...string) (string, error) {
	bin, err := pathFactory(name)
	if err != nil {
		return "", derrors.NotFound("%s executable: %s", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	run := func() (string, error) {
		var stdout, stderr bytes.Buffer

		cmd := procFactory(ctx, &stdout, &stderr, bin, args...)

		if err := cmd.Run(); err != nil {
			out := scrub(stdout.String()+stderr.String(), password)

			code := -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			}

			log.Debug().
				Str("tool", name).
				Int("code", code).
				Msg("BMC tool failed")

			return "", &derrors.ExecError{Output: out, Code: code}
		}

		return scrub(stdout.String(), password), nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(toolInterval), toolAttempts-1), ctx)

	return backoff.RetryWithData(run, policy)
}

func scrub(out, password string) string {
	if password == "" {
		return out
	}

	return strings.ReplaceAll(out, password, "********")
}
