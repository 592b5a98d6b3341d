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

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/master"
	"github.com/Symantec/dao-control/internal/workflow/codec"
	wflog "github.com/Symantec/dao-control/internal/workflow/log"
)

const masterTaskQueue = "master@dao"

// Client talks to the coordinator by executing its workflows on the master
// task queue.
type Client struct {
	cfg      *daemon.Config
	temporal client.Client
}

func dialClient(cfg *daemon.Config) (*Client, error) {
	dataConverter, err := codec.DataConverter([]byte(cfg.Temporal.Secret))
	if err != nil {
		return nil, fmt.Errorf("payload codec: %w", err)
	}

	c, err := client.Dial(client.Options{
		HostPort:      cfg.Temporal.HostPort,
		Namespace:     cfg.Temporal.Namespace,
		Identity:      fmt.Sprintf("%s@ctl:%d", userName(), os.Getpid()),
		Logger:        wflog.NewZerologAdapter(log.Logger),
		DataConverter: dataConverter,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client: %w", err)
	}

	return &Client{cfg: cfg, temporal: c}, nil
}

func (c *Client) Close() {
	if c.temporal != nil {
		c.temporal.Close()
	}
}

// opCtx stamps a command with the calling operator and the configured
// location, which the coordinator uses for scoping and the change log.
func (c *Client) opCtx() master.Context {
	return master.Context{
		User:     userName(),
		Location: c.cfg.Common.Location,
	}
}

// call executes a coordinator workflow and decodes its result. A non-empty
// key makes the execution idempotent: a rerun with the same key supersedes
// the one still in flight.
func (c *Client) call(ctx context.Context, name, key string, arg, result any) error {
	run, err := c.temporal.ExecuteWorkflow(ctx, startOptions(name, key), name, arg)
	if err != nil {
		return err
	}

	return run.Get(ctx, result)
}

func startOptions(name, key string) client.StartWorkflowOptions {
	opts := client.StartWorkflowOptions{
		ID:        fmt.Sprintf("%s:%s", name, uuid.NewString()),
		TaskQueue: masterTaskQueue,
		// A command that cannot be scheduled within this window is stale
		// and gets cancelled rather than queued forever.
		WorkflowExecutionTimeout: 2 * time.Minute,
	}

	if key != "" {
		opts.ID = fmt.Sprintf("%s:%s", name, key)
		opts.WorkflowIDReusePolicy = enums.WORKFLOW_ID_REUSE_POLICY_TERMINATE_IF_RUNNING
	}

	return opts
}

func userName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}

	return "unknown"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
