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
	"fmt"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
)

// TemporalTransport forwards commands as workflow executions on the target
// worker's task queue. Send is fire-and-forget, Call waits for the result.
type TemporalTransport struct {
	client client.Client
}

func NewTemporalTransport(c client.Client) *TemporalTransport {
	return &TemporalTransport{client: c}
}

func (t *TemporalTransport) Send(ctx context.Context, queue, name string, arg any) error {
	_, err := t.client.ExecuteWorkflow(ctx, startOptions(queue, name), name, arg)

	return err
}

func (t *TemporalTransport) Call(ctx context.Context, queue, name string,
	arg, result any) error {
	run, err := t.client.ExecuteWorkflow(ctx, startOptions(queue, name), name, arg)
	if err != nil {
		return err
	}

	return run.Get(ctx, result)
}

func startOptions(queue, name string) client.StartWorkflowOptions {
	return client.StartWorkflowOptions{
		ID:        fmt.Sprintf("%s-%s", name, uuid.NewString()),
		TaskQueue: queue,
	}
}
