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
	"testing"

	"github.com/nexus-rpc/sdk-go/nexus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

type fakeWorker struct {
	workflows  []string
	activities []string
	started    bool
	stopped    bool
}

func (w *fakeWorker) Start() error { w.started = true; return nil }

func (w *fakeWorker) Run(<-chan interface{}) error { return nil }

func (w *fakeWorker) Stop() { w.stopped = true }

func (w *fakeWorker) RegisterWorkflow(interface{}) {}

func (w *fakeWorker) RegisterWorkflowWithOptions(_ interface{},
	opts workflow.RegisterOptions) {
	w.workflows = append(w.workflows, opts.Name)
}

func (w *fakeWorker) RegisterActivity(interface{}) {}

func (w *fakeWorker) RegisterActivityWithOptions(_ interface{},
	opts activity.RegisterOptions) {
	w.activities = append(w.activities, opts.Name)
}

func (w *fakeWorker) RegisterDynamicWorkflow(interface{},
	workflow.DynamicRegisterOptions) {
}

func (w *fakeWorker) RegisterDynamicActivity(interface{},
	activity.DynamicRegisterOptions) {
}

func (w *fakeWorker) RegisterNexusService(*nexus.Service) {}

func fakeConstructor(created *[]*fakeWorker) workerConstructor {
	return func(client.Client, string, worker.Options) worker.Worker {
		w := &fakeWorker{}
		*created = append(*created, w)

		return w
	}
}

type fakeConfigurator struct{}

func (fakeConfigurator) ConfigurationWorkflows() map[string]any {
	return map[string]any{"validate-server": nil}
}

func (fakeConfigurator) ConfigurationActivities() map[string]any {
	return map[string]any{"probe-bmc": nil}
}

func TestWorkerPoolRegistersConfigurators(t *testing.T) {
	var created []*fakeWorker

	pool := NewWorkerPool("w1", nil,
		WithWorkerConstructor(fakeConstructor(&created)),
		WithConfigurator(fakeConfigurator{}),
	)

	assert.Equal(t, "w1@dao", pool.TaskQueue())
	require.Len(t, created, 1)
	assert.Equal(t, []string{"validate-server"}, created[0].workflows)
	assert.Equal(t, []string{"probe-bmc"}, created[0].activities)
}

func TestWorkerPoolTaskQueueSuffix(t *testing.T) {
	var created []*fakeWorker

	pool := NewWorkerPool("master", nil,
		WithWorkerConstructor(fakeConstructor(&created)),
		WithMainWorkerTaskQueueSuffix("stage"),
	)

	assert.Equal(t, "master@stage", pool.TaskQueue())
}

func TestAddWorkerRejectsDuplicateQueue(t *testing.T) {
	var created []*fakeWorker

	pool := NewWorkerPool("w1", nil,
		WithWorkerConstructor(fakeConstructor(&created)))

	require.NoError(t, pool.AddWorker("extra@dao", nil, nil))
	assert.Error(t, pool.AddWorker("extra@dao", nil, nil))

	// Main worker plus one extra; the rejected add built nothing lasting.
	require.Len(t, created, 2)
	assert.True(t, created[1].started)
}

func TestStopStopsExtras(t *testing.T) {
	var created []*fakeWorker

	pool := NewWorkerPool("w1", nil,
		WithWorkerConstructor(fakeConstructor(&created)))

	require.NoError(t, pool.AddWorker("extra@dao", nil, nil))
	pool.Stop()

	for _, w := range created {
		assert.True(t, w.stopped)
	}
}

func TestRemoveWorker(t *testing.T) {
	var created []*fakeWorker

	pool := NewWorkerPool("w1", nil,
		WithWorkerConstructor(fakeConstructor(&created)))

	require.NoError(t, pool.AddWorker("extra@dao", nil, nil))
	require.NoError(t, pool.RemoveWorker("extra@dao"))
	assert.True(t, created[1].stopped)

	assert.Error(t, pool.RemoveWorker("extra@dao"))
}
