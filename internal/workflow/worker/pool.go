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
	"fmt"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// Configurator is implemented by services that contribute workflows and
// activities to a pool.
type Configurator interface {
	ConfigurationWorkflows() map[string]any
	ConfigurationActivities() map[string]any
}

type workerConstructor func(client.Client, string, worker.Options) worker.Worker

// WorkerPool owns the Temporal workers of one process. The main worker
// listens on {name}@{suffix} and carries every configurator's workflows and
// activities registered by name.
type WorkerPool struct {
	fatal         chan error
	client        client.Client
	main          worker.Worker
	extra         map[string]worker.Worker
	name          string
	taskQueue     string
	configurators []Configurator
	construct     workerConstructor
	mutex         sync.Mutex
}

// NewWorkerPool returns a WorkerPool with a main worker listening on the
// Task Queue named {name}@dao.
func NewWorkerPool(name string, client client.Client,
	options ...WorkerPoolOption) *WorkerPool {
	pool := &WorkerPool{
		fatal:     make(chan error, 1),
		name:      name,
		taskQueue: fmt.Sprintf("%s@dao", name),
		client:    client,
		extra:     make(map[string]worker.Worker),
		construct: worker.New,
	}

	for _, opt := range options {
		opt(pool)
	}

	pool.main = pool.construct(client, pool.taskQueue, worker.Options{
		DisableRegistrationAliasing: true,
		OnFatalError:                func(err error) { pool.fatal <- err },
	})

	for _, c := range pool.configurators {
		for name, fn := range c.ConfigurationWorkflows() {
			pool.main.RegisterWorkflowWithOptions(fn,
				workflow.RegisterOptions{Name: name})
		}

		for name, fn := range c.ConfigurationActivities() {
			pool.main.RegisterActivityWithOptions(fn,
				activity.RegisterOptions{Name: name})
		}
	}

	return pool
}

// WorkerPoolOption allows to set additional WorkerPool options
type WorkerPoolOption func(*WorkerPool)

// WithConfigurator registers a service's workflows and activities on the
// main worker.
func WithConfigurator(c Configurator) WorkerPoolOption {
	return func(p *WorkerPool) {
		p.configurators = append(p.configurators, c)
	}
}

// WithMainWorkerTaskQueueSuffix sets the main worker Task Queue suffix.
// The main Task Queue has format: {name}@{suffix} (default: "dao").
func WithMainWorkerTaskQueueSuffix(s string) WorkerPoolOption {
	return func(p *WorkerPool) {
		p.taskQueue = fmt.Sprintf("%s@%s", p.name, s)
	}
}

// WithWorkerConstructor replaces the Temporal worker constructor, used by
// tests.
func WithWorkerConstructor(c workerConstructor) WorkerPoolOption {
	return func(p *WorkerPool) {
		p.construct = c
	}
}

// TaskQueue returns the main worker's Task Queue name.
func (p *WorkerPool) TaskQueue() string {
	return p.taskQueue
}

// Start starts the main worker.
func (p *WorkerPool) Start() error {
	return p.main.Start()
}

// Stop stops the main worker and any extra workers.
func (p *WorkerPool) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for queue, w := range p.extra {
		w.Stop()
		delete(p.extra, queue)
	}

	p.main.Stop()
}

func (p *WorkerPool) Error() chan error {
	return p.fatal
}

// AddWorker starts an extra worker on taskQueue carrying the given
// workflows and activities. Adding a queue twice is an error.
func (p *WorkerPool) AddWorker(taskQueue string, workflows, activities map[string]any) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, ok := p.extra[taskQueue]; ok {
		return fmt.Errorf("worker for task queue %q already exists", taskQueue)
	}

	w := p.construct(p.client, taskQueue, worker.Options{
		DisableRegistrationAliasing: true,
		OnFatalError:                func(err error) { p.fatal <- err },
	})

	for name, fn := range workflows {
		w.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
	}

	for name, fn := range activities {
		w.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
	}

	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	p.extra[taskQueue] = w

	return nil
}

// RemoveWorker stops the extra worker of a task queue.
func (p *WorkerPool) RemoveWorker(taskQueue string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	w, ok := p.extra[taskQueue]
	if !ok {
		return fmt.Errorf("worker for task queue %q doesn't exist", taskQueue)
	}

	w.Stop()
	delete(p.extra, taskQueue)

	return nil
}
