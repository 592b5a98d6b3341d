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

// Package workflow carries shared Temporal helpers: local-activity wrappers
// used to expose service methods as workflows, and error conversion at the
// RPC boundary.
package workflow

import (
	"context"
	"time"

	"go.temporal.io/sdk/temporal"
	tworkflow "go.temporal.io/sdk/workflow"

	"github.com/Symantec/dao-control/internal/derrors"
)

// Exec returns a workflow that executes the provided function as a Local
// Activity. Stage work can run for a long time; the timeout covers the
// worst-case IPMI retry budget.
func Exec[T any](fn func(context.Context, T) error) func(ctx tworkflow.Context, param T) error {
	return func(ctx tworkflow.Context, param T) error {
		ctx = tworkflow.WithLocalActivityOptions(ctx, localOptions())

		wrapped := func(ctx context.Context, param T) error {
			return NonRetryable(fn(ctx, param))
		}

		return tworkflow.ExecuteLocalActivity(ctx, wrapped, param).Get(ctx, nil)
	}
}

// ExecWithResult is Exec for functions that return a result.
func ExecWithResult[T, R any](fn func(context.Context, T) (R, error)) func(ctx tworkflow.Context, param T) (R, error) {
	return func(ctx tworkflow.Context, param T) (R, error) {
		ctx = tworkflow.WithLocalActivityOptions(ctx, localOptions())

		wrapped := func(ctx context.Context, param T) (R, error) {
			result, err := fn(ctx, param)

			return result, NonRetryable(err)
		}

		var result R
		err := tworkflow.ExecuteLocalActivity(ctx, wrapped, param).Get(ctx, &result)

		return result, err
	}
}

func localOptions() tworkflow.LocalActivityOptions {
	return tworkflow.LocalActivityOptions{
		ScheduleToCloseTimeout: 30 * time.Minute,
		RetryPolicy:            &temporal.RetryPolicy{MaximumAttempts: 1},
	}
}

// NonRetryable converts a classified error into a Temporal application
// error whose type is the error kind, so only the kind and message cross
// the wire.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}

	return temporal.NewNonRetryableApplicationError(err.Error(), derrors.Kind(err), nil)
}
