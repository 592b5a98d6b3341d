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

// Package derrors defines the error kinds surfaced across DAO control APIs.
// Callers classify failures with errors.Is against the sentinel values and
// use Kind at RPC boundaries where only the kind name crosses the wire.
package derrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record matches a lookup.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on uniqueness or invariant violations.
	ErrConflict = errors.New("conflict")
	// ErrManyFound is returned when a lookup expected one row and got more.
	ErrManyFound = errors.New("many found")
	// ErrIgnore is an expected short-circuit during discovery or a stage
	// check. It must never mutate server status.
	ErrIgnore = errors.New("ignored")
	// ErrInvalidData is returned when operator input is rejected.
	ErrInvalidData = errors.New("invalid data")
	// ErrProvisionIncomplete is returned when an underlying provisioning
	// tool failed; the state machine routes it to the *WithErrors status.
	ErrProvisionIncomplete = errors.New("provision incomplete")
	// ErrVersionConflict is returned when an optimistic write lost a race.
	// The caller should reload and retry.
	ErrVersionConflict = errors.New("version conflict")
)

func NotFound(format string, a ...any) error {
	return wrap(ErrNotFound, format, a...)
}

func Conflict(format string, a ...any) error {
	return wrap(ErrConflict, format, a...)
}

func ManyFound(format string, a ...any) error {
	return wrap(ErrManyFound, format, a...)
}

func Ignore(format string, a ...any) error {
	return wrap(ErrIgnore, format, a...)
}

func InvalidData(format string, a ...any) error {
	return wrap(ErrInvalidData, format, a...)
}

func ProvisionIncomplete(format string, a ...any) error {
	return wrap(ErrProvisionIncomplete, format, a...)
}

func VersionConflict(format string, a ...any) error {
	return wrap(ErrVersionConflict, format, a...)
}

func wrap(kind error, format string, a ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, a...))
}

// ExecError reports a subprocess that exited non-zero. Output is sanitized
// by the caller before wrapping (credentials scrubbed).
type ExecError struct {
	Output string
	Code   int
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("exec failed with code %d: %s", e.Code, e.Output)
}

// Kind returns the wire name of the error kind, or "Internal" for anything
// that is not one of the declared kinds.
func Kind(err error) string {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return "ExecError"
	}

	for _, k := range []struct {
		err  error
		name string
	}{
		{ErrNotFound, "NotFound"},
		{ErrConflict, "Conflict"},
		{ErrManyFound, "ManyFound"},
		{ErrIgnore, "Ignore"},
		{ErrInvalidData, "InvalidData"},
		{ErrProvisionIncomplete, "ProvisionIncomplete"},
		{ErrVersionConflict, "VersionConflict"},
	} {
		if errors.Is(err, k.err) {
			return k.name
		}
	}

	return "Internal"
}
