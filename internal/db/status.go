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

package db

import (
	"github.com/Symantec/dao-control/internal/derrors"
)

// Status is a server lifecycle status. The set is closed and totally
// ordered; Index gives the position used for target comparisons.
type Status string

const (
	StatusUnknown               Status = "Unknown"
	StatusUnmanaged             Status = "Unmanaged"
	StatusValidating            Status = "Validating"
	StatusValidatedWithErrors   Status = "ValidatedWithErrors"
	StatusValidated             Status = "Validated"
	StatusProvisioning          Status = "Provisioning"
	StatusProvisionedWithErrors Status = "ProvisionedWithErrors"
	StatusProvisioned           Status = "Provisioned"
	StatusDeploying             Status = "Deploying"
	StatusDeployed              Status = "Deployed"
)

var statusOrder = map[Status]int{
	StatusUnknown:               0,
	StatusUnmanaged:             1,
	StatusValidating:            2,
	StatusValidatedWithErrors:   3,
	StatusValidated:             4,
	StatusProvisioning:          5,
	StatusProvisionedWithErrors: 6,
	StatusProvisioned:           7,
	StatusDeploying:             8,
	StatusDeployed:              9,
}

// targetStatuses are the statuses an operator may request.
var targetStatuses = map[Status]bool{
	StatusUnmanaged:   true,
	StatusValidated:   true,
	StatusProvisioned: true,
	StatusDeployed:    true,
}

// Index returns the position of s in the status total order.
// Unknown statuses sort lowest.
func (s Status) Index() int {
	return statusOrder[s]
}

func (s Status) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// ValidTarget reports whether s may be used as a target status.
func (s Status) ValidTarget() bool {
	return targetStatuses[s]
}

// ParseStatus validates a status string at write time.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.Valid() {
		return "", derrors.InvalidData("unknown server status %q", s)
	}

	return status, nil
}

// Asset statuses.
const (
	AssetStatusNew            = "New"
	AssetStatusDiscovered     = "Discovered"
	AssetStatusMismatch       = "DiscoveryMismatch"
	AssetStatusDecommissioned = "Decommissioned"
)

// Asset types as reported by discovery.
const (
	AssetTypeServer        = "Server"
	AssetTypeChassis       = "Chassis"
	AssetTypeNetworkDevice = "NetworkDevice"
)
