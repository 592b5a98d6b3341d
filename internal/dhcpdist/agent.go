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

package dhcpdist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/db"
)

// agentDistributor drives a remote DHCP agent over its small JSON API:
// POST /v1.0/allocations replaces host reservations, POST /v1.0/subnets
// replaces served subnets.
type agentDistributor struct {
	baseURL    *url.URL
	httpClient *http.Client
	store      *db.Store
}

func newAgentDistributor(cfg daemon.DHCPConfig, store *db.Store) (Distributor, error) {
	baseURL, err := url.Parse(cfg.AgentURL)
	if err != nil || baseURL.Host == "" {
		return nil, fmt.Errorf("dhcp agent url %q: %w", cfg.AgentURL, err)
	}

	return &agentDistributor{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		store:      store,
	}, nil
}

type allocationEntry struct {
	IP      string `json:"ip"`
	MAC     string `json:"mac"`
	Serial  string `json:"serial"`
	VlanTag int    `json:"vlan_tag"`
}

type subnetEntry struct {
	IP      string `json:"ip"`
	Mask    string `json:"mask"`
	Gateway string `json:"gateway"`
	VlanTag int    `json:"vlan_tag"`
	Tagged  bool   `json:"tagged"`
}

func (d *agentDistributor) ReloadAllocations(ctx context.Context) error {
	ports, err := d.store.PortsAll(ctx)
	if err != nil {
		return err
	}

	entries := make([]allocationEntry, 0, len(ports))

	for _, port := range ports {
		if port.MAC == "" {
			// Reservation without a MAC cannot be served yet.
			continue
		}

		entries = append(entries, allocationEntry{
			IP:      port.IP,
			MAC:     port.MAC,
			Serial:  port.DeviceID,
			VlanTag: port.VlanTag,
		})
	}

	return d.post(ctx, "/v1.0/allocations", entries)
}

func (d *agentDistributor) EnsureSubnets(ctx context.Context, subnets []*db.Subnet) error {
	entries := make([]subnetEntry, 0, len(subnets))

	for _, subnet := range subnets {
		entries = append(entries, subnetEntry{
			IP:      subnet.IP,
			Mask:    subnet.Mask,
			Gateway: subnet.Gateway,
			VlanTag: subnet.VlanTag,
			Tagged:  subnet.Tagged,
		})
	}

	return d.post(ctx, "/v1.0/subnets", entries)
}

func (d *agentDistributor) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint, err := url.JoinPath(d.baseURL.String(), path)
	if err != nil {
		return fmt.Errorf("wrong URL path: %s", path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dhcp agent request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // ok to ignore this error

	if resp.StatusCode != http.StatusOK {
		out, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return fmt.Errorf("dhcp agent returned %d: %s", resp.StatusCode, out)
	}

	return nil
}
