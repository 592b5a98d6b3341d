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

package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
)

// Foreman hiccups under load; every request gets a short retry budget.
// Vars so tests can shrink the budget.
var (
	foremanAttempts uint64 = 5
	foremanInterval        = 5 * time.Second
)

const foremanSubnetCacheSize = 64

type foremanClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	user       string
	password   string
}

// request performs one Foreman API call. 404 maps to NotFound, other 4xx
// are permanent, 5xx and transport errors are retried.
func (c *foremanClient) request(ctx context.Context, method, path string,
	payload any) (json.RawMessage, error) {
	var body []byte

	if payload != nil {
		var err error

		body, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	endpoint, err := url.JoinPath(c.baseURL.String(), path)
	if err != nil {
		return nil, fmt.Errorf("wrong URL path: %s", path)
	}

	run := func() (json.RawMessage, error) {
		req, err := http.NewRequestWithContext(ctx, method, endpoint,
			bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		req.SetBasicAuth(c.user, c.password)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("foreman request failed: %w", err)
		}
		defer resp.Body.Close() //nolint:errcheck // ok to ignore this error

		out, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(derrors.NotFound("foreman: %s %s", method, path))
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("foreman returned %d: %s", resp.StatusCode, out)
		case resp.StatusCode >= 400:
			return nil, backoff.Permanent(
				fmt.Errorf("foreman returned %d: %s", resp.StatusCode, out))
		}

		return out, nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(foremanInterval), foremanAttempts-1), ctx)

	return backoff.RetryWithData(run, policy)
}

// foremanDriver provisions through the Foreman REST API. Host mutations are
// serialized; Foreman's orchestration breaks under concurrent writes to the
// same resources.
type foremanDriver struct {
	client  *foremanClient
	store   *db.Store
	orch    *Orchestrator
	subnets *lru.Cache[string, int64]
	cfg     daemon.ForemanConfig
	mu      sync.Mutex
}

func newForemanDriver(cfg daemon.ForemanConfig, store *db.Store,
	orch *Orchestrator) (Driver, error) {
	baseURL, err := url.Parse(cfg.URL)
	if err != nil || baseURL.Host == "" {
		return nil, derrors.InvalidData("foreman url %q", cfg.URL)
	}

	subnets, err := lru.New[string, int64](foremanSubnetCacheSize)
	if err != nil {
		return nil, err
	}

	return &foremanDriver{
		client: &foremanClient{
			baseURL:    baseURL,
			httpClient: &http.Client{Timeout: 60 * time.Second},
			user:       cfg.User,
			password:   cfg.Password,
		},
		store:   store,
		orch:    orch,
		subnets: subnets,
		cfg:     cfg,
	}, nil
}

// ServerS0S1 creates the host in build mode with the verification OS. The
// caller power cycles to PXE afterwards.
func (d *foremanDriver) ServerS0S1(ctx context.Context, server *db.Server) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fqdn := serverFQDN(server)

	if err := d.hostDelete(ctx, fqdn); err != nil {
		return err
	}

	env := patchEnvironment(d.cfg.S1Environment, server)

	return d.hostCreate(ctx, server, fqdn, d.cfg.S1OSName, env, nil)
}

// ServerS1S2 recreates the host with the OS its role calls for. The old
// minion key goes first so the reinstalled box can enroll.
func (d *foremanDriver) ServerS1S2(ctx context.Context, server *db.Server) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	osName := server.OSArgs["os"]
	if osName == "" {
		return derrors.InvalidData("server %s has no os in os_args", server.Name)
	}

	fqdn := serverFQDN(server)

	if err := d.hostDelete(ctx, fqdn); err != nil {
		return err
	}

	if err := d.orch.HostRecreated(ctx, fqdn); err != nil {
		return err
	}

	ifaces, err := d.interfaceAttributes(ctx, server)
	if err != nil {
		return err
	}

	env := patchEnvironment(d.cfg.S2Environment, server)

	return d.hostCreate(ctx, server, fqdn, osName, env, ifaces)
}

func (d *foremanDriver) ServerDelete(ctx context.Context, server *db.Server) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fqdn := serverFQDN(server)

	if err := d.hostDelete(ctx, fqdn); err != nil {
		return err
	}

	return d.orch.HostRecreated(ctx, fqdn)
}

// IsProvisioned reports install progress. The wait reasons end up verbatim
// in the server message column.
func (d *foremanDriver) IsProvisioned(ctx context.Context, server *db.Server) error {
	out, err := d.client.request(ctx, http.MethodGet,
		"/api/hosts/"+serverFQDN(server), nil)
	if err != nil {
		return err
	}

	var host struct {
		IP    string `json:"ip"`
		Build bool   `json:"build"`
	}

	if err := json.Unmarshal(out, &host); err != nil {
		return derrors.InvalidData("bad host response for %s: %s", server.Name, err)
	}

	if host.Build {
		return derrors.ProvisionIncomplete("Waiting build completed")
	}

	if !d.orch.IsUp(ctx, host.IP) {
		return derrors.ProvisionIncomplete("Waiting SSH port up")
	}

	return nil
}

func (d *foremanDriver) OSList(ctx context.Context) ([]OS, error) {
	out, err := d.client.request(ctx, http.MethodGet,
		"/api/operatingsystems?per_page=200", nil)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Results []OS `json:"results"`
	}

	if err := json.Unmarshal(out, &decoded); err != nil {
		return nil, derrors.InvalidData("bad operatingsystems response: %s", err)
	}

	return decoded.Results, nil
}

// hostDelete removes the host; a host that never existed is fine.
func (d *foremanDriver) hostDelete(ctx context.Context, fqdn string) error {
	_, err := d.client.request(ctx, http.MethodDelete, "/api/hosts/"+fqdn, nil)
	if err != nil && !errors.Is(err, derrors.ErrNotFound) {
		return err
	}

	return nil
}

func (d *foremanDriver) hostCreate(ctx context.Context, server *db.Server,
	fqdn, osName, envName string, ifaces map[string]any) error {
	osID, err := d.resolveOSID(ctx, osName)
	if err != nil {
		return err
	}

	envID, err := d.resolveEnvironmentID(ctx, envName)
	if err != nil {
		return err
	}

	subnetID, err := d.ensureSubnet(ctx, server)
	if err != nil {
		return err
	}

	host := map[string]any{
		"name":               fqdn,
		"mac":                server.PXEMac,
		"ip":                 server.PXEIP,
		"build":              true,
		"managed":            true,
		"operatingsystem_id": osID,
		"environment_id":     envID,
		"subnet_id":          subnetID,
	}

	if len(ifaces) > 0 {
		host["interfaces_attributes"] = ifaces
	}

	payload := map[string]any{"host": host}

	if _, err := d.client.request(ctx, http.MethodPost, "/api/hosts", payload); err != nil {
		return fmt.Errorf("creating host %s: %w", fqdn, err)
	}

	log.Info().
		Str("fqdn", fqdn).
		Str("os", osName).
		Str("environment", envName).
		Msg("Created host in build mode")

	return nil
}

// interfaceAttributes renders the rack's bond and vlan layout into Foreman's
// interfaces_attributes form. The server's gateway net gets the primary
// flag, mgmt carries the provision flag and the install address. A rack
// without a topology yields nothing; the host falls back to the flat PXE
// interface.
func (d *foremanDriver) interfaceAttributes(ctx context.Context,
	server *db.Server) (map[string]any, error) {
	rack := server.Rack
	if rack == nil || rack.NetworkMap == nil {
		return nil, nil
	}

	bonds := rack.NetworkMap.Topology.Bonds
	if len(bonds) == 0 {
		return nil, nil
	}

	subnets, err := d.store.SubnetsByRack(ctx, rack.Name)
	if err != nil {
		return nil, err
	}

	byType := make(map[string]*db.Subnet, len(subnets))
	for _, subnet := range subnets {
		byType[subnet.Type] = subnet
	}

	macs := make(map[string]string, len(server.Interfaces))
	for _, iface := range server.Interfaces {
		macs[iface.Name] = iface.MAC
	}

	gateway := server.GatewayNet
	if gateway == "" {
		gateway = "prod"
	}

	attrs := map[string]any{}

	add := func(iface map[string]any) {
		attrs[strconv.Itoa(len(attrs))] = iface
	}

	for _, bond := range bonds {
		add(map[string]any{
			"type":             "bond",
			"identifier":       bond.Name,
			"managed":          true,
			"mode":             "802.3ad",
			"bond_options":     "miimon=100 xmit_hash_policy=1",
			"attached_devices": strings.Join(bond.Slaves, ","),
			"mac":              firstSlaveMAC(bond, macs),
		})

		for _, netName := range bond.Nets {
			subnet, ok := byType[netName]
			if !ok {
				return nil, derrors.InvalidData("rack %s has no %s subnet for bond %s",
					rack.Name, netName, bond.Name)
			}

			iface := map[string]any{
				"type":        "interface",
				"identifier":  fmt.Sprintf("%s.%d", bond.Name, subnet.VlanTag),
				"virtual":     true,
				"managed":     true,
				"tag":         strconv.Itoa(subnet.VlanTag),
				"attached_to": bond.Name,
				"primary":     netName == gateway,
				"provision":   netName == "mgmt",
			}

			if netName == "mgmt" {
				iface["ip"] = server.PXEIP
			}

			add(iface)
		}
	}

	return attrs, nil
}

func firstSlaveMAC(bond db.Bond, macs map[string]string) string {
	for _, slave := range bond.Slaves {
		if mac := macs[slave]; mac != "" {
			return mac
		}
	}

	return ""
}

func (d *foremanDriver) resolveOSID(ctx context.Context, name string) (int64, error) {
	oses, err := d.OSList(ctx)
	if err != nil {
		return 0, err
	}

	for _, os := range oses {
		if os.Name == name || os.Title == name {
			return os.ID, nil
		}
	}

	return 0, derrors.NotFound("operating system %q not in foreman", name)
}

func (d *foremanDriver) resolveEnvironmentID(ctx context.Context, name string) (int64, error) {
	out, err := d.client.request(ctx, http.MethodGet,
		"/api/environments?search=name="+url.QueryEscape(name), nil)
	if err != nil {
		return 0, err
	}

	var decoded struct {
		Results []struct {
			ID int64 `json:"id"`
		} `json:"results"`
	}

	if err := json.Unmarshal(out, &decoded); err != nil {
		return 0, derrors.InvalidData("bad environments response: %s", err)
	}

	if len(decoded.Results) == 0 {
		return 0, derrors.NotFound("environment %q not in foreman", name)
	}

	return decoded.Results[0].ID, nil
}

// ensureSubnet makes sure Foreman knows the subnet the server installs
// from. Lookups are cached; racks come and go rarely.
func (d *foremanDriver) ensureSubnet(ctx context.Context, server *db.Server) (int64, error) {
	location := ""
	if server.Asset != nil {
		location = server.Asset.Location
	}

	subnet, err := d.store.SubnetByContainment(ctx, location, net.ParseIP(server.PXEIP))
	if err != nil {
		return 0, fmt.Errorf("no subnet for %s of %s: %w", server.PXEIP, server.Name, err)
	}

	if id, ok := d.subnets.Get(subnet.IP); ok {
		return id, nil
	}

	out, err := d.client.request(ctx, http.MethodGet,
		"/api/subnets?search=network="+url.QueryEscape(subnet.IP), nil)
	if err != nil {
		return 0, err
	}

	var decoded struct {
		Results []struct {
			ID int64 `json:"id"`
		} `json:"results"`
	}

	if err := json.Unmarshal(out, &decoded); err != nil {
		return 0, derrors.InvalidData("bad subnets response: %s", err)
	}

	if len(decoded.Results) > 0 {
		d.subnets.Add(subnet.IP, decoded.Results[0].ID)

		return decoded.Results[0].ID, nil
	}

	payload := map[string]any{
		"subnet": map[string]any{
			"name":    subnet.Name,
			"network": subnet.IP,
			"mask":    subnet.Mask,
			"gateway": subnet.Gateway,
		},
	}

	out, err = d.client.request(ctx, http.MethodPost, "/api/subnets", payload)
	if err != nil {
		return 0, fmt.Errorf("creating foreman subnet %s: %w", subnet.IP, err)
	}

	var created struct {
		ID int64 `json:"id"`
	}

	if err := json.Unmarshal(out, &created); err != nil {
		return 0, derrors.InvalidData("bad subnet response: %s", err)
	}

	d.subnets.Add(subnet.IP, created.ID)

	return created.ID, nil
}

// serverFQDN falls back to the generated name when DNS was never set up.
func serverFQDN(server *db.Server) string {
	if server.FQDN != "" {
		return server.FQDN
	}

	return server.Name
}

// patchEnvironment expands {role} and {cluster} placeholders in an
// environment template.
func patchEnvironment(tmpl string, server *db.Server) string {
	out := strings.ReplaceAll(tmpl, "{role}", server.Role)

	cluster := ""
	if server.Cluster != nil {
		cluster = server.Cluster.Name
	}

	return strings.ReplaceAll(out, "{cluster}", cluster)
}
