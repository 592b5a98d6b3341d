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

// Package validation talks to the in-band agent that runs on servers booted
// into the verification OS. The agent exposes a single endpoint; the code
// field selects what runs on the box.
package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
)

const validatePath = "/v1.0/validate"

// Codes understood by the in-band agent.
const (
	CodeServerInfo       = "server_info"
	CodeValidationScript = "validation_script"
	CodeRAIDConfigure    = "raid_configure"
)

// Disk as reported by the in-band agent.
type Disk struct {
	Name string `json:"name"`
	Size string `json:"size"`
	Type string `json:"type"`
}

// Interface as reported by the in-band agent.
type Interface struct {
	Name string `json:"name"`
	MAC  string `json:"mac"`
}

// HardwareInfo is the server_info payload.
type HardwareInfo struct {
	CPU        string      `json:"cpu"`
	RAM        string      `json:"ram"`
	HDDType    string      `json:"hdd_type"`
	Disks      []Disk      `json:"disks"`
	Interfaces []Interface `json:"interfaces"`
}

// Client reaches the in-band agent of one server at a time.
type Client struct {
	httpClient *http.Client
	// dial is replaced in tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)
	port int
}

func NewClient(port int) *Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	c := &Client{
		// Validation scripts can run for minutes.
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		port:       port,
	}

	c.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	return c
}

// Ping reports whether the in-band agent port accepts connections. Used to
// tell "still installing" from "booted and ready".
func (c *Client) Ping(ctx context.Context, ip string) error {
	conn, err := c.dial(ctx, net.JoinHostPort(ip, strconv.Itoa(c.port)))
	if err != nil {
		return derrors.ProvisionIncomplete("agent port on %s not up: %s", ip, err)
	}

	return conn.Close()
}

// ServerInfo asks the agent for the hardware inventory of the box.
func (c *Client) ServerInfo(ctx context.Context, ip string) (*HardwareInfo, error) {
	result, err := c.validate(ctx, ip, request{Code: CodeServerInfo})
	if err != nil {
		return nil, err
	}

	info := &HardwareInfo{}
	if err := json.Unmarshal(result, info); err != nil {
		return nil, derrors.InvalidData("bad server_info from %s: %s", ip, err)
	}

	return info, nil
}

// RunScript runs the site validation script on the server. A non-empty
// result is the failure report; empty means the box passed.
func (c *Client) RunScript(ctx context.Context, ip string, server *db.Server) (string, error) {
	return c.runForServer(ctx, ip, CodeValidationScript, server)
}

// ConfigureRAID applies the RAID layout the server's role calls for.
func (c *Client) ConfigureRAID(ctx context.Context, ip string, server *db.Server) (string, error) {
	return c.runForServer(ctx, ip, CodeRAIDConfigure, server)
}

func (c *Client) runForServer(ctx context.Context, ip, code string, server *db.Server) (string, error) {
	result, err := c.validate(ctx, ip, request{Code: code, Server: server})
	if err != nil {
		return "", err
	}

	var out string
	if err := json.Unmarshal(result, &out); err != nil {
		return "", derrors.InvalidData("bad %s result from %s: %s", code, ip, err)
	}

	return out, nil
}

type request struct {
	Server *db.Server `json:"server_dict,omitempty"`
	Code   string     `json:"code"`
}

type response struct {
	Result json.RawMessage `json:"result"`
}

func (c *Client) validate(ctx context.Context, ip string, req request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("http://%s%s",
		net.JoinHostPort(ip, strconv.Itoa(c.port)), validatePath)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, derrors.ProvisionIncomplete("in-band agent on %s: %s", ip, err)
	}
	defer resp.Body.Close() //nolint:errcheck // ok to ignore this error

	if resp.StatusCode != http.StatusOK {
		out, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return nil, fmt.Errorf("in-band agent on %s returned %d: %s",
			ip, resp.StatusCode, out)
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, derrors.InvalidData("bad response from agent on %s: %s", ip, err)
	}

	return decoded.Result, nil
}
