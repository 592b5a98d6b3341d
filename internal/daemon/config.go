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

// Package daemon loads and validates the YAML configuration shared by the
// master, worker and ctl binaries.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "/etc/dao/dao.yaml"

// Config is the full configuration tree. Zero values fall back to the
// defaults applied by LoadConfig.
type Config struct {
	Common     CommonConfig     `yaml:"common"`
	Temporal   TemporalConfig   `yaml:"temporal"`
	Worker     WorkerConfig     `yaml:"worker"`
	DHCP       DHCPConfig       `yaml:"dhcp"`
	IPMI       IPMIConfig       `yaml:"ipmi"`
	Foreman    ForemanConfig    `yaml:"foreman"`
	DNS        DNSConfig        `yaml:"dns"`
	Salt       SaltConfig       `yaml:"salt"`
	SwitchConf SwitchConfConfig `yaml:"switchconf"`
}

type CommonConfig struct {
	// Location is the abbreviation for the environment geographical
	// location, like PHX.
	Location string `yaml:"location"`
	// DBPath is the sqlite inventory database path.
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
}

type TemporalConfig struct {
	// HostPort of the Temporal frontend shared by master and workers.
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
	// Secret is the shared AES key encrypting workflow payloads; empty
	// leaves payloads in clear text.
	Secret string `yaml:"secret"`
}

type WorkerConfig struct {
	Name string `yaml:"name"`
	// FQDNNet is the network whose interface provides the server FQDN.
	FQDNNet string `yaml:"fqdn_net"`
	// DefaultDNSZone is appended to generated server names.
	DefaultDNSZone string `yaml:"default_dns_zone"`
	// SpareCluster receives discovered servers.
	SpareCluster string `yaml:"spare_cluster"`
	// Net2Vlan maps network names to vlan tags.
	Net2Vlan map[string]int `yaml:"net2vlan"`
	// MetricsAddr is the listen address of the metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
	// ValidationPort is the in-band agent port on booted servers.
	ValidationPort int `yaml:"validation_port"`
	// DiscoveryDisabled turns off auto-enroll of discovered servers.
	DiscoveryDisabled bool `yaml:"discovery_disabled"`
	// SnoopDisabled turns off the DHCP snoop listener.
	SnoopDisabled bool `yaml:"snoop_disabled"`
	// SnoopAddr is the UDP address the snoop listener binds.
	SnoopAddr string `yaml:"snoop_addr"`
}

type DHCPConfig struct {
	// Driver selects the distributor: "agent" or "dhcpd".
	Driver string `yaml:"driver"`
	// AgentURL is the reload endpoint of the "agent" driver.
	AgentURL string `yaml:"agent_url"`
	// Service is the unit restarted by the "dhcpd" driver.
	Service string `yaml:"service"`
	// HostsPath is the reservations file rendered by the "dhcpd" driver.
	HostsPath string `yaml:"hosts_path"`
	// FirstIPOffset is the first allocatable host offset in a subnet,
	// used when the subnet carries no explicit first ip.
	FirstIPOffset int `yaml:"first_ip_offset"`
	// LastIPOffset counts back from the broadcast address.
	LastIPOffset int `yaml:"last_ip_offset"`
}

type IPMIConfig struct {
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	// SNMPCommunity used for vendor discovery.
	SNMPCommunity string `yaml:"snmp_community"`
}

type ForemanConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// S1OSName is the verification OS profile used for stage S1.
	S1OSName string `yaml:"s1_os_name"`
	// Environments are patched with server fields before use.
	S1Environment string `yaml:"s1_environment"`
	S2Environment string `yaml:"s2_environment"`
}

type DNSConfig struct {
	// Driver selects the DNS maintenance driver: "tool" or "rfc2136".
	Driver string `yaml:"driver"`
	// Tool is the executable used by the "tool" driver.
	Tool string `yaml:"tool"`
	// Server is the authoritative server for rfc2136 updates.
	Server string `yaml:"server"`
	// Zone for forward records.
	Zone       string `yaml:"zone"`
	TSIGName   string `yaml:"tsig_name"`
	TSIGSecret string `yaml:"tsig_secret"`
	TTL        int    `yaml:"ttl"`
}

type SaltConfig struct {
	MasterHost string `yaml:"master_host"`
}

type SwitchConfConfig struct {
	Tool    string `yaml:"tool"`
	Enabled bool   `yaml:"enabled"`
}

// LoadConfig reads the configuration from path (or DAO_CONFIG, or the
// default path) and applies defaults.
func LoadConfig(fs afero.Fs, path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("DAO_CONFIG")
	}

	if path == "" {
		path = defaultConfigPath
	}

	data, err := afero.ReadFile(fs, filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Common.DBPath == "" {
		c.Common.DBPath = "/var/lib/dao/dao.db"
	}

	if c.Common.LogLevel == "" {
		c.Common.LogLevel = "info"
	}

	if c.Temporal.HostPort == "" {
		c.Temporal.HostPort = "127.0.0.1:7233"
	}

	if c.Temporal.Namespace == "" {
		c.Temporal.Namespace = "default"
	}

	if c.Worker.FQDNNet == "" {
		c.Worker.FQDNNet = "prod"
	}

	if c.Worker.SpareCluster == "" {
		c.Worker.SpareCluster = "spare-pool"
	}

	if c.Worker.ValidationPort == 0 {
		c.Worker.ValidationPort = 5000
	}

	if c.Worker.MetricsAddr == "" {
		c.Worker.MetricsAddr = ":9100"
	}

	if c.Worker.SnoopAddr == "" {
		c.Worker.SnoopAddr = ":6767"
	}

	if len(c.Worker.Net2Vlan) == 0 {
		c.Worker.Net2Vlan = map[string]int{
			"ipmi": 100,
			"mgmt": 101,
			"prod": 102,
			"api":  103,
			"data": 104,
		}
	}

	if c.DHCP.Driver == "" {
		c.DHCP.Driver = "agent"
	}

	if c.DHCP.Service == "" {
		c.DHCP.Service = "dhcpd"
	}

	if c.DHCP.HostsPath == "" {
		c.DHCP.HostsPath = "/etc/dhcp/dao-hosts.conf"
	}

	if c.DHCP.FirstIPOffset == 0 {
		c.DHCP.FirstIPOffset = 4
	}

	if c.DHCP.LastIPOffset == 0 {
		c.DHCP.LastIPOffset = -3
	}

	if c.DNS.Driver == "" {
		c.DNS.Driver = "tool"
	}

	if c.DNS.TTL == 0 {
		c.DNS.TTL = 3600
	}

	if c.SwitchConf.Tool == "" {
		c.SwitchConf.Tool = "switchconf"
	}
}

func (c *Config) validate() error {
	if c.Common.Location == "" {
		return fmt.Errorf("common.location is required")
	}

	return nil
}

// Vlan2Net inverts the net2vlan map.
func (c *Config) Vlan2Net() map[int]string {
	out := make(map[int]string, len(c.Worker.Net2Vlan))
	for name, vlan := range c.Worker.Net2Vlan {
		out[vlan] = name
	}

	return out
}
