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

// Package ipmi talks to BMCs: SNMP for vendor and asset identification,
// ipmitool for power and boot control, vendor tools for hardware inventory.
package ipmi

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/derrors"
)

const (
	sysObjectIDOID = ".1.3.6.1.2.1.1.2.0"

	// Dell iDRAC enterprise MIB.
	dellServiceTagOID = ".1.3.6.1.4.1.674.10892.5.1.3.2.0"
	dellModelOID      = ".1.3.6.1.4.1.674.10892.5.1.3.12.0"
)

// vendor describes how to read asset identity from one maker's BMC.
type vendor struct {
	name       string
	enterprise int
	serialOID  string
	modelOID   string
}

// Keyed by IANA enterprise number taken from sysObjectID.
var vendors = map[int]vendor{
	674: {
		name:       "Dell",
		enterprise: 674,
		serialOID:  dellServiceTagOID,
		modelOID:   dellModelOID,
	},
}

// Identity is what SNMP discovery learns about a BMC.
type Identity struct {
	Brand  string `json:"brand"`
	Model  string `json:"model"`
	Serial string `json:"serial"`
	// Type is the inventory asset type behind the BMC. Chassis managers
	// answer the same MIBs as server BMCs and must not be enrolled as
	// servers.
	Type string `json:"type"`
}

// chassisModelRe spots chassis management modules among Dell models; a CMC
// reports through the same enterprise MIB as an iDRAC.
var chassisModelRe = regexp.MustCompile(`(?i)\b(CMC|M1000e|VRTX|FX2s?)\b`)

type snmpConn interface {
	Connect() error
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	Close() error
}

type gosnmpConn struct {
	*gosnmp.GoSNMP
}

func (c *gosnmpConn) Close() error {
	return c.Conn.Close()
}

// Client drives BMC operations for one worker.
type Client struct {
	cfg daemon.IPMIConfig
	// snmpFactory is replaced in tests.
	snmpFactory func(ip string) snmpConn
}

func NewClient(cfg daemon.IPMIConfig) *Client {
	return &Client{
		cfg: cfg,
		snmpFactory: func(ip string) snmpConn {
			return &gosnmpConn{&gosnmp.GoSNMP{
				Target:    ip,
				Port:      161,
				Community: cfg.SNMPCommunity,
				Version:   gosnmp.Version2c,
				Timeout:   5 * time.Second,
				Retries:   1,
			}}
		},
	}
}

// Identify queries a BMC over SNMP and resolves vendor, model and serial.
// An unreachable or unknown device comes back as NotFound so discovery can
// skip it without alarm.
func (c *Client) Identify(ctx context.Context, ip string) (*Identity, error) {
	conn := c.snmpFactory(ip)

	if err := conn.Connect(); err != nil {
		return nil, derrors.NotFound("snmp connect %s: %s", ip, err)
	}
	defer conn.Close() //nolint:errcheck // ok to ignore this error

	packet, err := conn.Get([]string{sysObjectIDOID})
	if err != nil {
		return nil, derrors.NotFound("snmp sysObjectID %s: %s", ip, err)
	}

	enterprise, err := enterpriseNumber(packet)
	if err != nil {
		return nil, err
	}

	vend, ok := vendors[enterprise]
	if !ok {
		return nil, derrors.Ignore("unsupported BMC vendor (enterprise %d) at %s",
			enterprise, ip)
	}

	packet, err = conn.Get([]string{vend.serialOID, vend.modelOID})
	if err != nil {
		return nil, derrors.NotFound("snmp identity %s: %s", ip, err)
	}

	identity := &Identity{Brand: vend.name}

	for _, pdu := range packet.Variables {
		value := pduString(pdu)

		switch pdu.Name {
		case vend.serialOID:
			identity.Serial = value
		case vend.modelOID:
			identity.Model = value
		}
	}

	if identity.Serial == "" {
		return nil, derrors.NotFound("BMC at %s returned no serial", ip)
	}

	identity.Type = db.AssetTypeServer
	if chassisModelRe.MatchString(identity.Model) {
		identity.Type = db.AssetTypeChassis
	}

	return identity, nil
}

// enterpriseNumber extracts the IANA enterprise from a sysObjectID value of
// the form .1.3.6.1.4.1.<enterprise>...
func enterpriseNumber(packet *gosnmp.SnmpPacket) (int, error) {
	for _, pdu := range packet.Variables {
		if pdu.Name != sysObjectIDOID {
			continue
		}

		oid := pduString(pdu)

		const prefix = ".1.3.6.1.4.1."
		if !strings.HasPrefix(oid, prefix) {
			return 0, derrors.InvalidData("unexpected sysObjectID %q", oid)
		}

		var enterprise int
		if _, err := fmt.Sscanf(oid[len(prefix):], "%d", &enterprise); err != nil {
			return 0, derrors.InvalidData("unexpected sysObjectID %q", oid)
		}

		return enterprise, nil
	}

	return 0, derrors.NotFound("sysObjectID missing in SNMP response")
}

func pduString(pdu gosnmp.SnmpPDU) string {
	switch v := pdu.Value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// RestartPXE forces the next boot to PXE and power cycles the server. A
// powered-off server is powered on instead.
func (c *Client) RestartPXE(ctx context.Context, asset *db.Asset) error {
	if _, err := c.ipmitool(ctx, asset.IP, "chassis", "bootdev", "pxe"); err != nil {
		return fmt.Errorf("setting pxe boot on %s: %w", asset.Serial, err)
	}

	status, err := c.ipmitool(ctx, asset.IP, "chassis", "power", "status")
	if err != nil {
		return fmt.Errorf("querying power on %s: %w", asset.Serial, err)
	}

	action := "cycle"
	if strings.Contains(status, "off") {
		action = "on"
	}

	if _, err := c.ipmitool(ctx, asset.IP, "chassis", "power", action); err != nil {
		return fmt.Errorf("power %s on %s: %w", action, asset.Serial, err)
	}

	return nil
}

// PowerOff shuts the server down hard.
func (c *Client) PowerOff(ctx context.Context, asset *db.Asset) error {
	_, err := c.ipmitool(ctx, asset.IP, "chassis", "power", "off")

	return err
}

func (c *Client) ipmitool(ctx context.Context, ip string, args ...string) (string, error) {
	full := append([]string{
		"-I", "lanplus",
		"-H", ip,
		"-U", c.cfg.Login,
		"-P", c.cfg.Password,
	}, args...)

	return runTool(ctx, c.cfg.Password, "ipmitool", full...)
}

var dellMACRe = regexp.MustCompile(`Current MAC Address:\s*([0-9A-Fa-f:]{17})`)

// PXEMAC reads the MAC of the PXE NIC through the vendor inventory tool.
// Only Dell is wired; other vendors report their MACs during discovery
// finalization instead.
func (c *Client) PXEMAC(ctx context.Context, asset *db.Asset, nic string) (string, error) {
	if asset.Brand != "Dell" {
		return "", derrors.Ignore("no inventory tool for brand %q", asset.Brand)
	}

	if nic == "" {
		nic = "NIC.Integrated.1-1-1"
	}

	out, err := runTool(ctx, c.cfg.Password, "idracadm7",
		"-r", asset.IP, "-u", c.cfg.Login, "-p", c.cfg.Password,
		"hwinventory", nic)
	if err != nil {
		return "", fmt.Errorf("idrac inventory on %s: %w", asset.Serial, err)
	}

	m := dellMACRe.FindStringSubmatch(out)
	if m == nil {
		return "", derrors.NotFound("no MAC in inventory of %s nic %s",
			asset.Serial, nic)
	}

	return db.NormalizeMAC(m[1]), nil
}
