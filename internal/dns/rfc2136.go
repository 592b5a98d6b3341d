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

package dns

import (
	"context"
	"fmt"
	"strings"
	"time"

	mdns "github.com/miekg/dns"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/derrors"
)

// rfc2136Maintainer sends dynamic updates to the authoritative server,
// optionally TSIG signed. Forward updates go to the configured zone,
// reverse updates to the /24 in-addr.arpa zone of the address.
type rfc2136Maintainer struct {
	server     string
	zone       string
	tsigName   string
	tsigSecret string
	ttl        int

	// exchange is replaced in tests.
	exchange func(ctx context.Context, msg *mdns.Msg) (*mdns.Msg, error)
}

func newRFC2136Maintainer(cfg daemon.DNSConfig) (Maintainer, error) {
	if cfg.Server == "" || cfg.Zone == "" {
		return nil, derrors.InvalidData("rfc2136 driver needs dns.server and dns.zone")
	}

	m := &rfc2136Maintainer{
		server:     cfg.Server,
		zone:       cfg.Zone,
		tsigName:   cfg.TSIGName,
		tsigSecret: cfg.TSIGSecret,
		ttl:        cfg.TTL,
	}

	client := &mdns.Client{Net: "tcp", Timeout: 10 * time.Second}
	if m.tsigName != "" {
		client.TsigSecret = map[string]string{mdns.Fqdn(m.tsigName): m.tsigSecret}
	}

	m.exchange = func(ctx context.Context, msg *mdns.Msg) (*mdns.Msg, error) {
		reply, _, err := client.ExchangeContext(ctx, msg, m.server)

		return reply, err
	}

	return m, nil
}

func (m *rfc2136Maintainer) Ensure(ctx context.Context, fqdn, ip string) error {
	forward, reverse, err := m.updates(fqdn, ip, false)
	if err != nil {
		return err
	}

	if err := m.send(ctx, forward); err != nil {
		return fmt.Errorf("A record for %s: %w", fqdn, err)
	}

	if err := m.send(ctx, reverse); err != nil {
		return fmt.Errorf("PTR record for %s: %w", ip, err)
	}

	return nil
}

func (m *rfc2136Maintainer) Delete(ctx context.Context, fqdn, ip string) error {
	forward, reverse, err := m.updates(fqdn, ip, true)
	if err != nil {
		return err
	}

	if err := m.send(ctx, forward); err != nil {
		return fmt.Errorf("A record for %s: %w", fqdn, err)
	}

	if err := m.send(ctx, reverse); err != nil {
		return fmt.Errorf("PTR record for %s: %w", ip, err)
	}

	return nil
}

func (m *rfc2136Maintainer) updates(fqdn, ip string, remove bool) (*mdns.Msg, *mdns.Msg, error) {
	aRec, err := mdns.NewRR(fmt.Sprintf("%s %d IN A %s", mdns.Fqdn(fqdn), m.ttl, ip))
	if err != nil {
		return nil, nil, derrors.InvalidData("bad A record %s -> %s: %s", fqdn, ip, err)
	}

	reverseName, err := mdns.ReverseAddr(ip)
	if err != nil {
		return nil, nil, derrors.InvalidData("bad ip %q: %s", ip, err)
	}

	ptrRec, err := mdns.NewRR(fmt.Sprintf("%s %d IN PTR %s", reverseName, m.ttl, mdns.Fqdn(fqdn)))
	if err != nil {
		return nil, nil, derrors.InvalidData("bad PTR record %s: %s", ip, err)
	}

	forward := new(mdns.Msg)
	forward.SetUpdate(mdns.Fqdn(m.zone))

	reverse := new(mdns.Msg)
	reverse.SetUpdate(reverseZone(reverseName))

	if remove {
		// Remove the whole rrset so stale addresses go too.
		forward.RemoveRRset([]mdns.RR{aRec})
		reverse.RemoveRRset([]mdns.RR{ptrRec})
	} else {
		// Replace semantics: drop existing rrset, insert the new record.
		forward.RemoveRRset([]mdns.RR{aRec})
		forward.Insert([]mdns.RR{aRec})
		reverse.RemoveRRset([]mdns.RR{ptrRec})
		reverse.Insert([]mdns.RR{ptrRec})
	}

	return forward, reverse, nil
}

func (m *rfc2136Maintainer) send(ctx context.Context, msg *mdns.Msg) error {
	if m.tsigName != "" {
		msg.SetTsig(mdns.Fqdn(m.tsigName), mdns.HmacSHA256, 300, time.Now().Unix())
	}

	reply, err := m.exchange(ctx, msg)
	if err != nil {
		return err
	}

	if reply.Rcode != mdns.RcodeSuccess {
		return fmt.Errorf("update refused: %s", mdns.RcodeToString[reply.Rcode])
	}

	return nil
}

// reverseZone derives the /24 zone from a full reverse name, e.g.
// 4.0.0.10.in-addr.arpa. -> 0.0.10.in-addr.arpa.
func reverseZone(reverseName string) string {
	_, zone, _ := strings.Cut(reverseName, ".")

	return zone
}
