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

package discovery

import (
	"context"
	"errors"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/rs/zerolog/log"
)

// SightingFunc receives the (ip, mac) of every snooped DHCP ACK.
type SightingFunc func(ctx context.Context, ip, mac string) error

// Snooper listens for mirrored DHCPv4 traffic. The DHCP server (or a
// relay) forwards raw BOOTP payloads to this socket; ACKs tell us which
// address a BMC just got.
type Snooper struct {
	conn net.PacketConn
	hook SightingFunc
}

func NewSnooper(addr string, hook SightingFunc) (*Snooper, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}

	return &Snooper{conn: conn, hook: hook}, nil
}

// Run reads packets until the context is canceled or the socket closes.
// Sighting failures are logged, never fatal; the next lease renewal will
// retry anyway.
func (s *Snooper) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close() //nolint:errcheck // ok to ignore this error
	}()

	buf := make([]byte, 4096)

	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			return err
		}

		ip, mac, ok := parseSighting(buf[:n])
		if !ok {
			continue
		}

		if err := s.hook(ctx, ip, mac); err != nil {
			log.Error().Err(err).
				Str("ip", ip).
				Str("mac", mac).
				Msg("DHCP sighting failed")
		}
	}
}

func (s *Snooper) Close() error {
	return s.conn.Close()
}

// parseSighting extracts (yiaddr, chaddr) from a DHCPv4 ACK.
func parseSighting(raw []byte) (string, string, bool) {
	pkt, err := dhcpv4.FromBytes(raw)
	if err != nil {
		return "", "", false
	}

	if pkt.MessageType() != dhcpv4.MessageTypeAck {
		return "", "", false
	}

	if pkt.YourIPAddr == nil || pkt.YourIPAddr.IsUnspecified() {
		return "", "", false
	}

	return pkt.YourIPAddr.String(), pkt.ClientHWAddr.String(), true
}
