// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rewrap

import (
	"encoding/binary"
	"net/netip"

	"github.com/gchux/pcap-mix/pkg/pcap"
	"github.com/google/gopacket/layers"
)

type quotedPacket struct {
	// quoted network header followed by (part of) its payload
	header  []byte
	version uint8
	proto   layers.IPProtocol
	// quoted transport header, usually truncated to 8 bytes
	transport []byte
}

const (
	ipv4MinHeaderSize = 20
	ipv6HeaderSize    = 40
	// ICMPv6 errors carry 4 bytes (unused/MTU/pointer) before the quoted packet
	icmpv6ErrorPrefix = 4
)

func isICMPv4Error(icmpType uint8) bool {
	switch icmpType {
	case layers.ICMPv4TypeDestinationUnreachable,
		layers.ICMPv4TypeSourceQuench,
		layers.ICMPv4TypeRedirect,
		layers.ICMPv4TypeTimeExceeded,
		layers.ICMPv4TypeParameterProblem:
		return true
	}
	return false
}

func isICMPv6Error(icmpType uint8) bool {
	switch icmpType {
	case layers.ICMPv6TypeDestinationUnreachable,
		layers.ICMPv6TypePacketTooBig,
		layers.ICMPv6TypeTimeExceeded,
		layers.ICMPv6TypeParameterProblem:
		return true
	}
	return false
}

// quotedIPPacket locates the offending packet quoted by an ICMP error message.
func quotedIPPacket(packet *pcap.Packet) (*quotedPacket, bool) {
	payload := packet.Payload()
	if payload == nil {
		return nil, false
	}
	data := []byte(*payload)

	if l := packet.Layer(layers.LayerTypeICMPv4); l != nil {
		if !isICMPv4Error(l.(*layers.ICMPv4).TypeCode.Type()) {
			return nil, false
		}
	} else if l := packet.Layer(layers.LayerTypeICMPv6); l != nil {
		if !isICMPv6Error(l.(*layers.ICMPv6).TypeCode.Type()) || len(data) < icmpv6ErrorPrefix {
			return nil, false
		}
		data = data[icmpv6ErrorPrefix:]
	} else {
		return nil, false
	}

	if len(data) == 0 {
		return nil, false
	}

	switch version := data[0] >> 4; version {
	case 4:
		ihl := int(data[0]&0x0f) * 4
		if ihl < ipv4MinHeaderSize || len(data) < ihl {
			return nil, false
		}
		return &quotedPacket{
			header:    data,
			version:   version,
			proto:     layers.IPProtocol(data[9]),
			transport: data[ihl:],
		}, true
	case 6:
		if len(data) < ipv6HeaderSize {
			return nil, false
		}
		// extension headers are not walked
		return &quotedPacket{
			header:    data,
			version:   version,
			proto:     layers.IPProtocol(data[6]),
			transport: data[ipv6HeaderSize:],
		}, true
	}
	return nil, false
}

// ipv4HeaderChecksum is the ones' complement sum of the header with its checksum field zeroed.
func ipv4HeaderChecksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		if i == 10 {
			continue
		}
		sum += uint32(header[i])<<8 | uint32(header[i+1])
	}
	for sum>>16 > 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func (g *Global) rewriteRedirectGateway(icmp *layers.ICMPv4) bool {
	if icmp.TypeCode.Type() != layers.ICMPv4TypeRedirect {
		return false
	}
	var gateway [4]byte
	binary.BigEndian.PutUint16(gateway[0:2], icmp.Id)
	binary.BigEndian.PutUint16(gateway[2:4], icmp.Seq)

	to, ok := g.IPMap.Get(netip.AddrFrom4(gateway))
	if !ok {
		return false
	}
	gateway = to.As4()
	icmp.Id = binary.BigEndian.Uint16(gateway[0:2])
	icmp.Seq = binary.BigEndian.Uint16(gateway[2:4])
	return true
}

func rewriteICMPQuotedIP(s *State, packet *pcap.Packet) (bool, error) {
	g := s.Global
	changed := false

	if l := packet.Layer(layers.LayerTypeICMPv4); l != nil {
		changed = g.rewriteRedirectGateway(l.(*layers.ICMPv4))
	}

	quoted, ok := quotedIPPacket(packet)
	if !ok {
		return changed, nil
	}

	switch quoted.version {
	case 4:
		src := g.IPMap.RewriteBytes(quoted.header[12:16])
		dst := g.IPMap.RewriteBytes(quoted.header[16:20])
		if src || dst {
			ihl := int(quoted.header[0]&0x0f) * 4
			binary.BigEndian.PutUint16(quoted.header[10:12], ipv4HeaderChecksum(quoted.header[:ihl]))
			changed = true
		}
	case 6:
		src := g.IPMap.RewriteBytes(quoted.header[8:24])
		dst := g.IPMap.RewriteBytes(quoted.header[24:40])
		changed = src || dst || changed
	}
	return changed, nil
}

func (g *Global) rewritePortBytes(port []byte) bool {
	to, ok := g.LookupPort(binary.BigEndian.Uint16(port))
	if !ok {
		return false
	}
	binary.BigEndian.PutUint16(port, to)
	return true
}

func rewriteQuotedPorts(s *State, packet *pcap.Packet, proto layers.IPProtocol) (bool, error) {
	quoted, ok := quotedIPPacket(packet)
	if !ok || quoted.proto != proto || len(quoted.transport) < 4 {
		return false, nil
	}
	src := s.Global.rewritePortBytes(quoted.transport[0:2])
	dst := s.Global.rewritePortBytes(quoted.transport[2:4])
	return src || dst, nil
}

func rewriteICMPQuotedTCP(s *State, packet *pcap.Packet) (bool, error) {
	return rewriteQuotedPorts(s, packet, layers.IPProtocolTCP)
}

func rewriteICMPQuotedUDP(s *State, packet *pcap.Packet) (bool, error) {
	return rewriteQuotedPorts(s, packet, layers.IPProtocolUDP)
}
