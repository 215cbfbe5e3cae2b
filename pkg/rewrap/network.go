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
	"net"

	"github.com/gchux/pcap-mix/pkg/pcap"
	"github.com/gchux/pcap-mix/pkg/stats"
	"github.com/google/gopacket/layers"
)

func (g *Global) rewriteMAC(mac *net.HardwareAddr) bool {
	if !stats.IsUnicastMAC(*mac) {
		return false
	}
	to, ok := g.LookupMAC(*mac)
	if !ok {
		return false
	}
	*mac = append(net.HardwareAddr{}, to...)
	return true
}

// rewriteMACBytes rewrites in place, keeping the slice length.
func (g *Global) rewriteMACBytes(mac []byte) bool {
	if !stats.IsUnicastMAC(mac) {
		return false
	}
	to, ok := g.LookupMAC(mac)
	if !ok || len(to) != len(mac) {
		return false
	}
	copy(mac, to)
	return true
}

func (g *Global) rewriteIP(ip *net.IP) bool {
	to, ok := g.IPMap.LookupIP(*ip)
	if !ok {
		return false
	}
	*ip = to
	return true
}

func rewriteEthernet(s *State, packet *pcap.Packet) (bool, error) {
	eth := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	src := s.Global.rewriteMAC(&eth.SrcMAC)
	dst := s.Global.rewriteMAC(&eth.DstMAC)
	return src || dst, nil
}

func rewriteARP(s *State, packet *pcap.Packet) (bool, error) {
	arp := packet.Layer(layers.LayerTypeARP).(*layers.ARP)
	g := s.Global

	changed := g.rewriteMACBytes(arp.SourceHwAddress)
	changed = g.rewriteMACBytes(arp.DstHwAddress) || changed

	if arp.Protocol == layers.EthernetTypeIPv4 {
		changed = g.IPMap.RewriteBytes(arp.SourceProtAddress) || changed
		changed = g.IPMap.RewriteBytes(arp.DstProtAddress) || changed
	}
	return changed, nil
}

func rewriteIPv4(s *State, packet *pcap.Packet) (bool, error) {
	ip4 := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	src := s.Global.rewriteIP(&ip4.SrcIP)
	dst := s.Global.rewriteIP(&ip4.DstIP)
	return src || dst, nil
}

func rewriteIPv6(s *State, packet *pcap.Packet) (bool, error) {
	ip6 := packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	src := s.Global.rewriteIP(&ip6.SrcIP)
	dst := s.Global.rewriteIP(&ip6.DstIP)
	return src || dst, nil
}
