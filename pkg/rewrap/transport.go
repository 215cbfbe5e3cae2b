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
	"strings"

	"github.com/gchux/pcap-mix/pkg/pcap"
	"github.com/google/gopacket/layers"
)

// tcpFlags renders the set flags in the order a handshake reads: `SYN|ACK`.
func tcpFlags(tcp *layers.TCP) string {
	flags := make([]string, 0, 8)
	for _, flag := range []struct {
		set  bool
		name string
	}{
		{tcp.SYN, "SYN"}, {tcp.FIN, "FIN"}, {tcp.RST, "RST"}, {tcp.PSH, "PSH"},
		{tcp.ACK, "ACK"}, {tcp.URG, "URG"}, {tcp.ECE, "ECE"}, {tcp.CWR, "CWR"},
	} {
		if flag.set {
			flags = append(flags, flag.name)
		}
	}
	return strings.Join(flags, "|")
}

func (g *Global) rewriteTCPPort(port *layers.TCPPort) bool {
	to, ok := g.LookupPort(uint16(*port))
	if !ok {
		return false
	}
	*port = layers.TCPPort(to)
	return true
}

func (g *Global) rewriteUDPPort(port *layers.UDPPort) bool {
	to, ok := g.LookupPort(uint16(*port))
	if !ok {
		return false
	}
	*port = layers.UDPPort(to)
	return true
}

func shiftSequence(seq uint32, delta int64) uint32 {
	// wraps around like the sequence space does
	return uint32(int64(seq) + delta)
}

func rewriteTCP(s *State, packet *pcap.Packet) (bool, error) {
	tcp := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
	g := s.Global

	src := g.rewriteTCPPort(&tcp.SrcPort)
	dst := g.rewriteTCPPort(&tcp.DstPort)
	changed := src || dst

	// payload rewrites of earlier segments moved the sequence space of each direction
	if conversation := s.Packet.Conversation; conversation != nil {
		direction := s.Packet.Direction
		if delta := conversation.SeqDelta(direction); delta != 0 {
			tcp.Seq = shiftSequence(tcp.Seq, delta)
			changed = true
		}
		if delta := conversation.SeqDelta(direction.Reverse()); delta != 0 && tcp.ACK {
			tcp.Ack = shiftSequence(tcp.Ack, delta)
			changed = true
		}
	}
	return changed, nil
}

func rewriteUDP(s *State, packet *pcap.Packet) (bool, error) {
	udp := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	src := s.Global.rewriteUDPPort(&udp.SrcPort)
	dst := s.Global.rewriteUDPPort(&udp.DstPort)
	return src || dst, nil
}
