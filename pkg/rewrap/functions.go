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
	"github.com/gchux/pcap-mix/pkg/pcap"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	pkgerrors "github.com/pkg/errors"
)

type (
	remapKind uint8

	rewriteFn = func(*State, *pcap.Packet) (bool, error)

	rewriteFunction struct {
		name              string
		layers            []gopacket.LayerType
		remaps            remapKind
		needsConversation bool
		rewrite           rewriteFn
	}
)

const (
	remapMAC remapKind = 1 << iota
	remapIPv4
	remapIPv6

	remapIP = remapIPv4 | remapIPv6
)

const (
	MACChangeDefault     = "mac_change_default"
	ARPChangeDefault     = "arp_change_default"
	IPChangeDefault      = "ip_change_default"
	IPv6ChangeDefault    = "ipv6_change_default"
	ICMPIPChangeDefault  = "icmp_ip_change_default"
	ICMPTCPChangeDefault = "icmp_tcp_change_default"
	ICMPUDPChangeDefault = "icmp_udp_change_default"
	TCPChangeDefault     = "tcp_change_default"
	UDPChangeDefault     = "udp_change_default"
	DNSChangeIPs         = "dns_change_ips"
	HTTPv1RegexIPSwap    = "httpv1_regex_ip_swap"
)

// DefaultRewriteFunctions lists the protocol rewrites in layering order:
// upper layers must observe the addresses already rewritten by lower ones.
var DefaultRewriteFunctions = []string{
	MACChangeDefault,
	ARPChangeDefault,
	IPChangeDefault,
	IPv6ChangeDefault,
	ICMPIPChangeDefault,
	ICMPTCPChangeDefault,
	ICMPUDPChangeDefault,
	TCPChangeDefault,
	UDPChangeDefault,
	DNSChangeIPs,
	HTTPv1RegexIPSwap,
}

var rewriteFunctions = map[string]*rewriteFunction{
	MACChangeDefault: {
		layers:  []gopacket.LayerType{layers.LayerTypeEthernet},
		remaps:  remapMAC,
		rewrite: rewriteEthernet,
	},
	ARPChangeDefault: {
		layers:  []gopacket.LayerType{layers.LayerTypeARP},
		remaps:  remapMAC | remapIPv4,
		rewrite: rewriteARP,
	},
	IPChangeDefault: {
		layers:  []gopacket.LayerType{layers.LayerTypeIPv4},
		remaps:  remapIPv4,
		rewrite: rewriteIPv4,
	},
	IPv6ChangeDefault: {
		layers:  []gopacket.LayerType{layers.LayerTypeIPv6},
		remaps:  remapIPv6,
		rewrite: rewriteIPv6,
	},
	ICMPIPChangeDefault: {
		layers:  []gopacket.LayerType{layers.LayerTypeICMPv4, layers.LayerTypeICMPv6},
		remaps:  remapIP,
		rewrite: rewriteICMPQuotedIP,
	},
	ICMPTCPChangeDefault: {
		layers:  []gopacket.LayerType{layers.LayerTypeICMPv4, layers.LayerTypeICMPv6},
		rewrite: rewriteICMPQuotedTCP,
	},
	ICMPUDPChangeDefault: {
		layers:  []gopacket.LayerType{layers.LayerTypeICMPv4, layers.LayerTypeICMPv6},
		rewrite: rewriteICMPQuotedUDP,
	},
	TCPChangeDefault: {
		layers:            []gopacket.LayerType{layers.LayerTypeTCP},
		needsConversation: true,
		rewrite:           rewriteTCP,
	},
	UDPChangeDefault: {
		layers:  []gopacket.LayerType{layers.LayerTypeUDP},
		rewrite: rewriteUDP,
	},
	DNSChangeIPs: {
		layers:  []gopacket.LayerType{layers.LayerTypeDNS},
		remaps:  remapIP,
		rewrite: rewriteDNS,
	},
	HTTPv1RegexIPSwap: {
		layers:            []gopacket.LayerType{layers.LayerTypeTCP},
		remaps:            remapIPv4,
		needsConversation: true,
		rewrite:           rewriteHTTPv1,
	},
}

func init() {
	for name, fn := range rewriteFunctions {
		fn.name = name
	}
}

// RewriteFunctionByName resolves one of the protocol rewrites.
func RewriteFunctionByName(name string) (RewriteFunction, error) {
	if fn, ok := rewriteFunctions[name]; ok {
		return fn, nil
	}
	return nil, pkgerrors.Wrapf(ErrUnknownFunction, "rewrite function '%s'", name)
}

func (f *rewriteFunction) Name() string {
	return f.name
}

func (f *rewriteFunction) Layers() []gopacket.LayerType {
	return f.layers
}

func (f *rewriteFunction) NeedsConversation() bool {
	return f.needsConversation
}

func (f *rewriteFunction) Rewrite(s *State, packet *pcap.Packet) (bool, error) {
	return f.rewrite(s, packet)
}

func remapsOf(fn RewriteFunction) remapKind {
	if f, ok := fn.(*rewriteFunction); ok {
		return f.remaps
	}
	return 0
}

// appliesTo reports whether the packet carries any of the layers `fn` rewrites.
func appliesTo(fn RewriteFunction, packet *pcap.Packet) bool {
	for _, layerType := range fn.Layers() {
		if packet.Layer(layerType) != nil {
			return true
		}
	}
	return false
}
