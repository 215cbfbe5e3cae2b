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

// Package stats profiles a capture in a single blocking pass.
//
// The result is read-only once `Load` returns: address sets feed address
// generation (so fresh addresses never collide with the target capture) and
// TCP timing feeds timestamp regeneration.
package stats

import (
	"errors"
	"io"
	"log"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/Jeffail/gabs/v2"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gchux/pcap-mix/pkg/pcap"
	"github.com/google/btree"
	"github.com/google/gopacket/layers"
	"github.com/segmentio/fasthash/fnv1a"
	"github.com/wissance/stringFormatter"
	"github.com/zhangyunhao116/skipmap"
)

type (
	Statistics struct {
		Path          string
		LinkType      layers.LinkType
		PacketCount   uint64
		ByteCount     uint64
		FirstPacketAt time.Time
		LastPacketAt  time.Time

		// ordered view of every L3 address seen (IP headers and ARP)
		addrs *btree.BTreeG[netip.Addr]
		// O(1) membership for the same addresses
		IPs  mapset.Set[netip.Addr]
		MACs mapset.Set[string]

		// layer name -> packets containing it
		Layers *skipmap.StringMap[uint64]
		// TCP/UDP destination port -> packets
		Ports *skipmap.Uint32Map[uint64]

		TCPConversations uint64
		AvgTCPDelay      time.Duration

		withTCPDelays bool
		tcpGapsTotal  time.Duration
		tcpGapsCount  uint64
		tcpLastSeen   map[Flow]time.Time
	}

	Option func(*Statistics)
)

var statsLogger = log.New(os.Stderr, "[stats] - ", log.LstdFlags)

// WithoutTCPDelays skips per-conversation timing, saving one map entry per TCP conversation.
func WithoutTCPDelays() Option {
	return func(s *Statistics) {
		s.withTCPDelays = false
	}
}

func addrLessThanFunc(a, b netip.Addr) bool {
	return a.Less(b)
}

func newStatistics(path string) *Statistics {
	return &Statistics{
		Path:          path,
		addrs:         btree.NewG[netip.Addr](2, addrLessThanFunc),
		IPs:           mapset.NewThreadUnsafeSet[netip.Addr](),
		MACs:          mapset.NewThreadUnsafeSet[string](),
		Layers:        skipmap.NewString[uint64](),
		Ports:         skipmap.NewUint32[uint64](),
		withTCPDelays: true,
		tcpLastSeen:   make(map[Flow]time.Time),
	}
}

// New returns empty statistics, useful when no target capture is available.
func New() *Statistics {
	return newStatistics("")
}

func increment[K comparable](m interface {
	Load(K) (uint64, bool)
	Store(K, uint64)
}, key K,
) {
	count, _ := m.Load(key)
	m.Store(key, count+1)
}

func (s *Statistics) addIP(ip net.IP) (netip.Addr, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return addr, false
	}
	addr = addr.Unmap()
	if !s.IPs.Contains(addr) {
		s.IPs.Add(addr)
		s.addrs.ReplaceOrInsert(addr)
	}
	return addr, true
}

func (s *Statistics) addMAC(mac net.HardwareAddr) {
	if len(mac) == 6 {
		s.MACs.Add(mac.String())
	}
}

// Flow identifies both directions of a transport conversation: endpoints are kept in ascending order.
type Flow struct {
	Proto  uint8
	Lo, Hi netip.AddrPort
}

func NewFlow(proto uint8, src, dst netip.AddrPort) Flow {
	if src.Compare(dst) > 0 {
		src, dst = dst, src
	}
	return Flow{Proto: proto, Lo: src, Hi: dst}
}

// ID hashes every address together with its own port.
func (f Flow) ID() uint64 {
	lo, hi := f.Lo.Addr().As16(), f.Hi.Addr().As16()
	h := fnv1a.AddUint64(fnv1a.Init64, uint64(f.Proto))
	h = fnv1a.AddBytes64(h, lo[:])
	h = fnv1a.AddUint64(h, uint64(f.Lo.Port()))
	h = fnv1a.AddBytes64(h, hi[:])
	return fnv1a.AddUint64(h, uint64(f.Hi.Port()))
}

func (s *Statistics) trackTCP(ip4 *layers.IPv4, ip6 *layers.IPv6, tcp *layers.TCP, ts time.Time) {
	var src, dst []byte
	if ip4 != nil {
		src, dst = ip4.SrcIP, ip4.DstIP
	} else if ip6 != nil {
		src, dst = ip6.SrcIP, ip6.DstIP
	} else {
		return
	}
	srcAddr, ok := netip.AddrFromSlice(src)
	if !ok {
		return
	}
	dstAddr, ok := netip.AddrFromSlice(dst)
	if !ok {
		return
	}

	conversation := NewFlow(uint8(layers.IPProtocolTCP),
		netip.AddrPortFrom(srcAddr.Unmap(), uint16(tcp.SrcPort)),
		netip.AddrPortFrom(dstAddr.Unmap(), uint16(tcp.DstPort)))

	last, ok := s.tcpLastSeen[conversation]
	if !ok {
		s.TCPConversations++
	} else if gap := ts.Sub(last); gap >= 0 {
		s.tcpGapsTotal += gap
		s.tcpGapsCount++
	}
	s.tcpLastSeen[conversation] = ts
}

func (s *Statistics) add(packet *pcap.Packet) {
	ts := packet.Timestamp()
	if s.PacketCount == 0 {
		s.FirstPacketAt = ts
	}
	s.LastPacketAt = ts
	s.PacketCount++
	s.ByteCount += uint64(packet.CaptureInfo().Length)

	for _, layer := range packet.Layers() {
		increment[string](s.Layers, layer.LayerType().String())
	}

	if l := packet.Layer(layers.LayerTypeEthernet); l != nil {
		eth := l.(*layers.Ethernet)
		s.addMAC(eth.SrcMAC)
		s.addMAC(eth.DstMAC)
	}

	if l := packet.Layer(layers.LayerTypeARP); l != nil {
		arp := l.(*layers.ARP)
		s.addMAC(arp.SourceHwAddress)
		s.addMAC(arp.DstHwAddress)
		if arp.Protocol == layers.EthernetTypeIPv4 {
			s.addIP(arp.SourceProtAddress)
			s.addIP(arp.DstProtAddress)
		}
	}

	var ip4 *layers.IPv4
	var ip6 *layers.IPv6
	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip4 = l.(*layers.IPv4)
		s.addIP(ip4.SrcIP)
		s.addIP(ip4.DstIP)
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip6 = l.(*layers.IPv6)
		s.addIP(ip6.SrcIP)
		s.addIP(ip6.DstIP)
	}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		increment[uint32](s.Ports, uint32(tcp.DstPort))
		if s.withTCPDelays {
			s.trackTCP(ip4, ip6, tcp, ts)
		}
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		increment[uint32](s.Ports, uint32(l.(*layers.UDP).DstPort))
	}
}

func (s *Statistics) finalize() {
	if s.tcpGapsCount > 0 {
		s.AvgTCPDelay = s.tcpGapsTotal / time.Duration(s.tcpGapsCount)
	}
	// per-conversation bookkeeping is only needed while loading
	s.tcpLastSeen = nil
}

// Load profiles the capture at `path`. This is the only pass over the
// capture that happens before rewriting starts.
func Load(path string, opts ...Option) (*Statistics, error) {
	reader, err := pcap.NewReader(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	s := newStatistics(path)
	s.LinkType = reader.LinkType()
	for _, opt := range opts {
		opt(s)
	}

	for {
		packet, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		s.add(packet)
	}
	s.finalize()

	statsLogger.Printf("%s\n", stringFormatter.Format("{0} | packets: {1} | duration: {2} | IPs: {3} | MACs: {4} | avg TCP delay: {5}",
		path, s.PacketCount, s.Duration(), s.IPs.Cardinality(), s.MACs.Cardinality(), s.AvgTCPDelay))
	return s, nil
}

// Addrs returns every L3 address seen, in ascending order.
func (s *Statistics) Addrs() []netip.Addr {
	addrs := make([]netip.Addr, 0, s.addrs.Len())
	s.addrs.Ascend(func(addr netip.Addr) bool {
		addrs = append(addrs, addr)
		return true
	})
	return addrs
}

// SortedMACs returns every unicast MAC seen, in ascending byte order.
func (s *Statistics) SortedMACs() []net.HardwareAddr {
	macs := btree.NewG[string](2, func(a, b string) bool { return a < b })
	s.MACs.Each(func(mac string) bool {
		macs.ReplaceOrInsert(mac)
		return false
	})

	sorted := make([]net.HardwareAddr, 0, macs.Len())
	macs.Ascend(func(mac string) bool {
		if hw, err := net.ParseMAC(mac); err == nil && IsUnicastMAC(hw) {
			sorted = append(sorted, hw)
		}
		return true
	})
	return sorted
}

// IsUnicastMAC excludes group addresses and the all-zero placeholder
// carried by ARP requests.
func IsUnicastMAC(mac net.HardwareAddr) bool {
	if len(mac) == 0 || mac[0]&0x01 != 0 {
		return false
	}
	for _, b := range mac {
		if b != 0 {
			return true
		}
	}
	return false
}

func (s *Statistics) HasIP(addr netip.Addr) bool {
	return s.IPs.Contains(addr.Unmap())
}

func (s *Statistics) HasMAC(mac net.HardwareAddr) bool {
	return s.MACs.Contains(mac.String())
}

// Duration is the time covered by the capture.
func (s *Statistics) Duration() time.Duration {
	return s.LastPacketAt.Sub(s.FirstPacketAt)
}

// JSON summarizes the capture for run reports.
func (s *Statistics) JSON() *gabs.Container {
	json := gabs.New()
	json.Set(s.Path, "path")
	json.Set(s.PacketCount, "packets")
	json.Set(s.ByteCount, "bytes")
	json.Set(s.Duration().String(), "duration")
	json.Set(s.IPs.Cardinality(), "addresses")
	json.Set(s.MACs.Cardinality(), "macs")
	json.Set(s.TCPConversations, "tcp", "conversations")
	json.Set(s.AvgTCPDelay.String(), "tcp", "avg_delay")
	s.Layers.Range(func(name string, count uint64) bool {
		json.Set(count, "layers", name)
		return true
	})
	s.Ports.Range(func(port uint32, count uint64) bool {
		json.Set(count, "ports", strconv.FormatUint(uint64(port), 10))
		return true
	})
	return json
}
