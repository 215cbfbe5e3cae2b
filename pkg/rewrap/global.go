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
	"errors"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"
	"github.com/gchux/pcap-mix/pkg/config"
	"github.com/gchux/pcap-mix/pkg/stats"
	pkgerrors "github.com/pkg/errors"
	"github.com/segmentio/fasthash/fnv1a"
	"github.com/wissance/stringFormatter"
	"github.com/yl2chen/cidranger"
)

const (
	ipMapKey          = "ip.map"
	macMapKey         = "mac.map"
	portMapKey        = "port.map"
	ipGenerateIPv4Key = "ip.generate.ipv4"
	ipGenerateIPv6Key = "ip.generate.ipv6"
	macGenerateKey    = "mac.generate"
	ipKeepKey         = "ip.keep"
	randomSeedKey     = "random.seed"
	delayIPsKey       = "timestamp.delay.ips"
	httpPortsKey      = "http.ports"

	// benchmarking (RFC 2544) and documentation (RFC 3849) ranges never show up in real traffic
	defaultGenerateIPv4 = "198.18.0.0/15"
	defaultGenerateIPv6 = "2001:db8::/32"

	maxGenerateAttempts = 1 << 12
)

var defaultHTTPPorts = []uint16{80, 8080}

func configError(err error, key string) error {
	return errors.Join(config.ErrConfiguration, pkgerrors.Wrapf(err, "invalid '%s'", key))
}

func macKey(mac net.HardwareAddr) uint64 {
	return fnv1a.HashBytes64(mac)
}

func (g *Global) SetMAC(from, to net.HardwareAddr) error {
	if len(from) != len(to) {
		return pkgerrors.Errorf("cannot remap %s to %s: lengths differ", from, to)
	}
	key := macKey(from)
	if current, ok := g.MACMap.Get(key); ok {
		if current.String() == to.String() {
			return nil
		}
		return pkgerrors.Wrapf(ErrRemapConflict, "%s is already mapped to %s", from, current)
	}
	g.MACMap.Set(key, append(net.HardwareAddr{}, to...))
	g.assignedMACs.Add(macKey(to))
	return nil
}

func (g *Global) LookupMAC(mac net.HardwareAddr) (net.HardwareAddr, bool) {
	if len(mac) == 0 {
		return nil, false
	}
	return g.MACMap.Get(macKey(mac))
}

func (g *Global) SetPort(from, to uint16) error {
	if current, ok := g.PortMap.Get(from); ok {
		if current == to {
			return nil
		}
		return pkgerrors.Wrapf(ErrRemapConflict, "port %d is already mapped to %d", from, current)
	}
	g.PortMap.Set(from, to)
	return nil
}

func (g *Global) LookupPort(port uint16) (uint16, bool) {
	return g.PortMap.Get(port)
}

func prefixToIPNet(prefix netip.Prefix) net.IPNet {
	prefix = prefix.Masked()
	return net.IPNet{
		IP:   prefix.Addr().AsSlice(),
		Mask: net.CIDRMask(prefix.Bits(), prefix.Addr().BitLen()),
	}
}

// Keep excludes every address inside `prefix` from remapping.
func (g *Global) Keep(prefix netip.Prefix) error {
	return g.keep.Insert(cidranger.NewBasicRangerEntry(prefixToIPNet(prefix)))
}

func (g *Global) IsKept(addr netip.Addr) bool {
	kept, err := g.keep.Contains(net.IP(addr.Unmap().AsSlice()))
	return err == nil && kept
}

// SetGenerateNetwork enables address generation from `prefix` for its family.
func (g *Global) SetGenerateNetwork(prefix netip.Prefix) {
	prefix = prefix.Masked()
	if prefix.Addr().Is4() {
		g.generateIPv4 = &prefix
	} else {
		g.generateIPv6 = &prefix
	}
}

func (g *Global) DisableGeneration() {
	g.generateIPv4 = nil
	g.generateIPv6 = nil
	g.generateMACs = false
}

func (g *Global) SetGenerateMACs(enabled bool) {
	g.generateMACs = enabled
}

// remap entries are either `{<kind>: {old, new}}` or `{old, new}`
func parseRemapEntries(tree *gabs.Container, key, kind string) ([][2]string, error) {
	items, ok, err := config.List(tree, key)
	if !ok || err != nil {
		return nil, err
	}

	pairs := make([][2]string, 0, len(items))
	for i, item := range items {
		entry := config.Lookup(item, kind)
		if entry == nil {
			entry = item
		}
		from, hasFrom, err := config.String(entry, "old")
		if err != nil {
			return nil, err
		}
		to, hasTo, err := config.String(entry, "new")
		if err != nil {
			return nil, err
		}
		if !hasFrom || !hasTo {
			return nil, pkgerrors.Wrapf(config.ErrConfiguration, "%s[%d]: both 'old' and 'new' are required", key, i)
		}
		pairs = append(pairs, [2]string{from, to})
	}
	return pairs, nil
}

func fillIPMap(tree *gabs.Container, g *Global) error {
	pairs, err := parseRemapEntries(tree, ipMapKey, "ip")
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		from, err := netip.ParseAddr(pair[0])
		if err != nil {
			return err
		}
		to, err := netip.ParseAddr(pair[1])
		if err != nil {
			return err
		}
		if err := g.IPMap.Set(from, to); err != nil {
			return err
		}
	}
	return nil
}

func fillMACMap(tree *gabs.Container, g *Global) error {
	pairs, err := parseRemapEntries(tree, macMapKey, "mac")
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		from, err := net.ParseMAC(pair[0])
		if err != nil {
			return err
		}
		to, err := net.ParseMAC(pair[1])
		if err != nil {
			return err
		}
		if err := g.SetMAC(from, to); err != nil {
			return err
		}
	}
	return nil
}

func parsePort(value string) (uint16, error) {
	port, err := strconv.ParseUint(strings.TrimSpace(value), 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(port), nil
}

func fillPortMap(tree *gabs.Container, g *Global) error {
	pairs, err := parseRemapEntries(tree, portMapKey, "port")
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		from, err := parsePort(pair[0])
		if err != nil {
			return err
		}
		to, err := parsePort(pair[1])
		if err != nil {
			return err
		}
		if err := g.SetPort(from, to); err != nil {
			return err
		}
	}
	return nil
}

// generation is on by default; `false` or `none` turns it off
func fillGenerateNetwork(tree *gabs.Container, g *Global, key, fallback string, is4 bool) error {
	value, ok, err := config.String(tree, key)
	if err != nil {
		return err
	}
	if !ok {
		value = fallback
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "false", "none", "off", "":
		if is4 {
			g.generateIPv4 = nil
		} else {
			g.generateIPv6 = nil
		}
		return nil
	}

	prefix, err := netip.ParsePrefix(value)
	if err != nil {
		return err
	}
	if prefix.Addr().Is4() != is4 {
		return pkgerrors.Errorf("network %s belongs to the wrong address family", prefix)
	}
	g.SetGenerateNetwork(prefix)
	return nil
}

func fillKeepNetworks(tree *gabs.Container, g *Global) error {
	networks, _, err := config.Strings(tree, ipKeepKey)
	if err != nil {
		return err
	}
	for _, network := range networks {
		prefix, err := netip.ParsePrefix(network)
		if err != nil {
			addr, addrErr := netip.ParseAddr(network)
			if addrErr != nil {
				return err
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		if err := g.Keep(prefix); err != nil {
			return err
		}
	}
	return nil
}

func fillDelayIPs(tree *gabs.Container, g *Global) error {
	ips, _, err := config.Strings(tree, delayIPsKey)
	if err != nil {
		return err
	}
	for _, ip := range ips {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return err
		}
		g.DelayIPs.Add(addr.Unmap())
	}
	return nil
}

func fillHTTPPorts(tree *gabs.Container, g *Global) error {
	ports, ok, err := config.Strings(tree, httpPortsKey)
	if !ok || err != nil {
		return err
	}
	g.HTTPPorts.Clear()
	for _, value := range ports {
		port, err := parsePort(value)
		if err != nil {
			return err
		}
		g.HTTPPorts.Add(port)
	}
	return nil
}

// FillGlobal seeds `g` with the remap tables and knobs found in `tree`.
// Unknown keys are ignored.
func FillGlobal(tree *gabs.Container, g *Global) error {
	seed, ok, err := config.Int(tree, randomSeedKey)
	if err != nil {
		return configError(err, randomSeedKey)
	}
	if ok {
		g.SetSeed(seed)
	}

	steps := []struct {
		key  string
		fill func(*gabs.Container, *Global) error
	}{
		{ipMapKey, fillIPMap},
		{macMapKey, fillMACMap},
		{portMapKey, fillPortMap},
		{ipGenerateIPv4Key, func(tree *gabs.Container, g *Global) error {
			return fillGenerateNetwork(tree, g, ipGenerateIPv4Key, defaultGenerateIPv4, true /* is4 */)
		}},
		{ipGenerateIPv6Key, func(tree *gabs.Container, g *Global) error {
			return fillGenerateNetwork(tree, g, ipGenerateIPv6Key, defaultGenerateIPv6, false /* is4 */)
		}},
		{ipKeepKey, fillKeepNetworks},
		{delayIPsKey, fillDelayIPs},
		{httpPortsKey, fillHTTPPorts},
	}
	for _, step := range steps {
		if err := step.fill(tree, g); err != nil {
			return configError(err, step.key)
		}
	}

	generateMACs, ok, err := config.Bool(tree, macGenerateKey)
	if err != nil {
		return configError(err, macGenerateKey)
	}
	g.SetGenerateMACs(!ok || generateMACs)

	rewrapLogger.Printf("%s\n", stringFormatter.Format("global | IPs: {0} | MACs: {1} | ports: {2} | seed: {3}",
		g.IPMap.Len(), g.MACMap.Len(), g.PortMap.Len(), g.Seed))
	return nil
}

func hostBounds(prefix netip.Prefix) (netip.Addr, netip.Addr) {
	first := prefix.Masked().Addr()
	bytes := first.AsSlice()
	for i := prefix.Bits(); i < len(bytes)*8; i++ {
		bytes[i/8] |= 0x80 >> (i % 8)
	}
	last, _ := netip.AddrFromSlice(bytes)
	return first, last
}

func (g *Global) randomAddr(prefix netip.Prefix) netip.Addr {
	bytes := prefix.Masked().Addr().AsSlice()
	for i := prefix.Bits(); i < len(bytes)*8; i++ {
		if g.rand.Intn(2) == 1 {
			bytes[i/8] |= 0x80 >> (i % 8)
		}
	}
	addr, _ := netip.AddrFromSlice(bytes)
	return addr
}

func (g *Global) isUsable(addr netip.Addr) bool {
	return !g.Statistics.HasIP(addr) &&
		!g.AttackStatistics.HasIP(addr) &&
		!g.IPMap.IsAssigned(addr) &&
		!g.IsKept(addr)
}

func (g *Global) generateAddr(prefix netip.Prefix) (netip.Addr, error) {
	first, last := hostBounds(prefix)
	// network and broadcast addresses only exist in IPv4 networks larger than /31
	skipBounds := prefix.Addr().Is4() && prefix.Bits() < 31

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		addr := g.randomAddr(prefix)
		if skipBounds && (addr == first || addr == last) {
			continue
		}
		if g.isUsable(addr) {
			return addr, nil
		}
	}
	return netip.Addr{}, pkgerrors.Wrapf(ErrAddressSpaceExhausted, "no free address left in %s", prefix)
}

// remappable reports whether a donor address gets a generated replacement.
func (g *Global) remappable(addr netip.Addr) bool {
	return addr.IsGlobalUnicast() && !g.IPMap.Has(addr) && !g.IsKept(addr)
}

// generateAddrs maps every remappable donor address in ascending order, so
// that the same donor and seed always yield the same mappings.
func (g *Global) generateAddrs(ipv4, ipv6 bool) error {
	generated := 0
	for _, addr := range g.AttackStatistics.Addrs() {
		if !g.remappable(addr) {
			continue
		}

		var prefix *netip.Prefix
		if addr.Is4() && ipv4 {
			prefix = g.generateIPv4
		} else if addr.Is6() && ipv6 {
			prefix = g.generateIPv6
		}
		if prefix == nil {
			continue
		}

		to, err := g.generateAddr(*prefix)
		if err != nil {
			return err
		}
		if err := g.IPMap.Set(addr, to); err != nil {
			return err
		}
		generated++
	}

	if generated > 0 {
		rewrapLogger.Printf("%s\n", stringFormatter.Format("generated {0} IP mappings", generated))
	}
	return nil
}

func (g *Global) randomMAC() net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	for i := range mac {
		mac[i] = byte(g.rand.Intn(256))
	}
	// locally administered unicast
	mac[0] = (mac[0] | 0x02) &^ 0x01
	return mac
}

func (g *Global) generateMACAddrs() error {
	generated := 0
	for _, mac := range g.AttackStatistics.SortedMACs() {
		if _, mapped := g.LookupMAC(mac); mapped || !stats.IsUnicastMAC(mac) {
			continue
		}

		var to net.HardwareAddr
		for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
			candidate := g.randomMAC()
			if !g.Statistics.HasMAC(candidate) &&
				!g.AttackStatistics.HasMAC(candidate) &&
				!g.assignedMACs.Contains(macKey(candidate)) {
				to = candidate
				break
			}
		}
		if to == nil {
			return pkgerrors.Wrap(ErrAddressSpaceExhausted, "no free MAC address left")
		}

		if err := g.SetMAC(mac, to); err != nil {
			return err
		}
		generated++
	}

	if generated > 0 {
		rewrapLogger.Printf("%s\n", stringFormatter.Format("generated {0} MAC mappings", generated))
	}
	return nil
}
