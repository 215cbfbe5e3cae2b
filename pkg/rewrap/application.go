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
	"bytes"
	"net/netip"
	"regexp"

	"github.com/gchux/pcap-mix/pkg/pcap"
	"github.com/google/gopacket/layers"
)

const (
	http11RequestPayloadRegexStr  = `^(?P<method>.+?)\s(?P<url>.+?)\sHTTP/1\.[01](?:\r?\n)?.*`
	http11ResponsePayloadRegexStr = `^HTTP/1\.[01]\s(?P<code>\d{3})\s(?P<status>.+?)(?:\r?\n)?.*`
	ipv4LiteralRegexStr           = `\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`
)

var (
	http11RequestPayloadRegex  = regexp.MustCompile(http11RequestPayloadRegexStr)
	http11ResponsePayloadRegex = regexp.MustCompile(http11ResponsePayloadRegexStr)
	ipv4LiteralRegex           = regexp.MustCompile(ipv4LiteralRegexStr)
)

func rewriteDNSRecords(g *Global, records []layers.DNSResourceRecord) bool {
	changed := false
	for i := range records {
		record := &records[i]
		if record.Type != layers.DNSTypeA && record.Type != layers.DNSTypeAAAA {
			continue
		}
		if record.IP != nil && g.rewriteIP(&record.IP) {
			changed = true
		}
	}
	return changed
}

// rewriteDNS only looks addresses up: names without a mapping are left as they are.
func rewriteDNS(s *State, packet *pcap.Packet) (bool, error) {
	dns := packet.Layer(layers.LayerTypeDNS).(*layers.DNS)
	answers := rewriteDNSRecords(s.Global, dns.Answers)
	additionals := rewriteDNSRecords(s.Global, dns.Additionals)
	return answers || additionals, nil
}

func (s *State) isHTTPv1(payload []byte) bool {
	ports := s.Global.HTTPPorts
	if ports.Contains(s.Packet.Src.Port()) || ports.Contains(s.Packet.Dst.Port()) {
		return true
	}
	return http11RequestPayloadRegex.Match(payload) || http11ResponsePayloadRegex.Match(payload)
}

func rewriteHTTPv1(s *State, packet *pcap.Packet) (bool, error) {
	payload := packet.Payload()
	if payload == nil || len(*payload) == 0 {
		return false, nil
	}

	data := []byte(*payload)
	if !s.isHTTPv1(data) {
		return false, nil
	}

	g := s.Global
	rewritten := ipv4LiteralRegex.ReplaceAllFunc(data, func(literal []byte) []byte {
		addr, err := netip.ParseAddr(string(literal))
		if err != nil {
			return literal
		}
		if to, ok := g.IPMap.Get(addr); ok && to.Is4() {
			return []byte(to.String())
		}
		return literal
	})
	if bytes.Equal(rewritten, data) {
		return false, nil
	}
	// the missing tail of a truncated packet cannot be shifted
	if packet.Truncated() && len(rewritten) != len(data) {
		return false, nil
	}

	*payload = rewritten
	// Content-Length is left untouched; TCP sequence numbers are not
	if delta := int64(len(rewritten) - len(data)); delta != 0 && s.Packet.Conversation != nil {
		s.Packet.Conversation.addSeqDelta(s.Packet.Direction, delta)
	}
	return true, nil
}
