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


package pcap

import (
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// checksumField locates the checksum of a transport layer within its header.
var checksumField = map[gopacket.LayerType]int{
	layers.LayerTypeTCP:    16,
	layers.LayerTypeUDP:    6,
	layers.LayerTypeICMPv4: 2,
	layers.LayerTypeICMPv6: 2,
}

// onesSum folds the 16-bit ones-complement sum of `data`, skipping the word at `skip`.
func onesSum(data []byte, skip int) uint32 {
	var sum uint32
	for i := 0; i < len(data); i += 2 {
		if i == skip {
			continue
		}
		word := uint32(data[i]) << 8
		if i+1 < len(data) {
			word |= uint32(data[i+1])
		}
		sum += word
	}
	for sum>>16 > 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return sum
}

// adjustChecksum applies RFC 1624: HC' = ~(~HC + ~m + m').
func adjustChecksum(checksum uint16, before, after uint32) uint16 {
	sum := uint32(^checksum) + (^before & 0xffff) + after
	for sum>>16 > 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// patchTruncatedChecksum updates the transport checksum of a truncated packet
// from the bytes that changed; `before` and `after` share the same layout.
// The original checksum covers bytes that were never captured, so it cannot
// be recomputed from scratch.
func (p *Packet) patchTruncatedChecksum(before, after []byte) {
	offset, pseudo := 0, [2]int{}
	for _, layer := range p.Layers() {
		switch layer.LayerType() {
		case layers.LayerTypeIPv4:
			pseudo = [2]int{offset + 12, offset + 20}
		case layers.LayerTypeIPv6:
			pseudo = [2]int{offset + 8, offset + 40}
		}

		field, ok := checksumField[layer.LayerType()]
		if !ok {
			offset += len(layer.LayerContents())
			continue
		}
		if offset+field+2 > len(after) || len(before) != len(after) {
			return
		}

		checksum := binary.BigEndian.Uint16(before[offset+field:])
		if layer.LayerType() == layers.LayerTypeUDP && checksum == 0 {
			// checksum disabled
			binary.BigEndian.PutUint16(after[offset+field:], 0)
			return
		}

		sumBefore := onesSum(before[offset:], field)
		sumAfter := onesSum(after[offset:], field)
		if layer.LayerType() != layers.LayerTypeICMPv4 && pseudo[1] > 0 {
			sumBefore = onesSum(append([]byte{byte(sumBefore >> 8), byte(sumBefore)}, before[pseudo[0]:pseudo[1]]...), -1)
			sumAfter = onesSum(append([]byte{byte(sumAfter >> 8), byte(sumAfter)}, after[pseudo[0]:pseudo[1]]...), -1)
		}
		binary.BigEndian.PutUint16(after[offset+field:], adjustChecksum(checksum, sumBefore, sumAfter))
		return
	}
}
