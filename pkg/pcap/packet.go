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
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	pkgerrors "github.com/pkg/errors"
)

var (
	serializeOptions = gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	// length fields of a truncated packet describe bytes that were never captured
	truncatedSerializeOptions = gopacket.SerializeOptions{
		FixLengths:       false,
		ComputeChecksums: true,
	}
)

// NewPacket decodes `data` eagerly so that rewrite functions can mutate the
// decoded layers in place; `Bytes` serializes them back.
func NewPacket(data []byte, info gopacket.CaptureInfo, linkType layers.LinkType) *Packet {
	packet := gopacket.NewPacket(data, linkType, gopacket.Default)
	packet.Metadata().CaptureInfo = info
	return &Packet{
		Packet:   packet,
		info:     info,
		linkType: linkType,
		data:     data,
	}
}

func (p *Packet) Serial() uint64 {
	return p.serial
}

func (p *Packet) LinkType() layers.LinkType {
	return p.linkType
}

func (p *Packet) CaptureInfo() gopacket.CaptureInfo {
	return p.info
}

func (p *Packet) Timestamp() time.Time {
	return p.info.Timestamp
}

func (p *Packet) SetTimestamp(ts time.Time) {
	p.info.Timestamp = ts
	p.Packet.Metadata().Timestamp = ts
}

// MarkChanged must be called by anything that mutates a decoded layer;
// unchanged packets are written back byte for byte.
func (p *Packet) MarkChanged() {
	p.changed = true
}

func (p *Packet) Changed() bool {
	return p.changed
}

// Truncated reports whether the snapshot length cut the packet short.
func (p *Packet) Truncated() bool {
	return p.info.CaptureLength < p.info.Length
}

// Payload returns the raw application/ICMP payload layer, if any.
func (p *Packet) Payload() *gopacket.Payload {
	if l := p.Layer(gopacket.LayerTypePayload); l != nil {
		if payload, ok := l.(*gopacket.Payload); ok {
			return payload
		}
	}
	return nil
}

func (p *Packet) bindChecksums() {
	var network gopacket.NetworkLayer
	if l := p.Layer(layers.LayerTypeIPv4); l != nil {
		network = l.(*layers.IPv4)
	} else if l := p.Layer(layers.LayerTypeIPv6); l != nil {
		network = l.(*layers.IPv6)
	}
	if network == nil {
		return
	}

	if l := p.Layer(layers.LayerTypeTCP); l != nil {
		l.(*layers.TCP).SetNetworkLayerForChecksum(network)
	}
	if l := p.Layer(layers.LayerTypeUDP); l != nil {
		l.(*layers.UDP).SetNetworkLayerForChecksum(network)
	}
	if l := p.Layer(layers.LayerTypeICMPv6); l != nil {
		l.(*layers.ICMPv6).SetNetworkLayerForChecksum(network)
	}
}

func (p *Packet) serializableLayers() []gopacket.SerializableLayer {
	packetLayers := p.Layers()
	serializable := make([]gopacket.SerializableLayer, 0, len(packetLayers))
	for _, layer := range packetLayers {
		if l, ok := layer.(gopacket.SerializableLayer); ok {
			serializable = append(serializable, l)
			continue
		}
		// layers gopacket cannot serialize are carried over verbatim along with everything after them
		raw := append(append([]byte{}, layer.LayerContents()...), layer.LayerPayload()...)
		serializable = append(serializable, gopacket.Payload(raw))
		break
	}
	return serializable
}

// Bytes returns the wire representation of the packet, re-serializing
// (lengths and checksums included) only if a layer was changed.
func (p *Packet) Bytes() ([]byte, error) {
	if !p.changed {
		return p.data, nil
	}

	p.bindChecksums()

	if p.Truncated() {
		return p.truncatedBytes()
	}

	buffer := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buffer, serializeOptions, p.serializableLayers()...); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to serialize packet #%d", p.serial)
	}

	p.data = append([]byte{}, buffer.Bytes()...)
	p.changed = false

	delta := len(p.data) - p.info.CaptureLength
	p.info.CaptureLength = len(p.data)
	p.info.Length += delta
	if p.info.Length < p.info.CaptureLength {
		p.info.Length = p.info.CaptureLength
	}
	return p.data, nil
}

// truncatedBytes keeps every length field as captured and patches the
// transport checksum instead of recomputing it over a partial payload.
func (p *Packet) truncatedBytes() ([]byte, error) {
	buffer := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buffer, truncatedSerializeOptions, p.serializableLayers()...); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to serialize truncated packet #%d", p.serial)
	}

	data := append([]byte{}, buffer.Bytes()...)
	// drop Ethernet padding added to short snapshots
	if len(data) > len(p.data) {
		data = data[:len(p.data)]
	}
	p.patchTruncatedChecksum(p.data, data)

	p.data = data
	p.changed = false
	p.info.CaptureLength = len(data)
	if p.info.Length < p.info.CaptureLength {
		p.info.Length = p.info.CaptureLength
	}
	return p.data, nil
}
