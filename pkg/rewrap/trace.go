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
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/gchux/pcap-mix/pkg/pcap"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	pkgerrors "github.com/pkg/errors"
	"github.com/wissance/stringFormatter"
)

type (
	TraceFormat uint8

	ContextKey string

	// Tracer renders every digested packet, one line each.
	Tracer interface {
		Trace(*State, *pcap.Packet) error
	}

	jsonTracer struct {
		id, logName string
		writer      io.Writer
	}

	textTracer struct {
		id     string
		writer io.Writer
	}

	jsonLayerTranslator = func(*gabs.Container, gopacket.Layer)
	textLayerTranslator = func(*strings.Builder, gopacket.Layer)
)

const (
	ContextID      = ContextKey("id")
	ContextLogName = ContextKey("logName")
)

const (
	TEXT TraceFormat = iota
	JSON
)

const (
	jsonTraceSummary     = "#:{serial} | flow:{flowID} | {L3Src} > {L3Dst} | {rewritten}"
	jsonTraceSummaryPort = "#:{serial} | flow:{flowID} | {L3Src}:{L4Src} > {L3Dst}:{L4Dst} | {rewritten}"
)

var traceFormats = map[string]TraceFormat{
	"text": TEXT,
	"json": JSON,
}

var jsonLayerTranslators = map[gopacket.LayerType]jsonLayerTranslator{
	layers.LayerTypeEthernet: func(json *gabs.Container, layer gopacket.Layer) {
		eth := layer.(*layers.Ethernet)
		L2, _ := json.Object("L2")
		L2.Set(eth.EthernetType.String(), "type")
		L2.Set(eth.SrcMAC.String(), "src")
		L2.Set(eth.DstMAC.String(), "dst")
	},
	layers.LayerTypeIPv4: func(json *gabs.Container, layer gopacket.Layer) {
		ip4 := layer.(*layers.IPv4)
		L3, _ := json.Object("L3")
		L3.Set(4, "v")
		L3.Set(ip4.SrcIP.String(), "src")
		L3.Set(ip4.DstIP.String(), "dst")
		L3.Set(ip4.TTL, "ttl")
	},
	layers.LayerTypeIPv6: func(json *gabs.Container, layer gopacket.Layer) {
		ip6 := layer.(*layers.IPv6)
		L3, _ := json.Object("L3")
		L3.Set(6, "v")
		L3.Set(ip6.SrcIP.String(), "src")
		L3.Set(ip6.DstIP.String(), "dst")
		L3.Set(ip6.HopLimit, "ttl")
	},
	layers.LayerTypeTCP: func(json *gabs.Container, layer gopacket.Layer) {
		tcp := layer.(*layers.TCP)
		L4, _ := json.Object("L4")
		L4.Set("TCP", "proto")
		L4.Set(uint16(tcp.SrcPort), "src")
		L4.Set(uint16(tcp.DstPort), "dst")
		L4.Set(tcp.Seq, "seq")
		L4.Set(tcp.Ack, "ack")
		L4.Set(tcpFlags(tcp), "flags")
	},
	layers.LayerTypeUDP: func(json *gabs.Container, layer gopacket.Layer) {
		udp := layer.(*layers.UDP)
		L4, _ := json.Object("L4")
		L4.Set("UDP", "proto")
		L4.Set(uint16(udp.SrcPort), "src")
		L4.Set(uint16(udp.DstPort), "dst")
	},
	layers.LayerTypeICMPv4: func(json *gabs.Container, layer gopacket.Layer) {
		icmp := layer.(*layers.ICMPv4)
		ICMP, _ := json.Object("ICMP")
		ICMP.Set(4, "v")
		ICMP.Set(icmp.TypeCode.String(), "msg")
	},
	layers.LayerTypeICMPv6: func(json *gabs.Container, layer gopacket.Layer) {
		icmp := layer.(*layers.ICMPv6)
		ICMP, _ := json.Object("ICMP")
		ICMP.Set(6, "v")
		ICMP.Set(icmp.TypeCode.String(), "msg")
	},
	layers.LayerTypeDNS: func(json *gabs.Container, layer gopacket.Layer) {
		dns := layer.(*layers.DNS)
		DNS, _ := json.Object("DNS")
		DNS.Set(dns.ID, "id")
		DNS.Set(len(dns.Answers), "answers")
	},
}

var textLayerTranslators = map[gopacket.LayerType]textLayerTranslator{
	layers.LayerTypeEthernet: func(text *strings.Builder, layer gopacket.Layer) {
		eth := layer.(*layers.Ethernet)
		text.WriteString(fmt.Sprintf("[L2|src=%s|dst=%s]", eth.SrcMAC, eth.DstMAC))
	},
	layers.LayerTypeIPv4: func(text *strings.Builder, layer gopacket.Layer) {
		ip4 := layer.(*layers.IPv4)
		text.WriteString(fmt.Sprintf("[L3|v=4|src=%s|dst=%s]", ip4.SrcIP, ip4.DstIP))
	},
	layers.LayerTypeIPv6: func(text *strings.Builder, layer gopacket.Layer) {
		ip6 := layer.(*layers.IPv6)
		text.WriteString(fmt.Sprintf("[L3|v=6|src=%s|dst=%s]", ip6.SrcIP, ip6.DstIP))
	},
	layers.LayerTypeTCP: func(text *strings.Builder, layer gopacket.Layer) {
		tcp := layer.(*layers.TCP)
		text.WriteString(fmt.Sprintf("[TCP|src=%d|dst=%d|seq=%d|ack=%d|flags=%s]",
			tcp.SrcPort, tcp.DstPort, tcp.Seq, tcp.Ack, tcpFlags(tcp)))
	},
	layers.LayerTypeUDP: func(text *strings.Builder, layer gopacket.Layer) {
		udp := layer.(*layers.UDP)
		text.WriteString(fmt.Sprintf("[UDP|src=%d|dst=%d]", udp.SrcPort, udp.DstPort))
	},
}

// NewTracer returns a tracer for `format` ("text" or "json") writing into `writer`.
func NewTracer(ctx context.Context, format string, writer io.Writer) (Tracer, error) {
	traceFormat, ok := traceFormats[strings.ToLower(format)]
	if !ok {
		return nil, pkgerrors.Errorf("unknown trace format: %s", format)
	}

	id, _ := ctx.Value(ContextID).(string)
	logName, _ := ctx.Value(ContextLogName).(string)

	if traceFormat == JSON {
		return &jsonTracer{id: id, logName: logName, writer: writer}, nil
	}
	return &textTracer{id: id, writer: writer}, nil
}

func setTimestamp(json *gabs.Container, ts time.Time, path ...string) {
	json.Set(ts.Unix(), append(path, "seconds")...)
	json.Set(ts.Nanosecond(), append(path, "nanos")...)
}

func rewrittenOrNone(s *State) string {
	if len(s.Packet.Rewritten) == 0 {
		return "-"
	}
	return strings.Join(s.Packet.Rewritten, ",")
}

func (t *jsonTracer) Trace(s *State, packet *pcap.Packet) error {
	json := gabs.New()

	serialStr := strconv.FormatUint(s.Packet.Serial, 10)

	pcapJSON, _ := json.Object("pcap")
	pcapJSON.Set(t.id, "id")
	pcapJSON.Set(t.logName, "ctx")
	pcapJSON.Set(serialStr, "num")

	setTimestamp(json, s.Packet.OriginalTimestamp, "timestamp", "original")
	setTimestamp(json, packet.Timestamp(), "timestamp", "rewritten")

	for _, layer := range packet.Layers() {
		if translator, ok := jsonLayerTranslators[layer.LayerType()]; ok {
			translator(json, layer)
		}
	}

	data := map[string]any{
		"serial":    serialStr,
		"flowID":    "-",
		"L3Src":     s.Packet.Src.Addr().String(),
		"L3Dst":     s.Packet.Dst.Addr().String(),
		"L4Src":     s.Packet.Src.Port(),
		"L4Dst":     s.Packet.Dst.Port(),
		"rewritten": rewrittenOrNone(s),
	}

	if s.Packet.HasL3 {
		json.Set(s.Packet.Src.Addr().String(), "L3", "original", "src")
		json.Set(s.Packet.Dst.Addr().String(), "L3", "original", "dst")
	}

	if conversation := s.Packet.Conversation; conversation != nil {
		flowIDstr := strconv.FormatUint(conversation.ID, 10)
		data["flowID"] = flowIDstr
		json.Set(flowIDstr, "flow")
		json.Set(s.Packet.Direction.String(), "direction")
	}

	json.Set(s.Packet.Rewritten, "rewritten")

	summary := jsonTraceSummary
	if s.Packet.Proto == layers.IPProtocolTCP || s.Packet.Proto == layers.IPProtocolUDP {
		summary = jsonTraceSummaryPort
	}
	json.Set(stringFormatter.FormatComplex(summary, data), "message")

	_, err := io.WriteString(t.writer, json.String()+"\n")
	return err
}

func (t *textTracer) Trace(s *State, packet *pcap.Packet) error {
	var text strings.Builder

	text.WriteString(fmt.Sprintf("[ctx=%s|num=%d|ts=%s]",
		t.id, s.Packet.Serial, packet.Timestamp().Format(time.RFC3339Nano)))

	for _, layer := range packet.Layers() {
		if translator, ok := textLayerTranslators[layer.LayerType()]; ok {
			text.WriteString(" ")
			translator(&text, layer)
		}
	}

	text.WriteString(" [fns=")
	text.WriteString(rewrittenOrNone(s))
	text.WriteString("]\n")

	_, err := io.WriteString(t.writer, text.String())
	if err != nil {
		return pkgerrors.Wrap(err, "TEXT trace failed")
	}
	return nil
}
