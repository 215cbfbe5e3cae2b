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
	"fmt"
	"net/netip"
	"runtime/debug"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gchux/pcap-mix/pkg/pcap"
	"github.com/google/gopacket/layers"
	pkgerrors "github.com/pkg/errors"
	"github.com/wissance/stringFormatter"
)

// NewReWrapper returns a pipeline with `timestamp_shift` as generator and an empty queue.
func NewReWrapper(global *Global) *ReWrapper {
	generator, _ := TimestampFunctionByName(TimestampShift)
	return &ReWrapper{
		state:     newState(global),
		generator: generator,
		enqueued:  mapset.NewThreadUnsafeSet[string](),
	}
}

func (rw *ReWrapper) State() *State {
	return rw.state
}

func (rw *ReWrapper) Global() *Global {
	return rw.state.Global
}

func (rw *ReWrapper) SetTracer(tracer Tracer) {
	rw.tracer = tracer
}

func (rw *ReWrapper) mutable(operation string) error {
	if rw.recalculated {
		return pkgerrors.Wrapf(ErrAlreadyRecalculated, "cannot %s", operation)
	}
	return nil
}

// EnqueueFunction appends the protocol rewrite `name` to the queue.
func (rw *ReWrapper) EnqueueFunction(name string) error {
	if err := rw.mutable("enqueue " + name); err != nil {
		return err
	}
	fn, err := RewriteFunctionByName(name)
	if err != nil {
		return err
	}
	if rw.enqueued.Contains(name) {
		rewrapLogger.Printf("%s\n", stringFormatter.Format("'{0}' is already enqueued", name))
		return nil
	}
	rw.queue = append(rw.queue, fn)
	rw.enqueued.Add(name)
	return nil
}

// ChangeTimestampFunction replaces the timestamp generator.
func (rw *ReWrapper) ChangeTimestampFunction(name string) error {
	if err := rw.mutable("change timestamp generator to " + name); err != nil {
		return err
	}
	fn, err := TimestampFunctionByName(name)
	if err != nil {
		return err
	}
	rw.generator = fn
	return nil
}

// EnlistAltTimestampFunction registers the generator consulted by generators
// that cannot derive a timestamp for some packet.
func (rw *ReWrapper) EnlistAltTimestampFunction(name string) error {
	if err := rw.mutable("enlist alternate timestamp generator " + name); err != nil {
		return err
	}
	fn, err := TimestampFunctionByName(name)
	if err != nil {
		return err
	}
	rw.state.Global.altTimestamp = fn
	return nil
}

func (rw *ReWrapper) EnqueueTimestampPostprocess(name string) error {
	if err := rw.mutable("enqueue timestamp postprocess " + name); err != nil {
		return err
	}
	fn, err := TimestampFunctionByName(name)
	if err != nil {
		return err
	}
	rw.postprocess = append(rw.postprocess, fn)
	return nil
}

func (rw *ReWrapper) SetTimestampShift(shift time.Duration) {
	rw.state.Global.TimestampShift = shift
}

func (rw *ReWrapper) TimestampShift() time.Duration {
	return rw.state.Global.TimestampShift
}

// Queue returns the names of the enqueued protocol rewrites in execution order.
func (rw *ReWrapper) Queue() []string {
	names := make([]string, len(rw.queue))
	for i, fn := range rw.queue {
		names[i] = fn.Name()
	}
	return names
}

func (rw *ReWrapper) TimestampGenerator() string {
	return rw.generator.Name()
}

func (rw *ReWrapper) TimestampPostprocess() []string {
	names := make([]string, len(rw.postprocess))
	for i, fn := range rw.postprocess {
		names[i] = fn.Name()
	}
	return names
}

func (rw *ReWrapper) timestampFunctions() []TimestampFunction {
	fns := append([]TimestampFunction{rw.generator}, rw.postprocess...)
	if alt := rw.state.Global.altTimestamp; alt != nil {
		fns = append(fns, alt)
	}
	return fns
}

func (rw *ReWrapper) Recalculated() bool {
	return rw.recalculated
}

// Recalculate derives the final remap tables from the enqueued functions.
// It must run exactly once: after enqueueing and before the first `Digest`.
func (rw *ReWrapper) Recalculate() error {
	if rw.recalculated {
		return ErrAlreadyRecalculated
	}
	g := rw.state.Global

	needsConversation := false
	for _, fn := range rw.timestampFunctions() {
		if err := TimestampFunctionDependency(fn.Name(), g); err != nil {
			return err
		}
		needsConversation = needsConversation || fn.NeedsConversation()
	}

	var remaps remapKind
	for _, fn := range rw.queue {
		remaps |= remapsOf(fn)
		needsConversation = needsConversation || fn.NeedsConversation()
	}

	if remaps&remapMAC != 0 && g.generateMACs {
		if err := g.generateMACAddrs(); err != nil {
			return err
		}
	}
	if remaps&remapIP != 0 {
		if err := g.generateAddrs(remaps&remapIPv4 != 0, remaps&remapIPv6 != 0); err != nil {
			return err
		}
	}

	rw.trackConversations = needsConversation
	rw.recalculated = true

	rewrapLogger.Printf("%s\n", stringFormatter.Format("recalculated | functions: {0} | IPs: {1} | MACs: {2} | conversations: {3}",
		len(rw.queue), g.IPMap.Len(), g.MACMap.Len(), needsConversation))
	return nil
}

func (rw *ReWrapper) loadPacketData(packet *pcap.Packet) {
	s := rw.state
	*s.Packet = PacketData{
		Serial:            s.Global.digested,
		OriginalTimestamp: packet.Timestamp(),
	}

	var src, dst netip.Addr
	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip4 := l.(*layers.IPv4)
		src, _ = netip.AddrFromSlice(ip4.SrcIP)
		dst, _ = netip.AddrFromSlice(ip4.DstIP)
		s.Packet.Proto = ip4.Protocol
		s.Packet.HasL3 = true
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip6 := l.(*layers.IPv6)
		src, _ = netip.AddrFromSlice(ip6.SrcIP)
		dst, _ = netip.AddrFromSlice(ip6.DstIP)
		s.Packet.Proto = ip6.NextHeader
		s.Packet.HasL3 = true
	}

	var srcPort, dstPort uint16
	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		srcPort, dstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		s.Packet.Proto = layers.IPProtocolTCP
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		srcPort, dstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		s.Packet.Proto = layers.IPProtocolUDP
	}

	s.Packet.Src = netip.AddrPortFrom(src.Unmap(), srcPort)
	s.Packet.Dst = netip.AddrPortFrom(dst.Unmap(), dstPort)

	if rw.trackConversations && s.Packet.HasL3 {
		s.Packet.Conversation, s.Packet.Direction = s.Conversations.Track(
			s.Packet.Proto, s.Packet.Src, s.Packet.Dst, s.Packet.OriginalTimestamp)
	}
}

func (rw *ReWrapper) timestamp(packet *pcap.Packet) (time.Time, error) {
	s := rw.state
	ts, err := rw.generator.Apply(s, packet, packet.Timestamp().Add(s.Global.TimestampShift))
	if err != nil {
		return ts, pkgerrors.Wrapf(err, "timestamp generator '%s'", rw.generator.Name())
	}
	for _, postprocess := range rw.postprocess {
		if ts, err = postprocess.Apply(s, packet, ts); err != nil {
			return ts, pkgerrors.Wrapf(err, "timestamp postprocess '%s'", postprocess.Name())
		}
	}
	return ts, nil
}

func rewriteError(serial uint64, err error) error {
	return errors.Join(ErrRewrite, pkgerrors.Wrapf(err, "packet #%d", serial))
}

// Digest runs `packet` through the timestamp policy and then through every
// enqueued rewrite whose layers the packet carries, in queue order.
func (rw *ReWrapper) Digest(packet *pcap.Packet) (err error) {
	if !rw.recalculated {
		return ErrNotRecalculated
	}

	s := rw.state
	g := s.Global

	defer func() {
		if r := recover(); r != nil {
			rewrapLogger.Printf("#:%d | panic: %v\n%s\n", s.Packet.Serial, r, string(debug.Stack()))
			err = rewriteError(s.Packet.Serial, fmt.Errorf("panic: %v", r))
		}
	}()

	rw.loadPacketData(packet)

	ts, err := rw.timestamp(packet)
	if err != nil {
		return rewriteError(s.Packet.Serial, err)
	}
	packet.SetTimestamp(ts)

	for _, fn := range rw.queue {
		if !appliesTo(fn, packet) {
			continue
		}
		changed, err := fn.Rewrite(s, packet)
		if err != nil {
			return rewriteError(s.Packet.Serial, pkgerrors.Wrapf(err, "'%s' failed", fn.Name()))
		}
		if changed {
			packet.MarkChanged()
			s.Packet.Rewritten = append(s.Packet.Rewritten, fn.Name())
		}
	}

	// serialization errors belong to the packet that caused them
	if _, err := packet.Bytes(); err != nil {
		return rewriteError(s.Packet.Serial, err)
	}

	if conversation := s.Packet.Conversation; conversation != nil {
		conversation.record(s.Packet.OriginalTimestamp, ts)
	}
	g.lastTimestamp = ts
	g.digested++

	if rw.tracer != nil {
		if err := rw.tracer.Trace(s, packet); err != nil {
			rewrapLogger.Printf("%s\n", stringFormatter.Format("#:{0} | trace failed: {1}", s.Packet.Serial, err))
		}
	}
	return nil
}
