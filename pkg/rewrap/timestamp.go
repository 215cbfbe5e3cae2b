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
	"time"

	"github.com/gchux/pcap-mix/pkg/pcap"
	"github.com/google/gopacket/layers"
	pkgerrors "github.com/pkg/errors"
)

type (
	timestampFn = func(*State, *pcap.Packet, time.Time) (time.Time, error)

	timestampFunction struct {
		name              string
		requiresThreshold bool
		needsConversation bool
		apply             timestampFn
	}
)

const (
	TimestampShift             = "timestamp_shift"
	TimestampDelay             = "timestamp_delay"
	TimestampDelayForIPConst   = "timestamp_delay_forIPconst"
	TimestampRandomOscillation = "timestamp_random_oscillation"
	TimestampTCPAvgShift       = "timestamp_tcp_avg_shift"
)

var timestampFunctions = map[string]*timestampFunction{
	TimestampShift: {
		apply: shiftTimestamp,
	},
	TimestampDelay: {
		requiresThreshold: true,
		apply:             delayTimestamp,
	},
	TimestampDelayForIPConst: {
		requiresThreshold: true,
		apply:             delayTimestampForIPConst,
	},
	TimestampRandomOscillation: {
		requiresThreshold: true,
		apply:             oscillateTimestamp,
	},
	TimestampTCPAvgShift: {
		needsConversation: true,
		apply:             tcpAvgShiftTimestamp,
	},
}

func init() {
	for name, fn := range timestampFunctions {
		fn.name = name
	}
}

func TimestampFunctionByName(name string) (TimestampFunction, error) {
	if fn, ok := timestampFunctions[name]; ok {
		return fn, nil
	}
	return nil, pkgerrors.Wrapf(ErrUnknownFunction, "timestamp function '%s'", name)
}

// TimestampFunctionDependency fails with `ErrMissingPrerequisite` when the
// function `name` needs a threshold and `g` has none.
func TimestampFunctionDependency(name string, g *Global) error {
	fn, err := TimestampFunctionByName(name)
	if err != nil {
		return err
	}
	if _, ok := g.TimestampThreshold(); fn.RequiresThreshold() && !ok {
		return pkgerrors.Wrapf(ErrMissingPrerequisite, "'%s' requires 'random.threshold'", name)
	}
	return nil
}

func (f *timestampFunction) Name() string {
	return f.name
}

func (f *timestampFunction) RequiresThreshold() bool {
	return f.requiresThreshold
}

func (f *timestampFunction) NeedsConversation() bool {
	return f.needsConversation
}

func (f *timestampFunction) Apply(s *State, packet *pcap.Packet, ts time.Time) (time.Time, error) {
	if _, ok := s.Global.TimestampThreshold(); f.requiresThreshold && !ok {
		return ts, pkgerrors.Wrapf(ErrMissingPrerequisite, "'%s' requires 'random.threshold'", f.name)
	}
	return f.apply(s, packet, ts)
}

func isFirstPacket(s *State) bool {
	return s.Global.digested == 0
}

// `ts` is already shifted when it reaches the generator
func shiftTimestamp(_ *State, _ *pcap.Packet, ts time.Time) (time.Time, error) {
	return ts, nil
}

func (g *Global) randomDuration(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(g.rand.Int63n(int64(limit)))
}

func delayTimestamp(s *State, _ *pcap.Packet, ts time.Time) (time.Time, error) {
	g := s.Global
	if !isFirstPacket(s) {
		g.randomDelay += g.randomDuration(g.timestampThreshold)
	}
	return ts.Add(g.randomDelay), nil
}

func delayTimestampForIPConst(s *State, _ *pcap.Packet, ts time.Time) (time.Time, error) {
	g := s.Global
	if !isFirstPacket(s) && s.Packet.HasL3 && g.DelayIPs.Contains(s.Packet.Src.Addr()) {
		g.constantDelay += g.timestampThreshold
	}
	return ts.Add(g.constantDelay), nil
}

func oscillateTimestamp(s *State, _ *pcap.Packet, ts time.Time) (time.Time, error) {
	if isFirstPacket(s) {
		return ts, nil
	}
	g := s.Global
	// uniform in (-threshold, threshold)
	offset := g.randomDuration(2*g.timestampThreshold) - g.timestampThreshold
	if offset <= -g.timestampThreshold {
		offset = 0
	}

	oscillated := ts.Add(offset)
	// never reorder packets that were in order
	if last := g.lastTimestamp; oscillated.Before(last) && !ts.Before(last) {
		oscillated = last
	}
	return oscillated, nil
}

// tcpAvgShiftTimestamp replays the gaps of a TCP conversation at the pace
// of the target capture.
func tcpAvgShiftTimestamp(s *State, packet *pcap.Packet, ts time.Time) (time.Time, error) {
	g := s.Global
	conversation := s.Packet.Conversation
	donorAvg := g.AttackStatistics.AvgTCPDelay
	targetAvg := g.Statistics.AvgTCPDelay

	if s.Packet.Proto != layers.IPProtocolTCP ||
		conversation == nil || conversation.Packets == 0 ||
		donorAvg <= 0 || targetAvg <= 0 {
		if g.altTimestamp != nil && g.altTimestamp.Name() != TimestampTCPAvgShift {
			return g.altTimestamp.Apply(s, packet, ts)
		}
		return shiftTimestamp(s, packet, ts)
	}

	gap := s.Packet.OriginalTimestamp.Sub(conversation.LastOriginal)
	scaled := time.Duration(float64(gap) * float64(targetAvg) / float64(donorAvg))
	return conversation.LastRewritten.Add(scaled), nil
}
