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

// Package rewrap rewrites donor packets so they fit a target capture.
//
// State is split in three scopes: `Global` lives for the whole run,
// `PacketData` is reset for every packet and `Conversations` keeps one entry
// per conversation seen. Everything is accessed from a single goroutine.
package rewrap

import (
	"errors"
	"log"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/alphadose/haxmap"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gchux/pcap-mix/pkg/pcap"
	"github.com/gchux/pcap-mix/pkg/stats"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/yl2chen/cidranger"
)

type (
	Direction uint8

	Global struct {
		// target capture, the one the donor is mixed into
		Statistics *stats.Statistics
		// donor capture
		AttackStatistics *stats.Statistics

		TimestampShift     time.Duration
		timestampThreshold time.Duration
		hasThreshold       bool
		// consulted by generators that cannot handle a packet themselves
		altTimestamp TimestampFunction

		IPMap   *AddressTable
		MACMap  *haxmap.Map[uint64, net.HardwareAddr]
		PortMap *haxmap.Map[uint16, uint16]

		keep         cidranger.Ranger
		generateIPv4 *netip.Prefix
		generateIPv6 *netip.Prefix
		generateMACs bool
		assignedMACs mapset.Set[uint64]

		DelayIPs  mapset.Set[netip.Addr]
		HTTPPorts mapset.Set[uint16]

		Seed int64
		rand *rand.Rand

		// running state of timestamp functions
		randomDelay   time.Duration
		constantDelay time.Duration
		lastTimestamp time.Time
		digested      uint64
	}

	PacketData struct {
		Serial            uint64
		OriginalTimestamp time.Time
		Proto             layers.IPProtocol
		Src, Dst          netip.AddrPort
		HasL3             bool
		Conversation      *Conversation
		Direction         Direction
		Rewritten         []string
	}

	State struct {
		Global        *Global
		Packet        *PacketData
		Conversations *Conversations
	}

	// RewriteFunction rewrites the fields of one protocol layer.
	RewriteFunction interface {
		Name() string
		Layers() []gopacket.LayerType
		NeedsConversation() bool
		Rewrite(*State, *pcap.Packet) (bool, error)
	}

	// TimestampFunction derives a packet timestamp from `ts`: the shifted
	// original timestamp when used as generator, the output of the previous
	// stage when used as postprocessor.
	TimestampFunction interface {
		Name() string
		RequiresThreshold() bool
		NeedsConversation() bool
		Apply(*State, *pcap.Packet, time.Time) (time.Time, error)
	}

	ReWrapper struct {
		state              *State
		generator          TimestampFunction
		postprocess        []TimestampFunction
		queue              []RewriteFunction
		enqueued           mapset.Set[string]
		tracer             Tracer
		trackConversations bool
		recalculated       bool
	}
)

const (
	Forward Direction = iota
	Backward
)

const defaultSeed = int64(1)

var (
	ErrMissingPrerequisite    = errors.New("missing prerequisite")
	ErrUnknownFunction        = errors.New("unknown function")
	ErrRewrite                = errors.New("rewrite failure")
	ErrRemapConflict          = errors.New("address already remapped")
	ErrAddressSpaceExhausted  = errors.New("address space exhausted")
	ErrNotRecalculated        = errors.New("global state has not been recalculated")
	ErrAlreadyRecalculated    = errors.New("global state was already recalculated")
	ErrInvalidTimestampSource = errors.New("invalid timestamp source")
)

var rewrapLogger = log.New(os.Stderr, "[rewrap] - ", log.LstdFlags)

func (d Direction) String() string {
	if d == Forward {
		return "fwd"
	}
	return "bwd"
}

func (d Direction) Reverse() Direction {
	return 1 - d
}

// NewGlobal returns an empty global scope bound to both captures' statistics.
func NewGlobal(statistics, attackStatistics *stats.Statistics) *Global {
	if statistics == nil {
		statistics = stats.New()
	}
	if attackStatistics == nil {
		attackStatistics = stats.New()
	}
	return &Global{
		Statistics:       statistics,
		AttackStatistics: attackStatistics,
		IPMap:            NewAddressTable(),
		MACMap:           haxmap.New[uint64, net.HardwareAddr](),
		PortMap:          haxmap.New[uint16, uint16](),
		keep:             cidranger.NewPCTrieRanger(),
		assignedMACs:     mapset.NewThreadUnsafeSet[uint64](),
		DelayIPs:         mapset.NewThreadUnsafeSet[netip.Addr](),
		HTTPPorts:        mapset.NewThreadUnsafeSet[uint16](defaultHTTPPorts...),
		Seed:             defaultSeed,
		rand:             rand.New(rand.NewSource(defaultSeed)),
	}
}

func (g *Global) SetTimestampThreshold(threshold time.Duration) {
	g.timestampThreshold = threshold
	g.hasThreshold = true
}

// TimestampThreshold is `timestamp_threshold`; the bool reports its presence.
func (g *Global) TimestampThreshold() (time.Duration, bool) {
	return g.timestampThreshold, g.hasThreshold
}

func (g *Global) AltTimestampFunction() TimestampFunction {
	return g.altTimestamp
}

func (g *Global) SetSeed(seed int64) {
	g.Seed = seed
	g.rand = rand.New(rand.NewSource(seed))
}

func (g *Global) Rand() *rand.Rand {
	return g.rand
}

// Digested is the number of packets that went through the pipeline.
func (g *Global) Digested() uint64 {
	return g.digested
}

func (g *Global) LastTimestamp() time.Time {
	return g.lastTimestamp
}

func newState(global *Global) *State {
	return &State{
		Global:        global,
		Packet:        &PacketData{},
		Conversations: NewConversations(),
	}
}
