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
	"net/netip"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/gchux/pcap-mix/pkg/stats"
	"github.com/google/gopacket/layers"
)

type (
	Conversation struct {
		ID        uint64
		Proto     layers.IPProtocol
		Initiator netip.AddrPort
		Responder netip.AddrPort
		Packets   uint64
		CreatedAt time.Time

		LastOriginal  time.Time
		LastRewritten time.Time

		// bytes added to (or removed from) the TCP stream by payload rewrites, per direction
		seqDelta [2]int64
	}

	Conversations struct {
		table *haxmap.Map[uint64, *Conversation]
	}
)

func NewConversations() *Conversations {
	return &Conversations{
		table: haxmap.New[uint64, *Conversation](),
	}
}

// Track returns the conversation `src`->`dst` belongs to, creating it if needed,
// along with the direction of the packet relative to the conversation initiator.
func (c *Conversations) Track(
	proto layers.IPProtocol,
	src, dst netip.AddrPort,
	ts time.Time,
) (*Conversation, Direction) {
	flow := stats.NewFlow(uint8(proto), src, dst)

	// colliding flows take the next free slot
	for id := flow.ID(); ; id++ {
		conversation, _ := c.table.GetOrCompute(id, func() *Conversation {
			return &Conversation{
				ID:        id,
				Proto:     proto,
				Initiator: src,
				Responder: dst,
				CreatedAt: ts,
			}
		})
		if conversation.Proto != proto {
			continue
		}
		if conversation.Initiator == src && conversation.Responder == dst {
			return conversation, Forward
		}
		if conversation.Initiator == dst && conversation.Responder == src {
			return conversation, Backward
		}
	}
}

func (c *Conversations) Get(id uint64) (*Conversation, bool) {
	return c.table.Get(id)
}

func (c *Conversations) Len() int {
	return int(c.table.Len())
}

// record is called once the packet left the pipeline.
func (conv *Conversation) record(original, rewritten time.Time) {
	conv.Packets++
	conv.LastOriginal = original
	conv.LastRewritten = rewritten
}

// SeqDelta is the accumulated payload size change in direction `d`.
func (conv *Conversation) SeqDelta(d Direction) int64 {
	return conv.seqDelta[d]
}

func (conv *Conversation) addSeqDelta(d Direction, delta int64) {
	conv.seqDelta[d] += delta
}
