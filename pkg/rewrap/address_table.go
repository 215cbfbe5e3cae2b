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
	"net"
	"net/netip"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/btree"
	pkgerrors "github.com/pkg/errors"
)

type (
	addrMapping struct {
		from, to netip.Addr
	}

	// AddressTable maps donor addresses to their replacements.
	// Entries are write-once: the same address is always rewritten the same way.
	AddressTable struct {
		// lookups in O(log N), iteration in address order
		mappings *btree.BTreeG[addrMapping]
		// replacement addresses already handed out
		assigned mapset.Set[netip.Addr]
	}
)

func mappingLessThanFunc(a, b addrMapping) bool {
	return a.from.Less(b.from)
}

func NewAddressTable() *AddressTable {
	return &AddressTable{
		mappings: btree.NewG[addrMapping](2, mappingLessThanFunc),
		assigned: mapset.NewThreadUnsafeSet[netip.Addr](),
	}
}

func (t *AddressTable) Set(from, to netip.Addr) error {
	from, to = from.Unmap(), to.Unmap()
	if from.Is4() != to.Is4() {
		return pkgerrors.Errorf("cannot remap %s to %s: address families differ", from, to)
	}

	if current, ok := t.Get(from); ok {
		if current == to {
			return nil
		}
		return pkgerrors.Wrapf(ErrRemapConflict, "%s is already mapped to %s", from, current)
	}

	t.mappings.ReplaceOrInsert(addrMapping{from: from, to: to})
	t.assigned.Add(to)
	return nil
}

func (t *AddressTable) Get(from netip.Addr) (netip.Addr, bool) {
	mapping, ok := t.mappings.Get(addrMapping{from: from.Unmap()})
	if !ok {
		return netip.Addr{}, false
	}
	return mapping.to, true
}

func (t *AddressTable) Has(from netip.Addr) bool {
	_, ok := t.Get(from)
	return ok
}

// IsAssigned reports whether `to` is already the replacement of some address.
func (t *AddressTable) IsAssigned(to netip.Addr) bool {
	return t.assigned.Contains(to.Unmap())
}

// LookupIP translates a wire address; the result has the length of `ip`.
func (t *AddressTable) LookupIP(ip net.IP) (net.IP, bool) {
	from, ok := netip.AddrFromSlice(ip)
	if !ok {
		return nil, false
	}
	to, ok := t.Get(from)
	if !ok {
		return nil, false
	}
	if len(ip) == net.IPv6len {
		bytes := to.As16()
		return net.IP(bytes[:]), true
	}
	return net.IP(to.AsSlice()), true
}

// RewriteBytes rewrites the address stored in `b` in place.
func (t *AddressTable) RewriteBytes(b []byte) bool {
	if len(b) != net.IPv4len && len(b) != net.IPv6len {
		return false
	}
	to, ok := t.LookupIP(net.IP(b))
	if !ok {
		return false
	}
	copy(b, to)
	return true
}

func (t *AddressTable) Len() int {
	return t.mappings.Len()
}

// Ascend visits every mapping in ascending order of the original address.
func (t *AddressTable) Ascend(visit func(from, to netip.Addr) bool) {
	t.mappings.Ascend(func(m addrMapping) bool {
		return visit(m.from, m.to)
	})
}
