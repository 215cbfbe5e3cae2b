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
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	pkgerrors "github.com/pkg/errors"
	"github.com/wissance/stringFormatter"
)

func newPacketDataSource(r *bufio.Reader) (PacketDataSource, error) {
	magic, err := r.Peek(4)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read magic bytes")
	}

	// pcapng section header block type is a palindrome, so byte order does not matter
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		ngReader, err := pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "failed to create pcapng reader")
		}
		return ngReader, nil
	}

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create pcap reader")
	}
	return reader, nil
}

// NewReader opens a forward-only reader over a pcap or pcapng file.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Join(ErrIO, pkgerrors.Wrapf(err, "failed to open capture: %s", path))
	}

	source, err := newPacketDataSource(bufio.NewReader(file))
	if err != nil {
		file.Close()
		return nil, errors.Join(ErrIO, pkgerrors.Wrapf(err, "invalid capture: %s", path))
	}

	return &Reader{
		path:     path,
		file:     file,
		source:   source,
		linkType: source.LinkType(),
	}, nil
}

func (r *Reader) Path() string {
	return r.path
}

func (r *Reader) LinkType() layers.LinkType {
	return r.linkType
}

// Next returns the next decoded packet, or `io.EOF` once the capture is exhausted.
func (r *Reader) Next() (*Packet, error) {
	data, info, err := r.source.ReadPacketData()
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errors.Join(ErrIO, pkgerrors.Wrapf(err,
			"failed to read packet #%d from %s", r.serial, r.path))
	}

	packet := NewPacket(data, info, r.linkType)
	packet.serial = r.serial
	r.serial++
	return packet, nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadAll loads every packet of the capture at `path` in capture order.
func ReadAll(path string) ([]*Packet, layers.LinkType, error) {
	reader, err := NewReader(path)
	if err != nil {
		return nil, layers.LinkTypeNull, err
	}
	defer reader.Close()

	var packets []*Packet
	for {
		packet, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, reader.LinkType(), err
		}
		packets = append(packets, packet)
	}

	pcapLogger.Printf("%s\n", stringFormatter.Format("read {0} packets from '{1}'", len(packets), path))
	return packets, reader.LinkType(), nil
}
