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
	"errors"
	"io"
	"log"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

type (
	// PacketDataSource is satisfied by both `pcapgo.Reader` and `pcapgo.NgReader`.
	PacketDataSource interface {
		gopacket.PacketDataSource
		LinkType() layers.LinkType
	}

	// PacketWriter is the sink of rewritten packets; `Writer` is the capture file one.
	PacketWriter interface {
		io.Closer
		WritePacket(*Packet) error
		Path() string
		Written() uint64
	}

	Reader struct {
		path     string
		file     *os.File
		source   PacketDataSource
		linkType layers.LinkType
		serial   uint64
	}

	Writer struct {
		path     string
		file     *os.File
		buffer   *bufio.Writer
		writer   *pcapgo.Writer
		linkType layers.LinkType
		written  uint64
		closed   bool
	}

	Packet struct {
		gopacket.Packet
		serial   uint64
		info     gopacket.CaptureInfo
		linkType layers.LinkType
		data     []byte
		changed  bool
	}
)

const (
	// pcap magic numbers as read in little endian
	pcapMagicMicros   = uint32(0xa1b2c3d4)
	pcapMagicNanos    = uint32(0xa1b23c4d)
	pcapMagicMicrosBE = uint32(0xd4c3b2a1)
	pcapMagicNanosBE  = uint32(0x4d3cb2a1)
	pcapngMagic       = uint32(0x0a0d0d0a)

	DefaultSnaplen = uint32(262144)
)

var (
	ErrIO           = errors.New("capture I/O error")
	ErrWriterClosed = errors.New("capture writer is closed")
)

var pcapLogger = log.New(os.Stderr, "[pcap] - ", log.LstdFlags)

var _ io.Closer = (*Reader)(nil)
var _ PacketWriter = (*Writer)(nil)
