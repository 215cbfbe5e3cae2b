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
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	pkgerrors "github.com/pkg/errors"
	"github.com/wissance/stringFormatter"
)

// pcap global header: magic(4) major(2) minor(2) zone(4) sigfigs(4) snaplen(4) linktype(4)
const pcapHeaderSize = 24

func readFileHeader(path string) (uint32, layers.LinkType, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	header := make([]byte, pcapHeaderSize)
	if _, err := io.ReadFull(file, header); err != nil {
		return 0, 0, pkgerrors.Wrap(err, "failed to read pcap header")
	}

	magic := binary.LittleEndian.Uint32(header[0:4])
	linkType := layers.LinkType(binary.LittleEndian.Uint32(header[20:24]) & 0x0FFFFFFF)
	return magic, linkType, nil
}

func (w *Writer) openForAppend(path string) (bool, error) {
	magic, linkType, err := readFileHeader(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if linkType != w.linkType {
		return false, fmt.Errorf("link type mismatch: file=%s writer=%s", linkType, w.linkType)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return false, err
	}
	w.file = file
	w.buffer = bufio.NewWriter(file)

	switch magic {
	case pcapMagicNanos:
		w.writer = pcapgo.NewWriterNanos(w.buffer)
	case pcapMagicMicros:
		w.writer = pcapgo.NewWriter(w.buffer)
	default:
		// `pcapgo` only writes little endian records
		file.Close()
		return false, fmt.Errorf("cannot append to capture with magic 0x%08x", magic)
	}
	return true, nil
}

func (w *Writer) create(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	w.file = file
	w.buffer = bufio.NewWriter(file)
	w.writer = pcapgo.NewWriterNanos(w.buffer)

	if err := w.writer.WriteFileHeader(DefaultSnaplen, w.linkType); err != nil {
		file.Close()
		return pkgerrors.Wrap(err, "failed to write pcap header")
	}
	return nil
}

// NewWriter opens `path` for writing packets of `linkType`.
// With `appendFlag` set, packets are appended to an existing capture
// (created if missing); otherwise the file is truncated.
func NewWriter(path string, linkType layers.LinkType, appendFlag bool) (*Writer, error) {
	w := &Writer{path: path, linkType: linkType}

	if appendFlag {
		appended, err := w.openForAppend(path)
		if err != nil {
			return nil, errors.Join(ErrIO, pkgerrors.Wrapf(err, "failed to append to capture: %s", path))
		}
		if appended {
			return w, nil
		}
	}

	if err := w.create(path); err != nil {
		return nil, errors.Join(ErrIO, pkgerrors.Wrapf(err, "failed to create capture: %s", path))
	}
	return w, nil
}

func (w *Writer) Path() string {
	return w.path
}

// Written is the number of packets written by this writer.
func (w *Writer) Written() uint64 {
	return w.written
}

func (w *Writer) WritePacket(packet *Packet) error {
	if w.closed {
		return ErrWriterClosed
	}

	data, err := packet.Bytes()
	if err != nil {
		return err
	}

	if err := w.writer.WritePacket(packet.CaptureInfo(), data); err != nil {
		return errors.Join(ErrIO, pkgerrors.Wrapf(err,
			"failed to write packet #%d into %s", packet.Serial(), w.path))
	}
	w.written++
	return nil
}

func (w *Writer) WritePackets(packets []*Packet) error {
	for _, packet := range packets {
		if err := w.WritePacket(packet); err != nil {
			return err
		}
	}
	return nil
}

// Flush pushes buffered packets into the file.
func (w *Writer) Flush() error {
	if w.closed {
		return ErrWriterClosed
	}
	if err := w.buffer.Flush(); err != nil {
		return errors.Join(ErrIO, pkgerrors.Wrapf(err, "failed to flush %s", w.path))
	}
	return nil
}

// Close flushes and releases the file; it is safe to call more than once.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	flushErr := w.buffer.Flush()
	closeErr := w.file.Close()
	if err := errors.Join(flushErr, closeErr); err != nil {
		return errors.Join(ErrIO, pkgerrors.Wrapf(err, "failed to close %s", w.path))
	}

	pcapLogger.Printf("%s\n", stringFormatter.Format("closed '{0}' | packets: {1}", w.path, w.written))
	return nil
}

// WriteFile writes all `packets` with a single writer.
func WriteFile(path string, linkType layers.LinkType, packets []*Packet, appendFlag bool) (err error) {
	writer, err := NewWriter(path, linkType, appendFlag)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, writer.Close())
	}()

	return writer.WritePackets(packets)
}
