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
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func udpFrame(t *testing.T, src, dst net.IP, payload string) []byte {
	t.Helper()
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: src, DstIP: dst}
	udp := &layers.UDP{SrcPort: 5000, DstPort: 6000}
	udp.SetNetworkLayerForChecksum(ip)

	buffer := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buffer, serializeOptions,
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
			DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xaa},
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip, udp, gopacket.Payload(payload))
	if err != nil {
		t.Fatalf("failed to serialize: %v", err)
	}
	return append([]byte{}, buffer.Bytes()...)
}

func newFrames(t *testing.T, count int) []*Packet {
	t.Helper()
	packets := make([]*Packet, count)
	for i := range packets {
		data := udpFrame(t, net.IP{10, 0, 0, 1}, net.IP{10, 0, 0, 2}, "frame")
		info := gopacket.CaptureInfo{
			Timestamp:     time.Unix(100, int64(i)*int64(time.Millisecond)+123).UTC(),
			CaptureLength: len(data),
			Length:        len(data),
		}
		packets[i] = NewPacket(data, info, layers.LinkTypeEthernet)
	}
	return packets
}

func readAll(t *testing.T, path string) []*Packet {
	t.Helper()
	packets, linkType, err := ReadAll(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	if linkType != layers.LinkTypeEthernet {
		t.Fatalf("link type: %s", linkType)
	}
	return packets
}

func timestampsOf(packets []*Packet) []time.Time {
	ts := make([]time.Time, len(packets))
	for i, packet := range packets {
		ts[i] = packet.Timestamp()
	}
	return ts
}

func TestWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "capture.pcap")
	written := newFrames(t, 3)

	if err := WriteFile(path, layers.LinkTypeEthernet, written, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	read := readAll(t, path)

	t.Run("must-keep-order-and-nanoseconds", func(t *testing.T) {
		if diff := cmp.Diff(timestampsOf(written), timestampsOf(read)); diff != "" {
			t.Fatalf("timestamps mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("must-number-packets", func(t *testing.T) {
		for i, packet := range read {
			if packet.Serial() != uint64(i) {
				t.Fatalf("serial: got %d, want %d", packet.Serial(), i)
			}
		}
	})

	t.Run("must-truncate-without-append", func(t *testing.T) {
		if err := WriteFile(path, layers.LinkTypeEthernet, written[:1], false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n := len(readAll(t, path)); n != 1 {
			t.Fatalf("packets: got %d, want 1", n)
		}
	})
}

func TestAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcap")
	packets := newFrames(t, 3)

	t.Run("must-create-missing-file", func(t *testing.T) {
		if err := WriteFile(path, layers.LinkTypeEthernet, packets[:1], true); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("must-append-to-existing-file", func(t *testing.T) {
		if err := WriteFile(path, layers.LinkTypeEthernet, packets[1:], true); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff := cmp.Diff(timestampsOf(packets), timestampsOf(readAll(t, path))); diff != "" {
			t.Fatalf("timestamps mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("must-keep-microsecond-resolution", func(t *testing.T) {
		micros := filepath.Join(t.TempDir(), "micros.pcap")
		file, err := os.Create(micros)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		w := pcapgo.NewWriter(file)
		w.WriteFileHeader(DefaultSnaplen, layers.LinkTypeEthernet)
		file.Close()

		if err := WriteFile(micros, layers.LinkTypeEthernet, packets[:1], true); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		read := readAll(t, micros)
		if want := packets[0].Timestamp().Truncate(time.Microsecond); !read[0].Timestamp().Equal(want) {
			t.Fatalf("timestamp: got %s, want %s", read[0].Timestamp(), want)
		}
	})

	t.Run("must-reject-link-type-mismatch", func(t *testing.T) {
		err := WriteFile(path, layers.LinkTypeRaw, packets[:1], true)
		if !errors.Is(err, ErrIO) {
			t.Fatalf("expected ErrIO, got: %v", err)
		}
	})
}

func TestReader(t *testing.T) {
	t.Run("must-return-EOF", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "capture.pcap")
		WriteFile(path, layers.LinkTypeEthernet, newFrames(t, 1), false)

		reader, err := NewReader(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer reader.Close()

		if _, err := reader.Next(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := reader.Next(); !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF, got: %v", err)
		}
	})

	t.Run("must-read-pcapng", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "capture.pcapng")
		file, err := os.Create(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ngWriter, err := pcapgo.NewNgWriter(file, layers.LinkTypeEthernet)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, packet := range newFrames(t, 2) {
			data, _ := packet.Bytes()
			if err := ngWriter.WritePacket(packet.CaptureInfo(), data); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		ngWriter.Flush()
		file.Close()

		if n := len(readAll(t, path)); n != 2 {
			t.Fatalf("packets: got %d, want 2", n)
		}
	})

	t.Run("must-fail-on-missing-file", func(t *testing.T) {
		_, err := NewReader(filepath.Join(t.TempDir(), "missing.pcap"))
		if !errors.Is(err, ErrIO) {
			t.Fatalf("expected ErrIO, got: %v", err)
		}
	})

	t.Run("must-fail-on-garbage", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "garbage.pcap")
		os.WriteFile(path, []byte("this is not a capture at all"), 0o644)
		if _, err := NewReader(path); !errors.Is(err, ErrIO) {
			t.Fatalf("expected ErrIO, got: %v", err)
		}
	})
}

func TestPacketBytes(t *testing.T) {
	packet := newFrames(t, 1)[0]
	original, _ := packet.Bytes()
	original = append([]byte{}, original...)

	t.Run("must-return-original-bytes-when-unchanged", func(t *testing.T) {
		data, err := packet.Bytes()
		if err != nil || !cmp.Equal(original, data) {
			t.Fatalf("bytes changed: %v", err)
		}
	})

	t.Run("must-reserialize-with-checksums", func(t *testing.T) {
		ip := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		ip.SrcIP = net.IP{192, 0, 2, 1}
		payload := packet.Payload()
		*payload = gopacket.Payload("a longer frame payload")
		packet.MarkChanged()

		data, err := packet.Bytes()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		decoded := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
		decodedIP := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !decodedIP.SrcIP.Equal(net.IP{192, 0, 2, 1}) {
			t.Fatalf("source: %s", decodedIP.SrcIP)
		}
		if int(decodedIP.Length) != len(data)-14 {
			t.Fatalf("IPv4 length not fixed: %d for %d bytes", decodedIP.Length, len(data))
		}
		if got := string(decoded.ApplicationLayer().Payload()); got != "a longer frame payload" {
			t.Fatalf("payload: %q", got)
		}
		if packet.CaptureInfo().CaptureLength != len(data) {
			t.Fatalf("capture length not updated: %d", packet.CaptureInfo().CaptureLength)
		}
		if packet.Changed() {
			t.Fatalf("packet must be clean after serialization")
		}
	})
}

func tcpFrame(t *testing.T, src net.IP, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src, DstIP: net.IP{10, 0, 0, 2}}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 80, Seq: 1000, Ack: 2000, ACK: true, PSH: true, Window: 512}
	tcp.SetNetworkLayerForChecksum(ip)

	buffer := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buffer, serializeOptions,
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
			DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xaa},
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip, tcp, gopacket.Payload(payload))
	if err != nil {
		t.Fatalf("failed to serialize: %v", err)
	}
	return append([]byte{}, buffer.Bytes()...)
}

func TestTruncatedPacketBytes(t *testing.T) {
	payload := make([]byte, 400)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	full := tcpFrame(t, net.IP{10, 0, 0, 1}, payload)
	if len(full) != 454 {
		t.Fatalf("frame length: %d", len(full))
	}

	snapshot := append([]byte{}, full[:96]...)
	info := gopacket.CaptureInfo{Timestamp: time.Unix(100, 0), CaptureLength: len(snapshot), Length: len(full)}
	packet := NewPacket(snapshot, info, layers.LinkTypeEthernet)
	if !packet.Truncated() {
		t.Fatalf("packet must be truncated")
	}

	packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4).SrcIP = net.IP{192, 0, 2, 1}
	packet.Layer(layers.LayerTypeTCP).(*layers.TCP).SrcPort = 41000
	packet.MarkChanged()

	data, err := packet.Bytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// the same rewrite applied before truncation
	expected := gopacket.NewPacket(tcpFrameWithPort(t, net.IP{192, 0, 2, 1}, 41000, payload), layers.LayerTypeEthernet, gopacket.Default)
	expectedIP := expected.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	expectedTCP := expected.Layer(layers.LayerTypeTCP).(*layers.TCP)

	decoded := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	decodedIP := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	decodedTCP := decoded.Layer(layers.LayerTypeTCP).(*layers.TCP)

	t.Run("must-keep-capture-size", func(t *testing.T) {
		if len(data) != 96 || packet.CaptureInfo().CaptureLength != 96 || packet.CaptureInfo().Length != 454 {
			t.Fatalf("lengths: data=%d capture=%d wire=%d", len(data), packet.CaptureInfo().CaptureLength, packet.CaptureInfo().Length)
		}
	})

	t.Run("must-keep-IPv4-total-length", func(t *testing.T) {
		if decodedIP.Length != 440 {
			t.Fatalf("IPv4 total length: got %d, want 440", decodedIP.Length)
		}
	})

	t.Run("must-match-checksums-of-the-full-packet", func(t *testing.T) {
		if decodedIP.Checksum != expectedIP.Checksum {
			t.Fatalf("IPv4 checksum: got %#04x, want %#04x", decodedIP.Checksum, expectedIP.Checksum)
		}
		if decodedTCP.Checksum != expectedTCP.Checksum {
			t.Fatalf("TCP checksum: got %#04x, want %#04x", decodedTCP.Checksum, expectedTCP.Checksum)
		}
	})

	t.Run("must-keep-captured-payload", func(t *testing.T) {
		if diff := cmp.Diff(snapshot[54:], data[54:]); diff != "" {
			t.Fatalf("payload mismatch (-want +got):\n%s", diff)
		}
	})
}

func tcpFrameWithPort(t *testing.T, src net.IP, port layers.TCPPort, payload []byte) []byte {
	t.Helper()
	frame := tcpFrame(t, src, payload)
	packet := NewPacket(frame, gopacket.CaptureInfo{CaptureLength: len(frame), Length: len(frame)}, layers.LinkTypeEthernet)
	packet.Layer(layers.LayerTypeTCP).(*layers.TCP).SrcPort = port
	packet.MarkChanged()
	data, err := packet.Bytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return data
}
