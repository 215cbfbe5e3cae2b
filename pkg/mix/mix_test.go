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

package mix

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gchux/pcap-mix/pkg/pcap"
	"github.com/gchux/pcap-mix/pkg/rewrap"
	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	attackerMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	victimMAC   = net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xaa}
	attackerIP  = net.IP{10, 0, 0, 1}
	victimIP    = net.IP{10, 0, 0, 2}
)

// donor timestamps [100.0, 100.5, 101.0]
var donorSeconds = []float64{100.0, 100.5, 101.0}

func donorPacket(t *testing.T, ts time.Time, forward bool, seq uint32) *pcap.Packet {
	t.Helper()
	srcMAC, dstMAC, src, dst := attackerMAC, victimMAC, attackerIP, victimIP
	sport, dport := layers.TCPPort(40000), layers.TCPPort(22)
	if !forward {
		srcMAC, dstMAC, src, dst = victimMAC, attackerMAC, victimIP, attackerIP
		sport, dport = dport, sport
	}

	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
	tcp := &layers.TCP{SrcPort: sport, DstPort: dport, Seq: seq, ACK: true, Ack: 1, Window: 1024}
	tcp.SetNetworkLayerForChecksum(ip)

	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	err := gopacket.SerializeLayers(buffer, opts,
		&layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4},
		ip, tcp, gopacket.Payload("SSH-2.0-hydra"))
	if err != nil {
		t.Fatalf("failed to serialize: %v", err)
	}
	data := append([]byte{}, buffer.Bytes()...)
	info := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	return pcap.NewPacket(data, info, layers.LinkTypeEthernet)
}

func writeDonor(t *testing.T, dir string) string {
	t.Helper()
	packets := make([]*pcap.Packet, len(donorSeconds))
	for i, seconds := range donorSeconds {
		packets[i] = donorPacket(t, TimestampFromSeconds(seconds), i%2 == 0, uint32(1000+i))
	}
	path := filepath.Join(dir, "donor.pcap")
	if err := pcap.WriteFile(path, layers.LinkTypeEthernet, packets, false); err != nil {
		t.Fatalf("failed to write donor: %v", err)
	}
	return path
}

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func runMix(t *testing.T, dir, configContent, output string) (*RunResult, error) {
	t.Helper()
	configPath := writeConfig(t, dir, "mix.yaml", configContent)
	opts := Options{OutputPath: filepath.Join(dir, output)}
	return Run(context.Background(), configPath, TimestampFromSeconds(500.0), nil, opts)
}

func outputTimestamps(t *testing.T, path string) []time.Time {
	t.Helper()
	packets, _, err := pcap.ReadAll(path)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	ts := make([]time.Time, len(packets))
	for i, packet := range packets {
		ts[i] = packet.Timestamp()
	}
	return ts
}

func TestSequenceAndBulkScenario(t *testing.T) {
	dir := t.TempDir()
	donor := writeDonor(t, dir)
	configFor := func(mode string) string {
		return "atk.file: " + donor + "\nread.write: " + mode + "\n"
	}

	sequence, err := runMix(t, dir, configFor("sequence"), "sequence.pcap")
	if err != nil {
		t.Fatalf("sequence run failed: %v", err)
	}
	bulk, err := runMix(t, dir, configFor("bulk"), "bulk.pcap")
	if err != nil {
		t.Fatalf("bulk run failed: %v", err)
	}

	want := []time.Time{
		TimestampFromSeconds(500.0),
		TimestampFromSeconds(500.5),
		TimestampFromSeconds(501.0),
	}

	for name, result := range map[string]*RunResult{"sequence": sequence, "bulk": bulk} {
		t.Run("must-shift-timestamps-"+name, func(t *testing.T) {
			if result.Packets != 3 {
				t.Fatalf("packets: got %d, want 3", result.Packets)
			}
			if diff := cmp.Diff(want, outputTimestamps(t, result.Path)); diff != "" {
				t.Fatalf("timestamps mismatch (-want +got):\n%s", diff)
			}
			if !result.Start.Equal(want[0]) || !result.End.Equal(want[2]) {
				t.Fatalf("start/end: %s %s", result.Start, result.End)
			}
		})
	}

	t.Run("must-report-donor-summary", func(t *testing.T) {
		report := sequence.JSON()
		if n, _ := report.Search("donor", "packets").Data().(uint64); n != 3 {
			t.Fatalf("donor packets: got %d, want 3", n)
		}
		if n, _ := report.Search("donor", "ports", "22").Data().(uint64); n != 2 {
			t.Fatalf("donor port 22: got %d, want 2", n)
		}
		if d, _ := report.Search("donor", "duration").Data().(string); d != "1s" {
			t.Fatalf("donor duration: %q", d)
		}
	})

	t.Run("must-produce-identical-captures", func(t *testing.T) {
		sequenceBytes, _ := os.ReadFile(sequence.Path)
		bulkBytes, _ := os.ReadFile(bulk.Path)
		if len(sequenceBytes) == 0 || !bytes.Equal(sequenceBytes, bulkBytes) {
			t.Fatalf("sequence and bulk outputs differ")
		}
	})

	t.Run("must-remap-addresses-consistently", func(t *testing.T) {
		packets, _, err := pcap.ReadAll(sequence.Path)
		if err != nil {
			t.Fatalf("failed to read output: %v", err)
		}

		generated := netip.MustParsePrefix("198.18.0.0/15")
		seen := make(map[string]string)
		for i, packet := range packets {
			ip := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
			eth := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)

			original := [2]string{attackerIP.String(), victimIP.String()}
			originalMAC := [2]string{attackerMAC.String(), victimMAC.String()}
			if i%2 == 1 {
				original[0], original[1] = original[1], original[0]
				originalMAC[0], originalMAC[1] = originalMAC[1], originalMAC[0]
			}

			pairs := [][2]string{
				{original[0], ip.SrcIP.String()},
				{original[1], ip.DstIP.String()},
				{originalMAC[0], eth.SrcMAC.String()},
				{originalMAC[1], eth.DstMAC.String()},
			}
			for _, pair := range pairs {
				if pair[0] == pair[1] {
					t.Fatalf("packet #%d: %s was not remapped", i, pair[0])
				}
				if previous, ok := seen[pair[0]]; ok && previous != pair[1] {
					t.Fatalf("packet #%d: %s remapped to %s and %s", i, pair[0], previous, pair[1])
				}
				seen[pair[0]] = pair[1]
			}

			for _, addr := range []net.IP{ip.SrcIP, ip.DstIP} {
				if a, _ := netip.AddrFromSlice(addr); !generated.Contains(a.Unmap()) {
					t.Fatalf("packet #%d: %s is outside %s", i, addr, generated)
				}
			}
		}
	})
}

func TestFailFast(t *testing.T) {
	dir := t.TempDir()
	donor := writeDonor(t, dir)

	cases := []struct {
		name    string
		config  string
		wantErr error
	}{
		{
			name:    "missing-threshold-for-generation",
			config:  "atk.file: " + donor + "\ntimestamp:\n  generation: timestamp_delay\n",
			wantErr: ErrMissingPrerequisite,
		},
		{
			name:    "missing-threshold-for-postprocess",
			config:  "atk.file: " + donor + "\ntimestamp:\n  postprocess:\n    - function: timestamp_random_oscillation\n",
			wantErr: ErrMissingPrerequisite,
		},
		{
			name:    "zero-threshold",
			config:  "atk.file: " + donor + "\ntimestamp:\n  random.threshold: 0\n  generation: timestamp_delay_forIPconst\n",
			wantErr: ErrMissingPrerequisite,
		},
		{
			name:    "unknown-generator",
			config:  "atk.file: " + donor + "\ntimestamp:\n  generation: timestamp_rewind\n",
			wantErr: rewrap.ErrUnknownFunction,
		},
		{
			name:    "missing-attack-file",
			config:  "read.write: bulk\n",
			wantErr: ErrConfiguration,
		},
		{
			name:    "unknown-mode",
			config:  "atk.file: " + donor + "\nread.write: parallel\n",
			wantErr: ErrConfiguration,
		},
		{
			name:    "unreadable-donor",
			config:  "atk.file: " + filepath.Join(dir, "missing.pcap") + "\n",
			wantErr: pcap.ErrIO,
		},
	}

	for _, tc := range cases {
		t.Run("must-fail-on-"+tc.name, func(t *testing.T) {
			output := tc.name + ".pcap"
			_, err := runMix(t, dir, tc.config, output)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got: %v", tc.wantErr, err)
			}
			if _, err := os.Stat(filepath.Join(dir, output)); !os.IsNotExist(err) {
				t.Fatalf("output capture must not exist: %v", err)
			}
		})
	}
}

func TestEmptyCapture(t *testing.T) {
	dir := t.TempDir()
	donor := filepath.Join(dir, "empty.pcap")
	file, err := os.Create(donor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pcapgo.NewWriterNanos(file).WriteFileHeader(pcap.DefaultSnaplen, layers.LinkTypeEthernet)
	file.Close()

	for _, mode := range []string{"sequence", "bulk"} {
		t.Run("must-reject-empty-donor-"+mode, func(t *testing.T) {
			output := mode + ".pcap"
			_, err := runMix(t, dir, "atk.file: "+donor+"\nread.write: "+mode+"\n", output)
			if !errors.Is(err, ErrEmptyCapture) {
				t.Fatalf("expected ErrEmptyCapture, got: %v", err)
			}
			if _, err := os.Stat(filepath.Join(dir, output)); !os.IsNotExist(err) {
				t.Fatalf("output capture must not exist: %v", err)
			}
		})
	}
}

func TestTimestampPolicy(t *testing.T) {
	dir := t.TempDir()
	donor := writeDonor(t, dir)
	config := "atk.file: " + donor + `
timestamp:
  random.threshold: 0.1
  generation: timestamp_delay
  postprocess:
    - function: timestamp_random_oscillation
`
	result, err := runMix(t, dir, config, "delayed.pcap")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ts := outputTimestamps(t, result.Path)

	t.Run("must-inject-first-packet-exactly", func(t *testing.T) {
		if !ts[0].Equal(TimestampFromSeconds(500.0)) {
			t.Fatalf("first timestamp: %s", ts[0])
		}
	})

	t.Run("must-keep-packet-order", func(t *testing.T) {
		for i := 1; i < len(ts); i++ {
			if ts[i].Before(ts[i-1]) {
				t.Fatalf("packet #%d reordered", i)
			}
		}
	})
}

func TestOutputPath(t *testing.T) {
	ctx := context.WithValue(context.Background(), rewrap.ContextID, "run-42")
	rc, err := NewRunContext(ctx, Options{OutputDir: "out"}, TimestampFromSeconds(1700000000), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("must-merge-defaults", func(t *testing.T) {
		if rc.AttackFile != DefaultAttackFile || rc.Options.Timezone != "UTC" {
			t.Fatalf("defaults not merged: %+v", rc.Options)
		}
		if rc.ID != "run-42" {
			t.Fatalf("id: %s", rc.ID)
		}
	})

	t.Run("must-render-template", func(t *testing.T) {
		path, err := rc.renderOutputPath()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := filepath.Join("out", "mix_run-42_20231114T221320.pcap"); path != want {
			t.Fatalf("got %s, want %s", path, want)
		}
	})

	t.Run("must-generate-run-id", func(t *testing.T) {
		rc, _ := NewRunContext(context.Background(), Options{}, time.Now(), nil)
		if id, _ := rc.Context().Value(rewrap.ContextID).(string); id == "" || id != rc.ID {
			t.Fatalf("run id not propagated: %q", id)
		}
	})

	t.Run("must-report-JSON", func(t *testing.T) {
		result := &RunResult{ID: "run-42", Mode: BULK, Packets: 3, Path: "out.pcap",
			Start: TimestampFromSeconds(500), End: TimestampFromSeconds(501)}
		report := result.JSON().String()
		if !strings.Contains(report, `"mode":"bulk"`) || !strings.Contains(report, `"packets":3`) {
			t.Fatalf("report: %s", report)
		}
	})
}

var errDiskFull = errors.New("no space left on device")

// failingWriter stores packets until `limit` is reached, then fails.
type failingWriter struct {
	pcap.PacketWriter
	limit uint64
}

func (w *failingWriter) WritePacket(packet *pcap.Packet) error {
	if w.Written() >= w.limit {
		return errDiskFull
	}
	return w.PacketWriter.WritePacket(packet)
}

func TestSequencePartialOutput(t *testing.T) {
	dir := t.TempDir()
	donor := writeDonor(t, dir)
	output := filepath.Join(dir, "partial.pcap")

	rc, err := NewRunContext(context.Background(), Options{OutputPath: output}, TimestampFromSeconds(500.0), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rc.LoadConfig(writeConfig(t, dir, "mix.yaml", "atk.file: "+donor+"\nread.write: sequence\n")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rc.Build(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rc.openWriter = func(path string, linkType layers.LinkType) (pcap.PacketWriter, error) {
		writer, err := openCaptureWriter(path, linkType)
		if err != nil {
			return nil, err
		}
		return &failingWriter{PacketWriter: writer, limit: 2}, nil
	}

	result, err := rc.Rewrapping()

	t.Run("must-abort-on-first-failure", func(t *testing.T) {
		if result != nil {
			t.Fatalf("failed run must not report a result")
		}
		if !errors.Is(err, errDiskFull) {
			t.Fatalf("expected the write failure, got: %v", err)
		}
	})

	t.Run("must-report-partial-output", func(t *testing.T) {
		if !errors.Is(err, ErrPartialOutput) {
			t.Fatalf("expected ErrPartialOutput, got: %v", err)
		}
	})

	t.Run("must-keep-packets-written-before-failure", func(t *testing.T) {
		want := []time.Time{TimestampFromSeconds(500.0), TimestampFromSeconds(500.5)}
		if diff := cmp.Diff(want, outputTimestamps(t, output)); diff != "" {
			t.Fatalf("timestamps mismatch (-want +got):\n%s", diff)
		}
	})
}
