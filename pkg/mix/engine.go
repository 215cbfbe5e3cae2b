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
	"errors"
	"io"
	"strings"

	"github.com/gchux/pcap-mix/pkg/config"
	"github.com/gchux/pcap-mix/pkg/pcap"
	pkgerrors "github.com/pkg/errors"
	"github.com/wissance/stringFormatter"
)

func (rc *RunContext) readWriteMode() (Mode, error) {
	name, ok, err := config.String(rc.Config, readWriteKey)
	if err != nil {
		return SEQUENCE, configError(err, readWriteKey)
	}
	if !ok || name == "" {
		return SEQUENCE, nil
	}
	mode, ok := modes[strings.ToLower(name)]
	if !ok {
		return SEQUENCE, pkgerrors.Wrapf(ErrConfiguration, "unknown '%s' mode: %s", readWriteKey, name)
	}
	return mode, nil
}

// Rewrapping drives the donor capture through the pipeline into the output capture.
func (rc *RunContext) Rewrapping() (*RunResult, error) {
	if rc.ReWrapper == nil || !rc.ReWrapper.Recalculated() {
		return nil, pkgerrors.Wrap(ErrConfiguration, "pipeline was not built")
	}

	mode, err := rc.readWriteMode()
	if err != nil {
		return nil, err
	}
	rc.Mode = mode

	path, err := rc.renderOutputPath()
	if err != nil {
		return nil, err
	}
	rc.OutputPath = path

	result := &RunResult{ID: rc.ID, Mode: mode, Path: path, Donor: rc.AttackStatistics}

	if mode == BULK {
		err = rc.bulk(result)
	} else {
		err = rc.sequence(result)
	}
	if err != nil {
		return nil, err
	}

	mixLogger.Printf("%s\n", stringFormatter.Format("[{0}] {1} | packets: {2} | output: {3} | start: {4} | end: {5}",
		rc.ID, mode, result.Packets, path, result.Start.UnixNano(), result.End.UnixNano()))
	return result, nil
}

// bulk keeps the whole donor capture in memory and writes it at once.
func (rc *RunContext) bulk(result *RunResult) error {
	packets, linkType, err := pcap.ReadAll(rc.AttackFile)
	if err != nil {
		return err
	}
	if len(packets) == 0 {
		return pkgerrors.Wrapf(ErrEmptyCapture, "%s", rc.AttackFile)
	}

	rw := rc.ReWrapper
	rw.SetTimestampShift(rc.InjectAt.Sub(packets[0].Timestamp()))
	for _, packet := range packets {
		if err := rw.Digest(packet); err != nil {
			return err
		}
	}

	if err := pcap.WriteFile(result.Path, linkType, packets, false /* append */); err != nil {
		return err
	}

	result.Packets = uint64(len(packets))
	result.Start = packets[0].Timestamp()
	result.End = packets[len(packets)-1].Timestamp()
	return nil
}

// sequence keeps one packet in memory at a time; the output capture is
// created by the first packet and stays open until the donor is exhausted.
func (rc *RunContext) sequence(result *RunResult) (err error) {
	reader, err := pcap.NewReader(rc.AttackFile)
	if err != nil {
		return err
	}
	defer reader.Close()

	var writer pcap.PacketWriter
	defer func() {
		if writer == nil {
			return
		}
		err = errors.Join(err, writer.Close())
		if err != nil {
			err = errors.Join(err, pkgerrors.Wrapf(ErrPartialOutput,
				"%s holds %d packets", writer.Path(), writer.Written()))
		}
	}()

	rw := rc.ReWrapper
	for {
		packet, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		if result.Packets == 0 {
			rw.SetTimestampShift(rc.InjectAt.Sub(packet.Timestamp()))
			if err := rw.Digest(packet); err != nil {
				return err
			}
			opened, err := rc.openWriter(result.Path, reader.LinkType())
			if err != nil {
				return err
			}
			writer = opened
			result.Start = packet.Timestamp()
		} else if err := rw.Digest(packet); err != nil {
			return err
		}

		if err := writer.WritePacket(packet); err != nil {
			return err
		}
		result.End = packet.Timestamp()
		result.Packets++
	}

	if result.Packets == 0 {
		return pkgerrors.Wrapf(ErrEmptyCapture, "%s", rc.AttackFile)
	}
	return nil
}
