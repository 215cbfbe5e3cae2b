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

// Package mix splices a donor capture into a target capture.
//
// A run goes through four steps, all driven by one `RunContext`:
// the configuration is parsed, global state is seeded from it, the rewrite
// pipeline is built and frozen, and finally the donor capture is rewritten
// into the output capture in either `bulk` or `sequence` mode.
package mix

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/Jeffail/gabs/v2"
	"github.com/gchux/pcap-mix/pkg/config"
	"github.com/gchux/pcap-mix/pkg/pcap"
	"github.com/gchux/pcap-mix/pkg/rewrap"
	"github.com/gchux/pcap-mix/pkg/stats"
	"github.com/google/gopacket/layers"
	"github.com/google/uuid"
	"github.com/itchyny/timefmt-go"
	pkgerrors "github.com/pkg/errors"
	"github.com/wissance/stringFormatter"
)

type (
	Mode uint8

	Options struct {
		// donor capture used when `atk.file` is `default`
		AttackFile string
		// format of the configuration file: auto, json or yaml
		ConfigFormat string
		// explicit output capture path; rendered from `OutputTemplate` when empty
		OutputPath     string
		OutputDir      string
		OutputTemplate string
		Timezone       string
		// per-packet trace format: text or json; empty disables tracing
		Trace       string
		TraceWriter io.Writer
	}

	RunContext struct {
		ctx     context.Context
		ID      string
		Options Options

		Config *gabs.Container
		// target capture statistics, supplied by the caller
		Statistics *stats.Statistics
		// donor capture statistics, computed while seeding
		AttackStatistics *stats.Statistics
		AttackFile       string

		InjectAt   time.Time
		OutputPath string
		Mode       Mode

		ReWrapper *rewrap.ReWrapper

		// opens the output capture in sequence mode
		openWriter func(path string, linkType layers.LinkType) (pcap.PacketWriter, error)
	}

	RunResult struct {
		ID      string
		Mode    Mode
		Packets uint64
		Path    string
		// output timestamps of the first and last packet
		Start time.Time
		End   time.Time
		Donor *stats.Statistics
	}
)

const (
	SEQUENCE Mode = iota
	BULK
)

const (
	DefaultAttackFile     = "resources/hydra-1_tasks.pcap"
	DefaultOutputTemplate = "{dir}/mix_{id}_%Y%m%dT%H%M%S.pcap"

	attackFileKey    = "atk.file"
	defaultAttackKey = "default"
	readWriteKey     = "read.write"
	timestampKey     = "timestamp"
	thresholdKey     = "random.threshold"
	generationKey    = "generation"
	generationAltKey = "generation.alt"
	postprocessKey   = "postprocess"
	functionKey      = "function"
)

var modes = map[string]Mode{
	"sequence": SEQUENCE,
	"bulk":     BULK,
}

var (
	ErrConfiguration       = config.ErrConfiguration
	ErrMissingPrerequisite = rewrap.ErrMissingPrerequisite
	ErrEmptyCapture        = errors.New("donor capture is empty")
	ErrPartialOutput       = errors.New("output capture is incomplete")
)

var mixLogger = log.New(os.Stderr, "[mix] - ", log.LstdFlags)

func (m Mode) String() string {
	if m == BULK {
		return "bulk"
	}
	return "sequence"
}

func DefaultOptions() Options {
	return Options{
		AttackFile:     DefaultAttackFile,
		ConfigFormat:   config.FormatAuto.String(),
		OutputDir:      ".",
		OutputTemplate: DefaultOutputTemplate,
		Timezone:       "UTC",
	}
}

// TimestampFromSeconds converts a fractional unix timestamp into a `time.Time`.
func TimestampFromSeconds(seconds float64) time.Time {
	whole, fraction := math.Modf(seconds)
	return time.Unix(int64(whole), int64(math.Round(fraction*float64(time.Second)))).UTC()
}

func durationFromSeconds(seconds float64) time.Duration {
	return time.Duration(math.Round(seconds * float64(time.Second)))
}

// NewRunContext prepares a run injecting the donor capture at `injectAt`.
// `statistics` describes the target capture and may be nil.
func NewRunContext(
	ctx context.Context,
	opts Options,
	injectAt time.Time,
	statistics *stats.Statistics,
) (*RunContext, error) {
	if err := mergo.Merge(&opts, DefaultOptions()); err != nil {
		return nil, errors.Join(ErrConfiguration, pkgerrors.Wrap(err, "invalid options"))
	}

	id, _ := ctx.Value(rewrap.ContextID).(string)
	if id == "" {
		id = uuid.New().String()
		ctx = context.WithValue(ctx, rewrap.ContextID, id)
	}

	return &RunContext{
		ctx:        ctx,
		ID:         id,
		Options:    opts,
		Statistics: statistics,
		AttackFile: opts.AttackFile,
		InjectAt:   injectAt,
		openWriter: openCaptureWriter,
	}, nil
}

func openCaptureWriter(path string, linkType layers.LinkType) (pcap.PacketWriter, error) {
	writer, err := pcap.NewWriter(path, linkType, false /* append */)
	if err != nil {
		return nil, err
	}
	return writer, nil
}

func (rc *RunContext) Context() context.Context {
	return rc.ctx
}

// LoadConfig parses the configuration file at `path`.
func (rc *RunContext) LoadConfig(path string) error {
	format, err := config.FormatFromString(rc.Options.ConfigFormat)
	if err != nil {
		return err
	}
	tree, err := config.ParseFile(path, format)
	if err != nil {
		return err
	}
	rc.Config = tree
	return nil
}

// renderOutputPath expands `{dir}` and `{id}` in the template, then its strftime directives.
func (rc *RunContext) renderOutputPath() (string, error) {
	if rc.Options.OutputPath != "" {
		return rc.Options.OutputPath, nil
	}

	location, err := time.LoadLocation(rc.Options.Timezone)
	if err != nil {
		return "", errors.Join(ErrConfiguration, pkgerrors.Wrapf(err, "invalid timezone: %s", rc.Options.Timezone))
	}

	template := stringFormatter.FormatComplex(rc.Options.OutputTemplate, map[string]any{
		"dir": rc.Options.OutputDir,
		"id":  rc.ID,
	})
	return filepath.Clean(timefmt.Format(rc.InjectAt.In(location), template)), nil
}

// Build turns the parsed configuration into a frozen rewrite pipeline.
func (rc *RunContext) Build() error {
	if rc.Config == nil {
		return pkgerrors.Wrap(ErrConfiguration, "no configuration loaded")
	}
	if err := rc.FillDictionaries(); err != nil {
		return err
	}
	if err := rc.EnqueueFunctions(); err != nil {
		return err
	}
	return rc.Recalculate()
}

// Run performs a whole mix: configuration at `configPath`, donor injected at `injectAt`.
func Run(
	ctx context.Context,
	configPath string,
	injectAt time.Time,
	statistics *stats.Statistics,
	opts Options,
) (*RunResult, error) {
	rc, err := NewRunContext(ctx, opts, injectAt, statistics)
	if err != nil {
		return nil, err
	}
	if err := rc.LoadConfig(configPath); err != nil {
		return nil, err
	}
	if err := rc.Build(); err != nil {
		return nil, err
	}
	return rc.Rewrapping()
}

// JSON renders the result as a report document.
func (r *RunResult) JSON() *gabs.Container {
	json := gabs.New()
	json.Set(r.ID, "id")
	json.Set(r.Mode.String(), "mode")
	json.Set(r.Packets, "packets")
	json.Set(r.Path, "path")
	json.Set(r.Start.UnixNano(), "start", "nanos")
	json.Set(r.Start.Format(time.RFC3339Nano), "start", "time")
	json.Set(r.End.UnixNano(), "end", "nanos")
	json.Set(r.End.Format(time.RFC3339Nano), "end", "time")
	if r.Donor != nil {
		json.Set(r.Donor.JSON().Data(), "donor")
	}
	return json
}
