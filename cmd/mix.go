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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/easyCZ/logrotate"
	"github.com/gchux/pcap-mix/pkg/mix"
	"github.com/gchux/pcap-mix/pkg/rewrap"
	"github.com/gchux/pcap-mix/pkg/stats"
	"github.com/google/uuid"
	"github.com/pterm/pterm"
)

var (
	configPath = flag.String("config", "", "Mix configuration file (JSON or YAML)")
	cfgFormat  = flag.String("format", "auto", "Configuration format: auto, json or yaml")
	injectAt   = flag.Float64("inject_at", 0, "Unix timestamp (seconds, fractional) the first donor packet is moved to")
	attack     = flag.String("default_attack", mix.DefaultAttackFile, "Donor capture used when 'atk.file' is 'default'")
	target     = flag.String("target", "", "Target capture the donor is mixed into; used to avoid address collisions")
	writeTo    = flag.String("out", "", "Output capture path; rendered from 'template' when empty")
	outDir     = flag.String("out_dir", ".", "Directory for rendered output paths")
	template   = flag.String("template", mix.DefaultOutputTemplate, "Output path template: {dir}, {id} and strftime directives")
	timezone   = flag.String("tz", "UTC", "timezone to be used by the output path template")
	trace      = flag.String("trace", "", "Trace every rewritten packet: text or json")
	logDir     = flag.String("log_dir", "", "Directory for rotated trace/log files; stderr when empty")
	report     = flag.String("report", "", "Write a JSON run report into this file")
)

var logger = log.New(os.Stderr, "[mix] - ", log.LstdFlags)

func newLogWriter(dir string) (io.WriteCloser, error) {
	return logrotate.New(logger, logrotate.Options{
		Directory:       dir,
		MaximumFileSize: 64 * 1024 * 1024,
		MaximumLifetime: time.Hour,
		FileNameFunc:    logrotate.DefaultFilenameFunc,
	})
}

func loadTarget(path string) (*stats.Statistics, error) {
	if path == "" {
		return nil, nil
	}
	return stats.Load(path)
}

func printSummary(result *mix.RunResult, elapsed time.Duration) {
	data := pterm.TableData{
		{"run", "mode", "packets", "output", "start", "end", "elapsed"},
		{
			result.ID,
			result.Mode.String(),
			strconv.FormatUint(result.Packets, 10),
			result.Path,
			result.Start.Format(time.RFC3339Nano),
			result.End.Format(time.RFC3339Nano),
			elapsed.String(),
		},
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		logger.Printf("failed to render summary: %v\n", err)
	}
}

func writeReport(path string, result *mix.RunResult) error {
	return os.WriteFile(path, []byte(result.JSON().StringIndent("", "  ")+"\n"), 0o644)
}

func exitCode(prefix string, err error) int {
	switch {
	case err == nil:
		logger.Printf("%s complete\n", prefix)
		return 0
	case errors.Is(err, mix.ErrMissingPrerequisite), errors.Is(err, mix.ErrConfiguration):
		logger.Printf("%s: invalid configuration: %v\n", prefix, err)
		return 2
	case errors.Is(err, mix.ErrPartialOutput):
		logger.Printf("%s: output is incomplete: %v\n", prefix, err)
	default:
		logger.Printf("%s: %v\n", prefix, err)
	}
	return 1
}

func run(ctx context.Context, prefix string) error {
	opts := mix.Options{
		AttackFile:     *attack,
		ConfigFormat:   *cfgFormat,
		OutputPath:     *writeTo,
		OutputDir:      *outDir,
		OutputTemplate: *template,
		Timezone:       *timezone,
		Trace:          *trace,
	}

	if *logDir != "" {
		writer, err := newLogWriter(*logDir)
		if err != nil {
			return err
		}
		defer writer.Close()
		logger.SetOutput(io.MultiWriter(os.Stderr, writer))
		opts.TraceWriter = writer
	}

	statistics, err := loadTarget(*target)
	if err != nil {
		return err
	}

	logger.Printf("%s started\n", prefix)
	started := time.Now()

	result, err := mix.Run(ctx, *configPath, mix.TimestampFromSeconds(*injectAt), statistics, opts)
	if err != nil {
		return err
	}

	printSummary(result, time.Since(started))

	if *report != "" {
		return writeReport(*report, result)
	}
	return nil
}

func main() {
	flag.Parse()

	if *configPath == "" {
		logger.Fatalln("'-config' is required")
	}

	id := fmt.Sprintf("cli/%s", uuid.New())
	prefix := fmt.Sprintf("execution '%s'", id)

	ctx := context.Background()
	ctx = context.WithValue(ctx, rewrap.ContextID, id)
	ctx = context.WithValue(ctx, rewrap.ContextLogName, `log/`+id)

	os.Exit(exitCode(prefix, run(ctx, prefix)))
}
