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
	"os"
	"strings"

	"github.com/Jeffail/gabs/v2"
	"github.com/gchux/pcap-mix/pkg/config"
	"github.com/gchux/pcap-mix/pkg/rewrap"
	"github.com/gchux/pcap-mix/pkg/stats"
	pkgerrors "github.com/pkg/errors"
	"github.com/wissance/stringFormatter"
)

func configError(err error, key string) error {
	return errors.Join(ErrConfiguration, pkgerrors.Wrapf(err, "invalid '%s'", key))
}

// FillDictionaries resolves the donor capture, profiles it and seeds the
// global state from the configuration.
func (rc *RunContext) FillDictionaries() error {
	attackFile, ok, err := config.String(rc.Config, attackFileKey)
	if err != nil {
		return configError(err, attackFileKey)
	}
	if !ok {
		return pkgerrors.Wrapf(ErrConfiguration, "missing '%s'", attackFileKey)
	}
	if attackFile != defaultAttackKey {
		rc.AttackFile = attackFile
	}

	attackStatistics, err := stats.Load(rc.AttackFile)
	if err != nil {
		return err
	}
	rc.AttackStatistics = attackStatistics

	global := rewrap.NewGlobal(rc.Statistics, attackStatistics)
	if err := rewrap.FillGlobal(rc.Config, global); err != nil {
		return err
	}
	rc.ReWrapper = rewrap.NewReWrapper(global)

	if format := rc.Options.Trace; format != "" {
		writer := rc.Options.TraceWriter
		if writer == nil {
			writer = os.Stderr
		}
		tracer, err := rewrap.NewTracer(rc.ctx, format, writer)
		if err != nil {
			return errors.Join(ErrConfiguration, err)
		}
		rc.ReWrapper.SetTracer(tracer)
	}

	mixLogger.Printf("%s\n", stringFormatter.Format("[{0}] donor: {1} | packets: {2}",
		rc.ID, rc.AttackFile, attackStatistics.PacketCount))
	return nil
}

func checkedTimestampFunction(name string, global *rewrap.Global) error {
	if _, err := rewrap.TimestampFunctionByName(name); err != nil {
		return err
	}
	return rewrap.TimestampFunctionDependency(name, global)
}

func (rc *RunContext) enqueueTimestampFunctions(timestamp *gabs.Container) error {
	rw := rc.ReWrapper
	global := rw.Global()

	threshold, ok, err := config.Float(timestamp, thresholdKey)
	if err != nil {
		return configError(err, thresholdKey)
	}
	// zero counts as absent
	if ok && threshold > 0 {
		global.SetTimestampThreshold(durationFromSeconds(threshold))
	}

	generation, ok, err := config.String(timestamp, generationKey)
	if err != nil {
		return configError(err, generationKey)
	}
	if ok && generation != "" {
		if err := checkedTimestampFunction(generation, global); err != nil {
			return err
		}
		if err := rw.ChangeTimestampFunction(generation); err != nil {
			return err
		}
	}

	alternate, ok, err := config.String(timestamp, generationAltKey)
	if err != nil {
		return configError(err, generationAltKey)
	}
	if ok && alternate != "" {
		if err := rw.EnlistAltTimestampFunction(alternate); err != nil {
			return err
		}
	}

	postprocess, _, err := config.List(timestamp, postprocessKey)
	if err != nil {
		return configError(err, postprocessKey)
	}
	for i, item := range postprocess {
		name, ok, err := config.String(item, functionKey)
		if err != nil || !ok || name == "" {
			return configError(pkgerrors.Errorf("entry %d has no '%s'", i, functionKey), postprocessKey)
		}
		if err := checkedTimestampFunction(name, global); err != nil {
			return err
		}
		if err := rw.EnqueueTimestampPostprocess(name); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueFunctions registers the timestamp policy found under `timestamp`
// and then every protocol rewrite in layering order.
func (rc *RunContext) EnqueueFunctions() error {
	if rc.ReWrapper == nil {
		return pkgerrors.Wrap(ErrConfiguration, "global state was not seeded")
	}

	if timestamp := config.Lookup(rc.Config, timestampKey); timestamp != nil {
		if err := rc.enqueueTimestampFunctions(timestamp); err != nil {
			return err
		}
	}

	for _, name := range rewrap.DefaultRewriteFunctions {
		if err := rc.ReWrapper.EnqueueFunction(name); err != nil {
			return err
		}
	}

	mixLogger.Printf("%s\n", stringFormatter.Format("[{0}] timestamps: {1} [{2}] | functions: {3}",
		rc.ID, rc.ReWrapper.TimestampGenerator(), strings.Join(rc.ReWrapper.TimestampPostprocess(), ","),
		strings.Join(rc.ReWrapper.Queue(), ",")))
	return nil
}

// Recalculate freezes the pipeline; nothing can be enqueued afterwards.
func (rc *RunContext) Recalculate() error {
	if rc.ReWrapper == nil {
		return pkgerrors.Wrap(ErrConfiguration, "global state was not seeded")
	}
	return rc.ReWrapper.Recalculate()
}
