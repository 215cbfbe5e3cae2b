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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const yamlConfig = `
atk.file: default
read.write: bulk
timestamp:
  random.threshold: 0.25
  generation: timestamp_delay
  postprocess:
    - function: timestamp_random_oscillation
`

const jsonConfig = `{
  "atk.file": "default",
  "read.write": "bulk",
  "timestamp": {
    "random.threshold": 0.25,
    "generation": "timestamp_delay",
    "postprocess": [{"function": "timestamp_random_oscillation"}]
  }
}`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestParseFileFormats(t *testing.T) {
	cases := map[string]string{
		"mix.yaml":  yamlConfig,
		"mix.json":  jsonConfig,
		"mix.conf":  jsonConfig, // content sniffing
		"mix.cfg":   yamlConfig,
		"mix_json":  yamlConfig, // would have been read as JSON by a trailing-'n' check
		"mix.yamln": jsonConfig,
	}

	for name, content := range cases {
		t.Run("must-parse-"+name, func(t *testing.T) {
			tree, err := ParseFile(writeConfig(t, name, content), FormatAuto)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			mode, ok, err := String(tree, "read.write")
			if err != nil || !ok || mode != "bulk" {
				t.Fatalf("read.write: %q %v %v", mode, ok, err)
			}

			timestamp := Lookup(tree, "timestamp")
			threshold, ok, err := Float(timestamp, "random.threshold")
			if err != nil || !ok || threshold != 0.25 {
				t.Fatalf("random.threshold: %v %v %v", threshold, ok, err)
			}

			postprocess, _, err := List(timestamp, "postprocess")
			if err != nil {
				t.Fatalf("postprocess: %v", err)
			}
			var functions []string
			for _, entry := range postprocess {
				name, _, _ := String(entry, "function")
				functions = append(functions, name)
			}
			if diff := cmp.Diff([]string{"timestamp_random_oscillation"}, functions); diff != "" {
				t.Fatalf("postprocess mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseFileErrors(t *testing.T) {
	t.Run("must-fail-on-missing-file", func(t *testing.T) {
		_, err := ParseFile(filepath.Join(t.TempDir(), "missing.yaml"), FormatAuto)
		if !errors.Is(err, ErrConfiguration) {
			t.Fatalf("expected configuration error, got: %v", err)
		}
	})

	t.Run("must-fail-on-malformed-json", func(t *testing.T) {
		_, err := ParseFile(writeConfig(t, "bad.json", `{"atk.file": `), FormatAuto)
		if !errors.Is(err, ErrConfiguration) {
			t.Fatalf("expected configuration error, got: %v", err)
		}
	})

	t.Run("must-fail-on-scalar-root", func(t *testing.T) {
		_, err := ParseFile(writeConfig(t, "scalar.yaml", "just a string"), FormatYAML)
		if !errors.Is(err, ErrConfiguration) {
			t.Fatalf("expected configuration error, got: %v", err)
		}
	})

	t.Run("must-fail-on-unknown-format", func(t *testing.T) {
		if _, err := FormatFromString("toml"); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("expected configuration error, got: %v", err)
		}
	})
}

func TestAccessors(t *testing.T) {
	tree, err := Parse("inline.yaml", []byte(`
atk.file: /tmp/attack.pcap
random.seed: 7
mac.generate: "true"
ip.keep: [10.0.0.0/8, 192.168.0.0/16]
broken: {a: 1}
`), FormatAuto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("must-treat-dotted-keys-literally", func(t *testing.T) {
		file, ok, _ := String(tree, "atk.file")
		if !ok || file != "/tmp/attack.pcap" {
			t.Fatalf("atk.file: %q", file)
		}
		if Has(tree, "atk") {
			t.Fatalf("`atk` must not exist")
		}
	})

	t.Run("must-read-scalars", func(t *testing.T) {
		seed, ok, err := Int(tree, "random.seed")
		if err != nil || !ok || seed != 7 {
			t.Fatalf("random.seed: %v %v %v", seed, ok, err)
		}
		generate, ok, err := Bool(tree, "mac.generate")
		if err != nil || !ok || !generate {
			t.Fatalf("mac.generate: %v %v %v", generate, ok, err)
		}
	})

	t.Run("must-read-string-lists", func(t *testing.T) {
		keep, _, err := Strings(tree, "ip.keep")
		if err != nil {
			t.Fatalf("ip.keep: %v", err)
		}
		if diff := cmp.Diff([]string{"10.0.0.0/8", "192.168.0.0/16"}, keep); diff != "" {
			t.Fatalf("ip.keep mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("must-reject-type-mismatch", func(t *testing.T) {
		if _, _, err := String(tree, "broken"); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("expected configuration error, got: %v", err)
		}
	})

	t.Run("must-report-missing-keys", func(t *testing.T) {
		if _, ok, err := Float(tree, "missing"); ok || err != nil {
			t.Fatalf("missing key must be absent without error")
		}
	})
}
