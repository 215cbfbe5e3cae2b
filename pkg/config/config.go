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

// Package config loads mix configuration files into a schemaless tree.
//
// Keys are looked up literally: `atk.file` is a single key, not the path
// `atk` -> `file`. Unknown keys are ignored; missing keys only matter to the
// consumer that asks for them.
package config

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/Jeffail/gabs/v2"
	pkgerrors "github.com/pkg/errors"
	"github.com/wissance/stringFormatter"
	"gopkg.in/yaml.v3"
)

type Format uint8

const (
	FormatAuto Format = iota
	FormatJSON
	FormatYAML
)

var configFormats = map[string]Format{
	"auto": FormatAuto,
	"json": FormatJSON,
	"yaml": FormatYAML,
	"yml":  FormatYAML,
}

var ErrConfiguration = errors.New("configuration error")

var configLogger = log.New(os.Stderr, "[config] - ", log.LstdFlags)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatYAML:
		return "yaml"
	default:
		return "auto"
	}
}

// FormatFromString resolves a user supplied format name; empty means auto.
func FormatFromString(name string) (Format, error) {
	if name == "" {
		return FormatAuto, nil
	}
	if f, ok := configFormats[strings.ToLower(name)]; ok {
		return f, nil
	}
	return FormatAuto, pkgerrors.Wrapf(ErrConfiguration, "unknown config format: %s", name)
}

func detectFormat(path string, content []byte) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	}

	// JSON documents are objects or arrays; anything else is handed to YAML,
	// which is a superset for the scalar cases.
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	return FormatYAML
}

func parseYAML(content []byte) (*gabs.Container, error) {
	var tree interface{}
	if err := yaml.Unmarshal(content, &tree); err != nil {
		return nil, err
	}
	return gabs.Wrap(normalize(tree)), nil
}

// yaml.v3 falls back to `map[interface{}]interface{}` for non-string keys;
// gabs only walks `map[string]interface{}`.
func normalize(node interface{}) interface{} {
	switch typed := node.(type) {
	case map[string]interface{}:
		for key, value := range typed {
			typed[key] = normalize(value)
		}
		return typed
	case map[interface{}]interface{}:
		converted := make(map[string]interface{}, len(typed))
		for key, value := range typed {
			converted[stringFormatter.Format("{0}", key)] = normalize(value)
		}
		return converted
	case []interface{}:
		for i, value := range typed {
			typed[i] = normalize(value)
		}
		return typed
	default:
		return node
	}
}

// Parse parses an in-memory configuration; `path` is only used for format detection.
func Parse(path string, content []byte, format Format) (*gabs.Container, error) {
	if format == FormatAuto {
		format = detectFormat(path, content)
	}

	var tree *gabs.Container
	var err error

	switch format {
	case FormatJSON:
		tree, err = gabs.ParseJSON(content)
	default:
		tree, err = parseYAML(content)
	}

	if err != nil {
		return nil, errors.Join(ErrConfiguration,
			pkgerrors.Wrapf(err, "malformed %s config: %s", format, path))
	}

	if _, ok := tree.Data().(map[string]interface{}); !ok {
		return nil, pkgerrors.Wrapf(ErrConfiguration, "config root is not a mapping: %s", path)
	}

	return tree, nil
}

// ParseFile reads and parses the configuration at `path`.
func ParseFile(path string, format Format) (*gabs.Container, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrConfiguration, pkgerrors.Wrap(err, "unreadable config"))
	}

	tree, err := Parse(path, content, format)
	if err != nil {
		return nil, err
	}

	configLogger.Printf("%s\n", stringFormatter.Format("loaded config '{0}' | keys: {1}", path, len(tree.ChildrenMap())))
	return tree, nil
}
