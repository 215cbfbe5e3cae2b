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
	"encoding/json"
	"math"
	"strconv"

	"github.com/Jeffail/gabs/v2"
	pkgerrors "github.com/pkg/errors"
)

// Lookup returns the child under the literal `key`, or nil.
func Lookup(tree *gabs.Container, key string) *gabs.Container {
	if tree == nil {
		return nil
	}
	if children, ok := tree.Data().(map[string]interface{}); ok {
		if value, ok := children[key]; ok && value != nil {
			return gabs.Wrap(value)
		}
	}
	return nil
}

// Has reports whether `key` is present and not null.
func Has(tree *gabs.Container, key string) bool {
	return Lookup(tree, key) != nil
}

func typeError(key, expected string, value interface{}) error {
	return pkgerrors.Wrapf(ErrConfiguration, "key '%s' must be %s, got %T", key, expected, value)
}

func stringify(key string, value interface{}) (string, error) {
	switch typed := value.(type) {
	case string:
		return typed, nil
	case bool:
		return strconv.FormatBool(typed), nil
	case int:
		return strconv.Itoa(typed), nil
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), nil
	case json.Number:
		return typed.String(), nil
	default:
		return "", typeError(key, "a string", value)
	}
}

// String returns the string under `key`; scalars are stringified.
func String(tree *gabs.Container, key string) (string, bool, error) {
	child := Lookup(tree, key)
	if child == nil {
		return "", false, nil
	}
	value, err := stringify(key, child.Data())
	return value, true, err
}

// Float returns the number under `key`. Numeric strings are accepted since
// YAML users tend to quote them.
func Float(tree *gabs.Container, key string) (float64, bool, error) {
	child := Lookup(tree, key)
	if child == nil {
		return 0, false, nil
	}
	switch value := child.Data().(type) {
	case float64:
		return value, true, nil
	case int:
		return float64(value), true, nil
	case int64:
		return float64(value), true, nil
	case uint64:
		return float64(value), true, nil
	case json.Number:
		f, err := value.Float64()
		if err != nil {
			return 0, true, typeError(key, "a number", value)
		}
		return f, true, nil
	case string:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, true, typeError(key, "a number", value)
		}
		return f, true, nil
	default:
		return 0, true, typeError(key, "a number", value)
	}
}

func Int(tree *gabs.Container, key string) (int64, bool, error) {
	f, ok, err := Float(tree, key)
	if !ok || err != nil {
		return 0, ok, err
	}
	if f != math.Trunc(f) {
		return 0, true, typeError(key, "an integer", f)
	}
	return int64(f), true, nil
}

func Bool(tree *gabs.Container, key string) (bool, bool, error) {
	child := Lookup(tree, key)
	if child == nil {
		return false, false, nil
	}
	switch value := child.Data().(type) {
	case bool:
		return value, true, nil
	case string:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return false, true, typeError(key, "a boolean", value)
		}
		return b, true, nil
	default:
		return false, true, typeError(key, "a boolean", value)
	}
}

// List returns the elements of the sequence under `key`.
func List(tree *gabs.Container, key string) ([]*gabs.Container, bool, error) {
	child := Lookup(tree, key)
	if child == nil {
		return nil, false, nil
	}
	items, ok := child.Data().([]interface{})
	if !ok {
		return nil, true, typeError(key, "a list", child.Data())
	}
	children := make([]*gabs.Container, 0, len(items))
	for _, item := range items {
		children = append(children, gabs.Wrap(item))
	}
	return children, true, nil
}

// Strings returns a list of scalars as strings.
func Strings(tree *gabs.Container, key string) ([]string, bool, error) {
	items, ok, err := List(tree, key)
	if !ok || err != nil {
		return nil, ok, err
	}
	values := make([]string, 0, len(items))
	for i, item := range items {
		value, err := stringify(key, item.Data())
		if err != nil {
			return nil, true, pkgerrors.Wrapf(err, "%s[%d]", key, i)
		}
		values = append(values, value)
	}
	return values, true, nil
}
