/*
 * Copyright 2012-2023 Jason Woods and contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"fmt"
	"reflect"
	"time"

	"gopkg.in/op/go-logging.v1"
)

// Validator is implemented by sections that require validation after the
// configuration has been populated
type Validator interface {
	Validate(p *Parser, path string) error
}

// Parser holds the parsing state for configuration population
type Parser struct {
	cfg *Config
}

// NewParser returns a new parser for the given configuration structure
func NewParser(cfg *Config) *Parser {
	return &Parser{cfg: cfg}
}

// Config returns the root Config currently being parsed
func (p *Parser) Config() *Config {
	return p.cfg
}

// Populate populates a tagged configuration structure from raw configuration
// data, automatically converting time.Duration and other known types.
// Any raw entry that does not match a tagged field is reported as an error
// so spelling mistakes do not go unnoticed
func (p *Parser) Populate(section interface{}, rawConfig map[string]interface{}, configPath string) error {
	vSection := reflect.ValueOf(section)
	if vSection.Kind() != reflect.Ptr || vSection.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("Invalid section at %s", configPath)
	}

	log.Debugf("populateStruct: %s (%s)", vSection.Type().String(), configPath)

	used := make(map[string]bool)
	if err := p.populateStruct(vSection.Elem(), rawConfig, configPath, used); err != nil {
		return err
	}

	// Report any unused values in case the user misspelled an option
	for key := range rawConfig {
		if !used[key] {
			return fmt.Errorf("Option %s/%s is not available", configPath, key)
		}
	}

	return nil
}

// populateStruct walks the tagged fields of a structure, including embedded
// structures, and populates them from the raw configuration
func (p *Parser) populateStruct(vStruct reflect.Value, rawConfig map[string]interface{}, configPath string, used map[string]bool) error {
	for i := 0; i < vStruct.NumField(); i++ {
		field := vStruct.Type().Field(i)
		tag := field.Tag.Get("config")
		if tag == "" {
			continue
		}

		if tag == ",embed" && field.Type.Kind() == reflect.Struct {
			if err := p.populateStruct(vStruct.Field(i), rawConfig, configPath, used); err != nil {
				return err
			}
			continue
		}

		rawValue, ok := rawConfig[tag]
		if !ok {
			continue
		}
		used[tag] = true

		if err := p.populateValue(vStruct.Field(i), rawValue, fmt.Sprintf("%s/%s", configPath, tag)); err != nil {
			return err
		}
	}

	return nil
}

// populateValue sets a single configuration value, converting from the raw
// JSON/YAML representation to the field's type
func (p *Parser) populateValue(vField reflect.Value, rawValue interface{}, configPath string) error {
	switch vField.Interface().(type) {
	case time.Duration:
		duration, err := parseDuration(rawValue)
		if err != nil {
			return fmt.Errorf("Option %s must be a valid duration: %s", configPath, err)
		}
		vField.SetInt(int64(duration))
		return nil
	case logging.Level:
		levelStr, ok := rawValue.(string)
		if !ok {
			return fmt.Errorf("Option %s must be a string", configPath)
		}
		level, err := logging.LogLevel(levelStr)
		if err != nil {
			return fmt.Errorf("Option %s is not a valid log level: %s", configPath, levelStr)
		}
		vField.SetInt(int64(level))
		return nil
	}

	switch vField.Kind() {
	case reflect.String:
		value, ok := rawValue.(string)
		if !ok {
			return fmt.Errorf("Option %s must be a string", configPath)
		}
		vField.SetString(value)
	case reflect.Bool:
		value, ok := rawValue.(bool)
		if !ok {
			return fmt.Errorf("Option %s must be a boolean", configPath)
		}
		vField.SetBool(value)
	case reflect.Int64, reflect.Int:
		value, err := parseInt64(rawValue)
		if err != nil {
			return fmt.Errorf("Option %s must be a number", configPath)
		}
		vField.SetInt(value)
	case reflect.Slice:
		if vField.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("Option %s has an unsupported type", configPath)
		}
		rawSlice, ok := rawValue.([]interface{})
		if !ok {
			return fmt.Errorf("Option %s must be a list of strings", configPath)
		}
		values := make([]string, len(rawSlice))
		for k, rawEntry := range rawSlice {
			entry, ok := rawEntry.(string)
			if !ok {
				return fmt.Errorf("Option %s must be a list of strings", configPath)
			}
			values[k] = entry
		}
		vField.Set(reflect.ValueOf(values))
	default:
		return fmt.Errorf("Option %s has an unsupported type", configPath)
	}

	return nil
}

// parseDuration converts a raw duration value; strings use the standard
// duration syntax and bare numbers are treated as seconds
func parseDuration(rawValue interface{}) (time.Duration, error) {
	switch value := rawValue.(type) {
	case string:
		return time.ParseDuration(value)
	case int:
		return time.Duration(value) * time.Second, nil
	case int64:
		return time.Duration(value) * time.Second, nil
	case float64:
		return time.Duration(value * float64(time.Second)), nil
	}

	return 0, fmt.Errorf("unrecognised duration value: %v", rawValue)
}

// parseInt64 converts a raw numeric value, accepting the integer and float
// representations the JSON and YAML loaders produce
func parseInt64(rawValue interface{}) (int64, error) {
	switch value := rawValue.(type) {
	case int:
		return int64(value), nil
	case int64:
		return value, nil
	case float64:
		return int64(value), nil
	}

	return 0, fmt.Errorf("unrecognised numeric value: %v", rawValue)
}
